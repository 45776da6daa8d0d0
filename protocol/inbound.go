package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/sysbus_sim/codec"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/queue"
	"github.com/example/sysbus_sim/slicc"
)

// Receive places an inbound controller message in the probe queue, blocking while the
// queue is full until a slot frees or ctx ends. Malformed or uncorrelated messages are
// discarded and reported as *ViolationError; the agent keeps running.
func (a *Agent) Receive(ctx context.Context, msg core.ControllerToAgentMessage) error {
	for {
		a.mu.Lock()
		err := a.receiveLocked(msg)
		if !errors.Is(err, queue.ErrQueueFull) {
			a.mu.Unlock()
			return err
		}
		freed := a.pqFreed
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-freed:
		}
	}
}

// TryReceive is Receive without blocking: a full queue returns queue.ErrQueueFull.
func (a *Agent) TryReceive(msg core.ControllerToAgentMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.receiveLocked(msg)
}

// ReceiveRecord decodes one wire record and receives it. A record that does not decode
// is a protocol violation.
func (a *Agent) ReceiveRecord(ctx context.Context, record []byte) error {
	msg, err := codec.UnmarshalController(record)
	if err != nil {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.violationLocked("undecodable record", msg, err)
	}
	return a.Receive(ctx, msg)
}

// TryReceiveRecord is ReceiveRecord without blocking.
func (a *Agent) TryReceiveRecord(record []byte) error {
	msg, err := codec.UnmarshalController(record)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		return a.violationLocked("undecodable record", msg, err)
	}
	return a.receiveLocked(msg)
}

func (a *Agent) receiveLocked(msg core.ControllerToAgentMessage) error {
	if a.halted != nil {
		return a.halted
	}
	if err := codec.ValidateController(msg); err != nil {
		return a.violationLocked("malformed message", msg, err)
	}
	if msg.HasResponse() {
		if _, _, err := a.dispatchedSlot(msg.ID); err != nil {
			return a.violationLocked("response names no outstanding request", msg, err)
		}
	}
	if msg.Kind() == core.KindProbe && msg.ID != core.NoCorrelation && !a.correlatesLocked(msg) {
		return a.violationLocked("probe names no request slot", msg,
			fmt.Errorf("%w: slot %d holds no request for 0x%x", queue.ErrUnknownEntry, msg.ID, core.LineAddress(msg.Address)))
	}
	slot, err := a.pq.Enqueue(msg)
	if err != nil {
		return err
	}
	a.stats.Received++
	a.log.Debug().
		Int("probe_slot", slot).
		Str("kind", msg.Kind().String()).
		Str("probe", msg.ProbeCmd.String()).
		Str("response", msg.Response.String()).
		Uint8("id", msg.ID).
		Msgf("inbound message for 0x%x", msg.Address)
	a.hookErr("probe_received", a.broker.EmitProbeReceived(&hooks.ProbeContext{
		AgentID:  a.id,
		Cycle:    a.now(),
		Slot:     slot,
		Address:  msg.Address,
		Kind:     msg.Kind(),
		ProbeCmd: msg.ProbeCmd,
	}))
	return nil
}

// ServiceProbes works through the probe queue once. Acknowledgment and response halves
// are consumed first, out of band, so they never wait behind probes. Probes then resolve
// in arrival order, and their responses leave in arrival order as far as the transport
// accepts them.
func (a *Agent) ServiceProbes() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted != nil {
		return a.halted
	}
	for {
		slot, ok := a.pq.NextOutOfBand()
		if !ok {
			break
		}
		if err := a.consumeLocked(slot); err != nil {
			return err
		}
	}
	for {
		slot, ok := a.pq.NextProbe()
		if !ok {
			break
		}
		if err := a.resolveLocked(slot); err != nil {
			return err
		}
	}
	for {
		slot, ok := a.pq.NextResponse()
		if !ok {
			break
		}
		sent, err := a.respondLocked(slot)
		if err != nil {
			return err
		}
		if !sent {
			break
		}
	}
	return a.checkLocked()
}

// consumeLocked applies the response, acknowledgment and buffer-release parts of a probe
// queue entry. Violations found here are reported and the entry is still consumed.
func (a *Agent) consumeLocked(slot int) error {
	e, err := a.pq.Entry(slot)
	if err != nil {
		return a.haltLocked(err)
	}
	msg := e.Message()
	if msg.HasResponse() {
		if err := a.completeLocked(e); err != nil {
			return err
		}
	}
	if e.Commit {
		if err := a.credits.Release(); err != nil {
			_ = a.violationLocked("commit with no uncommitted operation", msg, err)
		}
	}
	if !e.Probe && (e.ClearVictim || e.ClearProbeValid) {
		a.cache.Invalidate(e.Address)
	}
	if err := a.pq.MarkResponseApplied(slot); err != nil {
		return a.haltLocked(err)
	}
	if !e.Probe {
		if _, err := a.pq.Retire(slot); err != nil {
			return a.haltLocked(err)
		}
		a.signalPQ()
	}
	a.stats.AcksConsumed++
	a.hookErr("ack_consumed", a.broker.EmitAckConsumed(&hooks.ProbeContext{
		AgentID:  a.id,
		Cycle:    a.now(),
		Slot:     slot,
		Address:  e.Address,
		Kind:     e.Kind,
		ProbeCmd: e.ProbeCmd,
	}))
	return nil
}

// completeLocked retires the request named by a response and stores its completion.
func (a *Agent) completeLocked(e queue.ProbeEntry) error {
	rslot, entry, err := a.dispatchedSlot(e.ID)
	if err != nil {
		_ = a.violationLocked("response names no outstanding request", e.Message(), err)
		return nil
	}
	h := Handle(entry.Sequence)
	a.applyFillLocked(entry, e)
	if err := a.lifecycle.advance(h, slicc.EventComplete); err != nil {
		return a.haltLocked(err)
	}
	now := a.now()
	latency := now - a.submittedAt[h]
	delete(a.submittedAt, h)
	a.completions[h] = Completion{
		Handle:   h,
		Address:  entry.Address,
		Command:  entry.Command,
		Response: e.Response,
		Data:     e.Payload(),
		Cycle:    now,
		Latency:  latency,
	}
	if _, err := a.rq.Retire(rslot); err != nil {
		return a.haltLocked(err)
	}
	a.retired[rslot] = entry.Extent()
	a.signalRQ()
	a.stats.Completed++
	a.stats.TotalLatency += latency
	a.log.Debug().
		Int("slot", rslot).
		Uint64("handle", uint64(h)).
		Str("response", e.Response.String()).
		Int("latency", latency).
		Msgf("request completed at 0x%x", entry.Address)
	a.hookErr("completed", a.broker.EmitCompleted(a.requestContext(rslot, entry, latency)))
	return nil
}

// applyFillLocked installs data responses and ownership upgrades in the local cache.
func (a *Agent) applyFillLocked(req queue.RequestEntry, e queue.ProbeEntry) {
	if a.updater == nil {
		return
	}
	switch {
	case e.Response.CarriesData() && req.Command.IsBlock():
		a.updater.Fill(req.Address, e.Response.FillState(), core.UnwrapLine(e.Payload(), e.Wrap))
	case e.Response == core.SysDcChangeToDirtySuccess:
		if !a.updater.Upgrade(req.Address) {
			a.updater.Fill(req.Address, core.MESIModified, core.Line{})
		}
	}
}

// resolveLocked classifies the probe in slot. A probe that names a request slot is
// resolved against that pending request when it is still in flight and stale otherwise.
// Uncorrelated probes check in-flight requests over the line before the cache.
func (a *Agent) resolveLocked(slot int) error {
	e, err := a.pq.Entry(slot)
	if err != nil {
		return a.haltLocked(err)
	}
	line := core.LineAddress(e.Address)
	lineRange := core.Range{Lo: line, Hi: line + core.LineSize}

	pending := -1
	if e.Kind == core.KindProbe && e.ID != core.NoCorrelation {
		rslot, entry, err := a.dispatchedSlot(e.ID)
		if err != nil || !entry.Extent().Overlaps(lineRange) {
			return a.dropStaleLocked(slot, e)
		}
		pending = rslot
	} else if rslot, ok := a.rq.FindDispatched(lineRange); ok {
		pending = rslot
	}

	oldest := a.pq.IsOldestPending(slot)
	var res queue.Resolution
	if pending >= 0 {
		entry, _ := a.rq.Entry(pending)
		res = resolvePending(entry, e.ProbeCmd, oldest)
		if err := a.rq.SetProbeStatus(pending, res.Miss1, res.Miss2, res.CacheHit); err != nil {
			return a.haltLocked(err)
		}
		a.stats.PendingHits++
	} else {
		res = resolveLookup(a.cache.Lookup(e.Address), e.ProbeCmd, oldest)
	}
	if err := a.pq.Resolve(slot, res); err != nil {
		return a.haltLocked(err)
	}
	if a.updater != nil && e.ProbeCmd.Next != core.NextNoChange {
		a.updater.ApplyNextState(e.Address, e.ProbeCmd.Next)
	}
	if e.ClearVictim || e.ClearProbeValid {
		a.cache.Invalidate(e.Address)
	}
	a.stats.ProbesResolved++
	a.log.Debug().
		Int("probe_slot", slot).
		Str("probe", e.ProbeCmd.String()).
		Str("outcome", res.Outcome()).
		Bool("oldest", oldest).
		Bool("pending_request", pending >= 0).
		Msgf("probe resolved at 0x%x", e.Address)
	a.hookErr("probe_resolved", a.broker.EmitProbeResolved(&hooks.ProbeContext{
		AgentID:        a.id,
		Cycle:          a.now(),
		Slot:           slot,
		Address:        e.Address,
		Kind:           e.Kind,
		ProbeCmd:       e.ProbeCmd,
		Outcome:        res.Outcome(),
		AgainstPending: pending >= 0,
	}))
	return nil
}

// dropStaleLocked retires a probe whose target request has already retired. No
// response is sent for it.
func (a *Agent) dropStaleLocked(slot int, e queue.ProbeEntry) error {
	if _, err := a.pq.Retire(slot); err != nil {
		return a.haltLocked(err)
	}
	a.signalPQ()
	a.stats.StaleProbes++
	a.log.Debug().
		Int("probe_slot", slot).
		Uint8("id", e.ID).
		Err(ErrStaleProbe).
		Msgf("probe for 0x%x dropped", e.Address)
	a.hookErr("probe_stale", a.broker.EmitProbeStale(&hooks.ProbeContext{
		AgentID:  a.id,
		Cycle:    a.now(),
		Slot:     slot,
		Address:  e.Address,
		Kind:     e.Kind,
		ProbeCmd: e.ProbeCmd,
		Outcome:  "Stale",
	}))
	return nil
}

// respondLocked sends the response of a resolved probe and retires it. It reports false
// when the transport pushed back.
func (a *Agent) respondLocked(slot int) (bool, error) {
	e, err := a.pq.Entry(slot)
	if err != nil {
		return false, a.haltLocked(err)
	}
	msg := buildResponse(e)
	if err := a.transport.Send(a.id, msg); err != nil {
		if errors.Is(err, ErrBackpressure) {
			a.log.Debug().Int("probe_slot", slot).Msg("transport busy, probe response held")
			return false, nil
		}
		return false, fmt.Errorf("agent %d probe response slot %d: %w", a.id, slot, err)
	}
	if _, err := a.pq.Retire(slot); err != nil {
		return true, a.haltLocked(err)
	}
	a.signalPQ()
	a.stats.ResponsesSent++
	a.hookErr("response_sent", a.broker.EmitResponseSent(&hooks.ProbeContext{
		AgentID:  a.id,
		Cycle:    a.now(),
		Slot:     slot,
		Address:  e.Address,
		Kind:     e.Kind,
		ProbeCmd: e.ProbeCmd,
		Outcome:  resolutionOf(e).Outcome(),
	}))
	return true, nil
}

// dispatchedSlot resolves a correlation id to a request in flight.
func (a *Agent) dispatchedSlot(id uint8) (int, queue.RequestEntry, error) {
	slot := int(id)
	entry, err := a.rq.Entry(slot)
	if err != nil {
		return -1, queue.RequestEntry{}, err
	}
	if entry.Phase != queue.PhaseDispatched {
		return -1, queue.RequestEntry{}, fmt.Errorf("%w: request slot %d is %s", queue.ErrUnknownEntry, slot, entry.Phase)
	}
	return slot, entry, nil
}

// correlatesLocked reports whether a probe's id names a request over the probed line,
// either still in flight or the last one its slot completed.
func (a *Agent) correlatesLocked(msg core.ControllerToAgentMessage) bool {
	line := core.LineAddress(msg.Address)
	lineRange := core.Range{Lo: line, Hi: line + core.LineSize}
	if _, entry, err := a.dispatchedSlot(msg.ID); err == nil && entry.Extent().Overlaps(lineRange) {
		return true
	}
	return int(msg.ID) < len(a.retired) && a.retired[msg.ID].Overlaps(lineRange)
}

// violationLocked reports a discarded message with its full contents.
func (a *Agent) violationLocked(reason string, msg core.ControllerToAgentMessage, err error) error {
	v := &ViolationError{AgentID: a.id, Reason: reason, Message: msg, Err: err}
	a.stats.Violations++
	a.log.Error().
		Err(err).
		Str("reason", reason).
		Str("kind", msg.Kind().String()).
		Str("address", fmt.Sprintf("0x%x", msg.Address)).
		Str("probe", msg.ProbeCmd.String()).
		Str("response", msg.Response.String()).
		Uint8("id", msg.ID).
		Uint8("wrap", msg.Wrap).
		Bool("probe_flag", msg.Probe).
		Bool("rvb", msg.ClearVictim).
		Bool("rpb", msg.ClearProbeValid).
		Bool("a", msg.Ack).
		Bool("c", msg.Commit).
		Int("data_len", len(msg.Data)).
		Msg("protocol violation, message discarded")
	a.hookErr("violation", a.broker.EmitViolation(&hooks.ViolationContext{AgentID: a.id, Cycle: a.now(), Err: v}))
	return v
}
