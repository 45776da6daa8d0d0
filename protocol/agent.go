package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/queue"
	"github.com/example/sysbus_sim/slicc"
)

// Handle identifies one submitted request until its completion is collected.
type Handle uint64

// Completion is the outcome of a request, available through PollCompletion.
type Completion struct {
	Handle   Handle             `json:"handle" yaml:"handle"`
	Address  uint64             `json:"address" yaml:"address"`
	Command  core.SystemCommand `json:"command" yaml:"command"`
	Response core.SysDc         `json:"response" yaml:"response"`
	Data     []uint64           `json:"data,omitempty" yaml:"data,omitempty"`
	Cycle    int                `json:"cycle" yaml:"cycle"`
	Latency  int                `json:"latency" yaml:"latency"`
}

// QueueObserver is told the occupancy of a queue whenever it changes.
type QueueObserver func(agentID int, queueName string, length, capacity int)

// Options configures an Agent.
type Options struct {
	ID int
	// Bank maps addresses to DRAM rows for page-hit chaining.
	Bank queue.BankMap
	// Credits bounds the operations sent but not yet committed. Zero leaves it unbounded.
	Credits int
	// Cache resolves probes. Without one every probe misses.
	Cache     Cache
	Transport Transport
	Broker    *hooks.PluginBroker
	// Logger defaults to the global logger tagged with the agent id.
	Logger *zerolog.Logger
	// Clock returns the current cycle for latency accounting and traces.
	Clock         func() int
	QueueObserver QueueObserver
}

// AgentStats counts what the agent has done since it was created.
type AgentStats struct {
	Submitted      int `json:"submitted" yaml:"submitted"`
	Dispatched     int `json:"dispatched" yaml:"dispatched"`
	Completed      int `json:"completed" yaml:"completed"`
	Received       int `json:"received" yaml:"received"`
	ProbesResolved int `json:"probesResolved" yaml:"probes_resolved"`
	PendingHits    int `json:"pendingHits" yaml:"pending_hits"`
	ResponsesSent  int `json:"responsesSent" yaml:"responses_sent"`
	StaleProbes    int `json:"staleProbes" yaml:"stale_probes"`
	AcksConsumed   int `json:"acksConsumed" yaml:"acks_consumed"`
	Violations     int `json:"violations" yaml:"violations"`
	TotalLatency   int `json:"totalLatency" yaml:"total_latency"`
	MaxRequestLen  int `json:"maxRequestLen" yaml:"max_request_len"`
	MaxProbeLen    int `json:"maxProbeLen" yaml:"max_probe_len"`
}

// Agent is the protocol controller of one bus agent. It owns the request queue and the
// probe queue and moves messages between them, the local cache and the transport.
// All methods are safe for concurrent use; a single mutex guards both queues.
type Agent struct {
	id int

	mu        sync.Mutex
	rq        *queue.RequestQueue
	pq        *queue.ProbeQueue
	credits   *CreditCounter
	lifecycle *lifecycle
	cache     Cache
	updater   CacheUpdater
	transport Transport
	broker    *hooks.PluginBroker
	log       zerolog.Logger
	clock     func() int
	observer  QueueObserver

	rqFreed chan struct{}
	pqFreed chan struct{}

	submittedAt map[Handle]int
	completions map[Handle]Completion
	// retired holds the extent of the last request each RQ slot completed, so a probe
	// naming a finished request can be told from one naming a slot never used.
	retired [queue.RequestQueueDepth]core.Range
	stats   AgentStats
	halted  *ConsistencyError
}

// NewAgent builds an agent with empty queues.
func NewAgent(opts Options) (*Agent, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("agent %d: transport is required", opts.ID)
	}
	if opts.ID < 0 {
		return nil, fmt.Errorf("agent id must be non-negative, got %d", opts.ID)
	}
	bank := opts.Bank
	if bank.Banks <= 0 {
		bank = queue.DefaultBankMap()
	}
	lc, err := newLifecycle(opts.ID)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		id:          opts.ID,
		credits:     NewCreditCounter(opts.Credits),
		lifecycle:   lc,
		cache:       opts.Cache,
		transport:   opts.Transport,
		broker:      opts.Broker,
		clock:       opts.Clock,
		observer:    opts.QueueObserver,
		rqFreed:     make(chan struct{}),
		pqFreed:     make(chan struct{}),
		submittedAt: make(map[Handle]int),
		completions: make(map[Handle]Completion),
	}
	if a.cache == nil {
		a.cache = noCache{}
	}
	if u, ok := a.cache.(CacheUpdater); ok {
		a.updater = u
	}
	if opts.Logger != nil {
		a.log = opts.Logger.With().Int("agent", opts.ID).Logger()
	} else {
		a.log = log.Logger.With().Int("agent", opts.ID).Logger()
	}
	a.rq = queue.NewRequestQueue(opts.ID, bank, func(length, capacity int) {
		if length > a.stats.MaxRequestLen {
			a.stats.MaxRequestLen = length
		}
		if a.observer != nil {
			a.observer(a.id, "request", length, capacity)
		}
	})
	a.pq = queue.NewProbeQueue(opts.ID, func(length, capacity int) {
		if length > a.stats.MaxProbeLen {
			a.stats.MaxProbeLen = length
		}
		if a.observer != nil {
			a.observer(a.id, "probe", length, capacity)
		}
	})
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() int {
	return a.id
}

// Credits exposes the uncommitted event counter.
func (a *Agent) Credits() *CreditCounter {
	return a.credits
}

// Stats returns a copy of the agent counters.
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Halted returns the consistency error that stopped the agent, or nil.
func (a *Agent) Halted() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted == nil {
		return nil
	}
	return a.halted
}

// Submit places req in the request queue, blocking while the queue is full until a slot
// frees or ctx ends.
func (a *Agent) Submit(ctx context.Context, req core.Request) (Handle, error) {
	for {
		a.mu.Lock()
		h, err := a.submitLocked(req)
		if !errors.Is(err, queue.ErrQueueFull) {
			a.mu.Unlock()
			return h, err
		}
		freed := a.rqFreed
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-freed:
		}
	}
}

// TrySubmit is Submit without blocking: a full queue returns queue.ErrQueueFull.
func (a *Agent) TrySubmit(req core.Request) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitLocked(req)
}

func (a *Agent) submitLocked(req core.Request) (Handle, error) {
	if a.halted != nil {
		return 0, a.halted
	}
	req, err := normalizeRequest(req)
	if err != nil {
		return 0, err
	}
	slot, err := a.rq.Submit(req)
	if err != nil {
		return 0, err
	}
	entry, _ := a.rq.Entry(slot)
	h := Handle(entry.Sequence)
	if err := a.lifecycle.advance(h, slicc.EventEnqueue); err != nil {
		return 0, a.haltLocked(err)
	}
	a.submittedAt[h] = a.now()
	a.stats.Submitted++
	a.log.Debug().
		Int("slot", slot).
		Uint64("handle", uint64(h)).
		Str("command", entry.Command.String()).
		Hex("wait", []byte{byte(entry.Wait)}).
		Hex("page_hit", []byte{byte(entry.PageHit)}).
		Msgf("request queued at 0x%x", entry.Address)
	a.hookErr("submitted", a.broker.EmitSubmitted(a.requestContext(slot, entry, 0)))
	return h, nil
}

func normalizeRequest(req core.Request) (core.Request, error) {
	switch {
	case !req.Command.Valid():
		return req, fmt.Errorf("%w: unknown command %d", ErrInvalidRequest, uint8(req.Command))
	case req.Command == core.CmdNOP || req.Command == core.CmdNZNOP || req.Command == core.CmdProbeResponse:
		return req, fmt.Errorf("%w: %s is not a memory request", ErrInvalidRequest, req.Command)
	case req.Command.CarriesData() && len(req.Data) == 0:
		return req, fmt.Errorf("%w: %s requires data", ErrInvalidRequest, req.Command)
	case len(req.Data) > core.LineQuadwords:
		return req, fmt.Errorf("%w: payload of %d quadwords exceeds a line", ErrInvalidRequest, len(req.Data))
	}
	if req.Mask == 0 {
		if req.Command.IsBlock() {
			req.Mask = core.FullMask
		} else {
			req.Mask = core.QuadwordMask(max(1, len(req.Data)))
		}
	}
	return req, nil
}

// Arbitrate runs one arbitration round. A previously selected entry whose message the
// transport refused is retried first; otherwise the request queue picks the next ready
// entry. It reports whether a message went out. No credit or nothing ready is ordinary
// backpressure and returns false with a nil error.
func (a *Agent) Arbitrate() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted != nil {
		return false, a.halted
	}
	if !a.credits.Available() {
		return false, nil
	}

	slot, ok := a.rq.FirstInPhase(queue.PhaseArbitrated)
	if !ok {
		slot, ok = a.rq.SelectReady()
		if !ok {
			return false, nil
		}
		entry, _ := a.rq.Entry(slot)
		if err := a.lifecycle.advance(Handle(entry.Sequence), slicc.EventSelect); err != nil {
			return false, a.haltLocked(err)
		}
		if err := a.rq.SetPhase(slot, queue.PhaseArbitrated); err != nil {
			return false, a.haltLocked(err)
		}
	}
	entry, _ := a.rq.Entry(slot)
	h := Handle(entry.Sequence)

	msg := core.AgentToControllerMessage{
		Address: entry.Address,
		Data:    entry.Payload(),
		Command: entry.Command,
		Valid:   true,
		Mask:    entry.Mask,
		ID:      uint8(slot),
		Wrap:    entry.Wrap,
	}
	// Callers of Credits share the counter; Available above does not reserve.
	if !a.credits.Acquire() {
		a.log.Debug().Int("slot", slot).Msg("no credit, request held")
		return false, nil
	}
	if err := a.transport.Send(a.id, msg); err != nil {
		if rerr := a.credits.Release(); rerr != nil {
			a.log.Warn().Err(rerr).Int("slot", slot).Msg("credit return after failed send")
		}
		if errors.Is(err, ErrBackpressure) {
			a.log.Debug().Int("slot", slot).Msg("transport busy, request held")
			return false, nil
		}
		return false, fmt.Errorf("agent %d dispatch slot %d: %w", a.id, slot, err)
	}
	if err := a.rq.SetPhase(slot, queue.PhaseDispatched); err != nil {
		return true, a.haltLocked(err)
	}
	if err := a.lifecycle.advance(h, slicc.EventTransmit); err != nil {
		return true, a.haltLocked(err)
	}
	a.stats.Dispatched++
	a.log.Debug().
		Int("slot", slot).
		Uint64("handle", uint64(h)).
		Str("command", entry.Command.String()).
		Int("credits", a.credits.Outstanding()).
		Msgf("request dispatched to 0x%x", entry.Address)
	a.hookErr("dispatched", a.broker.EmitDispatched(a.requestContext(slot, entry, 0)))
	return true, a.checkLocked()
}

// PollCompletion collects the completion of h. A request still in flight returns
// false; a handle never issued or already collected returns ErrUnknownHandle.
func (a *Agent) PollCompletion(h Handle) (Completion, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.completions[h]; ok {
		delete(a.completions, h)
		a.lifecycle.forget(h)
		return c, true, nil
	}
	if state, known := a.lifecycle.state(h); known && state != slicc.StateCompleted {
		return Completion{}, false, nil
	}
	return Completion{}, false, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
}

// State returns the lifecycle state of an uncollected request.
func (a *Agent) State(h Handle) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, known := a.lifecycle.state(h)
	if !known {
		return "", fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return state, nil
}

// Outstanding returns the number of requests submitted and not yet collected.
func (a *Agent) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifecycle.tracked()
}

// Idle reports whether both queues are empty.
func (a *Agent) Idle() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rq.Len() == 0 && a.pq.Len() == 0
}

// CheckConsistency verifies the queue invariants. A failure halts the agent.
func (a *Agent) CheckConsistency() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted != nil {
		return a.halted
	}
	return a.checkLocked()
}

func (a *Agent) checkLocked() error {
	if err := a.rq.CheckConsistency(); err != nil {
		return a.haltLocked(err)
	}
	if err := a.pq.CheckConsistency(); err != nil {
		return a.haltLocked(err)
	}
	return nil
}

// haltLocked stops the agent. Every later operation returns the same error.
func (a *Agent) haltLocked(err error) error {
	if a.halted != nil {
		return a.halted
	}
	ce := &ConsistencyError{AgentID: a.id, Err: err}
	dump, derr := a.snapshotLocked().YAML()
	if derr != nil {
		dump = fmt.Sprintf("dump failed: %v", derr)
	}
	ce.Dump = dump
	a.halted = ce
	a.log.Error().Err(err).Str("dump", dump).Msg("queue bookkeeping broken, agent halted")
	a.hookErr("violation", a.broker.EmitViolation(&hooks.ViolationContext{AgentID: a.id, Cycle: a.now(), Err: ce}))
	a.signalRQ()
	a.signalPQ()
	return ce
}

func (a *Agent) signalRQ() {
	close(a.rqFreed)
	a.rqFreed = make(chan struct{})
}

func (a *Agent) signalPQ() {
	close(a.pqFreed)
	a.pqFreed = make(chan struct{})
}

func (a *Agent) now() int {
	if a.clock == nil {
		return 0
	}
	return a.clock()
}

func (a *Agent) requestContext(slot int, e queue.RequestEntry, latency int) *hooks.RequestContext {
	return &hooks.RequestContext{
		AgentID:  a.id,
		Cycle:    a.now(),
		Slot:     slot,
		Sequence: e.Sequence,
		Address:  e.Address,
		Command:  e.Command,
		Latency:  latency,
	}
}

func (a *Agent) hookErr(stage string, err error) {
	if err != nil {
		a.log.Warn().Err(err).Str("hook", stage).Msg("hook failed")
	}
}
