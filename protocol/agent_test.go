package protocol

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/codec"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/observability/testlog"
	"github.com/example/sysbus_sim/queue"
	"github.com/example/sysbus_sim/slicc"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []core.AgentToControllerMessage
	busy bool
}

func (r *recordingTransport) Send(_ int, msg core.AgentToControllerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return ErrBackpressure
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) setBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = busy
}

func (r *recordingTransport) messages() []core.AgentToControllerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.AgentToControllerMessage(nil), r.sent...)
}

type countingCache struct {
	lookups     int
	invalidated []uint64
	result      core.LookupResult
}

func (c *countingCache) Lookup(uint64) core.LookupResult {
	c.lookups++
	return c.result
}

func (c *countingCache) Invalidate(addr uint64) {
	c.invalidated = append(c.invalidated, addr)
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *recordingTransport) {
	t.Helper()
	logger := testlog.Start(t)
	tr := &recordingTransport{}
	if opts.Transport == nil {
		opts.Transport = tr
	}
	opts.Logger = &logger
	a, err := NewAgent(opts)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a, tr
}

func mustSubmit(t *testing.T, a *Agent, req core.Request) Handle {
	t.Helper()
	h, err := a.TrySubmit(req)
	if err != nil {
		t.Fatalf("submit %+v: %v", req, err)
	}
	return h
}

func mustArbitrate(t *testing.T, a *Agent) {
	t.Helper()
	sent, err := a.Arbitrate()
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if !sent {
		t.Fatalf("expected a request to be dispatched")
	}
}

func fullLine(base uint64) []uint64 {
	out := make([]uint64, core.LineQuadwords)
	for i := range out {
		out[i] = base + uint64(i)
	}
	return out
}

func TestSubmitDispatchComplete(t *testing.T) {
	cache := capabilities.NewLineCache("l1", capabilities.LineCacheConfig{Capacity: 4})
	a, tr := newTestAgent(t, Options{ID: 1, Cache: cache})

	h := mustSubmit(t, a, core.Request{Address: 0x2010, Command: core.CmdReadBlk, Wrap: core.WrapOffset(0x2010)})
	if state, _ := a.State(h); state != slicc.StateQueued {
		t.Fatalf("expected Queued, got %s", state)
	}
	mustArbitrate(t, a)

	sent := tr.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	if sent[0].ID != 0 || sent[0].Mask != core.FullMask || !sent[0].Valid || sent[0].Command != core.CmdReadBlk {
		t.Fatalf("unexpected request message %+v", sent[0])
	}
	if state, _ := a.State(h); state != slicc.StateAwaitingControllerResponse {
		t.Fatalf("expected AwaitingControllerResponse, got %s", state)
	}
	if a.Credits().Outstanding() != 1 {
		t.Fatalf("expected one uncommitted operation, got %d", a.Credits().Outstanding())
	}
	if _, done, err := a.PollCompletion(h); done || err != nil {
		t.Fatalf("expected pending request, got done=%v err=%v", done, err)
	}

	var line core.Line
	copy(line[:], fullLine(0x100))
	wrap := core.WrapOffset(0x2010)
	err := a.TryReceive(core.ControllerToAgentMessage{
		Address:  0x2000,
		Data:     core.WrapLine(line, wrap),
		Response: core.SysDcReadData,
		Ack:      true,
		Commit:   true,
		ID:       0,
		Wrap:     wrap,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}

	c, done, err := a.PollCompletion(h)
	if err != nil || !done {
		t.Fatalf("expected completion, got done=%v err=%v", done, err)
	}
	if c.Response != core.SysDcReadData || len(c.Data) != core.LineQuadwords {
		t.Fatalf("unexpected completion %+v", c)
	}
	if a.Credits().Outstanding() != 0 {
		t.Fatalf("expected commit to release the credit, got %d", a.Credits().Outstanding())
	}
	look := cache.Lookup(0x2000)
	if look.State != core.MESIExclusive || look.Data != line {
		t.Fatalf("expected exclusive fill in memory order, got %+v", look)
	}
	if _, _, err := a.PollCompletion(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle after collection, got %v", err)
	}
	if !a.Idle() {
		t.Fatalf("expected both queues empty")
	}
}

func TestSubmitRejectsNonRequests(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0})
	cases := []core.Request{
		{Command: core.CmdNOP},
		{Command: core.CmdProbeResponse},
		{Address: 0x40, Command: core.CmdWrQWs},
		{Command: core.SystemCommand(200)},
	}
	for _, req := range cases {
		if _, err := a.TrySubmit(req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %v, got %v", req.Command, err)
		}
	}
}

func TestProbeResponseShapes(t *testing.T) {
	cache := &countingCache{result: core.LookupResult{Hit: true, State: core.MESIShared}}
	a, tr := newTestAgent(t, Options{ID: 2, Cache: cache})

	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x80, Probe: true, ID: core.NoCorrelation,
	}); err != nil {
		t.Fatalf("receive hit probe: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	cache.result = core.Miss
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address:  0xc0,
		Probe:    true,
		ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit, Next: core.NextInvalid},
		ID:       core.NoCorrelation,
	}); err != nil {
		t.Fatalf("receive miss probe: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}

	sent := tr.messages()
	if len(sent) != 2 {
		t.Fatalf("expected two probe responses, got %d", len(sent))
	}
	hit, miss := sent[0], sent[1]
	if !hit.Probe || !hit.CacheHit || !hit.M2 || hit.M1 || len(hit.Data) != 0 || hit.Mask != 0 {
		t.Fatalf("expected cache hit response without data, got %+v", hit)
	}
	if !miss.M1 || miss.CacheHit || len(miss.Data) != core.LineQuadwords || miss.Mask != core.FullMask {
		t.Fatalf("expected miss1 response with a full line, got %+v", miss)
	}
	for _, msg := range sent {
		if err := codec.ValidateAgent(msg); err != nil {
			t.Fatalf("response does not validate: %v", err)
		}
	}
}

func TestDirtyProbeMovesData(t *testing.T) {
	var line core.Line
	copy(line[:], fullLine(0x500))
	cache := &countingCache{result: core.LookupResult{Hit: true, Dirty: true, State: core.MESIModified, Data: line}}
	a, tr := newTestAgent(t, Options{ID: 0, Cache: cache})

	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address:  0x3000,
		Probe:    true,
		ProbeCmd: core.ProbeCommand{Move: core.ProbeReadDirty, Next: core.NextInvalid},
		ID:       core.NoCorrelation,
		Wrap:     3,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	sent := tr.messages()
	if len(sent) != 1 || sent[0].M1 || sent[0].M2 || sent[0].CacheHit {
		t.Fatalf("expected a plain data movement response, got %+v", sent)
	}
	if sent[0].Data[0] != line[3] || core.UnwrapLine(sent[0].Data, 3) != line {
		t.Fatalf("expected line starting at the wrap quadword, got %v", sent[0].Data)
	}
}

func TestProbeAgainstPendingRequestSkipsCache(t *testing.T) {
	cache := &countingCache{result: core.LookupResult{Hit: true, State: core.MESIShared}}
	a, tr := newTestAgent(t, Options{ID: 0, Cache: cache})

	mustSubmit(t, a, core.Request{Address: 0x4000, Command: core.CmdReadBlkMod})
	mustSubmit(t, a, core.Request{Address: 0x8000, Command: core.CmdReadBlk})
	mustArbitrate(t, a)
	mustArbitrate(t, a)

	probes := []core.ControllerToAgentMessage{
		{Address: 0x4000, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadDirty, Next: core.NextInvalid}, ID: 0},
		{Address: 0x8008, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit, Next: core.NextCleanShared}, ID: core.NoCorrelation},
	}
	for _, p := range probes {
		if err := a.TryReceive(p); err != nil {
			t.Fatalf("receive: %v", err)
		}
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if cache.lookups != 0 {
		t.Fatalf("expected no cache lookups for probes against pending requests, got %d", cache.lookups)
	}
	responses := tr.messages()[2:]
	if len(responses) != 2 || !responses[0].M1 || !responses[1].M2 {
		t.Fatalf("expected miss1 then miss2, got %+v", responses)
	}
	snap := a.Snapshot()
	if !snap.Requests[0].Miss1 || !snap.Requests[1].Miss2 {
		t.Fatalf("expected probe status on pending requests, got %+v", snap.Requests)
	}
	if a.Stats().PendingHits != 2 {
		t.Fatalf("expected two pending hits, got %d", a.Stats().PendingHits)
	}
}

func TestPendingVictimSuppliesData(t *testing.T) {
	cache := &countingCache{result: core.Miss}
	a, tr := newTestAgent(t, Options{ID: 0, Cache: cache})

	mustSubmit(t, a, core.Request{Address: 0x6000, Command: core.CmdWrVictimBlk, Data: fullLine(0x900)})
	mustArbitrate(t, a)
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x6000, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit}, ID: core.NoCorrelation,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	rsp := tr.messages()[1]
	if rsp.M1 || rsp.M2 || rsp.CacheHit || rsp.Data[0] != 0x900 {
		t.Fatalf("expected victim data movement, got %+v", rsp)
	}
}

func TestStaleProbeIsDropped(t *testing.T) {
	a, tr := newTestAgent(t, Options{ID: 0})
	h := mustSubmit(t, a, core.Request{Address: 0x40, Command: core.CmdReadBlk})
	mustArbitrate(t, a)
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x40, Data: fullLine(0x40), Response: core.SysDcReadData, Ack: true, Commit: true, ID: 0,
	}); err != nil {
		t.Fatalf("receive response: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, done, _ := a.PollCompletion(h); !done {
		t.Fatalf("expected the read to complete")
	}

	// The probe names the slot of the read that just retired.
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x48, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit}, ID: 0,
	}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if len(tr.messages()) != 1 {
		t.Fatalf("expected no response for a stale probe, got %+v", tr.messages()[1:])
	}
	if a.Stats().StaleProbes != 1 || a.Stats().Violations != 0 || !a.Idle() {
		t.Fatalf("expected stale probe retired, stats %+v", a.Stats())
	}
}

func TestUnusedSlotIdIsViolation(t *testing.T) {
	a, tr := newTestAgent(t, Options{ID: 0})
	err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x40, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit}, ID: 3,
	})
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, queue.ErrUnknownEntry) {
		t.Fatalf("expected protocol violation for an unused slot, got %v", err)
	}

	// A slot that completed a request for another line does not correlate either.
	mustSubmit(t, a, core.Request{Address: 0x1000, Command: core.CmdReadBlk})
	mustArbitrate(t, a)
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x1000, Data: fullLine(0x1000), Response: core.SysDcReadData, Ack: true, Commit: true, ID: 0,
	}); err != nil {
		t.Fatalf("receive response: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	err = a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x2000, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit}, ID: 0,
	})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation for a mismatched line, got %v", err)
	}
	if a.Stats().Violations != 2 || a.Stats().StaleProbes != 0 || !a.Idle() || len(tr.messages()) != 1 {
		t.Fatalf("expected both snoops discarded, stats %+v", a.Stats())
	}
}

func TestUncorrelatedResponseIsViolation(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0})
	err := a.TryReceive(core.ControllerToAgentMessage{Response: core.SysDcMBDone, Ack: true, ID: 2})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	var v *ViolationError
	if !errors.As(err, &v) || v.Message.ID != 2 {
		t.Fatalf("expected violation carrying the message, got %v", err)
	}
	if a.Stats().Violations != 1 || !a.Idle() {
		t.Fatalf("expected message discarded, stats %+v", a.Stats())
	}
	if a.Halted() != nil {
		t.Fatalf("violation must not halt the agent")
	}
}

func TestMalformedRecordIsViolation(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0})
	buf := make([]byte, codec.RecordSize)
	buf[0] = codec.TagControllerToAgent
	buf[1] = core.ProbeCommand{Move: core.ProbeReadHit}.Byte()
	buf[3] = codec.FlagCommit

	err := a.ReceiveRecord(context.Background(), buf)
	if !errors.Is(err, ErrProtocolViolation) || !errors.Is(err, codec.ErrMalformedFlags) {
		t.Fatalf("expected malformed flag violation, got %v", err)
	}
	if _, err := a.Arbitrate(); err != nil {
		t.Fatalf("agent should keep running: %v", err)
	}
}

func TestCommitUnderflowKeepsCounterAtZero(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0})
	if err := a.TryReceive(core.ControllerToAgentMessage{Commit: true, ID: core.NoCorrelation}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if a.Credits().Outstanding() != 0 {
		t.Fatalf("expected counter to stay at zero, got %d", a.Credits().Outstanding())
	}
	if a.Stats().Violations != 1 {
		t.Fatalf("expected underflow reported as violation, got %d", a.Stats().Violations)
	}
}

func TestCreditLimitHoldsArbitration(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0, Credits: 1})
	mustSubmit(t, a, core.Request{Address: 0x1000, Command: core.CmdReadQWs})
	mustSubmit(t, a, core.Request{Address: 0x9000, Command: core.CmdReadQWs})
	mustArbitrate(t, a)
	if sent, err := a.Arbitrate(); sent || err != nil {
		t.Fatalf("expected credit backpressure, got sent=%v err=%v", sent, err)
	}
	if err := a.TryReceive(core.ControllerToAgentMessage{Commit: true, ID: core.NoCorrelation}); err != nil {
		t.Fatalf("receive commit: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	mustArbitrate(t, a)
}

func TestCreditsTakenElsewhereHoldArbitration(t *testing.T) {
	a, tr := newTestAgent(t, Options{ID: 0, Credits: 2})
	h := mustSubmit(t, a, core.Request{Address: 0x40, Command: core.CmdReadBlk})
	for i := 0; i < 2; i++ {
		if !a.Credits().Acquire() {
			t.Fatalf("acquire %d failed", i)
		}
	}
	if sent, err := a.Arbitrate(); sent || err != nil {
		t.Fatalf("expected held request, got sent=%v err=%v", sent, err)
	}
	if len(tr.messages()) != 0 {
		t.Fatalf("expected nothing sent without a credit, got %d", len(tr.messages()))
	}
	if got := a.Credits().Outstanding(); got != 2 {
		t.Fatalf("expected the counter untouched, got %d outstanding", got)
	}
	if err := a.Credits().Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	mustArbitrate(t, a)
	if state, _ := a.State(h); state != slicc.StateAwaitingControllerResponse {
		t.Fatalf("expected AwaitingControllerResponse, got %s", state)
	}
	if got := a.Credits().Outstanding(); got != 2 {
		t.Fatalf("expected two credits outstanding, got %d", got)
	}
}

func TestTransportBackpressureRetriesSelectedEntry(t *testing.T) {
	a, tr := newTestAgent(t, Options{ID: 0})
	h := mustSubmit(t, a, core.Request{Address: 0x40, Command: core.CmdReadBlk})
	tr.setBusy(true)
	if sent, err := a.Arbitrate(); sent || err != nil {
		t.Fatalf("expected held request, got sent=%v err=%v", sent, err)
	}
	if state, _ := a.State(h); state != slicc.StateArbitrated {
		t.Fatalf("expected Arbitrated while the transport is busy, got %s", state)
	}
	if got := a.Credits().Outstanding(); got != 0 {
		t.Fatalf("expected the credit returned after a refused send, got %d outstanding", got)
	}
	tr.setBusy(false)
	mustArbitrate(t, a)
	if got := a.Credits().Outstanding(); got != 1 {
		t.Fatalf("expected one credit outstanding after dispatch, got %d", got)
	}
	if state, _ := a.State(h); state != slicc.StateAwaitingControllerResponse {
		t.Fatalf("expected AwaitingControllerResponse, got %s", state)
	}
	if len(tr.messages()) != 1 {
		t.Fatalf("expected exactly one transmission, got %d", len(tr.messages()))
	}
}

func TestSubmitBlocksUntilSlotFrees(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 0})
	for i := 0; i < queue.RequestQueueDepth; i++ {
		mustSubmit(t, a, core.Request{Address: uint64(i+1) * 0x100, Command: core.CmdReadQWs})
	}
	mustArbitrate(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Submit(ctx, core.Request{Address: 0x7000, Command: core.CmdReadQWs}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while the queue is full, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Submit(context.Background(), core.Request{Address: 0x7000, Command: core.CmdReadQWs})
		done <- err
	}()
	if err := a.TryReceive(core.ControllerToAgentMessage{Ack: true, ID: 0}); err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked submit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked submit never woke up")
	}
}

func TestAckBypassesHeldProbeResponse(t *testing.T) {
	a, tr := newTestAgent(t, Options{ID: 0})
	h := mustSubmit(t, a, core.Request{Address: 0x1000, Command: core.CmdMB})
	mustArbitrate(t, a)

	tr.setBusy(true)
	if err := a.TryReceive(core.ControllerToAgentMessage{
		Address: 0x2000, Probe: true, ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit}, ID: core.NoCorrelation,
	}); err != nil {
		t.Fatalf("receive probe: %v", err)
	}
	if err := a.TryReceive(core.ControllerToAgentMessage{Response: core.SysDcMBDone, Ack: true, Commit: true, ID: 0}); err != nil {
		t.Fatalf("receive ack: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if _, done, err := a.PollCompletion(h); !done || err != nil {
		t.Fatalf("expected ack consumed ahead of the probe, got done=%v err=%v", done, err)
	}
	snap := a.Snapshot()
	if len(snap.Probes) != 1 || !snap.Probes[0].Processed {
		t.Fatalf("expected the resolved probe still waiting on the transport, got %+v", snap.Probes)
	}
	tr.setBusy(false)
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if !a.Idle() {
		t.Fatalf("expected probe response sent once the transport frees")
	}
}

func TestProbeAndResponseCompletesThenResolves(t *testing.T) {
	cache := &countingCache{result: core.Miss}
	a, tr := newTestAgent(t, Options{ID: 0, Cache: cache})
	h := mustSubmit(t, a, core.Request{Address: 0x1000, Command: core.CmdCleanToDirty})
	mustArbitrate(t, a)

	err := a.TryReceive(core.ControllerToAgentMessage{
		Address:  0x1000,
		Probe:    true,
		ProbeCmd: core.ProbeCommand{Move: core.ProbeReadHit, Next: core.NextInvalid},
		Response: core.SysDcChangeToDirtyFail,
		Ack:      true,
		ID:       0,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	c, done, _ := a.PollCompletion(h)
	if !done || c.Response != core.SysDcChangeToDirtyFail {
		t.Fatalf("expected failed upgrade completion, got %+v", c)
	}
	sent := tr.messages()
	if len(sent) != 2 || !sent[1].Probe || !sent[1].M1 || sent[1].ID != 0 {
		t.Fatalf("expected probe response echoing the id, got %+v", sent)
	}
	if cache.lookups != 1 {
		t.Fatalf("expected the probe to consult the cache once, got %d", cache.lookups)
	}
}

func TestStreamTransportWritesRecords(t *testing.T) {
	var wire bytes.Buffer
	a, _ := newTestAgent(t, Options{ID: 0, Transport: NewStreamTransport(&wire)})
	mustSubmit(t, a, core.Request{Address: 0x2000, Command: core.CmdWrQWs, Data: []uint64{7, 8}})
	mustArbitrate(t, a)

	msg, err := codec.ReadAgent(&wire)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	if msg.Command != core.CmdWrQWs || msg.Mask != 0x03 || len(msg.Data) != 2 || msg.Data[1] != 8 {
		t.Fatalf("unexpected decoded request %+v", msg)
	}

	record, err := codec.MarshalController(core.ControllerToAgentMessage{Response: core.SysDcReleaseBuffer, Ack: true, Commit: true, ID: msg.ID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := a.ReceiveRecord(context.Background(), record); err != nil {
		t.Fatalf("receive record: %v", err)
	}
	if err := a.ServiceProbes(); err != nil {
		t.Fatalf("service: %v", err)
	}
	if a.Stats().Completed != 1 {
		t.Fatalf("expected one completion, got %d", a.Stats().Completed)
	}
}

func TestConsistencyFailureHaltsAgent(t *testing.T) {
	a, _ := newTestAgent(t, Options{ID: 4})
	h := mustSubmit(t, a, core.Request{Address: 0x40, Command: core.CmdReadBlk})
	mustArbitrate(t, a)
	a.lifecycle.forget(h)

	if err := a.TryReceive(core.ControllerToAgentMessage{Response: core.SysDcReadData, Data: fullLine(0), Ack: true, ID: 0}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	err := a.ServiceProbes()
	if !errors.Is(err, ErrConsistencyViolation) || !errors.Is(err, ErrHalted) {
		t.Fatalf("expected consistency violation, got %v", err)
	}
	var ce *ConsistencyError
	if !errors.As(err, &ce) || !strings.Contains(ce.Dump, "requests:") || ce.AgentID != 4 {
		t.Fatalf("expected queue dump with the error, got %+v", ce)
	}
	if _, err := a.TrySubmit(core.Request{Address: 0x80, Command: core.CmdReadBlk}); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted agent to refuse work, got %v", err)
	}
}
