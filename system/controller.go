package system

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/codec"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/observability"
	"github.com/example/sysbus_sim/protocol"
	"github.com/example/sysbus_sim/queue"
)

const (
	// DefaultMemoryLatency is the number of cycles memory takes to serve a request.
	DefaultMemoryLatency = 8
	// DefaultInboundDepth bounds each agent's request lane at the controller.
	DefaultInboundDepth = 4
)

// Options configures a Controller.
type Options struct {
	Agents        int
	Bank          queue.BankMap
	MemoryLatency int
	InboundDepth  int
	Logger        *zerolog.Logger
	Directory     capabilities.DirectoryStore
	Memory        *Memory
}

// Stats counts controller activity.
type Stats struct {
	Received       int `json:"received" yaml:"received"`
	Admitted       int `json:"admitted" yaml:"admitted"`
	Completed      int `json:"completed" yaml:"completed"`
	ProbesSent     int `json:"probesSent" yaml:"probes_sent"`
	ProbeResponses int `json:"probeResponses" yaml:"probe_responses"`
	DirtyTransfers int `json:"dirtyTransfers" yaml:"dirty_transfers"`
	LineConflicts  int `json:"lineConflicts" yaml:"line_conflicts"`
	Backpressured  int `json:"backpressured" yaml:"backpressured"`
	Unmatched      int `json:"unmatched" yaml:"unmatched"`
	Malformed      int `json:"malformed" yaml:"malformed"`
	Delivered      int `json:"delivered" yaml:"delivered"`
}

// DeliverFunc hands one controller message to an agent. Returning queue.ErrQueueFull
// keeps the message queued for a later cycle.
type DeliverFunc func(agent int, msg core.ControllerToAgentMessage) error

// Controller is the system side of the bus: it admits agent requests one per memory
// bank per cycle, probes other holders of the line through the directory and answers
// once memory and every probed agent have replied. Requests to a line serialise.
type Controller struct {
	mu        sync.Mutex
	agents    int
	bank      queue.BankMap
	latency   int
	log       zerolog.Logger
	memory    *Memory
	directory capabilities.DirectoryStore

	// requests is bounded and pushes back on the agent; probe responses ride their own
	// unlimited lane so an owner can always answer while its requests are held.
	requests  []*queue.SkidBuffer[core.AgentToControllerMessage]
	responses []*queue.SkidBuffer[core.AgentToControllerMessage]
	outbound  []*queue.SkidBuffer[core.ControllerToAgentMessage]

	active map[uint64]*transaction
	cycle  int
	stats  Stats
}

// NewController builds a controller for opts.Agents agents.
func NewController(opts Options) (*Controller, error) {
	if opts.Agents <= 0 {
		return nil, fmt.Errorf("controller: need at least one agent, got %d", opts.Agents)
	}
	if opts.Bank.Banks <= 0 {
		opts.Bank = queue.DefaultBankMap()
	}
	if opts.MemoryLatency <= 0 {
		opts.MemoryLatency = DefaultMemoryLatency
	}
	if opts.InboundDepth <= 0 {
		opts.InboundDepth = DefaultInboundDepth
	}
	if opts.Directory == nil {
		opts.Directory = capabilities.NewDirectoryCapability("controller-directory").Directory()
	}
	if opts.Memory == nil {
		opts.Memory = NewMemory()
	}
	c := &Controller{
		agents:    opts.Agents,
		bank:      opts.Bank,
		latency:   opts.MemoryLatency,
		memory:    opts.Memory,
		directory: opts.Directory,
		active:    make(map[uint64]*transaction),
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "controller").Logger()
	} else {
		c.log = log.Logger.With().Str("component", "controller").Logger()
	}
	for i := 0; i < opts.Agents; i++ {
		c.requests = append(c.requests, queue.NewSkidBuffer[core.AgentToControllerMessage](
			fmt.Sprintf("agent%d.requests", i), opts.InboundDepth, nil, queue.BufferHooks[core.AgentToControllerMessage]{}))
		c.responses = append(c.responses, queue.NewSkidBuffer[core.AgentToControllerMessage](
			fmt.Sprintf("agent%d.probe_responses", i), queue.UnlimitedCapacity, nil, queue.BufferHooks[core.AgentToControllerMessage]{}))
		c.outbound = append(c.outbound, queue.NewSkidBuffer[core.ControllerToAgentMessage](
			fmt.Sprintf("agent%d.outbound", i), queue.UnlimitedCapacity, nil, queue.BufferHooks[core.ControllerToAgentMessage]{
				OnPush: func(msg core.ControllerToAgentMessage, _ int) {
					observability.RecordControllerMessage("out", msg.Kind().String())
				},
			}))
	}
	return c, nil
}

// Memory returns the backing store.
func (c *Controller) Memory() *Memory {
	return c.memory
}

// Directory returns the sharer directory.
func (c *Controller) Directory() capabilities.DirectoryStore {
	return c.directory
}

// Stats returns a copy of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Send accepts a decoded agent message. It implements protocol.Transport.
func (c *Controller) Send(agentID int, msg core.AgentToControllerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acceptLocked(agentID, msg)
}

// AcceptRecord decodes one wire record and accepts it. It implements
// protocol.RecordSink.
func (c *Controller) AcceptRecord(agentID int, record []byte) error {
	msg, err := codec.UnmarshalAgent(record)
	if err != nil {
		c.mu.Lock()
		c.stats.Malformed++
		c.mu.Unlock()
		c.log.Error().Err(err).Int("agent", agentID).Hex("record", record).Msg("undecodable agent record")
		return fmt.Errorf("controller: agent %d record: %w", agentID, err)
	}
	return c.Send(agentID, msg)
}

func (c *Controller) acceptLocked(agentID int, msg core.AgentToControllerMessage) error {
	if agentID < 0 || agentID >= c.agents {
		return fmt.Errorf("controller: unknown agent %d", agentID)
	}
	if err := codec.ValidateAgent(msg); err != nil {
		c.stats.Malformed++
		return fmt.Errorf("controller: agent %d message: %w", agentID, err)
	}
	if msg.Command == core.CmdNOP || msg.Command == core.CmdNZNOP {
		return nil
	}
	if !msg.Probe && !msg.Valid {
		c.stats.Malformed++
		return fmt.Errorf("controller: agent %d sent %s without rv: %w", agentID, msg.Command, codec.ErrMalformedFlags)
	}
	lane, kind := c.requests[agentID], "request"
	if msg.Probe {
		lane, kind = c.responses[agentID], "probe_response"
	}
	if !lane.Push(msg, c.cycle) {
		c.stats.Backpressured++
		return protocol.ErrBackpressure
	}
	c.stats.Received++
	observability.RecordControllerMessage("in", kind)
	return nil
}

// Step advances the controller to cycle: probe responses are applied, finished
// transactions answer and new requests are admitted.
func (c *Controller) Step(cycle int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycle = cycle
	for agent := range c.responses {
		for {
			msg, ok := c.responses[agent].Pop(cycle)
			if !ok {
				break
			}
			c.probeResponseLocked(agent, msg)
		}
	}
	c.completeLocked()
	c.admitLocked()
}

func (c *Controller) probeResponseLocked(agent int, msg core.AgentToControllerMessage) {
	c.stats.ProbeResponses++
	txn, ok := c.active[core.LineAddress(msg.Address)]
	if !ok || !txn.awaiting[agent] {
		c.stats.Unmatched++
		c.log.Debug().Int("agent", agent).Uint8("id", msg.ID).Msgf("unmatched probe response for 0x%x", msg.Address)
		return
	}
	delete(txn.awaiting, agent)
	dataMovement := len(msg.Data) > 0 && !msg.M1 && !msg.M2 && !msg.CacheHit
	if agent == txn.owner && dataMovement {
		line := core.UnwrapLine(msg.Data, msg.Wrap)
		txn.ownerData = &line
		c.stats.DirtyTransfers++
	}
}

func (c *Controller) completeLocked() {
	lines := make([]uint64, 0, len(c.active))
	for line, txn := range c.active {
		if txn.ready(c.cycle) {
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i] < lines[j] })
	for _, line := range lines {
		txn := c.active[line]
		delete(c.active, line)
		c.respondLocked(txn.agent, c.finishLocked(txn))
	}
}

// admitLocked picks at most one request per bank, scanning agents round-robin from a
// rotating start so no agent starves.
func (c *Controller) admitLocked() {
	busyBank := make(map[int]bool)
	start := c.cycle % c.agents
	for i := 0; i < c.agents; i++ {
		agent := (start + i) % c.agents
		msg, ok := c.requests[agent].Peek()
		if !ok {
			continue
		}
		class := classify(msg.Command)
		if !class.needsLine() {
			if class == opBarrier && c.hasActiveLocked(agent) {
				continue
			}
			c.requests[agent].Pop(c.cycle)
			c.stats.Admitted++
			c.stats.Completed++
			c.respondLocked(agent, c.immediateResponse(msg, class))
			continue
		}
		bank := c.bank.Bank(msg.Address)
		if busyBank[bank] {
			continue
		}
		line := core.LineAddress(msg.Address)
		if _, busy := c.active[line]; busy {
			c.stats.LineConflicts++
			continue
		}
		c.requests[agent].Pop(c.cycle)
		busyBank[bank] = true
		c.admitTransactionLocked(agent, msg)
	}
}

func (c *Controller) hasActiveLocked(agent int) bool {
	for _, txn := range c.active {
		if txn.agent == agent {
			return true
		}
	}
	return false
}

func (c *Controller) immediateResponse(msg core.AgentToControllerMessage, class opClass) core.ControllerToAgentMessage {
	rsp := ackFor(msg)
	rsp.Response = core.SysDcReleaseBuffer
	if class == opBarrier {
		rsp.Response = core.SysDcMBDone
	}
	return rsp
}

func (c *Controller) admitTransactionLocked(agent int, msg core.AgentToControllerMessage) {
	txn := newTransaction(agent, msg, c.cycle, c.latency)
	c.active[txn.line] = txn
	c.stats.Admitted++

	sharers := c.directory.Sharers(txn.line)
	owner, owned := c.directory.Owner(txn.line)
	others := without(sharers, agent)
	invalidate := core.ProbeCommand{Move: core.ProbeNOP, Next: core.NextInvalid}
	fetchInvalidate := core.ProbeCommand{Move: core.ProbeReadDirty, Next: core.NextInvalid}
	fetchShare := core.ProbeCommand{Move: core.ProbeReadDirty, Next: core.NextCleanShared}

	switch txn.class {
	case opReadShared, opReadUncached:
		if owned && owner != agent {
			c.probeLocked(txn, owner, fetchShare, true)
		}
	case opReadModify:
		for _, id := range others {
			if owned && id == owner {
				c.probeLocked(txn, id, fetchInvalidate, true)
				continue
			}
			c.probeLocked(txn, id, invalidate, false)
		}
	case opChangeToDirty:
		txn.success = contains(sharers, agent)
		if txn.success {
			for _, id := range others {
				c.probeLocked(txn, id, invalidate, false)
			}
		}
	case opInvalToDirty:
		txn.success = true
		for _, id := range others {
			c.probeLocked(txn, id, invalidate, false)
		}
	case opWrite:
		// The writer's own copy is invalidated too.
		for _, id := range sharers {
			if owned && id == owner {
				c.probeLocked(txn, id, fetchInvalidate, true)
				continue
			}
			c.probeLocked(txn, id, invalidate, false)
		}
	}
	c.log.Debug().
		Int("agent", agent).
		Uint8("slot", msg.ID).
		Str("command", msg.Command.String()).
		Ints("awaiting", txn.view().Awaiting).
		Msgf("admitted 0x%x", msg.Address)
}

// probeLocked sends a probe for txn's line to target. The probe names target's own
// request for the line when one is still waiting here, so the agent can resolve it
// against that request.
func (c *Controller) probeLocked(txn *transaction, target int, cmd core.ProbeCommand, fromOwner bool) {
	msg := core.ControllerToAgentMessage{
		Address:  txn.msg.Address,
		Probe:    true,
		ProbeCmd: cmd,
		ID:       c.pendingSlotLocked(target, txn.line),
		Wrap:     core.WrapOffset(txn.msg.Address),
	}
	txn.awaiting[target] = true
	if fromOwner {
		txn.owner = target
	}
	c.stats.ProbesSent++
	c.outbound[target].Push(msg, c.cycle)
}

func (c *Controller) pendingSlotLocked(agent int, line uint64) uint8 {
	for _, msg := range c.requests[agent].Items() {
		if core.LineAddress(msg.Address) == line {
			return msg.ID
		}
	}
	return core.NoCorrelation
}

// finishLocked applies txn to memory and the directory and builds its response.
func (c *Controller) finishLocked(txn *transaction) core.ControllerToAgentMessage {
	msg := txn.msg
	rsp := ackFor(msg)
	c.stats.Completed++

	switch txn.class {
	case opReadShared:
		if txn.ownerData != nil {
			c.memory.WriteLine(txn.line, *txn.ownerData)
		}
		if txn.owner >= 0 {
			c.directory.ClearOwner(txn.line)
		}
		data := c.memory.ReadLine(txn.line)
		if len(without(c.directory.Sharers(txn.line), txn.agent)) == 0 {
			rsp.Response = core.SysDcReadData
			c.directory.SetOwner(txn.line, txn.agent)
		} else {
			rsp.Response = core.SysDcReadDataShared
			c.directory.Add(txn.line, txn.agent)
		}
		rsp.Data = core.WrapLine(data, msg.Wrap)

	case opReadModify:
		data := c.memory.ReadLine(txn.line)
		rsp.Response = core.SysDcReadData
		if txn.ownerData != nil {
			// Ownership moves with the dirty line; memory stays stale.
			data = *txn.ownerData
			rsp.Response = core.SysDcReadDataDirty
		}
		c.directory.SetOwner(txn.line, txn.agent)
		rsp.Data = core.WrapLine(data, msg.Wrap)

	case opChangeToDirty, opInvalToDirty:
		rsp.Response = core.SysDcChangeToDirtyFail
		if txn.success {
			rsp.Response = core.SysDcChangeToDirtySuccess
			c.directory.SetOwner(txn.line, txn.agent)
		}

	case opReadUncached:
		if txn.ownerData != nil {
			c.memory.WriteLine(txn.line, *txn.ownerData)
		}
		if txn.owner >= 0 {
			c.directory.ClearOwner(txn.line)
		}
		// Quadword i of the reply is mask bit i; unselected quadwords inside the span ride along.
		rsp.Response = core.SysDcReadData
		rsp.Data = c.memory.Read(msg.Address&^(core.QuadwordSize-1), max(1, bits.Len8(msg.Mask)))

	case opWrite:
		if txn.ownerData != nil {
			c.memory.WriteLine(txn.line, *txn.ownerData)
		}
		c.memory.Write(msg.Address, msg.Data)
		c.directory.Clear(txn.line)
		rsp.Response = core.SysDcReleaseBuffer

	case opVictim:
		if msg.Command == core.CmdWrVictimBlk {
			// A victim that lost ownership while queued carries stale data.
			if owner, ok := c.directory.Owner(txn.line); ok && owner == txn.agent {
				c.memory.WriteLine(txn.line, core.UnwrapLine(msg.Data, msg.Wrap))
			}
		}
		c.directory.Remove(txn.line, txn.agent)
		rsp.Response = core.SysDcReleaseBuffer
		rsp.ClearVictim = true
	}
	c.log.Debug().
		Int("agent", txn.agent).
		Uint8("slot", msg.ID).
		Str("command", msg.Command.String()).
		Str("response", rsp.Response.String()).
		Int("latency", c.cycle-txn.admitted).
		Msgf("completed 0x%x", msg.Address)
	return rsp
}

func (c *Controller) respondLocked(agent int, rsp core.ControllerToAgentMessage) {
	c.outbound[agent].Push(rsp, c.cycle)
}

// ackFor starts the response to msg: acknowledged, committed and correlated to the
// request slot.
func ackFor(msg core.AgentToControllerMessage) core.ControllerToAgentMessage {
	return core.ControllerToAgentMessage{
		Address: msg.Address,
		Ack:     true,
		Commit:  true,
		ID:      msg.ID,
		Wrap:    msg.Wrap,
	}
}

// Deliver drains the outbound queues in order. An agent whose probe queue is full
// keeps its remaining messages for the next call. Messages the agent discards as
// violations count as delivered. Delivery stops at the first halted agent.
func (c *Controller) Deliver(deliver DeliverFunc) (int, error) {
	total := 0
	for agent := 0; agent < c.agents; agent++ {
		c.mu.Lock()
		pending := c.outbound[agent].Items()
		c.mu.Unlock()

		sent := 0
		var halted error
		for _, msg := range pending {
			err := deliver(agent, msg)
			if errors.Is(err, queue.ErrQueueFull) {
				break
			}
			if errors.Is(err, protocol.ErrHalted) {
				halted = err
				break
			}
			if err != nil {
				c.log.Warn().Err(err).Int("agent", agent).Str("kind", msg.Kind().String()).Msg("agent rejected message")
			}
			sent++
		}

		c.mu.Lock()
		for i := 0; i < sent; i++ {
			c.outbound[agent].Pop(c.cycle)
		}
		c.stats.Delivered += sent
		c.mu.Unlock()
		total += sent
		if halted != nil {
			return total, halted
		}
	}
	return total, nil
}

// Idle reports whether nothing is queued or in flight.
func (c *Controller) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.active) > 0 {
		return false
	}
	for i := 0; i < c.agents; i++ {
		if c.requests[i].Len() > 0 || c.responses[i].Len() > 0 || c.outbound[i].Len() > 0 {
			return false
		}
	}
	return true
}

// CheckConsistency verifies that every owned line is held by its owner alone and that
// every transaction waits only on known agents.
func (c *Controller) CheckConsistency() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.directory.Lines() {
		if line.Owner >= 0 && (len(line.Sharers) != 1 || line.Sharers[0] != line.Owner) {
			return fmt.Errorf("controller: line 0x%x owned by %d but shared by %v", line.Address, line.Owner, line.Sharers)
		}
	}
	for addr, txn := range c.active {
		if addr != txn.line {
			return fmt.Errorf("controller: transaction for 0x%x filed under 0x%x", txn.line, addr)
		}
		for id := range txn.awaiting {
			if id < 0 || id >= c.agents {
				return fmt.Errorf("controller: transaction 0x%x awaits unknown agent %d", addr, id)
			}
		}
	}
	return nil
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Cycle     int                          `json:"cycle" yaml:"cycle"`
	Active    []TransactionView            `json:"active" yaml:"active"`
	Inbound   []core.QueueInfo             `json:"inbound" yaml:"inbound"`
	Outbound  []core.QueueInfo             `json:"outbound" yaml:"outbound"`
	Directory []capabilities.DirectoryLine `json:"directory" yaml:"directory"`
	Stats     Stats                        `json:"stats" yaml:"stats"`
}

// YAML renders the snapshot for diagnostics.
func (s Snapshot) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal controller snapshot: %w", err)
	}
	return string(out), nil
}

// Snapshot captures in-flight transactions, lane depths and the directory.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Cycle:     c.cycle,
		Active:    []TransactionView{},
		Directory: c.directory.Lines(),
		Stats:     c.stats,
	}
	for _, txn := range c.active {
		s.Active = append(s.Active, txn.view())
	}
	sort.Slice(s.Active, func(i, j int) bool {
		if s.Active[i].Admitted != s.Active[j].Admitted {
			return s.Active[i].Admitted < s.Active[j].Admitted
		}
		return s.Active[i].Agent < s.Active[j].Agent
	})
	for i := 0; i < c.agents; i++ {
		for _, b := range []interface {
			Name() string
			Len() int
			Capacity() int
		}{c.requests[i], c.responses[i]} {
			s.Inbound = append(s.Inbound, core.QueueInfo{Name: b.Name(), Length: b.Len(), Capacity: b.Capacity()})
		}
		s.Outbound = append(s.Outbound, core.QueueInfo{
			Name:     c.outbound[i].Name(),
			Length:   c.outbound[i].Len(),
			Capacity: c.outbound[i].Capacity(),
		})
	}
	return s
}
