package queue

import (
	"fmt"

	"github.com/example/sysbus_sim/core"
)

// ProbeQueueDepth is the number of probe slots per agent.
const ProbeQueueDepth = 8

// ProbeEntry is one slot of an agent's probe queue.
type ProbeEntry struct {
	Address  uint64
	Data     core.Line
	DataLen  int
	Kind     core.MessageKind
	ProbeCmd core.ProbeCommand
	Response core.SysDc
	ID       uint8
	Wrap     uint8
	Sequence uint64

	Probe           bool
	ClearVictim     bool
	ClearProbeValid bool
	Ack             bool
	Commit          bool

	Processed       bool
	Valid           bool
	PendingResponse bool
	// ResponseApplied is set once the ack/response half has been consumed.
	ResponseApplied bool

	Miss1        bool
	Miss2        bool
	CacheHit     bool
	DataMovement bool
	// Reply is the line returned with a data-moving probe response.
	Reply core.Line
}

// Payload returns a copy of the inbound data.
func (e *ProbeEntry) Payload() []uint64 {
	return core.CloneData(e.Data[:e.DataLen])
}

// Message rebuilds the inbound controller message held by the entry.
func (e *ProbeEntry) Message() core.ControllerToAgentMessage {
	return core.ControllerToAgentMessage{
		Address:         e.Address,
		Data:            e.Payload(),
		ProbeCmd:        e.ProbeCmd,
		Response:        e.Response,
		Probe:           e.Probe,
		ClearVictim:     e.ClearVictim,
		ClearProbeValid: e.ClearProbeValid,
		Ack:             e.Ack,
		Commit:          e.Commit,
		ID:              e.ID,
		Wrap:            e.Wrap,
	}
}

// Resolution is the outcome of resolving a probe against local state. Exactly one of
// Miss1, Miss2, CacheHit or DataMovement is set.
type Resolution struct {
	Miss1        bool
	Miss2        bool
	CacheHit     bool
	DataMovement bool
	Data         core.Line
}

// Outcome names the class that is set.
func (r Resolution) Outcome() string {
	switch {
	case r.Miss1:
		return "Miss1"
	case r.Miss2:
		return "Miss2"
	case r.CacheHit:
		return "CacheHit"
	case r.DataMovement:
		return "DataMovement"
	default:
		return "Unresolved"
	}
}

func (r Resolution) classes() int {
	n := 0
	for _, b := range []bool{r.Miss1, r.Miss2, r.CacheHit, r.DataMovement} {
		if b {
			n++
		}
	}
	return n
}

// ProbeQueue is the fixed-capacity, slot-indexed queue of inbound controller messages
// awaiting local resolution. Probes resolve in arrival order; entries without a probe
// may be consumed out of band.
type ProbeQueue struct {
	agentID int
	mutate  MutateFunc
	entries [ProbeQueueDepth]ProbeEntry
	count   int
	nextSeq uint64
	// oldest is the slot of the oldest probe still owing a response, -1 when none.
	oldest int
}

// NewProbeQueue creates an empty probe queue for agentID.
func NewProbeQueue(agentID int, mutate MutateFunc) *ProbeQueue {
	q := &ProbeQueue{
		agentID: agentID,
		mutate:  mutate,
		nextSeq: 1,
		oldest:  -1,
	}
	q.notify()
	return q
}

// Len returns the number of valid entries.
func (q *ProbeQueue) Len() int {
	return q.count
}

// Capacity returns ProbeQueueDepth.
func (q *ProbeQueue) Capacity() int {
	return ProbeQueueDepth
}

// Full reports whether no slot is free.
func (q *ProbeQueue) Full() bool {
	return q.count >= ProbeQueueDepth
}

// Enqueue copies msg into the lowest free slot. PendingResponse is set for probes,
// which must each produce exactly one outbound response.
func (q *ProbeQueue) Enqueue(msg core.ControllerToAgentMessage) (int, error) {
	if len(msg.Data) > core.LineQuadwords {
		return -1, fmt.Errorf("probe payload of %d quadwords exceeds a line", len(msg.Data))
	}
	slot := -1
	for i := range q.entries {
		if !q.entries[i].Valid {
			slot = i
			break
		}
	}
	if slot < 0 {
		return -1, ErrQueueFull
	}
	e := ProbeEntry{
		Address:         msg.Address,
		DataLen:         len(msg.Data),
		Kind:            msg.Kind(),
		ProbeCmd:        msg.ProbeCmd,
		Response:        msg.Response,
		ID:              msg.ID,
		Wrap:            msg.Wrap,
		Sequence:        q.nextSeq,
		Probe:           msg.Probe,
		ClearVictim:     msg.ClearVictim,
		ClearProbeValid: msg.ClearProbeValid,
		Ack:             msg.Ack,
		Commit:          msg.Commit,
		Valid:           true,
		PendingResponse: msg.Probe,
	}
	copy(e.Data[:], msg.Data)
	q.nextSeq++
	q.entries[slot] = e
	q.count++
	q.refreshOldest()
	q.notify()
	return slot, nil
}

// Entry returns a copy of a valid slot.
func (q *ProbeQueue) Entry(slot int) (ProbeEntry, error) {
	e, err := q.valid(slot)
	if err != nil {
		return ProbeEntry{}, err
	}
	return *e, nil
}

// OldestPending returns the oldest probe that has not yet produced its response,
// whether or not it has been resolved.
func (q *ProbeQueue) OldestPending() (int, bool) {
	return q.oldest, q.oldest >= 0
}

// IsOldestPending reports whether slot is the oldest probe owing a response.
func (q *ProbeQueue) IsOldestPending(slot int) bool {
	return q.oldest >= 0 && q.oldest == slot
}

// NextProbe returns the oldest probe not yet resolved. Probes resolve in arrival order.
func (q *ProbeQueue) NextProbe() (int, bool) {
	best := -1
	for i := range q.entries {
		e := &q.entries[i]
		if !e.Valid || !e.Probe || e.Processed {
			continue
		}
		if best < 0 || e.Sequence < q.entries[best].Sequence {
			best = i
		}
	}
	return best, best >= 0
}

// NextResponse returns the oldest pending probe if it has been resolved, so responses
// leave in arrival order.
func (q *ProbeQueue) NextResponse() (int, bool) {
	if q.oldest < 0 || !q.entries[q.oldest].Processed {
		return -1, false
	}
	return q.oldest, true
}

// NextOutOfBand returns the oldest entry whose ack/response half has not been applied.
// These never wait behind probes.
func (q *ProbeQueue) NextOutOfBand() (int, bool) {
	best := -1
	for i := range q.entries {
		e := &q.entries[i]
		if !e.Valid || e.ResponseApplied || e.Kind == core.KindProbe {
			continue
		}
		if best < 0 || e.Sequence < q.entries[best].Sequence {
			best = i
		}
	}
	return best, best >= 0
}

// MarkResponseApplied records that the ack/response half of slot was consumed.
func (q *ProbeQueue) MarkResponseApplied(slot int) error {
	e, err := q.valid(slot)
	if err != nil {
		return err
	}
	e.ResponseApplied = true
	return nil
}

// Resolve stores the classification of a probe and marks it processed.
func (q *ProbeQueue) Resolve(slot int, res Resolution) error {
	e, err := q.valid(slot)
	if err != nil {
		return err
	}
	if !e.Probe {
		return fmt.Errorf("%w: slot %d holds no probe", ErrUnknownEntry, slot)
	}
	if e.Processed {
		return fmt.Errorf("%w: slot %d already processed", ErrUnknownEntry, slot)
	}
	if n := res.classes(); n != 1 {
		return fmt.Errorf("probe resolution must set exactly one class, got %d", n)
	}
	e.Miss1, e.Miss2, e.CacheHit, e.DataMovement = res.Miss1, res.Miss2, res.CacheHit, res.DataMovement
	e.Reply = res.Data
	e.Processed = true
	return nil
}

// Retire invalidates slot.
func (q *ProbeQueue) Retire(slot int) (ProbeEntry, error) {
	e, err := q.valid(slot)
	if err != nil {
		return ProbeEntry{}, err
	}
	out := *e
	q.entries[slot] = ProbeEntry{}
	q.count--
	q.refreshOldest()
	q.notify()
	return out, nil
}

// ForEach visits valid entries in slot order.
func (q *ProbeQueue) ForEach(fn func(slot int, e ProbeEntry)) {
	if fn == nil {
		return
	}
	for i := range q.entries {
		if q.entries[i].Valid {
			fn(i, q.entries[i])
		}
	}
}

// CheckConsistency verifies flag invariants of valid entries.
func (q *ProbeQueue) CheckConsistency() error {
	for i := range q.entries {
		e := &q.entries[i]
		if !e.Valid {
			continue
		}
		if e.PendingResponse && !e.Probe {
			return fmt.Errorf("%w: probe slot %d pending a response without a probe", ErrInconsistent, i)
		}
		if e.Processed {
			res := Resolution{Miss1: e.Miss1, Miss2: e.Miss2, CacheHit: e.CacheHit, DataMovement: e.DataMovement}
			if res.classes() != 1 {
				return fmt.Errorf("%w: probe slot %d processed without a single classification", ErrInconsistent, i)
			}
		}
	}
	if q.oldest >= 0 {
		o := &q.entries[q.oldest]
		if !o.Valid || !o.PendingResponse {
			return fmt.Errorf("%w: oldest pending probe pointer at slot %d is stale", ErrInconsistent, q.oldest)
		}
	}
	return nil
}

func (q *ProbeQueue) refreshOldest() {
	q.oldest = -1
	for i := range q.entries {
		e := &q.entries[i]
		if !e.Valid || !e.PendingResponse {
			continue
		}
		if q.oldest < 0 || e.Sequence < q.entries[q.oldest].Sequence {
			q.oldest = i
		}
	}
}

func (q *ProbeQueue) valid(slot int) (*ProbeEntry, error) {
	if slot < 0 || slot >= ProbeQueueDepth || !q.entries[slot].Valid {
		return nil, fmt.Errorf("%w: probe slot %d", ErrUnknownEntry, slot)
	}
	return &q.entries[slot], nil
}

func (q *ProbeQueue) notify() {
	if q.mutate == nil {
		return
	}
	q.mutate(q.count, ProbeQueueDepth)
}
