package queue

import (
	"fmt"

	"github.com/example/sysbus_sim/core"
)

// RequestQueueDepth is the number of request slots per agent.
const RequestQueueDepth = 6

// Phase tracks how far a request slot has progressed toward the controller.
type Phase uint8

const (
	PhaseReceived Phase = iota
	PhaseArbitrated
	PhaseDispatched
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseReceived:
		return "Received"
	case PhaseArbitrated:
		return "Arbitrated"
	case PhaseDispatched:
		return "Dispatched"
	case PhaseCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// RequestEntry is one slot of an agent's request queue.
type RequestEntry struct {
	Address  uint64
	Command  core.SystemCommand
	Data     core.Line
	DataLen  int
	Mask     uint8
	Wrap     uint8
	Sequence uint64

	// Wait holds older, valid, address-overlapping slots; the entry is not
	// selectable until it is empty.
	Wait SlotVector
	// PageHit holds older, valid slots in the same DRAM row.
	PageHit SlotVector
	// Older holds every older valid slot and only breaks ties.
	Older SlotVector

	Phase    Phase
	Miss1    bool
	Miss2    bool
	CacheHit bool
	Valid    bool
	AgentID  int

	extent core.Range
	row    uint64
}

// Payload returns a copy of the request data.
func (e *RequestEntry) Payload() []uint64 {
	return core.CloneData(e.Data[:e.DataLen])
}

// Extent returns the address range the entry touches.
func (e *RequestEntry) Extent() core.Range {
	return e.extent
}

type pageChain struct {
	open bool
	slot int
	seq  uint64
	row  uint64
}

// RequestQueue is the fixed-capacity, slot-indexed queue of one agent's outstanding
// memory requests together with their hazard vectors.
type RequestQueue struct {
	agentID int
	bank    BankMap
	mutate  MutateFunc
	entries [RequestQueueDepth]RequestEntry
	count   int
	nextSeq uint64
	chain   pageChain
}

// NewRequestQueue creates an empty request queue for agentID.
func NewRequestQueue(agentID int, bank BankMap, mutate MutateFunc) *RequestQueue {
	q := &RequestQueue{
		agentID: agentID,
		bank:    bank,
		mutate:  mutate,
		nextSeq: 1,
	}
	q.notify()
	return q
}

// Len returns the number of valid entries.
func (q *RequestQueue) Len() int {
	return q.count
}

// Capacity returns RequestQueueDepth.
func (q *RequestQueue) Capacity() int {
	return RequestQueueDepth
}

// Full reports whether no slot is free.
func (q *RequestQueue) Full() bool {
	return q.count >= RequestQueueDepth
}

// Submit allocates the lowest free slot for req and computes its wait, page-hit and
// older vectors against every valid entry. All valid entries are older than the new one.
func (q *RequestQueue) Submit(req core.Request) (int, error) {
	if len(req.Data) > core.LineQuadwords {
		return -1, fmt.Errorf("request payload of %d quadwords exceeds a line", len(req.Data))
	}
	slot := q.freeSlot()
	if slot < 0 {
		return -1, ErrQueueFull
	}

	e := RequestEntry{
		Address:  req.Address,
		Command:  req.Command,
		DataLen:  len(req.Data),
		Mask:     req.Mask,
		Wrap:     req.Wrap,
		Sequence: q.nextSeq,
		Phase:    PhaseReceived,
		Valid:    true,
		AgentID:  q.agentID,
		extent:   req.Extent(),
		row:      q.bank.Row(req.Address),
	}
	copy(e.Data[:], req.Data)
	q.nextSeq++

	for i := range q.entries {
		other := &q.entries[i]
		if !other.Valid {
			continue
		}
		e.Older.Set(i)
		if e.extent.Overlaps(other.extent) {
			e.Wait.Set(i)
		}
		if e.row == other.row {
			e.PageHit.Set(i)
		}
	}

	q.entries[slot] = e
	q.count++
	q.notify()
	return slot, nil
}

// Entry returns a copy of a valid slot.
func (q *RequestQueue) Entry(slot int) (RequestEntry, error) {
	e, err := q.valid(slot)
	if err != nil {
		return RequestEntry{}, err
	}
	return *e, nil
}

// SetPhase moves a valid slot to phase. Dispatching opens the page chain on the
// entry's row.
func (q *RequestQueue) SetPhase(slot int, phase Phase) error {
	e, err := q.valid(slot)
	if err != nil {
		return err
	}
	e.Phase = phase
	if phase == PhaseDispatched {
		q.chain = pageChain{open: true, slot: slot, seq: e.Sequence, row: e.row}
	}
	return nil
}

// SetProbeStatus records how a probe that hit this pending request was classified.
func (q *RequestQueue) SetProbeStatus(slot int, miss1, miss2, cacheHit bool) error {
	e, err := q.valid(slot)
	if err != nil {
		return err
	}
	e.Miss1, e.Miss2, e.CacheHit = miss1, miss2, cacheHit
	return nil
}

// Retire invalidates slot and removes its bit from every other entry's vectors.
func (q *RequestQueue) Retire(slot int) (RequestEntry, error) {
	e, err := q.valid(slot)
	if err != nil {
		return RequestEntry{}, err
	}
	out := *e
	q.entries[slot] = RequestEntry{}
	q.count--
	for i := range q.entries {
		other := &q.entries[i]
		if !other.Valid {
			continue
		}
		other.Wait.Clear(slot)
		other.PageHit.Clear(slot)
		other.Older.Clear(slot)
	}
	if q.chain.open && q.chain.slot == slot {
		q.chain = pageChain{}
	}
	q.notify()
	return out, nil
}

// Ready returns the slots eligible for arbitration: valid, not yet arbitrated, and
// with an empty wait vector.
func (q *RequestQueue) Ready() SlotVector {
	var ready SlotVector
	for i := range q.entries {
		e := &q.entries[i]
		if e.Valid && e.Phase == PhaseReceived && e.Wait.IsZero() {
			ready.Set(i)
		}
	}
	return ready
}

// SelectReady picks the next entry to issue. While the page chain is open, the oldest
// ready entry whose page-hit vector names the just-dispatched slot wins; otherwise the
// oldest ready entry wins. ok is false when nothing is ready, which is ordinary
// backpressure.
func (q *RequestQueue) SelectReady() (slot int, ok bool) {
	ready := q.Ready()
	if ready.IsZero() {
		return -1, false
	}
	if hits := q.pageHits(ready); !hits.IsZero() {
		return q.oldestOf(hits)
	}
	return q.oldestOf(ready)
}

// ChainSlot returns the slot anchoring the open page chain.
func (q *RequestQueue) ChainSlot() (int, bool) {
	if !q.chain.open {
		return -1, false
	}
	return q.chain.slot, true
}

// FindDispatched returns the oldest dispatched entry whose range overlaps r.
func (q *RequestQueue) FindDispatched(r core.Range) (int, bool) {
	var set SlotVector
	for i := range q.entries {
		e := &q.entries[i]
		if e.Valid && e.Phase == PhaseDispatched && e.extent.Overlaps(r) {
			set.Set(i)
		}
	}
	if set.IsZero() {
		return -1, false
	}
	return q.oldestOf(set)
}

// FirstInPhase returns the oldest valid entry in phase.
func (q *RequestQueue) FirstInPhase(phase Phase) (int, bool) {
	var set SlotVector
	for i := range q.entries {
		if q.entries[i].Valid && q.entries[i].Phase == phase {
			set.Set(i)
		}
	}
	if set.IsZero() {
		return -1, false
	}
	return q.oldestOf(set)
}

// ForEach visits valid entries in slot order.
func (q *RequestQueue) ForEach(fn func(slot int, e RequestEntry)) {
	if fn == nil {
		return
	}
	for i := range q.entries {
		if q.entries[i].Valid {
			fn(i, q.entries[i])
		}
	}
}

// CheckConsistency verifies the vector invariants: no vector names an invalid slot,
// older vectors agree with sequence order, and every overlapping pair is ordered by a
// wait bit so arbitration can never see both as ready.
func (q *RequestQueue) CheckConsistency() error {
	var live SlotVector
	for i := range q.entries {
		if q.entries[i].Valid {
			live.Set(i)
		}
	}
	for i := range q.entries {
		e := &q.entries[i]
		if !e.Valid {
			continue
		}
		if stray := (e.Wait | e.PageHit | e.Older) &^ live; stray != 0 {
			return fmt.Errorf("%w: slot %d references retired slots %v", ErrInconsistent, i, stray.Slots())
		}
		if e.Wait&^e.Older != 0 || e.PageHit&^e.Older != 0 {
			return fmt.Errorf("%w: slot %d has hazard bits on younger entries", ErrInconsistent, i)
		}
		for j := range q.entries {
			o := &q.entries[j]
			if i == j || !o.Valid {
				continue
			}
			if e.Older.Has(j) != (o.Sequence < e.Sequence) {
				return fmt.Errorf("%w: slot %d older bit for slot %d disagrees with sequence", ErrInconsistent, i, j)
			}
			if o.Sequence < e.Sequence && e.extent.Overlaps(o.extent) && !e.Wait.Has(j) {
				return fmt.Errorf("%w: overlapping slots %d and %d are not ordered", ErrInconsistent, j, i)
			}
		}
	}
	return nil
}

func (q *RequestQueue) pageHits(ready SlotVector) SlotVector {
	if !q.chain.open {
		return 0
	}
	anchor := &q.entries[q.chain.slot]
	if !anchor.Valid || anchor.Sequence != q.chain.seq {
		q.chain = pageChain{}
		return 0
	}
	var hits SlotVector
	for _, slot := range ready.Slots() {
		if q.entries[slot].PageHit.Has(q.chain.slot) {
			hits.Set(slot)
		}
	}
	return hits
}

// oldestOf returns the member of set that has no older member in set.
func (q *RequestQueue) oldestOf(set SlotVector) (int, bool) {
	for _, slot := range set.Slots() {
		if q.entries[slot].Older&set == 0 {
			return slot, true
		}
	}
	return -1, false
}

func (q *RequestQueue) valid(slot int) (*RequestEntry, error) {
	if slot < 0 || slot >= RequestQueueDepth || !q.entries[slot].Valid {
		return nil, fmt.Errorf("%w: request slot %d", ErrUnknownEntry, slot)
	}
	return &q.entries[slot], nil
}

func (q *RequestQueue) freeSlot() int {
	for i := range q.entries {
		if !q.entries[i].Valid {
			return i
		}
	}
	return -1
}

func (q *RequestQueue) notify() {
	if q.mutate == nil {
		return
	}
	q.mutate(q.count, RequestQueueDepth)
}
