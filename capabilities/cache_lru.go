package capabilities

import "container/list"

// lruOrder tracks line recency for a bounded cache. It is not safe for concurrent use;
// the owning cache serialises access.
type lruOrder struct {
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List
}

func newLRUOrder(capacity int) *lruOrder {
	if capacity < 0 {
		capacity = 0
	}
	return &lruOrder{
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

func (o *lruOrder) len() int {
	return o.order.Len()
}

func (o *lruOrder) touch(addr uint64) {
	if elem, ok := o.entries[addr]; ok {
		o.order.MoveToFront(elem)
	}
}

// fill records addr as most recently used and returns the line pushed out, if any.
func (o *lruOrder) fill(addr uint64) (uint64, bool) {
	if elem, ok := o.entries[addr]; ok {
		o.order.MoveToFront(elem)
		return 0, false
	}
	o.entries[addr] = o.order.PushFront(addr)
	if o.capacity == 0 || o.order.Len() <= o.capacity {
		return 0, false
	}
	oldest := o.order.Back()
	victim := oldest.Value.(uint64)
	o.order.Remove(oldest)
	delete(o.entries, victim)
	return victim, true
}

func (o *lruOrder) remove(addr uint64) {
	if elem, ok := o.entries[addr]; ok {
		o.order.Remove(elem)
		delete(o.entries, addr)
	}
}

func (o *lruOrder) reset() {
	clear(o.entries)
	o.order.Init()
}
