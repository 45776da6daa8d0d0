package queue

// UnlimitedCapacity disables the capacity bound of a SkidBuffer.
const UnlimitedCapacity = -1

// MutateFunc is invoked after queue length or capacity changes.
type MutateFunc func(length int, capacity int)

// BufferHooks defines callbacks for buffer lifecycle events.
type BufferHooks[T any] struct {
	OnPush func(item T, cycle int)
	OnPop  func(item T, cycle int)
}

// SkidBuffer is a bounded FIFO absorbing messages between a sender and a receiver that
// may be stalled. Push refuses items once the bound is reached.
type SkidBuffer[T any] struct {
	name     string
	capacity int
	items    []T
	hooks    BufferHooks[T]
	mutate   MutateFunc
}

// NewSkidBuffer constructs a skid buffer with optional hooks and mutate callback.
func NewSkidBuffer[T any](name string, capacity int, mutate MutateFunc, hooks BufferHooks[T]) *SkidBuffer[T] {
	b := &SkidBuffer[T]{
		name:     name,
		capacity: capacity,
		hooks:    hooks,
		mutate:   mutate,
	}
	b.notify()
	return b
}

// Name returns the buffer name.
func (b *SkidBuffer[T]) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

// Capacity returns the bound (-1 for unlimited).
func (b *SkidBuffer[T]) Capacity() int {
	if b == nil {
		return 0
	}
	return b.capacity
}

// Len returns the number of buffered items.
func (b *SkidBuffer[T]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// CanAccept checks whether n more items fit.
func (b *SkidBuffer[T]) CanAccept(n int) bool {
	if b == nil {
		return false
	}
	if b.capacity < 0 {
		return true
	}
	return len(b.items)+n <= b.capacity
}

// Push appends an item. Returns false if the buffer is full.
func (b *SkidBuffer[T]) Push(item T, cycle int) bool {
	if !b.CanAccept(1) {
		return false
	}
	b.items = append(b.items, item)
	if b.hooks.OnPush != nil {
		b.hooks.OnPush(item, cycle)
	}
	b.notify()
	return true
}

// Peek returns the front item without removing it.
func (b *SkidBuffer[T]) Peek() (T, bool) {
	var zero T
	if b == nil || len(b.items) == 0 {
		return zero, false
	}
	return b.items[0], true
}

// Pop removes and returns the front item.
func (b *SkidBuffer[T]) Pop(cycle int) (T, bool) {
	var zero T
	if b == nil || len(b.items) == 0 {
		return zero, false
	}
	item := b.items[0]
	b.items[0] = zero
	b.items = b.items[1:]
	if b.hooks.OnPop != nil {
		b.hooks.OnPop(item, cycle)
	}
	b.notify()
	return item, true
}

// RemoveMatch removes the first item matching predicate.
func (b *SkidBuffer[T]) RemoveMatch(match func(T) bool, cycle int) (T, bool) {
	var zero T
	if b == nil || match == nil {
		return zero, false
	}
	for i, item := range b.items {
		if !match(item) {
			continue
		}
		b.items = append(b.items[:i], b.items[i+1:]...)
		if b.hooks.OnPop != nil {
			b.hooks.OnPop(item, cycle)
		}
		b.notify()
		return item, true
	}
	return zero, false
}

// Items returns a copy of the buffered items in FIFO order.
func (b *SkidBuffer[T]) Items() []T {
	if b == nil {
		return nil
	}
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *SkidBuffer[T]) notify() {
	if b == nil || b.mutate == nil {
		return
	}
	b.mutate(len(b.items), b.capacity)
}
