package queue

import (
	"fmt"
	"math/bits"
)

// SlotVector is a fixed-width bitset indexed by queue slot. Bit i refers to slot i of
// the owning queue.
type SlotVector uint8

// SlotVectorWidth is the number of slots a vector can address.
const SlotVectorWidth = 8

// Set marks slot and reports whether the bit changed.
func (v *SlotVector) Set(slot int) bool {
	if slot < 0 || slot >= SlotVectorWidth {
		return false
	}
	mask := SlotVector(1) << uint(slot)
	old := *v
	*v |= mask
	return old&mask == 0
}

// Clear unmarks slot and reports whether the bit changed.
func (v *SlotVector) Clear(slot int) bool {
	if slot < 0 || slot >= SlotVectorWidth {
		return false
	}
	mask := SlotVector(1) << uint(slot)
	old := *v
	*v &^= mask
	return old&mask != 0
}

// Has reports whether slot is marked.
func (v SlotVector) Has(slot int) bool {
	if slot < 0 || slot >= SlotVectorWidth {
		return false
	}
	return v&(SlotVector(1)<<uint(slot)) != 0
}

// IsZero reports whether no slot is marked.
func (v SlotVector) IsZero() bool {
	return v == 0
}

// Count returns the number of marked slots.
func (v SlotVector) Count() int {
	return bits.OnesCount8(uint8(v))
}

// Slots lists marked slots in ascending order.
func (v SlotVector) Slots() []int {
	out := make([]int, 0, v.Count())
	for w := uint8(v); w != 0; w &= w - 1 {
		out = append(out, bits.TrailingZeros8(w))
	}
	return out
}

func (v SlotVector) String() string {
	return fmt.Sprintf("%08b", uint8(v))
}
