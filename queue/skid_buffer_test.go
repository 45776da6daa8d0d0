package queue

import "testing"

func TestSkidBufferBound(t *testing.T) {
	pushed, popped := 0, 0
	b := NewSkidBuffer("inbound", 2, nil, BufferHooks[int]{
		OnPush: func(int, int) { pushed++ },
		OnPop:  func(int, int) { popped++ },
	})
	if !b.Push(1, 0) || !b.Push(2, 0) {
		t.Fatalf("expected two pushes to succeed")
	}
	if b.Push(3, 0) {
		t.Fatalf("expected push over capacity to fail")
	}
	if v, ok := b.Pop(1); !ok || v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	if v, ok := b.RemoveMatch(func(v int) bool { return v == 2 }, 1); !ok || v != 2 {
		t.Fatalf("expected 2, got %d", v)
	}
	if pushed != 2 || popped != 2 {
		t.Fatalf("expected 2 pushes and pops, got %d/%d", pushed, popped)
	}
}

func TestSkidBufferUnlimited(t *testing.T) {
	var last int
	b := NewSkidBuffer("memory", UnlimitedCapacity, func(length, _ int) { last = length }, BufferHooks[string]{})
	for i := 0; i < 100; i++ {
		if !b.Push("x", i) {
			t.Fatalf("unlimited buffer refused push %d", i)
		}
	}
	if last != 100 || b.Len() != 100 {
		t.Fatalf("expected 100, got %d/%d", last, b.Len())
	}
}
