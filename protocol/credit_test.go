package protocol

import (
	"errors"
	"testing"
)

func TestCreditCounterLimit(t *testing.T) {
	c := NewCreditCounter(2)
	if !c.Acquire() || !c.Acquire() {
		t.Fatalf("expected two credits")
	}
	if c.Acquire() || c.Available() {
		t.Fatalf("expected counter exhausted at limit")
	}
	if err := c.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.Outstanding() != 1 || !c.Available() {
		t.Fatalf("expected one outstanding, got %d", c.Outstanding())
	}
}

func TestCreditCounterUnderflow(t *testing.T) {
	c := NewCreditCounter(0)
	if err := c.Release(); !errors.Is(err, ErrCreditUnderflow) {
		t.Fatalf("expected ErrCreditUnderflow, got %v", err)
	}
	if c.Outstanding() != 0 {
		t.Fatalf("expected counter to stay at zero, got %d", c.Outstanding())
	}
	for i := 0; i < 100; i++ {
		if !c.Acquire() {
			t.Fatalf("expected unbounded counter to accept acquire %d", i)
		}
	}
}
