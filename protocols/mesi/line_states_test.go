package mesi

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/sysbus_sim/core"
)

func newTestAudit(t *testing.T) *Audit {
	t.Helper()
	a, err := NewAudit("test", zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build audit: %v", err)
	}
	return a
}

func TestLineLifecycle(t *testing.T) {
	a := newTestAudit(t)
	addr := uint64(0x1008)

	// I -> E on ReadData
	a.Observe(addr, FillEvent(core.MESIExclusive), core.MESIExclusive)
	if got := a.State(addr); got != core.MESIExclusive {
		t.Fatalf("expected Exclusive, got %q", got)
	}
	if a.State(0x1000) != core.MESIExclusive {
		t.Fatalf("expected the audit to track whole lines")
	}

	// E -> M on a local store
	a.Observe(addr, EventStore, core.MESIModified)
	// M -> S on a fetchShare probe
	a.Observe(addr, ProbeEvent(core.NextCleanShared), core.MESIShared)
	// S -> M on ChangeToDirtySuccess
	a.Observe(addr, EventUpgrade, core.MESIModified)
	if got := a.State(addr); got != core.MESIModified {
		t.Fatalf("expected Modified, got %q", got)
	}

	// M -> I on eviction forgets the line
	a.Observe(addr, EventEvict, core.MESIInvalid)
	if a.Tracked() != 0 {
		t.Fatalf("expected no tracked lines after eviction, got %d", a.Tracked())
	}
	if n, err := a.Illegal(); n != 0 || err != nil {
		t.Fatalf("expected a clean audit, got %d (%v)", n, err)
	}
}

func TestStoreToSharedLineIsIllegal(t *testing.T) {
	a := newTestAudit(t)
	a.Observe(0x40, EventFillShared, core.MESIShared)
	a.Observe(0x40, EventStore, core.MESIModified)

	n, err := a.Illegal()
	if n != 1 || err == nil {
		t.Fatalf("expected one illegal transition, got %d (%v)", n, err)
	}
	if a.State(0x40) != core.MESIShared {
		t.Fatalf("expected the audited state to stay Shared, got %q", a.State(0x40))
	}
}

func TestStateMismatchIsCounted(t *testing.T) {
	a := newTestAudit(t)
	a.Observe(0x80, EventFillExclusive, core.MESIShared)
	if n, _ := a.Illegal(); n != 1 {
		t.Fatalf("expected a mismatch to be counted, got %d", n)
	}
}

func TestUnknownEventsAreIgnored(t *testing.T) {
	a := newTestAudit(t)
	a.Observe(0x80, FillEvent(core.MESIInvalid), core.MESIInvalid)
	a.Observe(0x80, ProbeEvent(core.NextNoChange), core.MESIInvalid)

	var nilAudit *Audit
	nilAudit.Observe(0x80, EventStore, core.MESIModified)
	if n, _ := nilAudit.Illegal(); n != 0 {
		t.Fatalf("expected a nil audit to report nothing")
	}
	if n, _ := a.Illegal(); n != 0 || a.Tracked() != 0 {
		t.Fatalf("expected nothing recorded, got %d illegal, %d tracked", n, a.Tracked())
	}
}

func TestReleaseFromAnyState(t *testing.T) {
	for _, state := range []core.MESIState{core.MESIShared, core.MESIExclusive, core.MESIModified} {
		a := newTestAudit(t)
		a.Observe(0xc0, FillEvent(state), state)
		a.Observe(0xc0, EventRelease, core.MESIInvalid)
		if n, err := a.Illegal(); n != 0 {
			t.Fatalf("release from %s: unexpected illegal transition %v", state, err)
		}
		if a.State(0xc0) != core.MESIInvalid {
			t.Fatalf("release from %s: expected Invalid, got %q", state, a.State(0xc0))
		}
	}
}

func TestEvictionMatchesDeclaredVictim(t *testing.T) {
	a := newTestAudit(t)
	a.Observe(0x100, EventFillModified, core.MESIModified)
	a.ObserveEviction(0x100, true)
	a.Observe(0x140, EventFillShared, core.MESIShared)
	a.ObserveEviction(0x140, false)
	if n, err := a.Illegal(); n != 0 {
		t.Fatalf("expected matching victims to pass, got %d (%v)", n, err)
	}

	a.Observe(0x180, EventFillExclusive, core.MESIExclusive)
	a.ObserveEviction(0x180, true)
	if n, _ := a.Illegal(); n != 1 {
		t.Fatalf("expected a dirty victim from a clean line to be counted, got %d", n)
	}
	if a.Tracked() != 0 {
		t.Fatalf("expected evicted lines forgotten, got %d tracked", a.Tracked())
	}
}
