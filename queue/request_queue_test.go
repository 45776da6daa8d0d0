package queue

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/example/sysbus_sim/core"
)

func readQW(addr uint64) core.Request {
	return core.Request{Address: addr, Command: core.CmdReadQWs}
}

func readBlk(addr uint64) core.Request {
	return core.Request{Address: addr, Command: core.CmdReadBlk}
}

func mustSubmit(t *testing.T, q *RequestQueue, req core.Request) int {
	t.Helper()
	slot, err := q.Submit(req)
	if err != nil {
		t.Fatalf("submit 0x%x: %v", req.Address, err)
	}
	return slot
}

func TestRequestQueueDistinctAddressesHaveNoHazards(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	for i := 0; i < RequestQueueDepth; i++ {
		mustSubmit(t, q, readBlk(uint64(i)*0x10000))
	}
	q.ForEach(func(slot int, e RequestEntry) {
		if !e.Wait.IsZero() {
			t.Fatalf("slot %d: expected empty wait vector, got %s", slot, e.Wait)
		}
		if e.Older.Count() != slot {
			t.Fatalf("slot %d: expected %d older bits, got %d", slot, slot, e.Older.Count())
		}
	})
	if err := q.CheckConsistency(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

func TestRequestQueueRandomDistinctAddressesNeverWait(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 500; round++ {
		lines := rng.Perm(64)
		blocks := rng.Intn(RequestQueueDepth + 1)
		var reqs []core.Request
		for _, l := range lines[:blocks] {
			reqs = append(reqs, readBlk(0x100000+uint64(l)*core.LineSize))
		}
		// Sub-line requests share two lines no block touches, one quadword each.
		qws := rng.Perm(2 * core.LineQuadwords)
		for _, qw := range qws[:RequestQueueDepth-blocks] {
			line := uint64(lines[blocks+qw/core.LineQuadwords])
			addr := 0x100000 + line*core.LineSize + uint64(qw%core.LineQuadwords)*core.QuadwordSize
			if rng.Intn(2) == 0 {
				reqs = append(reqs, readQW(addr))
			} else {
				reqs = append(reqs, core.Request{Address: addr, Command: core.CmdWrQWs, Data: []uint64{uint64(round)}})
			}
		}
		rng.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })

		q := NewRequestQueue(0, DefaultBankMap(), nil)
		for _, req := range reqs {
			mustSubmit(t, q, req)
		}
		q.ForEach(func(slot int, e RequestEntry) {
			if !e.Wait.IsZero() {
				t.Fatalf("round %d slot %d (0x%x %s): expected empty wait vector, got %s",
					round, slot, e.Address, e.Command, e.Wait)
			}
		})
		if ready := q.Ready(); ready.Count() != len(reqs) {
			t.Fatalf("round %d: expected all %d requests ready, got %s", round, len(reqs), ready)
		}
		if err := q.CheckConsistency(); err != nil {
			t.Fatalf("round %d consistency: %v", round, err)
		}
	}
}

func TestRequestQueueGappedMaskOverlapsItsLastQuadword(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	read := mustSubmit(t, q, core.Request{Address: 0x1000, Command: core.CmdReadQWs, Mask: 0x81})
	write := mustSubmit(t, q, core.Request{Address: 0x1038, Command: core.CmdWrQWs, Data: []uint64{1}})
	between := mustSubmit(t, q, core.Request{Address: 0x1040, Command: core.CmdWrQWs, Data: []uint64{2}})

	r, _ := q.Entry(read)
	if r.Extent().Lo != 0x1000 || r.Extent().Hi != 0x1040 {
		t.Fatalf("expected read extent [0x1000,0x1040), got %+v", r.Extent())
	}
	w, _ := q.Entry(write)
	if !w.Wait.Has(read) {
		t.Fatalf("expected write to wait on the gapped read, got %s", w.Wait)
	}
	if ready := q.Ready(); ready.Has(write) || !ready.Has(read) || !ready.Has(between) {
		t.Fatalf("expected read and the next-line write ready only, got %s", ready)
	}
	if err := q.CheckConsistency(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

func TestRequestQueueOverlapBlocksYounger(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	older := mustSubmit(t, q, readBlk(0x2000))
	younger := mustSubmit(t, q, core.Request{Address: 0x2010, Command: core.CmdWrQWs, Data: []uint64{7}})

	e, _ := q.Entry(younger)
	if !e.Wait.Has(older) {
		t.Fatalf("expected younger wait vector to hold slot %d, got %s", older, e.Wait)
	}

	for round := 0; round < 3; round++ {
		slot, ok := q.SelectReady()
		if !ok || slot != older {
			t.Fatalf("round %d: expected slot %d, got %d (ok=%v)", round, older, slot, ok)
		}
	}
	if err := q.SetPhase(older, PhaseDispatched); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if slot, ok := q.SelectReady(); ok {
		t.Fatalf("younger selected before older retired: slot %d", slot)
	}
	if _, err := q.Retire(older); err != nil {
		t.Fatalf("retire: %v", err)
	}
	slot, ok := q.SelectReady()
	if !ok || slot != younger {
		t.Fatalf("expected slot %d after retire, got %d (ok=%v)", younger, slot, ok)
	}
}

func TestRequestQueuePageHitBypass(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	a := mustSubmit(t, q, readQW(0x1000))
	b := mustSubmit(t, q, readQW(0x1008))

	e, _ := q.Entry(b)
	if !e.PageHit.Has(a) {
		t.Fatalf("expected page-hit vector to hold A, got %s", e.PageHit)
	}
	if e.Wait.Has(a) {
		t.Fatalf("expected wait vector without A, got %s", e.Wait)
	}

	first, ok := q.SelectReady()
	if !ok || first != a {
		t.Fatalf("expected A first, got %d", first)
	}
	if err := q.SetPhase(first, PhaseDispatched); err != nil {
		t.Fatalf("dispatch A: %v", err)
	}
	second, ok := q.SelectReady()
	if !ok || second != b {
		t.Fatalf("expected B consecutively, got %d", second)
	}
}

func TestRequestQueuePageChainBeatsOlderOtherRow(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	a := mustSubmit(t, q, readBlk(0x1000))
	c := mustSubmit(t, q, readBlk(0x9000))
	b := mustSubmit(t, q, readBlk(0x1040))

	if slot, _ := q.SelectReady(); slot != a {
		t.Fatalf("expected A, got %d", slot)
	}
	_ = q.SetPhase(a, PhaseDispatched)
	if anchor, ok := q.ChainSlot(); !ok || anchor != a {
		t.Fatalf("expected chain anchored at %d, got %d", a, anchor)
	}
	if slot, _ := q.SelectReady(); slot != b {
		t.Fatalf("expected page hit B ahead of older C, got %d", slot)
	}

	// Once the anchor retires the chain closes and age wins again.
	if _, err := q.Retire(a); err != nil {
		t.Fatalf("retire A: %v", err)
	}
	if slot, _ := q.SelectReady(); slot != c {
		t.Fatalf("expected C after chain closed, got %d", slot)
	}
}

func TestRequestQueueCapacity(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	for i := 0; i < RequestQueueDepth; i++ {
		mustSubmit(t, q, readBlk(0x1000))
	}
	if _, err := q.Submit(readBlk(0x1000)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if _, err := q.Retire(2); err != nil {
		t.Fatalf("retire: %v", err)
	}
	slot := mustSubmit(t, q, readBlk(0x1000))
	if slot != 2 {
		t.Fatalf("expected reuse of slot 2, got %d", slot)
	}
	e, _ := q.Entry(slot)
	if e.Older.Has(2) || e.Wait.Has(2) || e.PageHit.Has(2) {
		t.Fatalf("new entry references its own slot: older=%s wait=%s page=%s", e.Older, e.Wait, e.PageHit)
	}
	if e.Wait.Count() != RequestQueueDepth-1 {
		t.Fatalf("expected %d wait bits, got %d", RequestQueueDepth-1, e.Wait.Count())
	}
}

func TestRequestQueueRetireClearsCrossReferences(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	for i := 0; i < 4; i++ {
		mustSubmit(t, q, readBlk(0x4000))
	}
	const k = 1
	if _, err := q.Retire(k); err != nil {
		t.Fatalf("retire: %v", err)
	}
	q.ForEach(func(slot int, e RequestEntry) {
		if e.Wait.Has(k) || e.PageHit.Has(k) || e.Older.Has(k) {
			t.Fatalf("slot %d still references retired slot %d", slot, k)
		}
	})
	if _, err := q.Retire(k); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("expected ErrUnknownEntry on double retire, got %v", err)
	}
	if err := q.CheckConsistency(); err != nil {
		t.Fatalf("consistency: %v", err)
	}
}

func TestRequestQueueMutateCallback(t *testing.T) {
	var lengths []int
	q := NewRequestQueue(3, DefaultBankMap(), func(length, capacity int) {
		if capacity != RequestQueueDepth {
			t.Fatalf("expected capacity %d, got %d", RequestQueueDepth, capacity)
		}
		lengths = append(lengths, length)
	})
	slot := mustSubmit(t, q, readBlk(0))
	_, _ = q.Retire(slot)
	want := []int{0, 1, 0}
	if len(lengths) != len(want) {
		t.Fatalf("expected %v, got %v", want, lengths)
	}
	for i := range want {
		if lengths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, lengths)
		}
	}
}

func TestRequestQueueFindDispatched(t *testing.T) {
	q := NewRequestQueue(0, DefaultBankMap(), nil)
	slot := mustSubmit(t, q, readBlk(0x3000))
	line := core.Range{Lo: 0x3000, Hi: 0x3040}
	if _, ok := q.FindDispatched(line); ok {
		t.Fatalf("received entry must not match")
	}
	_ = q.SetPhase(slot, PhaseDispatched)
	got, ok := q.FindDispatched(line)
	if !ok || got != slot {
		t.Fatalf("expected slot %d, got %d (ok=%v)", slot, got, ok)
	}
}

func TestSlotVectorSetClear(t *testing.T) {
	var v SlotVector
	if !v.Set(3) || v.Set(3) {
		t.Fatalf("set should report change once")
	}
	if !v.Has(3) || v.Count() != 1 {
		t.Fatalf("expected only slot 3, got %s", v)
	}
	if v.Set(SlotVectorWidth) {
		t.Fatalf("out of range set must be ignored")
	}
	v.Set(0)
	if got := v.Slots(); len(got) != 2 || got[0] != 0 || got[1] != 3 {
		t.Fatalf("expected [0 3], got %v", got)
	}
	if !v.Clear(3) || v.Clear(3) {
		t.Fatalf("clear should report change once")
	}
}
