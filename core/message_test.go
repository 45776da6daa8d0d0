package core

import "testing"

func TestWrapRoundTrip(t *testing.T) {
	var line Line
	for i := range line {
		line[i] = uint64(i + 10)
	}
	wrap := WrapOffset(0x1018)
	if wrap != 3 {
		t.Fatalf("expected wrap 3, got %d", wrap)
	}
	wire := WrapLine(line, wrap)
	if wire[0] != 13 || wire[5] != 10 {
		t.Fatalf("expected critical quadword first, got %v", wire)
	}
	if got := UnwrapLine(wire, wrap); got != line {
		t.Fatalf("expected %v, got %v", line, got)
	}
	if got := UnwrapLine(wire[:2], wrap); got[3] != 13 || got[4] != 14 || got[5] != 0 {
		t.Fatalf("expected partial transfer to leave the rest zero, got %v", got)
	}
}

func TestCommandExtent(t *testing.T) {
	if r := CmdReadBlk.Extent(0x1238, 0); r.Lo != 0x1200 || r.Hi != 0x1240 {
		t.Fatalf("expected block extent [0x1200,0x1240), got [0x%x,0x%x)", r.Lo, r.Hi)
	}
	if r := CmdReadQWs.Extent(0x1234, 3); r.Lo != 0x1230 || r.Hi != 0x1248 {
		t.Fatalf("expected 3 quadwords from 0x1230, got [0x%x,0x%x)", r.Lo, r.Hi)
	}
	if r := CmdWrQWs.Extent(0x1230, 0); r.Hi-r.Lo != QuadwordSize {
		t.Fatalf("expected at least one quadword, got %d bytes", r.Hi-r.Lo)
	}
	a := Request{Address: 0x1230, Command: CmdWrQWs, Data: []uint64{1, 2}}.Extent()
	b := CmdReadBlk.Extent(0x1200, 0)
	if !a.Overlaps(b) {
		t.Fatalf("expected quadword write to overlap its line")
	}
	if a.Overlaps(CmdReadBlk.Extent(0x1240, 0)) {
		t.Fatalf("expected no overlap with the next line")
	}
}

func TestCommandClasses(t *testing.T) {
	if !CmdWrVictimBlk.IsVictim() || !CmdWrVictimBlk.CarriesData() {
		t.Fatalf("expected WrVictimBlk to be a data-carrying victim")
	}
	if CmdCleanVictimBlk.CarriesData() {
		t.Fatalf("expected CleanVictimBlk to carry no data")
	}
	if !CmdReadBlkMod.IsModify() || !CmdReadBlkMod.IsBlock() {
		t.Fatalf("expected ReadBlkMod to be a block modify")
	}
	cmd, err := ParseSystemCommand("SharedToDirty")
	if err != nil || cmd != CmdSharedToDirty {
		t.Fatalf("expected SharedToDirty, got %v (%v)", cmd, err)
	}
	if SysDcReadDataDirty.FillState() != MESIModified || SysDcReadDataShared.FillState() != MESIShared {
		t.Fatalf("unexpected fill states")
	}
	if got := QuadwordMask(3); got != 0x07 {
		t.Fatalf("expected mask 0x07, got 0x%x", got)
	}
}

func TestMaskExtentFollowsBitPositions(t *testing.T) {
	cases := []struct {
		mask   uint8
		lo, hi uint64
	}{
		{0x01, 0x1000, 0x1008},
		{0x81, 0x1000, 0x1040},
		{0x80, 0x1038, 0x1040},
		{0x0c, 0x1010, 0x1020},
		{0x00, 0x1000, 0x1008},
	}
	for _, tc := range cases {
		r := Request{Address: 0x1000, Command: CmdReadQWs, Mask: tc.mask}.Extent()
		if r.Lo != tc.lo || r.Hi != tc.hi {
			t.Fatalf("mask 0x%02x: expected [0x%x,0x%x), got [0x%x,0x%x)", tc.mask, tc.lo, tc.hi, r.Lo, r.Hi)
		}
	}
	if r := CmdReadBlk.MaskExtent(0x1008, 0x01); r.Lo != 0x1000 || r.Hi != 0x1040 {
		t.Fatalf("expected block command to cover the line, got %+v", r)
	}
	w := Request{Address: 0x1000, Command: CmdWrQWs, Data: []uint64{1}, Mask: 0x81}.Extent()
	if w.Lo != 0x1000 || w.Hi != 0x1040 {
		t.Fatalf("expected payload and mask union, got %+v", w)
	}
}
