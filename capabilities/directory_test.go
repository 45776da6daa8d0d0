package capabilities

import "testing"

func TestDirectoryCapabilityTracksSharers(t *testing.T) {
	cap := NewDirectoryCapability("directory-test")
	store := cap.Directory()

	addr := uint64(0x3000)
	if sharers := store.Sharers(addr); sharers != nil {
		t.Fatalf("expected no sharers initially")
	}

	store.Add(addr, 2)
	store.Add(addr+0x18, 1)

	sharers := store.Sharers(addr)
	if len(sharers) != 2 || sharers[0] != 1 {
		t.Fatalf("expected sharers [1 2] on the same line, got %v", sharers)
	}

	store.Remove(addr, 1)
	sharers = store.Sharers(addr)
	if len(sharers) != 1 || sharers[0] != 2 {
		t.Fatalf("expected remaining sharer 2, got %v", sharers)
	}

	store.Clear(addr)
	if sharers := store.Sharers(addr); sharers != nil {
		t.Fatalf("expected sharers cleared")
	}
}

func TestDirectoryOwnerReplacesSharers(t *testing.T) {
	store := NewDirectoryCapability("directory-owner").Directory()
	addr := uint64(0x4040)
	store.Add(addr, 0)
	store.Add(addr, 1)

	store.SetOwner(addr, 3)
	owner, ok := store.Owner(addr)
	if !ok || owner != 3 {
		t.Fatalf("expected owner 3, got %d (ok=%v)", owner, ok)
	}
	if sharers := store.Sharers(addr); len(sharers) != 1 || sharers[0] != 3 {
		t.Fatalf("expected owner as sole sharer, got %v", sharers)
	}

	store.Add(addr, 1)
	store.Remove(addr, 3)
	if _, ok := store.Owner(addr); ok {
		t.Fatalf("expected ownership released")
	}
	if sharers := store.Sharers(addr); len(sharers) != 1 || sharers[0] != 1 {
		t.Fatalf("expected sharer 1 left, got %v", sharers)
	}
}

func TestDirectoryDowngradeKeepsSharers(t *testing.T) {
	store := NewDirectoryCapability("directory-downgrade").Directory()
	store.SetOwner(0x80, 2)
	store.ClearOwner(0x80)
	store.Add(0x80, 0)
	store.Add(0x1000, 1)

	if _, ok := store.Owner(0x80); ok {
		t.Fatalf("expected no owner after downgrade")
	}
	lines := store.Lines()
	if len(lines) != 2 || lines[0].Address != 0x80 || lines[1].Address != 0x1000 {
		t.Fatalf("expected two lines in address order, got %+v", lines)
	}
	if len(lines[0].Sharers) != 2 || lines[0].Owner != -1 {
		t.Fatalf("expected sharers [0 2] without owner, got %+v", lines[0])
	}
}
