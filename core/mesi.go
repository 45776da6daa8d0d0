package core

// MESIState represents the MESI cache coherence protocol state.
type MESIState string

const (
	MESIInvalid   MESIState = "Invalid"   // Cache line is invalid (not present or stale)
	MESIShared    MESIState = "Shared"    // Cache line is shared (multiple caches may have it)
	MESIExclusive MESIState = "Exclusive" // Cache line is exclusive (only this cache has it, clean)
	MESIModified  MESIState = "Modified"  // Cache line is modified (only this cache has it, dirty)
)

// IsValid returns true if the cache line is valid (not Invalid).
func (s MESIState) IsValid() bool {
	return s != MESIInvalid && s != ""
}

// IsDirty returns true if the line differs from memory.
func (s MESIState) IsDirty() bool {
	return s == MESIModified
}

// CanProvideData returns true if the cache line can provide data to other caches.
func (s MESIState) CanProvideData() bool {
	return s == MESIShared || s == MESIExclusive || s == MESIModified
}

// After returns the state a line moves to when probed with next.
func (s MESIState) After(next ProbeNextState) MESIState {
	if !s.IsValid() {
		return MESIInvalid
	}
	switch next {
	case NextClean:
		return MESIExclusive
	case NextCleanShared:
		return MESIShared
	case NextInvalid:
		return MESIInvalid
	default:
		return s
	}
}
