package core

// LookupResult is what a local cache reports for a probed address.
type LookupResult struct {
	Hit   bool
	Dirty bool
	State MESIState
	Data  Line
}

// Miss is the lookup result for an absent line.
var Miss = LookupResult{State: MESIInvalid}
