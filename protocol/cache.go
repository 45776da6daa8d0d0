package protocol

import "github.com/example/sysbus_sim/core"

// Cache is the agent's local cache as seen by probe resolution.
type Cache interface {
	Lookup(addr uint64) core.LookupResult
	Invalidate(addr uint64)
}

// CacheUpdater is implemented by caches that accept state changes from the bus. When
// the agent's cache implements it, probe next-states and data responses are applied.
type CacheUpdater interface {
	ApplyNextState(addr uint64, next core.ProbeNextState)
	Fill(addr uint64, state core.MESIState, data core.Line)
	Upgrade(addr uint64) bool
}

type noCache struct{}

func (noCache) Lookup(uint64) core.LookupResult { return core.Miss }
func (noCache) Invalidate(uint64)               {}
