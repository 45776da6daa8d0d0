package simulator

import (
	"sync"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/protocols/mesi"
)

// victimCache is a LineCache with a victim buffer. A line displaced by a fill stays
// visible to probes until the controller releases it (rvb), so a probe that arrives
// before the write-back is dispatched still finds the data. Every state change is
// reported to the audit when one is set.
type victimCache struct {
	*capabilities.LineCache
	audit *mesi.Audit

	mu      sync.Mutex
	victims map[uint64]capabilities.Victim
	pending []capabilities.Victim
}

func newVictimCache(name string, lines int, audit *mesi.Audit) *victimCache {
	return &victimCache{
		LineCache: capabilities.NewLineCache(name, capabilities.LineCacheConfig{Capacity: lines}),
		audit:     audit,
		victims:   make(map[uint64]capabilities.Victim),
	}
}

func (c *victimCache) Lookup(addr uint64) core.LookupResult {
	if res := c.LineCache.Lookup(addr); res.Hit {
		return res
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.victims[core.LineAddress(addr)]
	if !ok {
		return core.Miss
	}
	state := core.MESIExclusive
	if v.Dirty {
		state = core.MESIModified
	}
	return core.LookupResult{Hit: true, Dirty: v.Dirty, State: state, Data: v.Data}
}

func (c *victimCache) Invalidate(addr uint64) {
	if c.LineCache.State(addr).IsValid() {
		c.LineCache.Invalidate(addr)
		c.audit.Observe(addr, mesi.EventRelease, core.MESIInvalid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.victims, core.LineAddress(addr))
}

func (c *victimCache) ApplyNextState(addr uint64, next core.ProbeNextState) {
	if c.LineCache.State(addr).IsValid() {
		c.LineCache.ApplyNextState(addr, next)
		c.audit.Observe(addr, mesi.ProbeEvent(next), c.LineCache.State(addr))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := core.LineAddress(addr)
	v, ok := c.victims[key]
	if !ok {
		return
	}
	switch next {
	case core.NextInvalid:
		delete(c.victims, key)
	case core.NextClean, core.NextCleanShared:
		v.Dirty = false
		c.victims[key] = v
	}
}

// Fill installs a line. A fresh fill supersedes a buffered copy of the same line.
func (c *victimCache) Fill(addr uint64, state core.MESIState, data core.Line) {
	c.LineCache.Fill(addr, state, data)
	c.audit.Observe(addr, mesi.FillEvent(state), c.LineCache.State(addr))
	displaced := c.LineCache.TakeVictims()
	for _, v := range displaced {
		c.audit.ObserveEviction(v.Address, v.Dirty)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.IsValid() {
		delete(c.victims, core.LineAddress(addr))
	}
	for _, v := range displaced {
		c.victims[v.Address] = v
		c.pending = append(c.pending, v)
	}
}

// Upgrade grants ownership of addr. A line still waiting in the victim buffer is
// reinstated as Modified with its buffered data.
func (c *victimCache) Upgrade(addr uint64) bool {
	if c.LineCache.Upgrade(addr) {
		c.audit.Observe(addr, mesi.EventUpgrade, c.LineCache.State(addr))
		return true
	}
	key := core.LineAddress(addr)
	c.mu.Lock()
	v, ok := c.victims[key]
	delete(c.victims, key)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.Fill(key, core.MESIModified, v.Data)
	return true
}

// Write merges a store into a resident line.
func (c *victimCache) Write(addr uint64, data []uint64) bool {
	if !c.LineCache.Write(addr, data) {
		return false
	}
	c.audit.Observe(addr, mesi.EventStore, c.LineCache.State(addr))
	return true
}

// victim returns the buffered copy of the line containing addr.
func (c *victimCache) victim(addr uint64) (capabilities.Victim, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.victims[core.LineAddress(addr)]
	return v, ok
}

// TakeVictims returns lines displaced since the last call. They stay buffered until
// released.
func (c *victimCache) TakeVictims() []capabilities.Victim {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Buffered returns the number of lines waiting for release.
func (c *victimCache) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.victims)
}
