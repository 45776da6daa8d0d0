package capabilities

import (
	"sort"
	"sync"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
)

// CachedLine is a snapshot of one resident line.
type CachedLine struct {
	Address uint64         `json:"address" yaml:"address"`
	State   core.MESIState `json:"state" yaml:"state"`
	Data    core.Line      `json:"-" yaml:"-"`
}

// Victim is a line displaced by a fill that must be written back or released.
type Victim struct {
	Address uint64
	Dirty   bool
	Data    core.Line
}

// LineCacheConfig configures a LineCache.
type LineCacheConfig struct {
	Description string
	// Capacity bounds resident lines; 0 means unbounded.
	Capacity int
}

// LineCache is an agent-local MESI cache holding line data. It answers probe lookups
// and applies the state changes the controller dictates.
type LineCache struct {
	name        string
	description string

	mu      sync.RWMutex
	lines   map[uint64]CachedLine
	lru     *lruOrder
	victims []Victim
}

// NewLineCache creates an empty cache capability.
func NewLineCache(name string, cfg LineCacheConfig) *LineCache {
	desc := cfg.Description
	if desc == "" {
		desc = "MESI line cache"
	}
	return &LineCache{
		name:        name,
		description: desc,
		lines:       make(map[uint64]CachedLine),
		lru:         newLRUOrder(cfg.Capacity),
	}
}

func (c *LineCache) Descriptor() hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        c.name,
		Category:    hooks.PluginCategoryCapability,
		Description: c.description,
	}
}

func (c *LineCache) Register(broker *hooks.PluginBroker) error {
	if broker == nil {
		return nil
	}
	broker.RegisterPluginMetadata(c.Descriptor())
	return nil
}

// Lookup reports the state of the line containing addr.
func (c *LineCache) Lookup(addr uint64) core.LookupResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	line, ok := c.lines[core.LineAddress(addr)]
	if !ok || !line.State.IsValid() {
		return core.Miss
	}
	return core.LookupResult{
		Hit:   true,
		Dirty: line.State.IsDirty(),
		State: line.State,
		Data:  line.Data,
	}
}

// State returns the MESI state of the line containing addr.
func (c *LineCache) State(addr uint64) core.MESIState {
	return c.Lookup(addr).State
}

// Invalidate drops the line containing addr without a write-back.
func (c *LineCache) Invalidate(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(core.LineAddress(addr))
}

// ApplyNextState moves a resident line to the state a probe requested.
func (c *LineCache) ApplyNextState(addr uint64, next core.ProbeNextState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := core.LineAddress(addr)
	line, ok := c.lines[key]
	if !ok {
		return
	}
	line.State = line.State.After(next)
	if !line.State.IsValid() {
		c.dropLocked(key)
		return
	}
	c.lines[key] = line
}

// Fill installs a line returned by the controller. A line displaced by the fill is
// queued as a victim.
func (c *LineCache) Fill(addr uint64, state core.MESIState, data core.Line) {
	if !state.IsValid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := core.LineAddress(addr)
	c.lines[key] = CachedLine{Address: key, State: state, Data: data}
	victimAddr, evicted := c.lru.fill(key)
	if !evicted {
		return
	}
	victim := c.lines[victimAddr]
	delete(c.lines, victimAddr)
	c.victims = append(c.victims, Victim{
		Address: victimAddr,
		Dirty:   victim.State.IsDirty(),
		Data:    victim.Data,
	})
}

// Upgrade marks a resident line Modified after an ownership grant.
func (c *LineCache) Upgrade(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := core.LineAddress(addr)
	line, ok := c.lines[key]
	if !ok {
		return false
	}
	line.State = core.MESIModified
	c.lines[key] = line
	c.lru.touch(key)
	return true
}

// Write merges quadwords into a resident line starting at addr and marks it Modified.
func (c *LineCache) Write(addr uint64, data []uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := core.LineAddress(addr)
	line, ok := c.lines[key]
	if !ok {
		return false
	}
	first := int((addr - key) / core.QuadwordSize)
	for i, qw := range data {
		if first+i >= core.LineQuadwords {
			break
		}
		line.Data[first+i] = qw
	}
	line.State = core.MESIModified
	c.lines[key] = line
	c.lru.touch(key)
	return true
}

// TakeVictims returns and clears the displaced lines.
func (c *LineCache) TakeVictims() []Victim {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.victims
	c.victims = nil
	return out
}

// Lines lists resident lines ordered by address.
func (c *LineCache) Lines() []CachedLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CachedLine, 0, len(c.lines))
	for _, line := range c.lines {
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of resident lines.
func (c *LineCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lines)
}

// Clear drops every line and pending victim.
func (c *LineCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.lines)
	c.lru.reset()
	c.victims = nil
}

func (c *LineCache) dropLocked(key uint64) {
	delete(c.lines, key)
	c.lru.remove(key)
}

var _ Capability = (*LineCache)(nil)
