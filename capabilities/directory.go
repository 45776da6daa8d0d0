package capabilities

import (
	"sort"
	"sync"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
)

// DirectoryCapability provides line-to-agent tracking for coherence.
type DirectoryCapability interface {
	Capability
	Directory() DirectoryStore
}

// DirectoryStore exposes operations for managing sharer sets and line owners. Addresses
// are aligned to their cache line.
type DirectoryStore interface {
	Add(address uint64, agentID int)
	Remove(address uint64, agentID int)
	Sharers(address uint64) []int
	// SetOwner records agentID as the sole, possibly dirty, holder of the line.
	SetOwner(address uint64, agentID int)
	Owner(address uint64) (int, bool)
	// ClearOwner keeps the sharers but drops ownership, after an owner is downgraded.
	ClearOwner(address uint64)
	Lines() []DirectoryLine
	Clear(address uint64)
	Reset()
}

// DirectoryLine is one tracked line. Owner is -1 when nobody holds it exclusively.
type DirectoryLine struct {
	Address uint64 `json:"address" yaml:"address"`
	Sharers []int  `json:"sharers" yaml:"sharers,flow"`
	Owner   int    `json:"owner" yaml:"owner"`
}

type directoryCapability struct {
	name        string
	description string
	store       *directoryStore
}

// NewDirectoryCapability creates a capability maintaining sharer lists per line.
func NewDirectoryCapability(name string) DirectoryCapability {
	return &directoryCapability{
		name:        name,
		description: "directory capability",
		store:       newDirectoryStore(),
	}
}

func (c *directoryCapability) Descriptor() hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        c.name,
		Category:    hooks.PluginCategoryCapability,
		Description: c.description,
	}
}

func (c *directoryCapability) Register(broker *hooks.PluginBroker) error {
	if broker == nil {
		return nil
	}
	broker.RegisterPluginMetadata(c.Descriptor())
	return nil
}

func (c *directoryCapability) Directory() DirectoryStore {
	return c.store
}

type directoryEntry struct {
	sharers map[int]struct{}
	owner   int
	owned   bool
}

type directoryStore struct {
	mu      sync.RWMutex
	entries map[uint64]*directoryEntry
}

func newDirectoryStore() *directoryStore {
	return &directoryStore{
		entries: make(map[uint64]*directoryEntry),
	}
}

func (s *directoryStore) entryLocked(address uint64) *directoryEntry {
	key := core.LineAddress(address)
	e, ok := s.entries[key]
	if !ok {
		e = &directoryEntry{sharers: make(map[int]struct{})}
		s.entries[key] = e
	}
	return e
}

func (s *directoryStore) Add(address uint64, agentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryLocked(address).sharers[agentID] = struct{}{}
}

func (s *directoryStore) Remove(address uint64, agentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.LineAddress(address)
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(e.sharers, agentID)
	if e.owned && e.owner == agentID {
		e.owned = false
	}
	if len(e.sharers) == 0 {
		delete(s.entries, key)
	}
}

func (s *directoryStore) Sharers(address uint64) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[core.LineAddress(address)]
	if !ok || len(e.sharers) == 0 {
		return nil
	}
	out := make([]int, 0, len(e.sharers))
	for id := range e.sharers {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (s *directoryStore) SetOwner(address uint64, agentID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(address)
	clear(e.sharers)
	e.sharers[agentID] = struct{}{}
	e.owner = agentID
	e.owned = true
}

func (s *directoryStore) Owner(address uint64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[core.LineAddress(address)]
	if !ok || !e.owned {
		return -1, false
	}
	return e.owner, true
}

func (s *directoryStore) ClearOwner(address uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[core.LineAddress(address)]; ok {
		e.owned = false
	}
}

func (s *directoryStore) Lines() []DirectoryLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DirectoryLine, 0, len(s.entries))
	for addr, e := range s.entries {
		line := DirectoryLine{Address: addr, Owner: -1}
		for id := range e.sharers {
			line.Sharers = append(line.Sharers, id)
		}
		sort.Ints(line.Sharers)
		if e.owned {
			line.Owner = e.owner
		}
		out = append(out, line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *directoryStore) Clear(address uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, core.LineAddress(address))
}

func (s *directoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}
