package hooks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNilRegistry     = errors.New("hooks: registry is nil")
	ErrPluginNotFound  = errors.New("hooks: plugin not found")
	ErrDuplicatePlugin = errors.New("hooks: plugin already registered")
)

// GlobalPluginFactory installs global hooks into the broker.
type GlobalPluginFactory func(broker *PluginBroker) error

// AgentPluginFactory installs hooks scoped to a specific agent ID.
type AgentPluginFactory func(agentID int, broker *PluginBroker) error

// scope says whether a plugin is installed once or once per agent.
type scope uint8

const (
	scopeGlobal scope = iota
	scopeAgent
)

type registryEntry struct {
	desc   PluginDescriptor
	scope  scope
	global GlobalPluginFactory
	agent  AgentPluginFactory
}

// Registry keeps plugin factories that can be activated by name from configuration.
// A name is unique across both scopes.
type Registry struct {
	mu      sync.RWMutex
	broker  *PluginBroker
	entries map[string]registryEntry
}

// NewRegistry creates an empty plugin registry bound to a broker.
func NewRegistry(broker *PluginBroker) *Registry {
	if broker == nil {
		broker = NewPluginBroker()
	}
	return &Registry{broker: broker, entries: make(map[string]registryEntry)}
}

// Broker returns the underlying broker associated with the registry.
func (r *Registry) Broker() *PluginBroker {
	if r == nil {
		return nil
	}
	return r.broker
}

// RegisterGlobal registers a plugin installed once per broker.
func (r *Registry) RegisterGlobal(name string, desc PluginDescriptor, factory GlobalPluginFactory) error {
	if factory == nil {
		return fmt.Errorf("global plugin %q: factory cannot be nil", name)
	}
	return r.add(name, registryEntry{desc: desc, scope: scopeGlobal, global: factory})
}

// RegisterAgent registers a plugin installed once per agent.
func (r *Registry) RegisterAgent(name string, desc PluginDescriptor, factory AgentPluginFactory) error {
	if factory == nil {
		return fmt.Errorf("agent plugin %q: factory cannot be nil", name)
	}
	return r.add(name, registryEntry{desc: desc, scope: scopeAgent, agent: factory})
}

func (r *Registry) add(name string, entry registryEntry) error {
	if r == nil {
		return ErrNilRegistry
	}
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, name)
	}
	r.entries[name] = entry
	return nil
}

// LoadGlobal activates the requested global plugins.
func (r *Registry) LoadGlobal(names []string) error {
	return r.Load(names, nil)
}

// LoadForAgent activates the requested plugins for one agent. Global plugins are
// rejected so they are never installed twice.
func (r *Registry) LoadForAgent(agentID int, names []string) error {
	for _, name := range names {
		entry, err := r.lookup(name)
		if err != nil {
			return err
		}
		if entry.scope != scopeAgent {
			return fmt.Errorf("plugin %s is global, not agent-scoped", name)
		}
	}
	return r.Load(names, []int{agentID})
}

// Load activates each named plugin: global plugins once, agent-scoped plugins once per
// agent ID.
func (r *Registry) Load(names []string, agentIDs []int) error {
	for _, name := range names {
		entry, err := r.lookup(name)
		if err != nil {
			return err
		}
		switch entry.scope {
		case scopeGlobal:
			if err := entry.global(r.broker); err != nil {
				return fmt.Errorf("global plugin %s failed: %w", name, err)
			}
		case scopeAgent:
			for _, id := range agentIDs {
				if err := entry.agent(id, r.broker); err != nil {
					return fmt.Errorf("agent plugin %s (agent %d) failed: %w", name, id, err)
				}
			}
		}
		r.broker.RegisterPluginMetadata(entry.desc)
	}
	return nil
}

// Descriptor returns metadata registered under the provided name.
func (r *Registry) Descriptor(name string) (PluginDescriptor, bool) {
	entry, err := r.lookup(name)
	if err != nil {
		return PluginDescriptor{}, false
	}
	return entry.desc, true
}

// Names lists every registered plugin name, global ones first.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := r.entries[out[i]], r.entries[out[j]]
		if a.scope != b.scope {
			return a.scope < b.scope
		}
		return out[i] < out[j]
	})
	return out
}

func (r *Registry) lookup(name string) (registryEntry, error) {
	if r == nil {
		return registryEntry{}, ErrNilRegistry
	}
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return registryEntry{}, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return entry, nil
}
