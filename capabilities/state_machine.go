package capabilities

import (
	"fmt"
	"sync"

	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/slicc"
)

// StateMachine runs a declared state machine for many independent keys.
type StateMachine interface {
	Capability
	// ApplyEvent moves key along event. changed is false when the current state has no
	// transition for event; the state is left untouched.
	ApplyEvent(key uint64, event string) (state string, changed bool)
	CurrentState(key uint64) (string, bool)
	// Actions lists the actions declared for the transition taken by event from state.
	Actions(state, event string) []string
	Reset(key uint64)
	Len() int
}

type edge struct {
	from, event string
}

type transition struct {
	to      string
	actions []string
}

// tableMachine keeps one flat transition table shared by every key. Keys sitting in the
// default state are not stored.
type tableMachine struct {
	name    string
	spec    string
	initial string
	table   map[edge]transition

	mu     sync.RWMutex
	states map[uint64]string
}

// NewStateMachineCapability compiles spec into a state machine capability.
func NewStateMachineCapability(name string, spec *slicc.StateMachineSpec) (StateMachine, error) {
	if spec == nil {
		return nil, fmt.Errorf("state machine %s: spec is nil", name)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("state machine %s: %w", name, err)
	}
	m := &tableMachine{
		name:    name,
		spec:    spec.Name,
		initial: spec.DefaultState,
		table:   make(map[edge]transition),
		states:  make(map[uint64]string),
	}
	if m.initial == "" && len(spec.States) > 0 {
		m.initial = spec.States[0].Name
	}
	for _, tr := range spec.Transitions {
		for _, from := range tr.FromStates {
			to := tr.ToState
			if to == "" {
				to = from
			}
			for _, ev := range tr.Events {
				m.table[edge{from, ev}] = transition{to: to, actions: append([]string(nil), tr.Actions...)}
			}
		}
	}
	return m, nil
}

func (m *tableMachine) Descriptor() hooks.PluginDescriptor {
	return hooks.PluginDescriptor{
		Name:        m.name,
		Category:    hooks.PluginCategoryCapability,
		Description: fmt.Sprintf("%s state machine, %d transitions", m.spec, len(m.table)),
	}
}

func (m *tableMachine) Register(broker *hooks.PluginBroker) error {
	if broker == nil {
		return nil
	}
	broker.RegisterPluginMetadata(m.Descriptor())
	return nil
}

func (m *tableMachine) ApplyEvent(key uint64, event string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.states[key]
	if !ok {
		from = m.initial
	}
	tr, ok := m.table[edge{from, event}]
	if !ok {
		return from, false
	}
	if tr.to == m.initial {
		delete(m.states, key)
	} else {
		m.states[key] = tr.to
	}
	return tr.to, true
}

func (m *tableMachine) CurrentState(key uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[key]
	if !ok {
		return m.initial, false
	}
	return state, true
}

func (m *tableMachine) Actions(state, event string) []string {
	if state == "" {
		state = m.initial
	}
	tr, ok := m.table[edge{state, event}]
	if !ok {
		return nil
	}
	return append([]string(nil), tr.actions...)
}

func (m *tableMachine) Reset(key uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
}

func (m *tableMachine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
