package slicc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// StateSpec describes a single state.
type StateSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Terminal states accept no further events.
	Terminal bool `yaml:"terminal,omitempty"`
}

// EventSpec describes an input event that may trigger transitions.
type EventSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// TransitionSpec connects states and events with optional actions.
type TransitionSpec struct {
	FromStates []string `yaml:"from"`
	Events     []string `yaml:"when"`
	ToState    string   `yaml:"to,omitempty"`
	Actions    []string `yaml:"actions,omitempty"`
}

// StateMachineSpec contains the declarative description of a protocol.
type StateMachineSpec struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	DefaultState string           `yaml:"default"`
	States       []StateSpec      `yaml:"states"`
	Events       []EventSpec      `yaml:"events"`
	Transitions  []TransitionSpec `yaml:"transitions"`
}

// Decode reads a YAML state machine declaration and validates it.
func Decode(r io.Reader) (*StateMachineSpec, error) {
	var spec StateMachineSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode state machine: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ErrInvalidSpec wraps every problem Validate reports.
var ErrInvalidSpec = errors.New("slicc: invalid state machine")

// Validate checks that every name is declared, no state/event pair has two transitions
// and terminal states have no outgoing edges. All problems are reported together.
func (s *StateMachineSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: spec is nil", ErrInvalidSpec)
	}
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if s.Name == "" {
		fail("name is empty")
	}

	states := make(map[string]bool, len(s.States))
	for _, st := range s.States {
		if st.Name == "" {
			fail("state with empty name")
			continue
		}
		states[st.Name] = st.Terminal
	}
	events := make(map[string]bool, len(s.Events))
	for _, ev := range s.Events {
		if ev.Name == "" {
			fail("event with empty name")
			continue
		}
		events[ev.Name] = true
	}
	switch {
	case len(states) == 0:
		fail("no states")
	case s.DefaultState != "":
		if _, ok := states[s.DefaultState]; !ok {
			fail("default state %q not declared", s.DefaultState)
		}
	}
	if len(events) == 0 {
		fail("no events")
	}
	if len(s.Transitions) == 0 {
		fail("no transitions")
	}

	owner := make(map[[2]string]int)
	for i, tr := range s.Transitions {
		if len(tr.FromStates) == 0 || len(tr.Events) == 0 {
			fail("transition #%d needs from and when", i)
		}
		if tr.ToState != "" {
			if _, ok := states[tr.ToState]; !ok {
				fail("transition #%d targets undeclared state %q", i, tr.ToState)
			}
		}
		for _, ev := range tr.Events {
			if !events[ev] {
				fail("transition #%d uses undeclared event %q", i, ev)
			}
		}
		for _, from := range tr.FromStates {
			terminal, ok := states[from]
			switch {
			case !ok:
				fail("transition #%d leaves undeclared state %q", i, from)
			case terminal:
				fail("transition #%d leaves terminal state %q", i, from)
			}
			for _, ev := range tr.Events {
				key := [2]string{from, ev}
				if prev, dup := owner[key]; dup {
					fail("transitions #%d and #%d both handle %s/%s", prev, i, from, ev)
					continue
				}
				owner[key] = i
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidSpec, s.Name, strings.Join(problems, "; "))
	}
	return nil
}

// IsTerminal reports whether state is declared terminal.
func (s *StateMachineSpec) IsTerminal(state string) bool {
	for _, st := range s.States {
		if st.Name == state {
			return st.Terminal
		}
	}
	return false
}
