package protocol

import (
	"fmt"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/slicc"
)

// lifecycle tracks each outstanding request through the declared request state machine,
// keyed by handle.
type lifecycle struct {
	sm capabilities.StateMachine
}

func newLifecycle(agentID int) (*lifecycle, error) {
	spec, err := slicc.RequestLifecycle()
	if err != nil {
		return nil, fmt.Errorf("load request lifecycle: %w", err)
	}
	sm, err := capabilities.NewStateMachineCapability(fmt.Sprintf("agent-%d-lifecycle", agentID), spec)
	if err != nil {
		return nil, err
	}
	return &lifecycle{sm: sm}, nil
}

// advance applies event to h. A missing transition is a bookkeeping error.
func (l *lifecycle) advance(h Handle, event string) error {
	from, _ := l.sm.CurrentState(uint64(h))
	if _, ok := l.sm.ApplyEvent(uint64(h), event); !ok {
		return fmt.Errorf("request %d: no %q transition from %s", h, event, from)
	}
	return nil
}

func (l *lifecycle) state(h Handle) (string, bool) {
	return l.sm.CurrentState(uint64(h))
}

func (l *lifecycle) forget(h Handle) {
	l.sm.Reset(uint64(h))
}

func (l *lifecycle) tracked() int {
	return l.sm.Len()
}
