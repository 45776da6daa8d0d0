// Package visual carries run controls and live event streaming between the emulation
// loop and its inspectors.
package visual

import (
	"context"
	"fmt"

	"github.com/example/sysbus_sim/core"
)

// ControlKind names a run control instruction from an inspector.
type ControlKind string

const (
	ControlNone   ControlKind = "none"
	ControlPause  ControlKind = "pause"
	ControlResume ControlKind = "resume"
	ControlStep   ControlKind = "step"
)

// ControlCommand is one run control instruction. Steps applies to ControlStep.
type ControlCommand struct {
	Kind  ControlKind `json:"type" yaml:"type"`
	Steps int         `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// ParseControl validates an instruction received from outside.
func ParseControl(kind string, steps int) (ControlCommand, error) {
	switch ControlKind(kind) {
	case ControlPause, ControlResume:
		return ControlCommand{Kind: ControlKind(kind)}, nil
	case ControlStep:
		if steps <= 0 {
			steps = 1
		}
		return ControlCommand{Kind: ControlStep, Steps: steps}, nil
	default:
		return ControlCommand{Kind: ControlNone}, fmt.Errorf("visual: unknown control %q", kind)
	}
}

// Controls is a source of run control instructions.
type Controls interface {
	NextCommand() (ControlCommand, bool)
	WaitCommand(ctx context.Context) (ControlCommand, bool)
}

// ControlQueue is a bounded Controls fed by Push.
type ControlQueue struct {
	ch chan ControlCommand
}

// NewControlQueue creates a queue holding up to depth instructions.
func NewControlQueue(depth int) *ControlQueue {
	if depth <= 0 {
		depth = 16
	}
	return &ControlQueue{ch: make(chan ControlCommand, depth)}
}

// Push queues cmd without blocking. It returns false when the queue is full.
func (q *ControlQueue) Push(cmd ControlCommand) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// NextCommand returns a queued instruction if there is one.
func (q *ControlQueue) NextCommand() (ControlCommand, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return ControlCommand{Kind: ControlNone}, false
	}
}

// WaitCommand blocks until an instruction arrives or ctx ends.
func (q *ControlQueue) WaitCommand(ctx context.Context) (ControlCommand, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	case <-ctx.Done():
		return ControlCommand{Kind: ControlNone}, false
	}
}

// EventSink receives lifecycle events for live streaming.
type EventSink interface {
	PublishEvent(ev core.TraceEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev core.TraceEvent)

func (f EventSinkFunc) PublishEvent(ev core.TraceEvent) {
	if f != nil {
		f(ev)
	}
}
