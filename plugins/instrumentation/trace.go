package instrumentation

import (
	"fmt"
	"sync"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
)

// DefaultTraceCapacity bounds a TraceRecorder created with capacity 0.
const DefaultTraceCapacity = 4096

// TraceRecorder keeps the most recent lifecycle events in a ring.
type TraceRecorder struct {
	mu      sync.Mutex
	events  []core.TraceEvent
	next    int
	full    bool
	dropped int
}

// NewTraceRecorder creates a recorder holding up to capacity events.
func NewTraceRecorder(capacity int) *TraceRecorder {
	if capacity <= 0 {
		capacity = DefaultTraceCapacity
	}
	return &TraceRecorder{events: make([]core.TraceEvent, capacity)}
}

// Record appends ev, overwriting the oldest event once full.
func (r *TraceRecorder) Record(ev core.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		r.dropped++
	}
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Events returns the recorded events oldest first.
func (r *TraceRecorder) Events() []core.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]core.TraceEvent(nil), r.events[:r.next]...)
	}
	out := make([]core.TraceEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Dropped returns how many events were overwritten.
func (r *TraceRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *TraceRecorder) install(b *hooks.PluginBroker) error {
	if b == nil {
		return fmt.Errorf("plugin broker is nil")
	}
	return capabilities.NewHookCapability(PluginTrace, hooks.PluginCategoryInstrumentation,
		"keeps the newest lifecycle events", Bundle(r.Record)).Register(b)
}

// Bundle builds hooks that forward every lifecycle event to record.
func Bundle(record func(core.TraceEvent)) hooks.HookBundle {
	request := func(kind core.EventType) hooks.RequestHook {
		return func(ctx *hooks.RequestContext) error {
			record(ctx.Event(kind))
			return nil
		}
	}
	probe := func(kind core.EventType) hooks.ProbeHook {
		return func(ctx *hooks.ProbeContext) error {
			record(ctx.Event(kind))
			return nil
		}
	}
	return hooks.HookBundle{
		Submitted:     []hooks.RequestHook{request(core.EventSubmitted)},
		Dispatched:    []hooks.RequestHook{request(core.EventDispatched)},
		Completed:     []hooks.RequestHook{request(core.EventCompleted)},
		ProbeReceived: []hooks.ProbeHook{probe(core.EventProbeReceived)},
		ProbeResolved: []hooks.ProbeHook{probe(core.EventProbeResolved)},
		ResponseSent:  []hooks.ProbeHook{probe(core.EventResponseSent)},
		ProbeStale:    []hooks.ProbeHook{probe(core.EventProbeStale)},
		AckConsumed:   []hooks.ProbeHook{probe(core.EventAckConsumed)},
		Violation: []hooks.ViolationHook{func(ctx *hooks.ViolationContext) error {
			record(ctx.Event())
			return nil
		}},
	}
}
