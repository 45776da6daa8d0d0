// Package instrumentation provides the log, metrics and trace hook plugins.
package instrumentation

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/observability"
)

// Plugin names accepted in the plugins list of a config.
const (
	PluginLog     = "log"
	PluginMetrics = "metrics"
	PluginTrace   = "trace"
)

// Options configure instrumentation plugin registration.
type Options struct {
	Logger zerolog.Logger
	// Trace receives events when the trace plugin is loaded. Nil disables the plugin.
	Trace *TraceRecorder
}

// Register makes the instrumentation plugins available for loading.
func Register(reg *hooks.Registry, opts Options) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	plugins := []struct {
		name    string
		desc    string
		factory hooks.GlobalPluginFactory
	}{
		{PluginLog, "lifecycle events as structured log lines", logFactory(opts.Logger)},
		{PluginMetrics, "prometheus request, probe and violation metrics", metricsFactory},
	}
	if opts.Trace != nil {
		plugins = append(plugins, struct {
			name    string
			desc    string
			factory hooks.GlobalPluginFactory
		}{PluginTrace, "bounded in-memory event trace", opts.Trace.install})
	}
	for _, p := range plugins {
		desc := hooks.PluginDescriptor{
			Name:        p.name,
			Category:    hooks.PluginCategoryInstrumentation,
			Description: p.desc,
		}
		if err := reg.RegisterGlobal(p.name, desc, p.factory); err != nil {
			return err
		}
	}
	return nil
}

func logFactory(logger zerolog.Logger) hooks.GlobalPluginFactory {
	return func(b *hooks.PluginBroker) error {
		if b == nil {
			return fmt.Errorf("plugin broker is nil")
		}
		request := func(kind core.EventType) hooks.RequestHook {
			return func(ctx *hooks.RequestContext) error {
				logEvent(logger.Debug(), ctx.Event(kind))
				return nil
			}
		}
		probe := func(kind core.EventType) hooks.ProbeHook {
			return func(ctx *hooks.ProbeContext) error {
				logEvent(logger.Debug(), ctx.Event(kind))
				return nil
			}
		}
		b.RegisterBundle(hooks.PluginDescriptor{Name: PluginLog, Category: hooks.PluginCategoryInstrumentation}, hooks.HookBundle{
			Submitted:     []hooks.RequestHook{request(core.EventSubmitted)},
			Dispatched:    []hooks.RequestHook{request(core.EventDispatched)},
			Completed:     []hooks.RequestHook{request(core.EventCompleted)},
			ProbeReceived: []hooks.ProbeHook{probe(core.EventProbeReceived)},
			ProbeResolved: []hooks.ProbeHook{probe(core.EventProbeResolved)},
			ResponseSent:  []hooks.ProbeHook{probe(core.EventResponseSent)},
			ProbeStale:    []hooks.ProbeHook{probe(core.EventProbeStale)},
			AckConsumed:   []hooks.ProbeHook{probe(core.EventAckConsumed)},
			Violation: []hooks.ViolationHook{func(ctx *hooks.ViolationContext) error {
				logEvent(logger.Warn(), ctx.Event())
				return nil
			}},
		})
		return nil
	}
}

func logEvent(e *zerolog.Event, ev core.TraceEvent) {
	e.Int("agent", ev.AgentID).
		Int("cycle", ev.Cycle).
		Int("slot", ev.Slot).
		Str("command", ev.Command).
		Str("detail", ev.Detail).
		Int("latency", ev.Latency).
		Msgf("%s 0x%x", ev.Type, ev.Address)
}

func metricsFactory(b *hooks.PluginBroker) error {
	if b == nil {
		return fmt.Errorf("plugin broker is nil")
	}
	observability.RegisterMetrics()
	stage := func(name string) hooks.RequestHook {
		return func(ctx *hooks.RequestContext) error {
			observability.RecordRequest(ctx.AgentID, name)
			return nil
		}
	}
	b.RegisterBundle(hooks.PluginDescriptor{Name: PluginMetrics, Category: hooks.PluginCategoryInstrumentation}, hooks.HookBundle{
		Submitted:  []hooks.RequestHook{stage("submitted")},
		Dispatched: []hooks.RequestHook{stage("dispatched")},
		Completed: []hooks.RequestHook{
			stage("completed"),
			func(ctx *hooks.RequestContext) error {
				observability.RecordLatency(ctx.AgentID, ctx.Latency)
				return nil
			},
		},
		ProbeResolved: []hooks.ProbeHook{func(ctx *hooks.ProbeContext) error {
			observability.RecordProbe(ctx.AgentID, ctx.Outcome)
			return nil
		}},
		ProbeStale: []hooks.ProbeHook{func(ctx *hooks.ProbeContext) error {
			observability.RecordProbe(ctx.AgentID, "Stale")
			return nil
		}},
		Violation: []hooks.ViolationHook{func(ctx *hooks.ViolationContext) error {
			observability.RecordViolation(ctx.AgentID)
			return nil
		}},
	})
	return nil
}
