// Package visualization registers live event streams as hook plugins.
package visualization

import (
	"fmt"

	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/plugins/instrumentation"
	"github.com/example/sysbus_sim/visual"
)

// Options configure visualization plugin registration.
type Options struct {
	Sinks map[string]visual.EventSink
}

// Register registers one stream plugin per sink. Loading it forwards every lifecycle
// event to the sink.
func Register(reg *hooks.Registry, opts Options) ([]string, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	names := make([]string, 0, len(opts.Sinks))
	for mode, sink := range opts.Sinks {
		if sink == nil {
			continue
		}
		name := PluginName(mode)
		desc := hooks.PluginDescriptor{
			Name:        name,
			Category:    hooks.PluginCategoryVisualization,
			Description: fmt.Sprintf("%s event stream", mode),
		}
		sinkCopy := sink
		if err := reg.RegisterGlobal(name, desc, func(b *hooks.PluginBroker) error {
			if b == nil {
				return fmt.Errorf("plugin broker is nil")
			}
			b.RegisterBundle(desc, instrumentation.Bundle(sinkCopy.PublishEvent))
			return nil
		}); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// PluginName returns the registry name of the stream for mode.
func PluginName(mode string) string {
	return "stream/" + mode
}
