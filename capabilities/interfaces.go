package capabilities

import "github.com/example/sysbus_sim/hooks"

// Capability represents a self-contained behaviour that can attach hooks to the broker.
type Capability interface {
	Descriptor() hooks.PluginDescriptor
	Register(broker *hooks.PluginBroker) error
}
