package capabilities

import (
	"fmt"

	"github.com/example/sysbus_sim/hooks"
)

// bundleCapability attaches a fixed set of lifecycle hooks under one descriptor.
type bundleCapability struct {
	desc   hooks.PluginDescriptor
	bundle hooks.HookBundle
}

// NewHookCapability wraps bundle as a capability named name.
func NewHookCapability(name string, category hooks.PluginCategory, description string, bundle hooks.HookBundle) Capability {
	return &bundleCapability{
		desc:   hooks.PluginDescriptor{Name: name, Category: category, Description: description},
		bundle: bundle,
	}
}

func (c *bundleCapability) Descriptor() hooks.PluginDescriptor {
	return c.desc
}

// Register installs the hooks. Unlike cache and state machine capabilities a hook
// bundle does nothing without a broker, so a nil broker is an error.
func (c *bundleCapability) Register(broker *hooks.PluginBroker) error {
	if broker == nil {
		return fmt.Errorf("hook capability %s: plugin broker is nil", c.desc.Name)
	}
	broker.RegisterBundle(c.desc, c.bundle)
	return nil
}
