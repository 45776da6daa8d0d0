package hooks

import (
	"errors"
	"testing"
)

func TestRegistryLoadGlobalAndAgent(t *testing.T) {
	broker := NewPluginBroker()
	reg := NewRegistry(broker)

	globalDesc := PluginDescriptor{
		Name:     "metrics",
		Category: PluginCategoryInstrumentation,
	}

	if err := reg.RegisterGlobal("metrics", globalDesc, func(b *PluginBroker) error {
		b.RegisterBundle(globalDesc, HookBundle{
			Dispatched: []RequestHook{
				func(ctx *RequestContext) error { return nil },
			},
		})
		return nil
	}); err != nil {
		t.Fatalf("RegisterGlobal failed: %v", err)
	}

	agentDesc := PluginDescriptor{
		Name:     "log",
		Category: PluginCategoryCapability,
	}
	var seen []int
	if err := reg.RegisterAgent("log", agentDesc, func(agentID int, b *PluginBroker) error {
		seen = append(seen, agentID)
		return nil
	}); err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}

	if err := reg.Load([]string{"metrics", "log"}, []int{0, 1, 2}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(seen) != 3 || seen[2] != 2 {
		t.Fatalf("expected agent factory for ids 0..2, got %v", seen)
	}

	descs := broker.ListAllPlugins()
	if len(descs) != 2 {
		t.Fatalf("expected 2 plugin descriptors, got %d", len(descs))
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != "metrics" || names[1] != "log" {
		t.Fatalf("expected [metrics log], got %v", names)
	}
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	reg := NewRegistry(NewPluginBroker())

	desc := PluginDescriptor{Name: "dup", Category: PluginCategoryInstrumentation}
	if err := reg.RegisterGlobal("dup", desc, func(b *PluginBroker) error { return nil }); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	err := reg.RegisterGlobal("dup", desc, func(b *PluginBroker) error { return nil })
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("expected ErrDuplicatePlugin, got %v", err)
	}
	err = reg.RegisterAgent("dup", desc, func(agentID int, b *PluginBroker) error { return nil })
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("expected a name to be unique across scopes, got %v", err)
	}
	if err := reg.RegisterGlobal("nil", desc, nil); err == nil {
		t.Fatalf("expected nil factory to be rejected")
	}
}

func TestRegistryUnknownPlugin(t *testing.T) {
	reg := NewRegistry(NewPluginBroker())

	if err := reg.LoadGlobal([]string{"missing"}); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected ErrPluginNotFound for global load, got %v", err)
	}
	if err := reg.LoadForAgent(1, []string{"missing"}); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected ErrPluginNotFound for agent load, got %v", err)
	}
	if err := reg.Load([]string{"missing"}, []int{0}); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("expected ErrPluginNotFound, got %v", err)
	}
	if _, ok := reg.Descriptor("missing"); ok {
		t.Fatalf("expected no descriptor for a missing plugin")
	}
}

func TestRegistryLoadForAgentRejectsGlobal(t *testing.T) {
	reg := NewRegistry(nil)
	calls := 0
	desc := PluginDescriptor{Name: "metrics", Category: PluginCategoryInstrumentation}
	if err := reg.RegisterGlobal("metrics", desc, func(b *PluginBroker) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("RegisterGlobal failed: %v", err)
	}
	if err := reg.LoadForAgent(0, []string{"metrics"}); err == nil {
		t.Fatalf("expected a global plugin to be rejected for a single agent")
	}
	if calls != 0 {
		t.Fatalf("expected the factory not to run, ran %d times", calls)
	}

	var nilReg *Registry
	if err := nilReg.Load([]string{"metrics"}, nil); !errors.Is(err, ErrNilRegistry) {
		t.Fatalf("expected ErrNilRegistry, got %v", err)
	}
}
