package capabilities

import (
	"testing"

	"github.com/example/sysbus_sim/hooks"
)

func TestHookCapabilityRegistersHandlers(t *testing.T) {
	broker := hooks.NewPluginBroker()
	var stale []uint64
	bundle := hooks.HookBundle{
		ProbeStale: []hooks.ProbeHook{
			func(ctx *hooks.ProbeContext) error {
				stale = append(stale, ctx.Address)
				return nil
			},
		},
	}

	c := NewHookCapability("stale-probes", hooks.PluginCategoryInstrumentation, "counts stale probes", bundle)
	if err := c.Register(broker); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := broker.EmitProbeStale(&hooks.ProbeContext{AgentID: 1, Address: 0x40}); err != nil {
		t.Fatalf("EmitProbeStale returned error: %v", err)
	}
	if len(stale) != 1 || stale[0] != 0x40 {
		t.Fatalf("expected one stale probe at 0x40, got %v", stale)
	}
	if got := broker.ListPlugins(hooks.PluginCategoryInstrumentation); len(got) != 1 || got[0].Name != "stale-probes" {
		t.Fatalf("expected stale-probes descriptor, got %+v", got)
	}
	if err := c.Register(nil); err == nil {
		t.Fatalf("expected nil broker to be rejected")
	}
}
