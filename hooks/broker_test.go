package hooks

import (
	"errors"
	"testing"

	"github.com/example/sysbus_sim/core"
)

func TestRequestHooksRunInOrder(t *testing.T) {
	b := NewPluginBroker()
	order := make([]string, 0, 3)

	b.RegisterSubmitted(func(ctx *RequestContext) error {
		order = append(order, "submit")
		return nil
	})
	b.RegisterDispatched(func(ctx *RequestContext) error {
		order = append(order, "dispatch")
		return nil
	})
	b.RegisterCompleted(func(ctx *RequestContext) error {
		order = append(order, "complete")
		if ctx.Latency != 12 {
			t.Fatalf("expected latency 12, got %d", ctx.Latency)
		}
		return nil
	})

	ctx := &RequestContext{AgentID: 1, Slot: 2, Address: 0x40, Command: core.CmdReadBlk}
	if err := b.EmitSubmitted(ctx); err != nil {
		t.Fatalf("EmitSubmitted error: %v", err)
	}
	if err := b.EmitDispatched(ctx); err != nil {
		t.Fatalf("EmitDispatched error: %v", err)
	}
	ctx.Latency = 12
	if err := b.EmitCompleted(ctx); err != nil {
		t.Fatalf("EmitCompleted error: %v", err)
	}

	if len(order) != 3 || order[0] != "submit" || order[2] != "complete" {
		t.Fatalf("unexpected hook order: %v", order)
	}
}

func TestHookErrorStopsProcessing(t *testing.T) {
	b := NewPluginBroker()
	calls := 0

	b.RegisterProbeResolved(func(ctx *ProbeContext) error {
		calls++
		return errors.New("hook fail")
	})
	b.RegisterProbeResolved(func(ctx *ProbeContext) error {
		calls++
		return nil
	})

	if err := b.EmitProbeResolved(&ProbeContext{}); err == nil {
		t.Fatalf("expected error from probe hook")
	}
	if calls != 1 {
		t.Fatalf("expected only first hook to run, calls=%d", calls)
	}
}

func TestBundleRegistersEveryStage(t *testing.T) {
	b := NewPluginBroker()
	hits := 0
	probe := func(*ProbeContext) error { hits++; return nil }
	b.RegisterBundle(PluginDescriptor{Name: "all", Category: PluginCategoryInstrumentation}, HookBundle{
		ProbeReceived: []ProbeHook{probe},
		ResponseSent:  []ProbeHook{probe},
		ProbeStale:    []ProbeHook{probe},
		AckConsumed:   []ProbeHook{probe},
		Violation: []ViolationHook{func(ctx *ViolationContext) error {
			hits++
			return nil
		}},
	})

	ctx := &ProbeContext{}
	_ = b.EmitProbeReceived(ctx)
	_ = b.EmitResponseSent(ctx)
	_ = b.EmitProbeStale(ctx)
	_ = b.EmitAckConsumed(ctx)
	_ = b.EmitViolation(&ViolationContext{Err: errors.New("boom")})
	if hits != 5 {
		t.Fatalf("expected 5 hook calls, got %d", hits)
	}
	if got := b.ListPlugins(PluginCategoryInstrumentation); len(got) != 1 {
		t.Fatalf("expected 1 instrumentation plugin, got %d", len(got))
	}
}

func TestContextEvents(t *testing.T) {
	req := &RequestContext{AgentID: 3, Cycle: 9, Slot: 1, Sequence: 4, Address: 0x80, Command: core.CmdWrQWs}
	ev := req.Event(core.EventDispatched)
	if ev.Type != core.EventDispatched || ev.Command != "WrQWs" || ev.RequestSeq != 4 {
		t.Fatalf("unexpected request event %+v", ev)
	}

	probe := &ProbeContext{AgentID: 3, Outcome: "CacheHit", AgainstPending: true}
	if ev := probe.Event(core.EventProbeResolved); ev.Detail != "CacheHit (pending request)" {
		t.Fatalf("unexpected probe detail %q", ev.Detail)
	}

	v := &ViolationContext{AgentID: 3, Err: errors.New("bad id")}
	if ev := v.Event(); ev.Type != core.EventViolation || ev.Detail != "bad id" {
		t.Fatalf("unexpected violation event %+v", ev)
	}
}

func TestNilBrokerIsNoop(t *testing.T) {
	var b *PluginBroker
	b.RegisterSubmitted(func(*RequestContext) error { return nil })
	if err := b.EmitSubmitted(&RequestContext{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
