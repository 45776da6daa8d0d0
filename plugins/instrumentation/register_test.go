package instrumentation

import (
	"errors"
	"testing"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/observability/testlog"
)

func TestRegisterAndLoad(t *testing.T) {
	logger := testlog.Start(t)
	broker := hooks.NewPluginBroker()
	reg := hooks.NewRegistry(broker)
	trace := NewTraceRecorder(8)

	if err := Register(reg, Options{Logger: logger, Trace: trace}); err != nil {
		t.Fatalf("register returned error: %v", err)
	}
	if err := reg.Load([]string{PluginLog, PluginMetrics, PluginTrace}, []int{0}); err != nil {
		t.Fatalf("load returned error: %v", err)
	}

	if err := broker.EmitSubmitted(&hooks.RequestContext{AgentID: 0, Slot: 2, Address: 0x40, Command: core.CmdReadBlk}); err != nil {
		t.Fatalf("emit submitted: %v", err)
	}
	if err := broker.EmitProbeResolved(&hooks.ProbeContext{AgentID: 0, Slot: 1, Outcome: "Miss1"}); err != nil {
		t.Fatalf("emit resolved: %v", err)
	}
	if err := broker.EmitViolation(&hooks.ViolationContext{AgentID: 0, Err: errors.New("bad id")}); err != nil {
		t.Fatalf("emit violation: %v", err)
	}

	events := trace.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 traced events, got %d", len(events))
	}
	if events[0].Type != core.EventSubmitted || events[0].Command != "ReadBlk" {
		t.Fatalf("expected submitted ReadBlk first, got %+v", events[0])
	}
	if events[2].Type != core.EventViolation || events[2].Detail != "bad id" {
		t.Fatalf("expected violation last, got %+v", events[2])
	}
	if len(broker.ListPlugins(hooks.PluginCategoryInstrumentation)) != 3 {
		t.Fatalf("expected three instrumentation plugins listed")
	}
}

func TestTraceRecorderKeepsNewest(t *testing.T) {
	r := NewTraceRecorder(2)
	for i := 0; i < 3; i++ {
		r.Record(core.TraceEvent{Cycle: i})
	}
	events := r.Events()
	if len(events) != 2 || events[0].Cycle != 1 || events[1].Cycle != 2 {
		t.Fatalf("expected cycles 1 and 2, got %+v", events)
	}
	if r.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", r.Dropped())
	}
}

func TestLoadUnknownPlugin(t *testing.T) {
	reg := hooks.NewRegistry(nil)
	if err := Register(reg, Options{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Load([]string{PluginTrace}, nil); err == nil {
		t.Fatalf("expected trace plugin unavailable without a recorder")
	}
}
