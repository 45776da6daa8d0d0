package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/sysbus_sim/core"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "bus.toml", `
agents = 3
seed = 42
plugins = ["log", "metrics"]

[workload]
request_rate = 0.25
write_ratio = 0.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agents != 3 || cfg.Seed != 42 || len(cfg.Plugins) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Cycles != DefaultCycles || cfg.Credits != DefaultCredits || cfg.MemoryLatency != DefaultMemoryLatency {
		t.Fatalf("expected defaults, got cycles=%d credits=%d latency=%d", cfg.Cycles, cfg.Credits, cfg.MemoryLatency)
	}
	if cfg.Bank.RowShift != 13 || cfg.Bank.Banks != 4 {
		t.Fatalf("expected default bank map, got %+v", cfg.Bank)
	}
	if cfg.Workload.Kind != WorkloadRandom {
		t.Fatalf("expected random workload, got %q", cfg.Workload.Kind)
	}
}

func TestLoadYAMLSchedule(t *testing.T) {
	path := writeFile(t, "bus.yaml", `
agents: 2
bank:
  row_shift: 12
  count: 2
workload:
  schedule:
    - cycle: 0
      agent: 1
      command: ReadBlkMod
      address: 0x4000
    - cycle: 5
      agent: 0
      command: WrQWs
      address: 0x80
      data: [1, 2]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workload.Kind != WorkloadSchedule || len(cfg.Workload.Schedule) != 2 {
		t.Fatalf("expected schedule workload, got %+v", cfg.Workload)
	}
	item := cfg.Workload.Schedule[0]
	if item.Command != core.CmdReadBlkMod || item.Address != 0x4000 || item.Agent != 1 {
		t.Fatalf("unexpected schedule item %+v", item)
	}
	if cfg.Bank.RowShift != 12 || cfg.Bank.Banks != 2 {
		t.Fatalf("unexpected bank map %+v", cfg.Bank)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
agents: 0
workload:
  request_rate: 1.5
  schedule:
    - agent: 3
      command: WrQWs
`), FormatYAML)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"agents must be positive", "request_rate", "agent 3 out of range", "requires data"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("agents = 1\nrq_depth = 12\n"), FormatTOML); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
	if _, err := Parse([]byte("agents: 1\nrq_depth: 12\n"), FormatYAML); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "bus.json", `{}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestPresetsValidate(t *testing.T) {
	for _, p := range Presets() {
		cfg, err := PresetByName(p.Name)
		if err != nil {
			t.Fatalf("preset %s: %v", p.Name, err)
		}
		if cfg.Name != p.Name {
			t.Fatalf("expected name %s, got %s", p.Name, cfg.Name)
		}
	}
	if _, err := PresetByName("missing"); err == nil {
		t.Fatalf("expected unknown preset error")
	}
}
