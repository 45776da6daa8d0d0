package config

import (
	"fmt"

	"github.com/example/sysbus_sim/core"
)

// Preset is a named, ready-to-run setup.
type Preset struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Config      *Config `json:"-" yaml:"-"`
}

// Presets returns the built-in setups.
func Presets() []Preset {
	return []Preset{
		{
			Name:        "dual_random",
			Description: "Two agents, random cached and uncached traffic over 64 KiB",
			Config: &Config{
				Agents: 2,
				Cycles: 2000,
				Seed:   1,
				Workload: WorkloadConfig{
					Kind:          WorkloadRandom,
					RequestRate:   0.3,
					AddressSpan:   1 << 16,
					WriteRatio:    0.3,
					UncachedRatio: 0.05,
				},
			},
		},
		{
			Name:        "shared_line_probe",
			Description: "Agent 0 takes a line dirty, agent 1 reads it and forces a ReadDirty probe",
			Config: &Config{
				Agents: 2,
				Cycles: 200,
				Workload: WorkloadConfig{
					Kind: WorkloadSchedule,
					Schedule: []ScheduleItem{
						{Cycle: 0, Agent: 0, Command: core.CmdReadBlkMod, Address: 0x4000},
						{Cycle: 40, Agent: 1, Command: core.CmdReadBlk, Address: 0x4008},
					},
				},
			},
		},
		{
			Name:        "page_chain",
			Description: "One agent streaming quadword reads inside one DRAM row",
			Config: &Config{
				Agents: 1,
				Cycles: 200,
				Workload: WorkloadConfig{
					Kind: WorkloadSchedule,
					Schedule: []ScheduleItem{
						{Cycle: 0, Agent: 0, Command: core.CmdReadQWs, Address: 0x1000},
						{Cycle: 0, Agent: 0, Command: core.CmdReadQWs, Address: 0x1008},
						{Cycle: 0, Agent: 0, Command: core.CmdReadQWs, Address: 0x9000},
						{Cycle: 0, Agent: 0, Command: core.CmdReadQWs, Address: 0x1010},
					},
				},
			},
		},
		{
			Name:        "quad_contention",
			Description: "Four agents writing into a small shared span",
			Config: &Config{
				Agents:  4,
				Cycles:  4000,
				Seed:    7,
				Credits: 2,
				Workload: WorkloadConfig{
					Kind:        WorkloadRandom,
					RequestRate: 0.5,
					AddressSpan: 1 << 10,
					WriteRatio:  0.6,
				},
			},
		},
	}
}

// PresetByName returns a validated copy of a built-in setup.
func PresetByName(name string) (*Config, error) {
	for _, p := range Presets() {
		if p.Name != name {
			continue
		}
		cfg := *p.Config
		cfg.Name = p.Name
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return nil, fmt.Errorf("config: unknown preset %q", name)
}
