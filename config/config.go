// Package config loads emulation setups from TOML or YAML files.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/queue"
)

const (
	DefaultCycles        = 1000
	DefaultCredits       = 4
	DefaultMemoryLatency = 8
	DefaultCacheLines    = 64
	DefaultInboundDepth  = 4
	DefaultServerAddr    = ":8080"
	DefaultAddressSpan   = 1 << 16
)

// Workload kinds.
const (
	WorkloadRandom   = "random"
	WorkloadSchedule = "schedule"
)

// Format selects the decoder for Parse.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config describes one emulated system: agents, controller and workload.
type Config struct {
	Name          string         `toml:"name" yaml:"name" json:"name"`
	Agents        int            `toml:"agents" yaml:"agents" json:"agents"`
	Cycles        int            `toml:"cycles" yaml:"cycles" json:"cycles"`
	Seed          int64          `toml:"seed" yaml:"seed" json:"seed"`
	Bank          queue.BankMap  `toml:"bank" yaml:"bank" json:"bank"`
	Credits       int            `toml:"credits" yaml:"credits" json:"credits"`
	MemoryLatency int            `toml:"memory_latency" yaml:"memory_latency" json:"memoryLatency"`
	CacheLines    int            `toml:"cache_lines" yaml:"cache_lines" json:"cacheLines"`
	InboundDepth  int            `toml:"inbound_depth" yaml:"inbound_depth" json:"inboundDepth"`
	Workload      WorkloadConfig `toml:"workload" yaml:"workload" json:"workload"`
	Plugins       []string       `toml:"plugins" yaml:"plugins" json:"plugins"`
	Server        ServerConfig   `toml:"server" yaml:"server" json:"server"`
}

// WorkloadConfig drives the request generators.
type WorkloadConfig struct {
	Kind string `toml:"kind" yaml:"kind" json:"kind"`
	// RequestRate is the per-agent, per-cycle probability of issuing an access.
	RequestRate   float64        `toml:"request_rate" yaml:"request_rate" json:"requestRate"`
	AddressBase   uint64         `toml:"address_base" yaml:"address_base" json:"addressBase"`
	AddressSpan   uint64         `toml:"address_span" yaml:"address_span" json:"addressSpan"`
	WriteRatio    float64        `toml:"write_ratio" yaml:"write_ratio" json:"writeRatio"`
	UncachedRatio float64        `toml:"uncached_ratio" yaml:"uncached_ratio" json:"uncachedRatio"`
	Schedule      []ScheduleItem `toml:"schedule" yaml:"schedule" json:"schedule"`
}

// ScheduleItem is one scripted request.
type ScheduleItem struct {
	Cycle   int                `toml:"cycle" yaml:"cycle" json:"cycle"`
	Agent   int                `toml:"agent" yaml:"agent" json:"agent"`
	Command core.SystemCommand `toml:"command" yaml:"command" json:"command"`
	Address uint64             `toml:"address" yaml:"address" json:"address"`
	Data    []uint64           `toml:"data" yaml:"data" json:"data,omitempty"`
}

// ServerConfig configures the inspection server.
type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr" json:"addr"`
}

// Load reads path, choosing the decoder by extension, and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		format = FormatTOML
	case ".yaml", ".yml":
		format = FormatYAML
	default:
		return nil, fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
	return Parse(data, format)
}

// Parse decodes data in format into a validated Config. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown keys %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	default:
		return nil, fmt.Errorf("config: unknown format %q", format)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a two-agent random workload.
func Default() *Config {
	cfg := &Config{Name: "default", Agents: 2, Workload: WorkloadConfig{RequestRate: 0.3, WriteRatio: 0.3}}
	cfg.applyDefaults()
	return cfg
}

// Validate re-checks a config assembled in code.
func (c *Config) Validate() error {
	c.applyDefaults()
	return c.validate()
}

// applyDefaults fills in unset values.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "sysbus"
	}
	if c.Cycles == 0 {
		c.Cycles = DefaultCycles
	}
	if c.Bank.RowShift == 0 && c.Bank.Banks == 0 {
		c.Bank = queue.DefaultBankMap()
	}
	if c.Credits == 0 {
		c.Credits = DefaultCredits
	}
	if c.MemoryLatency == 0 {
		c.MemoryLatency = DefaultMemoryLatency
	}
	if c.CacheLines == 0 {
		c.CacheLines = DefaultCacheLines
	}
	if c.InboundDepth == 0 {
		c.InboundDepth = DefaultInboundDepth
	}
	if c.Workload.Kind == "" {
		if len(c.Workload.Schedule) > 0 {
			c.Workload.Kind = WorkloadSchedule
		} else {
			c.Workload.Kind = WorkloadRandom
		}
	}
	if c.Workload.AddressSpan == 0 {
		c.Workload.AddressSpan = DefaultAddressSpan
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Agents <= 0 {
		errs = append(errs, fmt.Sprintf("agents must be positive, got %d", c.Agents))
	}
	if c.Agents >= int(core.NoCorrelation) {
		errs = append(errs, fmt.Sprintf("agents must be below %d, got %d", core.NoCorrelation, c.Agents))
	}
	if c.Cycles < 0 {
		errs = append(errs, fmt.Sprintf("cycles must be non-negative, got %d", c.Cycles))
	}
	if c.Bank.Banks <= 0 {
		errs = append(errs, "bank.count must be positive")
	}
	if c.Bank.RowShift < 6 || c.Bank.RowShift > 30 {
		errs = append(errs, fmt.Sprintf("bank.row_shift must be within [6,30], got %d", c.Bank.RowShift))
	}
	if c.Credits < 0 {
		errs = append(errs, "credits must be non-negative")
	}
	if c.MemoryLatency < 0 {
		errs = append(errs, "memory_latency must be non-negative")
	}
	if c.CacheLines < 0 {
		errs = append(errs, "cache_lines must be non-negative")
	}
	if c.InboundDepth < 0 {
		errs = append(errs, "inbound_depth must be non-negative")
	}
	errs = append(errs, c.Workload.validate(c.Agents)...)
	for i, name := range c.Plugins {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Sprintf("plugins[%d] is empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w *WorkloadConfig) validate(agents int) []string {
	var errs []string
	switch w.Kind {
	case WorkloadRandom, WorkloadSchedule:
	default:
		errs = append(errs, fmt.Sprintf("workload.kind must be %q or %q, got %q", WorkloadRandom, WorkloadSchedule, w.Kind))
	}
	ratios := []struct {
		name  string
		value float64
	}{
		{"request_rate", w.RequestRate},
		{"write_ratio", w.WriteRatio},
		{"uncached_ratio", w.UncachedRatio},
	}
	for _, r := range ratios {
		if r.value < 0 || r.value > 1 {
			errs = append(errs, fmt.Sprintf("workload.%s must be within [0,1], got %.3f", r.name, r.value))
		}
	}
	if w.AddressSpan < core.LineSize {
		errs = append(errs, fmt.Sprintf("workload.address_span must be at least %d", core.LineSize))
	}
	for i, item := range w.Schedule {
		if item.Cycle < 0 {
			errs = append(errs, fmt.Sprintf("workload.schedule[%d].cycle must be non-negative", i))
		}
		if item.Agent < 0 || item.Agent >= agents {
			errs = append(errs, fmt.Sprintf("workload.schedule[%d].agent %d out of range", i, item.Agent))
		}
		switch {
		case item.Command == core.CmdNOP || item.Command == core.CmdNZNOP || item.Command == core.CmdProbeResponse:
			errs = append(errs, fmt.Sprintf("workload.schedule[%d].command %s is not a memory request", i, item.Command))
		case item.Command.CarriesData() && len(item.Data) == 0:
			errs = append(errs, fmt.Sprintf("workload.schedule[%d].command %s requires data", i, item.Command))
		}
		if len(item.Data) > core.LineQuadwords {
			errs = append(errs, fmt.Sprintf("workload.schedule[%d].data exceeds %d quadwords", i, core.LineQuadwords))
		}
	}
	return errs
}
