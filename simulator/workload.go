package simulator

import (
	"fmt"
	"math/rand"

	"github.com/example/sysbus_sim/config"
	"github.com/example/sysbus_sim/core"
)

// OpKind is the kind of access the execution side asks for.
type OpKind uint8

const (
	// OpLoad reads a cached line.
	OpLoad OpKind = iota
	// OpStore writes one quadword into a cached line.
	OpStore
	// OpReadUncached reads one quadword around the cache.
	OpReadUncached
	// OpWriteUncached writes one quadword around the cache.
	OpWriteUncached
	// OpCommand issues a bus command as scripted.
	OpCommand
)

func (k OpKind) String() string {
	switch k {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpReadUncached:
		return "read_uncached"
	case OpWriteUncached:
		return "write_uncached"
	case OpCommand:
		return "command"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op is one access by a processor.
type Op struct {
	Kind    OpKind
	Address uint64
	Data    []uint64
	Command core.SystemCommand

	// upgradeFailed forces a store to fetch the line after ChangeToDirtyFail.
	upgradeFailed bool
	// victim marks a write-back of a displaced line; the command is chosen at issue.
	victim bool
}

// Workload decides which accesses each processor issues per cycle.
type Workload interface {
	// Next returns the ops agent issues at cycle. It is called once per agent per
	// cycle, in agent order.
	Next(cycle, agent int) []Op
	// Reset rewinds the workload to its initial state.
	Reset()
}

// NewWorkload builds the workload cfg describes.
func NewWorkload(cfg config.WorkloadConfig, seed int64) (Workload, error) {
	switch cfg.Kind {
	case config.WorkloadRandom, "":
		return NewRandomWorkload(cfg, seed), nil
	case config.WorkloadSchedule:
		return NewScheduleWorkload(cfg.Schedule), nil
	default:
		return nil, fmt.Errorf("simulator: unknown workload %q", cfg.Kind)
	}
}

// RandomWorkload issues a seeded mix of loads, stores and uncached accesses.
type RandomWorkload struct {
	cfg  config.WorkloadConfig
	seed int64
	rng  *rand.Rand
}

// NewRandomWorkload creates a random workload. Equal seeds give equal streams.
func NewRandomWorkload(cfg config.WorkloadConfig, seed int64) *RandomWorkload {
	if cfg.AddressSpan < core.QuadwordSize {
		cfg.AddressSpan = config.DefaultAddressSpan
	}
	return &RandomWorkload{cfg: cfg, seed: seed, rng: rand.New(rand.NewSource(seed))}
}

func (w *RandomWorkload) Next(cycle, agent int) []Op {
	if w.rng.Float64() >= w.cfg.RequestRate {
		return nil
	}
	quads := int64(w.cfg.AddressSpan / core.QuadwordSize)
	addr := w.cfg.AddressBase&^(core.QuadwordSize-1) + uint64(w.rng.Int63n(quads))*core.QuadwordSize
	write := w.rng.Float64() < w.cfg.WriteRatio
	value := uint64(cycle)<<8 | uint64(agent)

	if w.rng.Float64() < w.cfg.UncachedRatio {
		if write {
			return []Op{{Kind: OpWriteUncached, Address: addr, Data: []uint64{value}}}
		}
		return []Op{{Kind: OpReadUncached, Address: addr}}
	}
	if write {
		return []Op{{Kind: OpStore, Address: addr, Data: []uint64{value}}}
	}
	return []Op{{Kind: OpLoad, Address: addr}}
}

func (w *RandomWorkload) Reset() {
	w.rng = rand.New(rand.NewSource(w.seed))
}

// ScheduleWorkload replays scripted commands: cycle -> agent -> items.
type ScheduleWorkload struct {
	schedule map[int]map[int][]config.ScheduleItem
	original []config.ScheduleItem
}

// NewScheduleWorkload indexes items by cycle and agent, keeping their order.
func NewScheduleWorkload(items []config.ScheduleItem) *ScheduleWorkload {
	w := &ScheduleWorkload{original: append([]config.ScheduleItem(nil), items...)}
	w.Reset()
	return w
}

func (w *ScheduleWorkload) Next(cycle, agent int) []Op {
	byAgent, ok := w.schedule[cycle]
	if !ok {
		return nil
	}
	items := byAgent[agent]
	if len(items) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(items))
	for _, item := range items {
		ops = append(ops, Op{
			Kind:    OpCommand,
			Address: item.Address,
			Data:    core.CloneData(item.Data),
			Command: item.Command,
		})
	}
	delete(byAgent, agent)
	if len(byAgent) == 0 {
		delete(w.schedule, cycle)
	}
	return ops
}

func (w *ScheduleWorkload) Reset() {
	w.schedule = make(map[int]map[int][]config.ScheduleItem)
	for _, item := range w.original {
		if w.schedule[item.Cycle] == nil {
			w.schedule[item.Cycle] = make(map[int][]config.ScheduleItem)
		}
		w.schedule[item.Cycle][item.Agent] = append(w.schedule[item.Cycle][item.Agent], item)
	}
}

// Remaining returns the number of items not yet issued.
func (w *ScheduleWorkload) Remaining() int {
	n := 0
	for _, byAgent := range w.schedule {
		for _, items := range byAgent {
			n += len(items)
		}
	}
	return n
}
