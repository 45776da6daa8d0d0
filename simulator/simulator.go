// Package simulator runs bus agents, their processors and the system controller in
// lockstep cycles.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sysbus_sim/codec"
	"github.com/example/sysbus_sim/config"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/hooks"
	"github.com/example/sysbus_sim/observability"
	"github.com/example/sysbus_sim/plugins/instrumentation"
	"github.com/example/sysbus_sim/plugins/visualization"
	"github.com/example/sysbus_sim/protocol"
	"github.com/example/sysbus_sim/protocols/mesi"
	"github.com/example/sysbus_sim/system"
	"github.com/example/sysbus_sim/visual"
)

// ErrCoherence reports two caches holding a line in incompatible states.
var ErrCoherence = errors.New("simulator: coherence violation")

// Options wire a Simulator to its surroundings. All fields are optional.
type Options struct {
	Logger   *zerolog.Logger
	Controls visual.Controls
	// Sinks receive every lifecycle event, keyed by stream mode.
	Sinks map[string]visual.EventSink
	// Trace backs the trace plugin when it is listed in the config.
	Trace *instrumentation.TraceRecorder
	// Workload replaces the one built from the config.
	Workload    Workload
	StartPaused bool
}

// Simulator owns one emulated system.
type Simulator struct {
	cfg *config.Config
	log zerolog.Logger

	registry   *hooks.Registry
	controller *system.Controller
	agents     []*protocol.Agent
	caches     []*victimCache
	procs      []*processor
	workload   Workload
	controls   *controlLoop
	trace      *instrumentation.TraceRecorder

	mu       sync.Mutex
	cycle    atomic.Int64
	draining bool
	halted   error
}

// New builds a simulator for cfg.
func New(cfg *config.Config, opts Options) (*Simulator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{cfg: cfg, trace: opts.Trace}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("system", cfg.Name).Logger()
	} else {
		s.log = log.Logger.With().Str("system", cfg.Name).Logger()
	}
	s.controls = newControlLoop(opts.Controls, opts.StartPaused)

	broker := hooks.NewPluginBroker()
	s.registry = hooks.NewRegistry(broker)
	if err := instrumentation.Register(s.registry, instrumentation.Options{Logger: s.log, Trace: opts.Trace}); err != nil {
		return nil, err
	}
	streams, err := visualization.Register(s.registry, visualization.Options{Sinks: opts.Sinks})
	if err != nil {
		return nil, err
	}
	sort.Strings(streams)

	controller, err := system.NewController(system.Options{
		Agents:        cfg.Agents,
		Bank:          cfg.Bank,
		MemoryLatency: cfg.MemoryLatency,
		InboundDepth:  cfg.InboundDepth,
		Logger:        &s.log,
	})
	if err != nil {
		return nil, err
	}
	s.controller = controller
	transport := protocol.NewWireTransport(controller)

	ids := make([]int, cfg.Agents)
	for i := 0; i < cfg.Agents; i++ {
		ids[i] = i
		name := fmt.Sprintf("agent%d-cache", i)
		audit, err := mesi.NewAudit(name, s.log)
		if err != nil {
			return nil, err
		}
		cache := newVictimCache(name, cfg.CacheLines, audit)
		agent, err := protocol.NewAgent(protocol.Options{
			ID:        i,
			Bank:      cfg.Bank,
			Credits:   cfg.Credits,
			Cache:     cache,
			Transport: transport,
			Broker:    broker,
			Logger:    &s.log,
			Clock:     s.Cycle,
			QueueObserver: func(agentID int, queueName string, length, _ int) {
				observability.SetQueueDepth(agentID, queueName, length)
			},
		})
		if err != nil {
			return nil, err
		}
		if err := cache.Register(broker); err != nil {
			return nil, err
		}
		if err := audit.Capability().Register(broker); err != nil {
			return nil, err
		}
		s.agents = append(s.agents, agent)
		s.caches = append(s.caches, cache)
		s.procs = append(s.procs, newProcessor(agent, cache, s.log))
	}
	if err := s.registry.Load(append(append([]string{}, cfg.Plugins...), streams...), ids); err != nil {
		return nil, err
	}

	s.workload = opts.Workload
	if s.workload == nil {
		if s.workload, err = NewWorkload(cfg.Workload, cfg.Seed); err != nil {
			return nil, err
		}
	}
	s.log.Info().
		Int("agents", cfg.Agents).
		Int("credits", cfg.Credits).
		Int("memory_latency", cfg.MemoryLatency).
		Str("workload", cfg.Workload.Kind).
		Strs("plugins", cfg.Plugins).
		Msg("system assembled")
	return s, nil
}

// Config returns the validated configuration.
func (s *Simulator) Config() *config.Config {
	return s.cfg
}

// Cycle returns the number of cycles run.
func (s *Simulator) Cycle() int {
	return int(s.cycle.Load())
}

// Agents returns the number of agents.
func (s *Simulator) Agents() int {
	return len(s.agents)
}

// Agent returns agent id.
func (s *Simulator) Agent(id int) (*protocol.Agent, bool) {
	if id < 0 || id >= len(s.agents) {
		return nil, false
	}
	return s.agents[id], true
}

// Controller returns the system controller.
func (s *Simulator) Controller() *system.Controller {
	return s.controller
}

// Trace returns the trace recorder, or nil when none was given.
func (s *Simulator) Trace() *instrumentation.TraceRecorder {
	return s.trace
}

// Plugins lists the loaded plugins.
func (s *Simulator) Plugins() []hooks.PluginDescriptor {
	return s.registry.Broker().ListAllPlugins()
}

// Paused reports whether run controls are holding the run.
func (s *Simulator) Paused() bool {
	return s.controls.Paused()
}

// Halted returns the error that stopped the system, if any.
func (s *Simulator) Halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Run steps until the configured cycle count, ctx ending or a halt. Run controls are
// applied between cycles.
func (s *Simulator) Run(ctx context.Context) error {
	for s.Cycle() < s.cfg.Cycles {
		if !s.controls.gate(ctx) {
			return ctx.Err()
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
	s.log.Info().Int("cycles", s.Cycle()).Msg("run finished")
	return nil
}

// Drain stops issuing new accesses and steps until every queue is empty, for at most
// maxCycles cycles.
func (s *Simulator) Drain(maxCycles int) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	for i := 0; i < maxCycles; i++ {
		if s.Idle() {
			return nil
		}
		if err := s.Step(); err != nil {
			return err
		}
	}
	if s.Idle() {
		return nil
	}
	return fmt.Errorf("simulator: not idle after draining %d cycles", maxCycles)
}

// Idle reports whether every processor, agent and the controller have nothing left.
func (s *Simulator) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.procs {
		if !p.idle() || !s.agents[i].Idle() {
			return false
		}
	}
	return s.controller.Idle()
}

// Step runs one cycle: processors issue, agents arbitrate, the controller steps and
// delivers, and agents service their probe queues.
func (s *Simulator) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted != nil {
		return s.halted
	}
	cycle := s.Cycle()
	for i, p := range s.procs {
		var ops []Op
		if !s.draining {
			ops = s.workload.Next(cycle, i)
		}
		if err := p.step(ops); err != nil {
			return s.haltLocked(err)
		}
	}
	for _, a := range s.agents {
		if _, err := a.Arbitrate(); err != nil {
			return s.haltLocked(err)
		}
	}
	s.controller.Step(cycle)
	if _, err := s.controller.Deliver(s.deliver); err != nil {
		return s.haltLocked(err)
	}
	for _, a := range s.agents {
		if err := a.ServiceProbes(); err != nil {
			return s.haltLocked(err)
		}
	}
	if err := s.controller.CheckConsistency(); err != nil {
		return s.haltLocked(err)
	}
	if err := s.checkCoherenceLocked(); err != nil {
		return s.haltLocked(err)
	}
	s.cycle.Add(1)
	return nil
}

// deliver moves one controller message to its agent over the wire encoding.
func (s *Simulator) deliver(agent int, msg core.ControllerToAgentMessage) error {
	record, err := codec.MarshalController(msg)
	if err != nil {
		return err
	}
	return s.agents[agent].TryReceiveRecord(record)
}

// CheckCoherence verifies that no line is held Modified or Exclusive by one cache
// while another cache holds it.
func (s *Simulator) CheckCoherence() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkCoherenceLocked()
}

func (s *Simulator) checkCoherenceLocked() error {
	type holder struct {
		agent int
		state core.MESIState
	}
	holders := make(map[uint64][]holder)
	for i, c := range s.caches {
		for _, line := range c.Lines() {
			holders[line.Address] = append(holders[line.Address], holder{i, line.State})
		}
	}
	for addr, hs := range holders {
		if len(hs) < 2 {
			continue
		}
		for _, h := range hs {
			if h.state == core.MESIModified || h.state == core.MESIExclusive {
				return fmt.Errorf("%w: line 0x%x is %s in agent %d and held by %d caches", ErrCoherence, addr, h.state, h.agent, len(hs))
			}
		}
	}
	return nil
}

// haltLocked stops the run and logs every queue.
func (s *Simulator) haltLocked(err error) error {
	s.halted = err
	ev := s.log.Error().Err(err).Int("cycle", s.Cycle())
	for _, a := range s.agents {
		if dump, derr := a.Snapshot().YAML(); derr == nil {
			ev = ev.Str(fmt.Sprintf("agent%d", a.ID()), dump)
		}
	}
	if dump, derr := s.controller.Snapshot().YAML(); derr == nil {
		ev = ev.Str("controller", dump)
	}
	ev.Msg("system halted")
	return err
}
