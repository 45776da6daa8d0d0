package simulator

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/protocol"
	"github.com/example/sysbus_sim/queue"
)

// ProcessorStats counts accesses on the execution side of one agent.
type ProcessorStats struct {
	Loads        int `json:"loads" yaml:"loads"`
	Stores       int `json:"stores" yaml:"stores"`
	LoadHits     int `json:"loadHits" yaml:"load_hits"`
	StoreHits    int `json:"storeHits" yaml:"store_hits"`
	Upgrades     int `json:"upgrades" yaml:"upgrades"`
	UpgradeFails int `json:"upgradeFails" yaml:"upgrade_fails"`
	Uncached     int `json:"uncached" yaml:"uncached"`
	Scripted     int `json:"scripted" yaml:"scripted"`
	Victims      int `json:"victims" yaml:"victims"`
	Rejected     int `json:"rejected" yaml:"rejected"`
	QueueStalls  int `json:"queueStalls" yaml:"queue_stalls"`
}

// processor is the execution side of one agent. It turns accesses into bus requests,
// keeps accesses to one line in program order and writes stores into the cache once
// the line is held writable.
type processor struct {
	id    int
	agent *protocol.Agent
	cache *victimCache
	log   zerolog.Logger

	backlog  []Op
	inflight map[protocol.Handle]Op
	busy     map[uint64]int
	stats    ProcessorStats
}

func newProcessor(agent *protocol.Agent, cache *victimCache, logger zerolog.Logger) *processor {
	return &processor{
		id:       agent.ID(),
		agent:    agent,
		cache:    cache,
		log:      logger.With().Int("agent", agent.ID()).Str("component", "processor").Logger(),
		inflight: make(map[protocol.Handle]Op),
		busy:     make(map[uint64]int),
	}
}

// step collects completions, queues write-backs for displaced lines, then issues as
// many waiting accesses as the request queue takes.
func (p *processor) step(ops []Op) error {
	if err := p.collect(); err != nil {
		return err
	}
	p.queueVictims()
	p.backlog = append(p.backlog, ops...)
	return p.issue()
}

func (p *processor) idle() bool {
	return len(p.backlog) == 0 && len(p.inflight) == 0 && p.cache.Buffered() == 0
}

func (p *processor) collect() error {
	handles := make([]protocol.Handle, 0, len(p.inflight))
	for h := range p.inflight {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var retry []Op
	for _, h := range handles {
		c, done, err := p.agent.PollCompletion(h)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		op := p.inflight[h]
		delete(p.inflight, h)
		line := core.LineAddress(op.Address)
		if p.busy[line]--; p.busy[line] <= 0 {
			delete(p.busy, line)
		}
		if next, again := p.complete(op, c); again {
			retry = append(retry, next)
		}
	}
	if len(retry) > 0 {
		p.backlog = append(retry, p.backlog...)
	}
	return nil
}

// complete finishes op. A store whose upgrade failed, or whose line was probed away
// before the write landed, is returned for another attempt.
func (p *processor) complete(op Op, c protocol.Completion) (Op, bool) {
	if op.Kind != OpStore {
		return op, false
	}
	if c.Response == core.SysDcChangeToDirtyFail {
		p.stats.UpgradeFails++
		op.upgradeFailed = true
		return op, true
	}
	if state := p.cache.State(op.Address); state != core.MESIModified && state != core.MESIExclusive {
		p.log.Debug().Msgf("line 0x%x probed to %s before store landed, retrying", op.Address, state)
		return op, true
	}
	p.cache.Write(op.Address, op.Data)
	p.stats.Stores++
	return op, false
}

func (p *processor) queueVictims() {
	victims := p.cache.TakeVictims()
	if len(victims) == 0 {
		return
	}
	ops := make([]Op, 0, len(victims))
	for _, v := range victims {
		ops = append(ops, Op{Kind: OpCommand, Address: v.Address, victim: true})
	}
	p.stats.Victims += len(victims)
	p.backlog = append(ops, p.backlog...)
}

// issue walks the backlog in order. An access to a line with a request in flight, or
// behind another held access to that line, waits; later accesses to other lines may
// pass it.
func (p *processor) issue() error {
	held := make(map[uint64]bool)
	kept := make([]Op, 0, len(p.backlog))
	full := false
	for _, op := range p.backlog {
		line := core.LineAddress(op.Address)
		if full || held[line] || p.busy[line] > 0 {
			held[line] = true
			kept = append(kept, op)
			continue
		}
		if op.victim {
			v, ok := p.cache.victim(op.Address)
			if !ok {
				// Reclaimed by an upgrade or taken by an invalidating probe.
				continue
			}
			op.Command, op.Data = core.CmdCleanVictimBlk, nil
			if v.Dirty {
				op.Command, op.Data = core.CmdWrVictimBlk, append([]uint64(nil), v.Data[:]...)
			}
		}
		req, local := p.plan(op)
		if local {
			continue
		}
		h, err := p.agent.TrySubmit(req)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			p.stats.QueueStalls++
			full = true
			kept = append(kept, op)
			continue
		case errors.Is(err, protocol.ErrInvalidRequest):
			p.stats.Rejected++
			p.log.Warn().Err(err).Str("command", req.Command.String()).Msgf("access to 0x%x rejected", op.Address)
			continue
		case err != nil:
			return err
		}
		p.inflight[h] = op
		p.busy[line]++
	}
	p.backlog = kept
	return nil
}

// plan maps op onto a bus request. It reports local when the cache satisfies the
// access without one.
func (p *processor) plan(op Op) (core.Request, bool) {
	switch op.Kind {
	case OpLoad:
		if p.cache.LineCache.Lookup(op.Address).Hit {
			p.stats.Loads++
			p.stats.LoadHits++
			return core.Request{}, true
		}
		p.stats.Loads++
		return core.Request{Address: op.Address, Command: core.CmdReadBlk, Wrap: core.WrapOffset(op.Address)}, false

	case OpStore:
		state := p.cache.State(op.Address)
		switch {
		case state == core.MESIModified || state == core.MESIExclusive:
			p.cache.Write(op.Address, op.Data)
			p.stats.Stores++
			p.stats.StoreHits++
			return core.Request{}, true
		case state == core.MESIShared && !op.upgradeFailed:
			p.stats.Upgrades++
			return core.Request{Address: op.Address, Command: core.CmdSharedToDirty}, false
		default:
			return core.Request{Address: op.Address, Command: core.CmdReadBlkMod, Wrap: core.WrapOffset(op.Address)}, false
		}

	case OpReadUncached:
		p.stats.Uncached++
		return core.Request{Address: op.Address &^ (core.QuadwordSize - 1), Command: core.CmdReadQWs, Mask: core.QuadwordMask(1)}, false

	case OpWriteUncached:
		p.stats.Uncached++
		return core.Request{Address: op.Address &^ (core.QuadwordSize - 1), Command: core.CmdWrQWs, Data: op.Data}, false

	default:
		if !op.Command.IsVictim() {
			p.stats.Scripted++
		}
		req := core.Request{Address: op.Address, Command: op.Command, Data: op.Data}
		if op.Command.IsBlock() && op.Command.IsRead() {
			req.Wrap = core.WrapOffset(op.Address)
		}
		return req, false
	}
}
