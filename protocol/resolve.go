package protocol

import (
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/queue"
)

func missFor(oldest bool) queue.Resolution {
	if oldest {
		return queue.Resolution{Miss1: true}
	}
	return queue.Resolution{Miss2: true}
}

// resolveLookup classifies a probe against the local cache.
func resolveLookup(look core.LookupResult, cmd core.ProbeCommand, oldest bool) queue.Resolution {
	switch {
	case !look.Hit:
		return missFor(oldest)
	case cmd.NeedsData(true, look.Dirty):
		return queue.Resolution{DataMovement: true, Data: look.Data}
	default:
		return queue.Resolution{CacheHit: true}
	}
}

// resolvePending classifies a probe that collides with a request in flight. The cache
// is not consulted. Only an outbound victim still holds the line; any other pending
// request means the line is not here yet.
func resolvePending(entry queue.RequestEntry, cmd core.ProbeCommand, oldest bool) queue.Resolution {
	if !entry.Command.IsVictim() || !entry.Command.CarriesData() {
		return missFor(oldest)
	}
	if cmd.NeedsData(true, true) {
		var line core.Line
		copy(line[:], entry.Payload())
		return queue.Resolution{DataMovement: true, Data: line}
	}
	return queue.Resolution{CacheHit: true}
}

// resolutionOf reads the stored classification back from an entry.
func resolutionOf(e queue.ProbeEntry) queue.Resolution {
	return queue.Resolution{
		Miss1:        e.Miss1,
		Miss2:        e.Miss2,
		CacheHit:     e.CacheHit,
		DataMovement: e.DataMovement,
		Data:         e.Reply,
	}
}

// buildResponse encodes a resolved probe as its bus response. A cache hit without data
// movement sets ch and m2 and carries nothing; misses return an empty line and data
// movement returns the line starting at the probe's wrap.
func buildResponse(e queue.ProbeEntry) core.AgentToControllerMessage {
	msg := core.AgentToControllerMessage{
		Address: e.Address,
		Command: core.CmdProbeResponse,
		Probe:   true,
		Valid:   true,
		ID:      e.ID,
		Wrap:    e.Wrap,
	}
	if e.CacheHit {
		msg.CacheHit = true
		msg.M2 = true
		return msg
	}
	msg.M1 = e.Miss1
	msg.M2 = e.Miss2
	msg.Mask = core.FullMask
	msg.Data = core.WrapLine(e.Reply, e.Wrap)
	return msg
}
