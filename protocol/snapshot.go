package protocol

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/example/sysbus_sim/queue"
)

// RequestView is one request queue slot as shown to inspectors.
type RequestView struct {
	Slot     int    `json:"slot" yaml:"slot"`
	Handle   Handle `json:"handle" yaml:"handle"`
	Address  string `json:"address" yaml:"address"`
	Command  string `json:"command" yaml:"command"`
	Phase    string `json:"phase" yaml:"phase"`
	Mask     uint8  `json:"mask" yaml:"mask"`
	Wait     []int  `json:"wait" yaml:"wait,flow"`
	PageHit  []int  `json:"pageHit" yaml:"page_hit,flow"`
	Older    []int  `json:"older" yaml:"older,flow"`
	Miss1    bool   `json:"miss1,omitempty" yaml:"miss1,omitempty"`
	Miss2    bool   `json:"miss2,omitempty" yaml:"miss2,omitempty"`
	CacheHit bool   `json:"cacheHit,omitempty" yaml:"cache_hit,omitempty"`
}

// ProbeView is one probe queue slot as shown to inspectors.
type ProbeView struct {
	Slot            int    `json:"slot" yaml:"slot"`
	Sequence        uint64 `json:"sequence" yaml:"sequence"`
	Address         string `json:"address" yaml:"address"`
	Kind            string `json:"kind" yaml:"kind"`
	Probe           string `json:"probe" yaml:"probe"`
	Response        string `json:"response" yaml:"response"`
	ID              uint8  `json:"id" yaml:"id"`
	Processed       bool   `json:"processed" yaml:"processed"`
	PendingResponse bool   `json:"pendingResponse" yaml:"pending_response"`
	ResponseApplied bool   `json:"responseApplied" yaml:"response_applied"`
	Outcome         string `json:"outcome,omitempty" yaml:"outcome,omitempty"`
}

// Snapshot is a point-in-time view of an agent.
type Snapshot struct {
	AgentID          int           `json:"agentID" yaml:"agent"`
	Cycle            int           `json:"cycle" yaml:"cycle"`
	Halted           bool          `json:"halted" yaml:"halted"`
	CreditsOut       int           `json:"creditsOutstanding" yaml:"credits_outstanding"`
	CreditLimit      int           `json:"creditLimit" yaml:"credit_limit"`
	ChainSlot        int           `json:"chainSlot" yaml:"chain_slot"`
	OldestPending    int           `json:"oldestPending" yaml:"oldest_pending"`
	Requests         []RequestView `json:"requests" yaml:"requests"`
	Probes           []ProbeView   `json:"probes" yaml:"probes"`
	PendingCollected int           `json:"pendingCompletions" yaml:"pending_completions"`
	Stats            AgentStats    `json:"stats" yaml:"stats"`
}

// YAML renders the snapshot for diagnostics.
func (s Snapshot) YAML() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal agent %d snapshot: %w", s.AgentID, err)
	}
	return string(out), nil
}

// Snapshot captures both queues, the credit counter and the counters.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	s := Snapshot{
		AgentID:          a.id,
		Cycle:            a.now(),
		Halted:           a.halted != nil,
		CreditsOut:       a.credits.Outstanding(),
		CreditLimit:      a.credits.Limit(),
		ChainSlot:        -1,
		OldestPending:    -1,
		Requests:         []RequestView{},
		Probes:           []ProbeView{},
		PendingCollected: len(a.completions),
		Stats:            a.stats,
	}
	if slot, ok := a.rq.ChainSlot(); ok {
		s.ChainSlot = slot
	}
	if slot, ok := a.pq.OldestPending(); ok {
		s.OldestPending = slot
	}
	a.rq.ForEach(func(slot int, e queue.RequestEntry) {
		s.Requests = append(s.Requests, RequestView{
			Slot:     slot,
			Handle:   Handle(e.Sequence),
			Address:  fmt.Sprintf("0x%x", e.Address),
			Command:  e.Command.String(),
			Phase:    e.Phase.String(),
			Mask:     e.Mask,
			Wait:     e.Wait.Slots(),
			PageHit:  e.PageHit.Slots(),
			Older:    e.Older.Slots(),
			Miss1:    e.Miss1,
			Miss2:    e.Miss2,
			CacheHit: e.CacheHit,
		})
	})
	a.pq.ForEach(func(slot int, e queue.ProbeEntry) {
		view := ProbeView{
			Slot:            slot,
			Sequence:        e.Sequence,
			Address:         fmt.Sprintf("0x%x", e.Address),
			Kind:            e.Kind.String(),
			Probe:           e.ProbeCmd.String(),
			Response:        e.Response.String(),
			ID:              e.ID,
			Processed:       e.Processed,
			PendingResponse: e.PendingResponse,
			ResponseApplied: e.ResponseApplied,
		}
		if e.Processed {
			view.Outcome = resolutionOf(e).Outcome()
		}
		s.Probes = append(s.Probes, view)
	})
	return s
}
