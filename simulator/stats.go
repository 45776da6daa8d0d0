package simulator

import (
	"fmt"
	"io"

	"github.com/example/sysbus_sim/protocol"
	"github.com/example/sysbus_sim/system"
)

// AgentReport is the counters of one agent and its processor.
type AgentReport struct {
	ID          int                 `json:"id" yaml:"id"`
	Agent       protocol.AgentStats `json:"agent" yaml:"agent"`
	Processor   ProcessorStats      `json:"processor" yaml:"processor"`
	Resident    int                 `json:"resident" yaml:"resident"`
	Buffered    int                 `json:"buffered" yaml:"buffered"`
	AvgLatency  float64             `json:"avgLatency" yaml:"avg_latency"`
	CreditsHeld int                 `json:"creditsHeld" yaml:"credits_held"`
	Illegal     int                 `json:"illegalTransitions" yaml:"illegal_transitions"`
}

// Totals aggregates the agent reports.
type Totals struct {
	Submitted  int     `json:"submitted" yaml:"submitted"`
	Completed  int     `json:"completed" yaml:"completed"`
	Probes     int     `json:"probes" yaml:"probes"`
	Stale      int     `json:"stale" yaml:"stale"`
	Violations int     `json:"violations" yaml:"violations"`
	Illegal    int     `json:"illegalTransitions" yaml:"illegal_transitions"`
	HitRate    float64 `json:"hitRate" yaml:"hit_rate"`
	AvgLatency float64 `json:"avgLatency" yaml:"avg_latency"`
}

// Stats is a run summary.
type Stats struct {
	Cycle      int           `json:"cycle" yaml:"cycle"`
	Agents     []AgentReport `json:"agents" yaml:"agents"`
	Controller system.Stats  `json:"controller" yaml:"controller"`
	Totals     Totals        `json:"totals" yaml:"totals"`
}

// Stats collects counters from every agent, processor and the controller.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Cycle: s.Cycle(), Controller: s.controller.Stats()}
	var latency, accesses, hits int
	for i, a := range s.agents {
		st := a.Stats()
		p := s.procs[i].stats
		illegal, _ := s.caches[i].audit.Illegal()
		r := AgentReport{
			ID:          i,
			Agent:       st,
			Processor:   p,
			Resident:    s.caches[i].Len(),
			Buffered:    s.caches[i].Buffered(),
			AvgLatency:  ratio(st.TotalLatency, st.Completed),
			CreditsHeld: a.Credits().Outstanding(),
			Illegal:     illegal,
		}
		out.Agents = append(out.Agents, r)
		out.Totals.Submitted += st.Submitted
		out.Totals.Completed += st.Completed
		out.Totals.Probes += st.ProbesResolved
		out.Totals.Stale += st.StaleProbes
		out.Totals.Violations += st.Violations
		out.Totals.Illegal += illegal
		latency += st.TotalLatency
		accesses += p.Loads + p.Stores
		hits += p.LoadHits + p.StoreHits
	}
	out.Totals.AvgLatency = ratio(latency, out.Totals.Completed)
	out.Totals.HitRate = ratio(hits, accesses)
	return out
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

// Print writes a human-readable summary.
func (st Stats) Print(w io.Writer) {
	fmt.Fprintln(w, "=== System ===")
	fmt.Fprintf(w, "Cycles: %d\n", st.Cycle)
	fmt.Fprintf(w, "Requests Submitted: %d\n", st.Totals.Submitted)
	fmt.Fprintf(w, "Requests Completed: %d\n", st.Totals.Completed)
	fmt.Fprintf(w, "Average Latency: %.2f cycles\n", st.Totals.AvgLatency)
	fmt.Fprintf(w, "Cache Hit Rate: %.2f%%\n", st.Totals.HitRate*100)
	fmt.Fprintf(w, "Probes Resolved: %d (stale %d)\n", st.Totals.Probes, st.Totals.Stale)
	fmt.Fprintf(w, "Violations: %d, Illegal Line Transitions: %d\n", st.Totals.Violations, st.Totals.Illegal)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Agents ===")
	for _, a := range st.Agents {
		fmt.Fprintf(w, "Agent %d: Submitted=%d, Completed=%d, AvgLatency=%.2f, Loads=%d, Stores=%d, Upgrades=%d/%d failed, Victims=%d, Resident=%d\n",
			a.ID, a.Agent.Submitted, a.Agent.Completed, a.AvgLatency, a.Processor.Loads, a.Processor.Stores,
			a.Processor.Upgrades, a.Processor.UpgradeFails, a.Processor.Victims, a.Resident)
	}

	c := st.Controller
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Controller ===")
	fmt.Fprintf(w, "Admitted: %d, Completed: %d, Probes Sent: %d, Dirty Transfers: %d\n",
		c.Admitted, c.Completed, c.ProbesSent, c.DirtyTransfers)
	fmt.Fprintf(w, "Line Conflicts: %d, Backpressured: %d, Malformed: %d\n",
		c.LineConflicts, c.Backpressured, c.Malformed)
}
