// Package mesi declares the legal life of a line in an agent cache and audits caches
// against it.
package mesi

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/sysbus_sim/capabilities"
	"github.com/example/sysbus_sim/core"
	"github.com/example/sysbus_sim/slicc"
)

// Line events.
const (
	EventFillExclusive = "FillExclusive"
	EventFillShared    = "FillShared"
	EventFillModified  = "FillModified"
	EventStore         = "Store"
	EventUpgrade       = "Upgrade"
	EventProbeClean    = "ProbeClean"
	EventProbeShared   = "ProbeShared"
	EventProbeInvalid  = "ProbeInvalid"
	EventEvict         = "Evict"
	EventRelease       = "Release"
)

// Eviction actions: which victim command the displaced line must leave as.
const (
	ActionCleanVictim = "clean_victim"
	ActionWriteVictim = "write_victim"
)

var (
	invalid   = string(core.MESIInvalid)
	shared    = string(core.MESIShared)
	exclusive = string(core.MESIExclusive)
	modified  = string(core.MESIModified)
)

// LineSpec is the MESI life of one line as the agent sees it.
var LineSpec = &slicc.StateMachineSpec{
	Name:         "AgentLine",
	Description:  "one line of an agent cache under controller-directed MESI",
	DefaultState: invalid,
	States: []slicc.StateSpec{
		{Name: invalid, Description: "not resident"},
		{Name: shared, Description: "clean, other caches may hold it"},
		{Name: exclusive, Description: "clean, held here only"},
		{Name: modified, Description: "dirty, held here only"},
	},
	Events: []slicc.EventSpec{
		{Name: EventFillExclusive, Description: "ReadData response"},
		{Name: EventFillShared, Description: "ReadDataShared or ReadDataSharedDirty response"},
		{Name: EventFillModified, Description: "ReadDataDirty response or ownership granted on a missing line"},
		{Name: EventStore, Description: "execution side writes a writable line"},
		{Name: EventUpgrade, Description: "ChangeToDirtySuccess on a resident line"},
		{Name: EventProbeClean, Description: "probe next state Clean"},
		{Name: EventProbeShared, Description: "probe next state CleanShared"},
		{Name: EventProbeInvalid, Description: "probe next state Invalid"},
		{Name: EventEvict, Description: "displaced by a fill"},
		{Name: EventRelease, Description: "rvb or rpb drops the line"},
	},
	Transitions: []slicc.TransitionSpec{
		{FromStates: []string{invalid, shared}, Events: []string{EventFillExclusive}, ToState: exclusive},
		{FromStates: []string{invalid, shared}, Events: []string{EventFillShared}, ToState: shared},
		{FromStates: []string{invalid, shared}, Events: []string{EventFillModified}, ToState: modified},
		{FromStates: []string{exclusive, modified}, Events: []string{EventStore}, ToState: modified},
		{FromStates: []string{shared, exclusive, modified}, Events: []string{EventUpgrade}, ToState: modified},
		{FromStates: []string{shared, exclusive, modified}, Events: []string{EventProbeClean}, ToState: exclusive},
		{FromStates: []string{shared, exclusive, modified}, Events: []string{EventProbeShared}, ToState: shared},
		{FromStates: []string{shared, exclusive, modified}, Events: []string{EventProbeInvalid}, ToState: invalid},
		{FromStates: []string{shared, exclusive}, Events: []string{EventEvict}, ToState: invalid, Actions: []string{ActionCleanVictim}},
		{FromStates: []string{modified}, Events: []string{EventEvict}, ToState: invalid, Actions: []string{ActionWriteVictim}},
		{FromStates: []string{invalid, shared, exclusive, modified}, Events: []string{EventRelease}, ToState: invalid},
	},
}

// FillEvent maps the state a response fills a line in to its event.
func FillEvent(state core.MESIState) string {
	switch state {
	case core.MESIExclusive:
		return EventFillExclusive
	case core.MESIShared:
		return EventFillShared
	case core.MESIModified:
		return EventFillModified
	default:
		return ""
	}
}

// ProbeEvent maps a probe next state to its event.
func ProbeEvent(next core.ProbeNextState) string {
	switch next {
	case core.NextClean:
		return EventProbeClean
	case core.NextCleanShared:
		return EventProbeShared
	case core.NextInvalid:
		return EventProbeInvalid
	default:
		return ""
	}
}

// Audit follows every line of one cache through LineSpec. A change the declaration does
// not allow, or a cache state that disagrees with it afterwards, is counted and logged.
type Audit struct {
	sm  capabilities.StateMachine
	log zerolog.Logger

	mu      sync.Mutex
	illegal int
	last    error
}

// NewAudit builds an audit for the cache called name.
func NewAudit(name string, logger zerolog.Logger) (*Audit, error) {
	sm, err := capabilities.NewStateMachineCapability(name+"-lines", LineSpec)
	if err != nil {
		return nil, err
	}
	return &Audit{sm: sm, log: logger.With().Str("audit", name).Logger()}, nil
}

// Capability exposes the underlying state machine for plugin listings.
func (a *Audit) Capability() capabilities.Capability {
	return a.sm
}

// Observe applies event to the line at addr. actual is the cache state after the change.
func (a *Audit) Observe(addr uint64, event string, actual core.MESIState) {
	if a == nil || event == "" {
		return
	}
	key := core.LineAddress(addr)
	from, _ := a.sm.CurrentState(key)
	to, ok := a.sm.ApplyEvent(key, event)
	switch {
	case !ok:
		a.fail(fmt.Errorf("line 0x%x: %s not allowed in %s", key, event, from))
	case to != string(actual):
		a.fail(fmt.Errorf("line 0x%x: %s from %s should give %s, cache holds %s", key, event, from, to, actual))
	}
	if !actual.IsValid() {
		a.sm.Reset(key)
	}
}

// ObserveEviction applies Evict to the line at addr and checks that the victim left
// as the declared action says: dirty lines as write victims, clean ones as clean victims.
func (a *Audit) ObserveEviction(addr uint64, dirty bool) {
	if a == nil {
		return
	}
	from, _ := a.sm.CurrentState(core.LineAddress(addr))
	declared := a.sm.Actions(from, EventEvict)
	a.Observe(addr, EventEvict, core.MESIInvalid)
	want := ActionCleanVictim
	if dirty {
		want = ActionWriteVictim
	}
	if len(declared) > 0 && !slices.Contains(declared, want) {
		a.fail(fmt.Errorf("line 0x%x: %s victim evicted from %s, declared %v", core.LineAddress(addr), want, from, declared))
	}
}

func (a *Audit) fail(err error) {
	a.mu.Lock()
	a.illegal++
	a.last = err
	a.mu.Unlock()
	a.log.Warn().Err(err).Msg("illegal line transition")
}

// State returns the audited state of the line containing addr.
func (a *Audit) State(addr uint64) core.MESIState {
	state, _ := a.sm.CurrentState(core.LineAddress(addr))
	return core.MESIState(state)
}

// Illegal returns the number of rejected changes and the latest of them.
func (a *Audit) Illegal() (int, error) {
	if a == nil {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.illegal, a.last
}

// Tracked returns the number of resident lines being followed.
func (a *Audit) Tracked() int {
	return a.sm.Len()
}
