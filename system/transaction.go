package system

import (
	"fmt"
	"sort"

	"github.com/example/sysbus_sim/core"
)

// opClass groups system commands by how the controller serves them.
type opClass uint8

const (
	opOther opClass = iota
	opBarrier
	opReadShared
	opReadModify
	opReadUncached
	opWrite
	opChangeToDirty
	opInvalToDirty
	opVictim
)

func classify(cmd core.SystemCommand) opClass {
	switch cmd {
	case core.CmdMB:
		return opBarrier
	case core.CmdCleanToDirty, core.CmdSharedToDirty, core.CmdSTCChangeToDirty:
		return opChangeToDirty
	case core.CmdInvalToDirty, core.CmdInvalToDirtyVic:
		return opInvalToDirty
	case core.CmdWrVictimBlk, core.CmdCleanVictimBlk, core.CmdEvict:
		return opVictim
	}
	switch {
	case cmd.IsBlock() && cmd.IsRead() && cmd.IsModify():
		return opReadModify
	case cmd.IsBlock() && cmd.IsRead():
		return opReadShared
	case cmd.IsWrite():
		return opWrite
	case cmd.IsRead():
		return opReadUncached
	}
	return opOther
}

// needsLine reports whether the class serialises on its cache line.
func (c opClass) needsLine() bool {
	return c != opOther && c != opBarrier
}

// transaction is one admitted request. It completes once the memory latency has
// elapsed and every probe it sent has been answered.
type transaction struct {
	agent    int
	msg      core.AgentToControllerMessage
	class    opClass
	line     uint64
	admitted int
	readyAt  int

	// owner is the agent asked for dirty data, -1 when none.
	owner     int
	awaiting  map[int]bool
	ownerData *core.Line
	success   bool
}

func newTransaction(agent int, msg core.AgentToControllerMessage, cycle, latency int) *transaction {
	return &transaction{
		agent:    agent,
		msg:      msg,
		class:    classify(msg.Command),
		line:     core.LineAddress(msg.Address),
		admitted: cycle,
		readyAt:  cycle + latency,
		owner:    -1,
		awaiting: make(map[int]bool),
	}
}

func (t *transaction) ready(cycle int) bool {
	return cycle >= t.readyAt && len(t.awaiting) == 0
}

// TransactionView is an admitted request as shown to inspectors.
type TransactionView struct {
	Agent     int    `json:"agent" yaml:"agent"`
	Slot      uint8  `json:"slot" yaml:"slot"`
	Address   string `json:"address" yaml:"address"`
	Command   string `json:"command" yaml:"command"`
	Admitted  int    `json:"admitted" yaml:"admitted"`
	ReadyAt   int    `json:"readyAt" yaml:"ready_at"`
	Awaiting  []int  `json:"awaiting" yaml:"awaiting,flow"`
	DirtyData bool   `json:"dirtyData" yaml:"dirty_data"`
}

func (t *transaction) view() TransactionView {
	v := TransactionView{
		Agent:     t.agent,
		Slot:      t.msg.ID,
		Address:   fmt.Sprintf("0x%x", t.msg.Address),
		Command:   t.msg.Command.String(),
		Admitted:  t.admitted,
		ReadyAt:   t.readyAt,
		Awaiting:  []int{},
		DirtyData: t.ownerData != nil,
	}
	for id := range t.awaiting {
		v.Awaiting = append(v.Awaiting, id)
	}
	sort.Ints(v.Awaiting)
	return v
}

func without(ids []int, id int) []int {
	out := make([]int, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
