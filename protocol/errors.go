package protocol

import (
	"errors"
	"fmt"

	"github.com/example/sysbus_sim/core"
)

var (
	// ErrProtocolViolation marks an inbound message that was discarded because it does not
	// fit the agent's state: unknown correlation id or a malformed flag combination.
	ErrProtocolViolation = errors.New("protocol: violation")
	// ErrConsistencyViolation marks broken queue bookkeeping. The agent halts.
	ErrConsistencyViolation = errors.New("protocol: consistency violation")
	// ErrStaleProbe marks a probe whose target request already retired.
	ErrStaleProbe = errors.New("protocol: stale probe")
	// ErrCreditUnderflow is reported when a commit arrives with no outstanding credit.
	ErrCreditUnderflow = errors.New("protocol: credit underflow")
	// ErrUnknownHandle is returned for handles never issued or already collected.
	ErrUnknownHandle = errors.New("protocol: unknown request handle")
	// ErrInvalidRequest rejects requests the execution side may not submit.
	ErrInvalidRequest = errors.New("protocol: invalid request")
	// ErrHalted is returned by every operation after a consistency violation.
	ErrHalted = errors.New("protocol: agent halted")
)

// ViolationError carries the discarded message for diagnostics.
type ViolationError struct {
	AgentID int
	Reason  string
	Message core.ControllerToAgentMessage
	Err     error
}

func (e *ViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: agent %d violation: %s: %v", e.AgentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: agent %d violation: %s", e.AgentID, e.Reason)
}

func (e *ViolationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocolViolation}
	}
	return []error{ErrProtocolViolation, e.Err}
}

// ConsistencyError carries a YAML dump of the queues at the time bookkeeping broke.
type ConsistencyError struct {
	AgentID int
	Err     error
	Dump    string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("protocol: agent %d consistency violation: %v", e.AgentID, e.Err)
}

func (e *ConsistencyError) Unwrap() []error {
	return []error{ErrConsistencyViolation, ErrHalted, e.Err}
}
