package slicc

import (
	"bytes"
	_ "embed"
	"sync"
)

// Request lifecycle states.
const (
	StateIssued                     = "Issued"
	StateQueued                     = "Queued"
	StateArbitrated                 = "Arbitrated"
	StateAwaitingControllerResponse = "AwaitingControllerResponse"
	StateCompleted                  = "Completed"
)

// Request lifecycle events.
const (
	EventEnqueue  = "enqueue"
	EventSelect   = "select"
	EventTransmit = "transmit"
	EventComplete = "complete"
)

//go:embed specs/request_lifecycle.yaml
var requestLifecycleYAML []byte

var (
	lifecycleOnce sync.Once
	lifecycleSpec *StateMachineSpec
	lifecycleErr  error
)

// RequestLifecycle returns the declared request lifecycle. The declaration is embedded,
// so an error here means the build itself is broken.
func RequestLifecycle() (*StateMachineSpec, error) {
	lifecycleOnce.Do(func() {
		lifecycleSpec, lifecycleErr = Decode(bytes.NewReader(requestLifecycleYAML))
	})
	return lifecycleSpec, lifecycleErr
}
