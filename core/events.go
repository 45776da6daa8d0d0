package core

// EventType names a step in a request or probe lifecycle.
type EventType string

const (
	EventSubmitted     EventType = "Submitted"
	EventArbitrated    EventType = "Arbitrated"
	EventDispatched    EventType = "Dispatched"
	EventCompleted     EventType = "Completed"
	EventProbeReceived EventType = "ProbeReceived"
	EventProbeResolved EventType = "ProbeResolved"
	EventResponseSent  EventType = "ResponseSent"
	EventProbeStale    EventType = "ProbeStale"
	EventAckConsumed   EventType = "AckConsumed"
	EventViolation     EventType = "Violation"
)

// TraceEvent records one lifecycle step of an agent's queues.
type TraceEvent struct {
	AgentID    int       `json:"agentID" yaml:"agent"`
	Cycle      int       `json:"cycle" yaml:"cycle"`
	Type       EventType `json:"type" yaml:"type"`
	Slot       int       `json:"slot" yaml:"slot"`
	RequestSeq uint64    `json:"requestSeq,omitempty" yaml:"request_seq,omitempty"`
	Address    uint64    `json:"address" yaml:"address"`
	Command    string    `json:"command,omitempty" yaml:"command,omitempty"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Latency    int       `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// QueueInfo summarises a bounded queue for inspection.
type QueueInfo struct {
	Name     string `json:"name" yaml:"name"`
	Length   int    `json:"length" yaml:"length"`
	Capacity int    `json:"capacity" yaml:"capacity"`
}
