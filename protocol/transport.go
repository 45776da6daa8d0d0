package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/example/sysbus_sim/codec"
	"github.com/example/sysbus_sim/core"
)

// ErrBackpressure is returned by a transport that cannot take a message this cycle.
// The agent keeps the message and retries on a later round.
var ErrBackpressure = errors.New("protocol: transport backpressure")

// Transport carries agent messages to the controller.
type Transport interface {
	Send(agentID int, msg core.AgentToControllerMessage) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(agentID int, msg core.AgentToControllerMessage) error

func (f TransportFunc) Send(agentID int, msg core.AgentToControllerMessage) error {
	return f(agentID, msg)
}

// RecordSink receives encoded agent records.
type RecordSink interface {
	AcceptRecord(agentID int, record []byte) error
}

// WireTransport encodes every message into its fixed wire record before handing it on,
// either to a RecordSink or to a byte stream.
type WireTransport struct {
	mu   sync.Mutex
	sink RecordSink
	w    io.Writer
}

// NewWireTransport sends records to sink.
func NewWireTransport(sink RecordSink) *WireTransport {
	return &WireTransport{sink: sink}
}

// NewStreamTransport writes records to w.
func NewStreamTransport(w io.Writer) *WireTransport {
	return &WireTransport{w: w}
}

func (t *WireTransport) Send(agentID int, msg core.AgentToControllerMessage) error {
	if err := codec.ValidateAgent(msg); err != nil {
		return fmt.Errorf("encode agent %d message: %w", agentID, err)
	}
	record, err := codec.MarshalAgent(msg)
	if err != nil {
		return fmt.Errorf("encode agent %d message: %w", agentID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sink != nil {
		return t.sink.AcceptRecord(agentID, record)
	}
	if t.w == nil {
		return fmt.Errorf("wire transport has no destination")
	}
	_, err = t.w.Write(record)
	return err
}
