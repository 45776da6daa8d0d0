package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/example/sysbus_sim/core"
)

const (
	// RecordSize is the fixed size of every wire record.
	RecordSize = 80

	TagAgentToController byte = 0xA2
	TagControllerToAgent byte = 0xC2

	payloadOffset = 16
)

// Agent-to-controller flag bits.
const (
	FlagProbeResponse byte = 1 << iota
	FlagM1
	FlagM2
	FlagCacheHit
	FlagRV

	agentFlagMask = FlagProbeResponse | FlagM1 | FlagM2 | FlagCacheHit | FlagRV
)

// Controller-to-agent flag bits.
const (
	FlagProbe byte = 1 << iota
	FlagRVB
	FlagRPB
	FlagAck
	FlagCommit

	controllerFlagMask = FlagProbe | FlagRVB | FlagRPB | FlagAck | FlagCommit
)

// MarshalAgent encodes an agent-to-controller message.
func MarshalAgent(m core.AgentToControllerMessage) ([]byte, error) {
	if err := ValidateAgent(m); err != nil {
		return nil, err
	}
	buf := make([]byte, RecordSize)
	buf[0] = TagAgentToController
	buf[1] = byte(m.Command)
	buf[2] = agentFlags(m)
	buf[3] = m.Mask
	buf[4] = m.ID
	buf[5] = m.Wrap
	buf[6] = byte(len(m.Data))
	binary.BigEndian.PutUint64(buf[8:16], m.Address)
	putPayload(buf, m.Data)
	return buf, nil
}

// UnmarshalAgent decodes an agent-to-controller record.
func UnmarshalAgent(b []byte) (core.AgentToControllerMessage, error) {
	count, err := checkRecord(b, TagAgentToController)
	if err != nil {
		return core.AgentToControllerMessage{}, err
	}
	if b[2]&^agentFlagMask != 0 || b[7] != 0 {
		return core.AgentToControllerMessage{}, ErrReservedBits
	}
	cmd := core.SystemCommand(b[1])
	if !cmd.Valid() {
		return core.AgentToControllerMessage{}, fmt.Errorf("%w: %d", ErrUnknownCommand, b[1])
	}
	m := core.AgentToControllerMessage{
		Address:  binary.BigEndian.Uint64(b[8:16]),
		Data:     readPayload(b, count),
		Command:  cmd,
		Probe:    b[2]&FlagProbeResponse != 0,
		M1:       b[2]&FlagM1 != 0,
		M2:       b[2]&FlagM2 != 0,
		CacheHit: b[2]&FlagCacheHit != 0,
		Valid:    b[2]&FlagRV != 0,
		Mask:     b[3],
		ID:       b[4],
		Wrap:     b[5],
	}
	if err := ValidateAgent(m); err != nil {
		return core.AgentToControllerMessage{}, err
	}
	return m, nil
}

// MarshalController encodes a controller-to-agent message.
func MarshalController(m core.ControllerToAgentMessage) ([]byte, error) {
	if err := ValidateController(m); err != nil {
		return nil, err
	}
	buf := make([]byte, RecordSize)
	buf[0] = TagControllerToAgent
	buf[1] = m.ProbeCmd.Byte()
	buf[2] = byte(m.Response)
	buf[3] = controllerFlags(m)
	buf[4] = m.ID
	buf[5] = m.Wrap
	buf[6] = byte(len(m.Data))
	binary.BigEndian.PutUint64(buf[8:16], m.Address)
	putPayload(buf, m.Data)
	return buf, nil
}

// UnmarshalController decodes a controller-to-agent record. Structural errors are
// returned as-is; a well-formed record with an illegal flag combination is returned
// together with an error wrapping ErrMalformedFlags so the receiver can log it.
func UnmarshalController(b []byte) (core.ControllerToAgentMessage, error) {
	count, err := checkRecord(b, TagControllerToAgent)
	if err != nil {
		return core.ControllerToAgentMessage{}, err
	}
	if b[3]&^controllerFlagMask != 0 || b[7] != 0 {
		return core.ControllerToAgentMessage{}, ErrReservedBits
	}
	probe := core.ParseProbeCommand(b[1])
	if !probe.Valid() {
		return core.ControllerToAgentMessage{}, fmt.Errorf("%w: 0x%02x", ErrUnknownProbe, b[1])
	}
	rsp := core.SysDc(b[2])
	if !rsp.Valid() {
		return core.ControllerToAgentMessage{}, fmt.Errorf("%w: %d", ErrUnknownResponse, b[2])
	}
	m := core.ControllerToAgentMessage{
		Address:         binary.BigEndian.Uint64(b[8:16]),
		Data:            readPayload(b, count),
		ProbeCmd:        probe,
		Response:        rsp,
		Probe:           b[3]&FlagProbe != 0,
		ClearVictim:     b[3]&FlagRVB != 0,
		ClearProbeValid: b[3]&FlagRPB != 0,
		Ack:             b[3]&FlagAck != 0,
		Commit:          b[3]&FlagCommit != 0,
		ID:              b[4],
		Wrap:            b[5],
	}
	return m, ValidateController(m)
}

// WriteAgent writes one agent record to w.
func WriteAgent(w io.Writer, m core.AgentToControllerMessage) error {
	buf, err := MarshalAgent(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadAgent reads one agent record from r.
func ReadAgent(r io.Reader) (core.AgentToControllerMessage, error) {
	buf, err := readRecord(r)
	if err != nil {
		return core.AgentToControllerMessage{}, err
	}
	return UnmarshalAgent(buf)
}

// WriteController writes one controller record to w.
func WriteController(w io.Writer, m core.ControllerToAgentMessage) error {
	buf, err := MarshalController(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadController reads one controller record from r.
func ReadController(r io.Reader) (core.ControllerToAgentMessage, error) {
	buf, err := readRecord(r)
	if err != nil {
		return core.ControllerToAgentMessage{}, err
	}
	return UnmarshalController(buf)
}

func readRecord(r io.Reader) ([]byte, error) {
	buf := make([]byte, RecordSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortRecord
		}
		return nil, err
	}
	return buf, nil
}

func checkRecord(b []byte, tag byte) (int, error) {
	if len(b) != RecordSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	if b[0] != tag {
		return 0, fmt.Errorf("%w: 0x%02x", ErrBadTag, b[0])
	}
	count := int(b[6])
	if count > core.LineQuadwords {
		return 0, ErrPayloadTooLarge
	}
	return count, nil
}

func putPayload(buf []byte, data []uint64) {
	for i, q := range data {
		off := payloadOffset + i*core.QuadwordSize
		binary.BigEndian.PutUint64(buf[off:off+core.QuadwordSize], q)
	}
}

func readPayload(buf []byte, count int) []uint64 {
	if count == 0 {
		return nil
	}
	data := make([]uint64, count)
	for i := range data {
		off := payloadOffset + i*core.QuadwordSize
		data[i] = binary.BigEndian.Uint64(buf[off : off+core.QuadwordSize])
	}
	return data
}

func agentFlags(m core.AgentToControllerMessage) byte {
	var f byte
	if m.Probe {
		f |= FlagProbeResponse
	}
	if m.M1 {
		f |= FlagM1
	}
	if m.M2 {
		f |= FlagM2
	}
	if m.CacheHit {
		f |= FlagCacheHit
	}
	if m.Valid {
		f |= FlagRV
	}
	return f
}

func controllerFlags(m core.ControllerToAgentMessage) byte {
	var f byte
	if m.Probe {
		f |= FlagProbe
	}
	if m.ClearVictim {
		f |= FlagRVB
	}
	if m.ClearProbeValid {
		f |= FlagRPB
	}
	if m.Ack {
		f |= FlagAck
	}
	if m.Commit {
		f |= FlagCommit
	}
	return f
}
