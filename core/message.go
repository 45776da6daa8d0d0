package core

const (
	// LineQuadwords is the number of quadwords carried by one bus data transfer.
	LineQuadwords = 8
	// QuadwordSize is the size of one quadword in bytes.
	QuadwordSize = 8
	// LineSize is the cache line size in bytes.
	LineSize = LineQuadwords * QuadwordSize

	// FullMask marks all eight quadwords of a transfer valid.
	FullMask uint8 = 0xff
	// NoCorrelation is the id used by messages that reference no local buffer.
	NoCorrelation uint8 = 0xff
)

// Line holds one cache line of data.
type Line [LineQuadwords]uint64

// LineAddress aligns addr down to its cache line.
func LineAddress(addr uint64) uint64 {
	return addr &^ (LineSize - 1)
}

// Range is a half-open physical address range [Lo, Hi).
type Range struct {
	Lo uint64
	Hi uint64
}

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Lo < o.Hi && o.Lo < r.Hi
}

// QuadwordMask returns a mask with the low n quadword bits set.
func QuadwordMask(n int) uint8 {
	if n <= 0 {
		return 0
	}
	if n >= LineQuadwords {
		return FullMask
	}
	return uint8(1)<<uint(n) - 1
}

// Request is what the execution side submits to an agent.
type Request struct {
	Address uint64
	Command SystemCommand
	Data    []uint64
	Mask    uint8
	Wrap    uint8
}

// Extent returns the address range the request touches: the payload quadwords from the
// start address together with every quadword the mask selects.
func (r Request) Extent() Range {
	if r.Command.IsBlock() {
		return r.Command.Extent(r.Address, 0)
	}
	if len(r.Data) == 0 {
		return r.Command.MaskExtent(r.Address, r.Mask)
	}
	ext := r.Command.Extent(r.Address, len(r.Data))
	if r.Mask != 0 {
		m := r.Command.MaskExtent(r.Address, r.Mask)
		ext.Lo = min(ext.Lo, m.Lo)
		ext.Hi = max(ext.Hi, m.Hi)
	}
	return ext
}

// AgentToControllerMessage is a request or probe response sent by an agent.
type AgentToControllerMessage struct {
	Address  uint64
	Data     []uint64
	Command  SystemCommand
	Probe    bool // probe response
	M1       bool // oldest probe miss
	M2       bool // oldest probe miss or hit with no data movement
	CacheHit bool // hit, along with M2, with no data movement
	Valid    bool // rv: validates the command
	Mask     uint8
	ID       uint8
	Wrap     uint8
}

// ControllerToAgentMessage carries a probe, a command response, or both.
type ControllerToAgentMessage struct {
	Address         uint64
	Data            []uint64
	ProbeCmd        ProbeCommand
	Response        SysDc
	Probe           bool
	ClearVictim     bool // rvb
	ClearProbeValid bool // rpb
	Ack             bool // a
	Commit          bool // c: decrement uncommitted event counter
	ID              uint8
	Wrap            uint8
}

// MessageKind classifies the intent of an inbound controller message.
type MessageKind uint8

const (
	KindInvalid MessageKind = iota
	KindProbe
	KindProbeAndResponse
	KindResponse
	KindAck
	KindBufferRelease
)

func (k MessageKind) String() string {
	switch k {
	case KindProbe:
		return "Probe"
	case KindProbeAndResponse:
		return "ProbeAndResponse"
	case KindResponse:
		return "Response"
	case KindAck:
		return "Ack"
	case KindBufferRelease:
		return "BufferRelease"
	default:
		return "Invalid"
	}
}

// IsProbe reports whether the kind requires probe resolution.
func (k MessageKind) IsProbe() bool {
	return k == KindProbe || k == KindProbeAndResponse
}

// Kind derives the message intent from the flag bag.
func (m ControllerToAgentMessage) Kind() MessageKind {
	response := m.Response != SysDcNOP || len(m.Data) > 0
	switch {
	case m.Probe && (response || m.Ack || m.Commit):
		return KindProbeAndResponse
	case m.Probe:
		return KindProbe
	case response:
		return KindResponse
	case m.Ack || m.Commit:
		return KindAck
	case m.ClearVictim || m.ClearProbeValid:
		return KindBufferRelease
	default:
		return KindInvalid
	}
}

// HasResponse reports whether the message completes an agent command.
func (m ControllerToAgentMessage) HasResponse() bool {
	return m.Response != SysDcNOP || m.Ack
}

// WrapOffset returns the quadword index of addr within its line. It is the wrap value
// of a critical-quadword-first transfer for addr.
func WrapOffset(addr uint64) uint8 {
	return uint8((addr & (LineSize - 1)) / QuadwordSize)
}

// WrapLine returns the line reordered to start at quadword wrap.
func WrapLine(line Line, wrap uint8) []uint64 {
	out := make([]uint64, LineQuadwords)
	for i := range out {
		out[i] = line[(int(wrap)+i)%LineQuadwords]
	}
	return out
}

// UnwrapLine restores memory order from a transfer that started at quadword wrap.
// Missing quadwords are zero.
func UnwrapLine(data []uint64, wrap uint8) Line {
	var line Line
	for i, qw := range data {
		if i >= LineQuadwords {
			break
		}
		line[(int(wrap)+i)%LineQuadwords] = qw
	}
	return line
}

// CloneData copies a payload slice, returning nil for an empty payload.
func CloneData(src []uint64) []uint64 {
	if len(src) == 0 {
		return nil
	}
	dst := make([]uint64, len(src))
	copy(dst, src)
	return dst
}
