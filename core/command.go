package core

import (
	"fmt"
	"math/bits"
)

// SystemCommand is the command code an agent places on the bus toward the controller.
type SystemCommand uint8

const (
	CmdNOP SystemCommand = iota
	CmdProbeResponse
	CmdNZNOP
	CmdVDBFlushRequest
	CmdMB
	CmdReadBytes
	CmdReadLWs
	CmdReadQWs
	CmdWrBytes
	CmdWrLWs
	CmdWrQWs
	CmdReadBlk
	CmdReadBlkMod
	CmdReadBlkI
	CmdFetchBlk
	CmdReadBlkSpec
	CmdReadBlkModSpec
	CmdReadBlkSpecI
	CmdFetchBlkSpec
	CmdReadBlkVic
	CmdReadBlkModVic
	CmdReadBlkVicI
	CmdInvalToDirtyVic
	CmdCleanToDirty
	CmdSharedToDirty
	CmdSTCChangeToDirty
	CmdInvalToDirty
	CmdEvict
	CmdWrVictimBlk
	CmdCleanVictimBlk

	systemCommandCount
)

const (
	cmdRead uint16 = 1 << iota
	cmdWrite
	cmdBlock
	cmdModify
	cmdVictim
	cmdData
)

var systemCommandInfo = [systemCommandCount]struct {
	name  string
	class uint16
}{
	CmdNOP:              {"NOP", 0},
	CmdProbeResponse:    {"ProbeResponse", 0},
	CmdNZNOP:            {"NZNOP", 0},
	CmdVDBFlushRequest:  {"VDBFlushRequest", 0},
	CmdMB:               {"MB", 0},
	CmdReadBytes:        {"ReadBytes", cmdRead},
	CmdReadLWs:          {"ReadLWs", cmdRead},
	CmdReadQWs:          {"ReadQWs", cmdRead},
	CmdWrBytes:          {"WrBytes", cmdWrite | cmdModify | cmdData},
	CmdWrLWs:            {"WrLWs", cmdWrite | cmdModify | cmdData},
	CmdWrQWs:            {"WrQWs", cmdWrite | cmdModify | cmdData},
	CmdReadBlk:          {"ReadBlk", cmdRead | cmdBlock},
	CmdReadBlkMod:       {"ReadBlkMod", cmdRead | cmdBlock | cmdModify},
	CmdReadBlkI:         {"ReadBlkI", cmdRead | cmdBlock},
	CmdFetchBlk:         {"FetchBlk", cmdRead | cmdBlock},
	CmdReadBlkSpec:      {"ReadBlkSpec", cmdRead | cmdBlock},
	CmdReadBlkModSpec:   {"ReadBlkModSpec", cmdRead | cmdBlock | cmdModify},
	CmdReadBlkSpecI:     {"ReadBlkSpecI", cmdRead | cmdBlock},
	CmdFetchBlkSpec:     {"FetchBlkSpec", cmdRead | cmdBlock},
	CmdReadBlkVic:       {"ReadBlkVic", cmdRead | cmdBlock | cmdVictim},
	CmdReadBlkModVic:    {"ReadBlkModVic", cmdRead | cmdBlock | cmdModify | cmdVictim},
	CmdReadBlkVicI:      {"ReadBlkVicI", cmdRead | cmdBlock | cmdVictim},
	CmdInvalToDirtyVic:  {"InvalToDirtyVic", cmdBlock | cmdModify | cmdVictim},
	CmdCleanToDirty:     {"CleanToDirty", cmdBlock | cmdModify},
	CmdSharedToDirty:    {"SharedToDirty", cmdBlock | cmdModify},
	CmdSTCChangeToDirty: {"STCChangeToDirty", cmdBlock | cmdModify},
	CmdInvalToDirty:     {"InvalToDirty", cmdBlock | cmdModify},
	CmdEvict:            {"Evict", cmdBlock | cmdVictim},
	CmdWrVictimBlk:      {"WrVictimBlk", cmdWrite | cmdBlock | cmdVictim | cmdData},
	CmdCleanVictimBlk:   {"CleanVictimBlk", cmdBlock | cmdVictim},
}

// Valid reports whether c is a defined command code.
func (c SystemCommand) Valid() bool {
	return c < systemCommandCount
}

func (c SystemCommand) String() string {
	if !c.Valid() {
		return fmt.Sprintf("SystemCommand(%d)", uint8(c))
	}
	return systemCommandInfo[c].name
}

func (c SystemCommand) is(class uint16) bool {
	return c.Valid() && systemCommandInfo[c].class&class != 0
}

// IsRead reports whether the command returns data to the agent.
func (c SystemCommand) IsRead() bool { return c.is(cmdRead) }

// IsWrite reports whether the command moves data from the agent to memory.
func (c SystemCommand) IsWrite() bool { return c.is(cmdWrite) }

// IsBlock reports whether the command addresses a whole cache line.
func (c SystemCommand) IsBlock() bool { return c.is(cmdBlock) }

// IsModify reports whether the command requests exclusive (dirty) ownership.
func (c SystemCommand) IsModify() bool { return c.is(cmdModify) }

// IsVictim reports whether the command carries or releases a victim line.
func (c SystemCommand) IsVictim() bool { return c.is(cmdVictim) }

// CarriesData reports whether the request payload is part of the command.
func (c SystemCommand) CarriesData() bool { return c.is(cmdData) }

// Extent returns the physical address range touched by a request of this command.
// Block commands cover the aligned line; everything else covers the quadwords of the
// payload starting at the quadword-aligned address (at least one quadword).
func (c SystemCommand) Extent(addr uint64, quadwords int) Range {
	if c.IsBlock() {
		lo := LineAddress(addr)
		return Range{Lo: lo, Hi: lo + LineSize}
	}
	if quadwords < 1 {
		quadwords = 1
	}
	if quadwords > LineQuadwords {
		quadwords = LineQuadwords
	}
	lo := addr &^ (QuadwordSize - 1)
	return Range{Lo: lo, Hi: lo + uint64(quadwords)*QuadwordSize}
}

// MaskExtent returns the range covered by the quadwords selected in mask, counted from
// the quadword-aligned addr. The range runs from the lowest to the highest set bit so a
// gapped mask still covers both ends. Block commands cover the aligned line.
func (c SystemCommand) MaskExtent(addr uint64, mask uint8) Range {
	if c.IsBlock() || mask == 0 {
		return c.Extent(addr, 1)
	}
	base := addr &^ (QuadwordSize - 1)
	first := uint64(bits.TrailingZeros8(mask))
	last := uint64(bits.Len8(mask))
	return Range{Lo: base + first*QuadwordSize, Hi: base + last*QuadwordSize}
}

// ParseSystemCommand resolves a command by name.
func ParseSystemCommand(name string) (SystemCommand, error) {
	for i, info := range systemCommandInfo {
		if info.name == name {
			return SystemCommand(i), nil
		}
	}
	return CmdNOP, fmt.Errorf("unknown system command %q", name)
}

// ProbeDataMovement selects what data, if any, a probed agent returns.
type ProbeDataMovement uint8

const (
	ProbeNOP ProbeDataMovement = iota
	ProbeReadHit
	ProbeReadDirty
	ProbeReadAnyMod

	probeDataMovementCount
)

// ProbeNextState is the cache state the probed line transitions to.
type ProbeNextState uint8

const (
	NextNoChange ProbeNextState = iota
	NextClean
	NextCleanShared
	NextInvalid

	probeNextStateCount
)

// ProbeCommand is the controller-to-agent probe request.
type ProbeCommand struct {
	Move ProbeDataMovement
	Next ProbeNextState
}

// Byte packs the probe command as low nibble data movement, high nibble next state.
func (p ProbeCommand) Byte() byte {
	return byte(p.Move&0x0f) | byte(p.Next&0x0f)<<4
}

// IsNOP reports whether the probe requests neither data nor a state change.
func (p ProbeCommand) IsNOP() bool {
	return p.Move == ProbeNOP && p.Next == NextNoChange
}

// Valid reports whether both halves are defined codes.
func (p ProbeCommand) Valid() bool {
	return p.Move < probeDataMovementCount && p.Next < probeNextStateCount
}

// NeedsData reports whether a line in the given state must be returned.
func (p ProbeCommand) NeedsData(hit, dirty bool) bool {
	if !hit {
		return false
	}
	switch p.Move {
	case ProbeReadHit, ProbeReadAnyMod:
		return true
	case ProbeReadDirty:
		return dirty
	default:
		return false
	}
}

func (p ProbeCommand) String() string {
	moves := [...]string{"NOP", "ReadHit", "ReadDirty", "ReadAnyMod"}
	nexts := [...]string{"NoChange", "Clean", "CleanShared", "Invalid"}
	if !p.Valid() {
		return fmt.Sprintf("ProbeCommand(0x%02x)", p.Byte())
	}
	return moves[p.Move] + "/" + nexts[p.Next]
}

// ParseProbeCommand unpacks a probe command byte.
func ParseProbeCommand(b byte) ProbeCommand {
	return ProbeCommand{
		Move: ProbeDataMovement(b & 0x0f),
		Next: ProbeNextState(b >> 4),
	}
}

// SysDc is the controller response code that completes an agent command.
type SysDc uint8

const (
	SysDcNOP SysDc = iota
	SysDcReadDataError
	SysDcChangeToDirtySuccess
	SysDcChangeToDirtyFail
	SysDcMBDone
	SysDcReleaseBuffer
	SysDcWriteData
	SysDcReadData
	SysDcReadDataDirty
	SysDcReadDataShared
	SysDcReadDataSharedDirty

	sysDcCount
)

var sysDcNames = [sysDcCount]string{
	"NOP", "ReadDataError", "ChangeToDirtySuccess", "ChangeToDirtyFail", "MBDone",
	"ReleaseBuffer", "WriteData", "ReadData", "ReadDataDirty", "ReadDataShared",
	"ReadDataSharedDirty",
}

// Valid reports whether d is a defined response code.
func (d SysDc) Valid() bool {
	return d < sysDcCount
}

// CarriesData reports whether the response moves a line to the agent.
func (d SysDc) CarriesData() bool {
	switch d {
	case SysDcReadData, SysDcReadDataDirty, SysDcReadDataShared, SysDcReadDataSharedDirty:
		return true
	}
	return false
}

// FillState maps a data response to the MESI state the line is filled in.
func (d SysDc) FillState() MESIState {
	switch d {
	case SysDcReadData:
		return MESIExclusive
	case SysDcReadDataDirty:
		return MESIModified
	case SysDcReadDataShared, SysDcReadDataSharedDirty:
		return MESIShared
	default:
		return MESIInvalid
	}
}

func (d SysDc) String() string {
	if !d.Valid() {
		return fmt.Sprintf("SysDc(%d)", uint8(d))
	}
	return sysDcNames[d]
}

// ParseSysDc resolves a response code by name.
func ParseSysDc(name string) (SysDc, error) {
	for i, n := range sysDcNames {
		if n == name {
			return SysDc(i), nil
		}
	}
	return SysDcNOP, fmt.Errorf("unknown response code %q", name)
}

func (c SystemCommand) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *SystemCommand) UnmarshalText(text []byte) error {
	parsed, err := ParseSystemCommand(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (d SysDc) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *SysDc) UnmarshalText(text []byte) error {
	parsed, err := ParseSysDc(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
