package system

import (
	"sync"

	"github.com/example/sysbus_sim/core"
)

// Memory is the sparse backing store behind the controller. A line never written reads
// back with every quadword holding its own address.
type Memory struct {
	mu    sync.RWMutex
	lines map[uint64]core.Line
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{lines: make(map[uint64]core.Line)}
}

// Pattern is the content of an untouched line.
func Pattern(addr uint64) core.Line {
	base := core.LineAddress(addr)
	var line core.Line
	for i := range line {
		line[i] = base + uint64(i)*core.QuadwordSize
	}
	return line
}

// ReadLine returns the line containing addr.
func (m *Memory) ReadLine(addr uint64) core.Line {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lineLocked(core.LineAddress(addr))
}

// WriteLine replaces the line containing addr.
func (m *Memory) WriteLine(addr uint64, line core.Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[core.LineAddress(addr)] = line
}

// Read returns n quadwords starting at the quadword containing addr.
func (m *Memory) Read(addr uint64, n int) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uint64, 0, n)
	qw := addr &^ (core.QuadwordSize - 1)
	for i := 0; i < n; i++ {
		a := qw + uint64(i)*core.QuadwordSize
		line := m.lineLocked(core.LineAddress(a))
		out = append(out, line[(a%core.LineSize)/core.QuadwordSize])
	}
	return out
}

// Write stores quadwords starting at the quadword containing addr.
func (m *Memory) Write(addr uint64, data []uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qw := addr &^ (core.QuadwordSize - 1)
	for i, v := range data {
		a := qw + uint64(i)*core.QuadwordSize
		key := core.LineAddress(a)
		line := m.lineLocked(key)
		line[(a%core.LineSize)/core.QuadwordSize] = v
		m.lines[key] = line
	}
}

// Len returns the number of lines written.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lines)
}

func (m *Memory) lineLocked(key uint64) core.Line {
	if line, ok := m.lines[key]; ok {
		return line
	}
	return Pattern(key)
}
