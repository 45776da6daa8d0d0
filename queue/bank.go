package queue

// BankMap maps physical addresses onto memory banks and DRAM rows (pages).
type BankMap struct {
	// RowShift is log2 of the DRAM page size in bytes.
	RowShift uint `toml:"row_shift" yaml:"row_shift" json:"rowShift"`
	// Banks is the number of memory arrays behind the controller.
	Banks int `toml:"count" yaml:"count" json:"banks"`
}

// DefaultBankMap uses 8 KiB pages over four memory arrays.
func DefaultBankMap() BankMap {
	return BankMap{RowShift: 13, Banks: 4}
}

// Row returns the global row number of addr.
func (b BankMap) Row(addr uint64) uint64 {
	return addr >> b.RowShift
}

// Bank returns the memory array serving addr.
func (b BankMap) Bank(addr uint64) int {
	if b.Banks <= 1 {
		return 0
	}
	return int(b.Row(addr) % uint64(b.Banks))
}

// SameRow reports whether both addresses fall into the same open row.
func (b BankMap) SameRow(a, c uint64) bool {
	return b.Row(a) == b.Row(c)
}
