package protocol

import "sync"

// CreditCounter is the uncommitted event counter: operations sent to the controller
// and not yet committed. A limit of zero or less leaves it unbounded.
type CreditCounter struct {
	mu          sync.Mutex
	limit       int
	outstanding int
}

// NewCreditCounter creates a counter allowing limit outstanding operations.
func NewCreditCounter(limit int) *CreditCounter {
	return &CreditCounter{limit: limit}
}

// Acquire takes one credit. It reports false when the limit is reached.
func (c *CreditCounter) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && c.outstanding >= c.limit {
		return false
	}
	c.outstanding++
	return true
}

// Release returns one credit. The counter saturates at zero and reports
// ErrCreditUnderflow instead of going negative.
func (c *CreditCounter) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding == 0 {
		return ErrCreditUnderflow
	}
	c.outstanding--
	return nil
}

// Available reports whether Acquire would succeed.
func (c *CreditCounter) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit <= 0 || c.outstanding < c.limit
}

// Outstanding returns the current count.
func (c *CreditCounter) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Limit returns the configured bound.
func (c *CreditCounter) Limit() int {
	return c.limit
}
