package simulator

import (
	"context"
	"sync"

	"github.com/example/sysbus_sim/visual"
)

// controlLoop applies run controls between cycles. While paused the run only advances
// by the step budget granted through step controls.
type controlLoop struct {
	source visual.Controls

	mu     sync.Mutex
	paused bool
	budget int
}

func newControlLoop(source visual.Controls, paused bool) *controlLoop {
	return &controlLoop{source: source, paused: paused}
}

func (c *controlLoop) handle(cmd visual.ControlCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Kind {
	case visual.ControlPause:
		c.paused = true
		c.budget = 0
	case visual.ControlResume:
		c.paused = false
		c.budget = 0
	case visual.ControlStep:
		c.paused = true
		c.budget += max(cmd.Steps, 1)
	}
}

// drain applies every queued control without blocking.
func (c *controlLoop) drain() {
	if c.source == nil {
		return
	}
	for {
		cmd, ok := c.source.NextCommand()
		if !ok {
			return
		}
		c.handle(cmd)
	}
}

// gate returns once the next cycle may run, consuming one step when paused. It returns
// false when ctx ends first.
func (c *controlLoop) gate(ctx context.Context) bool {
	for {
		c.drain()
		c.mu.Lock()
		switch {
		case !c.paused:
			c.mu.Unlock()
			return true
		case c.budget > 0:
			c.budget--
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
		if c.source == nil {
			<-ctx.Done()
			return false
		}
		cmd, ok := c.source.WaitCommand(ctx)
		if !ok {
			return false
		}
		c.handle(cmd)
	}
}

// Paused reports whether the loop is holding the run.
func (c *controlLoop) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
