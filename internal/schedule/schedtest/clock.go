// Package schedtest provides a manually advanced schedule.Clock for tests.
package schedtest

import (
	"sort"
	"sync"
	"time"

	"github.com/cnulatienpo/run-sub001/internal/schedule"
)

// Clock only moves when Advance is called. Callbacks run synchronously on the
// goroutine calling Advance, in deadline order.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*task
}

type task struct {
	clock    *Clock
	deadline time.Time
	seq      uint64
	fn       func()
	stopped  bool
}

func (t *task) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewClock returns a Clock frozen at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements schedule.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements schedule.Clock.
func (c *Clock) AfterFunc(d time.Duration, f func()) schedule.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.seq++
	t := &task{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, firing every callback that becomes due.
// Callbacks scheduled while advancing fire too when their deadline falls
// inside the window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of armed callbacks.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (c *Clock) popDueLocked(target time.Time) *task {
	live := c.pending[:0]
	for _, t := range c.pending {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.pending = live
	if len(c.pending) == 0 {
		return nil
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].deadline.Equal(c.pending[j].deadline) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
	first := c.pending[0]
	if first.deadline.After(target) {
		return nil
	}
	first.stopped = true
	c.pending = c.pending[1:]
	return first
}
