// Package schedule provides an injectable clock and a single-shot task handle
// that can be armed, cancelled and re-armed with at most one live callback.
package schedule

import (
	"sync"
	"time"
)

// Stopper cancels a pending callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Clock is the time source used by the relay and the replay player.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type systemClock struct{}

// System returns the wall clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Timer is a cancellable scheduled task. Arming an armed Timer cancels the
// previous callback first, and a callback that loses a race with Cancel or a
// later Arm is discarded instead of running.
type Timer struct {
	clock Clock

	mu      sync.Mutex
	pending Stopper
	gen     uint64
}

// NewTimer returns an unarmed Timer driven by clock.
func NewTimer(clock Clock) *Timer {
	if clock == nil {
		clock = System()
	}
	return &Timer{clock: clock}
}

// Arm schedules fn to run after d, replacing any pending callback.
func (t *Timer) Arm(d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	gen := t.gen
	t.pending = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.pending = nil
		t.gen++
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback. It reports whether one was armed.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

// Armed reports whether a callback is pending.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

func (t *Timer) stopLocked() bool {
	t.gen++
	if t.pending == nil {
		return false
	}
	t.pending.Stop()
	t.pending = nil
	return true
}
