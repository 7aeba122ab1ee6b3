// Package latency keeps a rolling round-trip estimate for one connection.
package latency

import (
	"sync"
	"time"
)

// Window is the number of samples retained per client.
const Window = 6

// Estimator holds the most recent Window round-trip samples in milliseconds.
type Estimator struct {
	mu      sync.Mutex
	window  int
	samples []int64
}

// NewEstimator returns an Estimator retaining Window samples.
func NewEstimator() *Estimator {
	return &Estimator{window: Window}
}

// RecordPing stores max(0, now-sentAt) and returns it. A zero sentAt is
// treated as now, so malformed pings yield a zero sample instead of an error.
func (e *Estimator) RecordPing(sentAt, now time.Time) int64 {
	if sentAt.IsZero() {
		sentAt = now
	}
	sample := now.Sub(sentAt).Milliseconds()
	if sample < 0 {
		sample = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, sample)
	if len(e.samples) > e.window {
		e.samples = e.samples[len(e.samples)-e.window:]
	}
	return sample
}

// Average is the arithmetic mean of retained samples, or 0 with none.
func (e *Estimator) Average() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range e.samples {
		total += s
	}
	return float64(total) / float64(len(e.samples))
}

// Samples returns a copy of the retained samples, oldest first.
func (e *Estimator) Samples() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.samples))
	copy(out, e.samples)
	return out
}
