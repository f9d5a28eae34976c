// Package history keeps the process-lifetime memory time series and the
// optimize events drawn on top of it.
package history

import (
	"sync"
	"time"
)

const (
	// Capacity is 24 hours of samples at SampleInterval.
	Capacity = 2880
	// EventCapacity bounds the optimize event ring.
	EventCapacity = 100
	// SampleInterval is the minimum spacing between stored samples.
	SampleInterval = 30 * time.Second
)

type (
	Sample struct {
		Timestamp    time.Time `json:"time"`
		UsagePercent int       `json:"usage"`
		UsedBytes    uint64    `json:"used"`
		FreeBytes    uint64    `json:"free"`
	}

	OptimizeEvent struct {
		Timestamp    time.Time `json:"time"`
		TotalFreedMB float64   `json:"freed"`
		ProcessCount int       `json:"processCount"`
	}

	// Window is the result of a range query.
	Window struct {
		Samples []Sample        `json:"data"`
		Events  []OptimizeEvent `json:"events"`
	}
)

// Range is a named lookback window. Unknown names behave as Range1h.
type Range string

const (
	Range1h  Range = "1h"
	Range6h  Range = "6h"
	Range24h Range = "24h"
)

// Duration returns the lookback of r.
func (r Range) Duration() time.Duration {
	switch r {
	case Range6h:
		return 6 * time.Hour
	case Range24h:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Buffer is a fixed-capacity FIFO of samples plus a ring of optimize events.
// It is written by one goroutine and read by many.
type Buffer struct {
	mu       sync.RWMutex
	samples  []Sample
	events   []OptimizeEvent
	capacity int
	interval time.Duration
}

// New returns a buffer with the standard capacity and sample interval.
func New() *Buffer {
	return NewWithCapacity(Capacity, SampleInterval)
}

// NewWithCapacity is New with explicit limits.
func NewWithCapacity(capacity int, interval time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		samples:  make([]Sample, 0, capacity),
		capacity: capacity,
		interval: interval,
	}
}

// Append stores s when at least the sample interval has elapsed since the last
// stored sample. Samples older than the last stored one are dropped. It reports
// whether s was stored.
func (b *Buffer) Append(s Sample) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 {
		if s.Timestamp.Sub(b.samples[n-1].Timestamp) < b.interval {
			return false
		}
	}

	b.samples = append(b.samples, s)
	if excess := len(b.samples) - b.capacity; excess > 0 {
		b.samples = append(b.samples[:0], b.samples[excess:]...)
	}
	return true
}

// AppendEvent records an optimize run, dropping the oldest past EventCapacity.
func (b *Buffer) AppendEvent(e OptimizeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)
	if excess := len(b.events) - EventCapacity; excess > 0 {
		b.events = append(b.events[:0], b.events[excess:]...)
	}
}

// Query returns samples and events with a timestamp no earlier than now minus
// the range duration, oldest first.
func (b *Buffer) Query(r Range, now time.Time) Window {
	cutoff := now.Add(-r.Duration())

	b.mu.RLock()
	defer b.mu.RUnlock()

	w := Window{Samples: []Sample{}, Events: []OptimizeEvent{}}
	for _, s := range b.samples {
		if !s.Timestamp.Before(cutoff) {
			w.Samples = append(w.Samples, s)
		}
	}
	for _, e := range b.events {
		if !e.Timestamp.Before(cutoff) {
			w.Events = append(w.Events, e)
		}
	}
	return w
}

// Len returns the number of stored samples.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Latest returns the most recent sample.
func (b *Buffer) Latest() (Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.samples) == 0 {
		return Sample{}, false
	}
	return b.samples[len(b.samples)-1], true
}
