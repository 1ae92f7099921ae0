// Package latency tracks rolling per-provider attempt durations in a
// fixed-capacity ring buffer and computes percentile estimates on demand.
package latency

import (
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 200

// Ring is a fixed-capacity ring buffer of duration samples. Once full,
// new samples overwrite the oldest.
type Ring struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	count   int
}

// New creates a Ring with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{samples: make([]time.Duration, capacity)}
}

// Record appends a sample, overwriting the oldest when full.
func (r *Ring) Record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = d
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// Count returns the number of samples currently held.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Percentile computes the requested percentile (p in (0,1], e.g. 0.5 for
// p50) over a snapshot of the buffer. The second return is false when no
// samples exist; callers treat that as "unknown", not as zero latency.
func (r *Ring) Percentile(p float64) (time.Duration, bool) {
	r.mu.Lock()
	snapshot := make([]time.Duration, r.count)
	if r.count < len(r.samples) {
		copy(snapshot, r.samples[:r.count])
	} else {
		copy(snapshot, r.samples)
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		return 0, false
	}

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i] < snapshot[j] })

	idx := int(float64(len(snapshot)) * p)
	if idx >= len(snapshot) {
		idx = len(snapshot) - 1
	}
	return snapshot[idx], true
}
