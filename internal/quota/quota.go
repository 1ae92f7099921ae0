// Package quota implements per-key sliding-window request and token
// accounting. A Tracker enforces RPM and TPM ceilings over a trailing
// 60-second window; entries age out lazily on access, so no background
// expiry goroutine is needed.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// Window is the trailing interval over which RPM/TPM ceilings apply.
const Window = 60 * time.Second

// Reason identifies which ceiling denied a reservation.
type Reason string

const (
	ReasonRPM Reason = "rpm"
	ReasonTPM Reason = "tpm"
)

// DeniedError is returned by Reserve when admitting the request would
// exceed a ceiling within the trailing window.
type DeniedError struct {
	Reason Reason
	Limit  int
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("quota denied: %s ceiling %d reached", e.Reason, e.Limit)
}

type entry struct {
	at     time.Time
	tokens int
}

// Tracker is the sliding-window quota accountant for one key. All methods
// are safe for concurrent use; the reserve-then-commit pair is atomic with
// respect to other reservations on the same Tracker.
type Tracker struct {
	mu sync.Mutex

	rpmLimit int // 0 = unlimited
	tpmLimit int // 0 = unlimited
	window   time.Duration

	entries []*entry
	tokens  int // running token sum for the current window

	now func() time.Time // swappable for tests
}

// New creates a Tracker with the given ceilings. A limit of 0 disables
// that ceiling.
func New(rpmLimit, tpmLimit int) *Tracker {
	return &Tracker{
		rpmLimit: rpmLimit,
		tpmLimit: tpmLimit,
		window:   Window,
		now:      time.Now,
	}
}

// Reservation is a provisional window entry created by Reserve. It counts
// against the ceilings immediately, which is what prevents two concurrent
// callers from both passing a check that together would overshoot. Exactly
// one of Commit or Cancel must be called per reservation.
type Reservation struct {
	t       *Tracker
	e       *entry
	settled bool
}

// Reserve admits a request if both ceilings allow it, recording a
// provisional entry carrying the token estimate. A single estimate that
// alone exceeds the TPM ceiling is denied outright.
func (t *Tracker) Reserve(estimatedTokens int) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict()

	if t.rpmLimit > 0 && len(t.entries) >= t.rpmLimit {
		return nil, &DeniedError{Reason: ReasonRPM, Limit: t.rpmLimit}
	}
	if t.tpmLimit > 0 && t.tokens+estimatedTokens > t.tpmLimit {
		return nil, &DeniedError{Reason: ReasonTPM, Limit: t.tpmLimit}
	}

	e := &entry{at: t.now(), tokens: estimatedTokens}
	t.entries = append(t.entries, e)
	t.tokens += estimatedTokens

	return &Reservation{t: t, e: e}, nil
}

// Commit adjusts the reservation to the actual token count once the call
// completed. Pass a negative value to keep the original estimate. An
// entry that already aged out of the window while the attempt ran is left
// alone: its tokens were released at eviction, and adjusting the running
// sum for it would corrupt the window permanently.
func (r *Reservation) Commit(actualTokens int) {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	if actualTokens < 0 {
		return
	}
	for _, e := range r.t.entries {
		if e == r.e {
			r.t.tokens += actualTokens - e.tokens
			e.tokens = actualTokens
			return
		}
	}
}

// Cancel removes the provisional entry, releasing both the request slot
// and the token estimate. Used when the attempt was never charged by the
// provider.
func (r *Reservation) Cancel() {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true

	for i, e := range r.t.entries {
		if e == r.e {
			r.t.entries = append(r.t.entries[:i], r.t.entries[i+1:]...)
			r.t.tokens -= e.tokens
			break
		}
	}
}

// CanReserve reports whether a reservation for the given estimate would
// currently be admitted. Non-binding: usage can change between this check
// and a later Reserve, so callers must still handle a denial there.
func (t *Tracker) CanReserve(estimatedTokens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict()

	if t.rpmLimit > 0 && len(t.entries) >= t.rpmLimit {
		return false
	}
	if t.tpmLimit > 0 && t.tokens+estimatedTokens > t.tpmLimit {
		return false
	}
	return true
}

// AvailablePct returns the fraction of quota still available in [0,1],
// taking the tighter of the two ceilings. Unlimited trackers report 1.
func (t *Tracker) AvailablePct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evict()

	avail := 1.0
	if t.rpmLimit > 0 {
		a := 1.0 - float64(len(t.entries))/float64(t.rpmLimit)
		if a < avail {
			avail = a
		}
	}
	if t.tpmLimit > 0 {
		a := 1.0 - float64(t.tokens)/float64(t.tpmLimit)
		if a < avail {
			avail = a
		}
	}
	if avail < 0 {
		avail = 0
	}
	return avail
}

// RequestsInWindow returns the number of admitted requests in the
// trailing window.
func (t *Tracker) RequestsInWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict()
	return len(t.entries)
}

// TokensInWindow returns the token sum in the trailing window.
func (t *Tracker) TokensInWindow() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evict()
	return t.tokens
}

// Reset clears all window entries. Used by the administrative reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.tokens = 0
}

// evict drops entries older than the window. Must be called with t.mu held.
func (t *Tracker) evict() {
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.entries) && t.entries[i].at.Before(cutoff) {
		t.tokens -= t.entries[i].tokens
		i++
	}
	if i > 0 {
		t.entries = t.entries[i:]
	}
}
