package quota

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests advance the tracker's window deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestTracker(rpm, tpm int) (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := New(rpm, tpm)
	tr.now = clock.now
	return tr, clock
}

func TestReserveDeniesAtRPMCeiling(t *testing.T) {
	tr, _ := newTestTracker(3, 0)

	for i := 0; i < 3; i++ {
		res, err := tr.Reserve(10)
		if err != nil {
			t.Fatalf("reserve %d: unexpected error: %v", i, err)
		}
		res.Commit(10)
	}

	_, err := tr.Reserve(10)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != ReasonRPM {
		t.Errorf("reason = %q, want %q", denied.Reason, ReasonRPM)
	}
	if denied.Limit != 3 {
		t.Errorf("limit = %d, want 3", denied.Limit)
	}
}

func TestReserveDeniesAtTPMCeiling(t *testing.T) {
	tr, _ := newTestTracker(0, 100)

	res, err := tr.Reserve(80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res.Commit(80)

	_, err = tr.Reserve(30)
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != ReasonTPM {
		t.Errorf("reason = %q, want %q", denied.Reason, ReasonTPM)
	}
}

func TestOversizedEstimateDeniedOutright(t *testing.T) {
	tr, _ := newTestTracker(0, 100)
	if _, err := tr.Reserve(101); err == nil {
		t.Fatal("expected denial for estimate exceeding the ceiling alone")
	}
}

func TestWindowEviction(t *testing.T) {
	tr, clock := newTestTracker(2, 0)

	if _, err := tr.Reserve(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.Reserve(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.Reserve(0); err == nil {
		t.Fatal("expected denial at ceiling")
	}

	clock.advance(61 * time.Second)

	if _, err := tr.Reserve(0); err != nil {
		t.Fatalf("expected admission after window slid, got %v", err)
	}
	if got := tr.RequestsInWindow(); got != 1 {
		t.Errorf("RequestsInWindow = %d, want 1", got)
	}
}

func TestCommitAdjustsToActualUsage(t *testing.T) {
	tr, _ := newTestTracker(0, 100)

	res, err := tr.Reserve(90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res.Commit(20)

	if got := tr.TokensInWindow(); got != 20 {
		t.Errorf("TokensInWindow = %d, want 20", got)
	}
	if _, err := tr.Reserve(70); err != nil {
		t.Errorf("expected admission after downward adjustment, got %v", err)
	}
}

func TestCommitNegativeKeepsEstimate(t *testing.T) {
	tr, _ := newTestTracker(0, 100)

	res, _ := tr.Reserve(40)
	res.Commit(-1)

	if got := tr.TokensInWindow(); got != 40 {
		t.Errorf("TokensInWindow = %d, want 40", got)
	}
}

func TestCommitAfterEvictionLeavesWindowClean(t *testing.T) {
	tr, clock := newTestTracker(0, 1000)

	res, err := tr.Reserve(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The attempt outlives the window; the provisional entry ages out.
	clock.advance(61 * time.Second)
	if got := tr.TokensInWindow(); got != 0 {
		t.Fatalf("TokensInWindow = %d before commit, want 0", got)
	}

	res.Commit(150)

	if got := tr.TokensInWindow(); got != 0 {
		t.Errorf("TokensInWindow = %d after committing an aged-out reservation, want 0", got)
	}
	if got := tr.RequestsInWindow(); got != 0 {
		t.Errorf("RequestsInWindow = %d, want 0", got)
	}
	// The full ceiling must still be reservable.
	if !tr.CanReserve(1000) {
		t.Error("full ceiling not reservable after aged-out commit")
	}
}

func TestCancelAfterEvictionLeavesWindowClean(t *testing.T) {
	tr, clock := newTestTracker(0, 1000)

	res, err := tr.Reserve(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.advance(61 * time.Second)
	res.Cancel()

	if got := tr.TokensInWindow(); got != 0 {
		t.Errorf("TokensInWindow = %d after cancelling an aged-out reservation, want 0", got)
	}
	if !tr.CanReserve(1000) {
		t.Error("full ceiling not reservable after aged-out cancel")
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	tr, _ := newTestTracker(1, 100)

	res, err := tr.Reserve(50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res.Cancel()

	if got := tr.RequestsInWindow(); got != 0 {
		t.Errorf("RequestsInWindow = %d, want 0", got)
	}
	if got := tr.TokensInWindow(); got != 0 {
		t.Errorf("TokensInWindow = %d, want 0", got)
	}
	if _, err := tr.Reserve(50); err != nil {
		t.Errorf("expected admission after cancel, got %v", err)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	tr, _ := newTestTracker(0, 100)

	res, _ := tr.Reserve(30)
	res.Commit(30)
	res.Cancel() // must not release the committed entry
	if got := tr.TokensInWindow(); got != 30 {
		t.Errorf("TokensInWindow = %d, want 30", got)
	}

	res2, _ := tr.Reserve(10)
	res2.Cancel()
	res2.Commit(99) // must not re-add
	if got := tr.TokensInWindow(); got != 30 {
		t.Errorf("TokensInWindow = %d, want 30", got)
	}
}

func TestUnlimitedTracker(t *testing.T) {
	tr, _ := newTestTracker(0, 0)

	for i := 0; i < 1000; i++ {
		res, err := tr.Reserve(1000)
		if err != nil {
			t.Fatalf("unexpected denial on unlimited tracker: %v", err)
		}
		res.Commit(1000)
	}
	if got := tr.AvailablePct(); got != 1.0 {
		t.Errorf("AvailablePct = %v, want 1.0", got)
	}
}

func TestAvailablePct(t *testing.T) {
	tr, _ := newTestTracker(10, 100)

	res, _ := tr.Reserve(50)
	res.Commit(50)

	// 9/10 request slots and 50/100 tokens left; TPM is the tighter ceiling.
	if got := tr.AvailablePct(); got != 0.5 {
		t.Errorf("AvailablePct = %v, want 0.5", got)
	}
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker(2, 100)
	res, _ := tr.Reserve(60)
	res.Commit(60)

	tr.Reset()

	if got := tr.RequestsInWindow(); got != 0 {
		t.Errorf("RequestsInWindow = %d, want 0", got)
	}
	if got := tr.AvailablePct(); got != 1.0 {
		t.Errorf("AvailablePct = %v, want 1.0", got)
	}
}

// Concurrent reservations must never overshoot the ceiling: the
// provisional entry counts from the moment Reserve admits it.
func TestConcurrentReservationsRespectCeiling(t *testing.T) {
	const limit = 50
	tr, _ := newTestTracker(limit, 0)

	var wg sync.WaitGroup
	var admitted sync.Map
	admittedCount := make(chan struct{}, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := tr.Reserve(1)
			if err == nil {
				admitted.Store(i, res)
				admittedCount <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(admittedCount)

	n := 0
	for range admittedCount {
		n++
	}
	if n != limit {
		t.Errorf("admitted %d reservations, want exactly %d", n, limit)
	}
}
