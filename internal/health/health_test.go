package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReporter(t *testing.T, bcfg breaker.Config, cfgs ...config.ProviderConfig) (*Reporter, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfgs, bcfg, discardLogger())
	return New(reg, discardLogger()), reg
}

func pc(id string) config.ProviderConfig {
	return config.ProviderConfig{
		ID:      id,
		BaseURL: "https://" + id + ".test",
		Model:   "m",
		Keys:    []string{id + "-key"},
	}
}

func TestSnapshotCounters(t *testing.T) {
	r, _ := testReporter(t, breaker.Config{}, pc("a"))

	r.RecordSuccess("a")
	r.RecordSuccess("a")
	r.RecordFailure("a", "upstream 500")

	snap, ok := r.Snapshot("a")
	if !ok {
		t.Fatal("snapshot not found")
	}
	if snap.TotalRequests != 3 || snap.TotalSuccesses != 2 || snap.TotalFailures != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/2/1",
			snap.TotalRequests, snap.TotalSuccesses, snap.TotalFailures)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("consecutive = %d, want 1", snap.ConsecutiveFailures)
	}
	if snap.LastError != "upstream 500" {
		t.Errorf("last error = %q", snap.LastError)
	}
	if snap.LastErrorAt.IsZero() {
		t.Error("last error time not recorded")
	}
	if snap.SuccessRate < 0.66 || snap.SuccessRate > 0.67 {
		t.Errorf("success rate = %v, want ~0.667", snap.SuccessRate)
	}
}

func TestRecordRejectionCountsTotalOnly(t *testing.T) {
	r, _ := testReporter(t, breaker.Config{}, pc("a"))

	for i := 0; i < 20; i++ {
		r.RecordRejection("a", "upstream 422: invalid payload")
	}

	snap, ok := r.Snapshot("a")
	if !ok {
		t.Fatal("snapshot not found")
	}
	if snap.TotalRequests != 20 {
		t.Errorf("TotalRequests = %d, want 20", snap.TotalRequests)
	}
	if snap.TotalFailures != 0 || snap.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d/%d, want 0/0: rejections carry no health signal", snap.TotalFailures, snap.ConsecutiveFailures)
	}
	if snap.Status != StatusHealthy {
		t.Errorf("status = %q, want healthy even under a flood of rejections", snap.Status)
	}
	if snap.LastError == "" {
		t.Error("rejection detail not surfaced")
	}
}

func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		name             string
		successes, fails int
		want             Status
	}{
		{"fresh provider", 0, 0, StatusHealthy},
		{"few samples stay healthy", 1, 5, StatusHealthy},
		{"healthy", 20, 2, StatusHealthy},
		{"degraded", 14, 6, StatusDegraded},
		{"unhealthy", 4, 6, StatusUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := testReporter(t, breaker.Config{FailureThreshold: 1000}, pc("a"))
			for i := 0; i < tc.successes; i++ {
				r.RecordSuccess("a")
			}
			for i := 0; i < tc.fails; i++ {
				r.RecordFailure("a", "x")
			}

			snap, _ := r.Snapshot("a")
			if snap.Status != tc.want {
				t.Errorf("status = %q, want %q", snap.Status, tc.want)
			}
		})
	}
}

func TestStatusCircuitOpenWins(t *testing.T) {
	r, reg := testReporter(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, pc("a"))

	p, _ := reg.Provider("a")
	p.Breaker.RecordFailure()
	for i := 0; i < 20; i++ {
		r.RecordSuccess("a")
	}

	snap, _ := r.Snapshot("a")
	if snap.Status != StatusCircuitOpen {
		t.Errorf("status = %q, want circuit_open regardless of success rate", snap.Status)
	}
	if snap.BreakerState != "open" {
		t.Errorf("breaker state = %q, want open", snap.BreakerState)
	}
}

func TestQuotaRemainingPctUsesBestKey(t *testing.T) {
	cfg := pc("a")
	cfg.Keys = []string{"k1", "k2"}
	cfg.RPMLimit = 10

	r, reg := testReporter(t, breaker.Config{}, cfg)
	p, _ := reg.Provider("a")

	// Exhaust half of the first key only.
	for i := 0; i < 5; i++ {
		res, err := p.Keys[0].Quota.Reserve(0)
		if err != nil {
			t.Fatal(err)
		}
		res.Commit(0)
	}

	snap, _ := r.Snapshot("a")
	if snap.QuotaRemainingPct != 100 {
		t.Errorf("quota remaining = %v, want 100 (second key untouched)", snap.QuotaRemainingPct)
	}
}

func TestResetClearsBreakerAndQuota(t *testing.T) {
	cfg := pc("a")
	cfg.RPMLimit = 1

	r, reg := testReporter(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, cfg)
	p, _ := reg.Provider("a")

	p.Breaker.RecordFailure()
	if _, err := p.Keys[0].Quota.Reserve(0); err != nil {
		t.Fatal(err)
	}
	r.RecordFailure("a", "x")

	if !r.Reset("a") {
		t.Fatal("Reset returned false for known provider")
	}

	snap, _ := r.Snapshot("a")
	if snap.BreakerState != "closed" {
		t.Errorf("breaker = %q after reset, want closed", snap.BreakerState)
	}
	if got := p.Keys[0].Quota.RequestsInWindow(); got != 0 {
		t.Errorf("quota window = %d after reset, want 0", got)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("consecutive = %d after reset, want 0", snap.ConsecutiveFailures)
	}
	// Cumulative totals survive the reset.
	if snap.TotalFailures != 1 {
		t.Errorf("total failures = %d after reset, want 1", snap.TotalFailures)
	}

	if r.Reset("nope") {
		t.Error("Reset returned true for unknown provider")
	}
}

func TestSnapshotAllPreservesOrder(t *testing.T) {
	r, _ := testReporter(t, breaker.Config{}, pc("b"), pc("a"), pc("c"))

	snaps := r.SnapshotAll()
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	want := []string{"b", "a", "c"}
	for i, s := range snaps {
		if s.ProviderID != want[i] {
			t.Errorf("snapshot %d = %q, want %q", i, s.ProviderID, want[i])
		}
	}
}

func TestReadinessHandler(t *testing.T) {
	r, reg := testReporter(t, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, pc("a"))

	rec := httptest.NewRecorder()
	r.ReadinessHandler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d with closed breaker, want 200", rec.Code)
	}

	p, _ := reg.Provider("a")
	p.Breaker.RecordFailure()

	rec = httptest.NewRecorder()
	r.ReadinessHandler(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d with all breakers open, want 503", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "unavailable" {
		t.Errorf("body = %v", body)
	}
}

func TestLivenessHandler(t *testing.T) {
	r, _ := testReporter(t, breaker.Config{}, pc("a"))
	rec := httptest.NewRecorder()
	r.LivenessHandler(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
