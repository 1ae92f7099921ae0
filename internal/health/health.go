// Package health tracks cumulative per-provider outcomes and assembles
// point-in-time snapshots for the admin and monitoring surface. Snapshot
// assembly copies counters under short per-record locks; it never holds a
// lock across the whole computation, so reporting cannot stall in-flight
// gateway calls.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/registry"
)

// Status is the derived health classification of a provider.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusCircuitOpen Status = "circuit_open"
)

// Derivation thresholds. Rates only apply once enough requests have been
// seen to be meaningful.
const (
	minSamplesForRate = 10
	degradedFailRate  = 0.30
	unhealthyFailRate = 0.60
)

// stats holds the cumulative counters for one provider.
type stats struct {
	mu sync.Mutex

	total       uint64
	successes   uint64
	failures    uint64
	consecutive int
	lastError   string
	lastErrorAt time.Time
}

// Snapshot is the read-only per-provider view served to monitoring.
// Derived on demand; never the source of truth.
type Snapshot struct {
	ProviderID          string    `json:"provider_id"`
	DisplayName         string    `json:"display_name"`
	Status              Status    `json:"status"`
	BreakerState        string    `json:"breaker_state"`
	Priority            int       `json:"priority"`
	TotalRequests       uint64    `json:"total_requests"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalFailures       uint64    `json:"total_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SuccessRate         float64   `json:"success_rate"`
	LatencyP50Ms        float64   `json:"latency_p50_ms"`
	LatencyP90Ms        float64   `json:"latency_p90_ms"`
	QuotaRemainingPct   float64   `json:"quota_remaining_pct"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
}

// Reporter assembles health snapshots and performs administrative resets.
type Reporter struct {
	reg    *registry.Registry
	stats  map[string]*stats
	logger *slog.Logger
}

// New creates a Reporter for the given registry.
func New(reg *registry.Registry, logger *slog.Logger) *Reporter {
	s := make(map[string]*stats, reg.Len())
	for _, p := range reg.Providers() {
		s[p.ID] = &stats{}
	}
	return &Reporter{reg: reg, stats: s, logger: logger}
}

// RecordSuccess records a successful attempt against the provider's
// cumulative totals.
func (r *Reporter) RecordSuccess(providerID string) {
	s, ok := r.stats[providerID]
	if !ok {
		return
	}
	s.mu.Lock()
	s.total++
	s.successes++
	s.consecutive = 0
	s.mu.Unlock()
}

// RecordFailure records a failed attempt with its error detail.
func (r *Reporter) RecordFailure(providerID, detail string) {
	s, ok := r.stats[providerID]
	if !ok {
		return
	}
	s.mu.Lock()
	s.total++
	s.failures++
	s.consecutive++
	s.lastError = detail
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// RecordRejection records an attempt the provider refused as invalid.
// It counts toward the totals but not toward failures or the consecutive
// run: a bad request carries no signal about provider health.
func (r *Reporter) RecordRejection(providerID, detail string) {
	s, ok := r.stats[providerID]
	if !ok {
		return
	}
	s.mu.Lock()
	s.total++
	s.lastError = detail
	s.lastErrorAt = time.Now()
	s.mu.Unlock()
}

// Snapshot assembles the current view for one provider.
func (r *Reporter) Snapshot(providerID string) (Snapshot, bool) {
	p, ok := r.reg.Provider(providerID)
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(p), true
}

// SnapshotAll assembles the current view for every provider, in
// configuration order.
func (r *Reporter) SnapshotAll() []Snapshot {
	out := make([]Snapshot, 0, r.reg.Len())
	for _, p := range r.reg.Providers() {
		out = append(out, r.snapshot(p))
	}
	return out
}

// Reset is the administrative reset: it forces the provider's breaker to
// closed and clears every key's quota window. Cumulative totals used for
// success-rate reporting are preserved.
func (r *Reporter) Reset(providerID string) bool {
	p, ok := r.reg.Provider(providerID)
	if !ok {
		return false
	}

	p.Breaker.Reset()
	for _, k := range p.Keys {
		k.Quota.Reset()
	}

	if s, ok := r.stats[providerID]; ok {
		s.mu.Lock()
		s.consecutive = 0
		s.mu.Unlock()
	}

	r.logger.Info("provider administratively reset", "provider", providerID)
	return true
}

func (r *Reporter) snapshot(p *registry.Provider) Snapshot {
	s := r.stats[p.ID]

	s.mu.Lock()
	total := s.total
	successes := s.successes
	failures := s.failures
	consecutive := s.consecutive
	lastError := s.lastError
	lastErrorAt := s.lastErrorAt
	s.mu.Unlock()

	successRate := 1.0
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}

	bs := p.Breaker.State()

	snap := Snapshot{
		ProviderID:          p.ID,
		DisplayName:         p.DisplayName,
		Status:              deriveStatus(bs, total, failures),
		BreakerState:        bs.String(),
		Priority:            p.Priority,
		TotalRequests:       total,
		TotalSuccesses:      successes,
		TotalFailures:       failures,
		ConsecutiveFailures: consecutive,
		SuccessRate:         successRate,
		QuotaRemainingPct:   quotaRemainingPct(p),
		LastError:           lastError,
		LastErrorAt:         lastErrorAt,
	}

	if d, ok := p.Latency.Percentile(0.50); ok {
		snap.LatencyP50Ms = float64(d.Milliseconds())
	}
	if d, ok := p.Latency.Percentile(0.90); ok {
		snap.LatencyP90Ms = float64(d.Milliseconds())
	}

	return snap
}

func deriveStatus(bs breaker.State, total, failures uint64) Status {
	if bs == breaker.StateOpen {
		return StatusCircuitOpen
	}
	if total < minSamplesForRate {
		return StatusHealthy
	}
	rate := float64(failures) / float64(total)
	switch {
	case rate >= unhealthyFailRate:
		return StatusUnhealthy
	case rate >= degradedFailRate:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// quotaRemainingPct reports the best availability across the provider's
// keys: the provider can still serve as long as any key has headroom.
func quotaRemainingPct(p *registry.Provider) float64 {
	best := 0.0
	for _, k := range p.Keys {
		if a := k.Quota.AvailablePct(); a > best {
			best = a
		}
	}
	return best * 100
}
