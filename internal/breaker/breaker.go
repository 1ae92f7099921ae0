// Package breaker implements a per-provider circuit breaker with
// consecutive-failure tripping, escalating cooldowns, and bounded
// half-open probing.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tradewind/inference-gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected until cooldown elapses.
	StateHalfOpen              // Probing; a bounded number of requests test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int

	// Cooldown is the base time spent open before probing.
	Cooldown time.Duration

	// CooldownMultiplier scales the cooldown each time a half-open probe
	// fails, up to CooldownMax.
	CooldownMultiplier float64

	// CooldownMax caps the escalated cooldown.
	CooldownMax time.Duration

	// HalfOpenProbes bounds concurrent probe requests while half-open.
	HalfOpenProbes int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		CooldownMultiplier: 2.0,
		CooldownMax:        5 * time.Minute,
		HalfOpenProbes:     1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = d.CooldownMultiplier
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = d.CooldownMax
	}
	if c.CooldownMax < c.Cooldown {
		c.CooldownMax = c.Cooldown
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker is a circuit breaker guarding one provider. The open→half-open
// transition is evaluated lazily on access, so no background timers run.
type Breaker struct {
	mu sync.Mutex

	provider string
	logger   *slog.Logger
	cfg      Config

	state       State
	consecutive int
	cooldown    time.Duration // current cooldown, escalates on repeated opens
	openedAt    time.Time
	probes      int // in-flight probe admissions while half-open

	now func() time.Time // swappable for tests
}

// New creates a closed breaker for the given provider.
func New(provider string, cfg Config, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a request may proceed. While half-open, only
// cfg.HalfOpenProbes concurrent admissions are granted; every granted
// half-open admission must be settled by RecordSuccess, RecordFailure,
// or Release.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenProbes {
			b.probes++
			return true
		}
		return false
	default: // StateOpen
		return false
	}
}

// RecordSuccess records a successful call. A success while half-open
// closes the breaker and resets the cooldown to its base value.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutive = 0
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.transitionTo(StateClosed)
	case StateOpen:
		// Late result from an attempt admitted before the trip; the
		// counter reset still applies once the breaker next closes.
		b.consecutive = 0
	}
}

// RecordFailure records a failed call. Reaching the consecutive-failure
// threshold while closed trips the breaker; a half-open probe failure
// reopens it with an escalated cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutive++
		if b.consecutive >= b.cfg.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.escalateCooldown()
		b.transitionTo(StateOpen)
	case StateOpen:
		b.consecutive++
	}
}

// Release frees a half-open probe admission without recording an outcome.
// Used when an admitted attempt ends in a result that carries no signal
// about provider health. No-op in other states.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// State returns the current state, applying the lazy open→half-open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// ConsecutiveFailures returns the current consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutive
}

// CurrentCooldown returns the cooldown that applies to the current or
// next open period.
func (b *Breaker) CurrentCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Reset forces the breaker to closed and zeroes all counters, regardless
// of current state. Used by the administrative reset.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// maybeHalfOpen applies the lazy cooldown check. Must be called with b.mu held.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.transitionTo(StateHalfOpen)
	}
}

// escalateCooldown grows the cooldown after a failed probe, capped at
// CooldownMax. Must be called with b.mu held.
func (b *Breaker) escalateCooldown() {
	next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
	if next > b.cfg.CooldownMax {
		next = b.cfg.CooldownMax
	}
	b.cooldown = next
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		if newState == StateClosed {
			// Reset() while already closed still zeroes counters.
			b.consecutive = 0
			b.probes = 0
			b.cooldown = b.cfg.Cooldown
		}
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.provider, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.provider).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"provider", b.provider,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.consecutive = 0
		b.probes = 0
		b.cooldown = b.cfg.Cooldown
	case StateOpen:
		b.openedAt = b.now()
		b.probes = 0
	case StateHalfOpen:
		b.probes = 0
	}
}
