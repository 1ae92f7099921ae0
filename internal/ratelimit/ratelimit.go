// Package ratelimit provides per-caller token bucket rate limiting for
// the inbound execution surface. Buckets are keyed by caller identity and
// capability so a noisy caller on one capability cannot exhaust another.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey avoids fmt.Sprintf allocation in the hot path. The composite
// key encodes caller, rate, and burst so capability overrides get
// separate buckets.
type clientKey struct {
	caller string
	rate   rate.Limit
	burst  int
}

// Limiter tracks per-caller rate limiters and performs periodic cleanup
// of stale entries.
type Limiter struct {
	mu        sync.RWMutex
	clients   map[clientKey]*client
	rate      rate.Limit
	burst     int
	overrides map[string]config.Limits
	logger    *slog.Logger
	stopCh    chan struct{}
}

// New creates a Limiter with the given global settings and per-capability
// overrides. It starts a background goroutine that cleans up stale caller
// entries every minute.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:   make(map[clientKey]*client),
		rate:      rate.Limit(cfg.RequestsPerSecond),
		burst:     cfg.BurstSize,
		overrides: cfg.Overrides,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stopCh)
}

// UpdateConfig hot-reloads the limiter settings. Existing per-caller
// limiters are cleared so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rate = rate.Limit(cfg.RequestsPerSecond)
	l.burst = cfg.BurstSize
	l.overrides = cfg.Overrides

	// Clear existing limiters so new rates apply on next request.
	l.clients = make(map[clientKey]*client)
}

// Allow reports whether the caller may proceed with one request for the
// given capability, consuming a token when it may.
func (l *Limiter) Allow(caller, capability string) bool {
	r, burst := l.limitsFor(capability)

	if !l.getLimiter(caller, r, burst).Allow() {
		l.logger.Warn("rate limit exceeded", "caller", caller, "capability", capability)
		metrics.RateLimitHits.WithLabelValues(capability).Inc()
		return false
	}
	return true
}

// RetryAfterSeconds estimates how long a denied caller should wait before
// retrying, based on the capability's refill rate.
func (l *Limiter) RetryAfterSeconds(capability string) float64 {
	r, _ := l.limitsFor(capability)
	if r <= 0 {
		return 1
	}
	return 1.0 / float64(r)
}

func (l *Limiter) limitsFor(capability string) (rate.Limit, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if o, ok := l.overrides[capability]; ok {
		return rate.Limit(o.RequestsPerSecond), o.BurstSize
	}
	return l.rate, l.burst
}

// getLimiter returns or creates a rate limiter for the given caller key.
// Uses RWMutex: read-lock for existing callers (common path), write-lock
// only for new insertions. rate.Limiter is internally goroutine-safe so
// Allow() does not need to be called under our lock.
func (l *Limiter) getLimiter(caller string, r rate.Limit, burst int) *rate.Limiter {
	key := clientKey{caller: caller, rate: r, burst: burst}

	// Fast path: read-lock for existing callers (the common case).
	l.mu.RLock()
	if c, exists := l.clients[key]; exists {
		// Avoid time.Now() on every hit — only update lastSeen if stale.
		// The cleanup threshold is 3 minutes; refreshing once per minute
		// is sufficient to prevent eviction.
		if time.Since(c.lastSeen) > 1*time.Minute {
			l.mu.RUnlock()
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		} else {
			l.mu.RUnlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	// Slow path: need write lock to insert new caller.
	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock.
	if c, exists := l.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter := rate.NewLimiter(r, burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for key, c := range l.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
