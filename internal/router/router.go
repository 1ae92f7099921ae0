// Package router builds ordered candidate lists over the provider
// registry. Eligibility filtering (breaker state, capability, quota
// pre-check) is shared; the ordering itself is delegated to the
// configured Strategy.
package router

import (
	"log/slog"
	"sync"

	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/registry"
)

// Candidate is one provider+key pair a gateway call may attempt.
type Candidate struct {
	Provider *registry.Provider
	Key      *registry.Key
}

// Router produces candidate lists for the gateway. The strategy can be
// swapped at runtime (config hot-reload).
type Router struct {
	mu        sync.Mutex
	reg       *registry.Registry
	strategy  Strategy
	keyCursor map[string]int // per-provider key rotation position
	logger    *slog.Logger
}

// New creates a Router over the given registry.
func New(reg *registry.Registry, strategy Strategy, logger *slog.Logger) *Router {
	return &Router{
		reg:       reg,
		strategy:  strategy,
		keyCursor: make(map[string]int),
		logger:    logger,
	}
}

// Strategy returns the name of the active strategy.
func (r *Router) Strategy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.strategy.Name()
}

// SetStrategy swaps the active strategy. Used on config hot-reload.
func (r *Router) SetStrategy(s Strategy) {
	r.mu.Lock()
	old := r.strategy
	r.strategy = s
	r.mu.Unlock()

	if old.Name() != s.Name() {
		r.logger.Info("routing strategy changed", "old", old.Name(), "new", s.Name())
	}
}

// SelectCandidates returns the full ordered candidate list for one
// gateway call, so the caller can fail over without re-invoking the
// router. Excluded are providers named in exclude, providers whose
// breaker is open, and keys whose quota pre-check fails outright for the
// given token estimate. The quota pre-check is non-binding; the gateway
// re-checks with a real reservation at attempt time.
func (r *Router) SelectCandidates(capability string, estimatedTokens int, exclude map[string]bool) []Candidate {
	eligible := make([]*registry.Provider, 0, r.reg.Len())
	for _, p := range r.reg.ProvidersFor(capability) {
		if exclude[p.ID] {
			continue
		}
		// Open breakers admit nothing; closed and half-open providers
		// stay in the list (half-open admission is decided per attempt).
		if p.Breaker.State() == breaker.StateOpen {
			continue
		}
		if !anyKeyEligible(p, estimatedTokens) {
			continue
		}
		eligible = append(eligible, p)
	}

	if len(eligible) == 0 {
		r.logger.Warn("no eligible providers",
			"capability", capability,
			"strategy", r.Strategy(),
			"excluded", len(exclude),
			"configured", r.reg.Len(),
		)
		return nil
	}

	r.mu.Lock()
	strategy := r.strategy
	r.mu.Unlock()

	ordered := strategy.Order(eligible)

	var out []Candidate
	for _, p := range ordered {
		for _, k := range r.rotatedKeys(p, estimatedTokens) {
			out = append(out, Candidate{Provider: p, Key: k})
		}
	}
	return out
}

// rotatedKeys returns the provider's quota-eligible keys starting at the
// least-recently-used position, then advances the rotation cursor so
// consecutive calls spread load across the key pool.
func (r *Router) rotatedKeys(p *registry.Provider, estimatedTokens int) []*registry.Key {
	n := len(p.Keys)

	r.mu.Lock()
	start := r.keyCursor[p.ID] % n
	r.keyCursor[p.ID] = (start + 1) % n
	r.mu.Unlock()

	keys := make([]*registry.Key, 0, n)
	for i := 0; i < n; i++ {
		k := p.Keys[(start+i)%n]
		if k.Quota.CanReserve(estimatedTokens) {
			keys = append(keys, k)
		}
	}
	return keys
}

func anyKeyEligible(p *registry.Provider, estimatedTokens int) bool {
	for _, k := range p.Keys {
		if k.Quota.CanReserve(estimatedTokens) {
			return true
		}
	}
	return false
}
