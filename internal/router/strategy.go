package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tradewind/inference-gateway/internal/registry"
)

// Strategy orders the eligible providers for one gateway call. The four
// implementations form a closed set; NewStrategy is the only constructor
// callers should use.
type Strategy interface {
	// Name returns the configuration name of the strategy.
	Name() string

	// Order returns the eligible providers in trial order. Called once
	// per gateway call; stateful strategies advance their cursor here.
	Order(eligible []*registry.Provider) []*registry.Provider
}

// NewStrategy returns the strategy for the given configuration name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "priority_failover":
		return &priorityFailover{}, nil
	case "round_robin":
		return &roundRobin{}, nil
	case "weighted":
		return newWeighted(rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	case "least_latency":
		return &leastLatency{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", name)
	}
}

// priorityFailover orders providers by configured priority ascending.
// Ties keep configuration order (stable sort).
type priorityFailover struct{}

func (s *priorityFailover) Name() string { return "priority_failover" }

func (s *priorityFailover) Order(eligible []*registry.Provider) []*registry.Provider {
	out := make([]*registry.Provider, len(eligible))
	copy(out, eligible)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// roundRobin rotates a global cursor across eligible providers, advancing
// exactly one position per gateway call regardless of outcome.
type roundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (s *roundRobin) Name() string { return "round_robin" }

func (s *roundRobin) Order(eligible []*registry.Provider) []*registry.Provider {
	if len(eligible) == 0 {
		return nil
	}

	s.mu.Lock()
	start := s.cursor % len(eligible)
	s.cursor++
	s.mu.Unlock()

	out := make([]*registry.Provider, 0, len(eligible))
	for i := 0; i < len(eligible); i++ {
		out = append(out, eligible[(start+i)%len(eligible)])
	}
	return out
}

// weighted samples providers without replacement, with selection
// probability proportional to static weight. Candidates are pre-sorted by
// priority so equal-weight providers resolve in priority order.
type weighted struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWeighted(rng *rand.Rand) *weighted { return &weighted{rng: rng} }

func (s *weighted) Name() string { return "weighted" }

func (s *weighted) Order(eligible []*registry.Provider) []*registry.Provider {
	pool := make([]*registry.Provider, len(eligible))
	copy(pool, eligible)
	sort.SliceStable(pool, func(i, j int) bool { return pool[i].Priority < pool[j].Priority })

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*registry.Provider, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, p := range pool {
			total += p.Weight
		}

		pick := 0
		if total > 0 {
			r := s.rng.Intn(total)
			for i, p := range pool {
				r -= p.Weight
				if r < 0 {
					pick = i
					break
				}
			}
		}

		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return out
}

// leastLatency orders providers by current p50 latency ascending.
// Providers with no samples are placed at the median of the known p50s,
// so unproven providers are neither starved nor flooded.
type leastLatency struct{}

func (s *leastLatency) Name() string { return "least_latency" }

func (s *leastLatency) Order(eligible []*registry.Provider) []*registry.Provider {
	type ranked struct {
		p   *registry.Provider
		p50 time.Duration
	}

	known := make([]time.Duration, 0, len(eligible))
	for _, p := range eligible {
		if d, ok := p.Latency.Percentile(0.50); ok {
			known = append(known, d)
		}
	}

	// Median of known p50s stands in for providers without samples.
	var unknownRank time.Duration
	if len(known) > 0 {
		sort.Slice(known, func(i, j int) bool { return known[i] < known[j] })
		unknownRank = known[len(known)/2]
	}

	rankedList := make([]ranked, 0, len(eligible))
	for _, p := range eligible {
		d, ok := p.Latency.Percentile(0.50)
		if !ok {
			d = unknownRank
		}
		rankedList = append(rankedList, ranked{p: p, p50: d})
	}

	sort.SliceStable(rankedList, func(i, j int) bool {
		if rankedList[i].p50 != rankedList[j].p50 {
			return rankedList[i].p50 < rankedList[j].p50
		}
		return rankedList[i].p.Priority < rankedList[j].p.Priority
	})

	out := make([]*registry.Provider, len(rankedList))
	for i, r := range rankedList {
		out[i] = r.p
	}
	return out
}
