// Package router picks the provider that serves an admitted request.
//
// A router owns an ordered provider pool and a routing strategy:
//   - round_robin: rotates through the pool using a persisted offset
//   - shuffle: uniform random pick
//   - least_busy: fewest in-flight requests, ties broken by pool order
//
// Candidates are filtered by their QoS policies before the strategy runs.
package router

import (
	"fmt"
	"math/rand/v2"

	"github.com/felipepmaragno/admission-gateway/internal/cycle"
	"github.com/felipepmaragno/admission-gateway/internal/domain"
)

// Strategy chooses one provider from a candidate pool.
type Strategy interface {
	// ChooseProvider returns the chosen provider and, when the strategy
	// ranks by load, the load it ranked by. An empty pool fails with
	// domain.ErrNoCandidates.
	ChooseProvider(candidates []domain.Provider) (domain.Provider, *float64, error)
	Name() string
}

// NewStrategy returns the strategy for kind. offset is only used by round-robin.
func NewStrategy(kind domain.RoutingStrategy, offset int64) (Strategy, error) {
	switch kind {
	case domain.RoutingRoundRobin:
		return NewRoundRobin(offset), nil
	case domain.RoutingShuffle, "":
		return NewShuffle(), nil
	case domain.RoutingLeastBusy:
		return LeastBusy{}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", kind)
	}
}

// RoundRobin serves the candidate at the router's rotation offset.
type RoundRobin struct {
	offset int64
}

func NewRoundRobin(offset int64) *RoundRobin {
	return &RoundRobin{offset: offset}
}

func (s *RoundRobin) ChooseProvider(candidates []domain.Provider) (domain.Provider, *float64, error) {
	p, err := cycle.NewTrackedCycle(candidates, s.offset).Next()
	if err != nil {
		return domain.Provider{}, nil, err
	}
	return p, nil, nil
}

func (s *RoundRobin) Name() string { return string(domain.RoutingRoundRobin) }

// Shuffle picks a candidate uniformly at random.
type Shuffle struct {
	intN func(n int) int
}

func NewShuffle() *Shuffle {
	return &Shuffle{intN: rand.IntN}
}

func (s *Shuffle) ChooseProvider(candidates []domain.Provider) (domain.Provider, *float64, error) {
	if len(candidates) == 0 {
		return domain.Provider{}, nil, domain.ErrNoCandidates
	}
	return candidates[s.intN(len(candidates))], nil, nil
}

func (s *Shuffle) Name() string { return string(domain.RoutingShuffle) }

// LeastBusy picks the candidate with the fewest in-flight requests.
// An unknown count ranks as zero.
type LeastBusy struct{}

func (LeastBusy) ChooseProvider(candidates []domain.Provider) (domain.Provider, *float64, error) {
	if len(candidates) == 0 {
		return domain.Provider{}, nil, domain.ErrNoCandidates
	}

	best, bestLoad := 0, load(candidates[0])
	for i := 1; i < len(candidates); i++ {
		if l := load(candidates[i]); l < bestLoad {
			best, bestLoad = i, l
		}
	}

	score := float64(bestLoad)
	return candidates[best], &score, nil
}

func (LeastBusy) Name() string { return string(domain.RoutingLeastBusy) }

func load(p domain.Provider) int64 {
	if p.Signals.ParallelRequests == nil {
		return 0
	}
	return *p.Signals.ParallelRequests
}
