// Package placement chooses which live executor receives a dispatched
// job. The strategy can be switched at runtime through the admin API.
package placement

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

// Strategy names a selection policy.
type Strategy string

const (
	Random     Strategy = "RANDOM"
	RoundRobin Strategy = "ROUND_ROBIN"
	LeastLoad  Strategy = "LEAST_LOAD"
)

// ParseStrategy validates a strategy name from config or the API.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Random, RoundRobin, LeastLoad:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown selection strategy %q", s)
}

// Selector applies the current strategy to a candidate set.
type Selector struct {
	mu       sync.Mutex
	strategy Strategy
	next     uint64 // round-robin cursor, wraps modulo the live set
}

// NewSelector starts with the given strategy.
func NewSelector(s Strategy) *Selector {
	return &Selector{strategy: s}
}

// Strategy returns the active policy.
func (s *Selector) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetStrategy switches the policy; takes effect on the next pick.
func (s *Selector) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

// Pick selects one executor from candidates, or reports false when
// none can take work. Saturated executors (current load at max) are
// never picked; candidates are expected in a stable order so
// round-robin cycles deterministically.
func (s *Selector) Pick(candidates []job.ExecutorInfo) (job.ExecutorInfo, bool) {
	eligible := make([]job.ExecutorInfo, 0, len(candidates))
	for _, c := range candidates {
		if c.MaxLoad > 0 && c.CurrentLoad >= c.MaxLoad {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return job.ExecutorInfo{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.strategy {
	case RoundRobin:
		pick := eligible[s.next%uint64(len(eligible))]
		s.next++
		return pick, true
	case LeastLoad:
		best := eligible[0]
		for _, c := range eligible[1:] {
			if loadRatio(c) < loadRatio(best) {
				best = c
			}
		}
		return best, true
	default:
		return eligible[rand.IntN(len(eligible))], true
	}
}

// loadRatio is current_load over max_load, so a worker's headroom is
// judged relative to its capacity. An unbounded executor (max_load
// <= 0) counts as unloaded.
func loadRatio(e job.ExecutorInfo) float64 {
	if e.MaxLoad <= 0 {
		return 0
	}
	return float64(e.CurrentLoad) / float64(e.MaxLoad)
}
