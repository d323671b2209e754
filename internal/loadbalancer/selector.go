package loadbalancer

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/perimeterhq/gateway/internal/store"
)

// ErrNoUpstreams is returned when a route carries an empty upstream list.
var ErrNoUpstreams = errors.New("no upstreams configured")

// Selector picks an upstream from a route's list. Round-robin cursors are
// process-local and keyed by route id; different gateway processes may
// observe different cursors (no global ordering is promised). Health is not
// consulted here — health filtering belongs to the proxy orchestrator.
type Selector struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewSelector creates a new upstream selector.
func NewSelector() *Selector {
	return &Selector{
		cursors: make(map[string]uint64),
	}
}

// Select returns an upstream according to the route's strategy.
func (s *Selector) Select(upstreams []store.Upstream, strategy store.Strategy, routeID string) (store.Upstream, error) {
	if len(upstreams) == 0 {
		return store.Upstream{}, ErrNoUpstreams
	}
	if len(upstreams) == 1 {
		return upstreams[0], nil
	}

	switch strategy {
	case store.StrategyWeighted:
		return selectWeighted(upstreams), nil
	case store.StrategyRandom:
		return upstreams[rand.Intn(len(upstreams))], nil
	default:
		return s.selectRoundRobin(upstreams, routeID), nil
	}
}

// selectRoundRobin reads and advances the per-route cursor.
func (s *Selector) selectRoundRobin(upstreams []store.Upstream, routeID string) store.Upstream {
	s.mu.Lock()
	cursor := s.cursors[routeID]
	s.cursors[routeID] = cursor + 1
	s.mu.Unlock()

	return upstreams[cursor%uint64(len(upstreams))]
}

// selectWeighted draws uniformly from the total weight and walks the list.
func selectWeighted(upstreams []store.Upstream) store.Upstream {
	total := 0
	for _, u := range upstreams {
		total += u.EffectiveWeight()
	}

	r := rand.Float64() * float64(total)
	for _, u := range upstreams {
		r -= float64(u.EffectiveWeight())
		if r <= 0 {
			return u
		}
	}
	// Numerical drift: fall back to the last upstream.
	return upstreams[len(upstreams)-1]
}

// ResetCursors clears all round-robin cursors. Test hook.
func (s *Selector) ResetCursors() {
	s.mu.Lock()
	s.cursors = make(map[string]uint64)
	s.mu.Unlock()
}
