package router

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/perimeterhq/gateway/internal/loadbalancer"
	"github.com/perimeterhq/gateway/internal/store"
)

// Match is a resolved (route, upstream) pair for one request.
type Match struct {
	Route    *store.Route
	Upstream store.Upstream
}

// Matcher resolves inbound (method, path) pairs against a tenant's active
// routes. First match in store order wins; there is no specificity ranking
// between path types.
type Matcher struct {
	store    store.Store
	selector *loadbalancer.Selector

	// Compiled full-match patterns, keyed by the raw route path. Patterns
	// that fail to compile are cached as misses.
	regexCache sync.Map
}

// NewMatcher creates a matcher over the route store.
func NewMatcher(s store.Store, selector *loadbalancer.Selector) *Matcher {
	return &Matcher{store: s, selector: selector}
}

// MatchRoute finds the tenant's first matching active route and selects an
// upstream for it. Returns nil when no route matches.
func (m *Matcher) MatchRoute(ctx context.Context, tenantID, method, path string) (*Match, error) {
	routes, err := m.store.FindActiveRoutesByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for i := range routes {
		route := &routes[i]
		if !methodMatches(route.Method, method) {
			continue
		}
		if !m.pathMatches(route, path) {
			continue
		}

		upstream, err := m.selector.Select(route.Upstreams, route.LoadBalancing, route.ID)
		if err != nil {
			return nil, err
		}
		return &Match{Route: route, Upstream: upstream}, nil
	}

	return nil, nil
}

func methodMatches(routeMethod, method string) bool {
	return routeMethod == "*" || routeMethod == method
}

func (m *Matcher) pathMatches(route *store.Route, path string) bool {
	switch route.PathType {
	case store.PathPrefix:
		return path == route.Path || strings.HasPrefix(path, route.Path+"/")
	case store.PathRegex:
		re := m.compile(route.Path)
		return re != nil && re.MatchString(path)
	default:
		return path == route.Path
	}
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	if cached, ok := m.regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		m.regexCache.Store(pattern, nil)
		return nil
	}
	m.regexCache.Store(pattern, re)
	return re
}
