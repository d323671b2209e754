package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/gateway/internal/cache"
	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/store"
)

// State is the breaker state for one (tenant, route, upstream) triple.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// GaugeValue encodes a state for the breaker-state gauge.
func (s State) GaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Defaults applied when a breaker config leaves a field unset.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultTimeoutMs        = 30000
)

// Status is the persisted breaker record. Timestamps are unix millis.
type Status struct {
	State           State `json:"state"`
	Failures        int   `json:"failures"`
	Successes       int   `json:"successes"`
	LastFailureTime int64 `json:"lastFailureTime,omitempty"`
	LastStateChange int64 `json:"lastStateChange"`
}

// Breaker manages distributed circuit-breaker state in the shared cache.
// Every read and write crosses the cache so all gateway processes observe
// the same state; concurrent writes are last-writer-wins, which is benign
// because every transition is idempotent modulo counter values.
type Breaker struct {
	client *redis.Client
	now    func() time.Time

	// onTransition, when set, is invoked after a state change with the
	// triple's identity. Used for the transition counter and state gauge.
	onTransition func(tenantID, routeID, upstreamURL string, from, to State)
}

// NewBreaker creates a breaker on the shared cache client.
func NewBreaker(client *redis.Client) *Breaker {
	return &Breaker{
		client: client,
		now:    time.Now,
	}
}

// OnTransition registers the transition hook.
func (b *Breaker) OnTransition(fn func(tenantID, routeID, upstreamURL string, from, to State)) {
	b.onTransition = fn
}

func key(tenantID, routeID, upstreamURL string) string {
	return fmt.Sprintf("cb:%s:%s:%s", tenantID, routeID, cache.URLHash8(upstreamURL))
}

func failureThreshold(cfg *store.CircuitBreakerConfig) int {
	if cfg.FailureThreshold > 0 {
		return cfg.FailureThreshold
	}
	return DefaultFailureThreshold
}

func successThreshold(cfg *store.CircuitBreakerConfig) int {
	if cfg.SuccessThreshold > 0 {
		return cfg.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func timeoutMs(cfg *store.CircuitBreakerConfig) int {
	if cfg.TimeoutMs > 0 {
		return cfg.TimeoutMs
	}
	return DefaultTimeoutMs
}

// load reads the triple's status, returning a fresh CLOSED record when the
// key is absent or holds unparseable JSON.
func (b *Breaker) load(ctx context.Context, k string) (Status, error) {
	raw, err := b.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return Status{State: StateClosed, LastStateChange: b.now().UnixMilli()}, nil
	}
	if err != nil {
		return Status{}, err
	}

	var st Status
	if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr != nil || st.State == "" {
		return Status{State: StateClosed, LastStateChange: b.now().UnixMilli()}, nil
	}
	return st, nil
}

// save writes the record back, refreshing the TTL so an open breaker
// outlives its timeout during a long outage.
func (b *Breaker) save(ctx context.Context, k string, st Status, cfg *store.CircuitBreakerConfig) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	ttl := time.Duration(timeoutMs(cfg))*time.Millisecond + 60*time.Second
	return b.client.Set(ctx, k, raw, ttl).Err()
}

// CanExecute reports whether a request may be attempted against the
// upstream. An OPEN breaker past its timeout transitions to HALF_OPEN and
// admits one probe. Cache errors fail open so the breaker cannot cause its
// own outage.
func (b *Breaker) CanExecute(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *store.CircuitBreakerConfig) bool {
	k := key(tenantID, routeID, upstreamURL)
	st, err := b.load(ctx, k)
	if err != nil {
		logging.Warn("Circuit breaker read failed, allowing request",
			zap.String("key", k), zap.Error(err))
		return true
	}

	switch st.State {
	case StateOpen:
		if b.now().UnixMilli()-st.LastStateChange < int64(timeoutMs(cfg)) {
			return false
		}
		b.transition(ctx, k, &st, StateHalfOpen, tenantID, routeID, upstreamURL, cfg)
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful upstream response. Cache errors are
// logged and swallowed.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *store.CircuitBreakerConfig) {
	k := key(tenantID, routeID, upstreamURL)
	st, err := b.load(ctx, k)
	if err != nil {
		logging.Warn("Circuit breaker read failed on success", zap.String("key", k), zap.Error(err))
		return
	}

	switch st.State {
	case StateHalfOpen:
		st.Successes++
		if st.Successes >= successThreshold(cfg) {
			st.Failures = 0
			st.Successes = 0
			b.transition(ctx, k, &st, StateClosed, tenantID, routeID, upstreamURL, cfg)
			return
		}
	case StateClosed:
		if st.Failures == 0 {
			return
		}
		st.Failures = 0
	default:
		return
	}

	if err := b.save(ctx, k, st, cfg); err != nil {
		logging.Warn("Circuit breaker write failed", zap.String("key", k), zap.Error(err))
	}
}

// RecordFailure notes a failed upstream response. Any failure in HALF_OPEN
// reopens the breaker. Cache errors are logged and swallowed.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID, routeID, upstreamURL string, cfg *store.CircuitBreakerConfig) {
	k := key(tenantID, routeID, upstreamURL)
	st, err := b.load(ctx, k)
	if err != nil {
		logging.Warn("Circuit breaker read failed on failure", zap.String("key", k), zap.Error(err))
		return
	}

	now := b.now().UnixMilli()
	st.LastFailureTime = now

	switch st.State {
	case StateHalfOpen:
		b.transition(ctx, k, &st, StateOpen, tenantID, routeID, upstreamURL, cfg)
		return
	case StateClosed:
		st.Failures++
		if st.Failures >= failureThreshold(cfg) {
			b.transition(ctx, k, &st, StateOpen, tenantID, routeID, upstreamURL, cfg)
			return
		}
	}

	if err := b.save(ctx, k, st, cfg); err != nil {
		logging.Warn("Circuit breaker write failed", zap.String("key", k), zap.Error(err))
	}
}

// Status returns the triple's current record. Used by tests and the
// readiness surface; production reads go through CanExecute.
func (b *Breaker) Status(ctx context.Context, tenantID, routeID, upstreamURL string) (Status, error) {
	return b.load(ctx, key(tenantID, routeID, upstreamURL))
}

func (b *Breaker) transition(ctx context.Context, k string, st *Status, to State, tenantID, routeID, upstreamURL string, cfg *store.CircuitBreakerConfig) {
	from := st.State
	st.State = to
	st.LastStateChange = b.now().UnixMilli()
	if to == StateHalfOpen {
		st.Successes = 0
	}

	if err := b.save(ctx, k, *st, cfg); err != nil {
		logging.Warn("Circuit breaker write failed", zap.String("key", k), zap.Error(err))
		return
	}

	logging.Info("Circuit breaker state change",
		zap.String("tenant_id", tenantID),
		zap.String("route_id", routeID),
		zap.String("upstream", upstreamURL),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if b.onTransition != nil {
		b.onTransition(tenantID, routeID, upstreamURL, from, to)
	}
}
