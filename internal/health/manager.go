package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/gateway/internal/cache"
	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/store"
)

// Probe intervals are clamped so misconfigured routes cannot hammer their
// own upstreams.
const (
	minInterval       = 5 * time.Second
	defaultInterval   = 30 * time.Second
	defaultTimeout    = 5 * time.Second
	defaultHealthyN   = 2
	defaultUnhealthyN = 3
	defaultEndpoint   = "/health"
)

// Status is the persisted health record for one upstream. Timestamps are
// unix millis, zero when the event has not happened yet.
type Status struct {
	Healthy              bool  `json:"healthy"`
	ConsecutiveSuccesses int   `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int   `json:"consecutiveFailures"`
	LastCheckTime        int64 `json:"lastCheckTime,omitempty"`
	LastSuccessTime      int64 `json:"lastSuccessTime,omitempty"`
	LastFailureTime      int64 `json:"lastFailureTime,omitempty"`
}

type prober struct {
	tenantID    string
	routeID     string
	upstreamURL string
	cfg         store.HealthCheckConfig
	cancel      context.CancelFunc
	done        chan struct{}
}

// Manager runs background probers per (tenant, route, upstream) triple and
// publishes their results to the shared cache. It holds only identity
// tuples, never route objects, so config edits cannot leave it pointing at
// stale data.
type Manager struct {
	client     *redis.Client
	httpClient *http.Client

	// onResult, when set, is invoked after every probe with the latest
	// status. Used for the health-status gauge.
	onResult func(tenantID, routeID, upstreamURL string, healthy bool)

	mu      sync.Mutex
	probers map[string]*prober
	started bool
}

// NewManager creates a health-check manager on the shared cache client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{
		client:     client,
		httpClient: &http.Client{},
		probers:    make(map[string]*prober),
	}
}

// OnResult registers the probe-result hook.
func (m *Manager) OnResult(fn func(tenantID, routeID, upstreamURL string, healthy bool)) {
	m.onResult = fn
}

func key(tenantID, routeID, upstreamURL string) string {
	return fmt.Sprintf("health:%s:%s:%s", tenantID, routeID, cache.URLHash8(upstreamURL))
}

// Register adds a prober for the triple. Registering an existing triple is
// a no-op, so the proxy can register lazily on every request. The prober
// starts immediately when the manager is already running.
func (m *Manager) Register(tenantID, routeID, upstreamURL string, cfg *store.HealthCheckConfig) {
	if cfg == nil || !cfg.Enabled {
		return
	}
	k := key(tenantID, routeID, upstreamURL)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.probers[k]; exists {
		return
	}

	p := &prober{
		tenantID:    tenantID,
		routeID:     routeID,
		upstreamURL: upstreamURL,
		cfg:         *cfg,
		done:        make(chan struct{}),
	}
	m.probers[k] = p
	if m.started {
		m.startProber(p)
	}
}

// Start launches all registered probers. Probers registered afterwards
// start on registration.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for _, p := range m.probers {
		m.startProber(p)
	}
}

// Stop cancels all probers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.started = false
	probers := make([]*prober, 0, len(m.probers))
	for k, p := range m.probers {
		probers = append(probers, p)
		delete(m.probers, k)
	}
	m.mu.Unlock()

	for _, p := range probers {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
	}
}

func (m *Manager) startProber(p *prober) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	go func() {
		defer close(p.done)

		interval := defaultInterval
		if p.cfg.IntervalMs > 0 {
			interval = time.Duration(p.cfg.IntervalMs) * time.Millisecond
		}
		if interval < minInterval {
			interval = minInterval
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.probe(ctx, p)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx, p)
			}
		}
	}()
}

// probe runs one GET against the upstream's health endpoint and folds the
// outcome into the shared status.
func (m *Manager) probe(ctx context.Context, p *prober) {
	endpoint := p.cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := defaultTimeout
	if p.cfg.TimeoutMs > 0 {
		timeout = time.Duration(p.cfg.TimeoutMs) * time.Millisecond
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	success := false
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.upstreamURL+endpoint, nil)
	if err == nil {
		resp, reqErr := m.httpClient.Do(req)
		if reqErr == nil {
			success = resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
		}
	}

	m.record(ctx, p, success)
}

func (m *Manager) record(ctx context.Context, p *prober, success bool) {
	k := key(p.tenantID, p.routeID, p.upstreamURL)
	st, err := m.load(ctx, k)
	if err != nil {
		logging.Warn("Health status read failed", zap.String("key", k), zap.Error(err))
		return
	}

	healthyThreshold := p.cfg.HealthyThreshold
	if healthyThreshold <= 0 {
		healthyThreshold = defaultHealthyN
	}
	unhealthyThreshold := p.cfg.UnhealthyThreshold
	if unhealthyThreshold <= 0 {
		unhealthyThreshold = defaultUnhealthyN
	}

	now := time.Now().UnixMilli()
	if success {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.LastSuccessTime = now
		if st.ConsecutiveSuccesses >= healthyThreshold {
			st.Healthy = true
		}
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
		st.LastFailureTime = now
		if st.ConsecutiveFailures >= unhealthyThreshold {
			if st.Healthy {
				logging.Warn("Upstream marked unhealthy",
					zap.String("tenant_id", p.tenantID),
					zap.String("route_id", p.routeID),
					zap.String("upstream", p.upstreamURL),
				)
			}
			st.Healthy = false
		}
	}
	st.LastCheckTime = now

	interval := defaultInterval
	if p.cfg.IntervalMs > 0 {
		interval = time.Duration(p.cfg.IntervalMs) * time.Millisecond
	}
	if interval < minInterval {
		interval = minInterval
	}

	raw, _ := json.Marshal(st)
	if err := m.client.Set(ctx, k, raw, 3*interval).Err(); err != nil {
		logging.Warn("Health status write failed", zap.String("key", k), zap.Error(err))
	}

	if m.onResult != nil {
		m.onResult(p.tenantID, p.routeID, p.upstreamURL, st.Healthy)
	}
}

// load reads a status, starting optimistic when the key is absent.
func (m *Manager) load(ctx context.Context, k string) (Status, error) {
	raw, err := m.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return Status{Healthy: true}, nil
	}
	if err != nil {
		return Status{}, err
	}
	var st Status
	if jsonErr := json.Unmarshal([]byte(raw), &st); jsonErr != nil {
		return Status{Healthy: true}, nil
	}
	return st, nil
}

// IsHealthy reads the triple's cached health. Missing status or cache
// errors report healthy so health checking never blocks traffic on its own.
func (m *Manager) IsHealthy(ctx context.Context, tenantID, routeID, upstreamURL string) bool {
	st, err := m.load(ctx, key(tenantID, routeID, upstreamURL))
	if err != nil {
		logging.Warn("Health status read failed, assuming healthy", zap.Error(err))
		return true
	}
	return st.Healthy
}
