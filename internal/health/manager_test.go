package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/perimeterhq/gateway/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client), mr
}

func testProber(upstreamURL string, cfg store.HealthCheckConfig) *prober {
	return &prober{
		tenantID:    "t1",
		routeID:     "r1",
		upstreamURL: upstreamURL,
		cfg:         cfg,
		done:        make(chan struct{}),
	}
}

func TestIsHealthyOptimisticDefault(t *testing.T) {
	m, _ := newTestManager(t)
	if !m.IsHealthy(context.Background(), "t1", "r1", "http://svc") {
		t.Error("unknown upstream should be healthy")
	}
}

func TestIsHealthyOnCacheError(t *testing.T) {
	m, mr := newTestManager(t)
	mr.Close()
	if !m.IsHealthy(context.Background(), "t1", "r1", "http://svc") {
		t.Error("cache outage should report healthy")
	}
}

func TestRecordFlipsUnhealthyAtThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	p := testProber("http://svc", store.HealthCheckConfig{
		Enabled:            true,
		UnhealthyThreshold: 2,
		HealthyThreshold:   2,
	})
	ctx := context.Background()

	m.record(ctx, p, false)
	if !m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Fatal("flipped unhealthy before threshold")
	}

	m.record(ctx, p, false)
	if m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Error("still healthy after reaching unhealthy threshold")
	}
}

func TestRecordRecoversAtHealthyThreshold(t *testing.T) {
	m, _ := newTestManager(t)
	p := testProber("http://svc", store.HealthCheckConfig{
		Enabled:            true,
		UnhealthyThreshold: 1,
		HealthyThreshold:   2,
	})
	ctx := context.Background()

	m.record(ctx, p, false)
	if m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Fatal("not unhealthy after failure")
	}

	m.record(ctx, p, true)
	if m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Fatal("recovered before healthy threshold")
	}

	m.record(ctx, p, true)
	if !m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Error("still unhealthy after reaching healthy threshold")
	}
}

func TestRecordAlternationResetsCounters(t *testing.T) {
	m, _ := newTestManager(t)
	p := testProber("http://svc", store.HealthCheckConfig{
		Enabled:            true,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	})
	ctx := context.Background()

	// Alternating outcomes never accumulate three consecutive failures.
	for i := 0; i < 5; i++ {
		m.record(ctx, p, false)
		m.record(ctx, p, false)
		m.record(ctx, p, true)
	}
	if !m.IsHealthy(ctx, "t1", "r1", "http://svc") {
		t.Error("alternating outcomes crossed the unhealthy threshold")
	}
}

func TestRecordInvokesOnResult(t *testing.T) {
	m, _ := newTestManager(t)
	var observed []bool
	m.OnResult(func(_, _, _ string, healthy bool) {
		observed = append(observed, healthy)
	})

	p := testProber("http://svc", store.HealthCheckConfig{Enabled: true, UnhealthyThreshold: 1, HealthyThreshold: 1})
	m.record(context.Background(), p, false)
	m.record(context.Background(), p, true)

	if len(observed) != 2 || observed[0] || !observed[1] {
		t.Errorf("observed = %v, want [false true]", observed)
	}
}

func TestProbeAgainstLiveUpstream(t *testing.T) {
	healthy := true
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("probe path = %q, want /healthz", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	m, _ := newTestManager(t)
	p := testProber(upstream.URL, store.HealthCheckConfig{
		Enabled:            true,
		Endpoint:           "/healthz",
		TimeoutMs:          1000,
		UnhealthyThreshold: 1,
		HealthyThreshold:   1,
	})
	ctx := context.Background()

	m.probe(ctx, p)
	if !m.IsHealthy(ctx, "t1", "r1", upstream.URL) {
		t.Fatal("2xx probe left upstream unhealthy")
	}

	healthy = false
	m.probe(ctx, p)
	if m.IsHealthy(ctx, "t1", "r1", upstream.URL) {
		t.Error("5xx probe left upstream healthy")
	}
}

func TestProbeConnectionErrorIsFailure(t *testing.T) {
	m, _ := newTestManager(t)
	p := testProber("http://127.0.0.1:1", store.HealthCheckConfig{
		Enabled:            true,
		TimeoutMs:          200,
		UnhealthyThreshold: 1,
		HealthyThreshold:   1,
	})
	ctx := context.Background()

	m.probe(ctx, p)
	if m.IsHealthy(ctx, "t1", "r1", "http://127.0.0.1:1") {
		t.Error("unreachable upstream reported healthy")
	}
}

func TestRegisterDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := &store.HealthCheckConfig{Enabled: true}

	m.Register("t1", "r1", "http://svc", cfg)
	m.Register("t1", "r1", "http://svc", cfg)
	if len(m.probers) != 1 {
		t.Errorf("probers = %d, want 1 after duplicate registration", len(m.probers))
	}

	m.Register("t1", "r1", "http://other", cfg)
	if len(m.probers) != 2 {
		t.Errorf("probers = %d, want 2 for distinct triples", len(m.probers))
	}
}

func TestRegisterIgnoresDisabled(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register("t1", "r1", "http://svc", nil)
	m.Register("t1", "r1", "http://svc", &store.HealthCheckConfig{Enabled: false})
	if len(m.probers) != 0 {
		t.Errorf("probers = %d, want 0", len(m.probers))
	}
}

func TestStartStop(t *testing.T) {
	m, _ := newTestManager(t)
	m.Register("t1", "r1", "http://127.0.0.1:1", &store.HealthCheckConfig{
		Enabled:   true,
		TimeoutMs: 100,
	})

	m.Start()
	m.Stop()
	if len(m.probers) != 0 {
		t.Errorf("probers = %d after Stop, want 0", len(m.probers))
	}
	// Stop is idempotent.
	m.Stop()
}
