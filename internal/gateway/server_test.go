package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/perimeterhq/gateway/internal/config"
	"github.com/perimeterhq/gateway/internal/store"
	"github.com/perimeterhq/gateway/internal/tracing"
)

type fakeStore struct {
	tenants []store.Tenant
	routes  map[string][]store.Route
}

func (f *fakeStore) FindActiveTenants(context.Context) ([]store.Tenant, error) {
	return f.tenants, nil
}

func (f *fakeStore) FindActiveRoutesByTenant(_ context.Context, tenantID string) ([]store.Route, error) {
	return f.routes[tenantID], nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close()                     {}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func newTestServer(t *testing.T, fs *fakeStore) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tracer, err := tracing.New(false, "")
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Port:           8080,
		Env:            config.Test,
		AdminAPIKey:    "admin",
		MetricsEnabled: true,
	}
	return New(cfg, fs, client, tracer), mr
}

func storeWithTenant(t *testing.T, tenant store.Tenant, routes ...store.Route) *fakeStore {
	t.Helper()
	return &fakeStore{
		tenants: []store.Tenant{tenant},
		routes:  map[string][]store.Route{tenant.ID: routes},
	}
}

func TestSystemEndpoints(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	h := s.Handler()

	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != 200 {
			t.Errorf("%s: status = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("/metrics: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_http_requests_total") {
		t.Error("/metrics does not expose gateway families")
	}
}

func TestMetricsDisabled(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	tracer, _ := tracing.New(false, "")

	s := New(&config.Config{Port: 8080, AdminAPIKey: "admin"}, &fakeStore{}, client, tracer)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	// Without the endpoint mounted the path needs an API key like any
	// proxied path.
	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestReadyReportsBackendFailure(t *testing.T) {
	s, mr := newTestServer(t, &fakeStore{})
	mr.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 503 {
		t.Errorf("status = %d, want 503 with cache down", rec.Code)
	}
}

func TestMissingAPIKey(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/anything", nil))
	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestInvalidAPIKey(t *testing.T) {
	fs := storeWithTenant(t, store.Tenant{ID: "t1", IsActive: true, APIKeyHash: hashKey(t, "right")})
	s, _ := newTestServer(t, fs)

	req := httptest.NewRequest("GET", "/anything", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestInactiveCachedTenant(t *testing.T) {
	s, mr := newTestServer(t, &fakeStore{})
	view, _ := json.Marshal(store.Tenant{ID: "t1", IsActive: false})
	mr.Set("tenant:apikey:stale", string(view))

	req := httptest.NewRequest("GET", "/anything", nil)
	req.Header.Set("X-API-Key", "stale")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestAdminPrefixNotProxied(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{})
	for _, path := range []string{"/admin", "/admin/tenants"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != 404 {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestProxiedRequestEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	tenant := store.Tenant{ID: "t1", IsActive: true, APIKeyHash: hashKey(t, "k")}
	route := store.Route{
		ID: "r1", TenantID: "t1", Method: "GET", Path: "/echo", PathType: store.PathExact,
		Upstreams: []store.Upstream{{URL: upstream.URL}}, IsActive: true,
	}
	s, _ := newTestServer(t, storeWithTenant(t, tenant, route))

	req := httptest.NewRequest("GET", "/echo", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 || rec.Body.String() != "hello" {
		t.Errorf("status = %d body = %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestRateLimitBreach(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	tenant := store.Tenant{
		ID: "t1", IsActive: true, APIKeyHash: hashKey(t, "k"),
		RateLimit: &store.RateLimit{RequestsPerSecond: 2, BurstSize: 2},
	}
	route := store.Route{
		ID: "r1", TenantID: "t1", Method: "GET", Path: "/ping", PathType: store.PathExact,
		Upstreams: []store.Upstream{{URL: upstream.URL}}, IsActive: true,
	}
	s, _ := newTestServer(t, storeWithTenant(t, tenant, route))

	statuses := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/ping", nil)
		req.Header.Set("X-API-Key", "k")
		last = httptest.NewRecorder()
		s.Handler().ServeHTTP(last, req)
		statuses = append(statuses, last.Code)
	}

	want := []int{200, 200, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	if last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", last.Header().Get("X-RateLimit-Remaining"))
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset")
	}

	var body map[string]any
	json.Unmarshal(last.Body.Bytes(), &body)
	if body["retryAfter"] != float64(1) {
		t.Errorf("retryAfter = %v, want 1", body["retryAfter"])
	}
}

func TestUnlimitedTenantSkipsRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	tenant := store.Tenant{ID: "t1", IsActive: true, APIKeyHash: hashKey(t, "k")}
	route := store.Route{
		ID: "r1", TenantID: "t1", Method: "GET", Path: "/free", PathType: store.PathExact,
		Upstreams: []store.Upstream{{URL: upstream.URL}}, IsActive: true,
	}
	s, _ := newTestServer(t, storeWithTenant(t, tenant, route))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/free", nil)
		req.Header.Set("X-API-Key", "k")
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		if rec.Code != 200 {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}
}
