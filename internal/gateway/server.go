package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/perimeterhq/gateway/internal/auth"
	"github.com/perimeterhq/gateway/internal/cache"
	"github.com/perimeterhq/gateway/internal/circuitbreaker"
	"github.com/perimeterhq/gateway/internal/config"
	"github.com/perimeterhq/gateway/internal/errors"
	"github.com/perimeterhq/gateway/internal/health"
	"github.com/perimeterhq/gateway/internal/loadbalancer"
	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/metrics"
	"github.com/perimeterhq/gateway/internal/middleware"
	"github.com/perimeterhq/gateway/internal/proxy"
	"github.com/perimeterhq/gateway/internal/ratelimit"
	"github.com/perimeterhq/gateway/internal/router"
	"github.com/perimeterhq/gateway/internal/store"
	"github.com/perimeterhq/gateway/internal/tracing"
)

// adminPrefix is reserved for the external admin plane and never proxied.
const adminPrefix = "/admin"

// Server is the pipeline host: it owns the HTTP listener, the system
// endpoints, and the middleware chain in front of the proxy.
type Server struct {
	cfg     *config.Config
	store   store.Store
	cache   *redis.Client
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	health  *health.Manager
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	proxy   *proxy.Proxy

	httpServer *http.Server
}

// New wires the full pipeline over the store and shared cache.
func New(cfg *config.Config, st store.Store, client *redis.Client, tracer *tracing.Tracer) *Server {
	m := metrics.New()

	breaker := circuitbreaker.NewBreaker(client)
	breaker.OnTransition(func(tenantID, routeID, upstreamURL string, from, to circuitbreaker.State) {
		upstream := metrics.NormalizeUpstream(upstreamURL)
		m.CircuitBreakerTransitions.WithLabelValues(tenantID, routeID, upstream, string(from), string(to)).Inc()
		m.CircuitBreakerState.WithLabelValues(tenantID, routeID, upstream).Set(to.GaugeValue())
	})

	healthMgr := health.NewManager(client)
	healthMgr.OnResult(func(tenantID, routeID, upstreamURL string, healthy bool) {
		value := 0.0
		if healthy {
			value = 1.0
		}
		m.HealthCheckStatus.WithLabelValues(tenantID, routeID, metrics.NormalizeUpstream(upstreamURL)).Set(value)
	})

	matcher := router.NewMatcher(st, loadbalancer.NewSelector())
	limiter := ratelimit.NewLimiter(client)

	s := &Server{
		cfg:     cfg,
		store:   st,
		cache:   client,
		auth:    auth.NewAuthenticator(st, client),
		limiter: limiter,
		health:  healthMgr,
		metrics: m,
		tracer:  tracer,
		proxy:   proxy.New(matcher, breaker, healthMgr, limiter, m),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// handler mounts the system endpoints and routes everything else through
// the proxy pipeline.
func (s *Server) handler() http.Handler {
	mux := httprouter.New()
	mux.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.GET("/ready", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s.handleReady(w, r)
	})
	if s.cfg.MetricsEnabled {
		mux.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	pipeline := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		s.tracer.Middleware(),
		middleware.AccessLog(),
		s.trackConnections(),
		s.authenticate(),
		s.rateLimit(),
	).ThenFunc(s.proxy.Handle)

	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == adminPrefix || strings.HasPrefix(r.URL.Path, adminPrefix+"/") {
			errors.ErrNoRoute.WriteJSON(w)
			return
		}
		pipeline.ServeHTTP(w, r)
	})
	// Non-GET requests to system paths are not proxied either.
	mux.HandleMethodNotAllowed = true
	return mux
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "cache": "ok"}
	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := cache.Ping(ctx, s.cache); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// trackConnections maintains the in-flight request gauge.
func (s *Server) trackConnections() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.metrics.ActiveConnections.Inc()
			defer s.metrics.ActiveConnections.Dec()
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate resolves X-API-Key to a tenant. Unknown keys are an
// anonymous 401; a cached key for a deactivated tenant is 403.
func (s *Server) authenticate() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				errors.ErrUnauthorized.WriteJSON(w)
				return
			}

			tenant, err := s.auth.ValidateAPIKey(r.Context(), apiKey)
			if err == auth.ErrTenantInactive {
				errors.ErrForbidden.WriteJSON(w)
				return
			}
			if err != nil {
				logging.Error("Tenant validation failed", zap.Error(err))
				errors.ErrInternal.WriteJSON(w)
				return
			}
			if tenant == nil {
				errors.ErrUnauthorized.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithTenant(r.Context(), tenant)))
		})
	}
}

// rateLimit enforces the tenant's default limit. Tenants without a
// configured limit pass through unthrottled.
func (s *Server) rateLimit() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := auth.TenantFrom(r.Context())
			if tenant == nil || tenant.RateLimit == nil || tenant.RateLimit.RequestsPerSecond <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			result, err := s.limiter.Check(r.Context(), ratelimit.TenantScope(tenant.ID), ratelimit.Limit{
				RequestsPerSecond: tenant.RateLimit.RequestsPerSecond,
				BurstSize:         tenant.RateLimit.BurstSize,
			})
			if err != nil {
				logging.Error("Rate limit check failed", zap.String("tenant_id", tenant.ID), zap.Error(err))
				errors.ErrInternal.WriteJSON(w)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				s.metrics.RateLimitHits.WithLabelValues(tenant.ID).Inc()
				retryAfter := int(time.Until(result.ResetAt).Seconds() + 0.999)
				errors.ErrRateLimited.WithRetryAfter(retryAfter).WriteJSON(w)
				return
			}

			s.metrics.RateLimitRemaining.WithLabelValues(tenant.ID).Set(float64(result.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// registerHealthProbes registers probers for every active route that has
// health checking enabled. Routes created later are picked up lazily on
// their first request.
func (s *Server) registerHealthProbes(ctx context.Context) error {
	tenants, err := s.store.FindActiveTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		routes, err := s.store.FindActiveRoutesByTenant(ctx, tenant.ID)
		if err != nil {
			return err
		}
		for i := range routes {
			route := &routes[i]
			hc := route.HealthCheck()
			if hc == nil {
				continue
			}
			for _, upstream := range route.Upstreams {
				s.health.Register(tenant.ID, route.ID, upstream.URL, hc)
			}
		}
	}
	return nil
}

// Start registers health probers, starts them, and begins serving.
// It blocks until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registerHealthProbes(ctx); err != nil {
		logging.Warn("Health probe registration failed, continuing with lazy registration", zap.Error(err))
	}
	s.health.Start()

	logging.Info("Gateway listening",
		zap.String("addr", s.cfg.Addr()),
		zap.String("env", string(s.cfg.Env)),
	)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the listener, then stops probers and closes the cache
// and store, in that order.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.health.Stop()
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.store.Close()
	return err
}

// Handler exposes the full handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
