package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/perimeterhq/gateway/internal/auth"
	"github.com/perimeterhq/gateway/internal/circuitbreaker"
	"github.com/perimeterhq/gateway/internal/errors"
	"github.com/perimeterhq/gateway/internal/fallback"
	"github.com/perimeterhq/gateway/internal/health"
	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/metrics"
	"github.com/perimeterhq/gateway/internal/ratelimit"
	"github.com/perimeterhq/gateway/internal/retry"
	"github.com/perimeterhq/gateway/internal/router"
	"github.com/perimeterhq/gateway/internal/store"
	"github.com/perimeterhq/gateway/internal/tracing"
	"github.com/perimeterhq/gateway/internal/transform"
)

const defaultTimeoutMs = 30000

// forwardedHeaders is the fixed allowlist copied from the client request.
var forwardedHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Language",
	"Accept-Encoding",
	"User-Agent",
	"Authorization",
}

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
}

// Proxy forwards one authenticated, rate-allowed request to an upstream,
// applying health filtering, circuit breaking, retries, timeouts and
// transforms along the way. It is re-entrant; all per-request state is
// local.
type Proxy struct {
	matcher *router.Matcher
	breaker *circuitbreaker.Breaker
	health  *health.Manager
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	client  *http.Client
}

// New creates the proxy orchestrator. The HTTP client carries no global
// timeout; each attempt gets its own context deadline.
func New(matcher *router.Matcher, breaker *circuitbreaker.Breaker, healthMgr *health.Manager, limiter *ratelimit.Limiter, m *metrics.Metrics) *Proxy {
	return &Proxy{
		matcher: matcher,
		breaker: breaker,
		health:  healthMgr,
		limiter: limiter,
		metrics: m,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Handle proxies one request for the authenticated tenant. The end-to-end
// request metrics are recorded here because only the proxy knows the
// matched route.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenant := auth.TenantFrom(r.Context())
	if tenant == nil {
		errors.ErrUnauthorized.WriteJSON(w)
		return
	}

	routeLabel := "unmatched"
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		p.metrics.ObserveRequest(tenant.ID, r.Method, routeLabel, sw.statusCode, time.Since(start))
	}()

	match, err := p.matcher.MatchRoute(r.Context(), tenant.ID, r.Method, r.URL.Path)
	if err != nil {
		logging.Error("Route lookup failed",
			zap.String("tenant_id", tenant.ID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		errors.ErrInternal.WriteJSON(sw)
		return
	}
	if match == nil {
		errors.ErrNoRoute.WriteJSON(sw)
		return
	}

	route := match.Route
	upstream := match.Upstream
	routeLabel = route.Path

	// A route-level limit narrows the tenant default for this route only.
	// It is checked here because the route is unknown before matching.
	if rl := route.RateLimit(); rl != nil {
		result, limErr := p.limiter.Check(r.Context(), ratelimit.RouteScope(tenant.ID, route.ID), ratelimit.Limit{
			RequestsPerSecond: rl.RequestsPerSecond,
			BurstSize:         rl.BurstSize,
		})
		if limErr != nil {
			logging.Error("Route rate limit check failed",
				zap.String("tenant_id", tenant.ID),
				zap.String("route_id", route.ID),
				zap.Error(limErr),
			)
			errors.ErrInternal.WriteJSON(sw)
			return
		}
		sw.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		sw.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		sw.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed {
			p.metrics.RateLimitHits.WithLabelValues(tenant.ID).Inc()
			retryAfter := int(time.Until(result.ResetAt).Seconds() + 0.999)
			errors.ErrRateLimited.WithRetryAfter(retryAfter).WriteJSON(sw)
			return
		}
	}

	if hc := route.HealthCheck(); hc != nil {
		p.health.Register(tenant.ID, route.ID, upstream.URL, hc)
		if !p.health.IsHealthy(r.Context(), tenant.ID, route.ID, upstream.URL) {
			p.respondDegraded(sw, route, errors.ErrUpstreamUnhealthy)
			return
		}
	}

	cb := route.CircuitBreaker()
	if cb != nil && !p.breaker.CanExecute(r.Context(), tenant.ID, route.ID, upstream.URL, cb) {
		p.respondDegraded(sw, route, errors.ErrCircuitOpen)
		return
	}

	p.forward(sw, r, tenant, route, upstream)
}

// forward executes the upstream call with retries and writes the response.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, tenant *store.Tenant, route *store.Route, upstream store.Upstream) {
	base, err := url.Parse(upstream.URL)
	if err != nil {
		logging.Error("Invalid upstream URL",
			zap.String("route_id", route.ID),
			zap.String("upstream", upstream.URL),
			zap.Error(err),
		)
		p.respondDegraded(w, route, errors.ErrUpstreamUnreachable)
		return
	}

	outPath := base.Path
	if route.PathType == store.PathPrefix {
		outPath += strings.TrimPrefix(r.URL.Path, route.Path)
	}

	headers := buildUpstreamHeaders(r, tenant.ID)
	outPath = transform.ApplyRequest(headers, outPath, route.Transform)

	target := base.Scheme + "://" + base.Host + outPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			errors.ErrInternal.WriteJSON(w)
			return
		}
	}

	timeout := resolveTimeout(route, upstream, r.Method)
	retryCfg := route.Retry()
	cb := route.CircuitBreaker()

	var resp *http.Response
	var respBody []byte

	attemptErr := retry.Do(r.Context(), retryCfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(attemptCtx, r.Method, target, reader)
		if reqErr != nil {
			return reqErr
		}
		req.Header = headers.Clone()
		tracing.InjectHeaders(r, req)

		attemptStart := time.Now()
		attemptResp, doErr := p.client.Do(req)
		elapsed := time.Since(attemptStart)
		if doErr != nil {
			p.metrics.ObserveUpstream(tenant.ID, upstream.URL, r.Method, 0, elapsed)
			if attemptCtx.Err() == context.DeadlineExceeded {
				return context.DeadlineExceeded
			}
			return doErr
		}
		p.metrics.ObserveUpstream(tenant.ID, upstream.URL, r.Method, attemptResp.StatusCode, elapsed)

		if retry.IsRetryable(&retry.StatusError{StatusCode: attemptResp.StatusCode}, retryCfg) {
			io.Copy(io.Discard, attemptResp.Body)
			attemptResp.Body.Close()
			return &retry.StatusError{StatusCode: attemptResp.StatusCode}
		}

		// Body is fully buffered; streaming would change the
		// fallback-on-late-failure semantics.
		respBody, reqErr = io.ReadAll(attemptResp.Body)
		attemptResp.Body.Close()
		if reqErr != nil {
			return reqErr
		}
		resp = attemptResp
		return nil
	}, func(attempt int, delay time.Duration) {
		p.metrics.RetryAttempts.WithLabelValues(tenant.ID, route.ID, strconv.Itoa(attempt)).Inc()
		logging.Debug("Retrying upstream request",
			zap.String("route_id", route.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
	})

	if attemptErr != nil {
		if cb != nil {
			p.breaker.RecordFailure(r.Context(), tenant.ID, route.ID, upstream.URL, cb)
		}
		logging.Warn("Upstream request failed",
			zap.String("tenant_id", tenant.ID),
			zap.String("route_id", route.ID),
			zap.String("upstream", upstream.URL),
			zap.Error(attemptErr),
		)
		if stderrors.Is(attemptErr, context.DeadlineExceeded) {
			p.respondDegraded(w, route, errors.ErrUpstreamTimeout)
			return
		}
		p.respondDegraded(w, route, errors.ErrUpstreamUnreachable)
		return
	}

	if cb != nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.breaker.RecordSuccess(r.Context(), tenant.ID, route.ID, upstream.URL, cb)
		} else if resp.StatusCode >= 500 {
			p.breaker.RecordFailure(r.Context(), tenant.ID, route.ID, upstream.URL, cb)
		}
	}

	respHeaders := resp.Header.Clone()
	for _, name := range hopByHopHeaders {
		respHeaders.Del(name)
	}
	transform.ApplyResponse(respHeaders, route.Transform)

	for name, values := range respHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

// respondDegraded writes the configured fallback when enabled, otherwise
// the classified error.
func (p *Proxy) respondDegraded(w http.ResponseWriter, route *store.Route, gerr *errors.GatewayError) {
	if fb := route.Fallback(); fallback.ShouldUse(fb) {
		fallback.Write(w, fb)
		return
	}
	gerr.WriteJSON(w)
}

// buildUpstreamHeaders copies the allowlist and injects forwarding headers.
func buildUpstreamHeaders(r *http.Request, tenantID string) http.Header {
	headers := make(http.Header, len(forwardedHeaders)+4)
	for _, name := range forwardedHeaders {
		if values, ok := r.Header[name]; ok {
			headers[name] = append([]string(nil), values...)
		}
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	headers.Set("X-Forwarded-For", clientIP)
	headers.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	headers.Set("X-Forwarded-Proto", proto)
	headers.Set("X-Tenant-Id", tenantID)
	return headers
}

// resolveTimeout applies the per-method, route-default, upstream, global
// precedence.
func resolveTimeout(route *store.Route, upstream store.Upstream, method string) time.Duration {
	ms := 0
	if tc := route.Timeout(); tc != nil {
		if byMethod, ok := tc.ByMethod[method]; ok && byMethod > 0 {
			ms = byMethod
		} else if tc.DefaultMs > 0 {
			ms = tc.DefaultMs
		}
	}
	if ms == 0 && upstream.TimeoutMs > 0 {
		ms = upstream.TimeoutMs
	}
	if ms == 0 {
		ms = defaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// statusWriter captures the final status for request metrics.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}
