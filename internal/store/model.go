package store

import "time"

// PathType selects how a route's path is matched.
type PathType string

const (
	PathExact  PathType = "exact"
	PathPrefix PathType = "prefix"
	PathRegex  PathType = "regex"
)

// Strategy selects how an upstream is chosen from a route's list.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyWeighted   Strategy = "weighted"
	StrategyRandom     Strategy = "random"
)

// RateLimit is a tenant's default rate limit.
type RateLimit struct {
	RequestsPerSecond int `json:"requestsPerSecond"`
	BurstSize         int `json:"burstSize,omitempty"`
}

// Tenant is an isolation unit authenticated by its own api-key.
// Tenants are owned by the admin plane; the core reads immutable snapshots.
type Tenant struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	RateLimit  *RateLimit `json:"rateLimit,omitempty"`
	APIKeyHash string     `json:"-"` // never serialized to cache or clients
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Upstream is a concrete origin that can serve a route's requests.
type Upstream struct {
	URL       string `json:"url"`
	Weight    int    `json:"weight,omitempty"`
	TimeoutMs int    `json:"timeout,omitempty"`
}

// EffectiveWeight returns the upstream weight, defaulting to 1.
func (u Upstream) EffectiveWeight() int {
	if u.Weight < 1 {
		return 1
	}
	return u.Weight
}

// HeaderOps holds the three ordered header operations.
// They are applied remove, then set, then add.
type HeaderOps struct {
	Remove []string          `json:"remove,omitempty"`
	Set    map[string]string `json:"set,omitempty"`
	Add    map[string]string `json:"add,omitempty"`
}

// PathRewrite rewrites the outbound path with a regex.
type PathRewrite struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// RequestTransform transforms the upstream-bound request.
type RequestTransform struct {
	Headers     *HeaderOps   `json:"headers,omitempty"`
	PathRewrite *PathRewrite `json:"pathRewrite,omitempty"`
}

// ResponseTransform transforms the client-bound response.
type ResponseTransform struct {
	Headers *HeaderOps `json:"headers,omitempty"`
}

// Transform holds the optional request/response transformations of a route.
type Transform struct {
	Request  *RequestTransform  `json:"request,omitempty"`
	Response *ResponseTransform `json:"response,omitempty"`
}

// CircuitBreakerConfig configures the per-upstream breaker.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failureThreshold,omitempty"`
	SuccessThreshold int  `json:"successThreshold,omitempty"`
	TimeoutMs        int  `json:"timeout,omitempty"`
}

// RetryConfig configures retry with exponential backoff.
type RetryConfig struct {
	Enabled              bool  `json:"enabled"`
	MaxRetries           int   `json:"maxRetries,omitempty"`
	BaseDelayMs          int   `json:"baseDelayMs,omitempty"`
	MaxDelayMs           int   `json:"maxDelayMs,omitempty"`
	RetryableStatusCodes []int `json:"retryableStatusCodes,omitempty"`
}

// TimeoutConfig configures the upstream timeout per method.
type TimeoutConfig struct {
	DefaultMs int            `json:"default,omitempty"`
	ByMethod  map[string]int `json:"byMethod,omitempty"`
}

// HealthCheckConfig configures active background probing of an upstream.
type HealthCheckConfig struct {
	Enabled            bool   `json:"enabled"`
	Endpoint           string `json:"endpoint,omitempty"`
	IntervalMs         int    `json:"intervalMs,omitempty"`
	TimeoutMs          int    `json:"timeoutMs,omitempty"`
	HealthyThreshold   int    `json:"healthyThreshold,omitempty"`
	UnhealthyThreshold int    `json:"unhealthyThreshold,omitempty"`
}

// FallbackConfig configures the static response returned when an upstream
// response cannot be produced.
type FallbackConfig struct {
	Enabled     bool   `json:"enabled"`
	StatusCode  int    `json:"statusCode,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Body        string `json:"body,omitempty"`
}

// Resilience groups the opt-in resilience sub-configs of a route.
type Resilience struct {
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty"`
	Retry          *RetryConfig          `json:"retry,omitempty"`
	Timeout        *TimeoutConfig        `json:"timeout,omitempty"`
	HealthCheck    *HealthCheckConfig    `json:"healthCheck,omitempty"`
	Fallback       *FallbackConfig       `json:"fallback,omitempty"`
	RateLimit      *RateLimit            `json:"rateLimit,omitempty"`
}

// Route is a declarative (method, path, upstreams, …) owned by one tenant.
type Route struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	Method        string      `json:"method"` // HTTP verb or "*"
	Path          string      `json:"path"`
	PathType      PathType    `json:"pathType"`
	Upstreams     []Upstream  `json:"upstreams"`
	LoadBalancing Strategy    `json:"loadBalancing"`
	Transform     *Transform  `json:"transform,omitempty"`
	Resilience    *Resilience `json:"resilience,omitempty"`
	IsActive      bool        `json:"isActive"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// CircuitBreaker returns the route's breaker config, nil when absent or disabled.
func (r *Route) CircuitBreaker() *CircuitBreakerConfig {
	if r.Resilience == nil || r.Resilience.CircuitBreaker == nil || !r.Resilience.CircuitBreaker.Enabled {
		return nil
	}
	return r.Resilience.CircuitBreaker
}

// Retry returns the route's retry config, nil when absent or disabled.
func (r *Route) Retry() *RetryConfig {
	if r.Resilience == nil || r.Resilience.Retry == nil || !r.Resilience.Retry.Enabled {
		return nil
	}
	return r.Resilience.Retry
}

// HealthCheck returns the route's health-check config, nil when absent or disabled.
func (r *Route) HealthCheck() *HealthCheckConfig {
	if r.Resilience == nil || r.Resilience.HealthCheck == nil || !r.Resilience.HealthCheck.Enabled {
		return nil
	}
	return r.Resilience.HealthCheck
}

// Fallback returns the route's fallback config, nil when absent.
func (r *Route) Fallback() *FallbackConfig {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.Fallback
}

// Timeout returns the route's timeout config, nil when absent.
func (r *Route) Timeout() *TimeoutConfig {
	if r.Resilience == nil {
		return nil
	}
	return r.Resilience.Timeout
}

// RateLimit returns the route's own limit, nil when absent or zero. It
// narrows the tenant's default limit for this route only.
func (r *Route) RateLimit() *RateLimit {
	if r.Resilience == nil || r.Resilience.RateLimit == nil || r.Resilience.RateLimit.RequestsPerSecond <= 0 {
		return nil
	}
	return r.Resilience.RateLimit
}
