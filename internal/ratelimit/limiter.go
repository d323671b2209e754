package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The window is fixed at one second; keys expire shortly after so idle
// scopes do not accumulate in the cache.
const (
	windowMs = 1000
	keyTTL   = 2 * time.Second
)

// TenantScope is the scope for a tenant's default limit.
func TenantScope(tenantID string) string {
	return "tenant:" + tenantID
}

// RouteScope narrows the scope to one of the tenant's routes.
func RouteScope(tenantID, routeID string) string {
	return "tenant:" + tenantID + ":route:" + routeID
}

// Limit is the effective per-scope quota.
type Limit struct {
	RequestsPerSecond int
	BurstSize         int
}

// Effective returns burst size when set, requests-per-second otherwise.
func (l Limit) Effective() int {
	if l.BurstSize > 0 {
		return l.BurstSize
	}
	return l.RequestsPerSecond
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a sliding-window rate limiter backed by a shared sorted set
// per scope. State lives entirely in the cache, so every gateway process
// enforcing the same scope counts against the same window.
type Limiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewLimiter creates a limiter on the shared cache client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		now:    time.Now,
	}
}

// Check records one candidate request under scope and reports whether it is
// admitted. Eviction precedes the count so the count is window-exact; a
// denied request's member is removed again so it cannot consume future
// quota. Cache errors are returned to the caller, which surfaces them as an
// internal error: the limiter is in the critical path and does not fail
// open.
func (l *Limiter) Check(ctx context.Context, scope string, limit Limit) (Result, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	key := "ratelimit:" + scope
	member := fmt.Sprintf("%d:%s", nowMs, uuid.New().String())

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", nowMs-windowMs))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
	pipe.Expire(ctx, key, keyTTL)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	// Count before the candidate was recorded.
	currentCount := countCmd.Val()

	resetAt := now.Add(windowMs * time.Millisecond)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.UnixMilli(int64(oldest[0].Score) + windowMs)
	}

	effective := limit.Effective()
	if currentCount >= int64(effective) {
		// Roll back the candidate. Best effort: the member expires with
		// the key if the removal fails.
		_ = l.client.ZRem(ctx, key, member).Err()
		return Result{
			Allowed:   false,
			Limit:     effective,
			Remaining: 0,
			ResetAt:   resetAt,
		}, nil
	}

	remaining := effective - int(currentCount) - 1
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Limit:     effective,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
