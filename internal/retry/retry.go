package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/perimeterhq/gateway/internal/store"
)

// Defaults applied when a retry config leaves a field unset.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelayMs = 1000
	DefaultMaxDelayMs  = 30000
)

// DefaultRetryableStatusCodes is used when the config lists none.
var DefaultRetryableStatusCodes = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// StatusError marks an attempt that produced a retryable HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned retryable status %d", e.StatusCode)
}

// AsStatusError unwraps err into a *StatusError, nil when it is not one.
func AsStatusError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// transient substrings in wrapped net/syscall errors.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"i/o timeout",
	"no such host",
}

// IsRetryable reports whether err warrants another attempt under cfg.
// Aborted attempts (per-attempt deadline) and transient network failures
// are retryable; a StatusError is retryable when its code is in the
// configured set.
func IsRetryable(err error, cfg *store.RetryConfig) bool {
	if err == nil {
		return false
	}

	if se := AsStatusError(err); se != nil {
		for _, code := range retryableCodes(cfg) {
			if se.StatusCode == code {
				return true
			}
		}
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func retryableCodes(cfg *store.RetryConfig) []int {
	if cfg != nil && len(cfg.RetryableStatusCodes) > 0 {
		return cfg.RetryableStatusCodes
	}
	return DefaultRetryableStatusCodes
}

// CalculateDelay returns the backoff before the attempt after attempt k:
// the exponential delay capped at max, plus up to 25% additive jitter.
func CalculateDelay(attempt, baseDelayMs, maxDelayMs int) time.Duration {
	capped := float64(baseDelayMs) * float64(uint64(1)<<uint(attempt))
	if capped > float64(maxDelayMs) {
		capped = float64(maxDelayMs)
	}
	jitter := rand.Float64() * 0.25 * capped
	return time.Duration(capped+jitter) * time.Millisecond
}

// Do runs fn up to maxRetries+1 times, sleeping a jittered exponential
// backoff between attempts. A nil or disabled config runs fn exactly once
// with no classification. onRetry, when non-nil, is invoked before each
// sleep. The first non-retryable error short-circuits.
func Do(ctx context.Context, cfg *store.RetryConfig, fn func(context.Context) error, onRetry func(attempt int, delay time.Duration)) error {
	if cfg == nil || !cfg.Enabled {
		return fn(ctx)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelayMs := cfg.BaseDelayMs
	if baseDelayMs <= 0 {
		baseDelayMs = DefaultBaseDelayMs
	}
	maxDelayMs := cfg.MaxDelayMs
	if maxDelayMs <= 0 {
		maxDelayMs = DefaultMaxDelayMs
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || !IsRetryable(err, cfg) {
			return err
		}

		delay := CalculateDelay(attempt, baseDelayMs, maxDelayMs)
		if onRetry != nil {
			onRetry(attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
