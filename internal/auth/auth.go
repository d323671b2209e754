package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/perimeterhq/gateway/internal/logging"
	"github.com/perimeterhq/gateway/internal/store"
)

// HashCost is the bcrypt cost used when minting api-key hashes.
const HashCost = 12

// Cached tenant views expire quickly so deactivation propagates within
// seconds across all gateway processes.
const cacheTTL = 5 * time.Second

// ErrTenantInactive is returned for a cached key whose tenant has been
// deactivated. The pipeline maps it to 403; every other authentication
// failure is an anonymous 401.
var ErrTenantInactive = errors.New("tenant is inactive")

// Authenticator validates api-keys against the tenant store, front-loaded
// by the shared cache.
type Authenticator struct {
	store  store.Store
	client *redis.Client
}

// NewAuthenticator creates an authenticator over the store and cache.
func NewAuthenticator(s store.Store, client *redis.Client) *Authenticator {
	return &Authenticator{store: s, client: client}
}

// HashAPIKey mints a bcrypt hash for a raw api-key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), HashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidateAPIKey resolves an api-key to its tenant. Unknown keys return
// (nil, nil); a cached key for a deactivated tenant returns
// ErrTenantInactive; store failures are returned as-is. Cache failures
// degrade to a store scan.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*store.Tenant, error) {
	if apiKey == "" {
		return nil, nil
	}

	cacheKey := "tenant:apikey:" + apiKey
	raw, err := a.client.Get(ctx, cacheKey).Result()
	if err == nil {
		var tenant store.Tenant
		if jsonErr := json.Unmarshal([]byte(raw), &tenant); jsonErr == nil {
			if !tenant.IsActive {
				return nil, ErrTenantInactive
			}
			return &tenant, nil
		}
		// Corrupt entry: fall through to the store.
	} else if err != redis.Nil {
		logging.Warn("Tenant cache read failed, falling back to store", zap.Error(err))
	}

	tenants, err := a.store.FindActiveTenants(ctx)
	if err != nil {
		return nil, err
	}

	for i := range tenants {
		tenant := tenants[i]
		if bcrypt.CompareHashAndPassword([]byte(tenant.APIKeyHash), []byte(apiKey)) != nil {
			continue
		}

		// Cache the tenant view. APIKeyHash is excluded from
		// serialization, so the cache never holds credentials.
		if view, jsonErr := json.Marshal(tenant); jsonErr == nil {
			if cacheErr := a.client.Set(ctx, cacheKey, view, cacheTTL).Err(); cacheErr != nil {
				logging.Warn("Tenant cache write failed", zap.Error(cacheErr))
			}
		}
		return &tenant, nil
	}

	return nil, nil
}

type tenantKey struct{}

// WithTenant attaches the authenticated tenant to the request context.
func WithTenant(ctx context.Context, tenant *store.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom extracts the authenticated tenant, nil when absent.
func TenantFrom(ctx context.Context) *store.Tenant {
	tenant, _ := ctx.Value(tenantKey{}).(*store.Tenant)
	return tenant
}
