package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool against databaseURL.
func Connect(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const findActiveTenantsSQL = `
SELECT id, name, is_active, rate_limit, api_key_hash, created_at, updated_at
FROM tenants
WHERE is_active = true
ORDER BY created_at, id`

// FindActiveTenants returns active tenants in store iteration order.
func (p *Postgres) FindActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := p.pool.Query(ctx, findActiveTenantsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying active tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		var rateLimit []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.IsActive, &rateLimit, &t.APIKeyHash, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		if len(rateLimit) > 0 {
			var rl RateLimit
			if err := json.Unmarshal(rateLimit, &rl); err != nil {
				return nil, fmt.Errorf("decoding rate limit for tenant %s: %w", t.ID, err)
			}
			t.RateLimit = &rl
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

const findActiveRoutesSQL = `
SELECT id, tenant_id, method, path, path_type, upstreams, load_balancing,
       transform, resilience, is_active, created_at, updated_at
FROM routes
WHERE tenant_id = $1 AND is_active = true
ORDER BY created_at, id`

// FindActiveRoutesByTenant returns the tenant's active routes in store
// iteration order.
func (p *Postgres) FindActiveRoutesByTenant(ctx context.Context, tenantID string) ([]Route, error) {
	rows, err := p.pool.Query(ctx, findActiveRoutesSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying routes for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		var upstreams, transform, resilience []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Method, &r.Path, &r.PathType,
			&upstreams, &r.LoadBalancing, &transform, &resilience,
			&r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning route row: %w", err)
		}
		if err := json.Unmarshal(upstreams, &r.Upstreams); err != nil {
			return nil, fmt.Errorf("decoding upstreams for route %s: %w", r.ID, err)
		}
		if len(transform) > 0 {
			r.Transform = &Transform{}
			if err := json.Unmarshal(transform, r.Transform); err != nil {
				return nil, fmt.Errorf("decoding transform for route %s: %w", r.ID, err)
			}
		}
		if len(resilience) > 0 {
			r.Resilience = &Resilience{}
			if err := json.Unmarshal(resilience, r.Resilience); err != nil {
				return nil, fmt.Errorf("decoding resilience for route %s: %w", r.ID, err)
			}
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// Ping verifies pool connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
