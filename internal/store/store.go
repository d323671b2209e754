package store

import "context"

// Store is the read-only view of the tenant/route store the core consumes.
// Writes happen in the admin plane.
type Store interface {
	// FindActiveTenants returns active tenants, including apiKeyHash,
	// in store iteration order.
	FindActiveTenants(ctx context.Context) ([]Tenant, error)

	// FindActiveRoutesByTenant returns the tenant's active routes in
	// store iteration order. The order is authoritative for matching.
	FindActiveRoutesByTenant(ctx context.Context, tenantID string) ([]Route, error)

	// Ping verifies connectivity for readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close()
}
