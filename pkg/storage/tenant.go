package storage

import "context"

type tenantKey struct{}

// SetTenant injects a tenant identifier into the context.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenant extracts the tenant identifier from the context.
// Returns an empty string if no tenant is set (single-tenant mode).
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

// Visible reports whether a record owned by owner may be read in ctx.
// Without a tenant in the context every record is visible.
func Visible(ctx context.Context, owner string) bool {
	tenant := GetTenant(ctx)
	return tenant == "" || tenant == owner
}
