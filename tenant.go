package modrun

// A single runtime instance serves multiple isolated tenants; every
// installation and every loaded module instance is scoped by TenantID. The
// empty TenantID denotes platform scope, used for modules loaded outside
// any tenant installation.

import (
	"context"
)

// TenantID is a unique tenant identifier. Tenant IDs should be stable
// strings such as customer ids, domains, or UUIDs.
type TenantID string

// PlatformTenant is the zero TenantID used for platform-scoped loads.
const PlatformTenant TenantID = ""

// TenantContext carries tenant identification through the call chain.
// Use it whenever an operation needs to be tenant-specific.
type TenantContext struct {
	context.Context
	tenantID TenantID
}

// NewTenantContext creates a context bound to the given tenant.
func NewTenantContext(ctx context.Context, tenantID TenantID) *TenantContext {
	return &TenantContext{
		Context:  ctx,
		tenantID: tenantID,
	}
}

// GetTenantID returns the tenant ID carried by the context.
func (tc *TenantContext) GetTenantID() TenantID {
	return tc.tenantID
}

// GetTenantIDFromContext extracts the tenant ID from a context, returning
// false when the context is not tenant-aware.
func GetTenantIDFromContext(ctx context.Context) (TenantID, bool) {
	if tc, ok := ctx.(*TenantContext); ok {
		return tc.GetTenantID(), true
	}
	return "", false
}
