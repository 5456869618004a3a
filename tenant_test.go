package modrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantContext(t *testing.T) {
	ctx := NewTenantContext(context.Background(), "tenant-1")
	assert.Equal(t, TenantID("tenant-1"), ctx.GetTenantID())

	got, ok := GetTenantIDFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, TenantID("tenant-1"), got)

	_, ok = GetTenantIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestPlatformTenantIsZero(t *testing.T) {
	assert.Equal(t, PlatformTenant, TenantID(""))
}
