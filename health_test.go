package modrun

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerRunChecks(t *testing.T) {
	store := NewMemoryManifestStore()
	registerAll(store, testManifest("com.t.plain"), testManifest("com.t.sick"))

	loader := NewLoader(NopLogger{})
	sick := &healthyStub{
		stubModule: stubModule{name: "com.t.sick", description: "reports unhealthy"},
		result:     HealthResult{Healthy: false, Message: "backend unreachable"},
	}
	loader.RegisterBuiltin("com.t.plain", func() (any, error) { return newStubModule("com.t.plain"), nil })
	loader.RegisterBuiltin("com.t.sick", func() (any, error) { return sick, nil })

	installs := NewInstallationService(store, NopLogger{})
	registry := NewRegistry(store, loader, NopLogger{}, WithInstallations(installs))
	log := NewEventLog()
	require.NoError(t, registry.RegisterObserver(log, EventTypeModuleHealthCheck))
	ctx := context.Background()

	for _, id := range []string{"com.t.plain", "com.t.sick"} {
		_, err := installs.Install(ctx, "tenant-1", id, "", nil)
		require.NoError(t, err)
		_, err = registry.Load(ctx, id, "tenant-1")
		require.NoError(t, err)
	}

	checker := NewHealthChecker(registry, installs, NopLogger{}, "")
	checker.RunChecks(ctx)

	// A module without a health reporter is healthy by virtue of being
	// loaded.
	plain, err := installs.Get("tenant-1", "com.t.plain")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, plain.HealthStatus)

	sickInst, err := installs.Get("tenant-1", "com.t.sick")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, sickInst.HealthStatus)
	assert.Equal(t, "backend unreachable", sickInst.HealthMessage)

	assert.Len(t, log.EventsOfType(EventTypeModuleHealthCheck), 2)
}

func TestHealthCheckerPanicIsUnhealthy(t *testing.T) {
	store := NewMemoryManifestStore()
	registerAll(store, testManifest("com.t.crashy"))

	loader := NewLoader(NopLogger{})
	crashy := &panickyHealthStub{stubModule: stubModule{name: "com.t.crashy", description: "panics on check"}}
	loader.RegisterBuiltin("com.t.crashy", func() (any, error) { return crashy, nil })

	installs := NewInstallationService(store, NopLogger{})
	registry := NewRegistry(store, loader, NopLogger{}, WithInstallations(installs))
	ctx := context.Background()

	_, err := installs.Install(ctx, "tenant-1", "com.t.crashy", "", nil)
	require.NoError(t, err)
	_, err = registry.Load(ctx, "com.t.crashy", "tenant-1")
	require.NoError(t, err)

	NewHealthChecker(registry, installs, NopLogger{}, "").RunChecks(ctx)

	inst, err := installs.Get("tenant-1", "com.t.crashy")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, inst.HealthStatus)
	_, stillLoaded := registry.Instance("com.t.crashy", "tenant-1")
	assert.True(t, stillLoaded, "a failing health check does not unload the module")
}

func TestHealthCheckerStartStop(t *testing.T) {
	store := NewMemoryManifestStore()
	registry := NewRegistry(store, NewLoader(NopLogger{}), NopLogger{})
	checker := NewHealthChecker(registry, nil, NopLogger{}, "@every 1h")

	require.NoError(t, checker.Start())
	checker.Stop()
}

func TestHealthCheckerBadSchedule(t *testing.T) {
	store := NewMemoryManifestStore()
	registry := NewRegistry(store, NewLoader(NopLogger{}), NopLogger{})
	checker := NewHealthChecker(registry, nil, NopLogger{}, "not a cron spec")
	assert.Error(t, checker.Start())
}

type panickyHealthStub struct {
	stubModule
}

func (m *panickyHealthStub) CheckHealth(context.Context) HealthResult {
	panic("health probe exploded")
}
