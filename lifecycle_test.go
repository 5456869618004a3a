package modrun

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstallFixture(t *testing.T, manifests ...*ModuleManifest) *InstallationService {
	t.Helper()
	store := NewMemoryManifestStore()
	registerAll(store, manifests...)
	return NewInstallationService(store, NopLogger{})
}

func TestInstallLifecycle(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"))
	ctx := context.Background()

	inst, err := installs.Install(ctx, "tenant-1", "com.t.a", "", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, "1.0.0", inst.Version)
	assert.Equal(t, HealthUnknown, inst.HealthStatus)
	assert.NotEmpty(t, inst.ID)

	// A tenant installs a module at most once.
	_, err = installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	assert.ErrorIs(t, err, ErrInstallationExists)

	// Another tenant's installation is independent.
	other, err := installs.Install(ctx, "tenant-2", "com.t.a", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, other.ID)
}

func TestInstallMissingDependencyFails(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.app", "com.t.ghost"))
	ctx := context.Background()

	inst, err := installs.Install(ctx, "tenant-1", "com.t.app", "", nil)
	require.ErrorIs(t, err, ErrDependencyNotFound)
	assert.Equal(t, StatusFailed, inst.Status)

	edges := installs.DependencyEdges(inst.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, "com.t.ghost", edges[0].RequiredModule)
	assert.False(t, edges[0].Satisfied)
}

func TestInstallResolvesDependencyEdges(t *testing.T) {
	installs := newInstallFixture(t,
		testManifest("com.t.core"),
		testManifest("com.t.app", "com.t.core@>=1.0.0"),
	)

	inst, err := installs.Install(context.Background(), "tenant-1", "com.t.app", "", nil)
	require.NoError(t, err)

	edges := installs.DependencyEdges(inst.ID)
	require.Len(t, edges, 1)
	assert.Equal(t, "com.t.core", edges[0].RequiredModule)
	assert.Equal(t, ">=1.0.0", edges[0].Constraint)
	assert.True(t, edges[0].Satisfied)
	assert.Equal(t, "1.0.0", edges[0].ResolvedVersion)
}

func TestEnableDisable(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"))
	ctx := context.Background()
	_, err := installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)

	// Enabling an active installation is idempotent.
	require.NoError(t, installs.Enable(ctx, "tenant-1", "com.t.a"))

	require.NoError(t, installs.Disable(ctx, "tenant-1", "com.t.a"))
	inst, err := installs.Get("tenant-1", "com.t.a")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, inst.Status)

	// Disabling twice is a state error.
	assert.ErrorIs(t, installs.Disable(ctx, "tenant-1", "com.t.a"), ErrModuleState)

	require.NoError(t, installs.Enable(ctx, "tenant-1", "com.t.a"))
	inst, err = installs.Get("tenant-1", "com.t.a")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusInstalling))
	assert.True(t, StatusInstalling.CanTransitionTo(StatusActive))
	assert.True(t, StatusInstalling.CanTransitionTo(StatusFailed))
	assert.True(t, StatusActive.CanTransitionTo(StatusDisabled))
	assert.True(t, StatusDisabled.CanTransitionTo(StatusActive))
	assert.True(t, StatusDisabled.CanTransitionTo(StatusUninstalling))
	assert.True(t, StatusFailed.CanTransitionTo(StatusInstalling))

	assert.False(t, StatusPending.CanTransitionTo(StatusActive))
	assert.False(t, StatusDisabled.CanTransitionTo(StatusInstalling))
	assert.False(t, StatusUninstalling.CanTransitionTo(StatusActive))
}

func TestUninstall(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"))
	ctx := context.Background()
	_, err := installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)

	require.NoError(t, installs.Uninstall(ctx, "tenant-1", "com.t.a"))
	_, err = installs.Get("tenant-1", "com.t.a")
	assert.ErrorIs(t, err, ErrInstallationNotFound)

	// Reinstall after uninstall is allowed.
	_, err = installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	assert.NoError(t, err)
}

func TestUninstallBlockedByActiveDependent(t *testing.T) {
	installs := newInstallFixture(t,
		testManifest("com.t.core"),
		testManifest("com.t.app", "com.t.core"),
	)
	ctx := context.Background()
	_, err := installs.Install(ctx, "tenant-1", "com.t.core", "", nil)
	require.NoError(t, err)
	_, err = installs.Install(ctx, "tenant-1", "com.t.app", "", nil)
	require.NoError(t, err)

	err = installs.Uninstall(ctx, "tenant-1", "com.t.core")
	require.ErrorIs(t, err, ErrUninstallBlocked)
	assert.Contains(t, err.Error(), "com.t.app")

	// The refused uninstall leaves the installation untouched.
	inst, err := installs.Get("tenant-1", "com.t.core")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status)

	// A disabled dependent no longer blocks.
	require.NoError(t, installs.Disable(ctx, "tenant-1", "com.t.app"))
	assert.NoError(t, installs.Uninstall(ctx, "tenant-1", "com.t.core"))
}

func TestUpgrade(t *testing.T) {
	store := NewMemoryManifestStore()
	v1 := testManifest("com.t.a")
	v2 := testManifest("com.t.a")
	v2.Version = "2.0.0"
	registerAll(store, v1, v2)
	installs := NewInstallationService(store, NopLogger{})
	ctx := context.Background()

	inst, err := installs.Install(ctx, "tenant-1", "com.t.a", "1.0.0", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", inst.Version)

	require.NoError(t, installs.Upgrade(ctx, "tenant-1", "com.t.a", "2.0.0"))
	inst, err = installs.Get("tenant-1", "com.t.a")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", inst.Version)

	// Upgrading to an unregistered version fails.
	assert.ErrorIs(t, installs.Upgrade(ctx, "tenant-1", "com.t.a", "9.9.9"), ErrManifestNotFound)
}

func TestUpgradeRefusedByDependentConstraint(t *testing.T) {
	store := NewMemoryManifestStore()
	core1 := testManifest("com.t.core")
	core2 := testManifest("com.t.core")
	core2.Version = "2.0.0"
	registerAll(store, core1, testManifest("com.t.app", "com.t.core@^1.0.0"))
	installs := NewInstallationService(store, NopLogger{})
	ctx := context.Background()

	_, err := installs.Install(ctx, "tenant-1", "com.t.core", "1.0.0", nil)
	require.NoError(t, err)
	_, err = installs.Install(ctx, "tenant-1", "com.t.app", "", nil)
	require.NoError(t, err)

	registerAll(store, core2)
	err = installs.Upgrade(ctx, "tenant-1", "com.t.core", "2.0.0")
	require.ErrorIs(t, err, ErrDependencyVersion)

	inst, err := installs.Get("tenant-1", "com.t.core")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", inst.Version, "refused upgrade keeps the bound version")
}

func TestDeleteManifestProtectedWhileInstalled(t *testing.T) {
	store := NewMemoryManifestStore()
	registerAll(store, testManifest("com.t.a"))
	installs := NewInstallationService(store, NopLogger{})
	ctx := context.Background()

	_, err := installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, installs.DeleteManifest("com.t.a", "1.0.0"), ErrManifestInUse)

	require.NoError(t, installs.Uninstall(ctx, "tenant-1", "com.t.a"))
	require.NoError(t, installs.DeleteManifest("com.t.a", "1.0.0"))
	_, err = store.Get("com.t.a", "")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestInstallationSnapshotsAreDetached(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"))
	ctx := context.Background()
	_, err := installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)

	// Concurrent status flips and reads share no memory; run with -race.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = installs.Disable(ctx, "tenant-1", "com.t.a")
			_ = installs.Enable(ctx, "tenant-1", "com.t.a")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if inst, err := installs.Get("tenant-1", "com.t.a"); err == nil {
				_ = inst.Status.CanTransitionTo(StatusDisabled)
			}
			for _, inst := range installs.ListForTenant("tenant-1") {
				_ = inst.Status
			}
		}
	}()
	wg.Wait()

	inst, err := installs.Get("tenant-1", "com.t.a")
	require.NoError(t, err)
	inst.Status = StatusFailed
	inst.Configuration["poison"] = true

	fresh, err := installs.Get("tenant-1", "com.t.a")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, fresh.Status, "mutating a snapshot never touches service state")
	assert.NotContains(t, fresh.Configuration, "poison")
}

func TestListForTenant(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"), testManifest("com.t.b"))
	ctx := context.Background()
	_, err := installs.Install(ctx, "tenant-1", "com.t.b", "", nil)
	require.NoError(t, err)
	_, err = installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)
	_, err = installs.Install(ctx, "tenant-2", "com.t.a", "", nil)
	require.NoError(t, err)

	list := installs.ListForTenant("tenant-1")
	require.Len(t, list, 2)
	assert.Equal(t, "com.t.a", list[0].ModuleID)
	assert.Equal(t, "com.t.b", list[1].ModuleID)
	assert.Len(t, installs.ListForTenant("tenant-2"), 1)
	assert.Empty(t, installs.ListForTenant("tenant-3"))
}

func TestInstallEmitsEvents(t *testing.T) {
	installs := newInstallFixture(t, testManifest("com.t.a"))
	log := NewEventLog()
	require.NoError(t, installs.RegisterObserver(log))
	ctx := context.Background()

	_, err := installs.Install(ctx, "tenant-1", "com.t.a", "", nil)
	require.NoError(t, err)
	require.NoError(t, installs.Disable(ctx, "tenant-1", "com.t.a"))
	require.NoError(t, installs.Enable(ctx, "tenant-1", "com.t.a"))
	require.NoError(t, installs.Uninstall(ctx, "tenant-1", "com.t.a"))

	var types []string
	for _, event := range log.Events() {
		types = append(types, event.Type)
	}
	assert.Equal(t, []string{
		EventTypeModuleInstalled,
		EventTypeModuleDisabled,
		EventTypeModuleEnabled,
		EventTypeModuleUninstalled,
	}, types)
	assert.Equal(t, TenantID("tenant-1"), log.Events()[0].TenantID)
}

func TestCoerceConfiguration(t *testing.T) {
	manifest := testManifest("com.t.cfg")
	manifest.ConfigSchema = map[string]ConfigField{
		"api_key": {Type: "string", Required: true},
		"retries": {Type: "int", Default: 3},
		"rate":    {Type: "float"},
		"enabled": {Type: "bool", Default: true},
	}

	t.Run("coerces and applies defaults", func(t *testing.T) {
		out, err := coerceConfiguration(manifest, map[string]any{
			"api_key": "secret",
			"rate":    "2.5",
		})
		require.NoError(t, err)
		assert.Equal(t, "secret", out["api_key"])
		assert.Equal(t, 3, out["retries"])
		assert.Equal(t, 2.5, out["rate"])
		assert.Equal(t, true, out["enabled"])
	})

	t.Run("string to int coercion", func(t *testing.T) {
		out, err := coerceConfiguration(manifest, map[string]any{
			"api_key": "secret",
			"retries": "7",
		})
		require.NoError(t, err)
		assert.Equal(t, 7, out["retries"])
	})

	t.Run("missing required key", func(t *testing.T) {
		_, err := coerceConfiguration(manifest, map[string]any{"retries": 1})
		require.ErrorIs(t, err, ErrConfigSchemaFailed)
		assert.Contains(t, err.Error(), "api_key")
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := coerceConfiguration(manifest, map[string]any{
			"api_key": "secret",
			"bogus":   1,
		})
		require.ErrorIs(t, err, ErrConfigSchemaFailed)
		assert.Contains(t, err.Error(), "bogus")
	})

	t.Run("uncoercible value", func(t *testing.T) {
		_, err := coerceConfiguration(manifest, map[string]any{
			"api_key": "secret",
			"retries": "not-a-number",
		})
		assert.ErrorIs(t, err, ErrConfigSchemaFailed)
	})

	t.Run("no schema passes config through", func(t *testing.T) {
		bare := testManifest("com.t.bare")
		out, err := coerceConfiguration(bare, map[string]any{"anything": "goes"})
		require.NoError(t, err)
		assert.Equal(t, "goes", out["anything"])
	})
}

func TestInstallValidatesConfigurationBeforeCreating(t *testing.T) {
	manifest := testManifest("com.t.cfg")
	manifest.ConfigSchema = map[string]ConfigField{
		"api_key": {Type: "string", Required: true},
	}
	installs := newInstallFixture(t, manifest)

	_, err := installs.Install(context.Background(), "tenant-1", "com.t.cfg", "", nil)
	require.ErrorIs(t, err, ErrConfigSchemaFailed)
	_, err = installs.Get("tenant-1", "com.t.cfg")
	assert.ErrorIs(t, err, ErrInstallationNotFound, "rejected install leaves no record")
}
