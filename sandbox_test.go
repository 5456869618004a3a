package modrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIBackend struct {
	calls int
}

func (f *fakeAPIBackend) Call(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
	f.calls++
	return map[string]any{"ok": true}, nil
}

type fakeDatabaseBackend struct {
	queries int
}

func (f *fakeDatabaseBackend) Query(context.Context, string, ...any) ([]map[string]any, error) {
	f.queries++
	return nil, nil
}

func (f *fakeDatabaseBackend) Exec(context.Context, string, ...any) error {
	f.queries++
	return nil
}

func newSandboxFor(m *ModuleManifest, opts SandboxOptions) *Sandbox {
	return NewSandbox(NewIsolationContext(m, "tenant-1"), NopLogger{}, opts)
}

func TestSandboxFilesFacade(t *testing.T) {
	t.Run("denied without permission", func(t *testing.T) {
		sb := newSandboxFor(testManifest("com.t.nofiles"), SandboxOptions{FileRoot: t.TempDir()})
		_, err := sb.Files()
		assert.ErrorIs(t, err, ErrModulePermission)
	})

	t.Run("denied without host root", func(t *testing.T) {
		m := testManifest("com.t.files")
		m.Permissions = []string{PermFileAccess}
		sb := newSandboxFor(m, SandboxOptions{})
		_, err := sb.Files()
		assert.ErrorIs(t, err, ErrModuleIsolation)
	})

	t.Run("read and write inside root", func(t *testing.T) {
		m := testManifest("com.t.files")
		m.Permissions = []string{PermFileAccess}
		sb := newSandboxFor(m, SandboxOptions{FileRoot: t.TempDir()})

		files, err := sb.Files()
		require.NoError(t, err)
		require.NoError(t, files.WriteFile("data/out.txt", []byte("hello")))
		data, err := files.ReadFile("data/out.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("path escape is an isolation violation", func(t *testing.T) {
		m := testManifest("com.t.files")
		m.Permissions = []string{PermFileAccess}
		sb := newSandboxFor(m, SandboxOptions{FileRoot: t.TempDir()})

		files, err := sb.Files()
		require.NoError(t, err)
		// Cleaning confines the path; it must stay inside the root rather
		// than reach the real /etc.
		_, err = files.ReadFile("../../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("write over size limit fails", func(t *testing.T) {
		m := testManifest("com.t.files")
		m.Permissions = []string{PermFileAccess}
		m.ResourceLimits = ResourceLimits{MaxFileSizeMB: 1}
		sb := newSandboxFor(m, SandboxOptions{FileRoot: t.TempDir()})

		files, err := sb.Files()
		require.NoError(t, err)
		err = files.WriteFile("big.bin", make([]byte, 2*1024*1024))
		assert.ErrorIs(t, err, ErrModuleResource)
	})
}

func TestSandboxDatabaseFacade(t *testing.T) {
	m := testManifest("com.t.db")
	m.Permissions = []string{PermDatabaseQuery}
	m.ResourceLimits = ResourceLimits{MaxDatabaseQueries: 2}
	backend := &fakeDatabaseBackend{}
	sb := newSandboxFor(m, SandboxOptions{Database: backend})

	db, err := sb.Database()
	require.NoError(t, err)
	_, err = db.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, db.Exec(context.Background(), "UPDATE t SET x = 1"))

	// Third query exceeds the budget and never reaches the backend.
	_, err = db.Query(context.Background(), "SELECT 2")
	assert.ErrorIs(t, err, ErrModuleResource)
	assert.Equal(t, 2, backend.queries)
}

func TestSandboxAPIFacade(t *testing.T) {
	m := testManifest("com.t.api")
	m.Permissions = []string{PermAPICall}
	m.ResourceLimits = ResourceLimits{MaxAPICallsPerMinute: 1}
	backend := &fakeAPIBackend{}
	sb := newSandboxFor(m, SandboxOptions{API: backend})

	api, err := sb.API()
	require.NoError(t, err)
	_, err = api.Call(context.Background(), "/api/test", nil)
	require.NoError(t, err)
	_, err = api.Call(context.Background(), "/api/test", nil)
	assert.ErrorIs(t, err, ErrModuleResource)
	assert.Equal(t, 1, backend.calls)
}

func TestSandboxExecute(t *testing.T) {
	t.Run("panic surfaces as isolation error", func(t *testing.T) {
		sb := newSandboxFor(testManifest("com.t.panicky"), SandboxOptions{})
		err := sb.Execute(func() error { panic("module went rogue") })
		require.ErrorIs(t, err, ErrModuleIsolation)
		assert.Contains(t, err.Error(), "module went rogue")
	})

	t.Run("time limit checked on entry", func(t *testing.T) {
		sb := newSandboxFor(testManifest("com.t.slow"), SandboxOptions{})
		sb.Isolation().start = time.Now().Add(-1000 * time.Second)
		err := sb.Execute(func() error { return nil })
		assert.ErrorIs(t, err, ErrModuleResource)
	})

	t.Run("errors pass through unchanged", func(t *testing.T) {
		sb := newSandboxFor(testManifest("com.t.ok"), SandboxOptions{})
		sentinel := assert.AnError
		assert.ErrorIs(t, sb.Execute(func() error { return sentinel }), sentinel)
	})
}
