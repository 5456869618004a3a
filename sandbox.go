package modrun

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileAccess is the permission-checked file facade handed to modules that
// hold the "file.access" capability. Paths are confined to the sandbox's
// root directory; escaping it is an isolation violation.
type FileAccess interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// DatabaseAccess is the query-counting facade for modules holding
// "db.query". The runtime counts queries against the isolation budget and
// delegates execution to the host-provided backend.
type DatabaseAccess interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) error
}

// APIAccess is the rate-limited outbound API facade for modules holding
// "api.call".
type APIAccess interface {
	Call(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// DatabaseBackend is the host-side collaborator actually executing
// queries on behalf of sandboxed modules.
type DatabaseBackend interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) error
}

// APIBackend is the host-side collaborator carrying out API calls.
type APIBackend interface {
	Call(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// SandboxOptions configure the host collaborators behind the facades.
// Absent backends deny the corresponding capability even when the manifest
// grants it.
type SandboxOptions struct {
	// FileRoot confines the file facade. Empty means file access is denied
	// regardless of permissions.
	FileRoot string

	Database DatabaseBackend
	API      APIBackend
}

// Sandbox constructs the restricted execution surface for one loaded
// module instance. Instead of a restricted interpreter, isolation is a set
// of narrow permission-checked facades injected at construction time plus
// resource accounting wrapped around every call into the module. Ambient
// capabilities (raw file handles, processes, sockets, dynamic code) are
// simply never exposed.
type Sandbox struct {
	iso    *IsolationContext
	logger Logger
	opts   SandboxOptions

	// inflight tracks calls currently executing inside the module so
	// unload can drain them before Shutdown.
	inflight sync.WaitGroup
}

// NewSandbox wraps an isolation context with the host collaborators.
func NewSandbox(iso *IsolationContext, logger Logger, opts SandboxOptions) *Sandbox {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Sandbox{iso: iso, logger: logger, opts: opts}
}

// Isolation exposes the underlying guard, mainly for the Registry and for
// tests.
func (s *Sandbox) Isolation() *IsolationContext { return s.iso }

// Logger implements Host.
func (s *Sandbox) Logger() Logger { return s.logger }

// TenantID implements Host.
func (s *Sandbox) TenantID() TenantID { return s.iso.TenantID() }

// Checkpoint implements Host.
func (s *Sandbox) Checkpoint() error { return s.iso.CheckTimeLimit() }

// Files implements Host. Requires the "file.access" capability.
func (s *Sandbox) Files() (FileAccess, error) {
	if err := s.iso.RequirePermission(PermFileAccess); err != nil {
		return nil, err
	}
	if s.opts.FileRoot == "" {
		return nil, fmt.Errorf("%w: module %s: no file root configured by host",
			ErrModuleIsolation, s.iso.ModuleID())
	}
	return &fileFacade{iso: s.iso, root: s.opts.FileRoot}, nil
}

// Database implements Host. Requires the "db.query" capability.
func (s *Sandbox) Database() (DatabaseAccess, error) {
	if err := s.iso.RequirePermission(PermDatabaseQuery); err != nil {
		return nil, err
	}
	if s.opts.Database == nil {
		return nil, fmt.Errorf("%w: module %s: no database backend configured by host",
			ErrModuleIsolation, s.iso.ModuleID())
	}
	return &databaseFacade{iso: s.iso, backend: s.opts.Database}, nil
}

// API implements Host. Requires the "api.call" capability.
func (s *Sandbox) API() (APIAccess, error) {
	if err := s.iso.RequirePermission(PermAPICall); err != nil {
		return nil, err
	}
	if s.opts.API == nil {
		return nil, fmt.Errorf("%w: module %s: no API backend configured by host",
			ErrModuleIsolation, s.iso.ModuleID())
	}
	return &apiFacade{iso: s.iso, backend: s.opts.API}, nil
}

// Execute runs fn inside the sandbox: the time limit is checked before
// entry, panics in module code surface as ErrModuleIsolation, and the call
// is tracked so unload can drain in-flight work.
func (s *Sandbox) Execute(fn func() error) (err error) {
	if err := s.iso.CheckTimeLimit(); err != nil {
		return err
	}
	s.inflight.Add(1)
	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: module %s panicked: %v",
				ErrModuleIsolation, s.iso.ModuleID(), r)
		}
	}()
	return fn()
}

// drain blocks until every in-flight Execute call has returned. Called by
// the Registry before Shutdown.
func (s *Sandbox) drain() {
	s.inflight.Wait()
}

// fileFacade confines file operations to a root directory and the
// manifest's file size limit.
type fileFacade struct {
	iso  *IsolationContext
	root string
}

func (f *fileFacade) ReadFile(name string) ([]byte, error) {
	path, err := f.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if err := f.iso.CheckFileSize(info.Size()); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (f *fileFacade) WriteFile(name string, data []byte) error {
	path, err := f.resolve(name)
	if err != nil {
		return err
	}
	if err := f.iso.CheckFileSize(int64(len(data))); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// resolve maps a module-relative name inside the root, rejecting attempts
// to escape it.
func (f *fileFacade) resolve(name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	path := filepath.Join(f.root, cleaned)
	if !strings.HasPrefix(path, filepath.Clean(f.root)+string(os.PathSeparator)) &&
		path != filepath.Clean(f.root) {
		return "", fmt.Errorf("%w: module %s attempted path escape %q",
			ErrModuleIsolation, f.iso.ModuleID(), name)
	}
	return path, nil
}

type databaseFacade struct {
	iso     *IsolationContext
	backend DatabaseBackend
}

func (d *databaseFacade) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if err := d.iso.CountDatabaseQuery(); err != nil {
		return nil, err
	}
	return d.backend.Query(ctx, query, args...)
}

func (d *databaseFacade) Exec(ctx context.Context, query string, args ...any) error {
	if err := d.iso.CountDatabaseQuery(); err != nil {
		return err
	}
	return d.backend.Exec(ctx, query, args...)
}

type apiFacade struct {
	iso     *IsolationContext
	backend APIBackend
}

func (a *apiFacade) Call(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	if err := a.iso.CheckAPIRateLimit(endpoint); err != nil {
		return nil, err
	}
	return a.backend.Call(ctx, endpoint, payload)
}
