package modrun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LoadedModule is the live object graph for one loaded instance: manifest,
// optional installation binding, sandbox, and the implementation itself.
// Instances are exclusively owned by the Registry's cache; at most one
// exists per (module, tenant) key at any time.
type LoadedModule struct {
	Manifest     *ModuleManifest
	Installation *ModuleInstallation
	Module       Module
	Sandbox      *Sandbox
	LoadedAt     time.Time
}

// loadCall is the single-flight bookkeeping for one in-progress load.
type loadCall struct {
	done     chan struct{}
	instance *LoadedModule
	err      error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithInstallations wires the installation lifecycle service so that
// tenant-scoped loads are checked against installation state.
func WithInstallations(installs *InstallationService) RegistryOption {
	return func(r *Registry) { r.installs = installs }
}

// WithSandboxOptions configures the host collaborators behind the
// capability facades handed to loaded modules.
func WithSandboxOptions(opts SandboxOptions) RegistryOption {
	return func(r *Registry) { r.sandboxOpts = opts }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(metrics *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = metrics }
}

// Registry orchestrates the runtime: it registers manifests, discovers
// available modules, loads and unloads instances, owns the process-wide
// instance cache, and emits lifecycle events.
//
// The cache is keyed by (module id, tenant id). Loads of different keys
// proceed fully in parallel; concurrent loads of the same key collapse
// into a single initialization and every caller receives the same cached
// instance. A Registry is an explicit value owned by the application's
// composition root, not a package-level singleton.
type Registry struct {
	*eventSubject

	store    ManifestStore
	loader   *Loader
	resolver *DependencyResolver
	installs *InstallationService
	logger   Logger
	metrics  *Metrics

	sandboxOpts SandboxOptions

	mu        sync.Mutex
	instances map[instKey]*LoadedModule
	loading   map[instKey]*loadCall
	closed    bool
}

// NewRegistry creates a registry over a manifest store and a loader.
func NewRegistry(store ManifestStore, loader *Loader, logger Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = NopLogger{}
	}
	r := &Registry{
		eventSubject: newEventSubject(logger),
		store:        store,
		loader:       loader,
		resolver:     NewDependencyResolver(store),
		logger:       logger,
		metrics:      nopMetrics(),
		instances:    make(map[instKey]*LoadedModule),
		loading:      make(map[instKey]*loadCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterManifest validates and stores a manifest, emits
// module.registered, and refreshes the dependency edges of installations
// affected by the change.
func (r *Registry) RegisterManifest(ctx context.Context, manifest *ModuleManifest) (*ModuleManifest, error) {
	stored, err := r.store.Register(manifest)
	if err != nil {
		return nil, err
	}
	if r.installs != nil {
		r.installs.RecomputeDependencies(stored.ModuleID)
	}
	r.emit(ctx, EventTypeModuleRegistered, stored.ModuleID, PlatformTenant, map[string]any{
		"version": stored.Version,
	})
	return stored, nil
}

// SeedFromDisk registers every valid manifest discovered on the loader's
// search paths and returns the ids it registered.
func (r *Registry) SeedFromDisk(ctx context.Context) []string {
	var ids []string
	for _, manifest := range r.loader.DiscoverManifests() {
		if _, err := r.RegisterManifest(ctx, manifest); err != nil {
			r.logger.Warn("failed to register discovered manifest",
				"module", manifest.ModuleID, "error", err)
			continue
		}
		ids = append(ids, manifest.ModuleID)
	}
	sort.Strings(ids)
	return ids
}

// ResolveDependencies exposes the resolver's topological order for a
// requested set of modules, used by installers to determine activation
// order.
func (r *Registry) ResolveDependencies(moduleIDs []string) ([]string, error) {
	return r.resolver.Resolve(moduleIDs)
}

// Load loads a module instance for a tenant, loading all manifest-declared
// dependencies first in resolved topological order. Loading an
// already-cached key returns the cached instance without re-initializing.
// Concurrent calls for the same key perform exactly one initialization.
func (r *Registry) Load(ctx context.Context, moduleID string, tenantID TenantID) (*LoadedModule, error) {
	key := instKey{tenantID: tenantID, moduleID: moduleID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if instance, ok := r.instances[key]; ok {
		r.mu.Unlock()
		return instance, nil
	}
	if call, ok := r.loading[key]; ok {
		r.mu.Unlock()
		<-call.done
		return call.instance, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	r.loading[key] = call
	r.mu.Unlock()

	instance, err := r.doLoad(ctx, moduleID, tenantID)
	call.instance, call.err = instance, err

	r.mu.Lock()
	delete(r.loading, key)
	if err == nil {
		r.instances[key] = instance
	}
	r.mu.Unlock()
	close(call.done)

	if err != nil {
		r.metrics.LoadFailures.WithLabelValues(moduleID).Inc()
		r.emit(ctx, EventTypeModuleError, moduleID, tenantID, map[string]any{
			"operation": "load",
			"error":     err.Error(),
		})
		return nil, err
	}

	r.metrics.Loads.WithLabelValues(moduleID).Inc()
	r.metrics.LiveModules.Inc()
	r.emit(ctx, EventTypeModuleLoaded, moduleID, tenantID, map[string]any{
		"version": instance.Manifest.Version,
	})
	return instance, nil
}

// doLoad performs the actual load: manifest lookup, installation check,
// dependency loading in topological order, implementation resolution,
// sandbox construction, and initialization. Dependency loading is
// sequential by design; initialization order correctness depends on it.
func (r *Registry) doLoad(ctx context.Context, moduleID string, tenantID TenantID) (*LoadedModule, error) {
	manifest, err := r.store.Get(moduleID, "")
	if err != nil {
		return nil, err
	}

	var installation *ModuleInstallation
	if tenantID != PlatformTenant && r.installs != nil {
		installation, err = r.installs.Get(tenantID, moduleID)
		if err != nil {
			return nil, err
		}
		if installation.Status != StatusActive {
			return nil, fmt.Errorf("%w: %s for tenant %s is %s",
				ErrInstallationNotActive, moduleID, tenantID, installation.Status)
		}
	}

	// Cycle and missing-dependency checks happen here, before any load side
	// effect. The order ends with the target since everything before it is
	// one of its transitive dependencies.
	order, err := r.resolver.Resolve([]string{moduleID})
	if err != nil {
		return nil, err
	}
	for _, dep := range order {
		if dep == moduleID {
			continue
		}
		if _, err := r.Load(ctx, dep, tenantID); err != nil {
			return nil, fmt.Errorf("loading dependency %s of %s: %w", dep, moduleID, err)
		}
	}

	module, err := r.loader.Instantiate(moduleID)
	if err != nil {
		return nil, err
	}

	iso := NewIsolationContext(manifest, tenantID)
	sandbox := NewSandbox(iso, r.logger, r.sandboxOpts)

	if err := sandbox.Execute(func() error {
		return module.Initialize(ctx, sandbox)
	}); err != nil {
		return nil, fmt.Errorf("initializing module %s: %w", moduleID, err)
	}

	r.logger.Info("module loaded", "module", moduleID, "tenant", tenantID,
		"version", manifest.Version)
	return &LoadedModule{
		Manifest:     manifest,
		Installation: installation,
		Module:       module,
		Sandbox:      sandbox,
		LoadedAt:     time.Now(),
	}, nil
}

// Unload removes a module instance from the cache, unloading all loaded
// dependents first, draining in-flight calls, then invoking Shutdown.
// Unload is a no-op when the key is not cached.
func (r *Registry) Unload(ctx context.Context, moduleID string, tenantID TenantID) error {
	key := instKey{tenantID: tenantID, moduleID: moduleID}

	r.mu.Lock()
	instance, ok := r.instances[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	var dependents []string
	for k, lm := range r.instances {
		if k.tenantID != tenantID || k.moduleID == moduleID {
			continue
		}
		for _, dep := range lm.Manifest.DependencyIDs() {
			if dep == moduleID {
				dependents = append(dependents, k.moduleID)
				break
			}
		}
	}
	r.mu.Unlock()

	sort.Strings(dependents)
	for _, dependent := range dependents {
		if err := r.Unload(ctx, dependent, tenantID); err != nil {
			return err
		}
	}

	// Drain-before-shutdown policy: block until in-flight calls into the
	// module complete, so Shutdown never races live work.
	instance.Sandbox.drain()

	err := shutdownModule(ctx, instance.Module)

	r.mu.Lock()
	delete(r.instances, key)
	r.mu.Unlock()

	r.metrics.Unloads.WithLabelValues(moduleID).Inc()
	r.metrics.LiveModules.Dec()
	r.emit(ctx, EventTypeModuleUnloaded, moduleID, tenantID, nil)

	if err != nil {
		r.emit(ctx, EventTypeModuleError, moduleID, tenantID, map[string]any{
			"operation": "shutdown",
			"error":     err.Error(),
		})
		return fmt.Errorf("shutting down module %s: %w", moduleID, err)
	}
	r.logger.Info("module unloaded", "module", moduleID, "tenant", tenantID)
	return nil
}

// Execute runs fn against a loaded instance inside its sandbox: in-flight
// tracking, cooperative time checks, and panic containment all apply. A
// systemic memory limit violation unloads the instance and marks its
// installation failed.
func (r *Registry) Execute(ctx context.Context, moduleID string, tenantID TenantID, fn func(Module, Host) error) error {
	r.mu.Lock()
	instance, ok := r.instances[instKey{tenantID: tenantID, moduleID: moduleID}]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s for tenant %s", ErrModuleNotLoaded, moduleID, tenantID)
	}

	err := instance.Sandbox.Execute(func() error {
		return fn(instance.Module, instance.Sandbox)
	})
	if err != nil {
		r.emit(ctx, EventTypeModuleError, moduleID, tenantID, map[string]any{
			"operation": "execute",
			"error":     err.Error(),
		})
		if errors.Is(err, ErrModuleIsolation) {
			r.logger.Error("module violated isolation boundary",
				"module", moduleID, "tenant", tenantID, "error", err)
		}
		return err
	}

	// Memory is cumulative rather than per-call; exceeding it is fatal to
	// the instance.
	if memErr := instance.Sandbox.Isolation().CheckMemoryUsage(); memErr != nil {
		r.logger.Error("module exceeded systemic memory limit, unloading",
			"module", moduleID, "tenant", tenantID, "error", memErr)
		if r.installs != nil {
			r.installs.MarkFailed(tenantID, moduleID)
		}
		_ = r.Unload(ctx, moduleID, tenantID)
		return memErr
	}
	return nil
}

// InvokeHook runs the named platform hook on every loaded instance in the
// tenant that subscribes to it, in module id order, inside each module's
// sandbox. It returns the number of modules invoked; a failing hook does
// not stop the remaining subscribers.
func (r *Registry) InvokeHook(ctx context.Context, tenantID TenantID, hook string, payload map[string]any) (int, error) {
	r.mu.Lock()
	var targets []*LoadedModule
	for key, instance := range r.instances {
		if key.tenantID == tenantID {
			targets = append(targets, instance)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Manifest.ModuleID < targets[j].Manifest.ModuleID
	})

	invoked := 0
	var errs []error
	for _, instance := range targets {
		provider, ok := instance.Module.(HookProvider)
		if !ok {
			continue
		}
		fn, ok := provider.Hooks()[hook]
		if !ok {
			continue
		}
		invoked++
		if err := instance.Sandbox.Execute(func() error { return fn(ctx, payload) }); err != nil {
			moduleID := instance.Manifest.ModuleID
			r.emit(ctx, EventTypeModuleError, moduleID, tenantID, map[string]any{
				"operation": "hook",
				"hook":      hook,
				"error":     err.Error(),
			})
			errs = append(errs, fmt.Errorf("hook %s in module %s: %w", hook, moduleID, err))
		}
	}
	return invoked, errors.Join(errs...)
}

// WorkflowDefinitions collects the workflow definitions contributed by the
// tenant's loaded modules. Contributing workflows requires the
// "workflow.access" capability; modules without it are skipped.
func (r *Registry) WorkflowDefinitions(tenantID TenantID) []WorkflowDefinition {
	r.mu.Lock()
	var targets []*LoadedModule
	for key, instance := range r.instances {
		if key.tenantID == tenantID {
			targets = append(targets, instance)
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Manifest.ModuleID < targets[j].Manifest.ModuleID
	})

	var out []WorkflowDefinition
	for _, instance := range targets {
		provider, ok := instance.Module.(WorkflowProvider)
		if !ok {
			continue
		}
		if !instance.Sandbox.Isolation().CheckPermission(PermWorkflowAccess) {
			r.logger.Warn("module contributes workflows without the workflow capability",
				"module", instance.Manifest.ModuleID, "tenant", tenantID)
			continue
		}
		out = append(out, provider.Workflows()...)
	}
	return out
}

// ProvidedEntities returns the entity types a loaded module contributes.
// The implementation's own declaration wins over the manifest's when the
// module implements EntityProvider.
func (r *Registry) ProvidedEntities(moduleID string, tenantID TenantID) []string {
	instance, ok := r.Instance(moduleID, tenantID)
	if !ok {
		return nil
	}
	if provider, ok := instance.Module.(EntityProvider); ok {
		return provider.ProvidesEntities()
	}
	return append([]string(nil), instance.Manifest.ProvidesEntities...)
}

// Instance returns the cached instance for a key, if loaded.
func (r *Registry) Instance(moduleID string, tenantID TenantID) (*LoadedModule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.instances[instKey{tenantID: tenantID, moduleID: moduleID}]
	return instance, ok
}

// LoadedCount returns the number of live instances.
func (r *Registry) LoadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Loader exposes the underlying loader for discovery and hot-reload.
func (r *Registry) Loader() *Loader {
	return r.loader
}

// Shutdown unloads every instance (dependents first via Unload's
// recursion) and closes the registry to further loads.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	keys := make([]instKey, 0, len(r.instances))
	for key := range r.instances {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].tenantID != keys[j].tenantID {
			return keys[i].tenantID < keys[j].tenantID
		}
		return keys[i].moduleID < keys[j].moduleID
	})

	var lastErr error
	for _, key := range keys {
		if err := r.Unload(ctx, key.moduleID, key.tenantID); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// emit sends a lifecycle event to observers and counts it.
func (r *Registry) emit(ctx context.Context, eventType, moduleID string, tenantID TenantID, data map[string]any) {
	r.metrics.Events.WithLabelValues(eventType).Inc()
	r.notify(ctx, NewModuleEvent(eventType, moduleID, tenantID, data))
}

// shutdownModule invokes Shutdown with panic containment.
func shutdownModule(ctx context.Context, module Module) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: shutdown panicked: %v", ErrModuleIsolation, r)
		}
	}()
	return module.Shutdown(ctx)
}
