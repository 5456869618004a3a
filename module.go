// Package modrun provides a multi-tenant module runtime for Go platforms.
// It lets a host application ship optional business capabilities as
// independently versioned modules: register their manifests, resolve
// inter-module dependencies, load their implementation from one of several
// source locations, bind them to a tenant's installation, and execute them
// under enforced resource and permission limits.
//
// The runtime is composed of a ManifestStore (module metadata catalog), a
// DependencyResolver (cycle detection and topological ordering), a Loader
// (strategy-based implementation resolution with caching), an isolation
// layer (IsolationContext and Sandbox enforcing time, rate, and capability
// limits), and a Registry that orchestrates loading and unloading of live
// instances keyed by (module, tenant).
//
// Basic usage:
//
//	store := modrun.NewMemoryManifestStore()
//	loader := modrun.NewLoader(logger)
//	loader.RegisterBuiltin("com.vendor.invoicing", newInvoicingModule)
//	registry := modrun.NewRegistry(store, loader, logger)
//	instance, err := registry.Load(ctx, "com.vendor.invoicing", "tenant-1")
package modrun

import (
	"context"

	"github.com/go-chi/chi/v5"
)

// Module is the contract every loadable module implementation must honor.
// Implementations are resolved by the Loader, validated against this
// contract before instantiation completes, and driven through their
// lifecycle by the Registry.
type Module interface {
	// Name returns the human-readable name of the module. It does not have
	// to match the manifest's module id; the id is authoritative for
	// dependency resolution and caching.
	Name() string

	// Description returns a short description of what the module provides.
	Description() string

	// Initialize prepares the module for use. It is called exactly once per
	// loaded instance, after all declared dependencies have been loaded and
	// initialized. The host gives access to the capability facades the
	// module's manifest permits.
	Initialize(ctx context.Context, host Host) error

	// Shutdown releases everything Initialize acquired. It is called exactly
	// once, after in-flight calls into the module have drained.
	Shutdown(ctx context.Context) error
}

// ModuleFactory constructs a new, uninitialized module implementation.
// Factories return any rather than Module so the Loader can validate the
// contract explicitly and report which operations are missing.
type ModuleFactory func() (any, error)

// EntityProvider is an optional interface for modules that contribute
// domain entity types to the platform.
type EntityProvider interface {
	// ProvidesEntities returns the entity type names this module registers.
	ProvidesEntities() []string
}

// RouteProvider is an optional interface for modules that expose HTTP
// routes. The host mounts the module's routes on a sub-router scoped to
// the module; the module never sees the root router.
type RouteProvider interface {
	RegisterRoutes(r chi.Router)
}

// HookFunc handles a named platform hook invocation.
type HookFunc func(ctx context.Context, payload map[string]any) error

// HookProvider is an optional interface for modules that subscribe to
// platform hooks by name.
type HookProvider interface {
	Hooks() map[string]HookFunc
}

// WorkflowProvider is an optional interface for modules that contribute
// workflow definitions to an external workflow engine. The runtime only
// transports the definitions; executing them is the engine's business.
type WorkflowProvider interface {
	Workflows() []WorkflowDefinition
}

// WorkflowDefinition describes a workflow a module contributes.
type WorkflowDefinition struct {
	Name       string         `json:"name"`
	Definition map[string]any `json:"definition"`
}

// HealthReporter is an optional interface for modules that can report
// their own health. The health checker polls it for active installations.
type HealthReporter interface {
	CheckHealth(ctx context.Context) HealthResult
}

// HealthResult is the outcome of a module health check.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Host is the restricted execution surface handed to a module at
// Initialize time. Every capability accessor performs a permission check
// against the module's manifest; modules without the corresponding
// permission receive an error instead of the facade.
type Host interface {
	// Logger returns a logger scoped to the module and tenant.
	Logger() Logger

	// TenantID returns the tenant this instance is bound to, or the empty
	// TenantID for platform-scoped loads.
	TenantID() TenantID

	// Checkpoint enforces the cooperative wall-clock limit. Long-running
	// module code must call it at safe points (loop iterations, before
	// I/O); it returns ErrModuleResource once the limit is exceeded.
	Checkpoint() error

	// Files returns the file facade. Requires the "file.access" permission.
	Files() (FileAccess, error)

	// Database returns the query facade. Requires the "db.query" permission.
	Database() (DatabaseAccess, error)

	// API returns the outbound API facade. Requires the "api.call"
	// permission; calls are rate limited per the manifest's limits.
	API() (APIAccess, error)
}
