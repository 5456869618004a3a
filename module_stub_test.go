package modrun

import (
	"context"
	"sync/atomic"
)

// stubModule is the reusable module implementation for runtime tests.
type stubModule struct {
	name        string
	description string

	initCount     atomic.Int32
	shutdownCount atomic.Int32
	initErr       error
	host          Host
}

func newStubModule(name string) *stubModule {
	return &stubModule{name: name, description: "stub module"}
}

func (m *stubModule) Name() string        { return m.name }
func (m *stubModule) Description() string { return m.description }

func (m *stubModule) Initialize(_ context.Context, host Host) error {
	m.initCount.Add(1)
	m.host = host
	return m.initErr
}

func (m *stubModule) Shutdown(_ context.Context) error {
	m.shutdownCount.Add(1)
	return nil
}

// healthyStub additionally reports health.
type healthyStub struct {
	stubModule
	result HealthResult
}

func (m *healthyStub) CheckHealth(context.Context) HealthResult {
	return m.result
}

// extensionStub exercises the optional capability interfaces.
type extensionStub struct {
	stubModule
	hooks     map[string]HookFunc
	workflows []WorkflowDefinition
	entities  []string
}

func (m *extensionStub) Hooks() map[string]HookFunc { return m.hooks }

func (m *extensionStub) Workflows() []WorkflowDefinition { return m.workflows }

func (m *extensionStub) ProvidesEntities() []string { return m.entities }

// brokenModule is missing Initialize and Shutdown, for contract
// validation tests.
type brokenModule struct{}

func (brokenModule) Name() string        { return "broken" }
func (brokenModule) Description() string { return "missing lifecycle methods" }

// testManifest builds a registered-ready manifest with sane defaults.
func testManifest(moduleID string, deps ...string) *ModuleManifest {
	return &ModuleManifest{
		ModuleID:     moduleID,
		Version:      "1.0.0",
		Name:         FinalSegment(moduleID),
		Dependencies: deps,
		IsActive:     true,
	}
}

// registerAll registers manifests into a store, panicking on failure so
// test setup stays terse.
func registerAll(store ManifestStore, manifests ...*ModuleManifest) {
	for _, m := range manifests {
		if _, err := store.Register(m); err != nil {
			panic(err)
		}
	}
}

// newTestRegistry wires a registry with builtin stub factories for the
// given module ids.
func newTestRegistry(store ManifestStore, moduleIDs ...string) (*Registry, map[string]*stubModule) {
	loader := NewLoader(NopLogger{})
	stubs := make(map[string]*stubModule, len(moduleIDs))
	for _, id := range moduleIDs {
		stub := newStubModule(id)
		stubs[id] = stub
		loader.RegisterBuiltin(id, func() (any, error) { return stub, nil })
	}
	return NewRegistry(store, loader, NopLogger{}), stubs
}
