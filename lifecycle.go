package modrun

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/golobby/cast"
	"github.com/google/uuid"
)

// instKey identifies one installation: a tenant may install a module at
// most once.
type instKey struct {
	tenantID TenantID
	moduleID string
}

// InstallationService owns the per-tenant installation lifecycle:
// install -> enable/disable -> uninstall, dependency edge bookkeeping, and
// protect-on-delete for manifests. It is independent of the Registry's
// in-memory instance cache; an installation can be active without the
// module being loaded.
type InstallationService struct {
	*eventSubject

	store    ManifestStore
	resolver *DependencyResolver
	logger   Logger

	mu            sync.RWMutex
	installations map[instKey]*ModuleInstallation
	dependencies  map[string][]ModuleDependency // installation id -> edges
}

// NewInstallationService creates the lifecycle service over a manifest
// store.
func NewInstallationService(store ManifestStore, logger Logger) *InstallationService {
	if logger == nil {
		logger = NopLogger{}
	}
	return &InstallationService{
		eventSubject:  newEventSubject(logger),
		store:         store,
		resolver:      NewDependencyResolver(store),
		logger:        logger,
		installations: make(map[instKey]*ModuleInstallation),
		dependencies:  make(map[string][]ModuleDependency),
	}
}

// Install creates an installation for the tenant and walks it through
// pending -> installing -> active. Dependency edges are resolved during
// the installing phase; a missing dependency fails the installation and
// leaves it in the failed state.
func (s *InstallationService) Install(ctx context.Context, tenantID TenantID, moduleID, version string, config map[string]any) (*ModuleInstallation, error) {
	manifest, err := s.store.Get(moduleID, version)
	if err != nil {
		return nil, err
	}

	coerced, err := coerceConfiguration(manifest, config)
	if err != nil {
		return nil, err
	}

	key := instKey{tenantID: tenantID, moduleID: moduleID}
	s.mu.Lock()
	if _, exists := s.installations[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s for tenant %s", ErrInstallationExists, moduleID, tenantID)
	}
	now := time.Now()
	inst := &ModuleInstallation{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		ModuleID:      moduleID,
		Version:       manifest.Version,
		Status:        StatusPending,
		Configuration: coerced,
		HealthStatus:  HealthUnknown,
		InstalledAt:   now,
		UpdatedAt:     now,
	}
	s.installations[key] = inst
	s.mu.Unlock()

	s.transition(inst, StatusInstalling)

	edges, unsatisfied := s.resolveEdges(inst, manifest)
	s.mu.Lock()
	s.dependencies[inst.ID] = edges
	s.mu.Unlock()

	if len(unsatisfied) > 0 {
		failed := s.transition(inst, StatusFailed)
		s.notify(ctx, NewModuleEvent(EventTypeModuleError, moduleID, tenantID, map[string]any{
			"reason":  "unsatisfied dependencies",
			"missing": unsatisfied,
		}))
		return failed, fmt.Errorf("%w: %s requires %v", ErrDependencyNotFound, moduleID, unsatisfied)
	}

	active := s.transition(inst, StatusActive)
	s.logger.Info("module installed", "module", moduleID, "tenant", tenantID, "version", manifest.Version)
	s.notify(ctx, NewModuleEvent(EventTypeModuleInstalled, moduleID, tenantID, map[string]any{
		"version":         manifest.Version,
		"installation_id": inst.ID,
	}))
	return active, nil
}

// Enable moves an installation to active. Valid from disabled or active
// (idempotent); anything else is a state error with no change.
func (s *InstallationService) Enable(ctx context.Context, tenantID TenantID, moduleID string) error {
	already := false
	err := s.withInstallation(tenantID, moduleID, func(inst *ModuleInstallation) error {
		if inst.Status == StatusActive {
			already = true
			return nil
		}
		if inst.Status != StatusDisabled {
			return fmt.Errorf("%w: cannot enable installation in state %q", ErrModuleState, inst.Status)
		}
		inst.Status = StatusActive
		inst.UpdatedAt = time.Now()
		return nil
	})
	if err != nil || already {
		return err
	}
	s.notify(ctx, NewModuleEvent(EventTypeModuleEnabled, moduleID, tenantID, nil))
	return nil
}

// Disable moves an active installation to disabled.
func (s *InstallationService) Disable(ctx context.Context, tenantID TenantID, moduleID string) error {
	err := s.withInstallation(tenantID, moduleID, func(inst *ModuleInstallation) error {
		if inst.Status != StatusActive {
			return fmt.Errorf("%w: cannot disable installation in state %q", ErrModuleState, inst.Status)
		}
		inst.Status = StatusDisabled
		inst.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, NewModuleEvent(EventTypeModuleDisabled, moduleID, tenantID, nil))
	return nil
}

// Uninstall removes the tenant's installation. It is refused while another
// active installation in the same tenant declares this module as a
// dependency; the installation's status is left unchanged in that case.
func (s *InstallationService) Uninstall(ctx context.Context, tenantID TenantID, moduleID string) error {
	key := instKey{tenantID: tenantID, moduleID: moduleID}
	s.mu.Lock()
	inst, ok := s.installations[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s for tenant %s", ErrInstallationNotFound, moduleID, tenantID)
	}
	if !inst.Status.CanTransitionTo(StatusUninstalling) {
		status := inst.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot uninstall installation in state %q", ErrModuleState, status)
	}
	if dependents := s.activeDependentsLocked(tenantID, moduleID); len(dependents) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %v", ErrUninstallBlocked, moduleID, dependents)
	}
	delete(s.installations, key)
	delete(s.dependencies, inst.ID)
	s.mu.Unlock()

	s.logger.Info("module uninstalled", "module", moduleID, "tenant", tenantID)
	s.notify(ctx, NewModuleEvent(EventTypeModuleUninstalled, moduleID, tenantID, nil))
	return nil
}

// Upgrade re-binds an installation to a newer manifest version. The new
// version must exist and still satisfy the constraints of every active
// dependent in the tenant.
func (s *InstallationService) Upgrade(ctx context.Context, tenantID TenantID, moduleID, newVersion string) error {
	manifest, err := s.store.Get(moduleID, newVersion)
	if err != nil {
		return err
	}

	s.mu.Lock()
	inst, ok := s.installations[instKey{tenantID: tenantID, moduleID: moduleID}]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s for tenant %s", ErrInstallationNotFound, moduleID, tenantID)
	}
	if inst.Status != StatusActive && inst.Status != StatusDisabled {
		status := inst.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot upgrade installation in state %q", ErrModuleState, status)
	}

	// Dependents pinned by constraint must still be satisfied by the new
	// version.
	for _, dependent := range s.activeDependentsLocked(tenantID, moduleID) {
		depInst, ok := s.installations[instKey{tenantID: tenantID, moduleID: dependent}]
		if !ok {
			continue
		}
		for _, edge := range s.dependencies[depInst.ID] {
			if edge.RequiredModule != moduleID || edge.Constraint == "" {
				continue
			}
			ref, err := ParseDependencyRef(edge.RequiredModule + "@" + edge.Constraint)
			if err != nil {
				continue
			}
			if !ref.Satisfied(manifest.Version) {
				s.mu.Unlock()
				return fmt.Errorf("%w: %s pins %s@%s, upgrade to %s refused",
					ErrDependencyVersion, dependent, moduleID, edge.Constraint, manifest.Version)
			}
		}
	}

	oldVersion := inst.Version
	inst.Version = manifest.Version
	inst.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.RecomputeDependencies(moduleID)
	s.logger.Info("module upgraded", "module", moduleID, "tenant", tenantID,
		"from", oldVersion, "to", manifest.Version)
	s.notify(ctx, NewModuleEvent(EventTypeModuleUpgraded, moduleID, tenantID, map[string]any{
		"from": oldVersion,
		"to":   manifest.Version,
	}))
	return nil
}

// Get returns a snapshot of the tenant's installation of a module. The
// snapshot is detached: the service never reads or writes it again, so
// callers can inspect it without holding any lock.
func (s *InstallationService) Get(tenantID TenantID, moduleID string) (*ModuleInstallation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.installations[instKey{tenantID: tenantID, moduleID: moduleID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s for tenant %s", ErrInstallationNotFound, moduleID, tenantID)
	}
	return inst.clone(), nil
}

// ListForTenant returns snapshots of the tenant's installations sorted by
// module id.
func (s *InstallationService) ListForTenant(tenantID TenantID) []*ModuleInstallation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ModuleInstallation
	for key, inst := range s.installations {
		if key.tenantID == tenantID {
			out = append(out, inst.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// DependencyEdges returns the resolved edges for an installation id.
func (s *InstallationService) DependencyEdges(installationID string) []ModuleDependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := s.dependencies[installationID]
	out := make([]ModuleDependency, len(edges))
	copy(out, edges)
	return out
}

// ActiveDependents returns the module ids of active installations in the
// tenant whose manifests declare moduleID as a dependency.
func (s *InstallationService) ActiveDependents(tenantID TenantID, moduleID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeDependentsLocked(tenantID, moduleID)
}

// activeDependentsLocked is ActiveDependents for callers already holding
// s.mu in either mode.
func (s *InstallationService) activeDependentsLocked(tenantID TenantID, moduleID string) []string {
	var out []string
	for key, inst := range s.installations {
		if key.tenantID != tenantID || key.moduleID == moduleID || inst.Status != StatusActive {
			continue
		}
		manifest, err := s.store.Get(inst.ModuleID, inst.Version)
		if err != nil {
			continue
		}
		for _, dep := range manifest.DependencyIDs() {
			if dep == moduleID {
				out = append(out, inst.ModuleID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// References reports whether any installation, in any tenant, is bound to
// the given manifest version. Used for protect-on-delete.
func (s *InstallationService) References(moduleID, version string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inst := range s.installations {
		if inst.ModuleID == moduleID && (version == "" || inst.Version == version) {
			return true
		}
	}
	return false
}

// DeleteManifest hard-deletes a manifest version, refusing while any
// installation references it.
func (s *InstallationService) DeleteManifest(moduleID, version string) error {
	if s.References(moduleID, version) {
		return fmt.Errorf("%w: %s@%s", ErrManifestInUse, moduleID, version)
	}
	return s.store.Delete(moduleID, version)
}

// SetHealth records a health check outcome on an installation.
func (s *InstallationService) SetHealth(tenantID TenantID, moduleID string, state HealthState, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[instKey{tenantID: tenantID, moduleID: moduleID}]
	if !ok {
		return
	}
	inst.HealthStatus = state
	inst.HealthMessage = message
	inst.UpdatedAt = time.Now()
}

// MarkFailed transitions an installation to failed, used by the Registry
// when a systemic resource limit kills an instance.
func (s *InstallationService) MarkFailed(tenantID TenantID, moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[instKey{tenantID: tenantID, moduleID: moduleID}]
	if !ok {
		return
	}
	inst.Status = StatusFailed
	inst.UpdatedAt = time.Now()
}

// RecomputeDependencies refreshes the dependency edges of every
// installation that depends on the given module, called whenever that
// module's manifest changes.
func (s *InstallationService) RecomputeDependencies(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.installations {
		manifest, err := s.store.Get(inst.ModuleID, inst.Version)
		if err != nil {
			continue
		}
		depends := false
		for _, dep := range manifest.DependencyIDs() {
			if dep == moduleID || inst.ModuleID == moduleID {
				depends = true
				break
			}
		}
		if !depends && inst.ModuleID != moduleID {
			continue
		}
		edges, _ := s.resolveEdges(inst, manifest)
		s.dependencies[inst.ID] = edges
	}
}

// resolveEdges computes ModuleDependency rows for an installation from its
// manifest, returning the ids of unsatisfied dependencies.
func (s *InstallationService) resolveEdges(inst *ModuleInstallation, manifest *ModuleManifest) ([]ModuleDependency, []string) {
	refs, err := manifest.DependencyRefs()
	if err != nil {
		return nil, []string{err.Error()}
	}
	var edges []ModuleDependency
	var unsatisfied []string
	for _, ref := range refs {
		edge := ModuleDependency{
			InstallationID: inst.ID,
			ModuleID:       inst.ModuleID,
			RequiredModule: ref.ModuleID,
		}
		if ref.Constraint != nil {
			_, constraint, _ := splitRef(ref.Raw)
			edge.Constraint = constraint
		}
		dep, err := s.store.Get(ref.ModuleID, "")
		if err == nil && ref.Satisfied(dep.Version) {
			edge.Satisfied = true
			edge.ResolvedVersion = dep.Version
		} else {
			unsatisfied = append(unsatisfied, ref.ModuleID)
		}
		edges = append(edges, edge)
	}
	return edges, unsatisfied
}

// withInstallation runs fn on the live installation record while holding
// the service lock, so a status check and the mutation it guards form one
// critical section.
func (s *InstallationService) withInstallation(tenantID TenantID, moduleID string, fn func(*ModuleInstallation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.installations[instKey{tenantID: tenantID, moduleID: moduleID}]
	if !ok {
		return fmt.Errorf("%w: %s for tenant %s", ErrInstallationNotFound, moduleID, tenantID)
	}
	return fn(inst)
}

// transition applies a status change, bumps the timestamp, and returns a
// detached snapshot for the caller.
func (s *InstallationService) transition(inst *ModuleInstallation, next InstallationStatus) *ModuleInstallation {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.Status = next
	inst.UpdatedAt = time.Now()
	return inst.clone()
}

func splitRef(raw string) (id, constraint string, found bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '@' {
			return raw[:i], raw[i+1:], true
		}
	}
	return raw, "", false
}

// coerceConfiguration validates a configuration bag against the manifest's
// schema: unknown keys are rejected, required keys must be present (or
// have a default), and values are coerced to the declared type using the
// same cast layer the config feeders use.
func coerceConfiguration(manifest *ModuleManifest, config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	if len(manifest.ConfigSchema) == 0 {
		for k, v := range config {
			out[k] = v
		}
		return out, nil
	}

	for key := range config {
		if _, known := manifest.ConfigSchema[key]; !known {
			return nil, fmt.Errorf("%w: unknown key %q", ErrConfigSchemaFailed, key)
		}
	}

	for key, field := range manifest.ConfigSchema {
		value, present := config[key]
		if !present {
			if field.Default != nil {
				value = field.Default
			} else if field.Required {
				return nil, fmt.Errorf("%w: missing required key %q", ErrConfigSchemaFailed, key)
			} else {
				continue
			}
		}
		coerced, err := coerceValue(value, field.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrConfigSchemaFailed, key, err)
		}
		out[key] = coerced
	}
	return out, nil
}

var schemaTypes = map[string]reflect.Type{
	"string": reflect.TypeOf(""),
	"int":    reflect.TypeOf(int(0)),
	"float":  reflect.TypeOf(float64(0)),
	"bool":   reflect.TypeOf(false),
}

func coerceValue(value any, schemaType string) (any, error) {
	target, ok := schemaTypes[schemaType]
	if !ok {
		return nil, fmt.Errorf("unknown schema type %q", schemaType)
	}
	if value != nil && reflect.TypeOf(value) == target {
		return value, nil
	}
	converted, err := cast.FromType(fmt.Sprintf("%v", value), target)
	if err != nil {
		return nil, err
	}
	return converted, nil
}
