package modrun

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ManifestStore is the persisted catalog of module metadata. The runtime
// consumes this interface; hosts may back it with a database. The shipped
// MemoryManifestStore is authoritative for single-process deployments and
// for tests.
type ManifestStore interface {
	// Register persists a manifest after validation. Registering an already
	// known (module_id, version) pair is idempotent: mutable fields
	// (Name, Description, IsActive, IsCertified, Tags, ProvidesEntities,
	// ResourceLimits, ConfigSchema) are updated and no duplicate record is
	// created. Identity fields never change; attempting to alter a
	// published version's dependencies or permissions fails with
	// ErrManifestImmutable.
	Register(manifest *ModuleManifest) (*ModuleManifest, error)

	// Get returns the manifest for the given module id and version. An
	// empty version selects the most recently registered active manifest.
	Get(moduleID, version string) (*ModuleManifest, error)

	// ListActive returns all manifests with IsActive set, newest version of
	// each module id first.
	ListActive() []*ModuleManifest

	// ListByTag returns active manifests carrying the tag.
	ListByTag(tag string) []*ModuleManifest

	// ListByProvidedEntity returns active manifests providing the entity type.
	ListByProvidedEntity(entityType string) []*ModuleManifest

	// Delete removes a manifest version. Protect-on-delete is enforced one
	// level up by the InstallationService, which refuses to delete
	// manifests still referenced by installations.
	Delete(moduleID, version string) error
}

// MemoryManifestStore is an in-memory ManifestStore guarded by an RWMutex.
// Reads of the "latest active" resolution are served from a small cache
// that is invalidated wholesale on every write; the store is read-heavy so
// the coarse invalidation is fine.
type MemoryManifestStore struct {
	mu        sync.RWMutex
	manifests map[string][]*ModuleManifest // module id -> versions in registration order

	cacheMu     sync.Mutex
	latestCache map[string]*ModuleManifest
	generation  uint64
	cacheGen    uint64
}

// NewMemoryManifestStore creates an empty store.
func NewMemoryManifestStore() *MemoryManifestStore {
	return &MemoryManifestStore{
		manifests:   make(map[string][]*ModuleManifest),
		latestCache: make(map[string]*ModuleManifest),
	}
}

// Register implements ManifestStore. Validation happens before any state
// is touched, so a malformed manifest never reaches the catalog.
func (s *MemoryManifestStore) Register(manifest *ModuleManifest) (*ModuleManifest, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.manifests[manifest.ModuleID]
	for _, existing := range versions {
		if existing.Version == manifest.Version {
			// Dependencies and permissions are part of a published version's
			// identity: installations resolved edges and granted capabilities
			// against them. Changing either requires a new version.
			if !equalStrings(existing.Dependencies, manifest.Dependencies) {
				return nil, fmt.Errorf("%w: dependencies of %s", ErrManifestImmutable, existing.Key())
			}
			if !equalStrings(existing.Permissions, manifest.Permissions) {
				return nil, fmt.Errorf("%w: permissions of %s", ErrManifestImmutable, existing.Key())
			}
			// Idempotent re-register: update mutable fields in place.
			existing.Name = manifest.Name
			existing.Description = manifest.Description
			existing.IsActive = manifest.IsActive
			existing.IsCertified = manifest.IsCertified
			existing.Tags = append([]string(nil), manifest.Tags...)
			existing.ProvidesEntities = append([]string(nil), manifest.ProvidesEntities...)
			existing.ResourceLimits = manifest.ResourceLimits
			existing.ConfigSchema = manifest.ConfigSchema
			s.invalidate()
			return existing.clone(), nil
		}
	}

	stored := manifest.clone()
	stored.RegisteredAt = time.Now()
	s.manifests[manifest.ModuleID] = append(versions, stored)
	s.invalidate()
	return stored.clone(), nil
}

// Get implements ManifestStore. Returned manifests are detached copies;
// mutating one never touches the catalog.
func (s *MemoryManifestStore) Get(moduleID, version string) (*ModuleManifest, error) {
	if version == "" {
		if m := s.latestActiveCached(moduleID); m != nil {
			return m.clone(), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, moduleID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.manifests[moduleID] {
		if m.Version == version {
			return m.clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrManifestNotFound, moduleID, version)
}

// Versions returns every registered version string for a module id, in
// registration order.
func (s *MemoryManifestStore) Versions(moduleID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.manifests[moduleID]))
	for _, m := range s.manifests[moduleID] {
		out = append(out, m.Version)
	}
	return out
}

// ListActive implements ManifestStore.
func (s *MemoryManifestStore) ListActive() []*ModuleManifest {
	return s.list(func(m *ModuleManifest) bool { return m.IsActive })
}

// ListByTag implements ManifestStore.
func (s *MemoryManifestStore) ListByTag(tag string) []*ModuleManifest {
	return s.list(func(m *ModuleManifest) bool { return m.IsActive && m.HasTag(tag) })
}

// ListByProvidedEntity implements ManifestStore.
func (s *MemoryManifestStore) ListByProvidedEntity(entityType string) []*ModuleManifest {
	return s.list(func(m *ModuleManifest) bool {
		if !m.IsActive {
			return false
		}
		for _, e := range m.ProvidesEntities {
			if e == entityType {
				return true
			}
		}
		return false
	})
}

// Delete implements ManifestStore.
func (s *MemoryManifestStore) Delete(moduleID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.manifests[moduleID]
	for i, m := range versions {
		if m.Version == version {
			s.manifests[moduleID] = append(versions[:i:i], versions[i+1:]...)
			if len(s.manifests[moduleID]) == 0 {
				delete(s.manifests, moduleID)
			}
			s.invalidate()
			return nil
		}
	}
	return fmt.Errorf("%w: %s@%s", ErrManifestNotFound, moduleID, version)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *MemoryManifestStore) list(keep func(*ModuleManifest) bool) []*ModuleManifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.manifests))
	for id := range s.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*ModuleManifest
	for _, id := range ids {
		versions := s.manifests[id]
		for i := len(versions) - 1; i >= 0; i-- {
			if keep(versions[i]) {
				out = append(out, versions[i].clone())
			}
		}
	}
	return out
}

// latestActiveCached resolves the most recently registered active manifest
// for a module id through the generation-tagged cache.
func (s *MemoryManifestStore) latestActiveCached(moduleID string) *ModuleManifest {
	s.cacheMu.Lock()
	if s.cacheGen != s.currentGeneration() {
		s.latestCache = make(map[string]*ModuleManifest)
		s.cacheGen = s.currentGeneration()
	}
	if m, ok := s.latestCache[moduleID]; ok {
		s.cacheMu.Unlock()
		return m
	}
	s.cacheMu.Unlock()

	s.mu.RLock()
	var latest *ModuleManifest
	versions := s.manifests[moduleID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsActive {
			latest = versions[i]
			break
		}
	}
	s.mu.RUnlock()

	if latest != nil {
		s.cacheMu.Lock()
		s.latestCache[moduleID] = latest
		s.cacheMu.Unlock()
	}
	return latest
}

func (s *MemoryManifestStore) invalidate() {
	s.cacheMu.Lock()
	s.generation++
	s.cacheMu.Unlock()
}

func (s *MemoryManifestStore) currentGeneration() uint64 {
	return s.generation
}
