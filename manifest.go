package modrun

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ModuleManifest describes a module's identity, dependencies, permissions
// and resource limits. A manifest is immutable once published: the
// (ModuleID, Version) pair is its identity and re-registering the same pair
// may only update mutable fields such as IsActive and Tags.
type ModuleManifest struct {
	ModuleID    string `json:"module_id" yaml:"id" toml:"id"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description" yaml:"description" toml:"description"`

	// Dependencies lists required module ids, each optionally constrained
	// as "id@<semver range>", e.g. "com.vendor.core@>=1.2.0 <2.0.0".
	Dependencies []string `json:"dependencies" yaml:"dependencies" toml:"dependencies"`

	// Permissions are the capability strings the module may request at
	// runtime, e.g. "file.access" or "db.query". Free-form dotted names;
	// no central enum is enforced.
	Permissions []string `json:"permissions" yaml:"permissions" toml:"permissions"`

	ResourceLimits ResourceLimits `json:"resource_limits" yaml:"resource_limits" toml:"resource_limits"`

	IsActive    bool     `json:"is_active" yaml:"is_active" toml:"is_active"`
	IsCertified bool     `json:"is_certified" yaml:"is_certified" toml:"is_certified"`
	Tags        []string `json:"tags" yaml:"tags" toml:"tags"`

	// ProvidesEntities lists the entity types the module contributes,
	// queryable through ManifestStore.ListByProvidedEntity.
	ProvidesEntities []string `json:"provides_entities" yaml:"provides_entities" toml:"provides_entities"`

	// ConfigSchema declares the configuration keys an installation of this
	// module accepts. Installation configuration is validated and coerced
	// against it.
	ConfigSchema map[string]ConfigField `json:"config_schema" yaml:"config_schema" toml:"config_schema"`

	RegisteredAt time.Time `json:"registered_at" yaml:"-" toml:"-"`
}

// clone returns a detached deep copy. The store hands out clones so
// catalog state can only change through Register.
func (m *ModuleManifest) clone() *ModuleManifest {
	cp := *m
	cp.Dependencies = append([]string(nil), m.Dependencies...)
	cp.Permissions = append([]string(nil), m.Permissions...)
	cp.Tags = append([]string(nil), m.Tags...)
	cp.ProvidesEntities = append([]string(nil), m.ProvidesEntities...)
	if m.ConfigSchema != nil {
		cp.ConfigSchema = make(map[string]ConfigField, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			cp.ConfigSchema[k] = v
		}
	}
	return &cp
}

// ConfigField declares one installation configuration key.
type ConfigField struct {
	// Type is one of "string", "int", "float", "bool".
	Type     string `json:"type" yaml:"type" toml:"type"`
	Required bool   `json:"required" yaml:"required" toml:"required"`
	Default  any    `json:"default,omitempty" yaml:"default" toml:"default"`
}

// ResourceLimits caps what a module instance may consume. Zero values mean
// "use the system default"; EffectiveLimits resolves them.
type ResourceLimits struct {
	MaxMemoryMB          int64 `json:"max_memory_mb" yaml:"max_memory_mb" toml:"max_memory_mb"`
	MaxCPUSeconds        int64 `json:"max_cpu_seconds" yaml:"max_cpu_seconds" toml:"max_cpu_seconds"`
	MaxExecutionTime     int64 `json:"max_execution_time" yaml:"max_execution_time" toml:"max_execution_time"`
	MaxAPICallsPerMinute int64 `json:"max_api_calls_per_minute" yaml:"max_api_calls_per_minute" toml:"max_api_calls_per_minute"`
	MaxDatabaseQueries   int64 `json:"max_database_queries" yaml:"max_database_queries" toml:"max_database_queries"`
	MaxFileSizeMB        int64 `json:"max_file_size_mb" yaml:"max_file_size_mb" toml:"max_file_size_mb"`
}

// DefaultResourceLimits returns the system-wide defaults applied where a
// manifest does not override a limit.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:          512,
		MaxCPUSeconds:        60,
		MaxExecutionTime:     300,
		MaxAPICallsPerMinute: 100,
		MaxDatabaseQueries:   1000,
		MaxFileSizeMB:        50,
	}
}

// DependencyRef is a parsed dependency entry: a target module id plus an
// optional semver range constraint.
type DependencyRef struct {
	ModuleID   string
	Constraint *semver.Constraints
	Raw        string
}

// ParseDependencyRef parses "id" or "id@<constraint>" dependency entries.
func ParseDependencyRef(raw string) (DependencyRef, error) {
	ref := DependencyRef{Raw: raw}
	id, constraint, found := strings.Cut(raw, "@")
	ref.ModuleID = strings.TrimSpace(id)
	if ref.ModuleID == "" {
		return ref, fmt.Errorf("%w: empty dependency id in %q", ErrManifestInvalid, raw)
	}
	if found {
		c, err := semver.NewConstraint(strings.TrimSpace(constraint))
		if err != nil {
			return ref, fmt.Errorf("%w: %q: %v", ErrConstraintInvalid, raw, err)
		}
		ref.Constraint = c
	}
	return ref, nil
}

// Satisfied reports whether the given version satisfies the constraint.
// A ref without a constraint is satisfied by any version.
func (r DependencyRef) Satisfied(version string) bool {
	if r.Constraint == nil {
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return r.Constraint.Check(v)
}

// Validate checks the manifest's identity fields. It must pass before the
// manifest is persisted anywhere.
func (m *ModuleManifest) Validate() error {
	if err := ValidateModuleID(m.ModuleID); err != nil {
		return err
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionInvalid, m.Version, err)
	}
	for _, dep := range m.Dependencies {
		if _, err := ParseDependencyRef(dep); err != nil {
			return err
		}
	}
	for key, field := range m.ConfigSchema {
		switch field.Type {
		case "string", "int", "float", "bool":
		default:
			return fmt.Errorf("%w: config key %q has unknown type %q",
				ErrManifestInvalid, key, field.Type)
		}
	}
	return nil
}

// ValidateModuleID checks that an id is a dotted identifier such as
// "com.vendor.invoicing". At least one separator is required so final-segment
// directory lookups stay unambiguous.
func ValidateModuleID(id string) error {
	if !strings.Contains(id, ".") {
		return fmt.Errorf("%w: %q", ErrManifestIDInvalid, id)
	}
	if strings.ContainsAny(id, " \t\n/\\") {
		return fmt.Errorf("%w: %q contains illegal characters", ErrManifestIDInvalid, id)
	}
	for _, segment := range strings.Split(id, ".") {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrManifestIDInvalid, id)
		}
	}
	return nil
}

// FinalSegment returns the last dotted segment of a module id, used by the
// Loader's directory naming convention.
func FinalSegment(moduleID string) string {
	if idx := strings.LastIndex(moduleID, "."); idx >= 0 {
		return moduleID[idx+1:]
	}
	return moduleID
}

// DependencyRefs returns the parsed dependency list.
func (m *ModuleManifest) DependencyRefs() ([]DependencyRef, error) {
	refs := make([]DependencyRef, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		ref, err := ParseDependencyRef(dep)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// DependencyIDs returns just the module ids of the dependency list,
// ignoring constraints. Invalid entries are skipped; Validate catches them
// before a manifest gets this far.
func (m *ModuleManifest) DependencyIDs() []string {
	ids := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		ref, err := ParseDependencyRef(dep)
		if err != nil {
			continue
		}
		ids = append(ids, ref.ModuleID)
	}
	return ids
}

// HasPermission reports whether the manifest declares the capability.
func (m *ModuleManifest) HasPermission(capability string) bool {
	for _, p := range m.Permissions {
		if p == capability {
			return true
		}
	}
	return false
}

// HasTag reports whether the manifest carries the tag.
func (m *ModuleManifest) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EffectiveLimits merges the manifest's declared limits onto the system
// defaults. Unset (zero) limits fall back to the default value.
func (m *ModuleManifest) EffectiveLimits() ResourceLimits {
	limits := DefaultResourceLimits()
	declared := m.ResourceLimits
	if declared.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = declared.MaxMemoryMB
	}
	if declared.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = declared.MaxCPUSeconds
	}
	if declared.MaxExecutionTime > 0 {
		limits.MaxExecutionTime = declared.MaxExecutionTime
	}
	if declared.MaxAPICallsPerMinute > 0 {
		limits.MaxAPICallsPerMinute = declared.MaxAPICallsPerMinute
	}
	if declared.MaxDatabaseQueries > 0 {
		limits.MaxDatabaseQueries = declared.MaxDatabaseQueries
	}
	if declared.MaxFileSizeMB > 0 {
		limits.MaxFileSizeMB = declared.MaxFileSizeMB
	}
	return limits
}

// Key returns the manifest's identity key, "module_id@version".
func (m *ModuleManifest) Key() string {
	return m.ModuleID + "@" + m.Version
}

// SemVersion returns the parsed semver version. The manifest must have
// passed Validate.
func (m *ModuleManifest) SemVersion() *semver.Version {
	v, _ := semver.NewVersion(m.Version)
	return v
}
