package modrun

import (
	"time"
)

// InstallationStatus is the lifecycle state of a per-tenant installation.
type InstallationStatus string

const (
	StatusPending      InstallationStatus = "pending"
	StatusInstalling   InstallationStatus = "installing"
	StatusActive       InstallationStatus = "active"
	StatusDisabled     InstallationStatus = "disabled"
	StatusFailed       InstallationStatus = "failed"
	StatusUninstalling InstallationStatus = "uninstalling"
)

// statusTransitions encodes the installation state machine:
// pending -> installing -> active <-> disabled, active|disabled ->
// uninstalling -> removed, installing -> failed. Enable from active is
// idempotent, everything else is rejected.
var statusTransitions = map[InstallationStatus][]InstallationStatus{
	StatusPending:      {StatusInstalling},
	StatusInstalling:   {StatusActive, StatusFailed},
	StatusActive:       {StatusActive, StatusDisabled, StatusUninstalling},
	StatusDisabled:     {StatusActive, StatusUninstalling},
	StatusFailed:       {StatusInstalling, StatusUninstalling},
	StatusUninstalling: {},
}

// CanTransitionTo reports whether the state machine allows moving from s
// to next.
func (s InstallationStatus) CanTransitionTo(next InstallationStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HealthState summarizes the last health check of an installation.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ModuleInstallation binds exactly one manifest to a tenant. It is unique
// per (tenant, module) and exists independently of whether the module is
// currently loaded in memory.
type ModuleInstallation struct {
	ID       string   `json:"id"`
	TenantID TenantID `json:"tenant_id"`
	ModuleID string   `json:"module_id"`
	Version  string   `json:"version"`

	Status InstallationStatus `json:"status"`

	// Configuration is the tenant's settings for this module, validated and
	// coerced against the manifest's config schema at install time.
	Configuration map[string]any `json:"configuration"`

	HealthStatus  HealthState `json:"health_status"`
	HealthMessage string      `json:"health_message,omitempty"`

	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// clone returns a detached copy. The InstallationService hands out clones
// so callers never share memory with records it keeps mutating.
func (i *ModuleInstallation) clone() *ModuleInstallation {
	cp := *i
	if i.Configuration != nil {
		cp.Configuration = make(map[string]any, len(i.Configuration))
		for k, v := range i.Configuration {
			cp.Configuration[k] = v
		}
	}
	return &cp
}

// ModuleDependency is a resolved dependency edge of an installation: the
// required module, the declared constraint, and whether a satisfying
// manifest was registered at resolution time. Edges are recomputed when a
// dependency's manifest changes.
type ModuleDependency struct {
	InstallationID string `json:"installation_id"`
	ModuleID       string `json:"module_id"`
	RequiredModule string `json:"required_module"`
	Constraint     string `json:"constraint,omitempty"`
	Satisfied      bool   `json:"satisfied"`

	// ResolvedVersion is the manifest version that satisfied the edge,
	// empty when unsatisfied.
	ResolvedVersion string `json:"resolved_version,omitempty"`
}
