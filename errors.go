package modrun

import (
	"errors"
)

// Runtime errors
var (
	// Manifest errors
	ErrManifestInvalid    = errors.New("manifest validation failed")
	ErrManifestIDInvalid  = errors.New("module id must be a dotted identifier")
	ErrVersionInvalid     = errors.New("version is not valid semver")
	ErrManifestNotFound   = errors.New("manifest not found")
	ErrManifestInUse      = errors.New("manifest is referenced by an installation")
	ErrManifestImmutable  = errors.New("manifest identity fields cannot change")
	ErrConstraintInvalid  = errors.New("invalid dependency version constraint")
	ErrConfigSchemaFailed = errors.New("configuration does not match manifest schema")

	// Loader errors
	ErrModuleNotFound    = errors.New("no loader strategy matched module")
	ErrModuleLoad        = errors.New("module implementation failed to load")
	ErrContractViolation = errors.New("module does not satisfy the required contract")
	ErrFactoryNil        = errors.New("module factory returned nil")

	// Dependency resolution errors
	ErrCircularDependency = errors.New("circular dependency detected")
	ErrDependencyNotFound = errors.New("dependency has no registered manifest")
	ErrDependencyVersion  = errors.New("dependency version constraint not satisfied")

	// Isolation errors
	ErrModulePermission = errors.New("permission not granted to module")
	ErrModuleResource   = errors.New("module resource limit exceeded")
	ErrModuleIsolation  = errors.New("module violated its isolation boundary")

	// Installation lifecycle errors
	ErrModuleState           = errors.New("operation not valid in current installation state")
	ErrInstallationNotFound  = errors.New("installation not found")
	ErrInstallationExists    = errors.New("module already installed for tenant")
	ErrInstallationNotActive = errors.New("installation is not active")
	ErrUninstallBlocked      = errors.New("module is required by another active installation")

	// Registry errors
	ErrRegistryClosed  = errors.New("registry has been shut down")
	ErrModuleNotLoaded = errors.New("module is not loaded")

	// Observer errors
	ErrObserverNil = errors.New("observer is nil")
)
