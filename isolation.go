package modrun

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Well-known capability strings. Capability names are free-form dotted
// strings; anything a manifest declares is grantable. These constants only
// name the capabilities the shipped facades check.
const (
	PermFileAccess     = "file.access"
	PermDatabaseQuery  = "db.query"
	PermAPICall        = "api.call"
	PermWorkflowAccess = "workflow.access"
)

// IsolationContext is the per-(module, tenant) runtime guard. It holds the
// resolved resource limits, the wall-clock start time, and the usage
// counters the facades charge against. Limits are enforced cooperatively:
// module code must poll the check methods at safe points, nothing is
// preempted.
//
// Counters may be hit from multiple goroutines when a module's operations
// run concurrently, so all mutation goes through the context's mutex.
type IsolationContext struct {
	moduleID string
	tenantID TenantID
	limits   ResourceLimits
	start    time.Time

	permissions map[string]struct{}

	mu        sync.Mutex
	apiCalls  map[string]int64 // "<endpoint>|<minute bucket>" -> count
	dbQueries int64
}

// NewIsolationContext creates a guard for one execution scope, merging the
// manifest's declared limits onto the system defaults.
func NewIsolationContext(manifest *ModuleManifest, tenantID TenantID) *IsolationContext {
	perms := make(map[string]struct{}, len(manifest.Permissions))
	for _, p := range manifest.Permissions {
		perms[p] = struct{}{}
	}
	return &IsolationContext{
		moduleID:    manifest.ModuleID,
		tenantID:    tenantID,
		limits:      manifest.EffectiveLimits(),
		start:       time.Now(),
		permissions: perms,
		apiCalls:    make(map[string]int64),
	}
}

// ModuleID returns the module this context guards.
func (ic *IsolationContext) ModuleID() string { return ic.moduleID }

// TenantID returns the tenant scope of this context.
func (ic *IsolationContext) TenantID() TenantID { return ic.tenantID }

// Limits returns the resolved resource limits.
func (ic *IsolationContext) Limits() ResourceLimits { return ic.limits }

// Elapsed returns wall-clock time since the context was created.
func (ic *IsolationContext) Elapsed() time.Duration {
	return time.Since(ic.start)
}

// CheckTimeLimit compares elapsed wall-clock time to the execution limit.
// Callers poll it at safe checkpoints; exceeding the limit returns
// ErrModuleResource and the caller must treat the current invocation as
// terminal.
func (ic *IsolationContext) CheckTimeLimit() error {
	limit := time.Duration(ic.limits.MaxExecutionTime) * time.Second
	if elapsed := ic.Elapsed(); elapsed > limit {
		return fmt.Errorf("%w: module %s exceeded execution time limit (%s > %s)",
			ErrModuleResource, ic.moduleID, elapsed.Round(time.Millisecond), limit)
	}
	return nil
}

// CheckAPIRateLimit charges one call against the endpoint's current minute
// bucket and fails once the bucket exceeds max_api_calls_per_minute.
// Buckets are keyed by (endpoint, minute), so counters reset naturally as
// the minute rolls over; stale buckets are pruned opportunistically.
func (ic *IsolationContext) CheckAPIRateLimit(endpoint string) error {
	bucket := time.Now().Unix() / 60
	key := fmt.Sprintf("%s|%d", endpoint, bucket)

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.apiCalls[key]++
	if ic.apiCalls[key] > ic.limits.MaxAPICallsPerMinute {
		return fmt.Errorf("%w: module %s exceeded %d calls/minute to %s",
			ErrModuleResource, ic.moduleID, ic.limits.MaxAPICallsPerMinute, endpoint)
	}
	if len(ic.apiCalls) > 64 {
		suffix := fmt.Sprintf("|%d", bucket)
		for k := range ic.apiCalls {
			if len(k) < len(suffix) || k[len(k)-len(suffix):] != suffix {
				delete(ic.apiCalls, k)
			}
		}
	}
	return nil
}

// CountDatabaseQuery charges one query against the context's cumulative
// database budget.
func (ic *IsolationContext) CountDatabaseQuery() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.dbQueries++
	if ic.dbQueries > ic.limits.MaxDatabaseQueries {
		return fmt.Errorf("%w: module %s exceeded %d database queries",
			ErrModuleResource, ic.moduleID, ic.limits.MaxDatabaseQueries)
	}
	return nil
}

// CheckFileSize verifies a file payload against max_file_size_mb.
func (ic *IsolationContext) CheckFileSize(sizeBytes int64) error {
	limit := ic.limits.MaxFileSizeMB * 1024 * 1024
	if sizeBytes > limit {
		return fmt.Errorf("%w: module %s file of %d bytes exceeds %dMB limit",
			ErrModuleResource, ic.moduleID, sizeBytes, ic.limits.MaxFileSizeMB)
	}
	return nil
}

// CheckMemoryUsage compares the process resident set size against
// max_memory_mb. Memory is a systemic limit: exceeding it is fatal to the
// instance, and the Registry unloads it and marks the installation failed.
func (ic *IsolationContext) CheckMemoryUsage() error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil // cannot measure, don't punish the module for it
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return nil
	}
	limit := uint64(ic.limits.MaxMemoryMB) * 1024 * 1024
	if mem.RSS > limit {
		return fmt.Errorf("%w: module %s: process RSS %dMB exceeds %dMB limit",
			ErrModuleResource, ic.moduleID, mem.RSS/(1024*1024), ic.limits.MaxMemoryMB)
	}
	return nil
}

// CheckPermission reports whether the manifest declared the capability.
func (ic *IsolationContext) CheckPermission(capability string) bool {
	_, ok := ic.permissions[capability]
	return ok
}

// RequirePermission fails with ErrModulePermission when the capability is
// not declared. The error is recoverable for the module: the instance
// stays loaded.
func (ic *IsolationContext) RequirePermission(capability string) error {
	if !ic.CheckPermission(capability) {
		return fmt.Errorf("%w: module %s lacks %q",
			ErrModulePermission, ic.moduleID, capability)
	}
	return nil
}

// APICallCount returns the charge recorded for an endpoint in the current
// minute bucket. Intended for tests and diagnostics.
func (ic *IsolationContext) APICallCount(endpoint string) int64 {
	bucket := time.Now().Unix() / 60
	key := fmt.Sprintf("%s|%d", endpoint, bucket)
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.apiCalls[key]
}
