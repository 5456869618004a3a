package modrun

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// HealthChecker periodically polls loaded modules that implement
// HealthReporter, records the outcome on their installations, and emits
// module.health_check events. Modules that don't report health are marked
// healthy by virtue of being loaded.
type HealthChecker struct {
	registry *Registry
	installs *InstallationService
	logger   Logger

	schedule string
	cron     *cron.Cron
}

// NewHealthChecker creates a checker over the registry and installation
// service. The schedule is a cron spec; empty defaults to every minute.
func NewHealthChecker(registry *Registry, installs *InstallationService, logger Logger, schedule string) *HealthChecker {
	if logger == nil {
		logger = NopLogger{}
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &HealthChecker{
		registry: registry,
		installs: installs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start schedules periodic checks until Stop is called.
func (h *HealthChecker) Start() error {
	h.cron = cron.New()
	if _, err := h.cron.AddFunc(h.schedule, func() {
		h.RunChecks(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule health checks: %w", err)
	}
	h.cron.Start()
	h.logger.Info("health checker started", "schedule", h.schedule)
	return nil
}

// Stop halts the schedule, waiting for a running check to finish.
func (h *HealthChecker) Stop() {
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}
}

// RunChecks performs one health sweep over every loaded instance that has
// an installation, updating health state and emitting events.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	h.registry.mu.Lock()
	keys := make([]instKey, 0, len(h.registry.instances))
	for key := range h.registry.instances {
		keys = append(keys, key)
	}
	h.registry.mu.Unlock()

	for _, key := range keys {
		h.checkOne(ctx, key.moduleID, key.tenantID)
	}
}

func (h *HealthChecker) checkOne(ctx context.Context, moduleID string, tenantID TenantID) {
	instance, ok := h.registry.Instance(moduleID, tenantID)
	if !ok {
		return
	}

	result := HealthResult{Healthy: true, Message: "loaded"}
	if reporter, ok := instance.Module.(HealthReporter); ok {
		err := instance.Sandbox.Execute(func() error {
			result = reporter.CheckHealth(ctx)
			return nil
		})
		if err != nil {
			result = HealthResult{Healthy: false, Message: err.Error()}
		}
	}

	state := HealthHealthy
	if !result.Healthy {
		state = HealthUnhealthy
		h.logger.Warn("module health check failed",
			"module", moduleID, "tenant", tenantID, "message", result.Message)
	}
	if h.installs != nil {
		h.installs.SetHealth(tenantID, moduleID, state, result.Message)
	}
	h.registry.emit(ctx, EventTypeModuleHealthCheck, moduleID, tenantID, map[string]any{
		"healthy": result.Healthy,
		"message": result.Message,
	})
}
