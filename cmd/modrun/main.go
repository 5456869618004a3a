// Command modrun runs the module runtime as a standalone service: it
// discovers module manifests on disk, watches them for changes, exposes a
// small admin API for installations and loads, and serves Prometheus
// metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/modrun-io/modrun"
)

func main() {
	var (
		listen   = flag.String("listen", ":8080", "address for the admin API and metrics")
		dirs     = flag.String("module-dirs", "modules", "comma-separated module search directories")
		fileRoot = flag.String("file-root", "", "root directory for module file access, empty disables it")
		schedule = flag.String("health-schedule", "@every 1m", "cron schedule for module health checks")
		debug    = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*debug {
		zl = zl.Level(zerolog.InfoLevel)
	}
	logger := modrun.NewZerologAdapter(zl)

	if err := run(logger, *listen, strings.Split(*dirs, ","), *fileRoot, *schedule); err != nil {
		logger.Error("runtime exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger modrun.Logger, listen string, searchDirs []string, fileRoot, schedule string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := modrun.NewMemoryManifestStore()
	loader := modrun.NewLoader(logger, searchDirs...)
	installs := modrun.NewInstallationService(store, logger)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())

	registry := modrun.NewRegistry(store, loader, logger,
		modrun.WithInstallations(installs),
		modrun.WithMetrics(modrun.NewMetrics(promRegistry)),
		modrun.WithSandboxOptions(modrun.SandboxOptions{FileRoot: fileRoot}),
	)

	auditLog := modrun.NewEventLog()
	if err := registry.RegisterObserver(auditLog); err != nil {
		return err
	}
	if err := installs.RegisterObserver(auditLog); err != nil {
		return err
	}

	seeded := registry.SeedFromDisk(ctx)
	logger.Info("seeded manifests from disk", "count", len(seeded))
	if err := loader.WatchChanges(ctx); err != nil {
		logger.Warn("module hot-reload watcher unavailable", "error", err)
	}

	checker := modrun.NewHealthChecker(registry, installs, logger, schedule)
	if err := checker.Start(); err != nil {
		return err
	}
	defer checker.Stop()

	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(registry, installs, auditLog, store, promRegistry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return registry.Shutdown(shutdownCtx)
}

func newRouter(registry *modrun.Registry, installs *modrun.InstallationService, auditLog *modrun.EventLog, store modrun.ManifestStore, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "loaded": registry.LoadedCount()})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/modules", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, store.ListActive())
		})
		r.Post("/modules", func(w http.ResponseWriter, req *http.Request) {
			var manifest modrun.ModuleManifest
			if err := json.NewDecoder(req.Body).Decode(&manifest); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			stored, err := registry.RegisterManifest(req.Context(), &manifest)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, stored)
		})
		r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, auditLog.Events())
		})

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/installations", func(w http.ResponseWriter, req *http.Request) {
				tenant := modrun.TenantID(chi.URLParam(req, "tenant"))
				writeJSON(w, http.StatusOK, installs.ListForTenant(tenant))
			})
			r.Post("/installations/{module}", func(w http.ResponseWriter, req *http.Request) {
				tenant := modrun.TenantID(chi.URLParam(req, "tenant"))
				moduleID := chi.URLParam(req, "module")
				var body struct {
					Version       string         `json:"version"`
					Configuration map[string]any `json:"configuration"`
				}
				if req.ContentLength > 0 {
					if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
						writeError(w, http.StatusBadRequest, err)
						return
					}
				}
				ctx := modrun.NewTenantContext(req.Context(), tenant)
				inst, err := installs.Install(ctx, tenant, moduleID, body.Version, body.Configuration)
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, http.StatusCreated, inst)
			})
			r.Post("/installations/{module}/enable", installationAction(installs.Enable))
			r.Post("/installations/{module}/disable", installationAction(installs.Disable))
			r.Delete("/installations/{module}", installationAction(installs.Uninstall))

			r.Post("/modules/{module}/load", func(w http.ResponseWriter, req *http.Request) {
				tenant := modrun.TenantID(chi.URLParam(req, "tenant"))
				ctx := modrun.NewTenantContext(req.Context(), tenant)
				instance, err := registry.Load(ctx, chi.URLParam(req, "module"), tenant)
				if err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"module":    instance.Manifest.ModuleID,
					"version":   instance.Manifest.Version,
					"loaded_at": instance.LoadedAt,
				})
			})
			r.Delete("/modules/{module}/load", func(w http.ResponseWriter, req *http.Request) {
				tenant := modrun.TenantID(chi.URLParam(req, "tenant"))
				ctx := modrun.NewTenantContext(req.Context(), tenant)
				if err := registry.Unload(ctx, chi.URLParam(req, "module"), tenant); err != nil {
					writeError(w, statusFor(err), err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		})
	})
	return r
}

// installationAction adapts a lifecycle method to a handler.
func installationAction(fn func(ctx context.Context, tenantID modrun.TenantID, moduleID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		tenant := modrun.TenantID(chi.URLParam(req, "tenant"))
		ctx := modrun.NewTenantContext(req.Context(), tenant)
		if err := fn(ctx, tenant, chi.URLParam(req, "module")); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, modrun.ErrManifestNotFound),
		errors.Is(err, modrun.ErrModuleNotFound),
		errors.Is(err, modrun.ErrInstallationNotFound):
		return http.StatusNotFound
	case errors.Is(err, modrun.ErrInstallationExists):
		return http.StatusConflict
	case errors.Is(err, modrun.ErrManifestInvalid),
		errors.Is(err, modrun.ErrManifestIDInvalid),
		errors.Is(err, modrun.ErrVersionInvalid),
		errors.Is(err, modrun.ErrConstraintInvalid),
		errors.Is(err, modrun.ErrConfigSchemaFailed):
		return http.StatusBadRequest
	case errors.Is(err, modrun.ErrUninstallBlocked),
		errors.Is(err, modrun.ErrManifestInUse),
		errors.Is(err, modrun.ErrModuleState),
		errors.Is(err, modrun.ErrInstallationNotActive):
		return http.StatusConflict
	case errors.Is(err, modrun.ErrDependencyNotFound),
		errors.Is(err, modrun.ErrDependencyVersion),
		errors.Is(err, modrun.ErrCircularDependency):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
