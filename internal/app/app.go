// Package app wires every component of the Reconciliation Core together
// and dispatches on the configured run mode: api (HTTP surface only),
// worker (reconciliation loops only), or migrate (apply schema migrations
// and exit).
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/fleetrent/internal/allocator"
	"github.com/wisbric/fleetrent/internal/auth"
	"github.com/wisbric/fleetrent/internal/catalog"
	"github.com/wisbric/fleetrent/internal/config"
	"github.com/wisbric/fleetrent/internal/eventstream"
	"github.com/wisbric/fleetrent/internal/handlers"
	"github.com/wisbric/fleetrent/internal/httpserver"
	"github.com/wisbric/fleetrent/internal/platform"
	"github.com/wisbric/fleetrent/internal/probe"
	"github.com/wisbric/fleetrent/internal/provisioner"
	"github.com/wisbric/fleetrent/internal/reconciler"
	"github.com/wisbric/fleetrent/internal/telemetry"
	"github.com/wisbric/fleetrent/internal/vault"
)

// Run dispatches on cfg.Mode and blocks until ctx is cancelled or the
// selected mode completes.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	switch cfg.Mode {
	case "migrate":
		logger.Info("running migrations", "dir", cfg.MigrationsDir)
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil

	case "api":
		return runAPI(ctx, cfg, logger)

	case "worker":
		return runWorker(ctx, cfg, logger)

	default:
		return fmt.Errorf("unknown mode %q (expected api, worker, or migrate)", cfg.Mode)
	}
}

func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalog.Store, *vault.Vault, *provisioner.Adapter, *probe.Prober, error) {
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	store := catalog.New(pool)
	vaultKey := cfg.VaultKey
	if vaultKey == "" {
		logger.Warn("FLEETRENT_VAULT_KEY not set, generating an ephemeral dev key — secrets will not survive a restart")
		vaultKey = ephemeralDevKey()
	}
	v := vault.New(vaultKey)

	probeTimeout, err := time.ParseDuration(cfg.ProbeTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parsing probe timeout: %w", err)
	}
	prober := probe.New(probeTimeout)

	provisionerTimeout, err := time.ParseDuration(cfg.ProvisionerTimeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parsing provisioner timeout: %w", err)
	}

	var provisionerKey []byte
	if cfg.ProvisionerSSHKeyPath != "" {
		provisionerKey, err = readFile(cfg.ProvisionerSSHKeyPath)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("reading provisioner SSH key: %w", err)
		}
	}

	prov, err := provisioner.New(provisioner.Config{
		AdminUser:        cfg.ProvisionerSSHUser,
		AdminKey:         provisionerKey,
		CreateUserScript: cfg.ProvisionerCreatePlaybook,
		DeleteUserScript: cfg.ProvisionerDeletePlaybook,
		Timeout:          provisionerTimeout,
	}, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("constructing provisioner adapter: %w", err)
	}

	return store, v, prov, prober, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, v, prov, _, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "fleetrentd", "dev")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer shutdownTracer(ctx)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	apikeyAuth := auth.NewAPIKeyAuthenticator(store.Pool())

	alloc := allocator.New(store, v, prov, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, store.Pool(), rdb, metricsReg, apikeyAuth)

	leaseHandler := handlers.NewLeaseHandler(alloc, store, logger)
	leaseHandler.Mount(srv.APIRouter)

	adminHandler := handlers.NewAdminHandler(store, apikeyAuth, logger)
	srv.APIRouter.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		adminHandler.Mount(r)
	})

	bootstrapLimiter := auth.NewRateLimiter(rdb, cfg.BootstrapRateLimitMax, cfg.BootstrapRateLimitWindow)
	bootstrapHandler, err := handlers.NewBootstrapHandler(apikeyAuth, bootstrapLimiter, cfg.AdminBootstrapPassword, logger)
	if err != nil {
		return fmt.Errorf("constructing bootstrap handler: %w", err)
	}
	bootstrapHandler.Mount(srv.Router)

	hub := eventstream.NewHub(rdb, logger)
	srv.APIRouter.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Get("/ws/events", hub.ServeHTTP)
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, v, prov, prober, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	publisher := eventstream.NewPublisher(rdb)

	intervals, err := parseIntervals(cfg)
	if err != nil {
		return err
	}
	batches := reconciler.BatchSizes{
		Health:    cfg.HealthBatchSize,
		Migration: cfg.DeadNodeBatch,
		Expiry:    cfg.ExpiryBatch,
		Scrub:     cfg.ScrubBatch,
	}

	rec := reconciler.New(store, v, prov, prober, publisher, logger, intervals, batches)
	rec.Run(ctx)
	return nil
}

func parseIntervals(cfg *config.Config) (reconciler.Intervals, error) {
	var out reconciler.Intervals
	var err error

	if out.Health, err = time.ParseDuration(cfg.HealthInterval); err != nil {
		return out, fmt.Errorf("parsing health interval: %w", err)
	}
	if out.Migration, err = time.ParseDuration(cfg.MigrationInterval); err != nil {
		return out, fmt.Errorf("parsing migration interval: %w", err)
	}
	if out.Expiry, err = time.ParseDuration(cfg.ExpiryInterval); err != nil {
		return out, fmt.Errorf("parsing expiry interval: %w", err)
	}
	if out.Scrub, err = time.ParseDuration(cfg.ScrubInterval); err != nil {
		return out, fmt.Errorf("parsing scrub interval: %w", err)
	}
	if out.StalePeriod, err = time.ParseDuration(cfg.StalePeriod); err != nil {
		return out, fmt.Errorf("parsing stale period: %w", err)
	}
	return out, nil
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ephemeralDevKey generates a throwaway vault key for local development when
// no FLEETRENT_VAULT_KEY is configured. Secrets encrypted under it do not
// survive a process restart.
func ephemeralDevKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
