package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ByeonDoHyeon06/vibehost/internal/app"
	"github.com/ByeonDoHyeon06/vibehost/internal/auth"
	"github.com/ByeonDoHyeon06/vibehost/internal/config"
	"github.com/ByeonDoHyeon06/vibehost/internal/janitor"
	"github.com/ByeonDoHyeon06/vibehost/internal/rest"
)

// @title          vibehost API
// @version        1.0
// @description    Lease, provision and manage Proxmox virtual machines
// @BasePath       /v1
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @securityDefinitions.apikey AdminKey
// @in             header
// @name           X-Admin-Key
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := app.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting vibehost API",
		"rest_addr", cfg.API.Addr,
		"db", app.RedactDSN(cfg.Database.URL),
		"metrics", cfg.Metrics.Enabled,
	)

	// 1. Store, catalog, hypervisor gateway, notifier, orchestrator.
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Error("shutdown cleanup failed", "error", cerr)
		}
	}()

	// 2. Authentication.
	authn, err := auth.New(auth.Config{
		JWTSecret:    cfg.Auth.JWTSecret,
		JWTIssuer:    cfg.Auth.JWTIssuer,
		JWTAudience:  cfg.Auth.JWTAudience,
		JWTAlgorithm: cfg.Auth.JWTAlgorithm,
		AdminKey:     cfg.API.AdminKey,
	}, a.Orchestrator, logger)
	if err != nil {
		logger.Error("failed to initialize auth", "error", err)
		os.Exit(1)
	}

	// 3. Daily expiry sweep and warnings.
	jan := janitor.New(a.Orchestrator, janitor.Options{
		Sweep:       cfg.Expiry.SweepEnabled,
		WarningDays: cfg.Expiry.WarningDays,
		ScanOrphans: cfg.Expiry.OrphanScan,
	}, logger)
	janDone := make(chan struct{})
	go func() {
		defer close(janDone)
		jan.Start(ctx)
	}()

	// 4. REST server.
	srv := rest.NewServer(a.Store, cfg, a.Orchestrator, authn, a.Telemetry, a.Metrics)
	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.API.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		logger.Error("HTTP server error", "error", err)
		stop()
	}

	// Drain in-flight requests; provisioning compensation keeps running
	// on its own detached context.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		_ = httpSrv.Close()
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	select {
	case <-janDone:
	case <-shutdownCtx.Done():
		logger.Warn("janitor did not stop before the shutdown deadline")
	}
}
