// Package app assembles the lease engine from configuration. It is shared
// by the API server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/ByeonDoHyeon06/vibehost/internal/catalog"
	"github.com/ByeonDoHyeon06/vibehost/internal/config"
	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor"
	"github.com/ByeonDoHyeon06/vibehost/internal/hypervisor/proxmox"
	"github.com/ByeonDoHyeon06/vibehost/internal/metrics"
	"github.com/ByeonDoHyeon06/vibehost/internal/notify"
	"github.com/ByeonDoHyeon06/vibehost/internal/orchestrator"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
	"github.com/ByeonDoHyeon06/vibehost/internal/store/sqlstore"
	"github.com/ByeonDoHyeon06/vibehost/internal/telemetry"
)

// App holds the long-lived components.
type App struct {
	Config       *config.Config
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Telemetry    telemetry.Service
	Logger       *slog.Logger
}

// NewLogger builds the process logger from the logging config.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// RedactDSN hides credentials in a database URL for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.UserPassword("***", "***")
	return u.String()
}

// New opens the store, seeds the catalog and builds the orchestrator.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := sqlstore.New(ctx, store.Config{
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
		EncryptionKey:   cfg.EncryptionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	a, err := assemble(ctx, cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

func assemble(ctx context.Context, cfg *config.Config, st store.Store, logger *slog.Logger) (*App, error) {
	if err := SeedCatalog(ctx, cfg, st, logger); err != nil {
		return nil, err
	}

	m := metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, Namespace: cfg.Metrics.Namespace})

	pve, err := proxmox.New(proxmox.Config{
		CallTimeout:      cfg.Hypervisor.CallTimeout,
		CreateTimeout:    cfg.Hypervisor.CreateTimeout,
		TaskPollInterval: cfg.Hypervisor.TaskPollInterval,
		NamePrefix:       cfg.Hypervisor.NamePrefix,
		CloneMode:        cfg.Hypervisor.CloneMode,
		StartOnCreate:    true,
		DefaultUser:      cfg.Hypervisor.DefaultUser,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize hypervisor gateway: %w", err)
	}
	var obs hypervisor.Observer
	if m.Enabled() {
		obs = m
	}
	gw := hypervisor.Instrument(pve, obs)

	n, err := newNotifier(cfg.Solapi, logger)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(st, gw, n, orchestrator.Config{
		WarningDays: cfg.Expiry.WarningDays,
		NamePrefix:  pve.NamePrefix(),
		Metrics:     m,
	}, logger)

	return &App{
		Config:       cfg,
		Store:        st,
		Orchestrator: orch,
		Metrics:      m,
		Telemetry:    telemetry.New(cfg.PostHog.APIKey, cfg.PostHog.Endpoint),
		Logger:       logger,
	}, nil
}

// SeedCatalog loads CATALOG_FILE when set and installs the default plans
// into an empty plan table.
func SeedCatalog(ctx context.Context, cfg *config.Config, st store.DataStore, logger *slog.Logger) error {
	var f *catalog.File
	if cfg.CatalogFile != "" {
		loaded, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return err
		}
		f = loaded
	}
	rep, err := catalog.Seed(ctx, st, f, logger)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("catalog seeded", "plans", rep.Plans, "upgrades", rep.Upgrades, "hosts", rep.Hosts, "defaults", rep.Defaults)
	return nil
}

func newNotifier(cfg config.SolapiConfig, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.APIKey == "" {
		return notify.NewLog(logger), nil
	}
	s, err := notify.NewSolapi(notify.SolapiConfig{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		From:       cfg.From,
		BaseURL:    cfg.BaseURL,
		RatePerSec: cfg.RatePerSec,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize solapi notifier: %w", err)
	}
	return s, nil
}

// Close releases the store and flushes telemetry.
func (a *App) Close() error {
	a.Telemetry.Close()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
