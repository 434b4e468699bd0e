package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ByeonDoHyeon06/vibehost/internal/app"
	"github.com/ByeonDoHyeon06/vibehost/internal/config"
	"github.com/ByeonDoHyeon06/vibehost/internal/store"
	"github.com/ByeonDoHyeon06/vibehost/internal/store/sqlstore"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	cfg        *config.Config
	logger     *slog.Logger
	jsonOutput bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "vibehostctl",
	Short:         "Operate the vibehost lease engine",
	Long:          "vibehostctl runs the lease housekeeping jobs by hand and inspects servers against the hypervisor.",
	Version:       version + " (" + commit + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		logger = app.NewLogger(cfg.Logging)
		slog.SetDefault(logger)
		return cfg.Validate()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Stop every server whose lease has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			rep, err := a.Orchestrator.SweepExpired(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			return render(rep, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "CHECKED\tSTOPPED\tFAILED\n%d\t%d\t%d\n", rep.Checked, rep.Stopped, rep.Failed)
			})
		})
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Warn owners of servers that expire soon",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if days <= 0 {
				days = cfg.Expiry.WarningDays
			}
			rep, err := a.Orchestrator.NotifyExpiring(ctx, time.Now().UTC(), days)
			if err != nil {
				return err
			}
			return render(rep, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "WINDOW\tCANDIDATES\tSENT\tSKIPPED\tFAILED\n%dd\t%d\t%d\t%d\t%d\n",
					days, rep.Candidates, rep.Sent, rep.Skipped, rep.Failed)
			})
		})
	},
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List hypervisor VMs that no server record references",
	Long:  "List VMs carrying the configured name prefix that no server points at. Nothing is destroyed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			orphans, err := a.Orchestrator.DetectOrphans(ctx)
			if err != nil {
				return err
			}
			return render(orphans, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "HOST\tNODE\tEXTERNAL ID\tNAME\tSTATUS")
				for _, o := range orphans {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.HostID, o.Node, o.ExternalID, o.Name, o.Status)
				}
			})
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Refresh persisted servers from the hypervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		f := store.ServerFilter{OwnerID: owner}
		if status != "" {
			st, ok := store.ParseStatus(status)
			if !ok {
				return fmt.Errorf("unknown status %q", status)
			}
			f.Status = st
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			servers, err := a.Orchestrator.ListServers(ctx, f)
			if err != nil {
				return err
			}
			type row struct {
				ID     string       `json:"id"`
				Before store.Status `json:"before"`
				After  store.Status `json:"after"`
				IP     string       `json:"ip_address,omitempty"`
			}
			rows := make([]row, 0, len(servers))
			for i := range servers {
				before := servers[i].Status
				after := a.Orchestrator.Reconcile(ctx, &servers[i])
				rows = append(rows, row{ID: after.ID, Before: before, After: after.Status, IP: after.IPAddress})
			}
			return render(rows, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "SERVER\tBEFORE\tAFTER\tIP")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Before, r.After, r.IP)
				}
			})
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the catalog file and default plans into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("file"); path != "" {
			cfg.CatalogFile = path
		}
		ctx := cmd.Context()
		st, err := sqlstore.New(ctx, store.Config{
			DatabaseURL:   cfg.Database.URL,
			AutoMigrate:   cfg.Database.AutoMigrate,
			EncryptionKey: cfg.EncryptionKey,
		})
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return app.SeedCatalog(ctx, cfg, st, logger)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	notifyCmd.Flags().Int("days", 0, "warning window in days (default EXPIRY_WARNING_DAYS)")
	reconcileCmd.Flags().String("owner", "", "only servers of this user id")
	reconcileCmd.Flags().String("status", "", "only servers in this status")
	seedCmd.Flags().String("file", "", "catalog YAML (default CATALOG_FILE)")

	rootCmd.AddCommand(sweepCmd, notifyCmd, orphansCmd, reconcileCmd, seedCmd)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("cleanup failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func render(v any, table func(w *tabwriter.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	table(w)
	return w.Flush()
}
