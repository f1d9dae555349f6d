/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the revenue ledger: runs the HTTP service,
  audits a store, prints period reports, and seeds demo data.

COMMANDS:
  serve    Start the HTTP API with the background audit scheduler
  verify   Audit every customer balance once; exits non-zero on violations
  report   Print the period summary as JSON (--start, --end)
  seed     Load a demo scenario (--scenario, --base)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Close the store

CONFIGURATION:
  See config/config.go. Every setting can come from config.toml, .env or a
  LEDGER_* environment variable; --config names a file explicitly.

EXAMPLES:
  # Run against a SQLite file
  LEDGER_STORE_SQLITE_PATH=./data/ledger.db ./server serve

  # Run against Postgres
  LEDGER_STORE_DRIVER=postgres LEDGER_STORE_POSTGRES_DSN=postgres://... ./server serve

  # January report
  ./server report --start 2025-01-01 --end 2025-01-31

SEE ALSO:
  - api/server.go: Router configuration
  - reconcile/engine.go: Reconciliation engine
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Backends
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/revenue-ledger/api"
	"github.com/warp/revenue-ledger/config"
	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/ledger/store"
	"github.com/warp/revenue-ledger/logger"
	"github.com/warp/revenue-ledger/reconcile"
	"github.com/warp/revenue-ledger/report"
	"github.com/warp/revenue-ledger/scenario"
	"github.com/warp/revenue-ledger/store/postgres"
	"github.com/warp/revenue-ledger/store/sqlite"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "server",
		Short:         "Revenue and dues reconciliation service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.toml if present)")

	root.AddCommand(
		newServeCmd(&configPath),
		newVerifyCmd(&configPath),
		newReportCmd(&configPath),
		newSeedCmd(&configPath),
	)
	return root
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()
			return app.serve()
		},
	}
}

func newVerifyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit every customer balance against its invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()

			rep, err := app.engine.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, rep); err != nil {
				return err
			}
			if !rep.OK() {
				return fmt.Errorf("%d consistency violations", len(rep.Violations))
			}
			return nil
		},
	}
}

func newReportCmd(configPath *string) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Print the revenue summary for a period",
		Example: "  server report --start 2025-01-01 --end 2025-01-31",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ledger.ParsePeriod(start, end)
			if err != nil {
				return err
			}
			app, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()

			rep, err := app.reports.Summarize(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	month := ledger.MonthOf(time.Now())
	cmd.Flags().StringVar(&start, "start", month.Start.Format(time.DateOnly), "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", month.End.Format(time.DateOnly), "last day (YYYY-MM-DD)")
	return cmd
}

func newSeedCmd(configPath *string) *cobra.Command {
	var id, base string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				for _, s := range scenario.List() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-16s %s\n", s.ID, s.Description)
				}
				return nil
			}
			from, err := time.Parse(time.DateOnly, base)
			if err != nil {
				return fmt.Errorf("invalid --base: %w", err)
			}
			app, err := bootstrap(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer app.close()
			if app.cfg.IsProduction() {
				return errors.New("refusing to seed demo data in production")
			}

			if err := scenario.Load(cmd.Context(), app.engine, id, from); err != nil {
				return err
			}
			app.log.Info("scenario loaded", zap.String("scenario", id), zap.String("base", base))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "scenario", "", "scenario id (omit to list)")
	cmd.Flags().StringVar(&base, "base", ledger.MonthOf(time.Now()).Start.Format(time.DateOnly), "date of the first activity (YYYY-MM-DD)")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   ledger.Store
	engine  *reconcile.Engine
	reports *report.Aggregator
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))

	policy, err := reconcile.PolicyByName(cfg.Engine.SpilloverPolicy)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	log.Info("store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.String("spillover_policy", policy.Name()),
	)

	engine := reconcile.New(st, reconcile.Config{
		Tolerance:        cfg.Engine.Tolerance,
		CurrencyScale:    cfg.Engine.CurrencyScale,
		AutoApplyAdvance: cfg.Engine.AutoApplyAdvance,
		MaxAttempts:      cfg.Engine.MaxAttempts,
		InitialBackoff:   cfg.Engine.InitialBackoff,
		MaxBackoff:       cfg.Engine.MaxBackoff,
	},
		reconcile.WithLogger(log.Named("engine")),
		reconcile.WithPolicy(policy),
	)
	reports := report.New(st,
		report.WithLogger(log.Named("report")),
		report.WithScale(cfg.Engine.CurrencyScale),
	)

	return &app{cfg: cfg, log: log, store: st, engine: engine, reports: reports}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PostgresDSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) serve() error {
	audit := reconcile.NewAuditScheduler(a.engine, a.cfg.Audit.Interval, a.log)
	audit.Start()
	defer audit.Stop()

	handler := api.NewHandler(a.engine, a.reports)
	handler.Audit = audit
	handler.Scenarios = !a.cfg.IsProduction()

	server := &http.Server{
		Addr:         ":" + a.cfg.HTTP.Port,
		Handler:      api.NewRouter(handler, a.log.Named("http"), a.cfg.HTTP.CORSAllowOrigins),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	a.log.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
