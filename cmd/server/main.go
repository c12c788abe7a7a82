/*
main.go - Application entry point

PURPOSE:
  Starts the clinic engine server and its maintenance commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve          HTTP API plus the payment expiry sweeper
  migrate        Create or upgrade the SQLite schema and exit
  sweep          Expire overdue payment holds once and exit
  seed <id>      Reset the store and load a demo scenario

STARTUP SEQUENCE (serve):
  1. Load and validate configuration (env / .env)
  2. Initialize logger and OpenTelemetry metrics
  3. Open SQLite store (migrates on open)
  4. Build notifiers (log, metrics, Redis when REDIS_URL is set) and billing
  5. Build the clinic engine, router and sweeper
  6. Serve until SIGINT/SIGTERM, then drain for up to 30s

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/clinic-engine/api"
	"github.com/warp/clinic-engine/billing"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/config"
	"github.com/warp/clinic-engine/notify"
	"github.com/warp/clinic-engine/observability"
	"github.com/warp/clinic-engine/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic slot allocation, waitlist and consultation queue server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			store, err := sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()
			logger.Info().Str("path", cfg.DatabasePath).Msg("schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue payment holds once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.clinic.Appointments.ExpireOverdue(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info().Int("expired", n).Msg("sweep complete")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <scenario>",
		Short: "Reset the store and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.close()
			return a.handler.LoadScenarioByID(cmd.Context(), args[0])
		},
	}
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, observability.InitLogger(cfg.ServiceName, cfg.Env, cfg.LogLevel), nil
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	store    *sqlite.Store
	redis    *notify.Client
	clinic   *clinic.Clinic
	receipts *billing.Generator
	handler  *api.Handler
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics *observability.Metrics) (*app, error) {
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{store: store}

	notifiers := notify.Fanout{notify.LogNotifier{Log: logger.With().Str("component", "notify").Logger()}}
	if metrics != nil {
		notifiers = append(notifiers, metrics)
	}
	if cfg.RedisURL != "" {
		client, err := notify.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			// Events are best-effort; the engine runs without a broker.
			logger.Warn().Err(err).Msg("redis unavailable, events will only be logged")
		} else {
			a.redis = client
			notifiers = append(notifiers, notify.NewRedisNotifier(client.Client(), cfg.NotifyChannel, logger))
			logger.Info().Str("channel", cfg.NotifyChannel).Msg("publishing events to redis")
		}
	}

	a.receipts = billing.NewGenerator(logger.With().Str("component", "billing").Logger(), decimal.Zero)
	a.clinic = clinic.New(store, clinic.Options{
		Logger:          logger.With().Str("component", "clinic").Logger(),
		Location:        cfg.Location(),
		PaymentWindow:   cfg.PaymentWindow,
		DefaultCapacity: cfg.DefaultSlotCapacity,
		Notifier:        notifiers,
		Biller:          a.receipts,
	})
	a.handler = api.NewHandler(a.clinic, store, a.receipts, logger)
	return a, nil
}

func runServer() error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdownMetrics, err := observability.SetupMetrics(ctx, cfg.ServiceName, cfg.OTLPEndpoint, 30*time.Second)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	metrics, err := observability.InitMetrics(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a, err := buildApp(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer a.close()
	logger.Info().Str("path", cfg.DatabasePath).Msg("database ready")

	sweeper := api.NewExpirySweeper(a.clinic, logger.With().Str("component", "sweeper").Logger())
	sweeper.Interval = cfg.SweepInterval
	sweeper.Metrics = metrics
	sweeper.Start()
	defer sweeper.Stop()

	router := api.NewRouter(a.handler, api.RouterOptions{
		Logger:      logger,
		Metrics:     metrics,
		CORSOrigins: cfg.CORSOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
