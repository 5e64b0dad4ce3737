package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medcode/ehrsync/internal/config"
	"github.com/medcode/ehrsync/internal/domain/connection"
	"github.com/medcode/ehrsync/internal/domain/record"
	"github.com/medcode/ehrsync/internal/domain/syncstate"
	"github.com/medcode/ehrsync/internal/ops"
	"github.com/medcode/ehrsync/internal/platform/db"
	"github.com/medcode/ehrsync/internal/platform/ehr"
	enginesync "github.com/medcode/ehrsync/internal/sync"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-engine",
		Short: "EHR data synchronization engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	return cmd
}

func runEngine() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.NewMigrator(pool, cfg.MigrationsDir).Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if applied > 0 {
		logger.Info().Int("applied", applied).Msg("migrations applied")
	}

	connections := connection.NewRepo(pool)
	states := syncstate.NewRepo(pool)
	store := record.NewStore(pool)

	factory := func(conn *connection.Connection) (*enginesync.Worker, error) {
		source, err := buildSource(cfg, conn, logger)
		if err != nil {
			return nil, err
		}
		return enginesync.NewWorker(conn, source, states, store, logger), nil
	}

	scheduler := enginesync.NewScheduler(factory, logger)

	initial, err := connections.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}
	scheduler.Start(ctx, initial)
	logger.Info().Int("connections", len(initial)).Msg("sync scheduler started")

	// Pick up connection activations and deactivations while running.
	reconcileDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.ReconcileInterval())
		defer ticker.Stop()
		for {
			select {
			case <-reconcileDone:
				return
			case <-ticker.C:
				conns, err := connections.ListActive(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("reconcile: list active connections failed")
					continue
				}
				scheduler.Reconcile(conns)
			}
		}
	}()

	opsServer := ops.NewServer(pool, connections, states, logger)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("ops server listening")
		if err := opsServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("ops server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	close(reconcileDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown failed")
	}

	// Blocks until in-flight cycles have recorded their state.
	scheduler.Stop()
	logger.Info().Msg("sync scheduler stopped")
	return nil
}

// buildSource creates the EHR source for one connection. Mock-mode
// connections get a seeded in-memory source; everything else talks to the
// vendor's FHIR API.
func buildSource(cfg *config.Config, conn *connection.Connection, logger zerolog.Logger) (ehr.Source, error) {
	if conn.UseMockData {
		return ehr.NewSeededFakeSource(25, time.Now().UTC()), nil
	}

	ehrType, err := conn.Type()
	if err != nil {
		return nil, err
	}

	sc := ehr.SourceConfig{
		Type:        ehrType,
		BaseURL:     conn.BaseURL,
		TokenURL:    conn.TokenURL,
		ClientID:    conn.ClientID,
		PageSize:    cfg.SyncPageSize,
		MaxPages:    cfg.SyncMaxPages,
		TokenMargin: cfg.TokenMargin(),
		HTTPTimeout: cfg.HTTPTimeout(),
		Logger:      logger,
	}
	if conn.PrivateKeyPEM != nil {
		sc.PrivateKeyPEM = []byte(*conn.PrivateKeyPEM)
	}
	if conn.ClientSecret != nil {
		sc.ClientSecret = *conn.ClientSecret
	}
	if conn.Scopes != nil {
		sc.Scopes = *conn.Scopes
	}
	return ehr.NewSource(sc)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "sync-engine").Logger()
}
