// Command taskd is the background job processing server.
//
// Subcommands:
//
//	serve   - manager (workers + scheduler + maintenance) plus the
//	          operational HTTP endpoint
//	worker  - manager without the HTTP endpoint, for scaled-out worker
//	          deployments
//	migrate - run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embeds the IANA timezone database so time.LoadLocation works inside
	// distroless containers with no /usr/share/zoneinfo.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cmorrow/taskd/internal/api"
	"github.com/cmorrow/taskd/internal/config"
	"github.com/cmorrow/taskd/internal/job"
	"github.com/cmorrow/taskd/internal/manager"
	"github.com/cmorrow/taskd/internal/storage"
	"github.com/cmorrow/taskd/internal/storage/memory"
	"github.com/cmorrow/taskd/internal/storage/postgres"
	"github.com/cmorrow/taskd/internal/task"
	"github.com/cmorrow/taskd/internal/worker"
	"github.com/cmorrow/taskd/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "taskd",
		Short: "taskd - persistent job queues with managed workers",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the job manager and the operational HTTP endpoint",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mgr, closeStore, err := newManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}
	defer func() {
		if err := mgr.Stop(); err != nil {
			slog.Warn("manager stop", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(mgr),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the job manager without the HTTP endpoint",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	mgr, closeStore, err := newManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	slog.Info("worker process started", "queues", cfg.Queues)
	<-ctx.Done()
	return mgr.Stop()
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide. No pooling needed for a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newManager builds the storage backend, registry, and manager from cfg.
// The returned func closes the backend.
func newManager(ctx context.Context, cfg *config.Config) (*manager.Manager, func(), error) {
	var (
		store      storage.Storage
		closeStore = func() {}
	)
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory storage; jobs do not survive restarts")
		store = memory.New()
	} else {
		pool, err := newPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		store = postgres.New(pool)
		closeStore = pool.Close
	}

	registry := task.NewRegistry()
	registerBuiltinTasks(registry)

	mgr := manager.New(store, registry, manager.Config{
		Queues: cfg.Queues,
		Worker: worker.Config{
			MaxConcurrent:   cfg.MaxConcurrent,
			BatchSize:       cfg.BatchSize,
			PollInterval:    cfg.PollInterval,
			MaxFailures:     cfg.MaxFailures,
			ShutdownTimeout: cfg.ShutdownTimeout,
		},
		CleanupInterval:     cfg.CleanupInterval,
		CleanupAge:          cfg.CleanupAge,
		StallTimeout:        cfg.StallTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		SchedulerInterval:   cfg.SchedulerInterval,
	})
	return mgr, closeStore, nil
}

// registerBuiltinTasks installs the handlers that ship with the binary.
// Deployments embedding taskd as a library register their own.
func registerBuiltinTasks(registry *task.Registry) {
	// noop is useful for smoke tests and measuring queue latency.
	must(registry.Register("noop", func(_ context.Context, j *job.Job) (any, error) {
		return "ok", nil
	}))
	must(registry.Register("sleep", func(ctx context.Context, j *job.Job) (any, error) {
		d := 1 * time.Second
		if raw, ok := j.Kwargs["duration"].(string); ok {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, task.Failf("bad duration %q: %v", raw, err)
			}
			d = parsed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return d.String(), nil
		}
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// newPool creates and validates a pgxpool. Retries with linear backoff to
// ride out container-orchestration startup races where Postgres is not
// immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		pool    *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		pool, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = pool.Ping(ctx); connErr == nil {
				return pool, nil
			}
			pool.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// newLogger creates a slog.Logger from the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
