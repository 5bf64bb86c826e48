package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/telhawk-systems/telhawk-ledger/common/logging"
	"github.com/telhawk-systems/telhawk-ledger/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-ledger/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-ledger/internal/config"
	"github.com/telhawk-systems/telhawk-ledger/internal/handlers"
	"github.com/telhawk-systems/telhawk-ledger/internal/ratelimit"
	"github.com/telhawk-systems/telhawk-ledger/internal/repository"
	"github.com/telhawk-systems/telhawk-ledger/internal/server"
	"github.com/telhawk-systems/telhawk-ledger/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	reconcileOnly := flag.Bool("reconcile", false, "mark stale RECEIVED submissions FAILED and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("ledger"))
	logging.SetDefault(logger)

	if err := run(cfg, logger, *reconcileOnly); err != nil {
		logger.Error("ledger exited with error", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger, reconcileOnly bool) error {
	ctx := context.Background()

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	publisher := openPublisher(cfg, logger)
	defer publisher.Close()

	ingestSvc := service.NewIngestService(repo, service.Config{
		AllowFaultInjection: cfg.Ingest.AllowFaultInjection,
	}, publisher, logger)
	reportingSvc := service.NewReportingService(repo)

	if reconcileOnly || cfg.Ingest.ReconcileStaleAfter > 0 {
		olderThan := cfg.Ingest.ReconcileStaleAfter
		n, err := ingestSvc.ReconcileStale(ctx, olderThan)
		if err != nil {
			return fmt.Errorf("reconcile stale submissions: %w", err)
		}
		logger.Info("stale submission sweep finished", "reconciled", n, "older_than", olderThan.String())
		if reconcileOnly {
			return nil
		}
	}

	limiter := openRateLimiter(ctx, cfg, logger)
	defer limiter.Close()

	handler := handlers.NewHandler(ingestSvc, reportingSvc, repo, limiter, cfg.Ingest.MaxBodyBytes, logger)
	router := server.NewRouter(handler, server.CORSConfig{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxAge:         cfg.CORS.MaxAge,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ledger listening", "addr", srv.Addr, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// openRepository connects to the configured store and applies the embedded migrations.
func openRepository(ctx context.Context, cfg *config.Config, logger *logging.Logger) (repository.Repository, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg := cfg.Database.Postgres
		connString := pg.ConnString()

		logger.Info("running database migrations", "driver", cfg.Database.Driver)
		if err := repository.MigratePostgres(connString); err != nil {
			return nil, err
		}

		repo, err := repository.NewPostgresRepository(ctx, connString, repository.PoolConfig{
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL", "host", pg.Host, "database", pg.Database)
		return repo, nil

	case config.DriverSQLite:
		repo, err := repository.NewSQLiteRepository(ctx, cfg.Database.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logger.Info("running database migrations", "driver", cfg.Database.Driver)
		if err := repository.MigrateSQLite(repo.DB()); err != nil {
			repo.Close()
			return nil, err
		}
		logger.Info("opened SQLite database", "path", cfg.Database.SQLite.Path)
		return repo, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// openPublisher returns a NATS publisher when enabled. A connection failure
// degrades to a no-op publisher.
func openPublisher(cfg *config.Config, logger *logging.Logger) messaging.Publisher {
	if !cfg.NATS.Enabled {
		return messaging.NoopPublisher{}
	}

	client, err := natsclient.NewClient(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		Timeout:       cfg.NATS.Timeout,
	}, logger.Logger)
	if err != nil {
		logger.Warn("NATS unavailable; outcome notifications disabled", logging.Error(err))
		return messaging.NoopPublisher{}
	}
	logger.Info("connected to NATS", "url", cfg.NATS.URL)
	return client
}

func openRateLimiter(ctx context.Context, cfg *config.Config, logger *logging.Logger) ratelimit.RateLimiter {
	if !cfg.RateLimit.Enabled {
		return &ratelimit.NoOpRateLimiter{}
	}

	limiter, err := ratelimit.NewRedisRateLimiter(ctx, cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		logger.Warn("Redis unavailable; rate limiting disabled", logging.Error(err))
		return &ratelimit.NoOpRateLimiter{}
	}
	logger.Info("rate limiting enabled", "requests", cfg.RateLimit.Requests, "window", cfg.RateLimit.Window.String())
	return limiter
}
