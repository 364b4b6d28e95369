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

	"github.com/attaboy/wagerline/internal/app"
	"github.com/attaboy/wagerline/internal/auth"
	"github.com/attaboy/wagerline/internal/guard"
	"github.com/attaboy/wagerline/internal/handler"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	stores := app.MemoryStores()
	var checks []handler.HealthCheck
	if cfg.Storage == "postgres" {
		pool, err := infra.NewPostgresPool(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		logger.Info("connected to postgres")

		if cfg.AutoMigrate {
			if err := infra.RunMigrations(cfg, logger); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}

		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis")

		stores = app.PostgresStores(pool, rdb, cfg.RedisPrefix)
		checks = append(checks,
			handler.HealthCheck{Name: "postgres", Check: func(ctx context.Context) error { return infra.PostgresHealthCheck(ctx, pool) }},
			handler.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return infra.RedisHealthCheck(ctx, rdb) }},
		)

		// Relay committed domain events to Kafka.
		producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
		defer producer.Close()
		poller := infra.NewOutboxPoller(
			repository.NewPoolOutboxFeed(pool, repository.NewOutboxRepository()),
			producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger,
		).WithBreaker(guard.NewCircuitBreaker(5, 30*time.Second))
		g.Go(func() error { return poller.Run(ctx) })
	} else {
		logger.Warn("running with in-memory storage; state is lost on restart")
	}

	svc, err := app.BuildServices(cfg, stores, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	jwtMgr := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTPlayerExpiry, cfg.JWTAdminExpiry)
	router := app.NewRouter(app.RouterDeps{
		Services:       svc,
		JWTMgr:         jwtMgr,
		Logger:         logger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		HealthChecks:   checks,
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// websocket feeds hold the connection open; handlers bound their own writes
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error { return svc.Scheduler.Run(ctx) })

	g.Go(func() error {
		logger.Info("api server starting", "addr", addr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Hub.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped gracefully")
	return nil
}
