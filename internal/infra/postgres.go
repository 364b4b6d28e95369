package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
)

// NewPostgresPool opens the ledger pool. Commits hold a connection for a
// handful of statements, so the pool is sized by PG_MAX_CONNS rather than by
// request concurrency. Driver messages at or above PG_LOG_LEVEL go to logger.
func NewPostgresPool(ctx context.Context, cfg *Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	level, err := tracelog.LogLevelFromString(cfg.PGLogLevel)
	if err != nil {
		return nil, fmt.Errorf("pg log level: %w", err)
	}

	poolCfg.MaxConns = cfg.PGMaxConns
	poolCfg.MinConns = min(cfg.PGMinConns, cfg.PGMaxConns)
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.PGApplicationName
	poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{Logger: pgxLogger(logger), LogLevel: level}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("postgres pool ready",
		"host", cfg.PGHost,
		"database", cfg.PGDatabase,
		"max_conns", poolCfg.MaxConns,
	)
	return pool, nil
}

// pgxLogger forwards pgx trace events to slog. Query arguments are dropped;
// they can carry wallet ids and amounts that do not belong in logs.
func pgxLogger(logger *slog.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		attrs := make([]any, 0, 2*len(data))
		for k, v := range data {
			if k == "args" {
				continue
			}
			attrs = append(attrs, k, v)
		}
		logger.Log(ctx, slogLevel(level), "pgx: "+msg, attrs...)
	})
}

func slogLevel(l tracelog.LogLevel) slog.Level {
	switch l {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return slog.LevelDebug
	case tracelog.LogLevelInfo:
		return slog.LevelInfo
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// PostgresHealthCheck pings the pool with a short timeout.
func PostgresHealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return pool.Ping(ctx)
}
