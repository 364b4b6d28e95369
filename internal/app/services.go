package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/attaboy/wagerline/internal/ledger"
	"github.com/attaboy/wagerline/internal/policy"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Stores are the persistence backends the services are built on.
type Stores struct {
	Ledger repository.LedgerStore
	Rounds repository.RoundStore
	Docs   repository.DocStore // rooms and risk profiles, namespaced by key
	Jobs   scheduler.Store
	Events repository.EventSink
}

// MemoryStores keeps everything in process. Used by tests and STORAGE=memory.
func MemoryStores() Stores {
	return Stores{
		Ledger: repository.NewMemoryLedgerStore(),
		Rounds: repository.NewMemoryRoundStore(),
		Docs:   repository.NewMemoryDocStore(),
		Jobs:   scheduler.NewMemoryStore(),
		Events: &repository.MemoryEventSink{},
	}
}

// PostgresStores puts ledger, rounds and the outbox in Postgres and the
// shared room/profile documents and scheduled jobs in Redis.
func PostgresStores(pool *pgxpool.Pool, rdb redis.UniversalClient, prefix string) Stores {
	outbox := repository.NewOutboxRepository()
	return Stores{
		Ledger: repository.NewPostgresLedgerStore(pool, outbox),
		Rounds: repository.NewPostgresRoundStore(pool),
		Docs:   repository.NewRedisDocStore(rdb, prefix+"doc:"),
		Jobs:   scheduler.NewRedisStore(rdb, prefix+"jobs:"),
		Events: repository.NewPostgresEventSink(pool, outbox),
	}
}

// Services is the assembled domain core.
type Services struct {
	Ledger      *ledger.Engine
	Fairness    *fairness.Engine
	Risk        *policy.Gate
	Scheduler   *scheduler.Scheduler
	Coordinator *coordinator.Coordinator
	Hub         *infra.WSHub
}

// BuildServices wires the domain components from config and stores.
func BuildServices(cfg *infra.Config, st Stores, logger *slog.Logger) (*Services, error) {
	catalogue, err := fairness.NewCatalogue(cfg.DriftBound, fairness.DefaultGames()...)
	if err != nil {
		return nil, fmt.Errorf("build game catalogue: %w", err)
	}
	fair := fairness.NewEngine(FairnessConfig(cfg), catalogue, st.Rounds, fairness.CryptoSeedSource(), st.Events, logger)

	led := ledger.NewEngine(st.Ledger, logger)
	gate := policy.NewGate(st.Docs, st.Events, GateConfig(cfg), logger)

	sched := scheduler.New(st.Jobs, logger,
		scheduler.WithInterval(cfg.SchedulerInterval),
		scheduler.WithMaxAttempts(cfg.SchedulerMaxAttempts),
	)
	hub := infra.NewWSHub(logger)

	coord := coordinator.New(coordinator.Deps{
		Ledger:    led,
		Fairness:  fair,
		Risk:      gate,
		Rounds:    st.Rounds,
		Rooms:     st.Docs,
		Scheduler: sched,
		Hub:       hub,
		Events:    st.Events,
	}, CoordinatorConfig(cfg), logger)

	return &Services{
		Ledger:      led,
		Fairness:    fair,
		Risk:        gate,
		Scheduler:   sched,
		Coordinator: coord,
		Hub:         hub,
	}, nil
}

// Start funds the game pools and schedules the first round of every game.
func (s *Services) Start(ctx context.Context) error {
	if err := s.Coordinator.EnsurePools(ctx); err != nil {
		return fmt.Errorf("ensure pools: %w", err)
	}
	if err := s.Coordinator.StartCadence(ctx); err != nil {
		return fmt.Errorf("start cadence: %w", err)
	}
	return nil
}

// FairnessConfig maps the fairness settings.
func FairnessConfig(cfg *infra.Config) fairness.Config {
	return fairness.Config{
		MasterSecret: []byte(cfg.FairnessMasterSecret),
		DriftGain:    cfg.DriftGain,
		DriftBound:   cfg.DriftBound,
	}
}

// GateConfig maps RISK_* settings onto the gate.
func GateConfig(cfg *infra.Config) policy.GateConfig {
	r := cfg.Risk
	return policy.GateConfig{
		Limits: policy.RgLimitPolicy{
			SingleStakeMax: r.SingleStakeMax,
			HourlyStakeMax: r.HourlyStakeMax,
			DailyStakeMax:  r.DailyStakeMax,
			HourlyLossMax:  r.HourlyLossMax,
			DailyLossMax:   r.DailyLossMax,
		},
		Identity:             policy.IdentityPolicy{RequireKYC: r.RequireKYC, MinAge: r.MinAge},
		MaxSession:           r.MaxSession,
		SessionCooldown:      r.SessionCooldown,
		RealityCheckInterval: r.RealityCheckInterval,
		LossStreakThreshold:  r.LossStreakThreshold,
		LossStreakExclusion:  r.LossStreakExclusion,
		ReviewThreshold:      r.ReviewThreshold,
	}
}

// CoordinatorConfig maps the round and room settings.
func CoordinatorConfig(cfg *infra.Config) coordinator.Config {
	return coordinator.Config{
		ActionLogLimit: cfg.ActionLogLimit,
		RoomRetention:  cfg.RoomRetention,
		RoomRoundTTL:   cfg.RoomRoundTTL,
		CountdownDelay: cfg.CountdownDelay,
		PoolFloat:      cfg.PoolFloat,
	}
}
