package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/ledger"
	"github.com/attaboy/wagerline/internal/policy"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
)

// Publisher pushes live updates to subscribers of a topic.
type Publisher interface {
	Publish(topic string, event string, data any)
}

// Config tunes round and room handling.
type Config struct {
	ActionLogLimit int           // oldest room actions beyond this are dropped
	RoomRetention  time.Duration // how long completed/abandoned rooms stay readable
	RoomRoundTTL   time.Duration // how long a room's round accepts joins
	CountdownDelay time.Duration // starting -> in_progress
	PoolFloat      int64         // house float credited to each game pool once
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ActionLogLimit: 500,
		RoomRetention:  24 * time.Hour,
		RoomRoundTTL:   15 * time.Minute,
		CountdownDelay: 5 * time.Second,
		PoolFloat:      1_000_000,
	}
}

// Coordinator runs the play flow: risk checks, stakes, round close and
// settlement, and multiplayer rooms built on top of fairness rounds.
type Coordinator struct {
	ledger *ledger.Engine
	fair   *fairness.Engine
	risk   *policy.Gate
	rounds repository.RoundStore
	rooms  repository.DocStore
	sched  *scheduler.Scheduler
	hub    Publisher
	events repository.EventSink
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Deps are the collaborators a Coordinator is built from.
type Deps struct {
	Ledger    *ledger.Engine
	Fairness  *fairness.Engine
	Risk      *policy.Gate
	Rounds    repository.RoundStore
	Rooms     repository.DocStore
	Scheduler *scheduler.Scheduler
	Hub       Publisher
	Events    repository.EventSink
}

// New creates a Coordinator and registers its job handlers with the scheduler.
func New(d Deps, cfg Config, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		ledger: d.Ledger,
		fair:   d.Fairness,
		risk:   d.Risk,
		rounds: d.Rounds,
		rooms:  d.Rooms,
		sched:  d.Scheduler,
		hub:    d.Hub,
		events: d.Events,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	if c.sched != nil {
		c.registerJobs()
	}
	return c
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// EnsurePools opens every game's pool wallet and credits its house float once.
func (c *Coordinator) EnsurePools(ctx context.Context) error {
	for _, g := range c.fair.Games().List() {
		pool := domain.PoolWalletID(g.ID)
		if _, err := c.ledger.OpenWallet(ctx, pool, "platform", domain.WalletPool); err != nil {
			return err
		}
		if c.cfg.PoolFloat <= 0 {
			continue
		}
		res, err := c.ledger.Credit(ctx, pool, c.cfg.PoolFloat, "float:"+g.ID, domain.EntryMeta{GameID: g.ID, Note: "house float"})
		if err != nil {
			return err
		}
		if !res.Idempotent {
			c.logger.Info("pool float credited", "game_id", g.ID, "amount", c.cfg.PoolFloat)
		}
	}
	return nil
}

// OpenWallet makes sure a player has a coin wallet.
func (c *Coordinator) OpenWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	if userID == "" {
		return nil, domain.ErrValidation("user id is required")
	}
	return c.ledger.OpenWallet(ctx, domain.UserWalletID(userID), userID, domain.WalletUser)
}

func (c *Coordinator) publish(topic, event string, data any) {
	if c.hub != nil {
		c.hub.Publish(topic, event, data)
	}
}

func (c *Coordinator) emit(ctx context.Context, draft domain.OutboxDraft) {
	if c.events == nil {
		return
	}
	if err := c.events.Emit(ctx, draft); err != nil {
		c.logger.Error("emit event", "event_type", draft.EventType, "aggregate_id", draft.AggregateID, "error", err)
	}
}

func roundTopic(id string) string { return "round:" + id }
func roomTopic(id string) string  { return "room:" + id }
func gameTopic(id string) string  { return "game:" + id }
