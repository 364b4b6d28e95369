package fairness

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/google/uuid"
)

// Config holds the pre-declared drift parameters.
type Config struct {
	MasterSecret []byte
	DriftGain    float64 // K
	DriftBound   float64 // B
}

// Engine runs the commit-reveal protocol for every game round.
type Engine struct {
	cfg    Config
	games  *Catalogue
	rounds repository.RoundStore
	seeds  SeedSource
	events repository.EventSink
	logger *slog.Logger
	now    func() time.Time
	keys   map[string][]byte
}

// NewEngine creates a fairness engine.
func NewEngine(cfg Config, games *Catalogue, rounds repository.RoundStore, seeds SeedSource, events repository.EventSink, logger *slog.Logger) *Engine {
	keys := make(map[string][]byte)
	for _, g := range games.List() {
		keys[g.ID] = ServerKey(cfg.MasterSecret, g.ID)
	}
	return &Engine{
		cfg:    cfg,
		games:  games,
		rounds: rounds,
		seeds:  seeds,
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		keys:   keys,
	}
}

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Games exposes the catalogue.
func (e *Engine) Games() *Catalogue { return e.games }

// OpenOptions places a round in time and, for rooms, ties it to one.
type OpenOptions struct {
	RoomID   string
	OpensAt  time.Time
	ClosesAt time.Time
}

// OpenRound draws a seed, derives this round's distribution from the game's
// pre-round realized ratio, and stores the round with only the commitment public.
// targetRatio <= 0 uses the game's configured target.
func (e *Engine) OpenRound(ctx context.Context, gameID string, targetRatio float64, opts OpenOptions) (*domain.GameRound, error) {
	g, ok := e.games.Get(gameID)
	if !ok {
		return nil, domain.ErrNotFound("game", gameID)
	}
	stats, err := e.rounds.GetStats(ctx, gameID)
	if err != nil {
		return nil, domain.ErrUnavailable("read game stats", err)
	}
	if stats.Halted {
		return nil, domain.ErrGameHalted(gameID)
	}
	if targetRatio <= 0 {
		targetRatio = g.TargetRatio
	}
	if err := validateGame(domain.Game{ID: g.ID, Choices: g.Choices, Mode: g.Mode, TargetRatio: targetRatio}, e.cfg.DriftBound); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}

	seed, err := e.seeds.Seed()
	if err != nil {
		return nil, domain.ErrInternal("generate seed", err)
	}

	now := e.now()
	opensAt, closesAt := opts.OpensAt, opts.ClosesAt
	if opensAt.IsZero() {
		opensAt = now
	}
	if closesAt.IsZero() {
		closesAt = opensAt.Add(g.Bucket)
	}

	realized := stats.RealizedRatio(targetRatio)
	factor := DriftFactor(targetRatio, realized, e.cfg.DriftGain, e.cfg.DriftBound)
	r := &domain.GameRound{
		ID:           uuid.NewString(),
		GameID:       gameID,
		RoomID:       opts.RoomID,
		OpensAt:      opensAt,
		ClosesAt:     closesAt,
		Seed:         hex.EncodeToString(seed),
		Commitment:   Commitment(e.keys[gameID], seed),
		Status:       domain.RoundOpen,
		Mode:         g.Mode,
		TargetRatio:  targetRatio,
		RollingRatio: realized,
		DriftGain:    e.cfg.DriftGain,
		DriftBound:   e.cfg.DriftBound,
		DriftFactor:  factor,
		Distribution: Distribution(g.Choices, targetRatio, factor),
		CreatedAt:    now,
	}
	if err := e.rounds.CreateRound(ctx, r); err != nil {
		return nil, domain.ErrUnavailable("store round", err)
	}
	e.logger.Info("round opened",
		"round_id", r.ID, "game_id", gameID, "room_id", opts.RoomID,
		"commitment", r.Commitment, "drift_factor", factor, "rolling_ratio", realized)
	return r, nil
}

// Round returns the stored round including its secret seed.
func (e *Engine) Round(ctx context.Context, roundID string) (*domain.GameRound, error) {
	r, err := e.rounds.GetRound(ctx, roundID)
	if err != nil {
		return nil, domain.ErrUnavailable("read round", err)
	}
	if r == nil {
		return nil, domain.ErrNotFound("round", roundID)
	}
	return r, nil
}

// CurrentRound returns the open scheduled round of a game, or nil.
func (e *Engine) CurrentRound(ctx context.Context, gameID string) (*domain.GameRound, error) {
	r, err := e.rounds.CurrentRound(ctx, gameID)
	if err != nil {
		return nil, domain.ErrUnavailable("read current round", err)
	}
	return r, nil
}

// History pages a game's rounds newest first.
func (e *Engine) History(ctx context.Context, gameID string, before time.Time, limit int) ([]domain.GameRound, error) {
	if _, ok := e.games.Get(gameID); !ok {
		return nil, domain.ErrNotFound("game", gameID)
	}
	rounds, err := e.rounds.ListRounds(ctx, gameID, before, limit)
	if err != nil {
		return nil, domain.ErrUnavailable("list rounds", err)
	}
	return rounds, nil
}

// CloseRound stops a round accepting stakes. Closing twice is a no-op.
func (e *Engine) CloseRound(ctx context.Context, roundID string) (*domain.GameRound, error) {
	r, err := e.rounds.CloseRound(ctx, roundID, e.now())
	if err != nil {
		return nil, domain.ErrUnavailable("close round", err)
	}
	if r == nil {
		return nil, domain.ErrNotFound("round", roundID)
	}
	return r, nil
}

// Resolution is the derived result of a closed round.
type Resolution struct {
	RoundID string            `json:"round_id"`
	Seed    string            `json:"seed"`
	Outcome string            `json:"outcome,omitempty"` // shared mode only
	Draws   map[string]string `json:"draws"`             // stake id -> drawn outcome
}

// ResolveRound derives outcomes from the seed. Shared rounds draw once with
// nonce 0; per-stake rounds draw with each stake's nonce. Pure: nothing is stored.
func (e *Engine) ResolveRound(ctx context.Context, roundID string, stakes []domain.Stake) (*Resolution, error) {
	r, err := e.Round(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Status == domain.RoundOpen {
		return nil, domain.ErrValidation("round is still open")
	}
	seed, err := hex.DecodeString(r.Seed)
	if err != nil {
		return nil, domain.ErrInternal("decode seed", err)
	}
	return resolve(r, seed, stakes), nil
}

func resolve(r *domain.GameRound, seed []byte, stakes []domain.Stake) *Resolution {
	res := &Resolution{RoundID: r.ID, Seed: r.Seed, Draws: make(map[string]string, len(stakes))}
	if r.Mode == domain.OutcomeShared {
		res.Outcome = Draw(r.Distribution, Uniform(seed, r.ID, 0))
		for _, s := range stakes {
			res.Draws[s.ID] = res.Outcome
		}
		return res
	}
	for _, s := range stakes {
		res.Draws[s.ID] = Draw(r.Distribution, Uniform(seed, r.ID, s.Nonce))
	}
	return res
}

// RecordSettlement stores the revealed round with its resolved stakes and
// folds it into the game's rolling realized ratio.
func (e *Engine) RecordSettlement(ctx context.Context, r *domain.GameRound, stakes []domain.Stake) error {
	now := e.now()
	r.Status = domain.RoundSettled
	r.SettledAt = &now
	if err := e.rounds.SettleRound(ctx, r, stakes); err != nil {
		return err
	}
	if e.events != nil {
		if err := e.events.Emit(ctx, domain.NewRoundSettledEvent(r)); err != nil {
			e.logger.Error("emit round settled", "round_id", r.ID, "error", err)
		}
	}
	return nil
}

// Check is one verification step.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verification is the result of re-deriving a settled round.
type Verification struct {
	RoundID    string  `json:"round_id"`
	GameID     string  `json:"game_id"`
	Commitment string  `json:"commitment"`
	Seed       string  `json:"seed"`
	Outcome    string  `json:"outcome,omitempty"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Verify recomputes the commitment from the revealed seed, the distribution
// from the round's pre-declared inputs and every stake's outcome. Any failure
// halts the game until ClearHalt.
func (e *Engine) Verify(ctx context.Context, roundID string) (*Verification, error) {
	r, err := e.Round(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.RoundSettled {
		return nil, domain.ErrValidation("round is not settled")
	}
	g, ok := e.games.Get(r.GameID)
	if !ok {
		return nil, domain.ErrNotFound("game", r.GameID)
	}
	stakes, err := e.rounds.ListStakes(ctx, roundID)
	if err != nil {
		return nil, domain.ErrUnavailable("list stakes", err)
	}

	v := &Verification{RoundID: r.ID, GameID: r.GameID, Commitment: r.Commitment, Seed: r.Seed, Outcome: r.Outcome}
	seed, decErr := hex.DecodeString(r.Seed)
	v.Checks = append(v.Checks, Check{
		Name:   "commitment",
		Passed: decErr == nil && CheckCommitment(e.keys[r.GameID], seed, r.Commitment),
	})

	wantFactor := DriftFactor(r.TargetRatio, r.RollingRatio, r.DriftGain, r.DriftBound)
	wantDist := Distribution(g.Choices, r.TargetRatio, wantFactor)
	v.Checks = append(v.Checks, Check{
		Name:   "distribution",
		Passed: sameDistribution(wantDist, r.Distribution) && r.DriftBound <= e.cfg.DriftBound,
		Detail: fmt.Sprintf("drift_factor=%.6f rolling_ratio=%.6f", wantFactor, r.RollingRatio),
	})

	if decErr == nil {
		res := resolve(r, seed, stakes)
		var mismatched []string
		if r.Mode == domain.OutcomeShared && !r.Voided && r.Outcome != res.Outcome {
			mismatched = append(mismatched, "round")
		}
		for _, s := range stakes {
			if s.Outcome == domain.StakeRefunded {
				continue
			}
			if s.DrawnOutcome != res.Draws[s.ID] || !payoutConsistent(g, s) {
				mismatched = append(mismatched, s.ID)
			}
		}
		v.Checks = append(v.Checks, Check{
			Name:   "outcomes",
			Passed: len(mismatched) == 0,
			Detail: fmt.Sprintf("stakes=%d mismatched=%v", len(stakes), mismatched),
		})
	}

	v.Valid = true
	for _, c := range v.Checks {
		if !c.Passed {
			v.Valid = false
		}
	}
	if !v.Valid {
		e.logger.Error("fairness verification failed", "round_id", r.ID, "game_id", r.GameID, "checks", v.Checks)
		if err := e.Halt(ctx, r.GameID, "verification failed for round "+r.ID, "system"); err != nil {
			return v, err
		}
	}
	return v, nil
}

func payoutConsistent(g domain.Game, s domain.Stake) bool {
	if s.DrawnOutcome != s.Choice {
		return s.Outcome == domain.StakeLoss && s.Payout == 0
	}
	c, ok := g.Choice(s.Choice)
	return ok && s.Outcome == domain.StakeWin && s.Payout == Payout(s.Amount, c.Multiplier)
}

// Halt stops new rounds for a game.
func (e *Engine) Halt(ctx context.Context, gameID, reason, actor string) error {
	if err := e.rounds.SetHalt(ctx, gameID, true, reason, e.now()); err != nil {
		return domain.ErrUnavailable("halt game", err)
	}
	e.logger.Warn("game halted", "game_id", gameID, "reason", reason, "actor", actor)
	if e.events != nil {
		_ = e.events.Emit(ctx, domain.NewGameHaltEvent(gameID, true, reason, actor))
	}
	return nil
}

// ClearHalt is the manual review sign-off that re-enables a game.
func (e *Engine) ClearHalt(ctx context.Context, gameID, adminID string) error {
	if _, ok := e.games.Get(gameID); !ok {
		return domain.ErrNotFound("game", gameID)
	}
	if err := e.rounds.SetHalt(ctx, gameID, false, "", e.now()); err != nil {
		return domain.ErrUnavailable("clear halt", err)
	}
	e.logger.Info("game halt cleared", "game_id", gameID, "admin_id", adminID)
	if e.events != nil {
		_ = e.events.Emit(ctx, domain.NewGameHaltEvent(gameID, false, "cleared", adminID))
	}
	return nil
}

// Stats returns a game's rolling totals and halt state.
func (e *Engine) Stats(ctx context.Context, gameID string) (*domain.GameStats, error) {
	st, err := e.rounds.GetStats(ctx, gameID)
	if err != nil {
		return nil, domain.ErrUnavailable("read game stats", err)
	}
	return st, nil
}
