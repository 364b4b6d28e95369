package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/fairness"
	"github.com/attaboy/wagerline/internal/ledger"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// PlayRequest is one user's stake on a round.
type PlayRequest struct {
	UserID  string `json:"user_id"`
	RoundID string `json:"round_id"`
	Amount  int64  `json:"amount"`
	Choice  string `json:"choice"`
}

// Settlement is the result of closing out a round.
type Settlement struct {
	Round        *domain.GameRound      `json:"round"`
	Stakes       []domain.Stake         `json:"stakes"`
	Verification *fairness.Verification `json:"verification,omitempty"`
}

// OpenRound opens the next scheduled round of a game and schedules its close.
// While the game's current round is still accepting stakes it is returned instead.
func (c *Coordinator) OpenRound(ctx context.Context, gameID string) (*domain.GameRound, error) {
	cur, err := c.fair.CurrentRound(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if cur != nil && c.now().Before(cur.ClosesAt) {
		return cur, nil
	}
	if _, err := c.ledger.OpenWallet(ctx, domain.PoolWalletID(gameID), "platform", domain.WalletPool); err != nil {
		return nil, err
	}
	r, err := c.fair.OpenRound(ctx, gameID, 0, fairness.OpenOptions{OpensAt: c.now()})
	if err != nil {
		return nil, err
	}
	if c.sched != nil {
		if err := c.sched.Schedule(ctx, scheduler.KindRoundClose, r.ID, r.ClosesAt, nil); err != nil {
			c.logger.Error("schedule round close", "round_id", r.ID, "error", err)
		}
	}
	c.publish(gameTopic(gameID), "round.opened", r.Public(c.now()))
	return r, nil
}

// SubmitPlay reserves the stake with the risk gate, moves the stake into the game pool and
// records it on the round. A stake that lands after the round closed is
// refunded by reversing its ledger transaction.
func (c *Coordinator) SubmitPlay(ctx context.Context, req PlayRequest) (*domain.Stake, error) {
	r, err := c.fair.Round(ctx, req.RoundID)
	if err != nil {
		return nil, err
	}
	if r.RoomID != "" {
		return nil, domain.ErrInvalidRoomState("room rounds take stakes by joining the room")
	}
	return c.placeStake(ctx, r, req.UserID, req.Amount, req.Choice)
}

func (c *Coordinator) placeStake(ctx context.Context, r *domain.GameRound, userID string, amount int64, choice string) (*domain.Stake, error) {
	if userID == "" {
		return nil, domain.ErrValidation("user id is required")
	}
	if err := domain.ValidatePositiveAmount(amount); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	now := c.now()
	if r.Status != domain.RoundOpen || !now.Before(r.ClosesAt) {
		return nil, domain.ErrRoundClosed(r.ID)
	}
	g, ok := c.fair.Games().Get(r.GameID)
	if !ok {
		return nil, domain.ErrNotFound("game", r.GameID)
	}
	if _, ok := g.Choice(choice); !ok {
		return nil, domain.ErrInvalidChoice(choice)
	}
	if g.MinStake > 0 && amount < g.MinStake {
		return nil, domain.ErrValidation(fmt.Sprintf("minimum stake is %d", g.MinStake))
	}
	if g.MaxStake > 0 && amount > g.MaxStake {
		return nil, domain.ErrValidation(fmt.Sprintf("maximum stake is %d", g.MaxStake))
	}

	// the reservation counts the stake against the user's limits atomically
	// with the decision; every failure below hands it back
	decision, err := c.risk.ReserveStake(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, domain.ErrRiskDenied(decision.Reason, decision.Limit)
	}
	release := func() {
		if err := c.risk.ReleaseStake(ctx, userID, amount, now); err != nil {
			c.logger.Error("release risk reservation", "user_id", userID, "amount", amount, "error", err)
		}
	}

	if _, err := c.OpenWallet(ctx, userID); err != nil {
		release()
		return nil, err
	}
	stake := &domain.Stake{
		ID:       uuid.NewString(),
		UserID:   userID,
		RoundID:  r.ID,
		Amount:   amount,
		Choice:   choice,
		PlacedAt: now,
		Outcome:  domain.StakePending,
	}
	meta := domain.EntryMeta{GameID: r.GameID, RoundID: r.ID, StakeID: stake.ID, RoomID: r.RoomID}
	tx, err := c.ledger.PlaceStake(ctx, domain.UserWalletID(userID), amount, meta)
	if err != nil {
		release()
		return nil, err
	}
	stake.TransactionID = tx.Transaction.ID.String()

	if err := c.rounds.AddStake(ctx, stake); err != nil {
		if _, rerr := c.ledger.Reverse(ctx, tx.Transaction.ID, ledger.RefundIdempotencyKey(stake.ID)); rerr != nil {
			c.logger.Error("refund orphaned stake", "stake_id", stake.ID, "transaction_id", stake.TransactionID, "error", rerr)
			return nil, domain.ErrInternal("stake refund failed", errors.Join(err, rerr))
		}
		release()
		if errors.Is(err, repository.ErrStaleState) {
			return nil, domain.ErrRoundClosed(r.ID)
		}
		return nil, domain.ErrUnavailable("record stake", err)
	}

	c.emit(ctx, domain.NewStakePlacedEvent(stake))
	c.publish(roundTopic(r.ID), "stake.placed", map[string]any{
		"round_id": r.ID,
		"nonce":    stake.Nonce,
		"amount":   amount,
		"choice":   choice,
	})
	c.logger.Info("stake placed", "stake_id", stake.ID, "user_id", userID, "round_id", r.ID, "amount", amount, "choice", choice, "nonce", stake.Nonce)
	return stake, nil
}

// CloseRound stops a round accepting stakes. Closing twice is a no-op.
func (c *Coordinator) CloseRound(ctx context.Context, roundID string) (*domain.GameRound, error) {
	r, err := c.fair.CloseRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	c.publish(roundTopic(roundID), "round.closed", r.Public(c.now()))
	return r, nil
}

// SettleRound resolves a round, pays its winners, records every outcome with
// the risk gate and verifies the result. Payouts use per-stake idempotency
// keys, so a failed settlement is retried safely. Settling a settled round
// returns the stored result.
func (c *Coordinator) SettleRound(ctx context.Context, roundID string) (*Settlement, error) {
	r, stakes, err := c.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if r.Status == domain.RoundSettled {
		return &Settlement{Round: r, Stakes: stakes}, nil
	}
	if r.Status == domain.RoundOpen {
		if r, err = c.fair.CloseRound(ctx, roundID); err != nil {
			return nil, err
		}
	}

	g, ok := c.fair.Games().Get(r.GameID)
	if !ok {
		return nil, domain.ErrNotFound("game", r.GameID)
	}
	pending := make([]domain.Stake, 0, len(stakes))
	for _, s := range stakes {
		if s.Outcome == domain.StakePending {
			pending = append(pending, s)
		}
	}
	res, err := c.fair.ResolveRound(ctx, roundID, pending)
	if err != nil {
		return nil, err
	}

	now := c.now()
	var paid int64
	for i := range pending {
		s := &pending[i]
		s.DrawnOutcome = res.Draws[s.ID]
		s.SettledAt = &now
		if s.DrawnOutcome != s.Choice {
			s.Outcome = domain.StakeLoss
			continue
		}
		choice, _ := g.Choice(s.Choice)
		s.Outcome = domain.StakeWin
		s.Payout = fairness.Payout(s.Amount, choice.Multiplier)
		meta := domain.EntryMeta{GameID: r.GameID, RoundID: r.ID, StakeID: s.ID, RoomID: r.RoomID}
		if _, err := c.ledger.PayWinner(ctx, domain.UserWalletID(s.UserID), s.Payout, meta); err != nil {
			c.logger.Error("payout failed", "round_id", r.ID, "stake_id", s.ID, "payout", s.Payout, "error", err)
			return nil, domain.ErrSettlementFailure(r.ID, err)
		}
		paid += s.Payout
	}

	r.Outcome = res.Outcome
	r.TotalPaid = paid
	if err := c.fair.RecordSettlement(ctx, r, pending); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			// settled concurrently; the other settlement recorded outcomes
			r, stakes, err = c.loadRound(ctx, roundID)
			if err != nil {
				return nil, err
			}
			return &Settlement{Round: r, Stakes: stakes}, nil
		}
		return nil, domain.ErrSettlementFailure(r.ID, err)
	}

	for _, s := range pending {
		if err := c.risk.RecordOutcome(ctx, s.UserID, s.Amount, s.Outcome == domain.StakeWin, s.Payout); err != nil {
			c.logger.Error("record outcome in risk profile", "user_id", s.UserID, "stake_id", s.ID, "error", err)
		}
	}

	v, err := c.fair.Verify(ctx, roundID)
	if err != nil {
		c.logger.Error("verify settled round", "round_id", roundID, "error", err)
	}

	r, stakes, err = c.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	c.publish(roundTopic(r.ID), "round.settled", r.Public(c.now()))
	c.publish(gameTopic(r.GameID), "round.settled", r.Public(c.now()))
	c.logger.Info("round settled",
		"round_id", r.ID, "game_id", r.GameID, "outcome", r.Outcome,
		"stakes", len(pending), "total_staked", r.TotalStaked, "total_paid", r.TotalPaid,
		"verified", v != nil && v.Valid)
	return &Settlement{Round: r, Stakes: stakes, Verification: v}, nil
}

// voidRound refunds every pending stake by reversal and settles the round as void.
func (c *Coordinator) voidRound(ctx context.Context, roundID string) error {
	r, stakes, err := c.loadRound(ctx, roundID)
	if err != nil {
		return err
	}
	if r.Status == domain.RoundSettled {
		return nil
	}
	for _, s := range stakes {
		if s.Outcome != domain.StakePending {
			continue
		}
		if err := c.refundStake(ctx, s); err != nil {
			return domain.ErrSettlementFailure(r.ID, err)
		}
	}
	if _, err := c.fair.CloseRound(ctx, roundID); err != nil {
		return err
	}
	// re-read so the totals exclude the refunds
	r, err = c.fair.Round(ctx, roundID)
	if err != nil {
		return err
	}
	r.Voided = true
	r.TotalPaid = 0
	if err := c.fair.RecordSettlement(ctx, r, nil); err != nil && !errors.Is(err, repository.ErrStaleState) {
		return domain.ErrSettlementFailure(r.ID, err)
	}
	c.logger.Info("round voided", "round_id", r.ID, "game_id", r.GameID, "refunded", len(stakes))
	c.publish(roundTopic(r.ID), "round.voided", r.Public(c.now()))
	return nil
}

func (c *Coordinator) refundStake(ctx context.Context, s domain.Stake) error {
	txID, err := uuid.Parse(s.TransactionID)
	if err != nil {
		return fmt.Errorf("stake %s: bad transaction id: %w", s.ID, err)
	}
	if _, err := c.ledger.Reverse(ctx, txID, ledger.RefundIdempotencyKey(s.ID)); err != nil {
		return err
	}
	if err := c.rounds.RefundStake(ctx, s.ID, c.now()); err != nil {
		return domain.ErrUnavailable("mark stake refunded", err)
	}
	if err := c.risk.ReleaseStake(ctx, s.UserID, s.Amount, s.PlacedAt); err != nil {
		c.logger.Error("release refunded stake", "user_id", s.UserID, "stake_id", s.ID, "error", err)
	}
	return nil
}

// loadRound reads a round and its stakes concurrently.
func (c *Coordinator) loadRound(ctx context.Context, roundID string) (*domain.GameRound, []domain.Stake, error) {
	var (
		r      *domain.GameRound
		stakes []domain.Stake
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		r, err = c.fair.Round(gctx, roundID)
		return err
	})
	g.Go(func() error {
		var err error
		stakes, err = c.rounds.ListStakes(gctx, roundID)
		if err != nil {
			return domain.ErrUnavailable("list stakes", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return r, stakes, nil
}

// Stakes lists a round's stakes.
func (c *Coordinator) Stakes(ctx context.Context, roundID string) ([]domain.Stake, error) {
	_, stakes, err := c.loadRound(ctx, roundID)
	return stakes, err
}

// ClearHalt re-enables a halted game and resumes its round cadence.
func (c *Coordinator) ClearHalt(ctx context.Context, gameID, adminID string) error {
	if err := c.fair.ClearHalt(ctx, gameID, adminID); err != nil {
		return err
	}
	g, _ := c.fair.Games().Get(gameID)
	if g.AutoSchedule && c.sched != nil {
		return c.sched.Schedule(ctx, scheduler.KindRoundOpen, gameID, c.now(), nil)
	}
	return nil
}
