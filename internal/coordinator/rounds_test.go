package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/policy"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/attaboy/wagerline/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitPlay_StakeThenScheduledSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1_000)
	f.fund(t, "bob", 1_000)

	r, err := f.c.OpenRound(ctx, "coinflip")
	require.NoError(t, err)

	again, err := f.c.OpenRound(ctx, "coinflip")
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID, "open round is reused until it closes")

	a, err := f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "heads"})
	require.NoError(t, err)
	b, err := f.c.SubmitPlay(ctx, PlayRequest{UserID: "bob", RoundID: r.ID, Amount: 200, Choice: "tails"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Nonce)
	assert.Equal(t, int64(2), b.Nonce)
	assert.Equal(t, int64(900), f.balance(t, "alice"))
	assert.Equal(t, int64(800), f.balance(t, "bob"))
	assert.Len(t, f.events.OfType(domain.EventStakePlaced), 2)

	pool, err := f.ledger.GetBalance(ctx, domain.PoolWalletID("coinflip"))
	require.NoError(t, err)
	assert.Equal(t, int64(100_300), pool)

	// nothing fires before the bucket ends
	assert.Zero(t, f.runDue(t))
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, f.runDue(t))

	settled, err := f.fair.Round(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundSettled, settled.Status)
	assert.Contains(t, []string{"heads", "tails", domain.HouseOutcome}, settled.Outcome)

	stakes, err := f.c.Stakes(ctx, r.ID)
	require.NoError(t, err)
	var paid int64
	for _, s := range stakes {
		assert.Equal(t, settled.Outcome, s.DrawnOutcome)
		if s.Choice == settled.Outcome {
			assert.Equal(t, domain.StakeWin, s.Outcome)
			assert.Equal(t, s.Amount*2, s.Payout)
		} else {
			assert.Equal(t, domain.StakeLoss, s.Outcome)
			assert.Zero(t, s.Payout)
		}
		paid += s.Payout
		assert.Equal(t, 1_000-s.Amount+s.Payout, f.balance(t, s.UserID))
	}
	assert.Equal(t, paid, settled.TotalPaid)

	v, err := f.fair.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	f.audit(t)

	profile, err := f.risk.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), profile.StakeCount)
	assert.Equal(t, domain.SessionActive, profile.Session.State)

	assert.Contains(t, f.hub.Topic("round:"+r.ID), "round.settled")
}

func TestSubmitPlay_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 500)
	f.fund(t, "excluded", 500)
	_, err := f.risk.SetSelfExclusion(ctx, "excluded", 7, "")
	require.NoError(t, err)

	r, err := f.c.OpenRound(ctx, "coinflip")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  PlayRequest
		code string
	}{
		{"invalid choice", PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "edge"}, domain.CodeInvalidChoice},
		{"insufficient balance", PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 501, Choice: "heads"}, domain.CodeInsufficientBalance},
		{"below minimum", PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 5, Choice: "heads"}, domain.CodeValidation},
		{"non-positive", PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 0, Choice: "heads"}, domain.CodeValidation},
		{"self excluded", PlayRequest{UserID: "excluded", RoundID: r.ID, Amount: 100, Choice: "heads"}, domain.CodeSelfExcluded},
		{"over single stake limit", PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 10_001, Choice: "heads"}, domain.CodeLimitExceeded},
		{"unknown round", PlayRequest{UserID: "alice", RoundID: "missing", Amount: 100, Choice: "heads"}, domain.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.SubmitPlay(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, domain.CodeOf(err), err.Error())
		})
	}
	assert.Equal(t, int64(500), f.balance(t, "alice"))
	assert.Equal(t, int64(500), f.balance(t, "excluded"))

	t.Run("round closed", func(t *testing.T) {
		_, err := f.c.CloseRound(ctx, r.ID)
		require.NoError(t, err)
		_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "heads"})
		assert.Equal(t, domain.CodeRoundClosed, domain.CodeOf(err))
	})

	t.Run("bucket elapsed", func(t *testing.T) {
		r2, err := f.c.OpenRound(ctx, "wheel")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
		_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r2.ID, Amount: 100, Choice: "red"})
		assert.Equal(t, domain.CodeRoundClosed, domain.CodeOf(err))
	})
}

// closingRoundStore closes the round between the ledger debit and the stake record.
type closingRoundStore struct {
	*repository.MemoryRoundStore
}

func (s closingRoundStore) AddStake(ctx context.Context, st *domain.Stake) error {
	if _, err := s.MemoryRoundStore.CloseRound(ctx, st.RoundID, time.Now()); err != nil {
		return err
	}
	return s.MemoryRoundStore.AddStake(ctx, st)
}

func TestSubmitPlay_RefundsWhenRoundClosesMidStake(t *testing.T) {
	f := newFixture(t, withRoundStore(func(m *repository.MemoryRoundStore) repository.RoundStore {
		return closingRoundStore{m}
	}))
	ctx := context.Background()
	f.fund(t, "alice", 1_000)

	r, err := f.c.OpenRound(ctx, "coinflip")
	require.NoError(t, err)

	_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "heads"})
	assert.Equal(t, domain.CodeRoundClosed, domain.CodeOf(err))
	assert.Equal(t, int64(1_000), f.balance(t, "alice"))

	history, err := f.ledger.GetHistory(ctx, domain.UserWalletID("alice"), domain.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 3) // top-up, stake, reversal
	assert.Equal(t, domain.Credit, history[0].Direction)
	assert.Equal(t, "reversal", history[0].Meta.Note)

	profile, err := f.risk.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, profile.StakeCount, "failed stake hands its reservation back")
	assert.Zero(t, profile.Totals.HourlyStake)
	f.audit(t)
}

func TestSubmitPlay_ConcurrentStakesShareHourlyLimit(t *testing.T) {
	f := newFixture(t, withGate(func(g *policy.GateConfig) {
		g.Limits = policy.RgLimitPolicy{HourlyStakeMax: 1_000}
		g.ReviewThreshold = 0
	}))
	ctx := context.Background()
	f.fund(t, "alice", 10_000)

	r, err := f.c.OpenRound(ctx, "coinflip")
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 400, Choice: "heads"})
			if err == nil {
				accepted.Add(1)
				return
			}
			assert.Equal(t, domain.CodeLimitExceeded, domain.CodeOf(err))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int64(10_000-800), f.balance(t, "alice"))
	f.audit(t)
}

func TestSubmitPlay_RoomRoundsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.c.CreateRoom(ctx, CreateRoomRequest{GameID: "duel", HostID: "alice"})
	require.NoError(t, err)

	_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: room.RoundID, Amount: 100, Choice: "strike"})
	assert.Equal(t, domain.CodeInvalidRoomState, domain.CodeOf(err))
}

func TestSettleRound_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "alice", 1_000)

	r, err := f.c.OpenRound(ctx, "wheel")
	require.NoError(t, err)
	_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "green"})
	require.NoError(t, err)

	first, err := f.c.SettleRound(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, first.Verification)
	assert.True(t, first.Verification.Valid)
	after := f.balance(t, "alice")

	second, err := f.c.SettleRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Round.Outcome, second.Round.Outcome)
	assert.Equal(t, first.Round.TotalPaid, second.Round.TotalPaid)
	assert.Equal(t, after, f.balance(t, "alice"))

	stats, err := f.fair.Stats(ctx, "wheel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RoundCount)
	assert.Equal(t, int64(100), stats.TotalStaked)
	f.audit(t)
}

func TestSettleRound_PayoutRetryUsesSameKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// play until a round pays out, then pay the same stake again by key
	for i := 0; i < 50; i++ {
		user := "player" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		f.fund(t, user, 100)
		r, err := f.c.OpenRound(ctx, "coinflip")
		require.NoError(t, err)
		s, err := f.c.SubmitPlay(ctx, PlayRequest{UserID: user, RoundID: r.ID, Amount: 100, Choice: "heads"})
		require.NoError(t, err)
		res, err := f.c.SettleRound(ctx, r.ID)
		require.NoError(t, err)
		f.clock.Advance(30 * time.Second)
		if res.Round.Outcome != "heads" {
			continue
		}

		replay, err := f.ledger.PayWinner(ctx, domain.UserWalletID(user), 200,
			domain.EntryMeta{GameID: "coinflip", RoundID: r.ID, StakeID: s.ID})
		require.NoError(t, err)
		assert.True(t, replay.Idempotent)
		assert.Equal(t, int64(200), f.balance(t, user))

		tx, err := f.ledger.GetHistory(ctx, domain.UserWalletID(user), domain.HistoryFilter{Category: domain.CategoryPayout})
		require.NoError(t, err)
		assert.Len(t, tx, 1)
		f.audit(t)
		return
	}
	t.Fatal("no winning round in 50 plays")
}

func TestCadence_OpensClosesAndChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.c.StartCadence(ctx))
	require.NoError(t, f.c.StartCadence(ctx))
	pending, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "coinflip and wheel, once each")

	assert.Equal(t, 2, f.runDue(t))
	coin, err := f.fair.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	require.NotNil(t, coin)

	pending, err = f.sched.Pending(ctx)
	require.NoError(t, err)
	kinds := map[scheduler.Kind]int{}
	for _, j := range pending {
		kinds[j.Kind]++
	}
	assert.Equal(t, 2, kinds[scheduler.KindRoundOpen])
	assert.Equal(t, 2, kinds[scheduler.KindRoundClose])

	f.clock.Advance(30 * time.Second)
	f.runDue(t)

	old, err := f.fair.Round(ctx, coin.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundSettled, old.Status)

	next, err := f.fair.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, coin.ID, next.ID)
	assert.Equal(t, old.ClosesAt, next.OpensAt)
}

func TestCadence_HaltStopsAndClearResumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.fair.Halt(ctx, "coinflip", "manual review", "admin-1"))
	require.NoError(t, f.c.StartCadence(ctx))
	f.runDue(t)

	cur, err := f.fair.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	assert.Nil(t, cur)
	pending, err := f.sched.Pending(ctx)
	require.NoError(t, err)
	for _, j := range pending {
		assert.False(t, j.Kind == scheduler.KindRoundOpen && j.Key == "coinflip", "halted game dropped from cadence")
	}

	require.NoError(t, f.c.ClearHalt(ctx, "coinflip", "admin-1"))
	f.runDue(t)
	cur, err = f.fair.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	assert.NotNil(t, cur)
	assert.Len(t, f.events.OfType(domain.EventGameHaltCleared), 1)
}

func TestEnsurePools_CreditsFloatOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.c.EnsurePools(ctx))

	pool, err := f.ledger.GetBalance(ctx, domain.PoolWalletID("duel"))
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), pool)

	issuance, err := f.ledger.GetBalance(ctx, domain.IssuanceWalletID)
	require.NoError(t, err)
	assert.Equal(t, int64(-300_000), issuance)
}

func TestSettleRound_HouseCoversUnfundedPool(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) { c.PoolFloat = 0 }))
	ctx := context.Background()

	// with no float, the pool only holds the stake and a win needs the house
	for i := 0; i < 50; i++ {
		user := "player" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		f.fund(t, user, 100)
		r, err := f.c.OpenRound(ctx, "coinflip")
		require.NoError(t, err)
		_, err = f.c.SubmitPlay(ctx, PlayRequest{UserID: user, RoundID: r.ID, Amount: 100, Choice: "heads"})
		require.NoError(t, err)
		before, err := f.ledger.GetBalance(ctx, domain.PoolWalletID("coinflip"))
		require.NoError(t, err)
		res, err := f.c.SettleRound(ctx, r.ID)
		require.NoError(t, err)
		f.clock.Advance(30 * time.Second)
		if res.Round.Outcome != "heads" {
			continue
		}

		assert.Equal(t, domain.RoundSettled, res.Round.Status)
		assert.Equal(t, int64(200), f.balance(t, user))
		pool, err := f.ledger.GetBalance(ctx, domain.PoolWalletID("coinflip"))
		require.NoError(t, err)
		assert.Equal(t, max(before-200, 0), pool)
		if before < 200 {
			adj, err := f.ledger.GetHistory(ctx, domain.PoolWalletID("coinflip"), domain.HistoryFilter{Category: domain.CategoryAdjustment})
			require.NoError(t, err)
			require.Len(t, adj, 1)
			assert.Equal(t, 200-before, adj[0].Amount)
		}
		f.audit(t)
		return
	}
	t.Fatal("no winning round in 50 plays")
}
