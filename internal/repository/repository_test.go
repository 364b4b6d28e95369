package repository

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newRedisDocStore(t *testing.T) (*RedisDocStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisDocStore(client, "test:"), mr
}

func docStores(t *testing.T) map[string]DocStore {
	rs, _ := newRedisDocStore(t)
	return map[string]DocStore{
		"redis":  rs,
		"memory": NewMemoryDocStore(),
	}
}

// --- DocStore ---

func TestDocStore_MutateJSON(t *testing.T) {
	ctx := context.Background()
	for name, s := range docStores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := GetJSON[doc](ctx, s, "room:1")
			require.NoError(t, err)
			assert.Nil(t, got)

			incr := func(cur *doc) (*doc, error) {
				if cur == nil {
					return &doc{Name: "first", Count: 1}, nil
				}
				cur.Count++
				return cur, nil
			}
			_, err = MutateJSON(ctx, s, "room:1", nil, incr)
			require.NoError(t, err)
			out, err := MutateJSON(ctx, s, "room:1", nil, incr)
			require.NoError(t, err)
			assert.Equal(t, 2, out.Count)

			got, err = GetJSON[doc](ctx, s, "room:1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, doc{Name: "first", Count: 2}, *got)
		})
	}
}

func TestDocStore_MutateErrorLeavesDocument(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range docStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := MutateJSON(ctx, s, "k", nil, func(*doc) (*doc, error) { return &doc{Count: 7}, nil })
			require.NoError(t, err)

			_, err = MutateJSON(ctx, s, "k", nil, func(*doc) (*doc, error) { return nil, boom })
			assert.ErrorIs(t, err, boom)

			got, err := GetJSON[doc](ctx, s, "k")
			require.NoError(t, err)
			assert.Equal(t, 7, got.Count)
		})
	}
}

func TestDocStore_NilDeletes(t *testing.T) {
	ctx := context.Background()
	for name, s := range docStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := MutateJSON(ctx, s, "k", nil, func(*doc) (*doc, error) { return &doc{Count: 1}, nil })
			require.NoError(t, err)
			_, err = MutateJSON(ctx, s, "k", nil, func(*doc) (*doc, error) { return nil, nil })
			require.NoError(t, err)

			_, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDocStore_Index(t *testing.T) {
	ctx := context.Background()
	for name, s := range docStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.IndexAdd(ctx, "rooms:active", "a"))
			require.NoError(t, s.IndexAdd(ctx, "rooms:active", "b"))
			require.NoError(t, s.IndexAdd(ctx, "rooms:active", "a"))
			require.NoError(t, s.IndexRemove(ctx, "rooms:active", "b"))
			require.NoError(t, s.IndexAdd(ctx, "rooms:active", "c"))

			members, err := s.IndexMembers(ctx, "rooms:active")
			require.NoError(t, err)
			sort.Strings(members)
			assert.Equal(t, []string{"a", "c"}, members)
		})
	}
}

func TestRedisDocStore_TTLAndPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisDocStore(t)

	_, err := MutateJSON(ctx, s, "room:9", func(*doc) time.Duration { return time.Minute },
		func(*doc) (*doc, error) { return &doc{Name: "ttl"}, nil })
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:room:9"))
	assert.Equal(t, time.Minute, mr.TTL("test:room:9"))

	mr.FastForward(2 * time.Minute)
	got, err := GetJSON[doc](ctx, s, "room:9")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisDocStore_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisDocStore(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	_, err := GetJSON[doc](ctx, s, "bad")
	assert.Error(t, err)
}

// --- MemoryLedgerStore ---

func commitReq(key string, updates ...domain.WalletUpdate) CommitRequest {
	return CommitRequest{
		Transaction: &domain.Transaction{
			ID:             uuid.New(),
			IdempotencyKey: key,
			Status:         domain.TxApplied,
			Entries: []domain.LedgerEntry{
				{WalletID: "user:a", Direction: domain.Debit, Amount: 10, Category: domain.CategoryStake},
				{WalletID: "pool:g", Direction: domain.Credit, Amount: 10, Category: domain.CategoryStake},
			},
		},
		Updates: updates,
	}
}

func TestMemoryLedgerStore_Commit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryLedgerStore()
	_, err := s.CreateWallet(ctx, &domain.Wallet{ID: "user:a", Kind: domain.WalletUser})
	require.NoError(t, err)
	_, err = s.CreateWallet(ctx, &domain.Wallet{ID: "pool:g", Kind: domain.WalletPool})
	require.NoError(t, err)

	first := commitReq("k1",
		domain.WalletUpdate{WalletID: "pool:g", ExpectedVersion: 0, NewBalance: 10},
		domain.WalletUpdate{WalletID: "user:a", ExpectedVersion: 0, NewBalance: -10},
	)
	require.NoError(t, s.Commit(ctx, first))

	t.Run("duplicate key", func(t *testing.T) {
		err := s.Commit(ctx, commitReq("k1"))
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})

	t.Run("stale version", func(t *testing.T) {
		err := s.Commit(ctx, commitReq("k2", domain.WalletUpdate{WalletID: "user:a", ExpectedVersion: 0}))
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("reverse once", func(t *testing.T) {
		id := first.Transaction.ID
		rev := commitReq("k3")
		rev.Reverses = &id
		require.NoError(t, s.Commit(ctx, rev))

		again := commitReq("k4")
		again.Reverses = &id
		assert.ErrorIs(t, s.Commit(ctx, again), ErrAlreadyReversed)

		tx, err := s.FindTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.TxReversed, tx.Status)
	})

	t.Run("entries get increasing seq", func(t *testing.T) {
		var seqs []int64
		require.NoError(t, s.ScanEntries(ctx, "", func(e domain.LedgerEntry) error {
			seqs = append(seqs, e.Seq)
			return nil
		}))
		assert.True(t, sort.SliceIsSorted(seqs, func(i, j int) bool { return seqs[i] < seqs[j] }))
		assert.Len(t, seqs, 4)
	})

	t.Run("history newest first with cursor", func(t *testing.T) {
		page, err := s.ListEntries(ctx, "user:a", domain.HistoryFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		next, err := s.ListEntries(ctx, "user:a", domain.HistoryFilter{Limit: 1, Before: page[0].Seq})
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Less(t, next[0].Seq, page[0].Seq)
	})

	tx, err := s.FindByIdempotencyKey(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

// --- MemoryRoundStore ---

func TestMemoryRoundStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoundStore()
	now := time.Now()
	require.NoError(t, s.CreateRound(ctx, &domain.GameRound{
		ID: "r1", GameID: "coinflip", Status: domain.RoundOpen, OpensAt: now, ClosesAt: now.Add(time.Minute),
	}))

	cur, err := s.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "r1", cur.ID)

	a := &domain.Stake{ID: "s1", RoundID: "r1", Amount: 100, Outcome: domain.StakePending}
	b := &domain.Stake{ID: "s2", RoundID: "r1", Amount: 50, Outcome: domain.StakePending}
	require.NoError(t, s.AddStake(ctx, a))
	require.NoError(t, s.AddStake(ctx, b))
	assert.Equal(t, int64(1), a.Nonce)
	assert.Equal(t, int64(2), b.Nonce)

	require.NoError(t, s.RefundStake(ctx, "s2", now))
	r, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.TotalStaked)

	closed, err := s.CloseRound(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundClosed, closed.Status)
	assert.ErrorIs(t, s.AddStake(ctx, &domain.Stake{ID: "s3", RoundID: "r1"}), ErrStaleState)

	closed.Outcome = "heads"
	closed.TotalPaid = 200
	closed.Status = domain.RoundSettled
	require.NoError(t, s.SettleRound(ctx, closed, []domain.Stake{{ID: "s1", Outcome: domain.StakeWin, Payout: 200}}))
	assert.ErrorIs(t, s.SettleRound(ctx, closed, nil), ErrStaleState)

	stakes, err := s.ListStakes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	assert.Equal(t, domain.StakeWin, stakes[0].Outcome)
	assert.Equal(t, domain.StakeRefunded, stakes[1].Outcome)

	stats, err := s.GetStats(ctx, "coinflip")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalStaked)
	assert.Equal(t, int64(200), stats.TotalPaid)
	assert.Equal(t, int64(1), stats.RoundCount)

	cur, err = s.CurrentRound(ctx, "coinflip")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestMemoryRoundStore_Halt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRoundStore()
	now := time.Now()

	require.NoError(t, s.SetHalt(ctx, "wheel", true, "fairness", now))
	stats, err := s.GetStats(ctx, "wheel")
	require.NoError(t, err)
	assert.True(t, stats.Halted)
	assert.Equal(t, "fairness", stats.HaltReason)
	require.NotNil(t, stats.HaltedAt)

	require.NoError(t, s.SetHalt(ctx, "wheel", false, "", now))
	stats, err = s.GetStats(ctx, "wheel")
	require.NoError(t, err)
	assert.False(t, stats.Halted)
	assert.Nil(t, stats.HaltedAt)
}

func TestMemoryEventSink(t *testing.T) {
	sink := &MemoryEventSink{}
	require.NoError(t, sink.Emit(context.Background(),
		domain.NewGameHaltEvent("wheel", true, "x", "system"),
		domain.NewGameHaltEvent("wheel", false, "", "admin"),
	))
	assert.Len(t, sink.Events(), 2)
	assert.Len(t, sink.OfType(domain.EventGameHalted), 1)
}
