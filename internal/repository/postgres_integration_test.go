//go:build integration

package repository_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/attaboy/wagerline/internal/app"
	"github.com/attaboy/wagerline/internal/coordinator"
	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository/
func integrationPool(t *testing.T, cfg *infra.Config) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	cfg.DatabaseURL = dsn

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, infra.RunMigrations(cfg, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := infra.NewPostgresPool(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE ledger_entries, ledger_transactions, wallets, stakes, game_rounds, game_stats, event_outbox RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pool
}

func TestPostgres_PlaySettleAndRelay(t *testing.T) {
	cfg, err := infra.LoadConfig()
	require.NoError(t, err)
	cfg.PoolFloat = 50_000
	pool := integrationPool(t, cfg)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := app.BuildServices(cfg, app.PostgresStores(pool, rdb, "it:"), logger)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, svc.Coordinator.EnsurePools(ctx))

	for _, u := range []string{"alice", "bob"} {
		_, err := svc.Coordinator.OpenWallet(ctx, u)
		require.NoError(t, err)
		_, err = svc.Ledger.Credit(ctx, domain.UserWalletID(u), 1_000, "it-topup-"+u, domain.EntryMeta{})
		require.NoError(t, err)
	}

	// replaying the same key is a no-op
	res, err := svc.Ledger.Credit(ctx, domain.UserWalletID("alice"), 1_000, "it-topup-alice", domain.EntryMeta{})
	require.NoError(t, err)
	assert.True(t, res.Idempotent)

	r, err := svc.Coordinator.OpenRound(ctx, "coinflip")
	require.NoError(t, err)
	a, err := svc.Coordinator.SubmitPlay(ctx, coordinator.PlayRequest{UserID: "alice", RoundID: r.ID, Amount: 100, Choice: "heads"})
	require.NoError(t, err)
	b, err := svc.Coordinator.SubmitPlay(ctx, coordinator.PlayRequest{UserID: "bob", RoundID: r.ID, Amount: 100, Choice: "tails"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, []int64{a.Nonce, b.Nonce})

	st, err := svc.Coordinator.SettleRound(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Verification)
	assert.True(t, st.Verification.Valid)

	again, err := svc.Coordinator.SettleRound(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Round.Outcome, again.Round.Outcome)

	report, err := svc.Ledger.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.AllPassed, "%+v", report.Invariants)

	history, err := svc.Ledger.GetHistory(ctx, domain.UserWalletID("alice"), domain.HistoryFilter{RoundID: r.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	feed := repository.NewPoolOutboxFeed(pool, repository.NewOutboxRepository())
	rows, err := feed.FetchUnpublished(ctx, 500)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	types := map[domain.EventType]bool{}
	for i, row := range rows {
		types[row.EventType] = true
		if i > 0 {
			assert.Greater(t, row.ID, rows[i-1].ID)
		}
		assert.NotEqual(t, uuid.Nil, row.EventID)
	}
	assert.True(t, types[domain.EventTransactionApplied])
	assert.True(t, types[domain.EventStakePlaced])
	assert.True(t, types[domain.EventRoundSettled])

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	require.NoError(t, feed.MarkPublished(ctx, ids))
	rows, err = feed.FetchUnpublished(ctx, 500)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPostgres_ReverseOnce(t *testing.T) {
	cfg, err := infra.LoadConfig()
	require.NoError(t, err)
	pool := integrationPool(t, cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := app.MemoryStores()
	stores.Ledger = repository.NewPostgresLedgerStore(pool, repository.NewOutboxRepository())
	stores.Events = repository.NewPostgresEventSink(pool, repository.NewOutboxRepository())
	svc, err := app.BuildServices(cfg, stores, logger)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Coordinator.OpenWallet(ctx, "carol")
	require.NoError(t, err)
	credit, err := svc.Ledger.Credit(ctx, domain.UserWalletID("carol"), 300, "it-carol", domain.EntryMeta{})
	require.NoError(t, err)

	_, err = svc.Ledger.Reverse(ctx, credit.Transaction.ID, "it-carol-reverse")
	require.NoError(t, err)
	_, err = svc.Ledger.Reverse(ctx, credit.Transaction.ID, "it-carol-reverse-2")
	assert.Error(t, err, "a transaction is reversed at most once")

	bal, err := svc.Ledger.GetBalance(ctx, domain.UserWalletID("carol"))
	require.NoError(t, err)
	assert.Zero(t, bal)
}
