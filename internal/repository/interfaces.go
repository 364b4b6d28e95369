package repository

import (
	"context"
	"errors"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts pgx.Tx and pgxpool.Pool so repositories work with both.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var (
	// ErrVersionConflict means a wallet version moved between read and commit.
	ErrVersionConflict = errors.New("wallet version conflict")
	// ErrDuplicateKey means another commit already stored the idempotency key.
	ErrDuplicateKey = errors.New("idempotency key already stored")
	// ErrAlreadyReversed means the reversal target is no longer applied.
	ErrAlreadyReversed = errors.New("transaction already reversed")
	// ErrStaleState means a compare-and-swap on a status field lost the race.
	ErrStaleState = errors.New("record state changed")
)

// CommitRequest is everything a ledger commit writes atomically.
type CommitRequest struct {
	Transaction *domain.Transaction
	Updates     []domain.WalletUpdate // sorted by wallet id
	Reverses    *uuid.UUID            // original transaction to mark reversed
	Events      []domain.OutboxDraft
}

// LedgerStore persists wallets, transactions and their append-only entries.
type LedgerStore interface {
	// CreateWallet inserts w, or returns the stored wallet if the id exists.
	CreateWallet(ctx context.Context, w *domain.Wallet) (*domain.Wallet, error)

	// GetWallets returns the cached state of the given wallets. Missing ids are absent from the map.
	GetWallets(ctx context.Context, ids []string) (map[string]*domain.Wallet, error)

	// ListWallets returns every wallet, ordered by id.
	ListWallets(ctx context.Context) ([]domain.Wallet, error)

	// FindByIdempotencyKey returns the stored transaction for key, or nil.
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)

	// FindTransaction returns a transaction with its entries, or nil.
	FindTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)

	// Commit applies req only if every wallet still has its expected version.
	// Returns ErrVersionConflict, ErrDuplicateKey or ErrAlreadyReversed without side effects.
	Commit(ctx context.Context, req CommitRequest) error

	// ListEntries pages a wallet's entries newest first.
	ListEntries(ctx context.Context, walletID string, filter domain.HistoryFilter) ([]domain.LedgerEntry, error)

	// ScanEntries walks every entry in sequence order, optionally restricted to one wallet.
	ScanEntries(ctx context.Context, walletID string, fn func(domain.LedgerEntry) error) error
}

// RoundStore persists fairness rounds, their stakes and per-game statistics.
type RoundStore interface {
	CreateRound(ctx context.Context, r *domain.GameRound) error
	GetRound(ctx context.Context, id string) (*domain.GameRound, error)

	// CloseRound moves an open round to closed. Closing a closed or settled round is a no-op.
	CloseRound(ctx context.Context, id string, at time.Time) (*domain.GameRound, error)

	// CurrentRound returns the newest open scheduled round of a game, or nil.
	CurrentRound(ctx context.Context, gameID string) (*domain.GameRound, error)

	// ListRounds pages a game's rounds newest first.
	ListRounds(ctx context.Context, gameID string, before time.Time, limit int) ([]domain.GameRound, error)

	// AddStake records a stake on an open round and assigns its nonce.
	// Fails with ErrStaleState if the round is no longer open.
	AddStake(ctx context.Context, s *domain.Stake) error

	ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error)

	// RefundStake marks a pending stake refunded and removes it from the round total.
	RefundStake(ctx context.Context, stakeID string, at time.Time) error

	// SettleRound stores the revealed round and resolved stakes and folds the
	// round into the game's rolling totals. Fails with ErrStaleState unless the
	// round was closed.
	SettleRound(ctx context.Context, r *domain.GameRound, stakes []domain.Stake) error

	GetStats(ctx context.Context, gameID string) (*domain.GameStats, error)
	SetHalt(ctx context.Context, gameID string, halted bool, reason string, at time.Time) error
}

// OutboxRepository provides access to the event_outbox table.
type OutboxRepository interface {
	// Insert writes an outbox event (within the same transaction as the ledger entry).
	Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error

	// FetchUnpublished returns unpublished events for the outbox poller.
	FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]OutboxRecord, error)

	// MarkPublished stamps events as published.
	MarkPublished(ctx context.Context, db DBTX, ids []int64) error
}

// OutboxRecord is a stored outbox row.
type OutboxRecord = domain.OutboxRecord

// EventSink receives domain events that are not written alongside ledger entries.
type EventSink interface {
	Emit(ctx context.Context, drafts ...domain.OutboxDraft) error
}

// DocStore is a shared key/value document store with atomic read-modify-write.
type DocStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Mutate runs fn against the current value and stores its result only if the
	// key did not change meanwhile, retrying otherwise. A nil result deletes the key.
	Mutate(ctx context.Context, key string, fn MutateFunc) ([]byte, error)

	IndexAdd(ctx context.Context, index, member string) error
	IndexRemove(ctx context.Context, index, member string) error
	IndexMembers(ctx context.Context, index string) ([]string, error)
}

// MutateFunc computes the next value of a document and how long to keep it (0 = forever).
type MutateFunc func(cur []byte, exists bool) (next []byte, ttl time.Duration, err error)
