package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedgerStore keeps wallets, ledger_transactions and ledger_entries in
// Postgres and writes the matching outbox events in the same transaction.
type PostgresLedgerStore struct {
	pool   *pgxpool.Pool
	outbox OutboxRepository
}

// NewPostgresLedgerStore returns a pgx-backed LedgerStore.
func NewPostgresLedgerStore(pool *pgxpool.Pool, outbox OutboxRepository) *PostgresLedgerStore {
	return &PostgresLedgerStore{pool: pool, outbox: outbox}
}

const walletColumns = `id, owner_id, kind, balance, version, created_at, updated_at`

func (s *PostgresLedgerStore) CreateWallet(ctx context.Context, w *domain.Wallet) (*domain.Wallet, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (id, owner_id, kind, balance, version)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (id) DO NOTHING`,
		w.ID, w.OwnerID, string(w.Kind))
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, w.ID)
	return scanWallet(row)
}

func (s *PostgresLedgerStore) GetWallets(ctx context.Context, ids []string) (map[string]*domain.Wallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out[w.ID] = w
	}
	return out, rows.Err()
}

func (s *PostgresLedgerStore) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+walletColumns+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresLedgerStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `SELECT id FROM ledger_transactions WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return s.FindTransaction(ctx, id)
}

func (s *PostgresLedgerStore) FindTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx := domain.Transaction{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, status, reversal_of, created_at
		FROM ledger_transactions WHERE id = $1`, id).
		Scan(&tx.IdempotencyKey, &tx.Status, &tx.ReversalOf, &tx.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE transaction_id = $1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		tx.Entries = append(tx.Entries, e)
	}
	return &tx, rows.Err()
}

// Commit runs the whole write in one database transaction. Wallet rows are
// updated in id order with a version predicate; any miss rolls everything back.
func (s *PostgresLedgerStore) Commit(ctx context.Context, req CommitRequest) error {
	t := req.Transaction
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO ledger_transactions (id, idempotency_key, status, reversal_of, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			t.ID, t.IdempotencyKey, string(t.Status), t.ReversalOf, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateKey
		}

		for _, u := range req.Updates {
			tag, err := tx.Exec(ctx, `
				UPDATE wallets
				SET balance = $1, version = version + 1, updated_at = now()
				WHERE id = $2 AND version = $3`,
				infra.NumericFromCoins(u.NewBalance), u.WalletID, u.ExpectedVersion)
			if err != nil {
				return fmt.Errorf("update wallet %s: %w", u.WalletID, err)
			}
			if tag.RowsAffected() != 1 {
				return ErrVersionConflict
			}
		}

		for i := range t.Entries {
			e := &t.Entries[i]
			err := tx.QueryRow(ctx, `
				INSERT INTO ledger_entries (transaction_id, wallet_id, direction, amount, category, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING seq`,
				t.ID, e.WalletID, string(e.Direction), infra.NumericFromCoins(e.Amount),
				string(e.Category), domain.MetaJSON(e.Meta), e.CreatedAt).Scan(&e.Seq)
			if err != nil {
				return fmt.Errorf("insert entry: %w", err)
			}
		}

		if req.Reverses != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE ledger_transactions SET status = 'reversed'
				WHERE id = $1 AND status = 'applied'`, *req.Reverses)
			if err != nil {
				return fmt.Errorf("mark reversed: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return ErrAlreadyReversed
			}
		}

		for _, ev := range req.Events {
			if err := s.outbox.Insert(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

const entryColumns = `seq, transaction_id, wallet_id, direction, amount, category, metadata, created_at`

func (s *PostgresLedgerStore) ListEntries(ctx context.Context, walletID string, f domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	f = f.Normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE wallet_id = $1
		  AND ($2 = '' OR category = $2)
		  AND ($3 = '' OR metadata->>'round_id' = $3)
		  AND ($4 = 0 OR seq < $4)
		ORDER BY seq DESC
		LIMIT $5`,
		walletID, string(f.Category), f.RoundID, f.Before, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresLedgerStore) ScanEntries(ctx context.Context, walletID string, fn func(domain.LedgerEntry) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE ($1 = '' OR wallet_id = $1)
		ORDER BY seq ASC`, walletID)
	if err != nil {
		return fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	var bal pgtype.Numeric
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Kind, &bal, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	var err error
	if w.Balance, err = infra.CoinsFromNumeric(bal); err != nil {
		return nil, fmt.Errorf("convert balance: %w", err)
	}
	return &w, nil
}

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var amt pgtype.Numeric
	var meta []byte
	if err := row.Scan(&e.Seq, &e.TransactionID, &e.WalletID, &e.Direction, &amt, &e.Category, &meta, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan entry: %w", err)
	}
	var err error
	if e.Amount, err = infra.CoinsFromNumeric(amt); err != nil {
		return e, fmt.Errorf("convert amount: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return e, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return e, nil
}
