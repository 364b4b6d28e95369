package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRoundStore keeps game_rounds, stakes and game_stats in Postgres.
type PostgresRoundStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRoundStore returns a pgx-backed RoundStore.
func NewPostgresRoundStore(pool *pgxpool.Pool) *PostgresRoundStore {
	return &PostgresRoundStore{pool: pool}
}

const roundColumns = `id, game_id, room_id, opens_at, closes_at, seed, commitment, status, mode,
	target_ratio, rolling_ratio, drift_gain, drift_bound, drift_factor, distribution, outcome, voided,
	total_staked, total_paid, settled_at, created_at`

func (s *PostgresRoundStore) CreateRound(ctx context.Context, r *domain.GameRound) error {
	dist, err := json.Marshal(r.Distribution)
	if err != nil {
		return fmt.Errorf("encode distribution: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO game_rounds (id, game_id, room_id, opens_at, closes_at, seed, commitment, status, mode,
		                         target_ratio, rolling_ratio, drift_gain, drift_bound, drift_factor, distribution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.GameID, r.RoomID, r.OpensAt, r.ClosesAt, r.Seed, r.Commitment, string(r.Status), string(r.Mode),
		r.TargetRatio, r.RollingRatio, r.DriftGain, r.DriftBound, r.DriftFactor, dist, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

func (s *PostgresRoundStore) GetRound(ctx context.Context, id string) (*domain.GameRound, error) {
	return scanRound(s.pool.QueryRow(ctx, `SELECT `+roundColumns+` FROM game_rounds WHERE id = $1`, id))
}

func (s *PostgresRoundStore) CloseRound(ctx context.Context, id string, at time.Time) (*domain.GameRound, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE game_rounds SET status = 'closed', closes_at = LEAST(closes_at, $2)
		WHERE id = $1 AND status = 'open'`, id, at)
	if err != nil {
		return nil, fmt.Errorf("close round: %w", err)
	}
	return s.GetRound(ctx, id)
}

func (s *PostgresRoundStore) CurrentRound(ctx context.Context, gameID string) (*domain.GameRound, error) {
	return scanRound(s.pool.QueryRow(ctx, `
		SELECT `+roundColumns+` FROM game_rounds
		WHERE game_id = $1 AND room_id = '' AND status = 'open'
		ORDER BY opens_at DESC LIMIT 1`, gameID))
}

func (s *PostgresRoundStore) ListRounds(ctx context.Context, gameID string, before time.Time, limit int) ([]domain.GameRound, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if before.IsZero() {
		before = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+roundColumns+` FROM game_rounds
		WHERE game_id = $1 AND opens_at < $2
		ORDER BY opens_at DESC LIMIT $3`, gameID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var out []domain.GameRound
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// AddStake bumps the round's stake sequence under the row lock taken by the
// UPDATE, so a concurrent close either sees the stake or rejects it.
func (s *PostgresRoundStore) AddStake(ctx context.Context, st *domain.Stake) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE game_rounds SET stake_seq = stake_seq + 1, total_staked = total_staked + $2
			WHERE id = $1 AND status = 'open'
			RETURNING stake_seq`, st.RoundID, st.Amount).Scan(&st.Nonce)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleState
		}
		if err != nil {
			return fmt.Errorf("reserve stake nonce: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO stakes (id, user_id, round_id, nonce, amount, choice, placed_at, outcome, transaction_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			st.ID, st.UserID, st.RoundID, st.Nonce, st.Amount, st.Choice, st.PlacedAt,
			string(st.Outcome), st.TransactionID)
		if err != nil {
			return fmt.Errorf("insert stake: %w", err)
		}
		return nil
	})
}

const stakeColumns = `id, user_id, round_id, nonce, amount, choice, placed_at, outcome, drawn_outcome,
	payout, transaction_id, settled_at`

func (s *PostgresRoundStore) ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stakeColumns+` FROM stakes WHERE round_id = $1 ORDER BY nonce ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", err)
	}
	defer rows.Close()

	var out []domain.Stake
	for rows.Next() {
		var st domain.Stake
		if err := rows.Scan(&st.ID, &st.UserID, &st.RoundID, &st.Nonce, &st.Amount, &st.Choice, &st.PlacedAt,
			&st.Outcome, &st.DrawnOutcome, &st.Payout, &st.TransactionID, &st.SettledAt); err != nil {
			return nil, fmt.Errorf("scan stake: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresRoundStore) RefundStake(ctx context.Context, stakeID string, at time.Time) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var roundID string
		var amount int64
		err := tx.QueryRow(ctx, `
			UPDATE stakes SET outcome = 'refunded', settled_at = $2
			WHERE id = $1 AND outcome = 'pending'
			RETURNING round_id, amount`, stakeID, at).Scan(&roundID, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("refund stake: %w", err)
		}
		_, err = tx.Exec(ctx, `UPDATE game_rounds SET total_staked = total_staked - $2 WHERE id = $1`, roundID, amount)
		if err != nil {
			return fmt.Errorf("adjust round total: %w", err)
		}
		return nil
	})
}

func (s *PostgresRoundStore) SettleRound(ctx context.Context, r *domain.GameRound, stakes []domain.Stake) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE game_rounds
			SET status = 'settled', outcome = $2, voided = $3, total_paid = $4, settled_at = $5
			WHERE id = $1 AND status = 'closed'`,
			r.ID, r.Outcome, r.Voided, r.TotalPaid, r.SettledAt)
		if err != nil {
			return fmt.Errorf("settle round: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return ErrStaleState
		}
		for _, st := range stakes {
			_, err := tx.Exec(ctx, `
				UPDATE stakes SET outcome = $2, drawn_outcome = $3, payout = $4, settled_at = $5
				WHERE id = $1 AND outcome = 'pending'`,
				st.ID, string(st.Outcome), st.DrawnOutcome, st.Payout, st.SettledAt)
			if err != nil {
				return fmt.Errorf("settle stake %s: %w", st.ID, err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO game_stats (game_id, total_staked, total_paid, round_count)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (game_id) DO UPDATE SET
			  total_staked = game_stats.total_staked + EXCLUDED.total_staked,
			  total_paid   = game_stats.total_paid + EXCLUDED.total_paid,
			  round_count  = game_stats.round_count + 1`,
			r.GameID, r.TotalStaked, r.TotalPaid)
		if err != nil {
			return fmt.Errorf("update game stats: %w", err)
		}
		return nil
	})
}

func (s *PostgresRoundStore) GetStats(ctx context.Context, gameID string) (*domain.GameStats, error) {
	st := domain.GameStats{GameID: gameID}
	err := s.pool.QueryRow(ctx, `
		SELECT total_staked, total_paid, round_count, halted, halt_reason, halted_at
		FROM game_stats WHERE game_id = $1`, gameID).
		Scan(&st.TotalStaked, &st.TotalPaid, &st.RoundCount, &st.Halted, &st.HaltReason, &st.HaltedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get game stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresRoundStore) SetHalt(ctx context.Context, gameID string, halted bool, reason string, at time.Time) error {
	var haltedAt *time.Time
	if halted {
		haltedAt = &at
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_stats (game_id, halted, halt_reason, halted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (game_id) DO UPDATE SET
		  halted = EXCLUDED.halted, halt_reason = EXCLUDED.halt_reason, halted_at = EXCLUDED.halted_at`,
		gameID, halted, reason, haltedAt)
	if err != nil {
		return fmt.Errorf("set halt: %w", err)
	}
	return nil
}

func scanRound(row pgx.Row) (*domain.GameRound, error) {
	var r domain.GameRound
	var dist []byte
	err := row.Scan(&r.ID, &r.GameID, &r.RoomID, &r.OpensAt, &r.ClosesAt, &r.Seed, &r.Commitment, &r.Status, &r.Mode,
		&r.TargetRatio, &r.RollingRatio, &r.DriftGain, &r.DriftBound, &r.DriftFactor, &dist, &r.Outcome, &r.Voided,
		&r.TotalStaked, &r.TotalPaid, &r.SettledAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan round: %w", err)
	}
	if err := json.Unmarshal(dist, &r.Distribution); err != nil {
		return nil, fmt.Errorf("decode distribution: %w", err)
	}
	return &r, nil
}
