package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type outboxRepo struct{}

// NewOutboxRepository returns a pgx-backed OutboxRepository.
func NewOutboxRepository() OutboxRepository {
	return &outboxRepo{}
}

func (r *outboxRepo) Insert(ctx context.Context, db DBTX, draft domain.OutboxDraft) error {
	_, err := db.Exec(ctx, `
		INSERT INTO event_outbox
		  ("eventId", "aggregateType", "aggregateId", "eventType", "partitionKey", "headers", "payload", "occurredAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		draft.EventID,
		string(draft.AggregateType),
		draft.AggregateID,
		string(draft.EventType),
		draft.PartitionKey,
		draft.Headers,
		draft.Payload,
		draft.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepo) FetchUnpublished(ctx context.Context, db DBTX, limit int) ([]OutboxRecord, error) {
	rows, err := db.Query(ctx, `
		SELECT "id", "eventId", "aggregateType", "aggregateId", "eventType",
		       "partitionKey", "headers", "payload", "occurredAt"
		FROM event_outbox
		WHERE "publishedAt" IS NULL
		ORDER BY "id" ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxRecord
	for rows.Next() {
		var d OutboxRecord
		err := rows.Scan(&d.ID, &d.EventID, &d.AggregateType, &d.AggregateID,
			&d.EventType, &d.PartitionKey, &d.Headers, &d.Payload, &d.OccurredAt)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, d)
	}
	return events, rows.Err()
}

func (r *outboxRepo) MarkPublished(ctx context.Context, db DBTX, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `UPDATE event_outbox SET "publishedAt" = now() WHERE "id" = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// PostgresEventSink writes standalone events straight to the outbox.
type PostgresEventSink struct {
	pool   *pgxpool.Pool
	outbox OutboxRepository
}

// NewPostgresEventSink creates an EventSink on the event_outbox table.
func NewPostgresEventSink(pool *pgxpool.Pool, outbox OutboxRepository) *PostgresEventSink {
	return &PostgresEventSink{pool: pool, outbox: outbox}
}

func (s *PostgresEventSink) Emit(ctx context.Context, drafts ...domain.OutboxDraft) error {
	for _, d := range drafts {
		if err := s.outbox.Insert(ctx, s.pool, d); err != nil {
			return err
		}
	}
	return nil
}

// MemoryEventSink collects events in memory.
type MemoryEventSink struct {
	mu     sync.Mutex
	events []domain.OutboxDraft
}

func (s *MemoryEventSink) Emit(_ context.Context, drafts ...domain.OutboxDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, drafts...)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemoryEventSink) Events() []domain.OutboxDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxDraft(nil), s.events...)
}

// OfType filters emitted events by type.
func (s *MemoryEventSink) OfType(t domain.EventType) []domain.OutboxDraft {
	var out []domain.OutboxDraft
	for _, e := range s.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// PoolOutboxFeed exposes the outbox table to the relay without a caller-held transaction.
type PoolOutboxFeed struct {
	pool *pgxpool.Pool
	repo OutboxRepository
}

// NewPoolOutboxFeed returns a feed reading event_outbox through pool.
func NewPoolOutboxFeed(pool *pgxpool.Pool, repo OutboxRepository) *PoolOutboxFeed {
	return &PoolOutboxFeed{pool: pool, repo: repo}
}

func (f *PoolOutboxFeed) FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error) {
	return f.repo.FetchUnpublished(ctx, f.pool, limit)
}

func (f *PoolOutboxFeed) MarkPublished(ctx context.Context, ids []int64) error {
	return f.repo.MarkPublished(ctx, f.pool, ids)
}
