package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/guard"
)

const brokerCircuit = "kafka"

// OutboxFeed reads unpublished outbox rows and stamps them once relayed.
type OutboxFeed interface {
	FetchUnpublished(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

// MessagePublisher is the broker side of the relay. KafkaProducer satisfies it.
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// OutboxPoller polls the event_outbox table and publishes events to Kafka.
// Events go out in id order; a failed publish stops the batch so later
// events never overtake it.
type OutboxPoller struct {
	feed      OutboxFeed
	producer  MessagePublisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	breaker   *guard.CircuitBreaker
}

// NewOutboxPoller creates a new outbox poller.
func NewOutboxPoller(feed OutboxFeed, producer MessagePublisher, interval time.Duration, batchSize int, logger *slog.Logger) *OutboxPoller {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxPoller{
		feed:      feed,
		producer:  producer,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

// WithBreaker pauses relaying while the broker keeps failing.
func (p *OutboxPoller) WithBreaker(cb *guard.CircuitBreaker) *OutboxPoller {
	p.breaker = cb.OnStateChange(func(key string, from, to guard.CircuitState) {
		p.logger.Warn("broker circuit changed", "circuit", key, "from", from.String(), "to", to.String())
	})
	return p
}

// Run polls until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) error {
	p.logger.Info("outbox poller started", "interval", p.interval, "batch_size", p.batchSize)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil {
				p.logger.Error("outbox poll error", "error", err)
			}
		}
	}
}

// Poll relays one batch and returns how many events were published.
func (p *OutboxPoller) Poll(ctx context.Context) (int, error) {
	if p.breaker != nil {
		if res := p.breaker.Check(ctx, brokerCircuit); !res.Allowed {
			p.logger.Debug("outbox relay paused", "reason", res.Reason, "retry_in", res.RetryAfter)
			return 0, nil
		}
	}
	events, err := p.feed.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(events))
	var publishErr error
	for _, e := range events {
		msg, err := EncodeOutboxMessage(e)
		if err != nil {
			publishErr = err
			break
		}
		if err := p.producer.Publish(ctx, OutboxTopic(e), []byte(e.PartitionKey), msg); err != nil {
			p.logger.Error("kafka publish failed", "event_id", e.EventID, "error", err)
			if p.breaker != nil {
				p.breaker.RecordFailure(brokerCircuit)
			}
			publishErr = fmt.Errorf("publish %s: %w", e.EventID, err)
			break
		}
		published = append(published, e.ID)
	}
	if p.breaker != nil && publishErr == nil {
		p.breaker.RecordSuccess(brokerCircuit)
	}

	if err := p.feed.MarkPublished(ctx, published); err != nil {
		return 0, fmt.Errorf("mark published: %w", err)
	}

	p.logger.Debug("outbox poll complete", "published", len(published))
	return len(published), publishErr
}

// OutboxTopic maps an event to its Kafka topic. Event types are already namespaced.
func OutboxTopic(e domain.OutboxRecord) string {
	return string(e.EventType)
}

// OutboxEnvelope is the wire envelope consumers receive.
type OutboxEnvelope struct {
	EventID       string               `json:"event_id"`
	AggregateType domain.AggregateType `json:"aggregate_type"`
	AggregateID   string               `json:"aggregate_id"`
	EventType     domain.EventType     `json:"event_type"`
	Headers       json.RawMessage      `json:"headers"`
	Payload       json.RawMessage      `json:"payload"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

// EncodeOutboxMessage wraps an outbox row in its envelope.
func EncodeOutboxMessage(e domain.OutboxRecord) ([]byte, error) {
	msg, err := json.Marshal(OutboxEnvelope{
		EventID:       e.EventID.String(),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Headers:       e.Headers,
		Payload:       e.Payload,
		OccurredAt:    e.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.EventID, err)
	}
	return msg, nil
}

// DecodeOutboxMessage parses a relayed message value.
func DecodeOutboxMessage(value []byte) (OutboxEnvelope, error) {
	var env OutboxEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("decode outbox message: %w", err)
	}
	return env, nil
}
