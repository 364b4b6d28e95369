package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates all domain event types.
type EventType string

const (
	EventTransactionApplied  EventType = "wagerline.ledger.transaction.applied"
	EventTransactionReversed EventType = "wagerline.ledger.transaction.reversed"
	EventStakePlaced         EventType = "wagerline.round.stake.placed"
	EventRoundSettled        EventType = "wagerline.round.settled"
	EventGameHalted          EventType = "wagerline.game.halted"
	EventGameHaltCleared     EventType = "wagerline.game.halt_cleared"
	EventExclusionSet        EventType = "wagerline.risk.exclusion.set"
	EventRiskFlagged         EventType = "wagerline.risk.flagged"
	EventRoomCompleted       EventType = "wagerline.room.completed"
	EventRoomAbandoned       EventType = "wagerline.room.abandoned"
)

// AllEventTypes lists every event type. Each maps to its own Kafka topic.
func AllEventTypes() []EventType {
	return []EventType{
		EventTransactionApplied, EventTransactionReversed,
		EventStakePlaced, EventRoundSettled,
		EventGameHalted, EventGameHaltCleared,
		EventExclusionSet, EventRiskFlagged,
		EventRoomCompleted, EventRoomAbandoned,
	}
}

// AggregateType enumerates the aggregate root types for outbox events.
type AggregateType string

const (
	AggregateWallet AggregateType = "wallet"
	AggregateRound  AggregateType = "round"
	AggregateGame   AggregateType = "game"
	AggregateUser   AggregateType = "user"
	AggregateRoom   AggregateType = "room"
)

// OutboxDraft is the payload written to the event_outbox table.
type OutboxDraft struct {
	EventID       uuid.UUID       `json:"eventId"`
	AggregateType AggregateType   `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     EventType       `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Headers       json.RawMessage `json:"headers"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// OutboxRecord is a stored outbox row awaiting publication.
type OutboxRecord struct {
	ID int64 `json:"id"`
	OutboxDraft
}
