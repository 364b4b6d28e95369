package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func newDraft(agg AggregateType, aggID string, typ EventType, payload any) OutboxDraft {
	body, _ := json.Marshal(payload)
	return OutboxDraft{
		EventID:       uuid.New(),
		AggregateType: agg,
		AggregateID:   aggID,
		EventType:     typ,
		PartitionKey:  aggID,
		Headers:       json.RawMessage(`{}`),
		Payload:       body,
		OccurredAt:    time.Now(),
	}
}

// NewTransactionAppliedEvent is written in the same database transaction as the entries.
// Reversals carry their own event type so consumers can unwind projections.
func NewTransactionAppliedEvent(tx *Transaction) OutboxDraft {
	typ := EventTransactionApplied
	if tx.ReversalOf != nil {
		typ = EventTransactionReversed
	}
	return newDraft(AggregateWallet, tx.ID.String(), typ, tx)
}

// NewStakePlacedEvent announces an accepted stake.
func NewStakePlacedEvent(s *Stake) OutboxDraft {
	return newDraft(AggregateRound, s.RoundID, EventStakePlaced, s)
}

// NewRoundSettledEvent carries the revealed seed and outcome.
func NewRoundSettledEvent(r *GameRound) OutboxDraft {
	return newDraft(AggregateRound, r.ID, EventRoundSettled, map[string]any{
		"round_id":     r.ID,
		"game_id":      r.GameID,
		"seed":         r.Seed,
		"commitment":   r.Commitment,
		"outcome":      r.Outcome,
		"total_staked": r.TotalStaked,
		"total_paid":   r.TotalPaid,
	})
}

// NewGameHaltEvent records a halt being raised or cleared.
func NewGameHaltEvent(gameID string, halted bool, reason, actor string) OutboxDraft {
	typ := EventGameHalted
	if !halted {
		typ = EventGameHaltCleared
	}
	return newDraft(AggregateGame, gameID, typ, map[string]any{
		"game_id": gameID,
		"reason":  reason,
		"actor":   actor,
	})
}

// NewExclusionEvent is a responsible gaming exclusion event.
func NewExclusionEvent(userID string, kind ExclusionKind, until time.Time, reason string) OutboxDraft {
	return newDraft(AggregateUser, userID, EventExclusionSet, map[string]any{
		"user_id": userID,
		"kind":    kind,
		"until":   until,
		"reason":  reason,
	})
}

// NewRiskFlaggedEvent queues a profile for manual review.
func NewRiskFlaggedEvent(userID string, score int, flags []string) OutboxDraft {
	return newDraft(AggregateUser, userID, EventRiskFlagged, map[string]any{
		"user_id": userID,
		"score":   score,
		"flags":   flags,
	})
}

// NewRoomFinishedEvent is emitted when a room reaches a terminal state.
func NewRoomFinishedEvent(room *GameRoom) OutboxDraft {
	typ := EventRoomCompleted
	if room.Status == RoomAbandoned {
		typ = EventRoomAbandoned
	}
	return newDraft(AggregateRoom, room.ID, typ, map[string]any{
		"room_id": room.ID,
		"game_id": room.GameID,
		"status":  room.Status,
		"winners": room.Winners,
		"scores":  room.Scores,
	})
}
