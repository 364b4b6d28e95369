package scheduler

import (
	"context"
	"encoding/json"
	"time"
)

// Kind names what a job does.
type Kind string

const (
	KindRoundOpen     Kind = "round.open"
	KindRoundClose    Kind = "round.close"
	KindRoundSettle   Kind = "round.settle"
	KindRoomCountdown Kind = "room.countdown"
)

// Job is one persisted unit of deferred work. Kind and Key identify it:
// scheduling the same pair again replaces the pending job.
type Job struct {
	Kind     Kind            `json:"kind"`
	Key      string          `json:"key"`
	FireAt   time.Time       `json:"fire_at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`
	LastErr  string          `json:"last_error,omitempty"`
}

// ID is the job's identity within the store.
func (j Job) ID() string { return string(j.Kind) + "|" + j.Key }

// Store persists pending jobs ordered by fire time.
type Store interface {
	// Put inserts or replaces the job with the same ID.
	Put(ctx context.Context, job Job) error
	// Due returns up to limit jobs whose fire time is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// Claim atomically takes a due job whose fire time still matches. Only
	// one caller gets true. The returned job is what Done must be given.
	Claim(ctx context.Context, job Job, now time.Time) (Job, bool, error)
	// Done discards a claimed job unless it was rescheduled while running.
	Done(ctx context.Context, job Job) error
	// Remove cancels a pending job.
	Remove(ctx context.Context, kind Kind, key string) error
	// Pending lists every job not yet finished, including leased ones.
	Pending(ctx context.Context) ([]Job, error)
}
