package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// Handler runs a due job. Returning a retryable or internal error reschedules
// the job with backoff; any other domain error drops it.
type Handler func(ctx context.Context, job Job) error

// Scheduler polls a Store for due jobs and dispatches them by kind.
type Scheduler struct {
	store       Store
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	now         func() time.Time

	mu       sync.RWMutex
	handlers map[Kind]Handler
	durable  map[Kind]bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option { return func(s *Scheduler) { s.interval = d } }

// WithBackoff sets the retry backoff range.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Scheduler) { s.baseBackoff, s.maxBackoff = base, max }
}

// WithMaxAttempts drops a job after n failed runs. Zero retries forever.
// Kinds marked with MustComplete are never dropped for a retryable error.
func WithMaxAttempts(n int) Option { return func(s *Scheduler) { s.maxAttempts = n } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New creates a scheduler over store.
func New(store Store, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		logger:      logger,
		interval:    250 * time.Millisecond,
		batchSize:   50,
		baseBackoff: time.Second,
		maxBackoff:  time.Minute,
		maxAttempts: 20,
		now:         time.Now,
		handlers:    make(map[Kind]Handler),
		durable:     make(map[Kind]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle registers the handler for kind.
func (s *Scheduler) Handle(kind Kind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

// MustComplete marks kinds whose jobs guard money already moved. Past the
// attempt limit they keep retrying at the maximum backoff and every failure
// is logged at error level for an operator to act on.
func (s *Scheduler) MustComplete(kinds ...Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range kinds {
		s.durable[k] = true
	}
}

// Schedule persists a job to fire at fireAt. Scheduling an existing kind/key
// replaces the pending job.
func (s *Scheduler) Schedule(ctx context.Context, kind Kind, key string, fireAt time.Time, payload any) error {
	job := Job{Kind: kind, Key: key, FireAt: fireAt}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", kind, err)
		}
		job.Payload = body
	}
	if err := s.store.Put(ctx, job); err != nil {
		return err
	}
	s.logger.Debug("job scheduled", "kind", kind, "key", key, "fire_at", fireAt)
	return nil
}

// Cancel removes a pending job. Cancelling a missing job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, kind Kind, key string) error {
	return s.store.Remove(ctx, kind, key)
}

// Pending lists the jobs waiting to fire.
func (s *Scheduler) Pending(ctx context.Context) ([]Job, error) {
	return s.store.Pending(ctx)
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "batch_size", s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil {
				s.logger.Error("scheduler poll error", "error", err)
			}
		}
	}
}

// RunDue claims and runs every job due now. It returns the number of jobs run.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	jobs, err := s.store.Due(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, job := range jobs {
		claimed, ok, err := s.store.Claim(ctx, job, s.now())
		if err != nil {
			return ran, err
		}
		if !ok {
			continue
		}
		ran++
		s.dispatch(ctx, claimed)
	}
	return ran, nil
}

func (s *Scheduler) dispatch(ctx context.Context, job Job) {
	s.mu.RLock()
	h, ok := s.handlers[job.Kind]
	durable := s.durable[job.Kind]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("no handler for job", "kind", job.Kind, "key", job.Key)
		s.done(ctx, job)
		return
	}

	err := h(ctx, job)
	if err == nil {
		s.done(ctx, job)
		return
	}

	job.Attempts++
	job.LastErr = err.Error()
	exhausted := s.maxAttempts > 0 && job.Attempts >= s.maxAttempts
	if !retryable(err) || (exhausted && !durable) {
		s.logger.Error("job failed permanently", "kind", job.Kind, "key", job.Key, "attempts", job.Attempts, "error", err)
		s.done(ctx, job)
		return
	}

	job.FireAt = s.now().Add(s.backoff(job.Attempts))
	if exhausted {
		s.logger.Error("job still failing past attempt limit, retrying", "kind", job.Kind, "key", job.Key, "attempts", job.Attempts, "fire_at", job.FireAt, "error", err)
	} else {
		s.logger.Warn("job failed, rescheduling", "kind", job.Kind, "key", job.Key, "attempts", job.Attempts, "fire_at", job.FireAt, "error", err)
	}
	if err := s.store.Put(ctx, job); err != nil {
		s.logger.Error("reschedule job", "kind", job.Kind, "key", job.Key, "error", err)
	}
}

func (s *Scheduler) done(ctx context.Context, job Job) {
	if err := s.store.Done(ctx, job); err != nil {
		s.logger.Error("discard job", "kind", job.Kind, "key", job.Key, "error", err)
	}
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.baseBackoff
	for i := 1; i < attempts && d < s.maxBackoff; i++ {
		d *= 2
	}
	if d > s.maxBackoff {
		d = s.maxBackoff
	}
	return d
}

// retryable treats internal errors as transient and other domain errors by their flag.
func retryable(err error) bool {
	if domain.CodeOf(err) == domain.CodeInternal {
		return true
	}
	return domain.IsRetryable(err)
}

// DecodePayload unmarshals a job payload into v.
func DecodePayload(job Job, v any) error {
	if len(job.Payload) == 0 {
		return fmt.Errorf("%s %s: empty payload", job.Kind, job.Key)
	}
	return json.Unmarshal(job.Payload, v)
}
