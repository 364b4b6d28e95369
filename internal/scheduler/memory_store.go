package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]Job
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]Job)}
}

func (s *MemoryStore) Put(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[job.ID()] = job
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.pending {
		if !j.FireAt.After(now) {
			out = append(out, j)
		}
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim takes the job out of the pending set. A process-local store dies with
// its workers, so there is nothing to lease.
func (s *MemoryStore) Claim(_ context.Context, job Job, _ time.Time) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.pending[job.ID()]
	if !ok || !cur.FireAt.Equal(job.FireAt) {
		return job, false, nil
	}
	delete(s.pending, job.ID())
	return job, true, nil
}

func (s *MemoryStore) Done(context.Context, Job) error { return nil }

func (s *MemoryStore) Remove(_ context.Context, kind Kind, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, Job{Kind: kind, Key: key}.ID())
	return nil
}

func (s *MemoryStore) Pending(context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.pending))
	for _, j := range s.pending {
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].FireAt.Equal(jobs[b].FireAt) {
			return jobs[a].ID() < jobs[b].ID()
		}
		return jobs[a].FireAt.Before(jobs[b].FireAt)
	})
}
