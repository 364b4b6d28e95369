package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// MemoryRoundStore is an in-process RoundStore.
type MemoryRoundStore struct {
	mu       sync.RWMutex
	rounds   map[string]*domain.GameRound
	stakeSeq map[string]int64
	stakes   map[string][]*domain.Stake // round id -> stakes in nonce order
	byID     map[string]*domain.Stake
	stats    map[string]*domain.GameStats
}

// NewMemoryRoundStore returns an empty store.
func NewMemoryRoundStore() *MemoryRoundStore {
	return &MemoryRoundStore{
		rounds:   make(map[string]*domain.GameRound),
		stakeSeq: make(map[string]int64),
		stakes:   make(map[string][]*domain.Stake),
		byID:     make(map[string]*domain.Stake),
		stats:    make(map[string]*domain.GameStats),
	}
}

func copyRound(r *domain.GameRound) *domain.GameRound {
	cp := *r
	cp.Distribution = append([]domain.Probability(nil), r.Distribution...)
	return &cp
}

func (s *MemoryRoundStore) CreateRound(_ context.Context, r *domain.GameRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.ID] = copyRound(r)
	return nil
}

func (s *MemoryRoundStore) GetRound(_ context.Context, id string) (*domain.GameRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, nil
	}
	return copyRound(r), nil
}

func (s *MemoryRoundStore) CloseRound(_ context.Context, id string, at time.Time) (*domain.GameRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, nil
	}
	if r.Status == domain.RoundOpen {
		r.Status = domain.RoundClosed
		if at.Before(r.ClosesAt) {
			r.ClosesAt = at
		}
	}
	return copyRound(r), nil
}

func (s *MemoryRoundStore) CurrentRound(_ context.Context, gameID string) (*domain.GameRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.GameRound
	for _, r := range s.rounds {
		if r.GameID != gameID || r.RoomID != "" || r.Status != domain.RoundOpen {
			continue
		}
		if best == nil || r.OpensAt.After(best.OpensAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return copyRound(best), nil
}

func (s *MemoryRoundStore) ListRounds(_ context.Context, gameID string, before time.Time, limit int) ([]domain.GameRound, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.GameRound
	for _, r := range s.rounds {
		if r.GameID == gameID && (before.IsZero() || r.OpensAt.Before(before)) {
			out = append(out, *copyRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpensAt.After(out[j].OpensAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRoundStore) AddStake(_ context.Context, st *domain.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[st.RoundID]
	if !ok || r.Status != domain.RoundOpen {
		return ErrStaleState
	}
	s.stakeSeq[r.ID]++
	st.Nonce = s.stakeSeq[r.ID]
	r.TotalStaked += st.Amount
	cp := *st
	s.stakes[r.ID] = append(s.stakes[r.ID], &cp)
	s.byID[st.ID] = &cp
	return nil
}

func (s *MemoryRoundStore) ListStakes(_ context.Context, roundID string) ([]domain.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Stake, 0, len(s.stakes[roundID]))
	for _, st := range s.stakes[roundID] {
		out = append(out, *st)
	}
	return out, nil
}

func (s *MemoryRoundStore) RefundStake(_ context.Context, stakeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.byID[stakeID]
	if !ok || st.Outcome != domain.StakePending {
		return nil
	}
	st.Outcome = domain.StakeRefunded
	st.SettledAt = &at
	if r, ok := s.rounds[st.RoundID]; ok {
		r.TotalStaked -= st.Amount
	}
	return nil
}

func (s *MemoryRoundStore) SettleRound(_ context.Context, r *domain.GameRound, stakes []domain.Stake) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rounds[r.ID]
	if !ok || cur.Status != domain.RoundClosed {
		return ErrStaleState
	}
	cur.Status = domain.RoundSettled
	cur.Outcome = r.Outcome
	cur.Voided = r.Voided
	cur.TotalPaid = r.TotalPaid
	cur.SettledAt = r.SettledAt
	for _, in := range stakes {
		if st, ok := s.byID[in.ID]; ok && st.Outcome == domain.StakePending {
			st.Outcome = in.Outcome
			st.DrawnOutcome = in.DrawnOutcome
			st.Payout = in.Payout
			st.SettledAt = in.SettledAt
		}
	}
	gs := s.statsLocked(r.GameID)
	gs.TotalStaked += r.TotalStaked
	gs.TotalPaid += r.TotalPaid
	gs.RoundCount++
	return nil
}

func (s *MemoryRoundStore) statsLocked(gameID string) *domain.GameStats {
	gs, ok := s.stats[gameID]
	if !ok {
		gs = &domain.GameStats{GameID: gameID}
		s.stats[gameID] = gs
	}
	return gs
}

func (s *MemoryRoundStore) GetStats(_ context.Context, gameID string) (*domain.GameStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gs, ok := s.stats[gameID]; ok {
		cp := *gs
		return &cp, nil
	}
	return &domain.GameStats{GameID: gameID}, nil
}

func (s *MemoryRoundStore) SetHalt(_ context.Context, gameID string, halted bool, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs := s.statsLocked(gameID)
	gs.Halted = halted
	gs.HaltReason = reason
	gs.HaltedAt = nil
	if halted {
		gs.HaltedAt = &at
	}
	return nil
}

// Tamper rewrites a stored round. Test hook for verification failures.
func (s *MemoryRoundStore) Tamper(id string, fn func(*domain.GameRound)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rounds[id]; ok {
		fn(r)
	}
}
