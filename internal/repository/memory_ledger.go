package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/google/uuid"
)

// MemoryLedgerStore is an in-process LedgerStore with the same commit
// semantics as the Postgres store. Used by tests and local runs.
type MemoryLedgerStore struct {
	mu      sync.RWMutex
	wallets map[string]*domain.Wallet
	txs     map[uuid.UUID]*domain.Transaction
	keys    map[string]uuid.UUID
	entries []domain.LedgerEntry
	events  []domain.OutboxDraft
	seq     int64
}

// NewMemoryLedgerStore returns an empty store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		wallets: make(map[string]*domain.Wallet),
		txs:     make(map[uuid.UUID]*domain.Transaction),
		keys:    make(map[string]uuid.UUID),
	}
}

func (s *MemoryLedgerStore) CreateWallet(_ context.Context, w *domain.Wallet) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.wallets[w.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	now := time.Now().UTC()
	stored := &domain.Wallet{ID: w.ID, OwnerID: w.OwnerID, Kind: w.Kind, CreatedAt: now, UpdatedAt: now}
	s.wallets[w.ID] = stored
	cp := *stored
	return &cp, nil
}

func (s *MemoryLedgerStore) GetWallets(_ context.Context, ids []string) (map[string]*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*domain.Wallet, len(ids))
	for _, id := range ids {
		if w, ok := s.wallets[id]; ok {
			cp := *w
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *MemoryLedgerStore) ListWallets(_ context.Context) ([]domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryLedgerStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	id, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.FindTransaction(ctx, id)
}

func (s *MemoryLedgerStore) FindTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, nil
	}
	cp := *tx
	cp.Entries = append([]domain.LedgerEntry(nil), tx.Entries...)
	return &cp, nil
}

func (s *MemoryLedgerStore) Commit(_ context.Context, req CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := req.Transaction
	if _, ok := s.keys[t.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	for _, u := range req.Updates {
		w, ok := s.wallets[u.WalletID]
		if !ok || w.Version != u.ExpectedVersion {
			return ErrVersionConflict
		}
	}
	if req.Reverses != nil {
		orig, ok := s.txs[*req.Reverses]
		if !ok || orig.Status != domain.TxApplied {
			return ErrAlreadyReversed
		}
		orig.Status = domain.TxReversed
	}

	now := time.Now().UTC()
	for _, u := range req.Updates {
		w := s.wallets[u.WalletID]
		w.Balance = u.NewBalance
		w.Version++
		w.UpdatedAt = now
	}
	for i := range t.Entries {
		s.seq++
		t.Entries[i].Seq = s.seq
		s.entries = append(s.entries, t.Entries[i])
	}
	stored := *t
	stored.Entries = append([]domain.LedgerEntry(nil), t.Entries...)
	s.txs[t.ID] = &stored
	s.keys[t.IdempotencyKey] = t.ID
	s.events = append(s.events, req.Events...)
	return nil
}

func (s *MemoryLedgerStore) ListEntries(_ context.Context, walletID string, f domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := s.entries[i]
		if e.WalletID != walletID || (f.Before > 0 && e.Seq >= f.Before) || !f.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryLedgerStore) ScanEntries(_ context.Context, walletID string, fn func(domain.LedgerEntry) error) error {
	s.mu.RLock()
	snapshot := append([]domain.LedgerEntry(nil), s.entries...)
	s.mu.RUnlock()
	for _, e := range snapshot {
		if walletID != "" && e.WalletID != walletID {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Events returns the outbox drafts committed so far.
func (s *MemoryLedgerStore) Events() []domain.OutboxDraft {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxDraft(nil), s.events...)
}

// Tamper overwrites a cached balance without an entry. Test hook for audits.
func (s *MemoryLedgerStore) Tamper(walletID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[walletID]; ok {
		w.Balance = balance
	}
}
