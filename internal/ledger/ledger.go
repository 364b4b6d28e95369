package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/google/uuid"
)

// Engine is the only component allowed to move coins. Every write goes through
// ApplyTransaction's read-versions / compute / compare-and-swap cycle:
//  1. idempotency lookup
//  2. read all involved wallets with their versions
//  3. compute new balances, rejecting any user or pool wallet that would go negative
//  4. commit entries, balances and outbox event iff no version moved; otherwise retry
type Engine struct {
	store       repository.LedgerStore
	logger      *slog.Logger
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxAttempts bounds the internal optimistic retry loop.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff sets the base of the jittered retry delay.
func WithBackoff(d time.Duration) Option { return func(e *Engine) { e.backoff = d } }

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a ledger engine over the given store.
func NewEngine(store repository.LedgerStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		logger:      logger,
		maxAttempts: 8,
		backoff:     2 * time.Millisecond,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OpenWallet creates a wallet, or returns the existing one with that id.
func (e *Engine) OpenWallet(ctx context.Context, walletID, ownerID string, kind domain.WalletKind) (*domain.Wallet, error) {
	if err := domain.ValidateWalletID(walletID); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	switch kind {
	case domain.WalletUser, domain.WalletPool, domain.WalletSystem:
	default:
		return nil, domain.ErrValidation(fmt.Sprintf("unknown wallet kind %q", kind))
	}
	w, err := e.store.CreateWallet(ctx, &domain.Wallet{ID: walletID, OwnerID: ownerID, Kind: kind})
	if err != nil {
		return nil, domain.ErrUnavailable("open wallet", err)
	}
	return w, nil
}

// GetWallet returns the cached wallet projection.
func (e *Engine) GetWallet(ctx context.Context, walletID string) (*domain.Wallet, error) {
	ws, err := e.store.GetWallets(ctx, []string{walletID})
	if err != nil {
		return nil, domain.ErrUnavailable("read wallet", err)
	}
	w, ok := ws[walletID]
	if !ok {
		return nil, domain.ErrNotFound("wallet", walletID)
	}
	return w, nil
}

// GetBalance is a plain read; it never waits on writers.
func (e *Engine) GetBalance(ctx context.Context, walletID string) (int64, error) {
	w, err := e.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// GetHistory pages a wallet's entries, newest first.
func (e *Engine) GetHistory(ctx context.Context, walletID string, filter domain.HistoryFilter) ([]domain.LedgerEntry, error) {
	if _, err := e.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	entries, err := e.store.ListEntries(ctx, walletID, filter.Normalize())
	if err != nil {
		return nil, domain.ErrUnavailable("read history", err)
	}
	return entries, nil
}

// ApplyTransaction atomically applies a balanced set of entries exactly once per key.
func (e *Engine) ApplyTransaction(ctx context.Context, entries []domain.EntryDraft, idempotencyKey string) (*domain.TransactionResult, error) {
	if idempotencyKey == "" {
		return nil, domain.ErrMalformedTransaction("idempotency key is required")
	}
	if err := domain.ValidateEntries(entries); err != nil {
		return nil, domain.ErrMalformedTransaction(err.Error())
	}
	return e.apply(ctx, entries, idempotencyKey, nil, false)
}

// apply commits drafts under key. With cover set, any pool wallet the drafts
// would overdraw is first topped up from issuance within the same
// transaction, so the house backs pool obligations instead of failing them.
func (e *Engine) apply(ctx context.Context, drafts []domain.EntryDraft, key string, reverses *uuid.UUID, cover bool) (*domain.TransactionResult, error) {
	ids := walletIDs(drafts)
	read := ids
	if cover {
		if _, err := e.OpenWallet(ctx, domain.IssuanceWalletID, "platform", domain.WalletSystem); err != nil {
			return nil, err
		}
		read = walletIDs(append(slices.Clone(drafts), domain.EntryDraft{WalletID: domain.IssuanceWalletID}))
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		existing, err := e.store.FindByIdempotencyKey(ctx, key)
		if err != nil {
			return nil, domain.ErrUnavailable("idempotency lookup", err)
		}
		if existing != nil {
			return e.replayed(ctx, existing, drafts, ids)
		}

		wallets, err := e.store.GetWallets(ctx, read)
		if err != nil {
			return nil, domain.ErrUnavailable("read wallets", err)
		}
		built := drafts
		if cover {
			built = houseCover(wallets, drafts)
		}
		updates, balances, err := computeUpdates(wallets, walletIDs(built), built)
		if err != nil {
			return nil, err
		}
		if len(built) > len(drafts) {
			e.logger.Warn("pool short, house covering",
				"key", key, "pool", built[1].WalletID, "amount", built[0].Amount)
		}

		now := e.now()
		tx := &domain.Transaction{
			ID:             uuid.New(),
			IdempotencyKey: key,
			Status:         domain.TxApplied,
			ReversalOf:     reverses,
			CreatedAt:      now,
		}
		for _, d := range built {
			tx.Entries = append(tx.Entries, domain.LedgerEntry{
				TransactionID: tx.ID,
				WalletID:      d.WalletID,
				Direction:     d.Direction,
				Amount:        d.Amount,
				Category:      d.Category,
				Meta:          d.Meta,
				CreatedAt:     now,
			})
		}

		err = e.store.Commit(ctx, repository.CommitRequest{
			Transaction: tx,
			Updates:     updates,
			Reverses:    reverses,
			Events:      []domain.OutboxDraft{domain.NewTransactionAppliedEvent(tx)},
		})
		switch {
		case err == nil:
			e.logger.Debug("ledger transaction applied",
				"tx_id", tx.ID, "key", key, "entries", len(tx.Entries), "attempt", attempt)
			return &domain.TransactionResult{Transaction: tx, Balances: balances}, nil
		case errors.Is(err, repository.ErrVersionConflict):
			e.logger.Debug("ledger version conflict, retrying", "key", key, "attempt", attempt)
			if err := e.sleep(ctx, attempt); err != nil {
				return nil, domain.ErrUnavailable("ledger retry cancelled", err)
			}
		case errors.Is(err, repository.ErrDuplicateKey):
			// a concurrent request with the same key won; the next pass returns its result
		case errors.Is(err, repository.ErrAlreadyReversed):
			return nil, domain.ErrValidation(fmt.Sprintf("transaction %s already reversed", reverses))
		default:
			return nil, domain.ErrUnavailable("ledger commit", err)
		}
	}

	e.logger.Warn("ledger retries exhausted", "key", key, "attempts", e.maxAttempts)
	return nil, domain.ErrConcurrencyConflict(e.maxAttempts)
}

// houseCoverNote marks the issuance legs that top up a short pool.
const houseCoverNote = "house cover"

// houseCover prepends issuance-to-pool legs for every pool wallet the drafts
// would take below zero. Legs are emitted in wallet id order.
func houseCover(wallets map[string]*domain.Wallet, drafts []domain.EntryDraft) []domain.EntryDraft {
	net := make(map[string]int64)
	meta := make(map[string]domain.EntryMeta)
	for _, d := range drafts {
		if d.Direction == domain.Debit {
			net[d.WalletID] -= d.Amount
		} else {
			net[d.WalletID] += d.Amount
		}
		if _, ok := meta[d.WalletID]; !ok {
			meta[d.WalletID] = d.Meta
		}
	}
	var cover []domain.EntryDraft
	for _, id := range walletIDs(drafts) {
		w, ok := wallets[id]
		if !ok || w.Kind != domain.WalletPool {
			continue
		}
		short := -(w.Balance + net[id])
		if short <= 0 {
			continue
		}
		m := meta[id]
		m.Note = houseCoverNote
		cover = append(cover,
			domain.EntryDraft{WalletID: domain.IssuanceWalletID, Direction: domain.Debit, Amount: short, Category: domain.CategoryAdjustment, Meta: m},
			domain.EntryDraft{WalletID: id, Direction: domain.Credit, Amount: short, Category: domain.CategoryAdjustment, Meta: m},
		)
	}
	if len(cover) == 0 {
		return drafts
	}
	return append(cover, drafts...)
}

// withoutCover drops the house cover legs added at commit time.
func withoutCover(entries []domain.LedgerEntry) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, len(entries))
	for _, en := range entries {
		if en.Category == domain.CategoryAdjustment && en.Meta.Note == houseCoverNote {
			continue
		}
		out = append(out, en)
	}
	return out
}

// replayed answers a repeated key: same entries return the stored result, different ones are rejected.
func (e *Engine) replayed(ctx context.Context, existing *domain.Transaction, drafts []domain.EntryDraft, ids []string) (*domain.TransactionResult, error) {
	if !sameEntries(withoutCover(existing.Entries), drafts) {
		return nil, domain.ErrIdempotencyMismatch(existing.IdempotencyKey)
	}
	wallets, err := e.store.GetWallets(ctx, ids)
	if err != nil {
		return nil, domain.ErrUnavailable("read wallets", err)
	}
	balances := make(map[string]int64, len(wallets))
	for id, w := range wallets {
		balances[id] = w.Balance
	}
	return &domain.TransactionResult{Transaction: existing, Balances: balances, Idempotent: true}, nil
}

func computeUpdates(wallets map[string]*domain.Wallet, ids []string, drafts []domain.EntryDraft) ([]domain.WalletUpdate, map[string]int64, error) {
	net := make(map[string]int64, len(ids))
	for _, d := range drafts {
		if d.Direction == domain.Debit {
			net[d.WalletID] -= d.Amount
		} else {
			net[d.WalletID] += d.Amount
		}
	}

	updates := make([]domain.WalletUpdate, 0, len(ids))
	balances := make(map[string]int64, len(ids))
	for _, id := range ids {
		w, ok := wallets[id]
		if !ok {
			return nil, nil, domain.ErrNotFound("wallet", id)
		}
		next := w.Balance + net[id]
		if next < 0 && !w.AllowsNegative() {
			return nil, nil, domain.ErrInsufficientBalance(id)
		}
		updates = append(updates, domain.WalletUpdate{WalletID: id, ExpectedVersion: w.Version, NewBalance: next})
		balances[id] = next
	}
	return updates, balances, nil
}

// walletIDs returns the distinct wallets of a transaction in id order, which is
// also the row update order in the store.
func walletIDs(drafts []domain.EntryDraft) []string {
	seen := make(map[string]struct{}, len(drafts))
	var ids []string
	for _, d := range drafts {
		if _, ok := seen[d.WalletID]; !ok {
			seen[d.WalletID] = struct{}{}
			ids = append(ids, d.WalletID)
		}
	}
	sort.Strings(ids)
	return ids
}

func sameEntries(stored []domain.LedgerEntry, drafts []domain.EntryDraft) bool {
	if len(stored) != len(drafts) {
		return false
	}
	for i, s := range stored {
		d := drafts[i]
		if s.WalletID != d.WalletID || s.Direction != d.Direction || s.Amount != d.Amount ||
			s.Category != d.Category || s.Meta != d.Meta {
			return false
		}
	}
	return true
}

func (e *Engine) sleep(ctx context.Context, attempt int) error {
	if e.backoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(rand.Int64N(int64(e.backoff) * int64(attempt)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
