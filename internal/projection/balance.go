package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
)

// WalletBalance is a read-model copy of a wallet's balance, rebuilt from
// ledger events. The ledger itself stays the source of truth.
type WalletBalance struct {
	WalletID  string    `json:"wallet_id"`
	Balance   int64     `json:"balance"`
	Entries   int       `json:"entries"`
	LastTxID  string    `json:"last_transaction_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// seenTTL bounds how long a transaction id is remembered for redelivery checks.
const seenTTL = 7 * 24 * time.Hour

// Projector folds ledger transaction events into WalletBalance documents.
// Redelivered transactions are skipped.
type Projector struct {
	store Store
	now   func() time.Time
}

// NewProjector creates a Projector over store.
func NewProjector(store Store) *Projector {
	return &Projector{store: store, now: time.Now}
}

// Apply projects one event. It reports whether the event changed any balance.
func (p *Projector) Apply(ctx context.Context, typ domain.EventType, payload json.RawMessage) (bool, error) {
	if typ != domain.EventTransactionApplied && typ != domain.EventTransactionReversed {
		return false, nil
	}
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return false, fmt.Errorf("decode transaction: %w", err)
	}
	if len(tx.Entries) == 0 {
		return false, nil
	}
	deltas := make([]Delta, len(tx.Entries))
	for i, e := range tx.Entries {
		deltas[i] = Delta{WalletID: e.WalletID, Amount: e.Signed()}
	}
	return p.store.ApplyOnce(ctx, tx.ID.String(), deltas, p.now().UTC())
}

// Drift compares a projected balance against the ledger's. A wallet with no
// projection yet counts as projected zero.
type Drift struct {
	WalletID  string `json:"wallet_id"`
	Ledger    int64  `json:"ledger"`
	Projected int64  `json:"projected"`
	Missing   bool   `json:"missing,omitempty"`
}

// Lag is ledger minus projected.
func (d Drift) Lag() int64 { return d.Ledger - d.Projected }

// CompareBalances reads the projection of each wallet in ledger and returns
// the ones that disagree.
func CompareBalances(ctx context.Context, store Store, ledger map[string]int64) ([]Drift, error) {
	var out []Drift
	for walletID, want := range ledger {
		d := Drift{WalletID: walletID, Ledger: want}
		b, err := store.Balance(ctx, walletID)
		switch {
		case errors.Is(err, ErrNotFound):
			d.Missing = true
		case err != nil:
			return nil, err
		default:
			d.Projected = b.Balance
		}
		if d.Lag() != 0 {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Drift) int { return strings.Compare(a.WalletID, b.WalletID) })
	return out, nil
}
