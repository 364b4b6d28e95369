package ledger

import (
	"context"
	"fmt"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/google/uuid"
)

// InvariantCheck records a single invariant validation.
type InvariantCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// ReplayResult is one wallet rebuilt from genesis.
type ReplayResult struct {
	WalletID   string            `json:"wallet_id"`
	Kind       domain.WalletKind `json:"kind"`
	EntryCount int               `json:"entry_count"`
	Replayed   int64             `json:"replayed"`
	Cached     int64             `json:"cached"`
	Invariants []InvariantCheck  `json:"invariants"`
	AllPassed  bool              `json:"all_passed"`
}

// AuditReport is the result of replaying the whole ledger.
type AuditReport struct {
	Wallets          []ReplayResult   `json:"wallets"`
	TransactionCount int              `json:"transaction_count"`
	EntryCount       int              `json:"entry_count"`
	Invariants       []InvariantCheck `json:"invariants"`
	AllPassed        bool             `json:"all_passed"`
}

// Replay recomputes a wallet's balance from every applied entry. The replayed
// value is authoritative; the cached balance must match it.
//
// Invariants:
//  1. balance_non_negative: user and pool wallets never replay below zero
//  2. ledger_parity: replayed balance equals the cached projection
func (e *Engine) Replay(ctx context.Context, walletID string) (*ReplayResult, error) {
	w, err := e.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	var r running
	err = e.store.ScanEntries(ctx, walletID, func(en domain.LedgerEntry) error {
		r.add(en)
		return nil
	})
	if err != nil {
		return nil, domain.ErrUnavailable("replay entries", err)
	}
	r.settle()
	res := &ReplayResult{WalletID: walletID, Kind: w.Kind, EntryCount: r.count, Replayed: r.balance, Cached: w.Balance}
	res.Invariants = walletInvariants(w, r.balance, r.min)
	res.AllPassed = allPassed(res.Invariants)
	return res, nil
}

// Audit replays every wallet and every transaction.
//
// Invariants, in addition to the per-wallet ones:
//  3. zero_sum: every transaction's debits equal its credits
//  4. circulation: all balances, including issuance, sum to zero
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	perWallet := make(map[string]*running)
	perTx := make(map[uuid.UUID]int64)
	report := &AuditReport{}

	err := e.store.ScanEntries(ctx, "", func(en domain.LedgerEntry) error {
		report.EntryCount++
		r, ok := perWallet[en.WalletID]
		if !ok {
			r = &running{}
			perWallet[en.WalletID] = r
		}
		r.add(en)
		perTx[en.TransactionID] += en.Signed()
		return nil
	})
	if err != nil {
		return nil, domain.ErrUnavailable("audit entries", err)
	}

	wallets, err := e.store.ListWallets(ctx)
	if err != nil {
		return nil, domain.ErrUnavailable("audit wallets", err)
	}
	var total int64
	for i := range wallets {
		w := &wallets[i]
		r := perWallet[w.ID]
		if r == nil {
			r = &running{}
		}
		r.settle()
		res := ReplayResult{WalletID: w.ID, Kind: w.Kind, EntryCount: r.count, Replayed: r.balance, Cached: w.Balance}
		res.Invariants = walletInvariants(w, r.balance, r.min)
		res.AllPassed = allPassed(res.Invariants)
		report.Wallets = append(report.Wallets, res)
		total += r.balance
	}

	report.TransactionCount = len(perTx)
	var unbalanced []string
	for id, sum := range perTx {
		if sum != 0 {
			unbalanced = append(unbalanced, id.String())
		}
	}
	report.Invariants = append(report.Invariants,
		InvariantCheck{
			Name:   "zero_sum",
			Passed: len(unbalanced) == 0,
			Detail: fmt.Sprintf("transactions=%d unbalanced=%v", len(perTx), unbalanced),
		},
		InvariantCheck{
			Name:   "circulation",
			Passed: total == 0,
			Detail: fmt.Sprintf("sum of replayed balances=%d", total),
		},
	)

	report.AllPassed = allPassed(report.Invariants)
	for _, w := range report.Wallets {
		if !w.AllPassed {
			report.AllPassed = false
		}
	}
	return report, nil
}

// running replays one wallet. The lowest balance is sampled only between
// transactions, since entries inside one transaction apply atomically.
type running struct {
	balance int64
	min     int64
	count   int
	lastTx  uuid.UUID
}

func (r *running) add(en domain.LedgerEntry) {
	if r.count > 0 && en.TransactionID != r.lastTx {
		r.settle()
	}
	r.count++
	r.lastTx = en.TransactionID
	r.balance += en.Signed()
}

func (r *running) settle() {
	if r.balance < r.min {
		r.min = r.balance
	}
}

func walletInvariants(w *domain.Wallet, replayed, minSeen int64) []InvariantCheck {
	nonNeg := w.AllowsNegative() || (replayed >= 0 && minSeen >= 0)
	return []InvariantCheck{
		{
			Name:   "balance_non_negative",
			Passed: nonNeg,
			Detail: fmt.Sprintf("kind=%s replayed=%d lowest=%d", w.Kind, replayed, minSeen),
		},
		{
			Name:   "ledger_parity",
			Passed: replayed == w.Balance,
			Detail: fmt.Sprintf("cached=%d replayed=%d", w.Balance, replayed),
		},
	}
}

func allPassed(checks []InvariantCheck) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
