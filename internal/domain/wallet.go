package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WalletKind separates player wallets from platform-owned ones.
type WalletKind string

const (
	WalletUser   WalletKind = "user"
	WalletPool   WalletKind = "pool"
	WalletSystem WalletKind = "system"
)

// IssuanceWalletID is the system wallet every validated top-up is drawn from.
// Its balance is the negative of all coins in circulation.
const IssuanceWalletID = "system:issuance"

// UserWalletID returns a player's coin wallet.
func UserWalletID(userID string) string { return "user:" + userID }

// PoolWalletID returns the shared pool wallet for a game.
func PoolWalletID(gameID string) string { return "pool:" + gameID }

// Wallet is the cached balance projection of a wallet's applied entries.
type Wallet struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Kind      WalletKind `json:"kind"`
	Balance   int64      `json:"balance"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AllowsNegative reports whether the wallet may be overdrawn. Only system
// wallets (issuance) may; user and pool balances never go below zero.
func (w Wallet) AllowsNegative() bool { return w.Kind == WalletSystem }

// Direction of a ledger entry relative to its wallet.
type Direction string

const (
	Debit  Direction = "debit"  // coins leave the wallet
	Credit Direction = "credit" // coins enter the wallet
)

// Category classifies why coins moved.
type Category string

const (
	CategoryStake      Category = "stake"
	CategoryPayout     Category = "payout"
	CategoryPool       Category = "pool"
	CategoryFee        Category = "fee"
	CategoryAdjustment Category = "adjustment"
)

// TxStatus is the lifecycle of an applied transaction.
type TxStatus string

const (
	TxApplied  TxStatus = "applied"
	TxReversed TxStatus = "reversed"
)

// EntryMeta ties an entry to the game activity that caused it.
type EntryMeta struct {
	GameID    string `json:"game_id,omitempty"`
	RoundID   string `json:"round_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	StakeID   string `json:"stake_id,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Note      string `json:"note,omitempty"`
}

// LedgerEntry is one append-only line of a transaction.
type LedgerEntry struct {
	Seq           int64     `json:"seq"`
	TransactionID uuid.UUID `json:"transaction_id"`
	WalletID      string    `json:"wallet_id"`
	Direction     Direction `json:"direction"`
	Amount        int64     `json:"amount"`
	Category      Category  `json:"category"`
	Meta          EntryMeta `json:"meta"`
	CreatedAt     time.Time `json:"created_at"`
}

// Signed returns the entry's effect on its wallet balance.
func (e LedgerEntry) Signed() int64 {
	if e.Direction == Debit {
		return -e.Amount
	}
	return e.Amount
}

// EntryDraft is the caller's input for one line of a transaction.
type EntryDraft struct {
	WalletID  string    `json:"wallet_id"`
	Direction Direction `json:"direction"`
	Amount    int64     `json:"amount"`
	Category  Category  `json:"category"`
	Meta      EntryMeta `json:"meta"`
}

// Transaction groups two or more balanced entries applied atomically.
type Transaction struct {
	ID             uuid.UUID     `json:"id"`
	IdempotencyKey string        `json:"idempotency_key"`
	Status         TxStatus      `json:"status"`
	ReversalOf     *uuid.UUID    `json:"reversal_of,omitempty"`
	Entries        []LedgerEntry `json:"entries"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TransactionResult is returned by every ledger write.
type TransactionResult struct {
	Transaction *Transaction     `json:"transaction"`
	Balances    map[string]int64 `json:"balances"`
	Idempotent  bool             `json:"idempotent"` // true if a prior apply with the same key was returned
}

// WalletUpdate is a compare-and-swap instruction for one wallet.
type WalletUpdate struct {
	WalletID        string
	ExpectedVersion int64
	NewBalance      int64
}

// HistoryFilter pages through a wallet's entries, newest first.
type HistoryFilter struct {
	Category Category
	RoundID  string
	Before   int64 // entry seq cursor, exclusive; 0 = from newest
	Limit    int
}

// Normalize applies paging defaults.
func (f HistoryFilter) Normalize() HistoryFilter {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	return f
}

// Matches reports whether e passes the non-paging filter fields.
func (f HistoryFilter) Matches(e LedgerEntry) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.RoundID != "" && e.Meta.RoundID != f.RoundID {
		return false
	}
	return true
}

// MetaJSON encodes entry metadata for storage.
func MetaJSON(m EntryMeta) json.RawMessage {
	out, _ := json.Marshal(m)
	return out
}
