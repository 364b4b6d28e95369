package ledger

import (
	"context"

	"github.com/attaboy/wagerline/internal/domain"
)

// StakeIdempotencyKey is the key a stake transaction is stored under.
func StakeIdempotencyKey(stakeID string) string { return "stake:" + stakeID }

// PayoutIdempotencyKey is the key a winning stake's payout is stored under.
func PayoutIdempotencyKey(stakeID string) string { return "payout:" + stakeID }

// RefundIdempotencyKey is the key the reversal of a stake is stored under.
func RefundIdempotencyKey(stakeID string) string { return "refund:" + stakeID }

// PlaceStake moves amount from the user's wallet into the game pool.
func (e *Engine) PlaceStake(ctx context.Context, userWalletID string, amount int64, meta domain.EntryMeta) (*domain.TransactionResult, error) {
	if err := domain.ValidatePositiveAmount(amount); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	pool := domain.PoolWalletID(meta.GameID)
	return e.ApplyTransaction(ctx, []domain.EntryDraft{
		{WalletID: userWalletID, Direction: domain.Debit, Amount: amount, Category: domain.CategoryStake, Meta: meta},
		{WalletID: pool, Direction: domain.Credit, Amount: amount, Category: domain.CategoryPool, Meta: meta},
	}, StakeIdempotencyKey(meta.StakeID))
}
