package ledger

import (
	"context"

	"github.com/attaboy/wagerline/internal/domain"
)

// PayWinner moves a winning stake's payout from the game pool to the user.
// A pool holding less than the payout is topped up from issuance in the same
// transaction. Retrying with the same stake id never pays twice.
func (e *Engine) PayWinner(ctx context.Context, userWalletID string, payout int64, meta domain.EntryMeta) (*domain.TransactionResult, error) {
	if err := domain.ValidatePositiveAmount(payout); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	pool := domain.PoolWalletID(meta.GameID)
	drafts := []domain.EntryDraft{
		{WalletID: pool, Direction: domain.Debit, Amount: payout, Category: domain.CategoryPool, Meta: meta},
		{WalletID: userWalletID, Direction: domain.Credit, Amount: payout, Category: domain.CategoryPayout, Meta: meta},
	}
	if err := domain.ValidateEntries(drafts); err != nil {
		return nil, domain.ErrMalformedTransaction(err.Error())
	}
	return e.apply(ctx, drafts, PayoutIdempotencyKey(meta.StakeID), nil, true)
}
