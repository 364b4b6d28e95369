package ledger

import (
	"context"
	"fmt"

	"github.com/attaboy/wagerline/internal/domain"
)

// Credit issues validated top-up coins into a wallet.
// Pattern: issuance debit -> wallet credit, category adjustment.
func (e *Engine) Credit(ctx context.Context, walletID string, amount int64, idempotencyKey string, meta domain.EntryMeta) (*domain.TransactionResult, error) {
	if err := domain.ValidatePositiveAmount(amount); err != nil {
		return nil, domain.ErrValidation(err.Error())
	}
	if _, err := e.OpenWallet(ctx, domain.IssuanceWalletID, "platform", domain.WalletSystem); err != nil {
		return nil, fmt.Errorf("credit: %w", err)
	}
	return e.ApplyTransaction(ctx, []domain.EntryDraft{
		{WalletID: domain.IssuanceWalletID, Direction: domain.Debit, Amount: amount, Category: domain.CategoryAdjustment, Meta: meta},
		{WalletID: walletID, Direction: domain.Credit, Amount: amount, Category: domain.CategoryAdjustment, Meta: meta},
	}, idempotencyKey)
}
