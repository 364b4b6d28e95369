package ledger

import (
	"context"
	"fmt"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/google/uuid"
)

// Reverse appends a mirror of a previous transaction and marks the original
// reversed. User wallets in the mirror are subject to the non-negative rule;
// a pool that can no longer return a stake is covered by the house.
func (e *Engine) Reverse(ctx context.Context, txID uuid.UUID, idempotencyKey string) (*domain.TransactionResult, error) {
	if idempotencyKey == "" {
		return nil, domain.ErrMalformedTransaction("idempotency key is required")
	}
	target, err := e.store.FindTransaction(ctx, txID)
	if err != nil {
		return nil, domain.ErrUnavailable("reverse find target", err)
	}
	if target == nil {
		return nil, domain.ErrNotFound("transaction", txID.String())
	}
	if target.ReversalOf != nil {
		return nil, domain.ErrValidation(fmt.Sprintf("transaction %s is itself a reversal", txID))
	}

	drafts := make([]domain.EntryDraft, 0, len(target.Entries))
	for _, en := range target.Entries {
		meta := en.Meta
		meta.Note = "reversal"
		drafts = append(drafts, domain.EntryDraft{
			WalletID:  en.WalletID,
			Direction: flip(en.Direction),
			Amount:    en.Amount,
			Category:  en.Category,
			Meta:      meta,
		})
	}
	id := target.ID
	return e.apply(ctx, drafts, idempotencyKey, &id, true)
}

func flip(d domain.Direction) domain.Direction {
	if d == domain.Debit {
		return domain.Credit
	}
	return domain.Debit
}
