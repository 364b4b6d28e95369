package domain

import (
	"fmt"
	"regexp"
)

var (
	walletIDRegex = regexp.MustCompile(`^[a-zA-Z0-9:_\-.]{1,128}$`)
	gameIDRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)
)

// ValidatePositiveAmount checks that an amount is positive (in minor coin units).
func ValidatePositiveAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	return nil
}

// ValidateWalletID checks a wallet identifier.
func ValidateWalletID(id string) error {
	if !walletIDRegex.MatchString(id) {
		return fmt.Errorf("invalid wallet id: %q", id)
	}
	return nil
}

// ValidateGameID checks a game identifier.
func ValidateGameID(id string) error {
	if !gameIDRegex.MatchString(id) {
		return fmt.Errorf("invalid game id: %q", id)
	}
	return nil
}

// ValidateEntries enforces the structural rules of a transaction: at least two
// entries, positive amounts, known directions, and debits equal to credits.
func ValidateEntries(entries []EntryDraft) error {
	if len(entries) < 2 {
		return fmt.Errorf("transaction needs at least 2 entries, got %d", len(entries))
	}
	var debits, credits int64
	for i, e := range entries {
		if err := ValidateWalletID(e.WalletID); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if err := ValidatePositiveAmount(e.Amount); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		switch e.Direction {
		case Debit:
			debits += e.Amount
		case Credit:
			credits += e.Amount
		default:
			return fmt.Errorf("entry %d: unknown direction %q", i, e.Direction)
		}
		switch e.Category {
		case CategoryStake, CategoryPayout, CategoryPool, CategoryFee, CategoryAdjustment:
		default:
			return fmt.Errorf("entry %d: unknown category %q", i, e.Category)
		}
	}
	if debits != credits {
		return fmt.Errorf("unbalanced transaction: debits=%d credits=%d", debits, credits)
	}
	return nil
}
