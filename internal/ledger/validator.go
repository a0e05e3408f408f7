package ledger

import (
	"fmt"

	"CDPLedger/internal/cdp"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if !total.IsZero() {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ReconcileCDP checks that the CDP's ledger accounts are non-negative and
// match the amounts on the CDP record.
func (v *InvariantValidator) ReconcileCDP(c cdp.CDP) error {
	checks := []struct {
		key  AccountKey
		want string
	}{
		{CollateralAccount(c.ID), c.CollateralAmount.String()},
		{DebtAccount(c.ID), c.DebtAmount.String()},
		{AccruedFeesAccount(c.ID), c.AccruedFees.String()},
	}

	for _, check := range checks {
		if err := v.tracker.ValidateNonNegative(check.key); err != nil {
			return err
		}
		if got := v.tracker.GetBalance(check.key).String(); got != check.want {
			return fmt.Errorf("account %s balance %s does not match cdp record %s",
				check.key.AccountPath(), got, check.want)
		}
	}

	return nil
}
