package ledger

import (
	"fmt"
	"math/big"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. External and system
// accounts may go negative; CDP accounts never do.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) account(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.Big()
	debit := bt.account(j.DebitAccount)
	debit.Add(debit, amount)
	credit := bt.account(j.CreditAccount)
	credit.Sub(credit, amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Amount {
	return fpmath.NewAmount(bt.balances[key])
}

// SetBalance overwrites one account, used when restoring a snapshot
func (bt *BalanceTracker) SetBalance(key AccountKey, amount fpmath.Amount) {
	bt.balances[key] = amount.Big()
}

// === CDP balance queries ===

func (bt *BalanceTracker) GetCDPCollateral(cdpID uuid.UUID) fpmath.Amount {
	return bt.GetBalance(CollateralAccount(cdpID))
}

func (bt *BalanceTracker) GetCDPDebt(cdpID uuid.UUID) fpmath.Amount {
	return bt.GetBalance(DebtAccount(cdpID))
}

func (bt *BalanceTracker) GetCDPAccruedFees(cdpID uuid.UUID) fpmath.Amount {
	return bt.GetBalance(AccruedFeesAccount(cdpID))
}

// GetFeeRevenue returns fees accrued to the protocol, as a positive amount
func (bt *BalanceTracker) GetFeeRevenue() fpmath.Amount {
	return fpmath.Zero().Sub(bt.GetBalance(FeeRevenueAccount()))
}

// GetStableOutstanding returns stablecoin issued and not yet repaid
func (bt *BalanceTracker) GetStableOutstanding() fpmath.Amount {
	return fpmath.Zero().Sub(bt.GetBalance(StableIssuedAccount()))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (zero for a
// zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]fpmath.Amount {
	totals := make(map[AssetID]*big.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.AssetID]
		if !ok {
			total = new(big.Int)
			totals[key.AssetID] = total
		}
		total.Add(total, balance)
	}

	out := make(map[AssetID]fpmath.Amount, len(totals))
	for asset, total := range totals {
		out[asset] = fpmath.NewAmount(total)
	}
	return out
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Amount {
	snapshot := make(map[AccountKey]fpmath.Amount, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = fpmath.NewAmount(v)
	}
	return snapshot
}
