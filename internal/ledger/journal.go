package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeFeeAccrual
	JournalTypeMint
	JournalTypeBurnFees
	JournalTypeBurnPrincipal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeFeeAccrual:
		return "fee_accrual"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurnFees:
		return "burn_fees"
	case JournalTypeBurnPrincipal:
		return "burn_principal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID     // Unique identifier
	BatchID       uuid.UUID     // Groups balanced entries
	EventRef      string        // Idempotency key of source event
	Sequence      int64         // Global event sequence
	DebitAccount  AccountKey    // Account receiving debit (balance increases)
	CreditAccount AccountKey    // Account receiving credit (balance decreases)
	AssetID       AssetID       // Asset being transferred
	Amount        fpmath.Amount // ALWAYS positive
	JournalType   JournalType   // Entry type
	Timestamp     int64         // Operation timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount between two accounts of the same asset, so every entry balances
// on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
