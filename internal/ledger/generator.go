package ledger

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from operation results
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
	}
}

// Sequence returns the sequence the next batch will carry
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence aligns the next batch with the core's event sequence
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

type leg struct {
	debit       AccountKey
	credit      AccountKey
	amount      fpmath.Amount
	journalType JournalType
}

func (jg *JournalGenerator) buildBatch(eventRef string, timestamp int64, legs []leg) *Batch {
	batchID := uuid.New()

	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for _, l := range legs {
		// Zero legs carry no value; skipping them keeps every journal positive
		if l.amount.Sign() == 0 {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      jg.sequence,
			DebitAccount:  l.debit,
			CreditAccount: l.credit,
			AssetID:       l.debit.AssetID,
			Amount:        l.amount,
			JournalType:   l.journalType,
			Timestamp:     timestamp,
		})
	}

	jg.sequence++
	return batch
}

// GenerateForResult creates the journals for a successful operation.
//
//	create:   deposit legs, then mint legs when debt was opened
//	deposit:  external:collateral -> cdp:collateral
//	withdraw: cdp:collateral -> external:collateral
//	mint:     system:fee_revenue -> cdp:accrued_fees (accrual),
//	          external:stable_issued -> cdp:debt
//	burn:     cdp:accrued_fees -> external:stable_issued (fees first),
//	          cdp:debt -> external:stable_issued
func (jg *JournalGenerator) GenerateForResult(res ops.Result, eventRef string) (*Batch, error) {
	c := res.UpdatedCDP
	ts := c.UpdatedAt.Unix()

	var legs []leg
	switch res.Kind {
	case ops.KindCreate:
		legs = append(legs,
			leg{CollateralAccount(c.ID), ExternalCollateralAccount(), c.CollateralAmount, JournalTypeDeposit},
			leg{DebtAccount(c.ID), StableIssuedAccount(), c.DebtAmount, JournalTypeMint},
		)
	case ops.KindDeposit:
		legs = append(legs, leg{CollateralAccount(c.ID), ExternalCollateralAccount(), res.AffectedAmount, JournalTypeDeposit})
	case ops.KindWithdraw:
		legs = append(legs, leg{ExternalCollateralAccount(), CollateralAccount(c.ID), res.AffectedAmount, JournalTypeWithdrawal})
	case ops.KindMint:
		if res.Fees == nil {
			return nil, fmt.Errorf("mint result for %s has no fee allocation", c.ID)
		}
		legs = append(legs,
			leg{AccruedFeesAccount(c.ID), FeeRevenueAccount(), res.Fees.Accrued, JournalTypeFeeAccrual},
			leg{DebtAccount(c.ID), StableIssuedAccount(), res.AffectedAmount, JournalTypeMint},
		)
	case ops.KindBurn:
		if res.Fees == nil {
			return nil, fmt.Errorf("burn result for %s has no fee allocation", c.ID)
		}
		legs = append(legs,
			leg{StableIssuedAccount(), AccruedFeesAccount(c.ID), res.Fees.ToFees, JournalTypeBurnFees},
			leg{StableIssuedAccount(), DebtAccount(c.ID), res.Fees.ToPrincipal, JournalTypeBurnPrincipal},
		)
	default:
		return nil, fmt.Errorf("no journals for operation %s", res.Kind)
	}

	batch := jg.buildBatch(eventRef, ts, legs)
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}
