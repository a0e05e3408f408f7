package core

import (
	"fmt"

	"CDPLedger/internal/cdp"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
)

// SnapshotState holds the in-memory state needed to resume processing.
// CDP and Amount values are immutable, so a snapshot may be handed to
// another goroutine for saving.
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]fpmath.Amount
	CDPs            []cdp.CDP
	Price           PriceState
	Params          SystemParams
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state. Must be called from the
// goroutine that runs ProcessEvent.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	cdps := make([]cdp.CDP, 0, len(c.cdps))
	for _, id := range c.sortedIDs() {
		cdps = append(cdps, c.cdps[id])
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		CDPs:            cdps,
		Price:           c.price,
		Params:          c.params,
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot loads a snapshot into a fresh core and checks that the
// restored CDPs reconcile with the restored balances.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if len(c.cdps) > 0 || c.sequence > 0 {
		return fmt.Errorf("restore into a core that already processed events (sequence %d)", c.sequence)
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	for key, amount := range snap.Balances {
		c.balanceTracker.SetBalance(key, amount)
	}

	for _, restored := range snap.CDPs {
		c.commit(restored)
		if err := c.validator.ReconcileCDP(restored); err != nil {
			return fmt.Errorf("restore cdp %s: %w", restored.ID, err)
		}
	}

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	c.price = snap.Price
	c.params = snap.Params

	for partition, next := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}

	c.idempotency.Warm(snap.IdempotencyKeys)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("cdps", len(snap.CDPs)).
		Msg("restored from snapshot")

	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// ReplayEvent re-applies an event read back from the event log. Nothing is
// emitted, and the resulting sequence and state hash must match the stored
// envelope exactly.
func (c *DeterministicCore) ReplayEvent(evt event.Event, stored *event.EventEnvelope) error {
	if stored.Sequence != c.sequence {
		return fmt.Errorf("replay out of order: core at %d, log at %d", c.sequence, stored.Sequence)
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	if err := c.ProcessEvent(evt); err != nil {
		if _, rejected := asRejection(err); !rejected {
			return fmt.Errorf("replay seq %d: %w", stored.Sequence, err)
		}
	}

	if c.sequence != stored.Sequence+1 {
		return fmt.Errorf("replay seq %d: event was not re-applied", stored.Sequence)
	}
	if got := c.hasher.GetPrevHash(); got != stored.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: log %x, replay %x",
			stored.Sequence, stored.StateHash, got)
	}

	return nil
}
