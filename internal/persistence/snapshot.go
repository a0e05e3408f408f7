package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/cdp"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds the ledger balances, every CDP, the latest price and
// system params, sequence counters, the idempotency LRU and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of core.SnapshotState
type SnapshotData struct {
	Sequence        int64                    `json:"sequence"`
	StateHash       string                   `json:"state_hash"` // hex
	Balances        map[string]fpmath.Amount `json:"balances"`   // account path -> balance
	CDPs            []CDPSnapshot            `json:"cdps"`
	Price           PriceSnap                `json:"price"`
	Params          ParamsSnap               `json:"params"`
	SequenceState   map[string]int64         `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string                 `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time                `json:"created_at"`
}

// CDPSnapshot is a serializable CDP
type CDPSnapshot struct {
	ID               uuid.UUID        `json:"id"`
	Owner            string           `json:"owner"`
	CollateralAmount fpmath.Amount    `json:"collateral_amount"`
	DebtAmount       fpmath.Amount    `json:"debt_amount"`
	AccruedFees      fpmath.Amount    `json:"accrued_fees"`
	Config           cdp.Config       `json:"config"`
	State            cdp.State        `json:"state"`
	CreatedAt        fpmath.Timestamp `json:"created_at"`
	UpdatedAt        fpmath.Timestamp `json:"updated_at"`
	FeesAccruedAt    fpmath.Timestamp `json:"fees_accrued_at"`
	Version          int64            `json:"version"`
}

// PriceSnap is a serializable price state
type PriceSnap struct {
	Price         fpmath.Amount `json:"price"`
	ConfidenceBps uint32        `json:"confidence_bps"`
	Sequence      int64         `json:"sequence"`
	Timestamp     int64         `json:"timestamp"`
}

// ParamsSnap is a serializable system params state
type ParamsSnap struct {
	EmergencyShutdown bool          `json:"emergency_shutdown"`
	MaxAmountAllowed  fpmath.Amount `json:"max_amount_allowed"`
	SafetyBufferBps   uint64        `json:"safety_buffer_bps"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SnapshotFromCore converts the core's in-memory snapshot for storage
func SnapshotFromCore(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:  s.Sequence,
		StateHash: hex.EncodeToString(s.StateHash[:]),
		Balances:  make(map[string]fpmath.Amount, len(s.Balances)),
		CDPs:      make([]CDPSnapshot, 0, len(s.CDPs)),
		Price: PriceSnap{
			Price:         s.Price.Price,
			ConfidenceBps: s.Price.ConfidenceBps,
			Sequence:      s.Price.Sequence,
			Timestamp:     s.Price.Timestamp,
		},
		Params: ParamsSnap{
			EmergencyShutdown: s.Params.EmergencyShutdown,
			MaxAmountAllowed:  s.Params.MaxAmountAllowed,
			SafetyBufferBps:   s.Params.SafetyBuffer.Bps(),
		},
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt,
	}

	for key, balance := range s.Balances {
		data.Balances[key.AccountPath()] = balance
	}

	for _, c := range s.CDPs {
		data.CDPs = append(data.CDPs, CDPSnapshot{
			ID:               c.ID,
			Owner:            c.Owner,
			CollateralAmount: c.CollateralAmount,
			DebtAmount:       c.DebtAmount,
			AccruedFees:      c.AccruedFees,
			Config:           c.Config,
			State:            c.State,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
			FeesAccruedAt:    c.FeesAccruedAt,
			Version:          c.Version,
		})
	}

	return data
}

// ToCore converts a stored snapshot back into the core's form
func (d *SnapshotData) ToCore() (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence: d.Sequence,
		Balances: make(map[ledger.AccountKey]fpmath.Amount, len(d.Balances)),
		CDPs:     make([]cdp.CDP, 0, len(d.CDPs)),
		Price: core.PriceState{
			Price:         d.Price.Price,
			ConfidenceBps: d.Price.ConfidenceBps,
			Sequence:      d.Price.Sequence,
			Timestamp:     d.Price.Timestamp,
		},
		Params: core.SystemParams{
			EmergencyShutdown: d.Params.EmergencyShutdown,
			MaxAmountAllowed:  d.Params.MaxAmountAllowed,
			SafetyBuffer:      fpmath.NewRatio(d.Params.SafetyBufferBps),
		},
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}

	hash, err := hex.DecodeString(d.StateHash)
	if err != nil || len(hash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: malformed state hash", d.Sequence)
	}
	copy(s.StateHash[:], hash)

	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		s.Balances[key] = balance
	}

	for _, c := range d.CDPs {
		s.CDPs = append(s.CDPs, cdp.CDP{
			ID:               c.ID,
			Owner:            c.Owner,
			CollateralAmount: c.CollateralAmount,
			DebtAmount:       c.DebtAmount,
			AccruedFees:      c.AccruedFees,
			Config:           c.Config,
			State:            c.State,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
			FeesAccruedAt:    c.FeesAccruedAt,
			Version:          c.Version,
		})
	}

	return s, nil
}

// SaveSnapshot persists a snapshot. Snapshots are built from live core
// state, so they are stored as verified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. It returns
// nil, nil when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// PruneSnapshots deletes all but the newest keep snapshots
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence NOT IN (
			SELECT sequence FROM event_log.snapshots ORDER BY sequence DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit events starting at fromSequence, for
// warm restart (replay after a snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, cdp_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence, rejection_code
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.CDPID, &e.Payload,
			&e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence, &e.RejectionCode,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
