package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"CDPLedger/internal/cdp"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrCDPNotFound is returned by CDPStore lookups for an unknown id
var ErrCDPNotFound = errors.New("cdp not found")

// CDPRow is a CDP together with the event sequence that wrote it
type CDPRow struct {
	CDP      cdp.CDP
	Sequence int64
}

// CDPStore is the Postgres read model of ledger.cdps. The core owns the
// canonical values; rows only move forward in version.
type CDPStore struct {
	db *sql.DB
}

func NewCDPStore(db *sql.DB) *CDPStore {
	return &CDPStore{db: db}
}

const cdpColumns = `cdp_id, owner, collateral_amount, debt_amount, accrued_fees,
	liquidation_ratio_bps, min_collateral_ratio_bps, stability_fee_bps,
	state, health_factor, liquidation_price, created_at, updated_at, fees_accrued_at, version, last_sequence`

// UpsertCDPs writes the latest version of every CDP in rows. A row whose
// stored version is already newer is left untouched.
func (s *CDPStore) UpsertCDPs(ctx context.Context, exec execer, rows []CDPRow) error {
	latest := collapseCDPRows(rows)
	if len(latest) == 0 {
		return nil
	}

	const cols = 16
	values := make([]string, 0, len(latest))
	args := make([]interface{}, 0, len(latest)*cols)

	for i, r := range latest {
		c := r.CDP
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			c.ID, c.Owner,
			c.CollateralAmount.String(), c.DebtAmount.String(), c.AccruedFees.String(),
			int64(c.Config.LiquidationRatio.Bps()),
			int64(c.Config.MinCollateralizationRatio.Bps()),
			int64(c.Config.StabilityFee.Bps()),
			c.State.Kind().String(), c.State.HealthFactor(), c.State.LiquidationPrice().String(),
			c.CreatedAt.Unix(), c.UpdatedAt.Unix(), c.FeesAccruedAt.Unix(), c.Version, r.Sequence,
		)
	}

	query := `INSERT INTO ledger.cdps (` + cdpColumns + `) VALUES ` +
		strings.Join(values, ", ") + `
		ON CONFLICT (cdp_id) DO UPDATE SET
			collateral_amount = EXCLUDED.collateral_amount,
			debt_amount       = EXCLUDED.debt_amount,
			accrued_fees      = EXCLUDED.accrued_fees,
			state             = EXCLUDED.state,
			health_factor     = EXCLUDED.health_factor,
			liquidation_price = EXCLUDED.liquidation_price,
			updated_at        = EXCLUDED.updated_at,
			fees_accrued_at   = EXCLUDED.fees_accrued_at,
			version           = EXCLUDED.version,
			last_sequence     = EXCLUDED.last_sequence
		WHERE ledger.cdps.version < EXCLUDED.version`

	_, err := exec.ExecContext(ctx, query, args...)
	return err
}

// collapseCDPRows keeps the highest version per CDP, in first-seen order.
// A multi-row upsert may not touch the same key twice.
func collapseCDPRows(rows []CDPRow) []CDPRow {
	index := make(map[uuid.UUID]int, len(rows))
	out := make([]CDPRow, 0, len(rows))
	for _, r := range rows {
		if i, ok := index[r.CDP.ID]; ok {
			if r.CDP.Version > out[i].CDP.Version {
				out[i] = r
			}
			continue
		}
		index[r.CDP.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// Get loads one CDP
func (s *CDPStore) Get(ctx context.Context, id uuid.UUID) (cdp.CDP, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cdpColumns+` FROM ledger.cdps WHERE cdp_id = $1`, id)

	c, _, err := scanCDP(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cdp.CDP{}, ErrCDPNotFound
	}
	return c, err
}

// GetMany loads the given CDPs; unknown ids are skipped
func (s *CDPStore) GetMany(ctx context.Context, ids []uuid.UUID) ([]cdp.CDP, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return s.query(ctx,
		`SELECT `+cdpColumns+` FROM ledger.cdps WHERE cdp_id = ANY($1::uuid[]) ORDER BY cdp_id`,
		pq.Array(strs))
}

// ListByOwner returns an owner's CDPs, oldest first
func (s *CDPStore) ListByOwner(ctx context.Context, owner string) ([]cdp.CDP, error) {
	return s.query(ctx,
		`SELECT `+cdpColumns+` FROM ledger.cdps WHERE owner = $1 ORDER BY created_at, cdp_id`,
		owner)
}

// LoadAll returns every stored CDP ordered by id
func (s *CDPStore) LoadAll(ctx context.Context) ([]cdp.CDP, error) {
	return s.query(ctx, `SELECT `+cdpColumns+` FROM ledger.cdps ORDER BY cdp_id`)
}

func (s *CDPStore) query(ctx context.Context, q string, args ...interface{}) ([]cdp.CDP, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cdp.CDP
	for rows.Next() {
		c, _, err := scanCDP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCDP(row scanner) (cdp.CDP, int64, error) {
	var (
		c                                     cdp.CDP
		id                                    uuid.UUID
		collateral, debt, fees, liquidationPx string
		liqRatio, minRatio, fee               int64
		stateName                             string
		healthFactor                          float64
		createdAt, updatedAt, feesAccruedAt   int64
		version, sequence                     int64
	)

	if err := row.Scan(
		&id, &c.Owner, &collateral, &debt, &fees,
		&liqRatio, &minRatio, &fee,
		&stateName, &healthFactor, &liquidationPx,
		&createdAt, &updatedAt, &feesAccruedAt, &version, &sequence,
	); err != nil {
		return cdp.CDP{}, 0, err
	}

	var err error
	c.ID = id
	if c.CollateralAmount, err = fpmath.ParseAmount(collateral); err != nil {
		return cdp.CDP{}, 0, fmt.Errorf("cdp %s collateral: %w", id, err)
	}
	if c.DebtAmount, err = fpmath.ParseAmount(debt); err != nil {
		return cdp.CDP{}, 0, fmt.Errorf("cdp %s debt: %w", id, err)
	}
	if c.AccruedFees, err = fpmath.ParseAmount(fees); err != nil {
		return cdp.CDP{}, 0, fmt.Errorf("cdp %s fees: %w", id, err)
	}

	c.Config = cdp.Config{
		LiquidationRatio:          fpmath.NewRatio(uint64(liqRatio)),
		MinCollateralizationRatio: fpmath.NewRatio(uint64(minRatio)),
		StabilityFee:              fpmath.NewRatio(uint64(fee)),
	}

	kind, err := cdp.ParseStateKind(stateName)
	if err != nil {
		return cdp.CDP{}, 0, fmt.Errorf("cdp %s: %w", id, err)
	}
	switch kind {
	case cdp.StateActive:
		c.State = cdp.Active(healthFactor)
	case cdp.StateLiquidating:
		price, err := fpmath.ParseAmount(liquidationPx)
		if err != nil {
			return cdp.CDP{}, 0, fmt.Errorf("cdp %s liquidation price: %w", id, err)
		}
		c.State = cdp.Liquidating(price)
	case cdp.StateLiquidated:
		c.State = cdp.Liquidated()
	case cdp.StateClosed:
		c.State = cdp.Closed()
	}

	c.CreatedAt = fpmath.NewTimestamp(createdAt)
	c.UpdatedAt = fpmath.NewTimestamp(updatedAt)
	c.FeesAccruedAt = fpmath.NewTimestamp(feesAccruedAt)
	c.Version = version

	return c, sequence, nil
}
