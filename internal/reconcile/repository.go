package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// Repository persists reconciliation reports, one per date.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Save replaces the report stored for r.AsOf.
func (r *Repository) Save(ctx context.Context, report Report, actorID int64) error {
	breakdown, err := json.Marshal(report.Breakdown)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO reconciliation_reports
(as_of, inventory_total, ledger_total, unassigned, difference, threshold, is_balanced, is_material, breakdown, generated_at, generated_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (as_of) DO UPDATE SET inventory_total=EXCLUDED.inventory_total, ledger_total=EXCLUDED.ledger_total,
unassigned=EXCLUDED.unassigned, difference=EXCLUDED.difference, threshold=EXCLUDED.threshold,
is_balanced=EXCLUDED.is_balanced, is_material=EXCLUDED.is_material, breakdown=EXCLUDED.breakdown,
generated_at=EXCLUDED.generated_at, generated_by=EXCLUDED.generated_by`,
		report.AsOf, report.InventoryTotal, report.LedgerTotal, report.Unassigned, report.Difference, report.Threshold,
		report.Balanced, report.Material, breakdown, report.GeneratedAt, actorID)
	return err
}

// Get returns the report stored for asOf.
func (r *Repository) Get(ctx context.Context, asOf time.Time) (Report, error) {
	var (
		out       Report
		breakdown []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT as_of, inventory_total, ledger_total, unassigned, difference, threshold,
is_balanced, is_material, breakdown, generated_at FROM reconciliation_reports WHERE as_of=$1`, asOf).
		Scan(&out.AsOf, &out.InventoryTotal, &out.LedgerTotal, &out.Unassigned, &out.Difference, &out.Threshold,
			&out.Balanced, &out.Material, &breakdown, &out.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrReportNotFound
		}
		return Report{}, err
	}
	if err := json.Unmarshal(breakdown, &out.Breakdown); err != nil {
		return Report{}, err
	}
	return out, nil
}
