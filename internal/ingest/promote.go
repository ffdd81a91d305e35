package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/db"
)

// Plan reports what a promotion would do without mutating the production
// table.
type Plan struct {
	BatchID        string     `json:"batch_id"`
	NewRows        int64      `json:"new_rows"`
	HashCollisions int64      `json:"hash_collisions"` // staged rows already promoted by earlier batches
	OutlierRows    int64      `json:"outlier_rows"`
	DateFrom       *time.Time `json:"date_from,omitempty"`
	DateTo         *time.Time `json:"date_to,omitempty"`
	NewDistricts   []string   `json:"new_districts,omitempty"`
}

// PlanPromotion computes the promotion diff for a staged batch: new-row
// count, cross-batch hash collisions, outlier count, date window, and
// districts not yet present in the production table.
func PlanPromotion(ctx context.Context, pool db.Pool, batchID string) (*Plan, error) {
	p := &Plan{BatchID: batchID}

	err := pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE t.row_hash IS NULL),
		       count(*) FILTER (WHERE t.row_hash IS NOT NULL),
		       count(*) FILTER (WHERE s.is_outlier AND t.row_hash IS NULL),
		       min(s.sale_date), max(s.sale_date)
		FROM prop_data.staging_rows s
		LEFT JOIN prop_data.transactions t USING (row_hash)
		WHERE s.batch_id = $1 AND s.is_valid`,
		batchID,
	).Scan(&p.NewRows, &p.HashCollisions, &p.OutlierRows, &p.DateFrom, &p.DateTo)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: plan batch %s", batchID)
	}

	rows, err := pool.Query(ctx, `
		SELECT DISTINCT s.district
		FROM prop_data.staging_rows s
		WHERE s.batch_id = $1 AND s.is_valid AND s.district <> ''
		  AND NOT EXISTS (SELECT 1 FROM prop_data.transactions t WHERE t.district = s.district)
		ORDER BY s.district`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "promote: plan district delta for batch %s", batchID)
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "promote: scan district")
		}
		p.NewDistricts = append(p.NewDistricts, d)
	}
	return p, rows.Err()
}

// Promote atomically inserts all valid staged rows of a batch into the
// production table. Hash uniqueness is a silent no-op conflict rule, never an
// error, so re-running promotion for a partially promoted batch is safe. The
// batch status and rows_promoted counter commit in the same transaction: no
// partial promotion is ever observable.
func Promote(ctx context.Context, pool db.Pool, batchID string) (int64, error) {
	log := zap.L().With(zap.String("component", "ingest.promote"), zap.String("batch", batchID))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "promote: begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO prop_data.transactions
		  (row_hash, batch_id, project, sale_date, transaction_month, price, area_sqft,
		   floor_range, district, region, tenure_class, property_type, sale_type,
		   psf, bedroom_count, floor_level, is_outlier)
		SELECT row_hash, batch_id, project, sale_date, transaction_month, price, area_sqft,
		       floor_range, district, region, tenure_class, property_type, sale_type,
		       psf_reconciled, bedroom_count, floor_level, is_outlier
		FROM prop_data.staging_rows
		WHERE batch_id = $1 AND is_valid
		ON CONFLICT (row_hash) DO NOTHING`,
		batchID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "promote: insert batch %s", batchID)
	}
	promoted := tag.RowsAffected()

	if _, err := tx.Exec(ctx, `
		UPDATE prop_data.batches
		SET status = $1, rows_promoted = rows_promoted + $2, completed_at = now()
		WHERE batch_id = $3`,
		string(StatusCompleted), promoted, batchID,
	); err != nil {
		return 0, eris.Wrapf(err, "promote: complete batch %s", batchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "promote: commit batch %s", batchID)
	}

	log.Info("promotion complete", zap.Int64("rows_promoted", promoted))
	return promoted, nil
}

// Rollback reverts a completed batch: the rows that batch inserted are
// deleted (rows skipped as cross-batch duplicates belong to earlier batches
// and are untouched) and the batch becomes rolled_back.
func Rollback(ctx context.Context, pool db.Pool, batchID string) (int64, error) {
	log := zap.L().With(zap.String("component", "ingest.rollback"), zap.String("batch", batchID))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "rollback: begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM prop_data.transactions WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, eris.Wrapf(err, "rollback: delete rows for batch %s", batchID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE prop_data.batches SET status = $1, completed_at = now() WHERE batch_id = $2`,
		string(StatusRolledBack), batchID,
	); err != nil {
		return 0, eris.Wrapf(err, "rollback: update batch %s", batchID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "rollback: commit batch %s", batchID)
	}

	log.Info("rollback complete", zap.Int64("rows_removed", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
