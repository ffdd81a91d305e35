package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/db"
	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

// RecomputeMonthlyStats refreshes cached per-month, per-district aggregates
// for every month the batch touched. Outliers are excluded here; this is a
// read-side convenience, the raw rows keep them.
func RecomputeMonthlyStats(ctx context.Context, pool db.Pool, batchID string) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO prop_data.monthly_stats (transaction_month, district, txn_count, median_psf, total_value, computed_at)
		SELECT transaction_month, district, count(*),
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY psf), sum(price), now()
		FROM prop_data.transactions
		WHERE NOT is_outlier AND district <> ''
		  AND transaction_month IN (
		    SELECT DISTINCT transaction_month FROM prop_data.transactions WHERE batch_id = $1)
		GROUP BY transaction_month, district
		ON CONFLICT (transaction_month, district) DO UPDATE
		SET txn_count = EXCLUDED.txn_count,
		    median_psf = EXCLUDED.median_psf,
		    total_value = EXCLUDED.total_value,
		    computed_at = EXCLUDED.computed_at`,
		batchID,
	)
	if err != nil {
		return eris.Wrapf(err, "postpromote: recompute monthly stats for batch %s", batchID)
	}
	return nil
}

// RecomputeMonthlyStatsForMonths refreshes aggregates for an explicit month
// list, used after rollback when the batch's rows are already gone.
func RecomputeMonthlyStatsForMonths(ctx context.Context, pool db.Pool, months []string) error {
	if len(months) == 0 {
		return nil
	}

	// Delete-then-rebuild: a rolled-back month may have no rows left at all.
	if _, err := pool.Exec(ctx,
		`DELETE FROM prop_data.monthly_stats WHERE transaction_month = ANY($1)`, months); err != nil {
		return eris.Wrap(err, "postpromote: clear monthly stats")
	}

	_, err := pool.Exec(ctx, `
		INSERT INTO prop_data.monthly_stats (transaction_month, district, txn_count, median_psf, total_value, computed_at)
		SELECT transaction_month, district, count(*),
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY psf), sum(price), now()
		FROM prop_data.transactions
		WHERE NOT is_outlier AND district <> '' AND transaction_month = ANY($1)
		GROUP BY transaction_month, district`,
		months,
	)
	if err != nil {
		return eris.Wrap(err, "postpromote: rebuild monthly stats")
	}
	return nil
}

// RefreshProjects upserts the project lookup table from the batch's staged
// rows, bounded to lookupBatchSize rows per statement.
func RefreshProjects(ctx context.Context, pool db.Pool, rows []*staging.Row, lookupBatchSize int) (int64, error) {
	if lookupBatchSize < 1 {
		lookupBatchSize = 500
	}

	type projectInfo struct{ district, region string }
	seen := make(map[string]projectInfo)
	order := make([]string, 0)
	for _, r := range rows {
		if !r.IsValid || r.Project == "" {
			continue
		}
		if _, ok := seen[r.Project]; !ok {
			seen[r.Project] = projectInfo{district: r.District, region: r.Region}
			order = append(order, r.Project)
		}
	}

	now := time.Now().UTC()
	cfg := db.UpsertConfig{
		Table:        "prop_data.projects",
		Columns:      []string{"project", "district", "region", "first_seen", "last_seen"},
		ConflictKeys: []string{"project"},
		UpdateCols:   []string{"district", "region", "last_seen"},
	}

	var total int64
	for start := 0; start < len(order); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(order) {
			end = len(order)
		}

		chunk := make([][]any, 0, end-start)
		for _, p := range order[start:end] {
			info := seen[p]
			chunk = append(chunk, []any{p, info.district, info.region, now, now})
		}

		n, err := db.BulkUpsert(ctx, pool, cfg, chunk)
		if err != nil {
			return total, eris.Wrap(err, "postpromote: refresh projects")
		}
		total += n
	}

	zap.L().Info("project lookup refreshed",
		zap.String("component", "ingest.postpromote"),
		zap.Int("projects", len(order)),
	)
	return total, nil
}

// LoadStagingProjects reads the distinct valid projects of a staged batch,
// used when publishing a batch staged by an earlier invocation.
func LoadStagingProjects(ctx context.Context, pool db.Pool, batchID string) ([]*staging.Row, error) {
	rows, err := pool.Query(ctx, `
		SELECT DISTINCT ON (project) project, district, region
		FROM prop_data.staging_rows
		WHERE batch_id = $1 AND is_valid AND project <> ''
		ORDER BY project, line_num`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postpromote: load staging projects for batch %s", batchID)
	}
	defer rows.Close()

	var out []*staging.Row
	for rows.Next() {
		r := &staging.Row{IsValid: true}
		if err := rows.Scan(&r.Project, &r.District, &r.Region); err != nil {
			return nil, eris.Wrap(err, "postpromote: scan staging project")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BatchMonths returns the distinct transaction months a promoted batch
// contributed, for post-rollback stats rebuilds.
func BatchMonths(ctx context.Context, pool db.Pool, batchID string) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT DISTINCT transaction_month FROM prop_data.transactions WHERE batch_id = $1 ORDER BY transaction_month`,
		batchID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postpromote: months for batch %s", batchID)
	}
	defer rows.Close()

	var months []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, eris.Wrap(err, "postpromote: scan month")
		}
		months = append(months, m)
	}
	return months, rows.Err()
}
