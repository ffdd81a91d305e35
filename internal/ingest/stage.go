package ingest

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/urbanmetrics/ingest-cli/internal/db"
	"github.com/urbanmetrics/ingest-cli/internal/staging"
)

var stagingColumns = []string{
	"batch_id", "row_hash", "line_num",
	"project", "sale_date", "transaction_month", "price", "area_sqft",
	"floor_range", "district", "region_declared", "tenure", "property_type", "sale_type",
	"psf_source", "psf_calc", "psf_reconciled",
	"bedroom_count", "floor_level", "region", "tenure_class",
	"raw_extras", "is_valid", "reason", "is_outlier",
}

// PersistStagingRows COPYs staged rows into prop_data.staging_rows in chunks
// of batchSize. Rows never mix across batches: every row carries the batch ID.
func PersistStagingRows(ctx context.Context, pool db.Pool, batchID string, rows []*staging.Row, batchSize int) (int64, error) {
	if batchSize < 1 {
		batchSize = len(rows)
	}

	var total int64
	chunk := make([][]any, 0, batchSize)

	flush := func() error {
		n, err := db.CopyInto(ctx, pool, "prop_data", "staging_rows", stagingColumns, chunk)
		if err != nil {
			return eris.Wrapf(err, "ingest: persist staging rows for batch %s", batchID)
		}
		total += n
		chunk = chunk[:0]
		return nil
	}

	for _, r := range rows {
		vals, err := stagingValues(batchID, r)
		if err != nil {
			return total, err
		}
		chunk = append(chunk, vals)

		if len(chunk) >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if len(chunk) > 0 {
		if err := flush(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func stagingValues(batchID string, r *staging.Row) ([]any, error) {
	var extras []byte
	if len(r.RawExtras) > 0 {
		var err error
		extras, err = json.Marshal(r.RawExtras)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: marshal raw extras for line %d", r.Line)
		}
	}

	var saleDate any
	if !r.SaleDate.IsZero() {
		saleDate = r.SaleDate
	}

	return []any{
		batchID, r.RowHash, r.Line,
		r.Project, saleDate, r.TransactionMonth, r.Price, r.AreaSqft,
		r.FloorRange, r.District, r.RegionDeclared, r.Tenure, r.PropertyType, r.SaleType,
		r.PSFSource, r.PSFCalc, r.PSFReconciled,
		r.BedroomCount, r.FloorLevel, r.Region, r.TenureClass,
		extras, r.IsValid, r.Reason, r.IsOutlier,
	}, nil
}
