package staging

import (
	"sort"

	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/config"
)

// Dedup collapses rows sharing an identical row hash within the batch; the
// first occurrence wins. Rows whose hash matches an already-promoted record
// are NOT touched here: cross-batch idempotency is the promotion engine's
// conflict rule, not a staging step.
func Dedup(rows []*Row) (kept []*Row, removed int) {
	seen := make(map[string]bool, len(rows))
	kept = rows[:0:0]
	for _, r := range rows {
		if seen[r.RowHash] {
			removed++
			continue
		}
		seen[r.RowHash] = true
		kept = append(kept, r)
	}

	if removed > 0 {
		zap.L().Info("in-batch duplicates collapsed",
			zap.String("component", "staging.dedup"),
			zap.Int("removed", removed),
			zap.Int("kept", len(kept)),
		)
	}
	return kept, removed
}

// MarkOutliers flags bulk sales (area above the bulk-sale threshold) and
// rows whose price falls outside median ± multiplier·IQR computed over the
// batch's valid rows. Outliers are never removed; they are promoted like any
// other valid row and must be filtered explicitly by consumers.
func MarkOutliers(rows []*Row, th config.ThresholdConfig) (marked int) {
	prices := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.IsValid {
			prices = append(prices, r.Price)
		}
	}

	var lo, hi float64
	haveBounds := false
	if len(prices) >= 4 { // need all four quartile positions
		sort.Float64s(prices)
		median := quantile(prices, 0.5)
		iqr := quantile(prices, 0.75) - quantile(prices, 0.25)
		lo = median - th.OutlierIQRMultiplier*iqr
		hi = median + th.OutlierIQRMultiplier*iqr
		haveBounds = iqr > 0
	}

	for _, r := range rows {
		if !r.IsValid {
			continue
		}
		if r.AreaSqft > th.BulkSaleAreaSqft {
			r.IsOutlier = true
		} else if haveBounds && (r.Price < lo || r.Price > hi) {
			r.IsOutlier = true
		}
		if r.IsOutlier {
			marked++
		}
	}

	if marked > 0 {
		zap.L().Info("outliers marked",
			zap.String("component", "staging.outlier"),
			zap.Int("marked", marked),
			zap.Float64("price_lo", lo),
			zap.Float64("price_hi", hi),
		)
	}
	return marked
}

// quantile returns the p-quantile of a sorted slice with linear interpolation.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
