package staging

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/urbanmetrics/ingest-cli/internal/config"
	"github.com/urbanmetrics/ingest-cli/internal/contract"
	"github.com/urbanmetrics/ingest-cli/internal/rules"
)

// Loader parses raw records into staging rows and applies derivations in a
// fixed order: month bucketing, PSF reconciliation, bedroom classification,
// floor classification, region lookup, tenure classification.
type Loader struct {
	Contract         *contract.Contract
	Rules            *rules.Registry
	Thresholds       config.ThresholdConfig
	Workers          int
	AllowFutureDates bool

	// Now overrides the wall clock for the future-date guard; zero means
	// time.Now. Exists for tests.
	Now time.Time
}

// LoadStats summarizes one load pass.
type LoadStats struct {
	RowsLoaded    int
	ParseFailures int
	PSFAdjusted   int
	FutureDates   int
}

// Load parses all records into staging rows. Rows are embarrassingly
// parallel, so parsing is chunked across workers; each worker writes only its
// own index range, keeping output order stable without locks.
func (l *Loader) Load(ctx context.Context, report *contract.Report, records [][]string) ([]*Row, *LoadStats, error) {
	log := zap.L().With(zap.String("component", "staging.loader"))

	colIdx := make(map[string]int, len(report.Resolution))
	for i, canon := range report.Resolution {
		colIdx[canon] = i
	}

	now := l.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	rows := make([]*Row, len(records))

	workers := l.Workers
	if workers < 1 {
		workers = 1
	}
	chunk := (len(records) + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(records) {
			break
		}
		end := start + chunk
		if end > len(records) {
			end = len(records)
		}

		g.Go(func() error {
			for i := start; i < end; i++ {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				rows[i] = l.parseRow(records[i], i+1, colIdx, report, now)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	stats := &LoadStats{RowsLoaded: len(rows)}
	for _, r := range rows {
		if !r.IsValid {
			stats.ParseFailures++
			if r.Reason == reasonFutureDate {
				stats.FutureDates++
			}
		}
		if r.PSFAdjusted {
			stats.PSFAdjusted++
		}
	}

	log.Info("staging load complete",
		zap.Int("rows", stats.RowsLoaded),
		zap.Int("parse_failures", stats.ParseFailures),
		zap.Int("psf_adjusted", stats.PSFAdjusted),
		zap.Int("future_dates", stats.FutureDates),
	)
	return rows, stats, nil
}

const reasonFutureDate = "future sale date (pass --allow-future-dates to accept)"

// parseRow parses one record into a Row. Invalid rows keep their raw extras
// and get a fallback hash so they still stage for forensic inspection.
func (l *Loader) parseRow(record []string, line int, colIdx map[string]int, report *contract.Report, now time.Time) *Row {
	get := func(canon string) string {
		idx, ok := colIdx[canon]
		if !ok || idx >= len(record) {
			return ""
		}
		return sanitizeUTF8(trimQuotes(record[idx]))
	}

	row := &Row{
		Line:           line,
		Project:        get("project"),
		FloorRange:     get("floor_range"),
		District:       get("district"),
		RegionDeclared: get("region"),
		Tenure:         get("tenure"),
		PropertyType:   get("property_type"),
		SaleType:       get("sale_type"),
	}

	// Preserve headers outside the contract verbatim; they are opaque and
	// never used downstream.
	for i, raw := range report.Header() {
		if _, known := report.Resolution[i]; known {
			continue
		}
		if i >= len(record) || strings.TrimSpace(record[i]) == "" {
			continue
		}
		if row.RawExtras == nil {
			row.RawExtras = make(map[string]string)
		}
		row.RawExtras[strings.TrimSpace(raw)] = sanitizeUTF8(strings.TrimSpace(record[i]))
	}

	fail := func(reason string) *Row {
		row.IsValid = false
		row.Reason = reason
		row.RowHash = fallbackHash(record)
		return row
	}

	if row.Project == "" {
		return fail("missing project name")
	}

	saleDate, err := parseSaleDate(get("sale_date"))
	if err != nil {
		return fail(err.Error())
	}
	row.SaleDate = saleDate

	if !l.AllowFutureDates && saleDate.After(now) {
		return fail(reasonFutureDate)
	}

	price, err := parseMoney(get("price"))
	if err != nil {
		return fail(err.Error())
	}
	if price <= 0 {
		return fail("non-positive price")
	}
	row.Price = price

	area, err := parseArea(get("area_sqft"))
	if err != nil {
		return fail(err.Error())
	}
	if area <= 0 {
		return fail("non-positive area")
	}
	row.AreaSqft = area

	// Derivations, fixed order.
	row.TransactionMonth = saleDate.Format("2006-01")
	l.reconcilePSF(row, get("psf"))
	row.BedroomCount = l.Rules.BedroomCount(row.AreaSqft)
	row.FloorLevel = l.Rules.FloorLevel(row.FloorRange)
	row.Region = l.Rules.Region(row.District)
	row.TenureClass = l.Rules.TenureClass(row.Tenure)

	if err := row.ComputeHash(l.Contract.NaturalKey); err != nil {
		return fail(err.Error())
	}

	row.IsValid = true
	return row
}

// reconcilePSF prefers the source-provided PSF unless it deviates from
// price/area by more than the larger of the absolute or relative tolerance,
// in which case the calculated value is substituted (soft failure).
func (l *Loader) reconcilePSF(row *Row, rawPSF string) {
	row.PSFCalc = row.Price / row.AreaSqft
	row.PSFSource = parseFloatOr(rawPSF, 0)

	if row.PSFSource <= 0 {
		row.PSFReconciled = row.PSFCalc
		return
	}

	tolerance := l.Thresholds.PSFAbsTolerance
	if rel := l.Thresholds.PSFRelTolerance * row.PSFCalc; rel > tolerance {
		tolerance = rel
	}

	diff := row.PSFSource - row.PSFCalc
	if diff < 0 {
		diff = -diff
	}

	if diff > tolerance {
		row.PSFReconciled = row.PSFCalc
		row.PSFAdjusted = true
		return
	}
	row.PSFReconciled = row.PSFSource
}
