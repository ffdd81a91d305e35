package staging

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/urbanmetrics/ingest-cli/internal/config"
	"github.com/urbanmetrics/ingest-cli/internal/contract"
	"github.com/urbanmetrics/ingest-cli/internal/rules"
)

// testClock keeps the future-date guard deterministic.
var testClock = time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

func testThresholds() config.ThresholdConfig {
	return config.ThresholdConfig{
		MinRows:              1,
		ParseRateMin:         0.97,
		PSFAbsTolerance:      3.0,
		PSFRelTolerance:      0.005,
		PSFDivergenceMax:     0.25,
		RegionMismatchMax:    0.10,
		PriceMin:             50_000,
		PriceMax:             200_000_000,
		AreaMinSqft:          100,
		AreaMaxSqft:          500_000,
		BulkSaleAreaSqft:     10_000,
		OutlierIQRMultiplier: 5.0,
	}
}

func testContract(t *testing.T) *contract.Contract {
	t.Helper()
	c, err := contract.New("test",
		[]contract.ColumnSpec{
			{Name: "project", Aliases: []string{"project name"}},
			{Name: "sale_date", Aliases: []string{"date of sale"}},
			{Name: "price", Aliases: []string{"transacted price"}},
			{Name: "area_sqft", Aliases: []string{"area (sqft)"}},
		},
		[]contract.ColumnSpec{
			{Name: "floor_range", Aliases: []string{"floor level"}},
			{Name: "district", Aliases: []string{"postal district"}},
			{Name: "region", Aliases: []string{"market segment"}},
			{Name: "tenure"},
			{Name: "psf", Aliases: []string{"unit price ($ psf)"}},
		},
		[]string{"project", "transaction_month", "price", "area_sqft", "floor_range"},
	)
	require.NoError(t, err)
	return c
}

func testLoader(t *testing.T) *Loader {
	t.Helper()
	return &Loader{
		Contract:   testContract(t),
		Rules:      rules.NewRegistry(),
		Thresholds: testThresholds(),
		Workers:    2,
		Now:        testClock,
	}
}

var testHeader = []string{"project", "sale_date", "price", "area_sqft", "floor_range", "district", "region", "tenure", "psf"}

// record builds an input record matching testHeader.
func record(project, saleDate, price, area, floor, district, region, tenure, psf string) []string {
	return []string{project, saleDate, price, area, floor, district, region, tenure, psf}
}

// goodRecord is a convenience valid row with a distinct price per index.
func goodRecord(i int) []string {
	return record("MARINA VISTA", "2026-07-15", fmt.Sprintf("%d", 1_500_000+i*1000), "750", "06 TO 10", "01", "CCR", "99 yrs lease commencing from 2019", "")
}
