package staging

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/config"
	"github.com/urbanmetrics/ingest-cli/internal/rules"
)

// Issue is one validation finding, quantitative or semantic.
type Issue struct {
	Check    string  `json:"check"`
	Severity string  `json:"severity"` // "hard" or "soft"
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
	Limit    float64 `json:"limit"`
}

// ValidationResult holds the outcome of the full-batch validation barrier.
// Hard failures abort the run; everything else is recorded and the pipeline
// continues.
type ValidationResult struct {
	Issues   []Issue // quantitative findings
	Warnings []Issue // semantic findings
	hardFail *Issue
}

// Passed reports whether the batch may proceed to promotion.
func (v *ValidationResult) Passed() bool { return v.hardFail == nil }

// Err returns the hard failure, nil if the batch passed.
func (v *ValidationResult) Err() error {
	if v.hardFail == nil {
		return nil
	}
	return eris.Errorf("validate: %s (%.4f, limit %.4f)", v.hardFail.Message, v.hardFail.Value, v.hardFail.Limit)
}

// Validate runs quantitative and semantic checks over the full staged batch.
// It requires every staged row, so it acts as a synchronization barrier
// between loading and dedup/outlier marking.
func Validate(rows []*Row, th config.ThresholdConfig) *ValidationResult {
	log := zap.L().With(zap.String("component", "staging.validate"))
	res := &ValidationResult{}

	total := len(rows)
	valid := 0
	for _, r := range rows {
		if r.IsValid {
			valid++
		}
	}

	soft := func(check, msg string, value, limit float64) {
		res.Issues = append(res.Issues, Issue{Check: check, Severity: "soft", Message: msg, Value: value, Limit: limit})
	}
	hard := func(check, msg string, value, limit float64) {
		issue := Issue{Check: check, Severity: "hard", Message: msg, Value: value, Limit: limit}
		res.Issues = append(res.Issues, issue)
		if res.hardFail == nil {
			res.hardFail = &issue
		}
	}

	// Quantitative: minimum batch size.
	if total < th.MinRows {
		soft("min_rows", fmt.Sprintf("batch has %d rows, expected at least %d", total, th.MinRows), float64(total), float64(th.MinRows))
	}

	// Quantitative: required-field parse success rate. Below threshold the
	// input file is structurally broken and promotion must never run.
	parseRate := 1.0
	if total > 0 {
		parseRate = float64(valid) / float64(total)
	}
	if parseRate < th.ParseRateMin {
		hard("parse_rate", "parse success rate below threshold", parseRate, th.ParseRateMin)
	}

	// Quantitative: absolute bounds on numeric distributions.
	priceOut, areaOut := 0, 0
	for _, r := range rows {
		if !r.IsValid {
			continue
		}
		if r.Price < th.PriceMin || r.Price > th.PriceMax {
			priceOut++
		}
		if r.AreaSqft < th.AreaMinSqft || r.AreaSqft > th.AreaMaxSqft {
			areaOut++
		}
	}
	if priceOut > 0 {
		soft("price_bounds", fmt.Sprintf("%d rows with price outside [%.0f, %.0f]", priceOut, th.PriceMin, th.PriceMax), float64(priceOut), 0)
	}
	if areaOut > 0 {
		soft("area_bounds", fmt.Sprintf("%d rows with area outside [%.0f, %.0f]", areaOut, th.AreaMinSqft, th.AreaMaxSqft), float64(areaOut), 0)
	}

	semantic(rows, valid, th, res, hard)

	log.Info("validation complete",
		zap.Int("rows", total),
		zap.Int("valid", valid),
		zap.Float64("parse_rate", parseRate),
		zap.Int("issues", len(res.Issues)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Bool("passed", res.Passed()),
	)
	return res
}

// semantic runs cross-field consistency checks over the whole batch.
func semantic(rows []*Row, valid int, th config.ThresholdConfig, res *ValidationResult, hard func(string, string, float64, float64)) {
	if valid == 0 {
		return
	}

	warn := func(check, msg string, value, limit float64) {
		res.Warnings = append(res.Warnings, Issue{Check: check, Severity: "soft", Message: msg, Value: value, Limit: limit})
	}

	// Declared region vs the region implied by the postal district.
	declared, mismatched := 0, 0
	psfAdjusted := 0
	for _, r := range rows {
		if !r.IsValid {
			continue
		}
		if r.PSFAdjusted {
			psfAdjusted++
		}
		if r.RegionDeclared == "" || r.Region == "" {
			continue
		}
		norm := normalizeRegion(r.RegionDeclared)
		if norm == "" {
			continue
		}
		declared++
		if norm != r.Region {
			mismatched++
		}
	}
	if declared > 0 {
		rate := float64(mismatched) / float64(declared)
		if rate > th.RegionMismatchMax {
			warn("region_mismatch", fmt.Sprintf("%d of %d rows declare a region inconsistent with their district", mismatched, declared), rate, th.RegionMismatchMax)
		}
	}

	// Batch-wide PSF divergence. Above the catastrophic threshold the price
	// or area column is suspect and promotion must never run.
	divergence := float64(psfAdjusted) / float64(valid)
	if divergence > th.PSFDivergenceMax {
		hard("psf_divergence", "PSF source/calculated divergence rate above catastrophic threshold", divergence, th.PSFDivergenceMax)
	} else if psfAdjusted > 0 {
		warn("psf_divergence", fmt.Sprintf("%d rows had source PSF replaced by the calculated value", psfAdjusted), divergence, th.PSFDivergenceMax)
	}
}

// normalizeRegion maps declared market-segment strings onto rule-registry
// region codes. Strings that match no known segment return "" and are
// excluded from the mismatch rate.
func normalizeRegion(s string) string {
	switch canonicalText(s) {
	case "CCR", "CORE CENTRAL REGION":
		return rules.RegionCCR
	case "RCR", "REST OF CENTRAL REGION":
		return rules.RegionRCR
	case "OCR", "OUTSIDE CENTRAL REGION":
		return rules.RegionOCR
	default:
		return ""
	}
}
