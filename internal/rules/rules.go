// Package rules provides the versioned registry of derivation rules applied
// during staging: bedroom, floor-level, region, and tenure classification.
//
// The registry is constructed explicitly at pipeline start and is immutable
// for the duration of a run; its content version is computed once and carried
// through the batch audit record.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Rule version identifiers. Bump a version whenever the corresponding
// classification logic changes, so batch audit records stay comparable.
const (
	bedroomRuleVersion = "bedroom/v2"
	floorRuleVersion   = "floor/v1"
	regionRuleVersion  = "region/v1"
	tenureRuleVersion  = "tenure/v1"
)

// FloorLevel buckets.
const (
	FloorLanded  = "landed"
	FloorLow     = "low"
	FloorMid     = "mid"
	FloorHigh    = "high"
	FloorUnknown = "unknown"
)

// Market regions (core / rest-of-central / outside-central).
const (
	RegionCCR = "CCR"
	RegionRCR = "RCR"
	RegionOCR = "OCR"
)

// Tenure classes.
const (
	TenureFreehold     = "freehold"
	TenureLease99      = "leasehold_99"
	TenureLease999     = "leasehold_999"
	TenureLeaseOther   = "leasehold_other"
	TenureUnknown      = "unknown"
)

// ccrDistricts and rcrDistricts partition the 28 postal districts into market
// segments; everything else is OCR.
var (
	ccrDistricts = map[int]bool{1: true, 2: true, 4: true, 6: true, 9: true, 10: true, 11: true}
	rcrDistricts = map[int]bool{3: true, 5: true, 7: true, 8: true, 12: true, 13: true, 14: true, 15: true, 20: true}
)

// Registry holds the derivation rules for one pipeline run.
type Registry struct {
	version string
}

// NewRegistry constructs the standard rule registry and computes its version
// hash from the sorted rule identifiers.
func NewRegistry() *Registry {
	ids := []string{bedroomRuleVersion, floorRuleVersion, regionRuleVersion, tenureRuleVersion}
	sort.Strings(ids)

	sum := sha256.Sum256([]byte(strings.Join(ids, "|")))
	return &Registry{version: hex.EncodeToString(sum[:])[:12]}
}

// Version returns the content hash of the registered rule set.
func (r *Registry) Version() string { return r.version }

// BedroomCount estimates the bedroom count from the transacted strata area.
// Buckets follow typical new-launch unit sizing; 5 means "5 or more".
func (r *Registry) BedroomCount(areaSqft float64) int {
	switch {
	case areaSqft <= 0:
		return 0
	case areaSqft < 550:
		return 1
	case areaSqft < 800:
		return 2
	case areaSqft < 1100:
		return 3
	case areaSqft < 1600:
		return 4
	default:
		return 5
	}
}

// FloorLevel classifies a floor range string like "06 TO 10".
// Landed transactions carry "-" or an empty range.
func (r *Registry) FloorLevel(floorRange string) string {
	s := strings.TrimSpace(floorRange)
	if s == "" || s == "-" {
		return FloorLanded
	}

	// Take the upper bound of the range; a bare number is its own bound.
	parts := strings.Fields(strings.ToUpper(s))
	bound := parts[len(parts)-1]
	if strings.HasPrefix(bound, "B") {
		return FloorLow // basement units
	}
	n, err := strconv.Atoi(strings.TrimLeft(bound, "0"))
	if err != nil {
		return FloorUnknown
	}

	switch {
	case n <= 5:
		return FloorLow
	case n <= 15:
		return FloorMid
	default:
		return FloorHigh
	}
}

// Region maps a two-digit postal district to its market segment.
// Unknown or unparseable districts return the empty string.
func (r *Registry) Region(district string) string {
	d, err := strconv.Atoi(strings.TrimSpace(district))
	if err != nil || d < 1 || d > 28 {
		return ""
	}
	switch {
	case ccrDistricts[d]:
		return RegionCCR
	case rcrDistricts[d]:
		return RegionRCR
	default:
		return RegionOCR
	}
}

// TenureClass classifies a raw tenure string such as
// "99 yrs lease commencing from 2019" or "Freehold".
func (r *Registry) TenureClass(tenure string) string {
	s := strings.ToLower(strings.TrimSpace(tenure))
	switch {
	case s == "":
		return TenureUnknown
	case strings.Contains(s, "freehold"):
		return TenureFreehold
	case strings.Contains(s, "999"):
		return TenureLease999
	case strings.Contains(s, "99"):
		return TenureLease99
	case strings.Contains(s, "lease"), strings.Contains(s, "yrs"):
		return TenureLeaseOther
	default:
		return TenureUnknown
	}
}
