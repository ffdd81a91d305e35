// Package staging parses raw transaction records into typed staging rows,
// applies rule-registry derivations, and runs batch-level validation,
// deduplication, and outlier marking.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Row is one staged transaction, scoped to a single batch. Required and
// derived fields are typed; genuinely unknown input columns live in RawExtras
// and are never used downstream.
type Row struct {
	Line int // 1-based data row number in the source file

	// Canonical input fields.
	Project        string
	SaleDate       time.Time
	Price          float64
	AreaSqft       float64
	FloorRange     string
	District       string
	RegionDeclared string
	Tenure         string
	PropertyType   string
	SaleType       string

	// Computed fields, derived in fixed order at load time.
	TransactionMonth string // "2006-01" bucket of SaleDate
	PSFSource        float64
	PSFCalc          float64
	PSFReconciled    float64
	PSFAdjusted      bool // calculated value substituted for the source PSF
	BedroomCount     int
	FloorLevel       string
	Region           string
	TenureClass      string

	RawExtras map[string]string

	RowHash   string
	IsValid   bool
	Reason    string // parse failure reason when IsValid is false
	IsOutlier bool
}

// keyValue returns the canonical string form of one natural-key field.
// Numeric fields are fixed to two decimals so the hash is stable across
// formatting differences in source files.
func (r *Row) keyValue(field string) (string, error) {
	switch field {
	case "project":
		return canonicalText(r.Project), nil
	case "transaction_month":
		return r.TransactionMonth, nil
	case "price":
		return strconv.FormatFloat(r.Price, 'f', 2, 64), nil
	case "area_sqft":
		return strconv.FormatFloat(r.AreaSqft, 'f', 2, 64), nil
	case "floor_range":
		return canonicalText(r.FloorRange), nil
	case "district":
		return canonicalText(r.District), nil
	case "sale_date":
		return r.SaleDate.Format("2006-01-02"), nil
	default:
		return "", eris.Errorf("staging: unknown natural-key field %q", field)
	}
}

// ComputeHash sets RowHash from the ordered natural-key fields. This digest
// is the sole cross-batch deduplication mechanism; promotion relies on it,
// not on any surrogate ID.
func (r *Row) ComputeHash(naturalKey []string) error {
	parts := make([]string, len(naturalKey))
	for i, field := range naturalKey {
		v, err := r.keyValue(field)
		if err != nil {
			return err
		}
		parts[i] = v
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	r.RowHash = hex.EncodeToString(sum[:])
	return nil
}

// fallbackHash digests the raw record so rows that failed natural-key parsing
// still get a deterministic, batch-unique staging identity.
func fallbackHash(record []string) string {
	sum := sha256.Sum256([]byte("raw\x1f" + strings.Join(record, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// canonicalText uppercases and collapses whitespace for hash stability.
func canonicalText(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}
