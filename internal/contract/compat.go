package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ColumnStatus classifies one expected column against an incoming header row.
type ColumnStatus string

const (
	StatusPresent         ColumnStatus = "present"          // exact canonical name
	StatusAliased         ColumnStatus = "aliased"          // matched via a registered alias
	StatusMissingRequired ColumnStatus = "missing_required" // hard failure
	StatusMissingOptional ColumnStatus = "missing_optional" // soft warning
)

// Finding records how one contract column matched the header row.
type Finding struct {
	Column string       `json:"column"`
	Header string       `json:"header,omitempty"` // raw header that matched
	Status ColumnStatus `json:"status"`
}

// Report is the output of the compatibility check: the only hard gate that
// runs before any row is parsed.
type Report struct {
	Findings          []Finding `json:"findings"`
	Unknown           []string  `json:"unknown,omitempty"` // headers outside the contract, kept as raw extras
	MissingRequired   []string  `json:"missing_required,omitempty"`
	MissingOptional   []string  `json:"missing_optional,omitempty"`
	HeaderFingerprint string    `json:"header_fingerprint"`

	// Resolution maps header index -> canonical column name for every
	// recognized header. Unrecognized indexes are absent.
	Resolution map[int]string `json:"-"`

	header []string
}

// Header returns the raw header row the report was computed from.
func (r *Report) Header() []string { return r.header }

// Check diffs an ordered header row against the contract.
func Check(c *Contract, header []string) *Report {
	r := &Report{
		Resolution:        make(map[int]string, len(header)),
		HeaderFingerprint: Fingerprint(header),
		header:            header,
	}

	matched := make(map[string]string, len(header)) // canonical -> raw header
	for i, raw := range header {
		canon, ok := c.Resolve(raw)
		if !ok {
			r.Unknown = append(r.Unknown, strings.TrimSpace(raw))
			continue
		}
		if _, dup := matched[canon]; dup {
			// First occurrence wins; later duplicates are opaque extras.
			r.Unknown = append(r.Unknown, strings.TrimSpace(raw))
			continue
		}
		matched[canon] = raw
		r.Resolution[i] = canon
	}

	classify := func(specs []ColumnSpec, missing ColumnStatus) {
		for _, spec := range specs {
			raw, ok := matched[spec.Name]
			switch {
			case ok && NormalizeHeader(raw) == NormalizeHeader(spec.Name):
				r.Findings = append(r.Findings, Finding{Column: spec.Name, Header: raw, Status: StatusPresent})
			case ok:
				r.Findings = append(r.Findings, Finding{Column: spec.Name, Header: raw, Status: StatusAliased})
			default:
				r.Findings = append(r.Findings, Finding{Column: spec.Name, Status: missing})
				if missing == StatusMissingRequired {
					r.MissingRequired = append(r.MissingRequired, spec.Name)
				} else {
					r.MissingOptional = append(r.MissingOptional, spec.Name)
				}
			}
		}
	}
	classify(c.Required, StatusMissingRequired)
	classify(c.Optional, StatusMissingOptional)

	return r
}

// Err returns a hard failure if any required column is absent by both exact
// name and alias, nil otherwise.
func (r *Report) Err() error {
	if len(r.MissingRequired) == 0 {
		return nil
	}
	return eris.Errorf("contract: missing required columns: %s", strings.Join(r.MissingRequired, ", "))
}

// Fingerprint computes a stable hash of the normalized header set, order
// independent, for audit comparison across runs.
func Fingerprint(header []string) string {
	normalized := make([]string, 0, len(header))
	for _, h := range header {
		normalized = append(normalized, NormalizeHeader(h))
	}
	sort.Strings(normalized)

	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
