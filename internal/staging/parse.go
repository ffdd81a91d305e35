package staging

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// saleDateLayouts are tried in order. Provider drops have cycled through all
// of these over the years.
var saleDateLayouts = []string{
	"2006-01-02",
	"02-Jan-06",
	"2-Jan-06",
	"02/01/2006",
	"2/1/2006",
	"Jan 2, 2006",
}

// parseMoney parses a currency amount, tolerating "$", thousands separators,
// and surrounding whitespace.
func parseMoney(s string) (float64, error) {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.TrimPrefix(cleaned, "$")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, eris.New("staging: empty amount")
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: parse amount %q", s)
	}
	return v, nil
}

// parseArea parses a numeric area, tolerating thousands separators.
func parseArea(s string) (float64, error) {
	v, err := parseMoney(s)
	if err != nil {
		return 0, eris.Wrapf(err, "staging: parse area %q", s)
	}
	return v, nil
}

// parseFloatOr parses an optional numeric field, returning def on failure.
func parseFloatOr(s string, def float64) float64 {
	v, err := parseMoney(s)
	if err != nil {
		return def
	}
	return v
}

// parseSaleDate parses a sale date across the known provider layouts.
func parseSaleDate(s string) (time.Time, error) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return time.Time{}, eris.New("staging: empty sale date")
	}
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("staging: unparseable sale date %q", s)
}

// trimQuotes removes surrounding double quotes from a field.
func trimQuotes(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// sanitizeUTF8 replaces invalid UTF-8 byte sequences (e.g., Latin-1 data)
// with empty strings so Postgres doesn't reject the row.
func sanitizeUTF8(s string) string {
	return strings.ToValidUTF8(s, "")
}
