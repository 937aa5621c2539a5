package core

// convert.go coerces loosely typed source values into the representations
// the target API accepts.
//
// Extracted source data arrives with the usual artifacts:
//   - Currency symbols and thousand separators in amounts
//   - Accounting negatives written as (123.45)
//   - Various boolean spellings (yes/no, true/false, 1/0)
//   - Dates in US, ISO and timestamp layouts
//   - Spreadsheet formula prefixes (="value")
//
// Every Parse* function reports ok=false for blank or unparseable input so
// callers omit the field instead of sending an invalid value.

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d+)?|\.\d+)([eE][+-]?\d+)?$`)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006",
	"2006/01/02", "Jan 2, 2006", "2 Jan 2006", "20060102",
}

// ParseDecimal parses an amount, tolerating currency symbols, separators
// and accounting-format negatives.
func ParseDecimal(s string) (decimal.Decimal, bool) {
	s = CleanCell(s)
	if IsBlankString(s) {
		return decimal.Decimal{}, false
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "\u20ac", "") // Euro
	s = strings.ReplaceAll(s, "\u00a3", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return decimal.Decimal{}, false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(CleanCell(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	default:
		return false, false
	}
}

// ParseDate parses a date or timestamp and returns the calendar date.
func ParseDate(s string) (time.Time, bool) {
	s = CleanCell(s)
	if IsBlankString(s) {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// CleanCell removes common extraction artifacts from a value:
// - Trims whitespace and a leading BOM
// - Removes the spreadsheet formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// IsBlankString reports whether s carries no value: empty, whitespace,
// or the literal "null"/"none" left behind by upstream serializers.
func IsBlankString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "nan":
		return true
	}
	return false
}
