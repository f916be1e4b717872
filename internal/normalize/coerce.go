// Package normalize maps raw export fields onto canonical field names and
// coerces loosely-typed source values. Legacy desktop exports are permissive
// by nature: dates arrive in half a dozen formats, integers arrive as
// "3.0", and empty cells arrive as "", "null", or stray quoted blanks.
// Every coercion function here is total — a value that cannot be parsed
// becomes absent (nil), never an error.
package normalize

import (
	"strconv"
	"strings"
	"time"
)

// dateFormats is the ordered list of layouts tried by Date. Legacy exports
// favour US-style month-first dates; ISO comes first because it is
// unambiguous.
var dateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"01-02-2006",
	"2006/01/02",
	"1/2/2006",
	"01/02/06",
}

// String trims whitespace and stray quote characters and converts blank or
// "null" tokens to absent.
func String(value string) *string {
	s := strings.TrimSpace(value)
	s = strings.Trim(s, `"`)
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	return &s
}

// Date parses a date trying each known layout in order. Returns nil when no
// layout matches.
func Date(value string) *time.Time {
	s := String(value)
	if s == nil {
		return nil
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

// Int parses an integer, tolerating decimal-formatted integers such as
// "3.0" that FileMaker number fields produce.
func Int(value string) *int {
	s := String(value)
	if s == nil {
		return nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil
	}
	n := int(f)
	return &n
}

// Float parses a floating point value.
func Float(value string) *float64 {
	s := String(value)
	if s == nil {
		return nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// Amount parses a financial figure from report exports. Blank cells and the
// "-" / "?" placeholder tokens become zero, thousands separators are
// stripped, and accounting-style parenthesized values are negative.
func Amount(value string) float64 {
	s := strings.TrimSpace(value)
	if s == "" || s == "-" || s == "?" {
		return 0
	}
	s = strings.ReplaceAll(s, ",", "")
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + s[1:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Count parses an integer report figure with Amount's placeholder rules.
func Count(value string) int {
	return int(Amount(value))
}
