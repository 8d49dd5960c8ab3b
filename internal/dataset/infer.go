package dataset

import (
	"strconv"
	"strings"
	"time"
)

// Tokens read as missing values, matching the default NA set of the engine's
// dataframe library.
var missingTokens = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"n/a":  {},
	"NaN":  {},
	"nan":  {},
	"-NaN": {},
	"null": {},
	"NULL": {},
	"None": {},
	"<NA>": {},
	"#N/A": {},
}

var dateLayouts = []string{
	time.RFC3339, "2006-01-02", "2006/01/02", "2006-01-02 15:04", "2006-01-02 15:04:05",
	"01/02/2006", "1/2/2006", "01-02-06", "1/2/2006 15:04", "1/2/2006 15:04:05",
}

func isMissing(s string) bool {
	_, ok := missingTokens[strings.TrimSpace(s)]
	return ok
}

// inferType picks the narrowest dtype that every non-missing value fits.
// Integers with gaps widen to float64; bools with gaps fall back to object.
// Dates are only recognised when parseDates is set, since plain CSV readers
// leave them as strings.
func inferType(values []string, parseDates bool) string {
	var present, ints, floats, bools, dates int
	missing := false
	for _, raw := range values {
		if isMissing(raw) {
			missing = true
			continue
		}
		v := strings.TrimSpace(raw)
		present++
		if _, err := strconv.ParseInt(v, 10, 64); err == nil {
			ints++
			floats++
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			floats++
			continue
		}
		switch v {
		case "True", "False", "TRUE", "FALSE", "true", "false":
			bools++
			continue
		}
		if parseDates && parseDate(v) {
			dates++
		}
	}

	switch {
	case present == 0:
		if len(values) == 0 {
			return TypeObject
		}
		return TypeFloat64
	case ints == present && !missing:
		return TypeInt64
	case floats == present:
		return TypeFloat64
	case bools == present && !missing:
		return TypeBool
	case dates == present:
		return TypeDatetime
	}
	return TypeObject
}

func parseDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
