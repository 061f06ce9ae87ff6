package transformer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	fhir "github.com/drfirst/go-obsfhir/internal/fhir/r5"
	"github.com/drfirst/go-obsfhir/internal/form"
)

// DatePrefixPattern recognises strings that start with a calendar date.
const DatePrefixPattern = `^\d{4}-\d{2}-\d{2}`

var datePrefix = regexp.MustCompile(DatePrefixPattern)

// isoMillis is the ISO-8601 rendering used for every emitted timestamp.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// dateLayouts are tried in order once a string passes the date-prefix check.
// Layouts without an offset are read as UTC.
// Fractional seconds are accepted after the seconds field of any layout.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04-0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// applyValue sets at most one value[x] field on obs from the record's value.
// Dispatch is on the value's runtime kind; the concept datatype only matters
// for strings.
func applyValue(obs *fhir.Observation, v form.Value, datatype form.Datatype) {
	switch v.Kind() {
	case form.ValueNumber:
		if f := v.Number(); isFinite(f) {
			obs.ValueQuantity = &fhir.Quantity{Value: &f}
		}
	case form.ValueString:
		applyStringValue(obs, v.Text(), datatype)
	case form.ValueBoolean:
		b := v.Bool()
		obs.ValueBoolean = &b
	case form.ValueDate:
		if t := v.Date(); !t.IsZero() {
			obs.ValueDateTime = formatTimestamp(t)
		}
	case form.ValueCoded:
		c := v.Coded()
		obs.ValueCodeableConcept = &fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				Code:    c.Identifier,
				Display: firstNonEmpty(c.Display, c.DisplayString),
			}},
		}
	}
}

// stringRule handles a string value and reports whether it did. Rules run in
// order and the first one to report true wins.
type stringRule struct {
	name  string
	apply func(obs *fhir.Observation, raw, trimmed string, datatype form.Datatype) bool
}

// stringRules is the precedence for string values: blank, then date prefix,
// then numeric concept, then plain text. The date check runs before the
// numeric parse even for Numeric concepts.
var stringRules = []stringRule{
	{name: "blank", apply: applyBlank},
	{name: "date-prefix", apply: applyDateString},
	{name: "numeric-concept", apply: applyNumericString},
	{name: "text", apply: applyText},
}

func applyStringValue(obs *fhir.Observation, raw string, datatype form.Datatype) {
	trimmed := strings.TrimSpace(raw)

	if datatype == form.DatatypeComplex && trimmed != "" {
		obs.Extension = append(obs.Extension, complexDataExtension(raw))
		obs.ValueString = raw
		return
	}

	for _, rule := range stringRules {
		if rule.apply(obs, raw, trimmed, datatype) {
			return
		}
	}
}

func applyBlank(_ *fhir.Observation, _, trimmed string, _ form.Datatype) bool {
	return trimmed == ""
}

func applyDateString(obs *fhir.Observation, _, trimmed string, _ form.Datatype) bool {
	if !datePrefix.MatchString(trimmed) {
		return false
	}
	t, ok := parseTimestamp(trimmed)
	if !ok {
		return false
	}
	obs.ValueDateTime = formatTimestamp(t)
	return true
}

func applyNumericString(obs *fhir.Observation, _, trimmed string, datatype form.Datatype) bool {
	if datatype != form.DatatypeNumeric {
		return false
	}
	f, ok := parseLeadingFloat(trimmed)
	if !ok || !isFinite(f) {
		return false
	}
	obs.ValueQuantity = &fhir.Quantity{Value: &f}
	return true
}

// parseLeadingFloat reads the longest decimal number at the start of s, so
// "75.5 kg" gives 75.5. Hex, inf and nan forms are not numbers here.
func parseLeadingFloat(s string) (float64, bool) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for ; i < len(s) && isDigit(s[i]); i++ {
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for ; i < len(s) && isDigit(s[i]); i++ {
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}
	end := i

	// An exponent counts only when it has digits
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for ; k < len(s) && isDigit(s[k]); k++ {
		}
		if k > j {
			end = k
		}
	}

	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// applyText keeps the untrimmed string.
func applyText(obs *fhir.Observation, raw, _ string, _ form.Datatype) bool {
	obs.ValueString = raw
	return true
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
