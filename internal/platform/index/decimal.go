package index

import (
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// DecimalRange parses a FHIR decimal string and derives its implicit
// precision range. In FHIR search a value like "100" stands for
// the half-open range [99.5, 100.5): half a unit of the last significant
// digit on either side.
func DecimalRange(s string) (value, low, high *apd.Decimal, err error) {
	value, _, err = apd.NewFromString(s)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}

	// Half a unit in the place of the last significant digit.
	half := apd.New(5, value.Exponent-1)

	low = new(apd.Decimal)
	high = new(apd.Decimal)
	ctx := apd.BaseContext.WithPrecision(34)
	if _, err := ctx.Sub(low, value, half); err != nil {
		return nil, nil, nil, fmt.Errorf("derive low bound for %q: %w", s, err)
	}
	if _, err := ctx.Add(high, value, half); err != nil {
		return nil, nil, nil, fmt.Errorf("derive high bound for %q: %w", s, err)
	}
	return value, low, high, nil
}

// ParseDateRange expands a (possibly partial) FHIR date/dateTime value into
// the half-open UTC instant range it denotes: "2020" covers the whole year,
// "2020-03" the whole month, and a fully specified instant a single
// microsecond-resolution point.
func ParseDateRange(s string) (start, end time.Time, err error) {
	type form struct {
		layout string
		step   func(time.Time) time.Time
	}
	forms := []form{
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Microsecond) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, f := range forms {
		t, perr := time.Parse(f.layout, s)
		if perr != nil {
			continue
		}
		t = t.UTC()
		return t, f.step(t).UTC(), nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("unable to parse date value %q", s)
}
