package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Canonical flight column names, in output order. The retention list in
// configuration selects a subset of these; unknown names are rejected up
// front rather than silently ignored.
const (
	ColFlightDate      = "FlightDate"
	ColDayOfWeek       = "DayOfWeek"
	ColMonth           = "Month"
	ColCarrier         = "Reporting_Airline"
	ColOrigin          = "Origin"
	ColDest            = "Dest"
	ColCRSDepTime      = "CRSDepTime"
	ColCRSArrTime      = "CRSArrTime"
	ColDistance        = "Distance"
	ColAirTime         = "AirTime"
	ColDepDelayMinutes = "DepDelayMinutes"
	ColDepDel15        = "DepDel15"
)

// flightColumnOrder fixes the canonical ordering of normalized output.
var flightColumnOrder = []string{
	ColFlightDate, ColDayOfWeek, ColMonth, ColCarrier, ColOrigin, ColDest,
	ColCRSDepTime, ColCRSArrTime, ColDistance, ColAirTime,
	ColDepDelayMinutes, ColDepDel15,
}

// requiredFlightColumns are the join keys a row cannot be missing.
var requiredFlightColumns = []string{ColFlightDate, ColOrigin, ColDest}

// FlightRecord is one scheduled flight-day leg after normalization.
// Pointer fields are absent for cancelled or diverted flights; absence
// round-trips through CSV as an empty cell, never a fabricated zero.
type FlightRecord struct {
	FlightDate      time.Time
	DayOfWeek       int
	Month           int
	Carrier         string
	Origin          string
	Dest            string
	CRSDepTime      int // HHMM-encoded
	CRSArrTime      int // HHMM-encoded
	Distance        float64
	AirTime         *float64
	DepDelayMinutes *float64
	DepDel15        *int
}

// FlightSchema declares which canonical columns a normalization pass retains
// and whether the delay indicator is derived.
type FlightSchema struct {
	Keep                 []string
	DeriveDelayIndicator bool
}

// Validate rejects unknown column names and retention lists that omit the
// join keys the fusion stage depends on.
func (s FlightSchema) Validate() error {
	known := make(map[string]bool, len(flightColumnOrder))
	for _, c := range flightColumnOrder {
		known[c] = true
	}
	keep := make(map[string]bool, len(s.Keep))
	for _, c := range s.Keep {
		if !known[c] {
			return fmt.Errorf("unknown flight column %q", c)
		}
		keep[c] = true
	}
	for _, c := range requiredFlightColumns {
		if !keep[c] {
			return fmt.Errorf("flight retention list must include join key %q", c)
		}
	}
	if s.DeriveDelayIndicator && !keep[ColDepDelayMinutes] {
		return fmt.Errorf("deriving %s requires retaining %s", ColDepDel15, ColDepDelayMinutes)
	}
	return nil
}

// kept reports whether a canonical column is in the retention list. DepDel15
// is present exactly when the indicator is derived.
func (s FlightSchema) kept(col string) bool {
	if col == ColDepDel15 {
		return s.DeriveDelayIndicator
	}
	for _, c := range s.Keep {
		if c == col {
			return true
		}
	}
	return false
}

// Header returns the normalized output header: canonical order restricted to
// the retained columns, with DepDel15 appended when derived.
func (s FlightSchema) Header() []string {
	out := make([]string, 0, len(s.Keep)+1)
	for _, c := range flightColumnOrder {
		if s.kept(c) {
			out = append(out, c)
		}
	}
	return out
}

// NormalizeFlights selects the retained columns from an extracted flight
// table, coerces types, derives the delay indicator, and excludes (with a
// count) rows that are missing join keys or fail coercion.
//
// The source header must contain every retained column except DepDel15,
// which is always derived rather than trusted from source data.
func NormalizeFlights(header []string, rows [][]string, schema FlightSchema) ([]FlightRecord, SchemaStats, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, c := range schema.Keep {
		if c == ColDepDel15 {
			continue
		}
		if _, ok := idx[c]; !ok {
			return nil, SchemaStats{}, fmt.Errorf("flight source header missing column %q", c)
		}
	}

	var stats SchemaStats
	out := make([]FlightRecord, 0, len(rows))
	for _, row := range rows {
		stats.RowsRead++
		rec, ok := parseFlightRow(idx, row, schema)
		if !ok {
			stats.Violations++
			continue
		}
		stats.RowsKept++
		out = append(out, rec)
	}
	return out, stats, nil
}

func parseFlightRow(idx map[string]int, row []string, schema FlightSchema) (FlightRecord, bool) {
	field := func(col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}

	var rec FlightRecord
	var ok bool

	// Join keys first: their absence excludes the row outright.
	dateStr, _ := field(ColFlightDate)
	if rec.FlightDate, ok = parseFlightDate(dateStr); !ok {
		return FlightRecord{}, false
	}
	if rec.Origin, _ = field(ColOrigin); rec.Origin == "" {
		return FlightRecord{}, false
	}
	if rec.Dest, _ = field(ColDest); rec.Dest == "" {
		return FlightRecord{}, false
	}

	if schema.kept(ColDayOfWeek) {
		s, _ := field(ColDayOfWeek)
		if rec.DayOfWeek, ok = parseIntField(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.kept(ColMonth) {
		s, _ := field(ColMonth)
		if rec.Month, ok = parseIntField(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.kept(ColCarrier) {
		rec.Carrier, _ = field(ColCarrier)
	}
	if schema.kept(ColCRSDepTime) {
		s, _ := field(ColCRSDepTime)
		if rec.CRSDepTime, ok = parseHHMM(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.kept(ColCRSArrTime) {
		s, _ := field(ColCRSArrTime)
		if rec.CRSArrTime, ok = parseHHMM(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.kept(ColDistance) {
		s, _ := field(ColDistance)
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return FlightRecord{}, false
		}
		rec.Distance = v
	}
	if schema.kept(ColAirTime) {
		s, _ := field(ColAirTime)
		if rec.AirTime, ok = parseOptionalFloat(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.kept(ColDepDelayMinutes) {
		s, _ := field(ColDepDelayMinutes)
		if rec.DepDelayMinutes, ok = parseOptionalFloat(s); !ok {
			return FlightRecord{}, false
		}
	}
	if schema.DeriveDelayIndicator {
		rec.DepDel15 = DelayIndicator(rec.DepDelayMinutes)
	}
	return rec, true
}

// DelayIndicator derives the binary "delayed >= 15 minutes" indicator from
// the continuous delay. A missing delay yields a missing indicator.
func DelayIndicator(delayMinutes *float64) *int {
	if delayMinutes == nil {
		return nil
	}
	v := 0
	if *delayMinutes >= 15 {
		v = 1
	}
	return &v
}

// Row serializes the retained columns in canonical order. Absent optional
// values become empty cells.
func (r FlightRecord) Row(schema FlightSchema) []string {
	out := make([]string, 0, len(schema.Keep)+1)
	for _, c := range flightColumnOrder {
		if !schema.kept(c) {
			continue
		}
		switch c {
		case ColFlightDate:
			out = append(out, r.FlightDate.Format(DateLayout))
		case ColDayOfWeek:
			out = append(out, strconv.Itoa(r.DayOfWeek))
		case ColMonth:
			out = append(out, strconv.Itoa(r.Month))
		case ColCarrier:
			out = append(out, r.Carrier)
		case ColOrigin:
			out = append(out, r.Origin)
		case ColDest:
			out = append(out, r.Dest)
		case ColCRSDepTime:
			out = append(out, strconv.Itoa(r.CRSDepTime))
		case ColCRSArrTime:
			out = append(out, strconv.Itoa(r.CRSArrTime))
		case ColDistance:
			out = append(out, formatFloat(r.Distance))
		case ColAirTime:
			out = append(out, formatOptionalFloat(r.AirTime))
		case ColDepDelayMinutes:
			out = append(out, formatOptionalFloat(r.DepDelayMinutes))
		case ColDepDel15:
			if r.DepDel15 == nil {
				out = append(out, "")
			} else {
				out = append(out, strconv.Itoa(*r.DepDel15))
			}
		}
	}
	return out
}

// ParseNormalizedFlight reads back a row previously written by Row, using
// the normalized file's own header. The fusion stage uses this to rehydrate
// join keys without re-running coercion checks.
func ParseNormalizedFlight(idx map[string]int, row []string) (FlightRecord, error) {
	rec := FlightRecord{}
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	date, ok := parseFlightDate(get(ColFlightDate))
	if !ok {
		return FlightRecord{}, fmt.Errorf("normalized flight row has invalid %s %q", ColFlightDate, get(ColFlightDate))
	}
	rec.FlightDate = date
	rec.Origin = get(ColOrigin)
	rec.Dest = get(ColDest)
	if rec.Origin == "" || rec.Dest == "" {
		return FlightRecord{}, fmt.Errorf("normalized flight row missing airport code")
	}
	rec.Carrier = get(ColCarrier)
	rec.DayOfWeek, _ = parseIntField(get(ColDayOfWeek))
	rec.Month, _ = parseIntField(get(ColMonth))
	rec.CRSDepTime, _ = parseIntField(get(ColCRSDepTime))
	rec.CRSArrTime, _ = parseIntField(get(ColCRSArrTime))
	if v, err := strconv.ParseFloat(get(ColDistance), 64); err == nil {
		rec.Distance = v
	}
	rec.AirTime, _ = parseOptionalFloat(get(ColAirTime))
	rec.DepDelayMinutes, _ = parseOptionalFloat(get(ColDepDelayMinutes))
	if s := get(ColDepDel15); s != "" {
		if v, ok := parseIntField(s); ok {
			rec.DepDel15 = &v
		}
	}
	return rec, nil
}

// DateLayout is the on-disk date format for all normalized artifacts.
const DateLayout = "2006-01-02"

// flightDateLayouts covers the encodings seen across source years.
var flightDateLayouts = []string{DateLayout, "2006-01-02 15:04:05", "1/2/2006"}

func parseFlightDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range flightDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// parseIntField parses an integer that may be encoded as a float ("7.0").
func parseIntField(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// parseHHMM validates a fixed-width HHMM time integer. 2400 is normalized
// to 0, matching the source convention for midnight.
func parseHHMM(s string) (int, bool) {
	v, ok := parseIntField(s)
	if !ok {
		return 0, false
	}
	if v == 2400 {
		v = 0
	}
	hh, mm := v/100, v%100
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return v, true
}

func parseOptionalFloat(s string) (*float64, bool) {
	if s == "" {
		return nil, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
