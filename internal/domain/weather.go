package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WeatherDay is one station-day after pivoting, keyed by the airport code
// the station resolved to. Values holds one entry per configured element;
// nil means unmeasured (unless the element is zero-filled, in which case
// absence was already replaced with 0).
type WeatherDay struct {
	Airport string
	Date    time.Time
	Values  map[string]*float64
}

// WeatherSchema declares the elements a normalization pass retains and the
// subset whose absence means "none occurred" rather than "unknown".
type WeatherSchema struct {
	Elements []string
	ZeroFill []string
}

// Validate rejects zero-fill entries that are not declared elements.
func (s WeatherSchema) Validate() error {
	if len(s.Elements) == 0 {
		return fmt.Errorf("weather schema declares no elements")
	}
	declared := make(map[string]bool, len(s.Elements))
	for _, el := range s.Elements {
		declared[el] = true
	}
	for _, el := range s.ZeroFill {
		if !declared[el] {
			return fmt.Errorf("zero-fill element %q is not a declared element", el)
		}
	}
	return nil
}

// Header returns the normalized weather header: airport, date, then the
// elements in configured order.
func (s WeatherSchema) Header() []string {
	out := make([]string, 0, len(s.Elements)+2)
	out = append(out, "STATION", "DATE")
	out = append(out, s.Elements...)
	return out
}

// weatherDayKey identifies a pivoted row. Stations are mapped to airports
// before pivoting, so two stations resolving to the same airport coalesce
// here exactly like duplicate raw rows do.
type weatherDayKey struct {
	airport string
	date    string
}

// PivotObservations turns long-form (station, date, element, value) rows
// into wide per-airport-day rows.
//
// Stations absent from the mapping and elements outside the schema are
// filtered, not counted as violations. Rows that are short or fail value or
// date coercion are excluded and counted. Duplicate (airport, date, element)
// cells keep the first occurrence in input order and increment the collision
// counter. Zero-fill elements get 0 where no observation exists.
//
// The result is sorted by airport then date so repeated runs over the same
// input produce byte-identical output.
func PivotObservations(rows [][]string, mapping map[string]string, schema WeatherSchema) ([]WeatherDay, SchemaStats) {
	var stats SchemaStats

	retained := make(map[string]bool, len(schema.Elements))
	for _, el := range schema.Elements {
		retained[el] = true
	}
	zero := make(map[string]bool, len(schema.ZeroFill))
	for _, el := range schema.ZeroFill {
		zero[el] = true
	}

	days := make(map[weatherDayKey]*WeatherDay)
	order := make([]weatherDayKey, 0)

	for i, row := range rows {
		if i == 0 && isObservationHeader(row) {
			continue
		}
		stats.RowsRead++

		obs, ok := parseObservationRow(row)
		if !ok {
			stats.Violations++
			continue
		}
		airport, mapped := mapping[obs.station]
		if !mapped || !retained[obs.element] {
			continue
		}
		stats.RowsKept++

		key := weatherDayKey{airport: airport, date: obs.date.Format(DateLayout)}
		day, exists := days[key]
		if !exists {
			day = &WeatherDay{Airport: airport, Date: obs.date, Values: make(map[string]*float64, len(schema.Elements))}
			days[key] = day
			order = append(order, key)
		}
		if _, taken := day.Values[obs.element]; taken {
			stats.Collisions++
			continue
		}
		v := obs.value
		day.Values[obs.element] = &v
	}

	out := make([]WeatherDay, 0, len(order))
	for _, key := range order {
		day := days[key]
		for _, el := range schema.ZeroFill {
			if day.Values[el] == nil {
				z := 0.0
				day.Values[el] = &z
			}
		}
		out = append(out, *day)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Airport != out[j].Airport {
			return out[i].Airport < out[j].Airport
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, stats
}

type observation struct {
	station string
	date    time.Time
	element string
	value   float64
}

// parseObservationRow coerces one GHCN-Daily by-year CSV row. Only the first
// four columns matter; by-year files append measurement and quality flags
// that the pipeline ignores.
func parseObservationRow(row []string) (observation, bool) {
	if len(row) < 4 {
		return observation{}, false
	}
	station := strings.TrimSpace(row[0])
	element := strings.TrimSpace(row[2])
	if station == "" || element == "" {
		return observation{}, false
	}
	date, ok := parseObservationDate(strings.TrimSpace(row[1]))
	if !ok {
		return observation{}, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
	if err != nil {
		return observation{}, false
	}
	return observation{station: station, date: date, element: element, value: value}, true
}

// parseObservationDate accepts the raw YYYYMMDD encoding and the pipeline's
// own ISO date, so re-reading normalized artifacts stays cheap.
func parseObservationDate(s string) (time.Time, bool) {
	for _, layout := range []string{"20060102", DateLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func isObservationHeader(row []string) bool {
	return len(row) >= 2 && strings.EqualFold(strings.TrimSpace(row[0]), "STATION")
}

// Row serializes a weather day under the schema's element order.
func (d WeatherDay) Row(schema WeatherSchema) []string {
	out := make([]string, 0, len(schema.Elements)+2)
	out = append(out, d.Airport, d.Date.Format(DateLayout))
	for _, el := range schema.Elements {
		out = append(out, formatOptionalFloat(d.Values[el]))
	}
	return out
}

// ParseNormalizedWeather reads back a row written by Row, using the
// normalized file's header to locate element columns.
func ParseNormalizedWeather(idx map[string]int, row []string, schema WeatherSchema) (WeatherDay, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	airport := get("STATION")
	if airport == "" {
		return WeatherDay{}, fmt.Errorf("normalized weather row missing station")
	}
	date, ok := parseObservationDate(get("DATE"))
	if !ok {
		return WeatherDay{}, fmt.Errorf("normalized weather row has invalid date %q", get("DATE"))
	}

	day := WeatherDay{Airport: airport, Date: date, Values: make(map[string]*float64, len(schema.Elements))}
	for _, el := range schema.Elements {
		v, ok := parseOptionalFloat(get(el))
		if !ok {
			return WeatherDay{}, fmt.Errorf("normalized weather row has invalid %s %q", el, get(el))
		}
		day.Values[el] = v
	}
	return day, nil
}
