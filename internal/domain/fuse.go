package domain

import (
	"sort"
	"time"
)

// WeatherKey locates a weather day for the fusion join. The date is encoded
// as an ISO string so the struct is a comparable map key.
type WeatherKey struct {
	Airport string
	Date    string
}

// KeyFor builds the join key for an airport and flight date.
func KeyFor(airport string, date time.Time) WeatherKey {
	return WeatherKey{Airport: airport, Date: date.Format(DateLayout)}
}

// FusedRecord is a flight augmented with the weather day at its origin and
// destination airports. A nil map means no weather matched for that role;
// the flight is still retained, with empty weather cells.
type FusedRecord struct {
	Flight FlightRecord
	Origin map[string]*float64
	Dest   map[string]*float64
}

// FuseFlights left-joins flights to weather days on (origin, date) and
// (dest, date). Flights are the anchor entity: a missing weather match on
// either side never drops the row. Output is stably sorted by flight date,
// preserving input order within a date, so per-year fused files are
// reproducible.
func FuseFlights(flights []FlightRecord, weather map[WeatherKey]WeatherDay) []FusedRecord {
	out := make([]FusedRecord, 0, len(flights))
	for _, f := range flights {
		rec := FusedRecord{Flight: f}
		if day, ok := weather[KeyFor(f.Origin, f.FlightDate)]; ok {
			rec.Origin = day.Values
		}
		if day, ok := weather[KeyFor(f.Dest, f.FlightDate)]; ok {
			rec.Dest = day.Values
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Flight.FlightDate.Before(out[j].Flight.FlightDate)
	})
	return out
}

// FusedHeader is the final-table header: the retained flight columns
// followed by origin- then destination-prefixed weather element columns.
func FusedHeader(fs FlightSchema, ws WeatherSchema) []string {
	out := fs.Header()
	for _, el := range ws.Elements {
		out = append(out, "Origin_"+el)
	}
	for _, el := range ws.Elements {
		out = append(out, "Dest_"+el)
	}
	return out
}

// Row serializes a fused record under the given schemas. Unmatched weather
// roles serialize as empty cells across all their element columns.
func (r FusedRecord) Row(fs FlightSchema, ws WeatherSchema) []string {
	out := r.Flight.Row(fs)
	for _, el := range ws.Elements {
		out = append(out, formatOptionalFloat(r.Origin[el]))
	}
	for _, el := range ws.Elements {
		out = append(out, formatOptionalFloat(r.Dest[el]))
	}
	return out
}
