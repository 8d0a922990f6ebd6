package domain

import (
	"math"
	"strconv"
	"strings"
)

// Site is a geolocated reference point: a weather station or an airport.
type Site struct {
	ID  string
	Lat float64
	Lon float64
}

// Resolution is the outcome of associating stations with airports.
type Resolution struct {
	// Mapping relates each resolvable station id to exactly one airport code.
	Mapping map[string]string
	// Unmapped counts stations with no airport inside the maximum distance.
	Unmapped int
	// Corrupt counts reference rows that failed coordinate parsing. Those
	// stations fail closed: they stay unmapped rather than joining on bad
	// coordinates.
	Corrupt int
}

// ParseSites coerces reference CSV rows of (id, lat, lon) into Sites,
// counting corrupt rows instead of failing the whole table. A leading
// header row is tolerated.
func ParseSites(rows [][]string) ([]Site, int) {
	corrupt := 0
	out := make([]Site, 0, len(rows))
	for i, row := range rows {
		if i == 0 && isSiteHeader(row) {
			continue
		}
		site, ok := parseSiteRow(row)
		if !ok {
			corrupt++
			continue
		}
		out = append(out, site)
	}
	return out, corrupt
}

func isSiteHeader(row []string) bool {
	if len(row) < 3 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	return err != nil
}

func parseSiteRow(row []string) (Site, bool) {
	if len(row) < 3 {
		return Site{}, false
	}
	id := strings.TrimSpace(row[0])
	if id == "" {
		return Site{}, false
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Site{}, false
	}
	return Site{ID: id, Lat: lat, Lon: lon}, true
}

// ResolveStations maps each station to its nearest airport within
// maxDistanceKM. Equidistant airports tie-break to the lexicographically
// smallest code, so the result is identical across runs and input-order
// permutations. Stations beyond the maximum distance are left unmapped.
func ResolveStations(stations, airports []Site, maxDistanceKM float64) Resolution {
	res := Resolution{Mapping: make(map[string]string, len(stations))}
	for _, st := range stations {
		best := ""
		bestDist := math.Inf(1)
		for _, ap := range airports {
			d := haversineKM(st.Lat, st.Lon, ap.Lat, ap.Lon)
			if d < bestDist || (d == bestDist && ap.ID < best) {
				best = ap.ID
				bestDist = d
			}
		}
		if best == "" || bestDist > maxDistanceKM {
			res.Unmapped++
			continue
		}
		res.Mapping[st.ID] = best
	}
	return res
}

const earthRadiusKM = 6371.0

// haversineKM is the great-circle distance between two WGS-84 coordinates.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
