// Command gendata writes a synthetic dataset shaped like the real inputs:
// a flight archive with one CSV per year, gzipped long-form weather
// observations per year, and the station and airport reference tables. The
// output is deterministic for a given seed, so test fixtures regenerate
// byte-identical.
//
// Usage:
//
//	go run ./cmd/gendata -out data -years 2019,2020 -flights 500
package main

import (
	"archive/zip"
	"compress/gzip"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type airport struct {
	code string
	lat  float64
	lon  float64
}

// A small network with enough spread that station resolution is non-trivial.
var airports = []airport{
	{"ATL", 33.6407, -84.4277},
	{"DEN", 39.8561, -104.6737},
	{"JFK", 40.6413, -73.7781},
	{"LAX", 33.9416, -118.4085},
	{"ORD", 41.9742, -87.9073},
	{"SEA", 47.4502, -122.3088},
}

var carriers = []string{"AA", "AS", "B6", "DL", "UA", "WN"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "data", "output data directory")
	yearsFlag := flag.String("years", "2019,2020", "comma-separated years to generate")
	flights := flag.Int("flights", 500, "flights per year")
	seed := flag.Int64("seed", 1, "random seed")
	flag.Parse()

	years, err := parseYears(*yearsFlag)
	if err != nil {
		flag.Usage()
		return err
	}

	rng := rand.New(rand.NewSource(*seed))

	if err := writeFlightArchive(filepath.Join(*out, "raw", "flights.zip"), years, *flights, rng); err != nil {
		return fmt.Errorf("writing flight archive: %w", err)
	}
	for _, year := range years {
		path := filepath.Join(*out, "raw", "weather", fmt.Sprintf("%d.csv.gz", year))
		if err := writeWeatherYear(path, year, rng); err != nil {
			return fmt.Errorf("writing weather %d: %w", year, err)
		}
	}
	if err := writeReferenceTables(filepath.Join(*out, "reference"), rng); err != nil {
		return fmt.Errorf("writing reference tables: %w", err)
	}

	log.Printf("wrote fixtures for %d year(s) under %s", len(years), *out)
	return nil
}

func parseYears(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	years := make([]int, 0, len(parts))
	for _, p := range parts {
		y, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", p)
		}
		years = append(years, y)
	}
	return years, nil
}

var flightHeader = []string{
	"FlightDate", "DayOfWeek", "Month", "Reporting_Airline", "Origin", "Dest",
	"CRSDepTime", "CRSArrTime", "Distance", "AirTime", "DepDelayMinutes",
}

func writeFlightArchive(path string, years []int, perYear int, rng *rand.Rand) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)

	for _, year := range years {
		w, err := zw.Create(fmt.Sprintf("flights_%d.csv", year))
		if err != nil {
			return err
		}
		cw := csv.NewWriter(w)
		if err := cw.Write(flightHeader); err != nil {
			return err
		}
		for i := 0; i < perYear; i++ {
			if err := cw.Write(randomFlight(year, rng)); err != nil {
				return err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return err
		}
		log.Printf("flights_%d.csv: %d rows", year, perYear)
	}

	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func randomFlight(year int, rng *rand.Rand) []string {
	date := randomDate(year, rng)
	origin := airports[rng.Intn(len(airports))]
	dest := airports[rng.Intn(len(airports))]
	for dest.code == origin.code {
		dest = airports[rng.Intn(len(airports))]
	}

	dep := rng.Intn(24)*100 + rng.Intn(60)
	arr := rng.Intn(24)*100 + rng.Intn(60)
	distance := 200 + rng.Intn(2500)

	airTime := fmt.Sprintf("%d", 30+rng.Intn(330))
	delay := fmt.Sprintf("%d", rng.Intn(90))
	if rng.Float64() < 0.02 {
		// Cancelled: no air time, no delay.
		airTime, delay = "", ""
	}

	return []string{
		date.Format("2006-01-02"),
		strconv.Itoa(int(date.Weekday()%7) + 1),
		strconv.Itoa(int(date.Month())),
		carriers[rng.Intn(len(carriers))],
		origin.code,
		dest.code,
		strconv.Itoa(dep),
		strconv.Itoa(arr),
		strconv.Itoa(distance),
		airTime,
		delay,
	}
}

func randomDate(year int, rng *rand.Rand) time.Time {
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	days := int(end.Sub(start).Hours() / 24)
	return start.AddDate(0, 0, rng.Intn(days))
}

// writeWeatherYear emits GHCN-Daily by-year rows for one station per
// airport: precipitation and snow on some days, temperature extremes on
// every day, in tenths of the native units like the real archive.
func writeWeatherYear(path string, year int, rng *rand.Rand) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	cw := csv.NewWriter(gz)

	rows := 0
	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		date := day.Format("20060102")
		for i := range airports {
			station := stationID(i)
			tmax := 150 + rng.Intn(200)
			obs := [][2]string{
				{"TMAX", strconv.Itoa(tmax)},
				{"TMIN", strconv.Itoa(tmax - 50 - rng.Intn(100))},
			}
			if rng.Float64() < 0.3 {
				obs = append(obs, [2]string{"PRCP", strconv.Itoa(rng.Intn(300))})
			}
			if rng.Float64() < 0.05 {
				obs = append(obs, [2]string{"SNOW", strconv.Itoa(rng.Intn(120))})
				obs = append(obs, [2]string{"SNWD", strconv.Itoa(rng.Intn(200))})
			}
			for _, o := range obs {
				if err := cw.Write([]string{station, date, o[0], o[1], "", "", "S", ""}); err != nil {
					return err
				}
				rows++
			}
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("%d.csv.gz: %d observations", year, rows)
	return nil
}

func stationID(i int) string {
	return fmt.Sprintf("USW%08d", i+1)
}

// writeReferenceTables places one station within a couple of kilometers of
// each airport, plus a handful of remote stations that should stay
// unmapped.
func writeReferenceTables(dir string, rng *rand.Rand) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	stations := [][]string{{"ID", "LATITUDE", "LONGITUDE"}}
	for i, ap := range airports {
		stations = append(stations, []string{
			stationID(i),
			fmt.Sprintf("%.4f", ap.lat+rng.Float64()*0.02-0.01),
			fmt.Sprintf("%.4f", ap.lon+rng.Float64()*0.02-0.01),
		})
	}
	for i := 0; i < 3; i++ {
		stations = append(stations, []string{
			stationID(len(airports) + i),
			fmt.Sprintf("%.4f", rng.Float64()*20-10),
			fmt.Sprintf("%.4f", rng.Float64()*40-20),
		})
	}
	if err := writeCSV(filepath.Join(dir, "stations.csv"), stations); err != nil {
		return err
	}

	rows := [][]string{{"IATA", "LATITUDE", "LONGITUDE"}}
	for _, ap := range airports {
		rows = append(rows, []string{ap.code, fmt.Sprintf("%.4f", ap.lat), fmt.Sprintf("%.4f", ap.lon)})
	}
	return writeCSV(filepath.Join(dir, "airports.csv"), rows)
}

func writeCSV(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return f.Close()
}
