package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/flight-weather-etl/internal/artifact"
	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
)

// Stage names, also the CLI invocation surface.
const (
	StageFlightExtract    = "flight-extract"
	StageWeatherFetch     = "weather-fetch"
	StageWeatherExtract   = "weather-extract"
	StageStationResolve   = "station-resolve"
	StageFlightNormalize  = "flight-normalize"
	StageWeatherNormalize = "weather-normalize"
	StageFuse             = "fuse"
)

// Fetcher retrieves one year's raw weather archive to a local path.
type Fetcher interface {
	FetchYear(ctx context.Context, year int, dst string) error
}

// FusedPublisher forwards fused records to an external sink. Optional.
type FusedPublisher interface {
	PublishBatch(ctx context.Context, records []domain.FusedRecord) error
}

// Deps carries everything the stage bodies need. Config is immutable; the
// same Deps value can build runners for plain, single-stage, and force runs.
type Deps struct {
	Config    *config.Config
	Fetcher   Fetcher
	Publisher FusedPublisher // nil disables publishing
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// BuildStages assembles the stage graph in dependency order.
func BuildStages(d Deps) []*Stage {
	return []*Stage{
		flightExtractStage(d),
		weatherFetchStage(d),
		weatherExtractStage(d),
		stationResolveStage(d),
		flightNormalizeStage(d),
		weatherNormalizeStage(d),
		fuseStage(d),
	}
}

// perYearPaths expands a per-year path function over the configured years.
func perYearPaths(years []int, f func(int) string) func() []string {
	return func() []string {
		out := make([]string, len(years))
		for i, y := range years {
			out[i] = f(y)
		}
		return out
	}
}

// flightExtractStage unpacks the raw flight archive into one CSV per year.
// Archive entries are matched to configured years by the year appearing in
// the entry name; a configured year with no matching entry is a per-year
// failure and fails the stage, since every downstream flight artifact
// depends on it.
func flightExtractStage(d Deps) *Stage {
	cfg := d.Config
	return &Stage{
		Name:    StageFlightExtract,
		Inputs:  func() []string { return []string{cfg.Paths.FlightArchive} },
		Outputs: perYearPaths(cfg.Years, cfg.Paths.ExtractedFlight),
		Run: func(ctx context.Context) (Result, error) {
			var res Result

			names, err := artifact.ExtractZip(cfg.Paths.FlightArchive, cfg.Paths.ExtractedFlightDir)
			if err != nil {
				return res, err
			}

			for _, year := range cfg.Years {
				src := ""
				for _, name := range names {
					if strings.Contains(name, strconv.Itoa(year)) {
						src = name
						break
					}
				}
				if src == "" {
					err := fmt.Errorf("archive has no entry for year %d", year)
					d.Logger.Error("flight extract failed for year", "year", year, "error", err)
					res.recordYearFailure(year, err)
					continue
				}

				dst := cfg.Paths.ExtractedFlight(year)
				srcPath := filepath.Join(cfg.Paths.ExtractedFlightDir, src)
				if srcPath != dst {
					if err := os.Rename(srcPath, dst); err != nil {
						res.recordYearFailure(year, fmt.Errorf("rename %s: %w", src, err))
						continue
					}
				}
				res.YearsSucceeded = append(res.YearsSucceeded, year)
			}

			if len(res.YearsFailed) > 0 {
				return res, fmt.Errorf("%d year(s) missing from flight archive", len(res.YearsFailed))
			}
			return res, nil
		},
	}
}

// weatherFetchStage downloads one raw archive per year. A year already on
// disk is not refetched, which is what makes a partially-failed fetch run
// resumable. Per-year failures are recorded and tolerated unless
// weather.strict_years escalates them.
func weatherFetchStage(d Deps) *Stage {
	cfg := d.Config
	return &Stage{
		Name:    StageWeatherFetch,
		Outputs: perYearPaths(cfg.Years, cfg.Paths.RawWeather),
		Run: func(ctx context.Context) (Result, error) {
			var mu sync.Mutex
			var res Result

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Workers)
			for _, year := range cfg.Years {
				g.Go(func() error {
					dst := cfg.Paths.RawWeather(year)
					if artifact.Exists(dst) {
						mu.Lock()
						res.YearsSkipped = append(res.YearsSkipped, year)
						mu.Unlock()
						return nil
					}
					if err := d.Fetcher.FetchYear(gctx, year, dst); err != nil {
						d.Logger.Warn("weather fetch failed for year", "year", year, "error", err)
						mu.Lock()
						res.recordYearFailure(year, err)
						mu.Unlock()
						if cfg.Weather.StrictYears {
							return &domain.YearError{Year: year, Err: err}
						}
						return nil
					}
					mu.Lock()
					res.YearsSucceeded = append(res.YearsSucceeded, year)
					mu.Unlock()
					return nil
				})
			}
			err := g.Wait()
			sortYears(&res)
			return res, err
		},
	}
}

// weatherExtractStage gunzips each fetched year. Years whose raw file is
// absent (a tolerated fetch failure) are skipped in tolerant mode and fail
// the stage in strict mode. The raw file is deleted after a successful
// extract when configured, never before.
func weatherExtractStage(d Deps) *Stage {
	cfg := d.Config
	return &Stage{
		Name: StageWeatherExtract,
		Deps: []string{StageWeatherFetch},
		Fingerprints: func() []string {
			return append(perYearPaths(cfg.Years, cfg.Paths.RawWeather)(),
				perYearPaths(cfg.Years, cfg.Paths.ExtractedWeather)()...)
		},
		Run: func(ctx context.Context) (Result, error) {
			var mu sync.Mutex
			var res Result

			g, _ := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Workers)
			for _, year := range cfg.Years {
				g.Go(func() error {
					src := cfg.Paths.RawWeather(year)
					dst := cfg.Paths.ExtractedWeather(year)
					if !artifact.Exists(src) {
						if artifact.Exists(dst) {
							// Raw was consumed by a previous run.
							mu.Lock()
							res.YearsSkipped = append(res.YearsSkipped, year)
							mu.Unlock()
							return nil
						}
						mu.Lock()
						res.recordYearFailure(year, domain.MissingInput(src))
						mu.Unlock()
						if cfg.Weather.StrictYears {
							return &domain.YearError{Year: year, Err: domain.MissingInput(src)}
						}
						d.Logger.Warn("skipping weather extract, raw file missing", "year", year, "path", src)
						return nil
					}
					if err := artifact.Gunzip(src, dst); err != nil {
						mu.Lock()
						res.recordYearFailure(year, err)
						mu.Unlock()
						return &domain.YearError{Year: year, Err: err}
					}
					if cfg.Weather.DeleteRaw {
						if err := os.Remove(src); err != nil {
							d.Logger.Warn("could not delete raw weather file", "path", src, "error", err)
						}
					}
					mu.Lock()
					res.YearsSucceeded = append(res.YearsSucceeded, year)
					mu.Unlock()
					return nil
				})
			}
			err := g.Wait()
			sortYears(&res)
			if err == nil && cfg.Weather.StrictYears && len(res.YearsFailed) > 0 {
				err = fmt.Errorf("%d year(s) failed extraction", len(res.YearsFailed))
			}
			return res, err
		},
	}
}

// stationResolveStage associates each weather station with its nearest
// airport and writes the mapping table the weather normalizer joins
// through. Corrupt reference rows are counted and fail closed as unmapped.
func stationResolveStage(d Deps) *Stage {
	cfg := d.Config
	return &Stage{
		Name:    StageStationResolve,
		Inputs:  func() []string { return []string{cfg.Paths.StationsFile, cfg.Paths.AirportsFile} },
		Outputs: func() []string { return []string{cfg.Paths.MappingFile} },
		Run: func(ctx context.Context) (Result, error) {
			var res Result

			stationRows, err := artifact.ReadRows(cfg.Paths.StationsFile)
			if err != nil {
				return res, err
			}
			airportRows, err := artifact.ReadRows(cfg.Paths.AirportsFile)
			if err != nil {
				return res, err
			}

			stations, corruptStations := domain.ParseSites(stationRows)
			airports, corruptAirports := domain.ParseSites(airportRows)
			res.Stats.RowsRead = len(stationRows) + len(airportRows)
			res.Stats.Violations = corruptStations + corruptAirports

			resolution := domain.ResolveStations(stations, airports, cfg.Stations.MaxDistanceKM)
			res.Stats.RowsKept = len(resolution.Mapping)

			ids := make([]string, 0, len(resolution.Mapping))
			for id := range resolution.Mapping {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			rows := make([][]string, len(ids))
			for i, id := range ids {
				rows[i] = []string{id, resolution.Mapping[id]}
			}
			if err := artifact.WriteTable(cfg.Paths.MappingFile, []string{"STATION", "AIRPORT"}, rows); err != nil {
				return res, err
			}

			d.Logger.Info("resolved stations",
				"mapped", len(resolution.Mapping),
				"unmapped", resolution.Unmapped,
				"corrupt_rows", res.Stats.Violations,
			)
			return res, nil
		},
	}
}

// flightNormalizeStage applies column retention, type coercion, and the
// delay-indicator derivation to each extracted year. A missing or
// unreadable year is fatal for the stage: the fusion join assumes
// contiguous flight coverage.
func flightNormalizeStage(d Deps) *Stage {
	cfg := d.Config
	schema := cfg.FlightSchema()
	return &Stage{
		Name: StageFlightNormalize,
		Deps: []string{StageFlightExtract},
		Fingerprints: func() []string {
			return append(perYearPaths(cfg.Years, cfg.Paths.ExtractedFlight)(),
				perYearPaths(cfg.Years, cfg.Paths.NormalizedFlightFile)()...)
		},
		Run: func(ctx context.Context) (Result, error) {
			var mu sync.Mutex
			var res Result

			g, _ := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Workers)
			for _, year := range cfg.Years {
				g.Go(func() error {
					src := cfg.Paths.ExtractedFlight(year)
					dst := cfg.Paths.NormalizedFlightFile(year)
					if !artifact.Exists(src) {
						if artifact.Exists(dst) {
							mu.Lock()
							res.YearsSkipped = append(res.YearsSkipped, year)
							mu.Unlock()
							return nil
						}
						mu.Lock()
						res.recordYearFailure(year, domain.MissingInput(src))
						mu.Unlock()
						return nil
					}

					header, rows, err := artifact.ReadTable(src)
					if err == nil {
						var recs []domain.FlightRecord
						var stats domain.SchemaStats
						recs, stats, err = domain.NormalizeFlights(header, rows, schema)
						if err == nil {
							out := make([][]string, len(recs))
							for i, rec := range recs {
								out[i] = rec.Row(schema)
							}
							err = artifact.WriteTable(dst, schema.Header(), out)
							mu.Lock()
							res.Stats.Add(stats)
							mu.Unlock()
						}
					}
					if err != nil {
						d.Logger.Error("flight normalize failed for year", "year", year, "error", err)
						mu.Lock()
						res.recordYearFailure(year, err)
						mu.Unlock()
						return nil
					}

					if cfg.Flight.DeleteExtracted {
						if err := os.Remove(src); err != nil {
							d.Logger.Warn("could not delete extracted flight file", "path", src, "error", err)
						}
					}
					mu.Lock()
					res.YearsSucceeded = append(res.YearsSucceeded, year)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return res, err
			}
			sortYears(&res)
			if len(res.YearsFailed) > 0 {
				return res, fmt.Errorf("%d year(s) failed flight normalization", len(res.YearsFailed))
			}
			return res, nil
		},
	}
}

// weatherNormalizeStage pivots each extracted year long-to-wide through the
// station-airport mapping. Missing years follow the same strict/tolerant
// policy as the extract stage.
func weatherNormalizeStage(d Deps) *Stage {
	cfg := d.Config
	schema := cfg.WeatherSchema()
	return &Stage{
		Name:   StageWeatherNormalize,
		Deps:   []string{StageWeatherExtract, StageStationResolve},
		Inputs: func() []string { return []string{cfg.Paths.MappingFile} },
		Fingerprints: func() []string {
			return append(perYearPaths(cfg.Years, cfg.Paths.ExtractedWeather)(),
				perYearPaths(cfg.Years, cfg.Paths.NormalizedWeatherFile)()...)
		},
		Run: func(ctx context.Context) (Result, error) {
			var res Result

			mapping, err := readMapping(cfg.Paths.MappingFile)
			if err != nil {
				return res, err
			}

			var mu sync.Mutex
			g, _ := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Workers)
			for _, year := range cfg.Years {
				g.Go(func() error {
					src := cfg.Paths.ExtractedWeather(year)
					dst := cfg.Paths.NormalizedWeatherFile(year)
					if !artifact.Exists(src) {
						if artifact.Exists(dst) {
							mu.Lock()
							res.YearsSkipped = append(res.YearsSkipped, year)
							mu.Unlock()
							return nil
						}
						mu.Lock()
						res.recordYearFailure(year, domain.MissingInput(src))
						mu.Unlock()
						if !cfg.Weather.StrictYears {
							d.Logger.Warn("skipping weather normalize, extracted file missing", "year", year)
						}
						return nil
					}

					rows, err := artifact.ReadRows(src)
					if err == nil {
						days, stats := domain.PivotObservations(rows, mapping, schema)
						out := make([][]string, len(days))
						for i, day := range days {
							out[i] = day.Row(schema)
						}
						err = artifact.WriteTable(dst, schema.Header(), out)
						mu.Lock()
						res.Stats.Add(stats)
						mu.Unlock()
						if stats.Collisions > 0 {
							d.Logger.Warn("duplicate observations coalesced",
								"year", year, "collisions", stats.Collisions)
						}
					}
					if err != nil {
						d.Logger.Error("weather normalize failed for year", "year", year, "error", err)
						mu.Lock()
						res.recordYearFailure(year, err)
						mu.Unlock()
						return nil
					}

					if cfg.Weather.DeleteExtracted {
						if err := os.Remove(src); err != nil {
							d.Logger.Warn("could not delete extracted weather file", "path", src, "error", err)
						}
					}
					mu.Lock()
					res.YearsSucceeded = append(res.YearsSucceeded, year)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return res, err
			}
			sortYears(&res)

			// A year that failed on anything other than a tolerated missing
			// input is always fatal; tolerated gaps only pass through when
			// not strict.
			for year, yearErr := range res.YearsFailed {
				if cfg.Weather.StrictYears || !isMissingInput(yearErr) {
					return res, fmt.Errorf("year %d: %w", year, yearErr)
				}
			}
			return res, nil
		},
	}
}

// fuseStage left-joins each year's flights to origin and destination
// weather, concatenates the years into the final table, verifies the row
// count, and only then deletes consumed intermediates per configuration.
func fuseStage(d Deps) *Stage {
	cfg := d.Config
	fs := cfg.FlightSchema()
	ws := cfg.WeatherSchema()
	return &Stage{
		Name: StageFuse,
		Deps: []string{StageFlightNormalize, StageWeatherNormalize},
		Fingerprints: func() []string {
			paths := perYearPaths(cfg.Years, cfg.Paths.NormalizedFlightFile)()
			paths = append(paths, perYearPaths(cfg.Years, cfg.Paths.NormalizedWeatherFile)()...)
			paths = append(paths, perYearPaths(cfg.Years, cfg.Paths.FusedFile)()...)
			paths = append(paths, cfg.Paths.FinalTable)
			return paths
		},
		Run: func(ctx context.Context) (Result, error) {
			var res Result
			var mu sync.Mutex
			rowCounts := make(map[int]int, len(cfg.Years))

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(cfg.Workers)
			for _, year := range cfg.Years {
				g.Go(func() error {
					count, stats, err := fuseYear(gctx, d, fs, ws, year)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						res.YearsSucceeded = append(res.YearsSucceeded, year)
						res.Stats.Add(stats)
						rowCounts[year] = count
						return nil
					case isMissingInput(err) && !cfg.Weather.StrictYears:
						d.Logger.Warn("skipping fusion, missing input for year", "year", year, "error", err)
						res.YearsSkipped = append(res.YearsSkipped, year)
						return nil
					default:
						res.recordYearFailure(year, err)
						return &domain.YearError{Year: year, Err: err}
					}
				})
			}
			if err := g.Wait(); err != nil {
				return res, err
			}
			sortYears(&res)

			if len(res.YearsSucceeded) == 0 {
				return res, fmt.Errorf("no year produced fused output")
			}

			total, err := concatFused(cfg, res.YearsSucceeded)
			if err != nil {
				return res, err
			}

			// Verify before any cleanup: the final table must hold exactly
			// the rows of its parts.
			want := 0
			for _, year := range res.YearsSucceeded {
				want += rowCounts[year]
			}
			got, err := artifact.CountDataRows(cfg.Paths.FinalTable)
			if err != nil {
				return res, err
			}
			if got != want || got != total {
				return res, fmt.Errorf("final table verify failed: %d rows on disk, %d written, want %d", got, total, want)
			}
			d.Logger.Info("final table written", "path", cfg.Paths.FinalTable, "rows", got, "years", len(res.YearsSucceeded))

			cleanupFused(d, res.YearsSucceeded)
			return res, nil
		},
	}
}

// fuseYear joins one year and writes its fused file. Returns the fused row
// count.
func fuseYear(ctx context.Context, d Deps, fs domain.FlightSchema, ws domain.WeatherSchema, year int) (int, domain.SchemaStats, error) {
	cfg := d.Config
	var stats domain.SchemaStats

	flightFile := cfg.Paths.NormalizedFlightFile(year)
	weatherFile := cfg.Paths.NormalizedWeatherFile(year)
	for _, p := range []string{flightFile, weatherFile} {
		if !artifact.Exists(p) {
			return 0, stats, domain.MissingInput(p)
		}
	}

	header, rows, err := artifact.ReadTable(flightFile)
	if err != nil {
		return 0, stats, err
	}
	idx := artifact.HeaderIndex(header)
	flights := make([]domain.FlightRecord, 0, len(rows))
	for _, row := range rows {
		stats.RowsRead++
		rec, err := domain.ParseNormalizedFlight(idx, row)
		if err != nil {
			stats.Violations++
			continue
		}
		flights = append(flights, rec)
	}

	wHeader, wRows, err := artifact.ReadTable(weatherFile)
	if err != nil {
		return 0, stats, err
	}
	wIdx := artifact.HeaderIndex(wHeader)
	weather := make(map[domain.WeatherKey]domain.WeatherDay, len(wRows))
	for _, row := range wRows {
		day, err := domain.ParseNormalizedWeather(wIdx, row, ws)
		if err != nil {
			stats.Violations++
			continue
		}
		weather[domain.KeyFor(day.Airport, day.Date)] = day
	}

	fused := domain.FuseFlights(flights, weather)
	out := make([][]string, len(fused))
	for i, rec := range fused {
		out[i] = rec.Row(fs, ws)
	}
	if err := artifact.WriteTable(cfg.Paths.FusedFile(year), domain.FusedHeader(fs, ws), out); err != nil {
		return 0, stats, err
	}
	stats.RowsKept += len(fused)

	if d.Publisher != nil {
		if err := d.Publisher.PublishBatch(ctx, fused); err != nil {
			return 0, stats, fmt.Errorf("publish year %d: %w", year, err)
		}
	}
	return len(fused), stats, nil
}

// concatFused streams the per-year fused files into the final table in
// configured year order. Each per-year file is already date-sorted, so year
// order is the primary and flight date the stable secondary sort key.
func concatFused(cfg *config.Config, years []int) (int, error) {
	ordered := make([]int, 0, len(years))
	for _, y := range cfg.Years {
		for _, ok := range years {
			if y == ok {
				ordered = append(ordered, y)
			}
		}
	}

	total := 0
	err := artifact.WriteAtomic(cfg.Paths.FinalTable, func(w io.Writer) error {
		wroteHeader := false
		for _, year := range ordered {
			rows, err := artifact.ReadRows(cfg.Paths.FusedFile(year))
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("fused file for %d is empty", year)
			}
			if !wroteHeader {
				if err := writeCSVRows(w, rows[:1]); err != nil {
					return err
				}
				wroteHeader = true
			}
			if err := writeCSVRows(w, rows[1:]); err != nil {
				return err
			}
			total += len(rows) - 1
		}
		return nil
	})
	return total, err
}

// cleanupFused deletes consumed intermediates strictly after the verified
// final write. Only the fusion stage deletes normalized inputs; nothing
// else ever removes another stage's outputs.
func cleanupFused(d Deps, years []int) {
	cfg := d.Config
	remove := func(path string) {
		if err := os.Remove(path); err != nil {
			d.Logger.Warn("could not delete intermediate", "path", path, "error", err)
		}
	}
	for _, year := range years {
		if cfg.Fusion.DeleteNormalized {
			remove(cfg.Paths.NormalizedFlightFile(year))
			remove(cfg.Paths.NormalizedWeatherFile(year))
		}
		if cfg.Fusion.DeleteFused {
			remove(cfg.Paths.FusedFile(year))
		}
	}
}

func readMapping(path string) (map[string]string, error) {
	header, rows, err := artifact.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("mapping table %s has no airport column", path)
	}
	mapping := make(map[string]string, len(rows))
	for _, row := range rows {
		if len(row) < 2 || row[0] == "" || row[1] == "" {
			continue
		}
		mapping[row[0]] = row[1]
	}
	return mapping, nil
}

func isMissingInput(err error) bool {
	return errors.Is(err, domain.ErrMissingInput)
}

func writeCSVRows(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func sortYears(res *Result) {
	sort.Ints(res.YearsSucceeded)
	sort.Ints(res.YearsSkipped)
}
