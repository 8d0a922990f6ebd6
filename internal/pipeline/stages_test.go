package pipeline

import (
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/flight-weather-etl/internal/artifact"
	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/couchcryptid/flight-weather-etl/internal/observability"
)

// stubFetcher serves canned gzip archives per year from memory.
type stubFetcher struct {
	archives map[int]string // year -> uncompressed CSV body
	failYear int
}

func (f *stubFetcher) FetchYear(ctx context.Context, year int, dst string) error {
	if year == f.failYear {
		return fmt.Errorf("server returned 503 for %d", year)
	}
	body, ok := f.archives[year]
	if !ok {
		return fmt.Errorf("no archive for %d", year)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := gz.Write([]byte(body)); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Close()
}

type capturePublisher struct {
	mu      sync.Mutex
	records []domain.FusedRecord
}

func (p *capturePublisher) PublishBatch(ctx context.Context, records []domain.FusedRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
	return nil
}

func writeTestConfig(t *testing.T, dir, extra string) *config.Config {
	t.Helper()
	body := fmt.Sprintf(`
years: [2019, 2020]
workers: 2
paths:
  data_dir: %s
%s`, dir, extra)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

const flightHeader = "FlightDate,DayOfWeek,Month,Reporting_Airline,Origin,Dest,CRSDepTime,CRSArrTime,Distance,AirTime,DepDelayMinutes"

var flightRows2019 = []string{
	"2019-01-03,4,1,AA,JFK,LAX,900,1215,2475,330,20",
	"2019-01-03,4,1,B6,LAX,JFK,800,1600,2475,,",
	"2019-01-04,5,1,AA,JFK,LAX,900,1215,2475,325,5",
}

var flightRows2020 = []string{
	"2020-02-01,6,2,DL,JFK,ATL,700,930,760,110,0",
}

func writeFlightArchive(t *testing.T, cfg *config.Config) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Paths.FlightArchive), 0o755))
	f, err := os.Create(cfg.Paths.FlightArchive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)

	add := func(name, header string, rows []string) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(header + "\n" + strings.Join(rows, "\n") + "\n"))
		require.NoError(t, err)
	}
	add("flights_2019.csv", flightHeader, flightRows2019)
	// Nested entry exercises archive flattening.
	add("archive/flights_2020.csv", flightHeader, flightRows2020)

	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func writeReferenceTables(t *testing.T, cfg *config.Config) {
	t.Helper()
	require.NoError(t, artifact.WriteTable(cfg.Paths.StationsFile,
		[]string{"ID", "LATITUDE", "LONGITUDE"},
		[][]string{
			{"USW00001", "40.6500", "-73.7800"},  // next to JFK
			{"USW00002", "33.9500", "-118.4000"}, // next to LAX
			{"USW00099", "0.0", "0.0"},           // middle of the Gulf of Guinea
		}))
	require.NoError(t, artifact.WriteTable(cfg.Paths.AirportsFile,
		[]string{"IATA", "LATITUDE", "LONGITUDE"},
		[][]string{
			{"JFK", "40.6413", "-73.7781"},
			{"LAX", "33.9416", "-118.4085"},
			{"ATL", "33.6407", "-84.4277"},
		}))
}

// weatherArchives returns GHCN-style long-form bodies. 2019 carries a
// duplicate PRCP cell for the JFK station to exercise first-wins collision
// handling.
func weatherArchives() map[int]string {
	return map[int]string{
		2019: strings.Join([]string{
			"USW00001,20190103,PRCP,25,,,S,",
			"USW00001,20190103,TMAX,100,,,S,",
			"USW00001,20190103,PRCP,99,,,S,",
			"USW00002,20190103,PRCP,0,,,S,",
			"USW00002,20190103,TMIN,-11,,,S,",
			"USW00099,20190103,PRCP,40,,,S,", // unmapped station, filtered
			"USW00001,20190103,TAVG,55,,,S,", // foreign element, filtered
		}, "\n") + "\n",
		2020: "USW00001,20200201,SNOW,50,,,S,\n",
	}
}

func buildTestRunner(t *testing.T, cfg *config.Config, deps Deps) *Runner {
	t.Helper()
	state, err := LoadState(cfg.Paths.StateFile)
	require.NoError(t, err)
	r, err := New(BuildStages(deps), state, testLogger(), observability.NewMetricsForTesting())
	require.NoError(t, err)
	return r
}

func setupPipeline(t *testing.T, extra string, fetcher Fetcher, pub FusedPublisher) (*config.Config, *Runner) {
	t.Helper()
	cfg := writeTestConfig(t, t.TempDir(), extra)
	writeFlightArchive(t, cfg)
	writeReferenceTables(t, cfg)
	if fetcher == nil {
		fetcher = &stubFetcher{archives: weatherArchives()}
	}
	r := buildTestRunner(t, cfg, Deps{
		Config:    cfg,
		Fetcher:   fetcher,
		Publisher: pub,
		Logger:    testLogger(),
		Metrics:   observability.NewMetricsForTesting(),
	})
	return cfg, r
}

func statusByName(report *Report) map[string]Status {
	out := make(map[string]Status, len(report.Stages))
	for _, sr := range report.Stages {
		out[sr.Name] = sr.Status
	}
	return out
}

func TestPipelineEndToEnd(t *testing.T) {
	cfg, r := setupPipeline(t, "", nil, nil)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))
	for _, sr := range report.Stages {
		assert.Equal(t, StatusSucceeded, sr.Status, sr.Name)
	}

	header, rows, err := artifact.ReadTable(cfg.Paths.FinalTable)
	require.NoError(t, err)
	assert.Equal(t, domain.FusedHeader(cfg.FlightSchema(), cfg.WeatherSchema()), header)
	require.Len(t, rows, 4)

	idx := artifact.HeaderIndex(header)
	first := rows[0]
	assert.Equal(t, "2019-01-03", first[idx["FlightDate"]])
	assert.Equal(t, "JFK", first[idx["Origin"]])
	assert.Equal(t, "LAX", first[idx["Dest"]])
	assert.Equal(t, "1", first[idx["DepDel15"]], "20 minute delay sets the indicator")

	// Origin weather: first-wins PRCP, zero-filled SNOW/SNWD, no TMIN.
	assert.Equal(t, "25", first[idx["Origin_PRCP"]])
	assert.Equal(t, "0", first[idx["Origin_SNOW"]])
	assert.Equal(t, "0", first[idx["Origin_SNWD"]])
	assert.Equal(t, "100", first[idx["Origin_TMAX"]])
	assert.Equal(t, "", first[idx["Origin_TMIN"]])
	assert.Equal(t, "0", first[idx["Dest_PRCP"]])
	assert.Equal(t, "-11", first[idx["Dest_TMIN"]])

	// Cancelled leg: absent delay means absent indicator, never zero.
	second := rows[1]
	assert.Equal(t, "LAX", second[idx["Origin"]])
	assert.Equal(t, "", second[idx["DepDelayMinutes"]])
	assert.Equal(t, "", second[idx["DepDel15"]])

	// No weather was observed on Jan 4, so the left join leaves the cells
	// empty while keeping the flight.
	third := rows[2]
	assert.Equal(t, "2019-01-04", third[idx["FlightDate"]])
	assert.Equal(t, "0", third[idx["DepDel15"]])
	assert.Equal(t, "", third[idx["Origin_PRCP"]])

	// 2020 follows 2019 in the concatenation.
	fourth := rows[3]
	assert.Equal(t, "2020-02-01", fourth[idx["FlightDate"]])
	assert.Equal(t, "50", fourth[idx["Origin_SNOW"]])
	assert.Equal(t, "", fourth[idx["Dest_PRCP"]], "ATL has no station inside the cutoff")

	// The duplicate PRCP cell surfaced as exactly one collision.
	for _, sr := range report.Stages {
		if sr.Name == StageWeatherNormalize {
			assert.Equal(t, 1, sr.Result.Stats.Collisions)
		}
	}
}

func TestPipelineSecondRunSkipsEverything(t *testing.T) {
	cfg, r := setupPipeline(t, "", nil, nil)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))
	firstRun, err := os.ReadFile(cfg.Paths.FinalTable)
	require.NoError(t, err)

	report = r.RunAll(context.Background(), false)
	for _, sr := range report.Stages {
		assert.Equal(t, StatusSkipped, sr.Status, sr.Name)
	}

	secondRun, err := os.ReadFile(cfg.Paths.FinalTable)
	require.NoError(t, err)
	assert.Equal(t, firstRun, secondRun, "skipped run must not touch the final table")
}

func TestPipelineToleratesMissingWeatherYear(t *testing.T) {
	fetcher := &stubFetcher{archives: weatherArchives(), failYear: 2020}
	cfg, r := setupPipeline(t, "", fetcher, nil)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))

	for _, sr := range report.Stages {
		assert.Equal(t, StatusSucceeded, sr.Status, sr.Name)
		switch sr.Name {
		case StageWeatherFetch, StageWeatherExtract, StageWeatherNormalize:
			assert.Contains(t, sr.Result.YearsFailed, 2020, sr.Name)
			assert.Equal(t, []int{2019}, sr.Result.YearsSucceeded, sr.Name)
		case StageFuse:
			assert.Equal(t, []int{2020}, sr.Result.YearsSkipped)
			assert.Equal(t, []int{2019}, sr.Result.YearsSucceeded)
		}
	}

	// Only 2019 reached the final table; the flight branch is unaffected.
	n, err := artifact.CountDataRows(cfg.Paths.FinalTable)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPipelineStrictYearsHaltsOnFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{archives: weatherArchives(), failYear: 2020}
	cfg, r := setupPipeline(t, "weather:\n  strict_years: true\n", fetcher, nil)

	report := r.RunAll(context.Background(), false)
	assert.True(t, report.Fatal())

	statuses := statusByName(report)
	assert.Equal(t, StatusFailed, statuses[StageWeatherFetch])
	assert.Equal(t, StatusPending, statuses[StageWeatherExtract])
	assert.Equal(t, StatusPending, statuses[StageWeatherNormalize])
	assert.Equal(t, StatusPending, statuses[StageFuse])
	// The flight branch shares no dependency with the failed one.
	assert.Equal(t, StatusSucceeded, statuses[StageFlightExtract])
	assert.Equal(t, StatusSucceeded, statuses[StageFlightNormalize])

	assert.False(t, artifact.Exists(cfg.Paths.FinalTable))
}

func TestPipelineMissingFlightYearIsFatal(t *testing.T) {
	cfg, r := setupPipeline(t, "", nil, nil)

	// Rebuild the archive with 2020 missing.
	require.NoError(t, os.Remove(cfg.Paths.FlightArchive))
	f, err := os.Create(cfg.Paths.FlightArchive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("flights_2019.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(flightHeader + "\n" + strings.Join(flightRows2019, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	report := r.RunAll(context.Background(), false)
	assert.True(t, report.Fatal())

	statuses := statusByName(report)
	assert.Equal(t, StatusFailed, statuses[StageFlightExtract])
	assert.Equal(t, StatusPending, statuses[StageFlightNormalize])
	assert.Equal(t, StatusPending, statuses[StageFuse])
	// Weather keeps flowing; only the flight branch and fusion halt.
	assert.Equal(t, StatusSucceeded, statuses[StageWeatherNormalize])
}

func TestFuseDeletesIntermediatesAfterVerify(t *testing.T) {
	cfg, r := setupPipeline(t, "fusion:\n  delete_normalized: true\n  delete_fused: true\n", nil, nil)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))

	n, err := artifact.CountDataRows(cfg.Paths.FinalTable)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for _, year := range cfg.Years {
		assert.False(t, artifact.Exists(cfg.Paths.NormalizedFlightFile(year)))
		assert.False(t, artifact.Exists(cfg.Paths.NormalizedWeatherFile(year)))
		assert.False(t, artifact.Exists(cfg.Paths.FusedFile(year)))
	}
}

func TestWeatherExtractDeletesRawAfterSuccess(t *testing.T) {
	cfg, r := setupPipeline(t, "weather:\n  delete_raw: true\n", nil, nil)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))

	for _, year := range cfg.Years {
		assert.False(t, artifact.Exists(cfg.Paths.RawWeather(year)), "raw %d", year)
		assert.True(t, artifact.Exists(cfg.Paths.ExtractedWeather(year)), "extracted %d", year)
	}
}

func TestPipelinePublishesFusedRecords(t *testing.T) {
	pub := &capturePublisher{}
	_, r := setupPipeline(t, "", nil, pub)

	report := r.RunAll(context.Background(), false)
	require.False(t, report.Fatal(), FormatReport(report))

	require.Len(t, pub.records, 4)
	dates := make(map[string]bool)
	for _, rec := range pub.records {
		dates[rec.Flight.FlightDate.Format(domain.DateLayout)] = true
	}
	assert.True(t, dates["2019-01-03"])
	assert.True(t, dates["2020-02-01"])
}

func TestRunOneFuseStageAlone(t *testing.T) {
	_, r := setupPipeline(t, "", nil, nil)
	full := r.RunAll(context.Background(), false)
	require.False(t, full.Fatal(), FormatReport(full))

	report, err := r.RunOne(context.Background(), StageFuse, true)
	require.NoError(t, err)
	require.Len(t, report.Stages, 1)
	assert.Equal(t, StatusSucceeded, report.Stages[0].Status)
}
