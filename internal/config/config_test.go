package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "years: [2020, 2021]\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{2020, 2021}, cfg.Years)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, []string{"PRCP", "SNOW", "SNWD", "TMAX", "TMIN"}, cfg.Weather.Elements)
	assert.Equal(t, []string{"PRCP", "SNOW", "SNWD"}, cfg.Weather.ZeroFill)
	assert.Equal(t, 3, cfg.Weather.FetchRetries)
	assert.Equal(t, 2*time.Second, cfg.Weather.FetchBackoff.Std())
	assert.Equal(t, 30.0, cfg.Stations.MaxDistanceKM)
	assert.False(t, cfg.Weather.StrictYears)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Empty(t, cfg.HTTPAddr)

	// Path tiers derive from data_dir.
	assert.Equal(t, filepath.Join("data", "raw", "flights.zip"), cfg.Paths.FlightArchive)
	assert.Equal(t, filepath.Join("data", "processed", "weather"), cfg.Paths.NormalizedWeather)
	assert.Equal(t, filepath.Join("data", "final", "flights_weather.csv"), cfg.Paths.FinalTable)
	assert.Equal(t, filepath.Join("data", "raw", "weather", "2020.csv.gz"), cfg.Paths.RawWeather(2020))
	assert.Equal(t, filepath.Join("data", "final", "by_year", "final_2021.csv"), cfg.Paths.FusedFile(2021))
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
years: [2019]
workers: 2
log_level: debug
log_format: text
http_addr: ":9090"
paths:
  data_dir: /var/lib/etl
weather:
  base_url: http://mirror.example/ghcn/
  fetch_retries: 5
  fetch_backoff: 500ms
  strict_years: true
  delete_raw: true
flight:
  delete_extracted: true
fusion:
  delete_normalized: true
  delete_fused: true
stations:
  max_distance_km: 15
kafka:
  enabled: true
  brokers: ["broker1:9092"]
  topic: fused-flight-weather
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "http://mirror.example/ghcn/", cfg.Weather.BaseURL)
	assert.Equal(t, 5, cfg.Weather.FetchRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Weather.FetchBackoff.Std())
	assert.True(t, cfg.Weather.StrictYears)
	assert.True(t, cfg.Weather.DeleteRaw)
	assert.True(t, cfg.Flight.DeleteExtracted)
	assert.True(t, cfg.Fusion.DeleteNormalized)
	assert.Equal(t, 15.0, cfg.Stations.MaxDistanceKM)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, filepath.Join("/var/lib/etl", "raw", "weather"), cfg.Paths.RawWeatherDir)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing years", "workers: 2\n", "years is required"},
		{"duplicate year", "years: [2020, 2020]\n", "listed twice"},
		{"year out of range", "years: [1200]\n", "out of range"},
		{"zero workers", "years: [2020]\nworkers: 0\n", "workers"},
		{"unknown flight column", "years: [2020]\nflight:\n  keep_columns: [FlightDate, Origin, Dest, Bogus]\n", "Bogus"},
		{"zero-fill not declared", "years: [2020]\nweather:\n  elements: [PRCP]\n  zero_fill: [SNOW]\n", "zero-fill"},
		{"kafka without brokers", "years: [2020]\nkafka:\n  enabled: true\n  topic: t\n", "brokers"},
		{"kafka without topic", "years: [2020]\nkafka:\n  enabled: true\n  brokers: [b:9092]\n", "topic"},
		{"bad duration", "years: [2020]\nweather:\n  fetch_backoff: soon\n", "duration"},
		{"negative retries", "years: [2020]\nweather:\n  fetch_retries: -1\n", "fetch_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
