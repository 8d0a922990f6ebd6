// Package config loads and validates the immutable pipeline configuration.
// One Config value is built at startup and passed explicitly through every
// stage invocation; nothing reads ambient global state, so force-mode reruns
// and tests can compose their own values freely.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// Duration wraps time.Duration with YAML decoding from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all pipeline settings.
type Config struct {
	Years   []int `yaml:"years"`
	Workers int   `yaml:"workers"`

	Paths    Paths          `yaml:"paths"`
	Flight   FlightConfig   `yaml:"flight"`
	Weather  WeatherConfig  `yaml:"weather"`
	Stations StationConfig  `yaml:"stations"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Kafka    KafkaConfig    `yaml:"kafka"`

	// HTTPAddr enables the health/metrics server when non-empty.
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Paths is the filesystem layout contract: one directory tier per stage,
// partitioned by year where applicable. Tiers default to subdirectories of
// DataDir when left empty.
type Paths struct {
	DataDir string `yaml:"data_dir"`

	FlightArchive      string `yaml:"flight_archive"`
	ExtractedFlightDir string `yaml:"extracted_flight_dir"`
	RawWeatherDir      string `yaml:"raw_weather_dir"`
	ExtractedWeatherD  string `yaml:"extracted_weather_dir"`
	NormalizedFlight   string `yaml:"normalized_flight_dir"`
	NormalizedWeather  string `yaml:"normalized_weather_dir"`
	FusedDir           string `yaml:"fused_dir"`
	FinalTable         string `yaml:"final_table"`
	StationsFile       string `yaml:"stations_file"`
	AirportsFile       string `yaml:"airports_file"`
	MappingFile        string `yaml:"mapping_file"`
	StateFile          string `yaml:"state_file"`
}

// FlightConfig controls flight normalization.
type FlightConfig struct {
	KeepColumns          []string `yaml:"keep_columns"`
	DeriveDelayIndicator bool     `yaml:"derive_delay_indicator"`
	DeleteExtracted      bool     `yaml:"delete_extracted"`
}

// WeatherConfig controls weather retrieval and normalization.
type WeatherConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Elements     []string `yaml:"elements"`
	ZeroFill     []string `yaml:"zero_fill"`
	FetchRetries int      `yaml:"fetch_retries"`
	FetchBackoff Duration `yaml:"fetch_backoff"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
	// StrictYears escalates a single year's fetch failure to a stage
	// failure instead of recording it and continuing with the other years.
	StrictYears     bool `yaml:"strict_years"`
	DeleteRaw       bool `yaml:"delete_raw"`
	DeleteExtracted bool `yaml:"delete_extracted"`
}

// StationConfig controls station-airport resolution.
type StationConfig struct {
	MaxDistanceKM float64 `yaml:"max_distance_km"`
}

// FusionConfig controls the final join and cleanup.
type FusionConfig struct {
	DeleteNormalized bool `yaml:"delete_normalized"`
	DeleteFused      bool `yaml:"delete_fused"`
}

// KafkaConfig feature-flags publishing fused records to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns the configuration baseline before file overrides.
func Default() *Config {
	return &Config{
		Workers: 4,
		Paths: Paths{
			DataDir: "data",
		},
		Flight: FlightConfig{
			KeepColumns: []string{
				domain.ColFlightDate, domain.ColDayOfWeek, domain.ColMonth,
				domain.ColCarrier, domain.ColOrigin, domain.ColDest,
				domain.ColCRSDepTime, domain.ColCRSArrTime, domain.ColDistance,
				domain.ColAirTime, domain.ColDepDelayMinutes,
			},
			DeriveDelayIndicator: true,
		},
		Weather: WeatherConfig{
			BaseURL:      "https://www.ncei.noaa.gov/pub/data/ghcn/daily/by_year/",
			Elements:     []string{"PRCP", "SNOW", "SNWD", "TMAX", "TMIN"},
			ZeroFill:     []string{"PRCP", "SNOW", "SNWD"},
			FetchRetries: 3,
			FetchBackoff: Duration(2 * time.Second),
			FetchTimeout: Duration(5 * time.Minute),
		},
		Stations: StationConfig{
			MaxDistanceKM: 30,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyPathDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyPathDefaults() {
	def := func(p *string, parts ...string) {
		if *p == "" {
			*p = filepath.Join(append([]string{c.Paths.DataDir}, parts...)...)
		}
	}
	def(&c.Paths.FlightArchive, "raw", "flights.zip")
	def(&c.Paths.ExtractedFlightDir, "extracted", "flight")
	def(&c.Paths.RawWeatherDir, "raw", "weather")
	def(&c.Paths.ExtractedWeatherD, "extracted", "weather")
	def(&c.Paths.NormalizedFlight, "processed", "flight")
	def(&c.Paths.NormalizedWeather, "processed", "weather")
	def(&c.Paths.FusedDir, "final", "by_year")
	def(&c.Paths.FinalTable, "final", "flights_weather.csv")
	def(&c.Paths.StationsFile, "reference", "stations.csv")
	def(&c.Paths.AirportsFile, "reference", "airports.csv")
	def(&c.Paths.MappingFile, "reference", "station_airport_map.csv")
	def(&c.Paths.StateFile, "pipeline_state.json")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if len(c.Years) == 0 {
		return errors.New("years is required")
	}
	seen := make(map[int]bool, len(c.Years))
	for _, y := range c.Years {
		if y < 1987 || y > 2100 {
			return fmt.Errorf("year %d out of range", y)
		}
		if seen[y] {
			return fmt.Errorf("year %d listed twice", y)
		}
		seen[y] = true
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if err := c.FlightSchema().Validate(); err != nil {
		return fmt.Errorf("flight: %w", err)
	}
	if err := c.WeatherSchema().Validate(); err != nil {
		return fmt.Errorf("weather: %w", err)
	}
	if c.Weather.BaseURL == "" {
		return errors.New("weather.base_url is required")
	}
	if c.Weather.FetchRetries < 0 {
		return errors.New("weather.fetch_retries must not be negative")
	}
	if c.Stations.MaxDistanceKM <= 0 {
		return errors.New("stations.max_distance_km must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.enabled is true but kafka.brokers is empty")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.enabled is true but kafka.topic is not set")
		}
	}
	return nil
}

// FlightSchema builds the domain schema from the retention settings.
func (c *Config) FlightSchema() domain.FlightSchema {
	return domain.FlightSchema{
		Keep:                 c.Flight.KeepColumns,
		DeriveDelayIndicator: c.Flight.DeriveDelayIndicator,
	}
}

// WeatherSchema builds the domain schema from the element settings.
func (c *Config) WeatherSchema() domain.WeatherSchema {
	return domain.WeatherSchema{
		Elements: c.Weather.Elements,
		ZeroFill: c.Weather.ZeroFill,
	}
}

// Per-year artifact paths. Keeping the naming in one place is what lets the
// orchestrator declare stage inputs and outputs without the stages agreeing
// on string formatting.

func (p Paths) RawWeather(year int) string {
	return filepath.Join(p.RawWeatherDir, fmt.Sprintf("%d.csv.gz", year))
}

func (p Paths) ExtractedWeather(year int) string {
	return filepath.Join(p.ExtractedWeatherD, fmt.Sprintf("extracted_noaa_%d.csv", year))
}

func (p Paths) ExtractedFlight(year int) string {
	return filepath.Join(p.ExtractedFlightDir, fmt.Sprintf("flights_%d.csv", year))
}

func (p Paths) NormalizedFlightFile(year int) string {
	return filepath.Join(p.NormalizedFlight, fmt.Sprintf("processed_flight_%d.csv", year))
}

func (p Paths) NormalizedWeatherFile(year int) string {
	return filepath.Join(p.NormalizedWeather, fmt.Sprintf("processed_noaa_%d.csv", year))
}

func (p Paths) FusedFile(year int) string {
	return filepath.Join(p.FusedDir, fmt.Sprintf("final_%d.csv", year))
}
