package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	NOAAToken    string
	NOAABaseURL  string
	EIAAPIKey    string
	EIABaseURL   string
	EIAFrequency string

	CitiesFile   string
	DateStart    string
	DateEnd      string
	LookbackDays int

	FetchMaxAttempts   int
	FetchBaseBackoff   time.Duration
	FetchMaxBackoff    time.Duration
	HTTPTimeout        time.Duration
	MaxInFlight        int
	RateLimitRPS       float64
	BreakerFailures    int
	BreakerOpenTimeout time.Duration

	CityConcurrency   int
	WeatherWindowDays int
	EnergyWindowDays  int
	JoinPolicy        string

	TempMaxF       float64
	TempMinF       float64
	StaleAfterDays int

	OutputDir    string
	SQLitePath   string
	KafkaBrokers []string
	KafkaTopic   string
	RunSchedule  string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
// A .env file in the working directory is read first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NOAAToken:    os.Getenv("NOAA_TOKEN"),
		NOAABaseURL:  sharedcfg.EnvOrDefault("NOAA_BASE_URL", "https://www.ncei.noaa.gov/cdo-web/api/v2/data"),
		EIAAPIKey:    os.Getenv("EIA_API_KEY"),
		EIABaseURL:   sharedcfg.EnvOrDefault("EIA_BASE_URL", "https://api.eia.gov/v2/electricity/rto/daily-region-data/data/"),
		EIAFrequency: sharedcfg.EnvOrDefault("EIA_FREQUENCY", "daily"),
		CitiesFile:   sharedcfg.EnvOrDefault("CITIES_FILE", "config/cities.yaml"),
		DateStart:    os.Getenv("DATE_START"),
		DateEnd:      os.Getenv("DATE_END"),
		JoinPolicy:   strings.ToLower(strings.TrimSpace(sharedcfg.EnvOrDefault("JOIN_POLICY", "outer"))),
		OutputDir:    sharedcfg.EnvOrDefault("OUTPUT_DIR", "data"),
		SQLitePath:   os.Getenv("SQLITE_PATH"),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "merged-energy-weather"),
		RunSchedule:  os.Getenv("RUN_SCHEDULE"),
		HTTPAddr:     sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:     sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:    sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),

		ShutdownTimeout: shutdownTimeout,
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	ints := []struct {
		name     string
		def      int
		minValue int
		dst      *int
	}{
		{"LOOKBACK_DAYS", 90, 1, &cfg.LookbackDays},
		{"FETCH_MAX_ATTEMPTS", 5, 1, &cfg.FetchMaxAttempts},
		{"MAX_IN_FLIGHT", 4, 1, &cfg.MaxInFlight},
		{"BREAKER_FAILURES", 10, 0, &cfg.BreakerFailures},
		{"CITY_CONCURRENCY", 4, 1, &cfg.CityConcurrency},
		{"WEATHER_WINDOW_DAYS", 365, 1, &cfg.WeatherWindowDays},
		{"ENERGY_WINDOW_DAYS", 180, 1, &cfg.EnergyWindowDays},
		{"STALE_AFTER_DAYS", 3, 0, &cfg.StaleAfterDays},
	}
	for _, v := range ints {
		if *v.dst, err = parseInt(v.name, v.def, v.minValue); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		def  string
		dst  *time.Duration
	}{
		{"FETCH_BASE_BACKOFF", "1s", &cfg.FetchBaseBackoff},
		{"FETCH_MAX_BACKOFF", "30s", &cfg.FetchMaxBackoff},
		{"HTTP_TIMEOUT", "30s", &cfg.HTTPTimeout},
		{"BREAKER_OPEN_TIMEOUT", "1m", &cfg.BreakerOpenTimeout},
	}
	for _, v := range durations {
		if *v.dst, err = parseDuration(v.name, v.def); err != nil {
			return nil, err
		}
	}

	floats := []struct {
		name string
		def  float64
		dst  *float64
	}{
		{"RATE_LIMIT_RPS", 5, &cfg.RateLimitRPS},
		{"TEMP_MAX_F", 131, &cfg.TempMaxF},
		{"TEMP_MIN_F", -49, &cfg.TempMinF},
	}
	for _, v := range floats {
		if *v.dst, err = parseFloat(v.name, v.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.NOAAToken == "" {
		return errors.New("NOAA_TOKEN is required")
	}
	if c.EIAAPIKey == "" {
		return errors.New("EIA_API_KEY is required")
	}
	if c.EIAFrequency != "daily" && c.EIAFrequency != "hourly" {
		return fmt.Errorf("invalid EIA_FREQUENCY %q: want daily or hourly", c.EIAFrequency)
	}
	if c.JoinPolicy != "outer" && c.JoinPolicy != "inner" {
		return fmt.Errorf("invalid JOIN_POLICY %q: want outer or inner", c.JoinPolicy)
	}
	if (c.DateStart == "") != (c.DateEnd == "") {
		return errors.New("DATE_START and DATE_END must be set together")
	}
	if c.FetchMaxBackoff < c.FetchBaseBackoff {
		return errors.New("FETCH_MAX_BACKOFF must not be less than FETCH_BASE_BACKOFF")
	}
	if c.TempMinF >= c.TempMaxF {
		return errors.New("TEMP_MIN_F must be less than TEMP_MAX_F")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_SINK_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

func parseInt(name string, def, minValue int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minValue {
		return 0, fmt.Errorf("invalid %s %q: want an integer >= %d", name, s, minValue)
	}
	return n, nil
}

func parseDuration(name, def string) (time.Duration, error) {
	s := sharedcfg.EnvOrDefault(name, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return d, nil
}

func parseFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return f, nil
}
