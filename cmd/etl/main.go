package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/energy-weather-etl/internal/adapter/eia"
	httpadapter "github.com/couchcryptid/energy-weather-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/energy-weather-etl/internal/adapter/kafka"
	"github.com/couchcryptid/energy-weather-etl/internal/adapter/noaa"
	"github.com/couchcryptid/energy-weather-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/energy-weather-etl/internal/adapter/storage"
	"github.com/couchcryptid/energy-weather-etl/internal/config"
	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/fetch"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
	"github.com/couchcryptid/energy-weather-etl/internal/scheduler"
)

const loadAttempts = 3

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	cities, err := config.LoadCities(cfg.CitiesFile)
	if err != nil {
		logger.Error("failed to load cities", "error", err)
		return 1
	}
	if _, err := cfg.Range(); err != nil {
		logger.Error("invalid date range", "error", err)
		return 1
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	policy := fetch.Policy{
		MaxAttempts: cfg.FetchMaxAttempts,
		BaseBackoff: cfg.FetchBaseBackoff,
		MaxBackoff:  cfg.FetchMaxBackoff,
	}
	newFetcher := func(provider string) *fetch.Fetcher {
		return fetch.New(fetch.Options{
			Provider:        provider,
			HTTPClient:      httpClient,
			MaxInFlight:     cfg.MaxInFlight,
			RatePerSecond:   cfg.RateLimitRPS,
			BreakerFailures: uint32(cfg.BreakerFailures), //nolint:gosec // validated non-negative
			BreakerTimeout:  cfg.BreakerOpenTimeout,
		}, logger, metrics)
	}

	weather := noaa.NewSource(newFetcher("noaa"), noaa.Config{
		BaseURL:    cfg.NOAABaseURL,
		Token:      cfg.NOAAToken,
		WindowDays: cfg.WeatherWindowDays,
		Policy:     policy,
	}, logger, metrics)
	energy := eia.NewSource(newFetcher("eia"), eia.Config{
		BaseURL:    cfg.EIABaseURL,
		APIKey:     cfg.EIAAPIKey,
		Frequency:  cfg.EIAFrequency,
		WindowDays: cfg.EnergyWindowDays,
		Policy:     policy,
	}, logger, metrics)

	auditor := pipeline.NewAuditor(pipeline.AuditConfig{
		TempMaxF:       cfg.TempMaxF,
		TempMinF:       cfg.TempMinF,
		StaleAfterDays: cfg.StaleAfterDays,
	}, nil)

	// Initialize sinks. Files are always written; SQLite and Kafka are
	// enabled by SQLITE_PATH and KAFKA_BROKERS.
	files, err := storage.NewFileSink(cfg.OutputDir, logger)
	if err != nil {
		logger.Error("failed to prepare output directory", "error", err)
		return 1
	}
	loaders := []pipeline.Loader{files}

	var (
		store   *sqlite.Store
		writer  *kafkaadapter.Writer
		history httpadapter.RunHistory
	)
	if cfg.SQLitePath != "" {
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite", "path", cfg.SQLitePath, "error", err)
			return 1
		}
		store = sqlite.NewStore(db, logger)
		loaders = append(loaders, store)
		history = store
		logger.Info("sqlite sink enabled", "path", cfg.SQLitePath)
	}
	if len(cfg.KafkaBrokers) > 0 {
		writer = kafkaadapter.NewWriter(cfg, logger, metrics)
		loaders = append(loaders, writer)
		logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	joinPolicy, err := pipeline.ParseJoinPolicy(cfg.JoinPolicy)
	if err != nil {
		logger.Error("invalid join policy", "error", err)
		return 1
	}
	p := pipeline.New(weather, energy, auditor, loaders, pipeline.Config{
		CityConcurrency: cfg.CityConcurrency,
		JoinPolicy:      joinPolicy,
		LoadAttempts:    loadAttempts,
	}, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, p, history, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	exitCode := 0
	if cfg.RunSchedule == "" {
		exitCode = runOnce(ctx, p, cfg, cities, logger)
	} else {
		sched := scheduler.New(p, cities, cfg.Range, logger)
		if err := sched.Start(ctx, cfg.RunSchedule); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			exitCode = 1
		} else {
			<-ctx.Done()
			sched.Stop()
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("sqlite close error", "error", err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return exitCode
}

// runOnce performs a single run and maps its outcome to an exit code.
// Aborted runs and invalid input exit 1; PARTIAL runs still exit 0.
func runOnce(ctx context.Context, p *pipeline.Pipeline, cfg *config.Config, cities []domain.CityKey, logger *slog.Logger) int {
	dr, err := cfg.Range()
	if err != nil {
		logger.Error("invalid date range", "error", err)
		return 1
	}
	res, err := p.Run(ctx, cities, dr)
	if err != nil {
		logger.Error("run failed", "range", dr.Label(), "error", err)
		return 1
	}
	if res.Status == pipeline.StagePartial {
		logger.Warn("run finished with gaps", "run_id", res.RunID, "range", dr.Label())
	}
	return 0
}
