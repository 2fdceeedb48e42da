// Package scheduler triggers pipeline runs on a fixed interval or cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, cities []domain.CityKey, dr domain.DateRange) (*pipeline.RunResult, error)
}

// RangeFunc resolves the date range at the start of each run.
type RangeFunc func() (domain.DateRange, error)

// Scheduler runs the pipeline for the configured cities on a schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	runner    Runner
	cities    []domain.CityKey
	dateRange RangeFunc
	logger    *slog.Logger
}

// New creates a Scheduler. It does not start any job until Start is called.
func New(runner Runner, cities []domain.CityKey, dateRange RangeFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		runner:    runner,
		cities:    cities,
		dateRange: dateRange,
		logger:    logger,
	}
}

// Start schedules the run job and starts the underlying scheduler. The
// schedule is either a Go duration ("24h") or a five-field cron expression. Interval
// jobs run once immediately. Runs never overlap.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		return errors.New("empty schedule")
	}

	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return fmt.Errorf("invalid schedule %q: interval must be positive", schedule)
		}
		s.scheduler.Every(d)
	} else {
		s.scheduler.Cron(schedule)
	}

	if _, err := s.scheduler.SingletonMode().Do(s.runOnce, ctx); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "schedule", schedule, "cities", len(s.cities))
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	dr, err := s.dateRange()
	if err != nil {
		s.logger.Error("scheduled run skipped", "error", err)
		return
	}

	s.logger.Info("scheduled run starting", "range", dr.Label())
	res, err := s.runner.Run(ctx, s.cities, dr)
	if err != nil {
		s.logger.Error("scheduled run failed", "range", dr.Label(), "error", err)
		return
	}
	s.logger.Info("scheduled run finished", "run_id", res.RunID, "status", res.Status)
}
