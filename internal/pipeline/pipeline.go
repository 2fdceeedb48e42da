package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/fetch"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
)

var (
	// ErrAborted is returned when a provider rejected the run's credentials.
	ErrAborted = errors.New("run aborted")
	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("a run is already in progress")
)

// Collector fetches canonical records of one kind for a city and date range.
type Collector[R domain.CanonicalRecord] interface {
	Name() string
	Collect(ctx context.Context, city domain.CityKey, dr domain.DateRange) (domain.Collection[R], error)
}

// Loader persists a finished run.
type Loader interface {
	Name() string
	Load(ctx context.Context, res *RunResult) error
}

// Config tunes a Pipeline.
type Config struct {
	CityConcurrency int
	JoinPolicy      JoinPolicy
	// LoadAttempts bounds retries of a failing loader.
	LoadAttempts int
}

// Pipeline orchestrates the collect-merge-audit-load run.
type Pipeline struct {
	weather Collector[domain.WeatherRecord]
	energy  Collector[domain.EnergyRecord]
	auditor *Auditor
	loaders []Loader
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	running atomic.Bool
	ready   atomic.Bool
	last    atomic.Pointer[RunResult]
}

// New creates a Pipeline with the given collectors, auditor and loaders.
func New(
	weather Collector[domain.WeatherRecord],
	energy Collector[domain.EnergyRecord],
	auditor *Auditor,
	loaders []Loader,
	cfg Config,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Pipeline {
	if cfg.CityConcurrency < 1 {
		cfg.CityConcurrency = 1
	}
	if cfg.JoinPolicy == "" {
		cfg.JoinPolicy = JoinOuter
	}
	if cfg.LoadAttempts < 1 {
		cfg.LoadAttempts = 1
	}
	return &Pipeline{
		weather: weather,
		energy:  energy,
		auditor: auditor,
		loaders: loaders,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a run has completed, or an error describing
// why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no collection run has completed yet")
	}
	return nil
}

// LastResult returns the most recent finished run, or nil.
func (p *Pipeline) LastResult() *RunResult {
	return p.last.Load()
}

// cityState is owned by exactly one goroutine per phase.
type cityState struct {
	city    domain.CityKey
	weather domain.Collection[domain.WeatherRecord]
	energy  domain.Collection[domain.EnergyRecord]
	status  CityStatus
	err     error
}

// Run collects every city over dr, merges and audits the result, and hands
// it to the loaders. It returns an error wrapping ErrAborted when a provider
// rejects its credentials; all other failures are reported in the result.
func (p *Pipeline) Run(ctx context.Context, cities []domain.CityKey, dr domain.DateRange) (*RunResult, error) {
	if err := dr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid date range: %w", err)
	}
	if len(cities) == 0 {
		return nil, errors.New("no cities configured")
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	clock := domain.Clock()
	res := &RunResult{
		RunID:     uuid.NewString(),
		DateRange: dr,
		StartedAt: clock.Now().UTC(),
	}
	res.advance(StageInit)
	logger := p.logger.With("run_id", res.RunID)
	logger.Info("run started", "cities", len(cities), "range", dr.Label(), "join", p.cfg.JoinPolicy)

	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	start := clock.Now()

	states := make([]cityState, len(cities))
	for i, c := range cities {
		states[i] = cityState{city: c, status: CitySucceeded}
	}

	res.advance(StageFetchWeather)
	if err := collectAll(ctx, p.cfg.CityConcurrency, p.weather, dr, states,
		func(s *cityState, c domain.Collection[domain.WeatherRecord]) { s.weather = c }); err != nil {
		return p.abort(res, states, logger, p.weather.Name(), err)
	}

	res.advance(StageFetchEnergy)
	if err := collectAll(ctx, p.cfg.CityConcurrency, p.energy, dr, states,
		func(s *cityState, c domain.Collection[domain.EnergyRecord]) { s.energy = c }); err != nil {
		return p.abort(res, states, logger, p.energy.Name(), err)
	}

	res.advance(StageMerge)
	var weather []domain.WeatherRecord
	var energy []domain.EnergyRecord
	order := make([]string, 0, len(states))
	degraded := false
	cancelled := 0
	for _, s := range states {
		cr := CityResult{City: s.city.Name, Status: s.status}
		if s.err != nil {
			cr.Error = s.err.Error()
		}
		order = append(order, s.city.Name)
		if s.status == CitySucceeded || s.status == CityPartial {
			cr.WeatherRecords = len(s.weather.Records)
			cr.EnergyRecords = len(s.energy.Records)
			cr.Omitted = append(append(cr.Omitted, s.weather.Omitted...), s.energy.Omitted...)
			if len(cr.Omitted) > 0 {
				cr.Status = CityPartial
			}
			weather = append(weather, s.weather.Records...)
			energy = append(energy, s.energy.Records...)
			res.RawWeather = append(res.RawWeather, s.weather.Raw...)
			res.RawEnergy = append(res.RawEnergy, s.energy.Raw...)
			res.Omitted = append(res.Omitted, cr.Omitted...)
		}
		if cr.Status != CitySucceeded {
			degraded = true
		}
		p.metrics.CityOutcomes.WithLabelValues(string(cr.Status)).Inc()
		if cr.Status == CityCancelled {
			cancelled++
		}
		if cr.Status == CityFailed || cr.Status == CityCancelled {
			logger.Warn("city excluded", "city", cr.City, "status", cr.Status, "error", cr.Error)
		}
		res.Cities = append(res.Cities, cr)
	}
	res.Weather = weather
	res.Energy = energy
	res.Merged = Merge(weather, energy, order, p.cfg.JoinPolicy)

	res.advance(StageAudit)
	res.Report = p.auditor.Audit(res.Merged)

	if degraded {
		res.advance(StagePartial)
	} else {
		res.advance(StageDone)
	}
	res.FinishedAt = clock.Now().UTC()

	// A cancelled run must not replace what earlier runs persisted.
	interrupted := ctx.Err() != nil || cancelled == len(states)
	if interrupted {
		res.Error = "run cancelled before load"
		if err := ctx.Err(); err != nil {
			res.Error = fmt.Sprintf("run cancelled before load: %v", err)
		}
		logger.Warn("run cancelled, loaders skipped", "cancelled_cities", cancelled)
	} else {
		p.load(ctx, res, logger)
	}

	p.metrics.Runs.WithLabelValues(string(res.Status)).Inc()
	p.metrics.RunDuration.Observe(clock.Since(start).Seconds())
	p.metrics.MergedRows.Set(float64(res.Report.RowCount))
	p.metrics.FlaggedRows.Set(float64(res.Report.FlaggedRows))
	p.metrics.OutlierRows.Set(float64(res.Report.Outliers.Total()))

	p.last.Store(res)
	if !interrupted {
		p.ready.Store(true)
	}

	logger.Info("run finished",
		"status", res.Status,
		"rows", res.Report.RowCount,
		"flagged_rows", res.Report.FlaggedRows,
		"omitted_windows", len(res.Omitted),
		"load_errors", len(res.LoadErrors),
		"duration", res.FinishedAt.Sub(res.StartedAt),
	)
	return res, nil
}

// abort ends the run after a credential rejection. Cities that did not fail
// on their own are reported cancelled. Nothing from the run is loaded.
func (p *Pipeline) abort(res *RunResult, states []cityState, logger *slog.Logger, source string, err error) (*RunResult, error) {
	res.advance(StageAborted)
	res.Error = fmt.Sprintf("%s rejected credentials: %v", source, err)
	for _, s := range states {
		cr := CityResult{
			City:           s.city.Name,
			Status:         s.status,
			WeatherRecords: len(s.weather.Records),
			EnergyRecords:  len(s.energy.Records),
		}
		if s.err != nil {
			cr.Error = s.err.Error()
		}
		if cr.Status != CityFailed {
			cr.Status = CityCancelled
			if cr.Error == "" {
				cr.Error = "run aborted: " + source + " rejected credentials"
			}
		}
		p.metrics.CityOutcomes.WithLabelValues(string(cr.Status)).Inc()
		res.Cities = append(res.Cities, cr)
	}
	res.FinishedAt = domain.Clock().Now().UTC()
	p.metrics.Runs.WithLabelValues(string(StageAborted)).Inc()
	p.last.Store(res)
	logger.Error("run aborted", "source", source, "error", err)
	return res, fmt.Errorf("%w: %s rejected credentials: %w", ErrAborted, source, err)
}

// collectAll runs src for every still-eligible city, at most limit at a time.
// Each goroutine writes only its own slot. It returns the first credential
// rejection, which cancels the remaining collections.
func collectAll[R domain.CanonicalRecord](
	ctx context.Context,
	limit int,
	src Collector[R],
	dr domain.DateRange,
	states []cityState,
	store func(*cityState, domain.Collection[R]),
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range states {
		s := &states[i]
		if s.status == CityFailed || s.status == CityCancelled {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				s.status = CityCancelled
				s.err = gctx.Err()
				return nil
			}
			coll, err := src.Collect(gctx, s.city, dr)
			switch {
			case err == nil:
				store(s, coll)
			case errors.Is(err, fetch.ErrUnauthorized):
				s.status = CityFailed
				s.err = err
				return err
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				s.status = CityCancelled
				s.err = err
			default:
				s.status = CityFailed
				s.err = fmt.Errorf("%s: %w", src.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// load hands the run to every loader, retrying each with backoff.
// Failures are recorded and never abort the run.
func (p *Pipeline) load(ctx context.Context, res *RunResult, logger *slog.Logger) {
	for _, l := range p.loaders {
		if err := p.loadWithRetry(ctx, l, res); err != nil {
			logger.Error("load failed", "loader", l.Name(), "error", err)
			p.metrics.SinkWrites.WithLabelValues(l.Name(), "error").Inc()
			res.LoadErrors = append(res.LoadErrors, LoadError{Loader: l.Name(), Error: err.Error()})
			continue
		}
		p.metrics.SinkWrites.WithLabelValues(l.Name(), "success").Inc()
		logger.Info("run loaded", "loader", l.Name())
	}
}

func (p *Pipeline) loadWithRetry(ctx context.Context, l Loader, res *RunResult) error {
	clock := domain.Clock()
	backoff := 200 * time.Millisecond
	maxBackoff := 5 * time.Second

	var err error
	for attempt := 1; attempt <= p.cfg.LoadAttempts; attempt++ {
		if err = l.Load(ctx, res); err == nil {
			return nil
		}
		if attempt == p.cfg.LoadAttempts || ctx.Err() != nil {
			break
		}
		p.logger.Warn("load attempt failed, retrying", "loader", l.Name(), "attempt", attempt, "error", err)
		if !sleepWithContext(ctx, clock, backoff) {
			break
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
	return err
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
