// Package eia collects electricity demand from the EIA Open Data v2 API.
package eia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/fetch"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
)

// SourceName labels energy omissions and metrics.
const SourceName = "energy"

const (
	// DefaultBaseURL serves daily demand per balancing authority.
	DefaultBaseURL = "https://api.eia.gov/v2/electricity/rto/daily-region-data/data/"
	// DefaultPageLength is the row cap EIA applies to JSON responses.
	DefaultPageLength = 5000
	// DefaultWindowDays keeps hourly windows well under the row cap per page set.
	DefaultWindowDays = 180

	FrequencyDaily  = "daily"
	FrequencyHourly = "hourly"

	apiKeyParam = "api_key"
	demandType  = "D"
)

// Config holds the EIA client settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Frequency  string
	PageLength int
	WindowDays int
	Policy     fetch.Policy
}

// Fetcher is the subset of fetch.Fetcher the source needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, policy fetch.Policy) fetch.Result
}

// Source implements the pipeline's energy collector.
type Source struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSource creates an EIA energy source.
func NewSource(f Fetcher, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Frequency == "" {
		cfg.Frequency = FrequencyDaily
	}
	if cfg.PageLength <= 0 {
		cfg.PageLength = DefaultPageLength
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	return &Source{
		fetcher: f,
		cfg:     cfg,
		logger:  logger.With("source", SourceName),
		metrics: metrics,
	}
}

// Name returns the source label.
func (s *Source) Name() string { return SourceName }

// Collect fetches demand for the city's balancing authority within dr and
// sums sub-daily periods into one record per day, sorted by date.
func (s *Source) Collect(ctx context.Context, city domain.CityKey, dr domain.DateRange) (domain.Collection[domain.EnergyRecord], error) {
	var out domain.Collection[domain.EnergyRecord]
	if err := dr.Validate(); err != nil {
		return out, fmt.Errorf("%w: %w", fetch.ErrFatal, err)
	}
	if city.BalancingAuthority == "" {
		return out, fmt.Errorf("%w: %s has no balancing authority", fetch.ErrFatal, city)
	}

	days := make(map[time.Time]*domain.DailyDemand)
	for _, w := range dr.Windows(s.cfg.WindowDays) {
		items, omission, err := s.collectWindow(ctx, city, w)
		if err != nil {
			return domain.Collection[domain.EnergyRecord]{}, err
		}
		if omission != nil {
			s.logger.Warn("window omitted",
				"city", city.Name,
				"window", w.Label(),
				"attempts", omission.Attempts,
				"reason", omission.Reason,
			)
			s.metrics.WindowsOmitted.WithLabelValues(SourceName).Inc()
			out.Omitted = append(out.Omitted, *omission)
			continue
		}

		for _, raw := range items {
			row, err := decodeRow(raw)
			if err != nil {
				s.logger.Error("unexpected energy row", "city", city.Name, "payload", fetch.Summarize(raw))
				return domain.Collection[domain.EnergyRecord]{}, fmt.Errorf("%w: energy for %s: %w", fetch.ErrFatal, city, err)
			}
			out.Raw = append(out.Raw, raw)
			if !dr.Contains(row.Day) {
				continue
			}
			d, ok := days[row.Day]
			if !ok {
				d = &domain.DailyDemand{}
				days[row.Day] = d
			}
			d.Add(row.Value.Ptr())
		}
	}

	for day, d := range days {
		out.Records = append(out.Records, domain.NormalizeEnergy(city.Name, city.BalancingAuthority, day, *d))
	}
	sort.Slice(out.Records, func(i, j int) bool {
		return out.Records[i].Date.Before(out.Records[j].Date)
	})

	s.metrics.RecordsCollected.WithLabelValues(SourceName).Add(float64(len(out.Records)))
	s.logger.Info("energy collected",
		"city", city.Name,
		"balancing_authority", city.BalancingAuthority,
		"range", dr.Label(),
		"records", len(out.Records),
		"raw_items", len(out.Raw),
		"omitted_windows", len(out.Omitted),
	)
	return out, nil
}

func (s *Source) collectWindow(ctx context.Context, city domain.CityKey, w domain.DateRange) ([]json.RawMessage, *domain.WindowOmission, error) {
	var items []json.RawMessage
	offset := 0
	for page := 1; ; page++ {
		res := s.fetcher.Fetch(ctx, s.request(city, w, offset), s.cfg.Policy)
		switch res.Outcome {
		case fetch.Success:
		case fetch.RetryableFailure:
			return nil, &domain.WindowOmission{
				Source:   SourceName,
				City:     city.Name,
				Window:   w,
				Reason:   res.Reason,
				Attempts: res.Attempts,
			}, nil
		default:
			return nil, nil, fmt.Errorf("energy for %s window %s: %w", city, w.Label(), res.Err())
		}

		body, err := decodeResponse(res.Payload)
		if err != nil {
			s.logger.Error("unexpected energy payload",
				"city", city.Name,
				"window", w.Label(),
				"payload", fetch.Summarize(res.Payload),
			)
			return nil, nil, fmt.Errorf("%w: decode energy payload for %s: %w", fetch.ErrFatal, city, err)
		}

		s.logger.Debug("energy page received",
			"city", city.Name,
			"window", w.Label(),
			"page", page,
			"rows", len(body.Data),
			"total", body.Total,
			"bytes", len(res.Payload),
		)
		items = append(items, body.Data...)

		if len(body.Data) == 0 || offset+len(body.Data) >= body.Total {
			return items, nil, nil
		}
		offset += len(body.Data)
	}
}

func (s *Source) request(city domain.CityKey, w domain.DateRange, offset int) fetch.Request {
	start, end := w.StartString(), w.EndString()
	if s.cfg.Frequency == FrequencyHourly {
		start += "T00"
		end += "T23"
	}

	params := url.Values{
		"frequency":            {s.cfg.Frequency},
		"data[0]":              {"value"},
		"facets[respondent][]": {city.BalancingAuthority},
		"facets[type][]":       {demandType},
		"start":                {start},
		"end":                  {end},
		"sort[0][column]":      {"period"},
		"sort[0][direction]":   {"asc"},
		"offset":               {strconv.Itoa(offset)},
		"length":               {strconv.Itoa(s.cfg.PageLength)},
	}
	if s.cfg.Frequency == FrequencyDaily && city.EnergyTimezone != "" {
		params.Set("facets[timezone][]", city.EnergyTimezone)
	}
	return fetch.Request{
		Endpoint:   s.cfg.BaseURL,
		Params:     params,
		Credential: fetch.Credential{Name: apiKeyParam, Value: s.cfg.APIKey, In: fetch.InQuery},
	}
}

// EIA v2 response types. "total" is served as a string by some routes.

type envelope struct {
	Response *struct {
		Total domain.FlexFloat  `json:"total"`
		Data  []json.RawMessage `json:"data"`
	} `json:"response"`
}

type dataPage struct {
	Total int
	Data  []json.RawMessage
}

func decodeResponse(payload json.RawMessage) (dataPage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return dataPage{}, err
	}
	if env.Response == nil {
		return dataPage{}, errors.New(`missing "response" object`)
	}
	p := dataPage{Data: env.Response.Data, Total: len(env.Response.Data)}
	if env.Response.Total.Valid {
		p.Total = int(env.Response.Total.Value)
	}
	return p, nil
}

type row struct {
	Period     string           `json:"period"`
	Respondent string           `json:"respondent"`
	Type       string           `json:"type"`
	Value      domain.FlexFloat `json:"value"`

	Day time.Time `json:"-"`
}

func decodeRow(raw json.RawMessage) (row, error) {
	var r row
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode row: %w", err)
	}
	day, err := domain.ParseProviderDate(r.Period)
	if err != nil {
		return r, err
	}
	r.Day = day
	return r, nil
}
