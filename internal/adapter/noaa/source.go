// Package noaa collects daily temperature summaries from the NOAA Climate Data
// Online v2 API (GHCND dataset).
package noaa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/fetch"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
)

// SourceName labels weather omissions and metrics.
const SourceName = "weather"

const (
	// DefaultBaseURL is the CDO v2 data endpoint.
	DefaultBaseURL = "https://www.ncei.noaa.gov/cdo-web/api/v2/data"
	// DefaultPageLimit is the largest page CDO serves.
	DefaultPageLimit = 1000
	// DefaultWindowDays keeps each request inside CDO's one-year span limit.
	DefaultWindowDays = 365

	datasetID   = "GHCND"
	tokenHeader = "token"
)

// Config holds the NOAA client settings.
type Config struct {
	BaseURL    string
	Token      string
	PageLimit  int
	WindowDays int
	Policy     fetch.Policy
}

// Fetcher is the subset of fetch.Fetcher the source needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, policy fetch.Policy) fetch.Result
}

// Source implements the pipeline's weather collector.
type Source struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewSource creates a NOAA weather source.
func NewSource(f Fetcher, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
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

// Collect fetches every daily temperature reading for city within dr and
// normalizes them into one record per day, sorted by date.
//
// Windows that keep failing transiently are omitted and reported in the
// collection. A fatal provider failure or an unreadable payload fails the
// whole collection.
func (s *Source) Collect(ctx context.Context, city domain.CityKey, dr domain.DateRange) (domain.Collection[domain.WeatherRecord], error) {
	var out domain.Collection[domain.WeatherRecord]
	if err := dr.Validate(); err != nil {
		return out, fmt.Errorf("%w: %w", fetch.ErrFatal, err)
	}

	days := make(map[time.Time]*domain.DailyTemperatures)
	for _, w := range dr.Windows(s.cfg.WindowDays) {
		items, omission, err := s.collectWindow(ctx, city, w)
		if err != nil {
			return domain.Collection[domain.WeatherRecord]{}, err
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
			it, err := decodeResult(raw)
			if err != nil {
				s.logger.Error("unexpected weather item", "city", city.Name, "payload", fetch.Summarize(raw))
				return domain.Collection[domain.WeatherRecord]{}, fmt.Errorf("%w: weather for %s: %w", fetch.ErrFatal, city, err)
			}
			out.Raw = append(out.Raw, raw)
			if !it.Value.Valid || !dr.Contains(it.Day) {
				continue
			}
			d, ok := days[it.Day]
			if !ok {
				d = &domain.DailyTemperatures{}
				days[it.Day] = d
			}
			d.Add(it.Datatype, it.Station, it.Value.Value)
		}
	}

	for day, d := range days {
		if len(d.Stations) == 0 {
			continue
		}
		out.Records = append(out.Records, domain.NormalizeWeather(city.Name, day, *d))
	}
	sort.Slice(out.Records, func(i, j int) bool {
		return out.Records[i].Date.Before(out.Records[j].Date)
	})

	s.metrics.RecordsCollected.WithLabelValues(SourceName).Add(float64(len(out.Records)))
	s.logger.Info("weather collected",
		"city", city.Name,
		"range", dr.Label(),
		"records", len(out.Records),
		"raw_items", len(out.Raw),
		"omitted_windows", len(out.Omitted),
	)
	return out, nil
}

// collectWindow pages through one window. It returns either the raw items,
// an omission, or an error.
func (s *Source) collectWindow(ctx context.Context, city domain.CityKey, w domain.DateRange) ([]json.RawMessage, *domain.WindowOmission, error) {
	var items []json.RawMessage
	offset := 1
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
			return nil, nil, fmt.Errorf("weather for %s window %s: %w", city, w.Label(), res.Err())
		}

		var body response
		if err := json.Unmarshal(res.Payload, &body); err != nil {
			s.logger.Error("unexpected weather payload",
				"city", city.Name,
				"window", w.Label(),
				"payload", fetch.Summarize(res.Payload),
			)
			return nil, nil, fmt.Errorf("%w: decode weather payload for %s: %w", fetch.ErrFatal, city, err)
		}

		s.logger.Debug("weather page received",
			"city", city.Name,
			"window", w.Label(),
			"page", page,
			"results", len(body.Results),
			"total", body.Metadata.ResultSet.Count,
			"bytes", len(res.Payload),
		)
		items = append(items, body.Results...)

		if len(body.Results) == 0 || offset-1+len(body.Results) >= body.Metadata.ResultSet.Count {
			return items, nil, nil
		}
		offset += len(body.Results)
	}
}

func (s *Source) request(city domain.CityKey, w domain.DateRange, offset int) fetch.Request {
	params := url.Values{
		"datasetid":  {datasetID},
		"stationid":  city.WeatherStationIDs,
		"datatypeid": {strings.Join(domain.TemperatureDatatypes, ",")},
		"startdate":  {w.StartString()},
		"enddate":    {w.EndString()},
		"limit":      {strconv.Itoa(s.cfg.PageLimit)},
		"offset":     {strconv.Itoa(offset)},
	}
	return fetch.Request{
		Endpoint:   s.cfg.BaseURL,
		Params:     params,
		Credential: fetch.Credential{Name: tokenHeader, Value: s.cfg.Token, In: fetch.InHeader},
	}
}

// CDO v2 response types. An empty result set is served as "{}".

type response struct {
	Metadata struct {
		ResultSet struct {
			Offset int `json:"offset"`
			Count  int `json:"count"`
			Limit  int `json:"limit"`
		} `json:"resultset"`
	} `json:"metadata"`
	Results []json.RawMessage `json:"results"`
}

type result struct {
	Date     string           `json:"date"`
	Datatype string           `json:"datatype"`
	Station  string           `json:"station"`
	Value    domain.FlexFloat `json:"value"`

	Day time.Time `json:"-"`
}

func decodeResult(raw json.RawMessage) (result, error) {
	var r result
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	day, err := domain.ParseProviderDate(r.Date)
	if err != nil {
		return r, err
	}
	r.Day = day
	return r, nil
}
