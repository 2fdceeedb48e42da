package eia

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/fetch"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
)

const testAPIKey = "eia-test-key"

var chicago = domain.CityKey{
	Name:               "Chicago",
	State:              "IL",
	WeatherStationIDs:  []string{"GHCND:USW00094846"},
	BalancingAuthority: "MISO",
	EnergyTimezone:     "Central",
}

func newTestSource(t *testing.T, srv *httptest.Server, cfg Config) *Source {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	f := fetch.New(fetch.Options{Provider: "eia", HTTPClient: srv.Client()}, logger, metrics)
	cfg.BaseURL = srv.URL
	cfg.APIKey = testAPIKey
	cfg.Policy = fetch.Policy{MaxAttempts: 1, BaseBackoff: time.Millisecond}
	return NewSource(f, cfg, logger, metrics)
}

func mustRange(t *testing.T, start, end string) domain.DateRange {
	t.Helper()
	r, err := domain.NewDateRange(start, end)
	require.NoError(t, err)
	return r
}

const dailyBody = `{
	"response": {
		"total": "2",
		"dateFormat": "YYYY-MM-DD",
		"frequency": "daily",
		"data": [
			{"period": "2024-01-01", "respondent": "MISO", "type": "D", "timezone": "Central", "value": 500, "value-units": "megawatthours"},
			{"period": "2024-01-02", "respondent": "MISO", "type": "D", "timezone": "Central", "value": "520", "value-units": "megawatthours"}
		]
	},
	"request": {"command": "/v2/electricity/rto/daily-region-data/data/"}
}`

func TestCollect_Daily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, testAPIKey, q.Get("api_key"))
		assert.Equal(t, "daily", q.Get("frequency"))
		assert.Equal(t, "value", q.Get("data[0]"))
		assert.Equal(t, "MISO", q.Get("facets[respondent][]"))
		assert.Equal(t, "D", q.Get("facets[type][]"))
		assert.Equal(t, "Central", q.Get("facets[timezone][]"))
		assert.Equal(t, "2024-01-01", q.Get("start"))
		assert.Equal(t, "2024-01-02", q.Get("end"))
		assert.Equal(t, "period", q.Get("sort[0][column]"))
		assert.Equal(t, "asc", q.Get("sort[0][direction]"))
		_, _ = w.Write([]byte(dailyBody))
	}))
	defer srv.Close()

	got, err := newTestSource(t, srv, Config{}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-02"))
	require.NoError(t, err)

	require.Len(t, got.Records, 2)
	assert.Len(t, got.Raw, 2)
	assert.Equal(t, 500.0, *got.Records[0].DemandMWh)
	assert.Equal(t, 520.0, *got.Records[1].DemandMWh)
	assert.Equal(t, "MISO", got.Records[0].SourceBalancingAuthority)
	assert.Empty(t, got.Records[0].Flags)
}

func TestCollect_HourlySumsToDaily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "hourly", q.Get("frequency"))
		assert.Equal(t, "2024-01-01T00", q.Get("start"))
		assert.Equal(t, "2024-01-01T23", q.Get("end"))
		assert.Empty(t, q.Get("facets[timezone][]"))

		fmt.Fprint(w, `{"response":{"total":24,"data":[`)
		for h := 0; h < 24; h++ {
			if h > 0 {
				fmt.Fprint(w, ",")
			}
			value := "100"
			if h == 3 {
				value = "null"
			}
			fmt.Fprintf(w, `{"period":"2024-01-01T%02d","respondent":"MISO","type":"D","value":%s}`, h, value)
		}
		fmt.Fprint(w, "]}}")
	}))
	defer srv.Close()

	got, err := newTestSource(t, srv, Config{Frequency: FrequencyHourly}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-01"))
	require.NoError(t, err)

	require.Len(t, got.Records, 1)
	assert.Equal(t, 2300.0, *got.Records[0].DemandMWh)
	assert.Equal(t, []domain.Flag{domain.FlagPartialDemand}, got.Records[0].Flags)
}

func TestCollect_Paginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		assert.Equal(t, "2", r.URL.Query().Get("length"))
		fmt.Fprint(w, `{"response":{"total":3,"data":[`)
		for i := offset; i < offset+2 && i < 3; i++ {
			if i > offset {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"period":"2024-01-0%d","respondent":"MISO","value":%d}`, i+1, 100*(i+1))
		}
		fmt.Fprint(w, "]}}")
	}))
	defer srv.Close()

	got, err := newTestSource(t, srv, Config{PageLength: 2}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-03"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, got.Records, 3)
	assert.Equal(t, 300.0, *got.Records[2].DemandMWh)
}

func TestCollect_AllNullDayKept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"total":1,"data":[{"period":"2024-01-01","respondent":"MISO","value":null}]}}`))
	}))
	defer srv.Close()

	got, err := newTestSource(t, srv, Config{}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-01"))
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Nil(t, got.Records[0].DemandMWh)
}

func TestCollect_OmitsFailingWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start") == "2024-01-01" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"response":{"total":1,"data":[{"period":"2024-01-02","respondent":"MISO","value":7}]}}`))
	}))
	defer srv.Close()

	got, err := newTestSource(t, srv, Config{WindowDays: 1}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-02"))
	require.NoError(t, err)

	require.Len(t, got.Omitted, 1)
	assert.Equal(t, SourceName, got.Omitted[0].Source)
	assert.Equal(t, "2024-01-01", got.Omitted[0].Window.StartString())
	require.Len(t, got.Records, 1)
	assert.Equal(t, 7.0, *got.Records[0].DemandMWh)
}

func TestCollect_MissingResponseIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid facet"}`))
	}))
	defer srv.Close()

	_, err := newTestSource(t, srv, Config{}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-02"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrFatal)
}

func TestCollect_ForbiddenNeverLeaksKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "API key "+r.URL.Query().Get("api_key")+" is invalid", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestSource(t, srv, Config{}).Collect(context.Background(), chicago, mustRange(t, "2024-01-01", "2024-01-02"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrUnauthorized)
	assert.NotContains(t, err.Error(), testAPIKey)
}

func TestCollect_RequiresBalancingAuthority(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	city := chicago
	city.BalancingAuthority = ""
	_, err := newTestSource(t, srv, Config{}).Collect(context.Background(), city, mustRange(t, "2024-01-01", "2024-01-02"))
	assert.ErrorIs(t, err, fetch.ErrFatal)
}

func TestCollect_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(dailyBody))
	}))
	defer srv.Close()

	src := newTestSource(t, srv, Config{})
	dr := mustRange(t, "2024-01-01", "2024-01-02")
	first, err := src.Collect(context.Background(), chicago, dr)
	require.NoError(t, err)
	second, err := src.Collect(context.Background(), chicago, dr)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Records, second.Records); diff != "" {
		t.Errorf("repeated collect differs (-first +second):\n%s", diff)
	}
}
