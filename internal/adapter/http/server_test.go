package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/energy-weather-etl/internal/adapter/http"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockReports struct {
	last *pipeline.RunResult
}

func (m *mockReports) LastResult() *pipeline.RunResult { return m.last }

type mockHistory struct {
	runs      []pipeline.RunSummary
	err       error
	lastLimit int
}

func (m *mockHistory) RecentRuns(_ context.Context, limit int) ([]pipeline.RunSummary, error) {
	m.lastLimit = limit
	return m.runs, m.err
}

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, &mockReports{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(srv http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(newTestServer(nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(newTestServer(nil), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(newTestServer(fmt.Errorf("not ready yet")), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(newTestServer(nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestReportBeforeFirstRun(t *testing.T) {
	rec := get(newTestServer(nil), "/report")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReportReturnsLastRun(t *testing.T) {
	res := &pipeline.RunResult{
		RunID:  "run-1",
		Status: pipeline.StagePartial,
		Stages: []pipeline.Stage{pipeline.StageInit, pipeline.StagePartial},
		Cities: []pipeline.CityResult{{City: "Houston", Status: pipeline.CityFailed, Error: "status 404"}},
	}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockReports{last: res}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := get(srv, "/report")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RunID  string                `json:"run_id"`
		Status string                `json:"status"`
		Cities []pipeline.CityResult `json:"cities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "PARTIAL", body.Status)
	require.Len(t, body.Cities, 1)
	assert.Equal(t, pipeline.CityFailed, body.Cities[0].Status)
}

func TestRunsNotServedWithoutHistory(t *testing.T) {
	rec := get(newTestServer(nil), "/runs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunsListsHistory(t *testing.T) {
	history := &mockHistory{runs: []pipeline.RunSummary{
		{RunID: "b", Status: "DONE", StartedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{RunID: "a", Status: "PARTIAL", StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockReports{}, history, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := get(srv, "/runs?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.lastLimit)

	var runs []pipeline.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
}

func TestRunsRejectsBadLimit(t *testing.T) {
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockReports{}, &mockHistory{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, q := range []string{"0", "-1", "abc", "501"} {
		rec := get(srv, "/runs?limit="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestRunsHistoryError(t *testing.T) {
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockReports{}, &mockHistory{err: errors.New("db closed")}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := get(srv, "/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db closed")
}

func TestRunsEmptyHistoryIsArray(t *testing.T) {
	srv := httpadapter.NewServer(":0", &mockReadiness{}, &mockReports{}, &mockHistory{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := get(srv, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
