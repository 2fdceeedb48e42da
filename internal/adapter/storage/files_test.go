package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
)

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func testResult(t *testing.T) *pipeline.RunResult {
	t.Helper()
	dr, err := domain.NewDateRange("2024-01-01", "2024-01-02")
	require.NoError(t, err)

	merged := []domain.MergedRecord{
		{City: "Chicago", Date: jan1, TemperatureMaxF: domain.Float(41), TemperatureMinF: domain.Float(41), TemperatureAvgF: domain.Float(41), DemandMWh: domain.Float(500)},
		{City: "Chicago", Date: jan1.AddDate(0, 0, 1), TemperatureAvgF: domain.Float(23), DataQualityFlags: []domain.Flag{domain.FlagMissingEnergy, domain.FlagPartialTemperature}},
	}
	return &pipeline.RunResult{
		RunID:      "run-1",
		DateRange:  dr,
		StartedAt:  jan1,
		FinishedAt: jan1.Add(time.Minute),
		Status:     pipeline.StagePartial,
		Cities:     []pipeline.CityResult{{City: "Chicago", Status: pipeline.CityPartial, WeatherRecords: 2, EnergyRecords: 1}},
		Merged:     merged,
		Weather: []domain.WeatherRecord{
			{City: "Chicago", Date: jan1, TemperatureAvgF: domain.Float(41), SourceStationID: "GHCND:USW00094846"},
		},
		Energy: []domain.EnergyRecord{
			{City: "Chicago", Date: jan1, DemandMWh: domain.Float(500), SourceBalancingAuthority: "MISO"},
		},
		RawWeather: []json.RawMessage{json.RawMessage(`{"date":"2024-01-01T00:00:00","datatype":"TMAX","value":50}`)},
		RawEnergy:  []json.RawMessage{json.RawMessage(`{"period":"2024-01-01","value":500}`)},
		Report:     pipeline.NewAuditor(pipeline.DefaultAuditConfig(), nil).Audit(merged),
	}
}

func TestFileSink_Load(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	res := testResult(t)
	require.NoError(t, sink.Load(context.Background(), res))

	paths := sink.PathsFor("2024-01-01_to_2024-01-02")

	raw, err := os.ReadFile(paths.RawWeather)
	require.NoError(t, err)
	assert.Equal(t, string(res.RawWeather[0])+"\n", string(raw))

	energy, err := os.ReadFile(paths.EnergyClean)
	require.NoError(t, err)
	assert.Equal(t, "city,date,demand_mwh,source_balancing_authority,flags\nChicago,2024-01-01,500,MISO,\n", string(energy))

	weather, err := os.ReadFile(paths.WeatherClean)
	require.NoError(t, err)
	assert.Contains(t, string(weather), "GHCND:USW00094846")

	merged, err := os.ReadFile(paths.Merged)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(merged)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(domain.Columns, ","), lines[0])
	assert.Equal(t, "Chicago,2024-01-02,,,23,,missing_energy;partial_temperature", lines[2])

	report, err := os.ReadFile(paths.QualityReport)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(report, &doc))
	assert.Equal(t, "PARTIAL", doc["status"])
	qr, ok := doc["quality_report"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, qr["row_count"])
	assert.Equal(t, []any{}, doc["omitted_windows"])
}

func TestFileSink_RerunReplacesArtifacts(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	res := testResult(t)
	require.NoError(t, sink.Load(context.Background(), res))
	res.Merged = res.Merged[:1]
	require.NoError(t, sink.Load(context.Background(), res))

	f, err := os.Open(sink.PathsFor(res.DateRange.Label()).Merged)
	require.NoError(t, err)
	defer f.Close()
	rows, err := ReadMergedCSV(f)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	entries, err := os.ReadDir(dir + "/processed")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "temp file left behind: %s", e.Name())
	}
}

func TestFileSink_CancelledLoadKeepsArtifacts(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	res := testResult(t)
	require.NoError(t, sink.Load(context.Background(), res))
	path := sink.PathsFor(res.DateRange.Label()).Merged
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	empty := testResult(t)
	empty.Merged = nil
	err = sink.Load(ctx, empty)
	require.ErrorIs(t, err, context.Canceled)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestMergedCSV_RoundTrip(t *testing.T) {
	rows := testResult(t).Merged

	var buf bytes.Buffer
	require.NoError(t, WriteMergedCSV(&buf, rows))

	got, err := ReadMergedCSV(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMergedCSV_RejectsWrongHeader(t *testing.T) {
	_, err := ReadMergedCSV(strings.NewReader("city,day,temperature_max_f,temperature_min_f,temperature_avg_f,demand_mwh,data_quality_flags\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchema)

	_, err = ReadMergedCSV(strings.NewReader("city,date\n"))
	require.Error(t, err)
}

func TestReadMergedCSV_RejectsBadValue(t *testing.T) {
	in := strings.Join(domain.Columns, ",") + "\nChicago,2024-01-01,hot,,,,\n"
	_, err := ReadMergedCSV(strings.NewReader(in))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature_max_f")
}
