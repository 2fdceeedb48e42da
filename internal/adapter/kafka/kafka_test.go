package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	batches [][]kafkago.Message
	err     error
	closed  bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

var jan1 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func mergedRows(n int) []domain.MergedRecord {
	rows := make([]domain.MergedRecord, n)
	for i := range rows {
		rows[i] = domain.MergedRecord{City: "Chicago", Date: jan1.AddDate(0, 0, i), DemandMWh: domain.Float(500)}
	}
	return rows
}

func TestSerializeToMessage(t *testing.T) {
	produced := time.Date(2024, 1, 3, 15, 10, 0, 0, time.UTC)
	row := domain.MergedRecord{
		City:             "Chicago",
		Date:             jan1,
		TemperatureAvgF:  domain.Float(23),
		DataQualityFlags: []domain.Flag{domain.FlagMissingEnergy},
	}

	msg, err := serializeToMessage("run-1", produced, row)
	require.NoError(t, err)

	assert.Equal(t, []byte("Chicago|2024-01-01"), msg.Key)
	assert.JSONEq(t, `{
		"city": "Chicago",
		"date": "2024-01-01",
		"temperature_max_f": null,
		"temperature_min_f": null,
		"temperature_avg_f": 23,
		"demand_mwh": null,
		"data_quality_flags": ["missing_energy"]
	}`, string(msg.Value))
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "run_id", msg.Headers[0].Key)
	assert.Equal(t, []byte("run-1"), msg.Headers[0].Value)
	assert.Equal(t, "produced_at", msg.Headers[1].Key)
	assert.Equal(t, []byte(produced.Format(time.RFC3339)), msg.Headers[1].Value)
}

func TestWriter_LoadBatches(t *testing.T) {
	fw := &fakeWriter{}
	metrics := observability.NewMetricsForTesting()
	w := newWriter(fw, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics)
	w.batchSize = 2

	res := &pipeline.RunResult{RunID: "run-1", FinishedAt: jan1, Merged: mergedRows(5)}
	require.NoError(t, w.Load(context.Background(), res))

	require.Len(t, fw.batches, 3)
	assert.Len(t, fw.batches[0], 2)
	assert.Len(t, fw.batches[2], 1)
	assert.Equal(t, []byte("Chicago|2024-01-05"), fw.batches[2][0].Key)

	require.NoError(t, w.Close())
	assert.True(t, fw.closed)
}

func TestWriter_LoadEmptyIsNoop(t *testing.T) {
	fw := &fakeWriter{}
	w := newWriter(fw, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	require.NoError(t, w.Load(context.Background(), &pipeline.RunResult{}))
	assert.Empty(t, fw.batches)
}

func TestWriter_LoadPropagatesError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unavailable")}
	w := newWriter(fw, slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	err := w.Load(context.Background(), &pipeline.RunResult{Merged: mergedRows(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unavailable")
	assert.Equal(t, "kafka", w.Name())
}
