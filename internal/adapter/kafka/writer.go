package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/energy-weather-etl/internal/config"
	"github.com/couchcryptid/energy-weather-etl/internal/domain"
	"github.com/couchcryptid/energy-weather-etl/internal/observability"
	"github.com/couchcryptid/energy-weather-etl/internal/pipeline"
	kafkago "github.com/segmentio/kafka-go"
)

// defaultBatchSize bounds one WriteMessages call.
const defaultBatchSize = 500

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes merged rows to a Kafka topic, one message per (city, date).
// It implements pipeline.Loader.
type Writer struct {
	writer    messageWriter
	batchSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewWriter creates a Kafka producer for the configured merged-rows topic.
func NewWriter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newWriter(w, logger, metrics)
}

func newWriter(w messageWriter, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	return &Writer{writer: w, batchSize: defaultBatchSize, logger: logger, metrics: metrics}
}

// Name returns the sink label.
func (w *Writer) Name() string { return "kafka" }

// Load serializes the merged rows of res and publishes them in batches.
// Rows share a key per (city, date) so a compacted topic keeps the latest run.
func (w *Writer) Load(ctx context.Context, res *pipeline.RunResult) error {
	if len(res.Merged) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(res.Merged))
	for i := range res.Merged {
		msg, err := serializeToMessage(res.RunID, res.FinishedAt, res.Merged[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	for start := 0; start < len(msgs); start += w.batchSize {
		end := min(start+w.batchSize, len(msgs))
		if err := w.writer.WriteMessages(ctx, msgs[start:end]...); err != nil {
			return fmt.Errorf("publish merged rows %d-%d: %w", start, end, err)
		}
		w.metrics.MessagesProduced.Add(float64(end - start))
	}
	w.logger.Info("merged rows published", "run_id", res.RunID, "messages", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// messageKey identifies a merged row across runs.
func messageKey(r domain.MergedRecord) []byte {
	return []byte(r.City + "|" + r.Date.Format("2006-01-02"))
}

// serializeToMessage marshals a MergedRecord into a Kafka message.
func serializeToMessage(runID string, producedAt time.Time, r domain.MergedRecord) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize merged row: %w", err)
	}
	return kafkago.Message{
		Key:   messageKey(r),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "produced_at", Value: []byte(producedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
