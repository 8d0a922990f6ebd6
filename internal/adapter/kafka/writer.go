// Package kafka publishes fused flight-weather records to a Kafka topic.
// The sink is feature-flagged; the pipeline itself is filesystem-to-
// filesystem and runs the same with or without it.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/flight-weather-etl/internal/config"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
)

// Writer produces fused records to the configured sink topic.
type Writer struct {
	writer *kafkago.Writer
	fs     domain.FlightSchema
	ws     domain.WeatherSchema
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the fused-record topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{
		writer: w,
		fs:     cfg.FlightSchema(),
		ws:     cfg.WeatherSchema(),
		logger: logger,
	}
}

// PublishBatch serializes fused records as column-keyed JSON and writes them
// in a single WriteMessages call. The message key groups a city pair so
// consumers can partition-localize a route's history.
func (w *Writer) PublishBatch(ctx context.Context, records []domain.FusedRecord) error {
	if len(records) == 0 {
		return nil
	}

	header := domain.FusedHeader(w.fs, w.ws)
	msgs := make([]kafkago.Message, len(records))
	for i, rec := range records {
		row := rec.Row(w.fs, w.ws)
		doc := make(map[string]string, len(header))
		for j, col := range header {
			doc[col] = row[j]
		}
		value, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("serialize fused record: %w", err)
		}
		msgs[i] = kafkago.Message{
			Key:   []byte(rec.Flight.Origin + "-" + rec.Flight.Dest),
			Value: value,
			Headers: []kafkago.Header{
				{Key: "flight_date", Value: []byte(rec.Flight.FlightDate.Format(domain.DateLayout))},
			},
		}
	}

	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish fused batch: %w", err)
	}
	w.logger.Debug("published fused batch", "records", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}
