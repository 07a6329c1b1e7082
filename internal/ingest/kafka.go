package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"telewindow/internal/config"
	"telewindow/internal/model"
)

// StartKafka consumes push messages. The record key names the widget; an
// empty key falls back to the message's widget_id.
func StartKafka(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			envs, err := kafkaEnvelopes(m, cfg.Get().Ingest.Parser.DefaultWidgetID)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "partition", m.Partition, "offset", m.Offset, "err", err)
				}
				continue
			}
			for _, env := range envs {
				sink.Send(ctx, env)
			}
		}
	}()
}

func kafkaEnvelopes(m kafka.Message, fallback string) ([]model.Envelope, error) {
	msgs, err := DecodeMessages(m.Value)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(string(m.Key))
	out := make([]model.Envelope, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, model.Envelope{
			WidgetID: firstNonEmpty(key, msg.WidgetID, fallback),
			Source:   "kafka",
			Received: m.Time,
			Message:  msg,
		})
	}
	return out, nil
}
