package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

const kafkaSource = "kafka"

func StartKafka(ctx context.Context, cfg *config.Manager, proc *Processor, out chan<- model.InputEvent, logger *slog.Logger) {
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
		parser := proc.NewParser()
		backoff := 200 * time.Millisecond
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				if backoff < 5*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 200 * time.Millisecond
			ev, err := proc.DecodeLine(parser, string(m.Value), kafkaSource)
			if err != nil || ev == nil {
				continue
			}
			proc.SendNonBlocking(ctx, out, *ev)
		}
	}()
}
