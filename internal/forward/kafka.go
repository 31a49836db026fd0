package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Forwarder publishes finished reports to a Kafka topic keyed by session so
// reports for one session land on one partition.
type Forwarder struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

func NewForwarder(cfg config.ForwardConfig, logger *slog.Logger) *Forwarder {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	if logger != nil {
		logger.Info("report forwarding enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return &Forwarder{writer: w, topic: cfg.Topic, logger: logger}
}

func Message(report *model.AnalysisReport) (kafka.Message, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal report: %w", err)
	}
	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return kafka.Message{
		Key:   []byte(report.SessionID),
		Value: data,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "result", Value: []byte(report.Result)},
			{Key: "user_id", Value: []byte(report.UserID)},
		},
	}, nil
}

func (f *Forwarder) HandleReport(ctx context.Context, report *model.AnalysisReport) error {
	if report == nil {
		return nil
	}
	msg, err := Message(report)
	if err != nil {
		return err
	}
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish report to %s: %w", f.topic, err)
	}
	if f.logger != nil {
		f.logger.Debug("report forwarded", "session_id", report.SessionID, "topic", f.topic)
	}
	return nil
}

func (f *Forwarder) Close() error {
	return f.writer.Close()
}
