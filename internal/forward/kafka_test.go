package forward

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestForwarderPublishesKeyedBySession(t *testing.T) {
	w := &fakeWriter{}
	f := &Forwarder{writer: w, topic: "reports"}
	report := &model.AnalysisReport{SessionID: "s-9", UserID: "alice", Result: model.CategoryLowSuspicion, SuspicionLevel: 2.5}

	require.NoError(t, f.HandleReport(context.Background(), report))
	require.NoError(t, f.HandleReport(context.Background(), nil))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "s-9", string(w.msgs[0].Key))
	assert.False(t, w.msgs[0].Time.IsZero())
	assert.Equal(t, "low_suspicion", string(w.msgs[0].Headers[0].Value))

	var decoded model.AnalysisReport
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, 2.5, decoded.SuspicionLevel)

	require.NoError(t, f.Close())
	assert.True(t, w.closed)
}

func TestForwarderWrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	f := &Forwarder{writer: &fakeWriter{err: boom}, topic: "reports"}
	err := f.HandleReport(context.Background(), &model.AnalysisReport{SessionID: "s"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "reports")
}

func TestNewForwarderConfiguresWriter(t *testing.T) {
	f := NewForwarder(config.ForwardConfig{Brokers: []string{"localhost:9092"}, Topic: "proctor-reports"}, nil)
	w, ok := f.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "proctor-reports", w.Topic)
	assert.NoError(t, f.Close())
}
