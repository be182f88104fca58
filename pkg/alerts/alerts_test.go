package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/volatility"
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

var sample = volatility.Alert{
	Symbol:    "ETH",
	Type:      volatility.AlertSpike,
	Severity:  volatility.SeverityHigh,
	Window:    volatility.Window24h,
	Value:     25,
	Threshold: 20,
	Timestamp: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSinkWithWriter(w)

	require.NoError(t, sink.Publish(context.Background(), sample))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "ETH", string(msg.Key))
	assert.Equal(t, sample.Timestamp, msg.Time)

	var decoded volatility.Alert
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, sample, decoded)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker unavailable")}
	err := NewKafkaSinkWithWriter(w).Publish(context.Background(), sample)
	assert.ErrorContains(t, err, "broker unavailable")
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(config.KafkaConfig{Topic: "alerts"})
	assert.ErrorIs(t, err, ErrNoBrokers)

	sink, err := NewKafkaSink(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "alerts"})
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestDispatcher(t *testing.T) {
	w := &fakeWriter{}
	failing := &fakeWriter{err: errors.New("down")}
	d := NewDispatcher(nil, 4, NewKafkaSinkWithWriter(failing), NewKafkaSinkWithWriter(w), NewLogSink(nil))

	var handler volatility.AlertHandler = d.Handle
	handler(sample)
	handler(sample)

	require.NoError(t, d.Close())
	assert.Len(t, w.msgs, 2, "a failing sink does not block the others")
	assert.True(t, w.closed)
	assert.True(t, failing.closed)

	// Closed dispatchers ignore alerts.
	d.Handle(sample)
	assert.NoError(t, d.Close())
	assert.Len(t, w.msgs, 2)
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Publish(context.Context, volatility.Alert) error {
	<-s.release
	return nil
}

func (s *blockingSink) Close() error { return nil }

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(nil, 1, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Handle(sample)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle blocked on a slow sink")
	}
	close(sink.release)
	require.NoError(t, d.Close())
}
