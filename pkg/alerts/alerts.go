// Package alerts delivers volatility alerts to external sinks.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/StrathCole/oracle-client/pkg/config"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/volatility"
)

// ErrNoBrokers indicates a Kafka sink configured without brokers.
var ErrNoBrokers = errors.New("kafka brokers required")

// publishTimeout bounds a single alert delivery.
const publishTimeout = 5 * time.Second

// Sink receives alerts.
type Sink interface {
	Publish(ctx context.Context, alert volatility.Alert) error
	Close() error
}

// Dispatcher fans alerts out to sinks on its own goroutine so that the
// price path never waits on delivery. Alerts are dropped when the buffer is
// full.
type Dispatcher struct {
	sinks  []Sink
	logger *logging.Logger
	queue  chan volatility.Alert
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts a dispatcher with room for buffer pending alerts.
func NewDispatcher(logger *logging.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan volatility.Alert, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Handle enqueues an alert. It has the volatility.AlertHandler signature.
func (d *Dispatcher) Handle(a volatility.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- a:
	default:
		d.logger.Warn("Alert queue full, dropping alert", "symbol", a.Symbol, "type", string(a.Type))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		for _, sink := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := sink.Publish(ctx, a); err != nil {
				d.logger.Error("Failed to publish alert", "symbol", a.Symbol, "type", string(a.Type), "error", err)
			}
			cancel()
		}
	}
}

// Close delivers pending alerts, then closes every sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &LogSink{logger: logger}
}

// Publish logs the alert.
func (s *LogSink) Publish(_ context.Context, a volatility.Alert) error {
	s.logger.Warn("Volatility alert",
		"symbol", a.Symbol,
		"type", string(a.Type),
		"severity", string(a.Severity),
		"window", string(a.Window),
		"value", a.Value,
		"threshold", a.Threshold)
	return nil
}

// Close does nothing.
func (s *LogSink) Close() error { return nil }

// MessageWriter is the subset of kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON messages keyed by symbol, so alerts
// for one symbol stay ordered within a partition.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a Kafka sink from configuration.
func NewKafkaSink(cfg config.KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}), nil
}

// NewKafkaSinkWithWriter creates a Kafka sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Publish writes one alert.
func (s *KafkaSink) Publish(ctx context.Context, a volatility.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.Symbol),
		Value: data,
		Time:  a.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(a.Type)},
			{Key: "severity", Value: []byte(a.Severity)},
		},
	}); err != nil {
		return fmt.Errorf("write alert to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
