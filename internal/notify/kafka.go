package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/segmentio/kafka-go"
)

// ErrPublisherClosed is returned by Send after Close
var ErrPublisherClosed = errors.New("publisher is closed")

// messageWriter is the part of kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes lifecycle events to a topic, keyed by sensor so
// every sensor's events stay ordered within one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	closed atomic.Bool
}

// NewKafkaPublisher creates a synchronous writer for topic
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
	}
	return &KafkaPublisher{writer: w, topic: topic}, nil
}

// Name implements Sink
func (p *KafkaPublisher) Name() string { return "kafka" }

// Send implements Sink
func (p *KafkaPublisher) Send(ctx context.Context, ev types.Event) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	msg, err := eventMessage(ev)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, msg)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

func eventMessage(ev types.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	key := "network"
	if ev.Alert != nil {
		key = ev.Alert.SensorID
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
		},
		Time: ev.At,
	}, nil
}
