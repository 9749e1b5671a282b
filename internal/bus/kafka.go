// Package bus provides MessageBus implementations for notification and
// audit traffic over Kafka and MQTT. The in-process recorder used by
// tests is collab.RecordingBus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/blakebauman/fleetd/internal/collab"
)

// KafkaBus publishes bus messages to Kafka topics. Sends are best-effort
// and deadline-bounded; delivery failures are logged, never surfaced to
// the operation that triggered them.
type KafkaBus struct {
	writer      *kafka.Writer
	topicPrefix string
	logger      *slog.Logger
}

// NewKafka creates a Kafka-backed bus for the given brokers.
func NewKafka(brokers []string, topicPrefix string, logger *slog.Logger) *KafkaBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
		},
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Send publishes one JSON payload to topicPrefix+topic.
func (b *KafkaBus) Send(ctx context.Context, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.topicPrefix + topic,
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		b.logger.Warn("kafka publish failed", "topic", topic, "error", err)
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}

var _ collab.MessageBus = (*KafkaBus)(nil)
