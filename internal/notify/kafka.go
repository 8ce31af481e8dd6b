package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"mt5-trader/internal/config"
)

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON records on a topic.
// Records are keyed by call ID so every event of one call lands on the
// same partition.
type KafkaNotifier struct {
	writer  MessageWriter
	topic   string
	enabled bool
}

// NewKafkaNotifier creates a notifier backed by a kafka.Writer.
func NewKafkaNotifier(cfg config.KafkaConfig) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return NewKafkaNotifierWithWriter(writer, cfg.Topic)
}

// NewKafkaNotifierWithWriter creates a notifier over an existing writer.
func NewKafkaNotifierWithWriter(w MessageWriter, topic string) *KafkaNotifier {
	return &KafkaNotifier{writer: w, topic: topic, enabled: w != nil}
}

// Name returns the name of the notifier.
func (k *KafkaNotifier) Name() string {
	return "kafka"
}

// IsEnabled returns whether the notifier is enabled.
func (k *KafkaNotifier) IsEnabled() bool {
	return k.enabled
}

// Send publishes n.
func (k *KafkaNotifier) Send(ctx context.Context, n Notification) error {
	if !k.enabled {
		return nil
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling kafka record: %w", err)
	}

	var key []byte
	if id, ok := n.Data["call_id"].(string); ok {
		key = []byte(id)
	}

	msg := kafka.Message{
		Key:   key,
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
		Time: n.Timestamp,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", k.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
