package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig addresses the topic events are produced to.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces every bus event to a Kafka topic, keyed by event
// type.
type KafkaSink struct {
	writer kafkaWriter
}

// NewKafkaSink validates cfg and builds a writer. No connection is made
// until the first send.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("eventbus: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("eventbus: kafka topic required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

// Send writes one event.
func (k *KafkaSink) Send(ctx context.Context, evt Event) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("eventbus: kafka sink not initialized")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("eventbus: marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.Type),
		Value: data,
		Time:  time.Now(),
	})
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
