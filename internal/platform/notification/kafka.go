package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used by KafkaNotifier.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaNotifier publishes alerts to a topic consumed by the SIEM. Records are
// keyed by actor so one actor's alerts stay ordered within a partition.
type KafkaNotifier struct {
	producer Producer
	topic    string
}

// NewKafkaNotifier connects a franz-go client to brokers.
func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return NewKafkaNotifierWithProducer(client, topic), nil
}

func NewKafkaNotifierWithProducer(p Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: p, topic: topic}
}

func (n *KafkaNotifier) Notify(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	key := msg.ActorID
	if key == "" {
		key = msg.AlertID
	}
	rec := &kgo.Record{
		Topic: n.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "alert_type", Value: []byte(msg.Type)},
			{Key: "severity", Value: []byte(msg.Severity)},
		},
	}
	if err := n.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce alert %s: %w", msg.AlertID, err)
	}
	return nil
}

// Close flushes and closes the underlying client.
func (n *KafkaNotifier) Close() {
	n.producer.Close()
}
