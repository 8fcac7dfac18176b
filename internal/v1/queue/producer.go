// Package queue carries PushMsg records over the partitioned log. Records
// are keyed by room id, which pins each room to one partition and gives the
// consumer side per-room ordering for free.
package queue

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
	"github.com/duang3457/instant-messaging-project/internal/v1/protocol"
)

// Producer publishes PushMsg records to the chat topic.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the brokers and verifies reachability.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new producer: %w", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping brokers: %w", err)
	}
	return &Producer{client: client, topic: topic}, nil
}

// Publish writes one record keyed by the message's room id and waits for the
// broker ack.
func (p *Producer) Publish(ctx context.Context, msg *protocol.PushMsg) error {
	value, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("queue: marshal push msg: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.Room),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		metrics.KafkaRecords.WithLabelValues("produce", "error").Inc()
		return fmt.Errorf("queue: produce room %s: %w", msg.Room, err)
	}
	metrics.KafkaRecords.WithLabelValues("produce", "ok").Inc()
	return nil
}

// Close flushes buffered records and tears down the client.
func (p *Producer) Close() {
	p.client.Close()
}
