package queue

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/duang3457/instant-messaging-project/internal/v1/logging"
	"github.com/duang3457/instant-messaging-project/internal/v1/metrics"
)

// Record is one consumed log entry, stripped down to what the pipeline needs.
type Record struct {
	Partition int32
	Offset    int64
	Key       string
	Value     []byte
}

// Handler processes one consumed record.
type Handler func(ctx context.Context, rec Record)

// Consumer joins the consumer group and feeds records to a handler. Offsets
// auto-commit; replays after a rebalance are absorbed by the pipeline's
// dedup window.
type Consumer struct {
	client *kgo.Client
}

// NewConsumer connects to the brokers as a member of group.
func NewConsumer(brokers []string, topic, group string) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new consumer: %w", err)
	}
	if err := client.Ping(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping brokers: %w", err)
	}
	return &Consumer{client: client}, nil
}

// Run polls until ctx is cancelled, invoking handle for every record.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			metrics.KafkaRecords.WithLabelValues("consume", "error").Inc()
			logging.Error(ctx, "fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			metrics.KafkaRecords.WithLabelValues("consume", "ok").Inc()
			handle(ctx, Record{
				Partition: rec.Partition,
				Offset:    rec.Offset,
				Key:       string(rec.Key),
				Value:     rec.Value,
			})
		})
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}
