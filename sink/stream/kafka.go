package stream

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/c360/fleetstream/errors"
)

// KafkaConfig holds broker connection parameters
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	Topic        string        `json:"topic"`
	BatchTimeout time.Duration `json:"batch_timeout"`
}

// KafkaPublisher publishes envelopes to a Kafka topic. The hash balancer
// keys partitions on the partition key, so broker-side ordering matches
// the shard ordering upstream.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher over the configured brokers
func NewKafkaPublisher(config KafkaConfig) (*KafkaPublisher, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.Wrap(errors.ErrMissingConfig, "KafkaPublisher", "NewKafkaPublisher", "brokers required")
	}
	if config.Topic == "" {
		return nil, errors.Wrap(errors.ErrMissingConfig, "KafkaPublisher", "NewKafkaPublisher", "topic required")
	}
	batchTimeout := config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: batchTimeout,
			Compression:  kafka.Snappy,
		},
	}, nil
}

var _ Publisher = (*KafkaPublisher)(nil)

// Publish writes one envelope keyed by partition key
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, data []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "source-topic", Value: []byte(topic)},
		},
	})
	if err != nil {
		return errors.WrapTransient(err, "KafkaPublisher", "Publish", "write messages")
	}
	return nil
}

// Close flushes pending batches and releases the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
