package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

const produceTimeout = 2 * time.Second

// Producer publishes driver location samples to Kafka, keyed by driver id
// so one driver's samples stay ordered on a partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer for topic on brokers.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

// Publish writes one sample.
func (p *Producer) Publish(ctx context.Context, m LocationMessage) error {
	if m.ReportedAt.IsZero() {
		m.ReportedAt = time.Now().UTC()
	}
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(m.DriverID), Value: value})
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
