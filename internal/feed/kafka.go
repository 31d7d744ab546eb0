package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"campusride/internal/logging"
)

const kafkaWriteTimeout = 2 * time.Second

// KafkaSink forwards change events to a Kafka topic keyed by ride id, so
// every change to one ride lands on the same partition.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaSink{writer: w, logger: logging.OrDiscard(logger)}
}

// Publish implements Publisher. Resync events are not forwarded; they only
// concern live subscribers.
func (k *KafkaSink) Publish(ctx context.Context, ev Event) error {
	if ev.Op == OpResync || ev.Ride == nil {
		return nil
	}

	payload, err := MarshalEvent(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Ride.ID),
		Value: payload,
		Time:  ev.At,
	})
	if err != nil {
		k.logger.Warn("kafka write failed", "ride_id", ev.Ride.ID, "error", err)
	}
	return err
}

// Close flushes and closes the writer.
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
