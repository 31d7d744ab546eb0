package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"campusride/internal/logging"
	"campusride/internal/observability"
	"campusride/internal/retry"
	"campusride/internal/service"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// LocationHandler applies a driver location report.
type LocationHandler interface {
	ReportDriverLocation(ctx context.Context, req service.DriverLocationReport) error
}

// ConsumerConfig tunes the consumer.
type ConsumerConfig struct {
	ApplyAttempts int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

// Consumer applies driver-locations messages to the location store. An
// offset is committed only after its message was applied or rejected as
// invalid, so delivery is at-least-once.
type Consumer struct {
	reader  MessageReader
	handler LocationHandler
	cfg     ConsumerConfig
	logger  *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(reader MessageReader, handler LocationHandler, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.ApplyAttempts <= 0 {
		cfg.ApplyAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Consumer{reader: reader, handler: handler, cfg: cfg, logger: logging.OrDiscard(logger)}
}

// NewKafkaReader creates the group reader used in production.
func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	readBackoff := &retry.Backoff{Min: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff}

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("kafka fetch failed", "error", err)
			if !readBackoff.Sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		readBackoff.Reset()

		if err := c.handleUntilApplied(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// handleUntilApplied blocks on msg until it is applied or dropped. Commits
// are cumulative, so moving past an unapplied message would lose it.
func (c *Consumer) handleUntilApplied(ctx context.Context, msg kafka.Message) error {
	b := &retry.Backoff{Min: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff}
	for {
		err := c.Handle(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("location message not applied, will retry", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		if !b.Sleep(ctx) {
			return ctx.Err()
		}
	}
}

// Handle decodes and applies one message. Invalid messages are counted and
// dropped; upstream failures are retried with backoff.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	observability.IngestMessagesTotal.WithLabelValues("consumed").Inc()

	m, err := Decode(msg.Value)
	if err != nil {
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("dropping invalid location message", "offset", msg.Offset, "error", err)
		return nil
	}

	b := &retry.Backoff{Min: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff}
	err = retry.Do(ctx, b, c.cfg.ApplyAttempts, isRetryable, func(ctx context.Context) error {
		return c.handler.ReportDriverLocation(ctx, m.Report())
	})
	switch {
	case err == nil:
		observability.IngestMessagesTotal.WithLabelValues("applied").Inc()
		return nil
	case !isRetryable(err):
		// Validation failures will not improve on redelivery.
		observability.IngestMessagesTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn("dropping rejected location message", "driver_id", m.DriverID, "error", err)
		return nil
	default:
		observability.IngestMessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, service.ErrUpstreamUnavailable)
}
