package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads telemetry published by gateways that bridge devices
// onto Kafka. Messages carry the same JSON as the HTTP endpoint.
type KafkaConsumer struct {
	reader messageReader
	ingest Ingestor
	logger *zap.Logger
}

func NewKafkaConsumer(cfg *config.KafkaConfig, ingest Ingestor, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.TelemetryTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  200 * time.Millisecond,
	})
	return &KafkaConsumer{reader: reader, ingest: ingest, logger: logger}
}

// Start consumes until ctx is done. Every fetched message is committed,
// including rejected ones; there is no retry queue.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Kafka consumer stopped")
				return nil
			}
			c.logger.Error("Failed to fetch Kafka message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit Kafka message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) {
	msgCtx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	if _, err := c.ingest.IngestPayload(msgCtx, msg.Value, sourceKafka); err != nil {
		level := c.logger.Error
		if errors.Is(err, models.ErrValidation) {
			level = c.logger.Warn
		}
		level("Failed to ingest Kafka message",
			zap.String("key", string(msg.Key)),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
