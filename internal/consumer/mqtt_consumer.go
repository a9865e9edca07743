package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/mqtt"

	"go.uber.org/zap"
)

const (
	sourceMQTT     = "mqtt"
	sourceKafka    = "kafka"
	messageTimeout = 10 * time.Second
)

// Ingestor is the ingestion pipeline as seen by the transports.
type Ingestor interface {
	Ingest(ctx context.Context, raw map[string]any, source string) (models.Telemetry, error)
	IngestPayload(ctx context.Context, payload []byte, source string) (models.Telemetry, error)
	RegisterHeartbeat(ctx context.Context, mac string) error
	MarkOffline(ctx context.Context, mac string) error
}

// Subscriber is the part of the MQTT client the consumer needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer routes device topics:
//
//	stepguard/status/<mac>  payload "online" or "offline"
//	stepguard/<mac>         telemetry JSON
type MQTTConsumer struct {
	subscriber Subscriber
	ingest     Ingestor
	topic      string
	qos        byte
	logger     *zap.Logger

	ctx context.Context
}

func NewMQTTConsumer(subscriber Subscriber, ingest Ingestor, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		ingest:     ingest,
		topic:      topic,
		qos:        qos,
		logger:     logger,
		ctx:        context.Background(),
	}
}

// Start subscribes and blocks until ctx is done.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.subscriber.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return err
	}
	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	<-ctx.Done()
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Warn("Failed to unsubscribe", zap.String("topic", c.topic), zap.Error(err))
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// HandleMessage processes one MQTT message.
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, messageTimeout)
	defer cancel()

	parts := strings.Split(strings.Trim(topic, "/"), "/")

	if len(parts) >= 3 && parts[1] == "status" {
		mac := parts[len(parts)-1]
		switch strings.ToLower(strings.TrimSpace(string(payload))) {
		case "online":
			return c.ingest.RegisterHeartbeat(ctx, mac)
		case "offline":
			return c.ingest.MarkOffline(ctx, mac)
		default:
			c.logger.Debug("Ignoring unknown status payload",
				zap.String("topic", topic),
				zap.ByteString("payload", payload),
			)
			return nil
		}
	}

	raw, err := models.DecodeTelemetry(payload)
	if err != nil {
		return fmt.Errorf("invalid telemetry on %s: %w", topic, err)
	}
	// liveness comes only from the status topic
	delete(raw, models.FieldStatus)
	if len(parts) == 2 && raw[models.FieldMACAddress] == nil && raw[models.FieldMAC] == nil {
		raw[models.FieldMACAddress] = parts[1]
	}

	if _, err := c.ingest.Ingest(ctx, raw, sourceMQTT); err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.logger.Warn("Rejected MQTT telemetry", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}
