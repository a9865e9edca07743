package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/config"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const measurement = "wearable_telemetry"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxArchiver keeps every reading as a time-series point, tagged by
// device, for long-range analytics the 24h hot history cannot serve.
type InfluxArchiver struct {
	client influxdb2.Client
	writer pointWriter
	logger *zap.Logger
}

func NewInfluxArchiver(cfg *config.InfluxConfig, logger *zap.Logger) *InfluxArchiver {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxArchiver{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger,
	}
}

// Archive writes the numeric and boolean fields of t. The device timestamp is
// used when it parses as RFC3339, otherwise the receive time.
func (a *InfluxArchiver) Archive(ctx context.Context, mac string, t models.Telemetry, receivedAt time.Time) error {
	fields := t.NumericFields()
	delete(fields, models.FieldReceivedAt)
	if len(fields) == 0 {
		return nil
	}

	ts := receivedAt
	if s, ok := t[models.FieldTimestamp].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, s); err == nil {
			ts = parsed
		}
	}

	p := influxdb2.NewPoint(measurement, map[string]string{"mac_address": mac}, fields, ts)
	if err := a.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("error writing to InfluxDB: %w", err)
	}
	a.logger.Debug("Telemetry archived", zap.String("mac_address", mac), zap.Int("fields", len(fields)))
	return nil
}

func (a *InfluxArchiver) Close() {
	if a.client != nil {
		a.client.Close()
	}
}
