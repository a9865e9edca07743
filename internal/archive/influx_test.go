package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturingWriter struct {
	points []*write.Point
	err    error
}

func (w *capturingWriter) WritePoint(_ context.Context, point ...*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, point...)
	return nil
}

func TestInfluxArchiver_WritesNumericFields(t *testing.T) {
	w := &capturingWriter{}
	a := &InfluxArchiver{writer: w, logger: zap.NewNop()}

	received := time.Unix(1_700_000_000, 0)
	tel := models.Telemetry{
		"impact_magnitude": 2.5,
		"isFallDetected":   true,
		"firmware":         "1.2.0",
		"received_at":      float64(received.UnixMilli()),
	}
	require.NoError(t, a.Archive(context.Background(), "AA:01", tel, received))
	require.Len(t, w.points, 1)

	line := write.PointToLineProtocol(w.points[0], time.Second)
	assert.Contains(t, line, "wearable_telemetry,mac_address=AA:01")
	assert.Contains(t, line, "impact_magnitude=2.5")
	assert.Contains(t, line, "isFallDetected=true")
	assert.NotContains(t, line, "firmware")
	assert.NotContains(t, line, "received_at")
	assert.Contains(t, line, " 1700000000")
}

func TestInfluxArchiver_UsesDeviceTimestamp(t *testing.T) {
	w := &capturingWriter{}
	a := &InfluxArchiver{writer: w, logger: zap.NewNop()}

	tel := models.Telemetry{"temperature": 21.0, "timestamp": "2024-01-02T03:04:05Z"}
	require.NoError(t, a.Archive(context.Background(), "AA:01", tel, time.Now()))
	require.Len(t, w.points, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), w.points[0].Time().UTC())
}

func TestInfluxArchiver_SkipsEmptyAndWrapsErrors(t *testing.T) {
	w := &capturingWriter{err: errors.New("unauthorized")}
	a := &InfluxArchiver{writer: w, logger: zap.NewNop()}

	assert.NoError(t, a.Archive(context.Background(), "AA:01", models.Telemetry{"note": "x"}, time.Now()))

	err := a.Archive(context.Background(), "AA:01", models.Telemetry{"temperature": 20.0}, time.Now())
	assert.ErrorContains(t, err, "unauthorized")
}
