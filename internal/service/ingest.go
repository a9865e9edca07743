package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"go.uber.org/zap"
)

// Ingest sources.
const (
	SourceHTTP  = "http"
	SourceMQTT  = "mqtt"
	SourceKafka = "kafka"
)

// IngestService runs every telemetry message through the hot store, the
// durable aggregate and fall/SOS detection.
type IngestService struct {
	hot             store.HotStore
	tracker         *StatusTracker
	devices         DeviceStore
	events          EventStore
	owners          OwnerLookup
	archiver        Archiver
	publisher       Publisher
	historyCapacity int
	logger          *zap.Logger
	metrics         *metrics.Metrics
	now             func() time.Time
}

// IngestDeps groups the collaborators of IngestService. Durable stores, the
// archiver and the owner lookup are optional.
type IngestDeps struct {
	Hot       store.HotStore
	Tracker   *StatusTracker
	Devices   DeviceStore
	Events    EventStore
	Owners    OwnerLookup
	Archiver  Archiver
	Publisher Publisher
}

func NewIngestService(deps IngestDeps, historyCapacity int, logger *zap.Logger, m *metrics.Metrics) *IngestService {
	return &IngestService{
		hot:             deps.Hot,
		tracker:         deps.Tracker,
		devices:         deps.Devices,
		events:          deps.Events,
		owners:          deps.Owners,
		archiver:        deps.Archiver,
		publisher:       deps.Publisher,
		historyCapacity: historyCapacity,
		logger:          logger,
		metrics:         m,
		now:             time.Now,
	}
}

// IngestPayload decodes a raw JSON message and ingests it.
func (s *IngestService) IngestPayload(ctx context.Context, payload []byte, source string) (models.Telemetry, error) {
	raw, err := models.DecodeTelemetry(payload)
	if err != nil {
		s.metrics.Ingest(source, "invalid")
		return nil, err
	}
	return s.Ingest(ctx, raw, source)
}

// Ingest validates raw, updates the hot store and, best-effort, the durable
// store. Returns the stored record with its macAddress. Only validation and
// hot-store errors are returned.
func (s *IngestService) Ingest(ctx context.Context, raw map[string]any, source string) (models.Telemetry, error) {
	mac, t, err := models.NormalizeTelemetry(raw)
	if err != nil {
		s.metrics.Ingest(source, "invalid")
		return nil, err
	}

	now := s.now()
	record := t.With(models.FieldReceivedAt, now.UnixMilli())
	if _, ok := record[models.FieldTimestamp]; !ok {
		record[models.FieldTimestamp] = now.UTC().Format(time.RFC3339Nano)
	}

	if err := s.writeHot(ctx, mac, record, now); err != nil {
		s.metrics.Ingest(source, "store_error")
		return nil, err
	}

	s.ensureDeviceCounters(ctx, mac, record)
	s.archive(ctx, mac, record, now)

	if record.FallDetected() || record.ButtonPressed() {
		if err := s.raiseAlerts(ctx, mac, record, now); err != nil {
			s.metrics.Ingest(source, "store_error")
			return nil, err
		}
	}

	s.metrics.Ingest(source, "ok")
	s.logger.Debug("Telemetry ingested",
		zap.String("mac_address", mac),
		zap.String("source", source),
	)
	return record.With(models.FieldMACAddress, mac), nil
}

func (s *IngestService) writeHot(ctx context.Context, mac string, record models.Telemetry, now time.Time) error {
	if err := s.hot.PutSnapshot(ctx, mac, record); err != nil {
		return err
	}
	if err := s.hot.AppendHistory(ctx, mac, record, s.historyCapacity); err != nil {
		return err
	}
	return s.heartbeat(ctx, mac, now)
}

func (s *IngestService) heartbeat(ctx context.Context, mac string, now time.Time) error {
	_, indexed, err := s.hot.GetLastHeartbeat(ctx, mac)
	if err != nil {
		return err
	}
	if err := s.hot.RecordHeartbeat(ctx, mac, now.UnixMilli()); err != nil {
		return err
	}
	_, err = s.tracker.SyncHeartbeat(ctx, mac, indexed)
	return err
}

// RegisterHeartbeat handles an explicit liveness ping without telemetry.
func (s *IngestService) RegisterHeartbeat(ctx context.Context, mac string) error {
	if mac == "" {
		return models.ErrMissingDeviceID
	}
	return s.heartbeat(ctx, mac, s.now())
}

// MarkOffline handles a device announcing it is going away (MQTT last will).
func (s *IngestService) MarkOffline(ctx context.Context, mac string) error {
	if mac == "" {
		return models.ErrMissingDeviceID
	}
	if _, err := s.tracker.SyncTransition(ctx, mac, false); err != nil {
		return err
	}
	return s.hot.RemoveHeartbeat(ctx, mac)
}

// ensureDeviceCounters upserts the durable aggregate, registering the device
// on first contact and retrying once. Failures are logged only.
func (s *IngestService) ensureDeviceCounters(ctx context.Context, mac string, t models.Telemetry) {
	if s.devices == nil {
		return
	}
	impacts, magnitude := t.ImpactCount(), t.ImpactMagnitude()

	device, err := s.devices.UpsertDeviceCounters(ctx, mac, impacts, magnitude)
	if err == nil && device == nil {
		s.logger.Info("New device detected, auto-registering", zap.String("mac_address", mac))
		if err = s.devices.CreateDevice(ctx, mac, defaultDeviceName(mac)); err == nil {
			_, err = s.devices.UpsertDeviceCounters(ctx, mac, impacts, magnitude)
		}
	}
	if err != nil {
		s.metrics.BestEffortFailure("durable")
		s.logger.Error("Failed to persist device counters",
			zap.String("mac_address", mac),
			zap.Error(err),
		)
	}
}

func defaultDeviceName(mac string) string {
	return fmt.Sprintf("ESP32 Device %s", mac)
}

func (s *IngestService) archive(ctx context.Context, mac string, t models.Telemetry, at time.Time) {
	if s.archiver == nil {
		return
	}
	if err := s.archiver.Archive(ctx, mac, t, at); err != nil {
		s.metrics.BestEffortFailure("archive")
		s.logger.Warn("Failed to archive telemetry",
			zap.String("mac_address", mac),
			zap.Error(err),
		)
	}
}

// raiseAlerts returns the joined hot-store errors of the alerts it raised.
func (s *IngestService) raiseAlerts(ctx context.Context, mac string, t models.Telemetry, now time.Time) error {
	owner := s.lookupOwner(ctx, mac)

	inMaintenance, err := s.hot.IsInMaintenance(ctx, mac)
	if err != nil {
		s.logger.Warn("Failed to read maintenance flag", zap.String("mac_address", mac), zap.Error(err))
	}

	var errs []error
	if t.FallDetected() {
		errs = append(errs, s.raiseAlert(ctx, models.NewAlertEvent(mac, owner, models.EventTypeFallDetected, t, now), inMaintenance))
	}
	if t.ButtonPressed() {
		errs = append(errs, s.raiseAlert(ctx, models.NewAlertEvent(mac, owner, models.EventTypeSOSButton, t, now), inMaintenance))
	}
	return errors.Join(errs...)
}

func (s *IngestService) lookupOwner(ctx context.Context, mac string) *int64 {
	if s.owners == nil {
		return nil
	}
	id, found, err := s.owners.FindOwnerOf(ctx, mac)
	if err != nil {
		s.metrics.BestEffortFailure("directory")
		s.logger.Warn("Failed to resolve device owner", zap.String("mac_address", mac), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	return &id
}

// raiseAlert persists the event and pushes it to observers. A device in
// maintenance still gets its event recorded but nobody is notified. A failed
// hot-store write is returned after delivery so the alert still goes out.
func (s *IngestService) raiseAlert(ctx context.Context, ev models.AlertEvent, inMaintenance bool) error {
	s.metrics.Alert(ev.Kind)
	s.logger.Warn("Alert raised",
		zap.String("mac_address", ev.DeviceMAC),
		zap.String("type", ev.Kind),
		zap.String("severity", ev.Severity),
		zap.Any("impact_magnitude", ev.Telemetry[models.FieldImpactMagnitude]),
	)

	if s.events != nil {
		id, err := s.events.CreateAlertEvent(ctx, ev)
		if err != nil {
			s.metrics.BestEffortFailure("durable")
			s.logger.Error("Failed to persist alert event",
				zap.String("mac_address", ev.DeviceMAC),
				zap.String("type", ev.Kind),
				zap.Error(err),
			)
		} else {
			ev.ID = id
		}
	}

	recordErr := s.hot.RecordAlert(ctx, ev)
	if recordErr != nil {
		s.logger.Error("Failed to record alert in hot store",
			zap.String("mac_address", ev.DeviceMAC),
			zap.Error(recordErr),
		)
	}

	if inMaintenance {
		s.logger.Info("Device in maintenance, alert not broadcast",
			zap.String("mac_address", ev.DeviceMAC),
			zap.String("type", ev.Kind),
		)
		return recordErr
	}
	if s.publisher != nil {
		s.publisher.Broadcast(ctx, models.Envelope{Type: ev.Kind, Data: ev})
	}
	return recordErr
}
