package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/service"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultHistoryCount = 20
	maxHistoryCount     = 1000
)

// Ingestor accepts raw telemetry bodies.
type Ingestor interface {
	IngestPayload(ctx context.Context, payload []byte, source string) (models.Telemetry, error)
}

// DeviceQuery is the read side and operator actions for devices and alerts.
type DeviceQuery interface {
	GetDeviceData(ctx context.Context, mac string) (models.Telemetry, error)
	GetHistory(ctx context.Context, mac string, count int) ([]models.Telemetry, error)
	GetStatus(ctx context.Context, mac string) (*service.DeviceStatus, error)
	SetMaintenance(ctx context.Context, mac string, minutes int) error
	RecentAlerts(ctx context.Context, since time.Time) ([]models.AlertEvent, error)
	ResolveEvent(ctx context.Context, id, resolvedBy int64) (*models.AlertEvent, error)
}

type DeviceHandler struct {
	ingest Ingestor
	query  DeviceQuery
	logger *zap.Logger
}

func NewDeviceHandler(ingest Ingestor, query DeviceQuery, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{ingest: ingest, query: query, logger: logger}
}

// ReceiveData handles POST /api/esp32/data.
func (h *DeviceHandler) ReceiveData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("failed to read request body"))
		return
	}

	record, err := h.ingest.IngestPayload(r.Context(), body, service.SourceHTTP)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, OkMessage("Data received successfully", record))
}

// GetData handles GET /api/esp32/data/{mac}.
func (h *DeviceHandler) GetData(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	data, err := h.query.GetDeviceData(r.Context(), mac)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(data))
}

// GetHistory handles GET /api/esp32/history/{mac}?count=N.
func (h *DeviceHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	history, err := h.query.GetHistory(r.Context(), mac, historyCount(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(history))
}

// ExportHistory handles GET /api/esp32/history/{mac}/export.
func (h *DeviceHandler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	history, err := h.query.GetHistory(r.Context(), mac, historyCount(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	data, err := GenerateHistoryExport(mac, history)
	if err != nil {
		h.logger.Error("Failed to generate history export", zap.String("mac_address", mac), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to generate export"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", exportFileName(mac)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetStatus handles GET /api/esp32/status/{mac}.
func (h *DeviceHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	status, err := h.query.GetStatus(r.Context(), mac)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(status))
}

type maintenanceRequest struct {
	Minutes int `json:"minutes"`
}

// SetMaintenance handles PUT /api/esp32/maintenance/{mac}.
func (h *DeviceHandler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	var req maintenanceRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.query.SetMaintenance(r.Context(), mac, req.Minutes); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, OkMessage("Maintenance window set", map[string]any{
		"mac_address": mac,
		"minutes":     req.Minutes,
	}))
}

// RecentAlerts handles GET /api/alerts/recent?since=<millis>.
func (h *DeviceHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		ms := parseInt(v, -1)
		if ms < 0 {
			writeJSON(w, http.StatusBadRequest, Fail("since must be a unix timestamp in milliseconds"))
			return
		}
		since = time.UnixMilli(int64(ms))
	}

	alerts, err := h.query.RecentAlerts(r.Context(), since)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alerts))
}

func historyCount(r *http.Request) int {
	n := parseInt(r.URL.Query().Get("count"), defaultHistoryCount)
	if n <= 0 {
		return defaultHistoryCount
	}
	if n > maxHistoryCount {
		return maxHistoryCount
	}
	return n
}
