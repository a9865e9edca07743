package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// RouterDeps collects what the HTTP surface needs. Ready may be nil.
type RouterDeps struct {
	Devices     *DeviceHandler
	Alerts      *AlertHandler
	Metrics     *metrics.Metrics
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter registers every route and wraps the mux with CORS, access logging
// and panic recovery.
func NewRouter(d RouterDeps) http.Handler {
	r := mux.NewRouter()

	handle := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, d.Metrics.WrapHandler(path, h)).Methods(methods...)
	}

	// telemetry
	handle("/api/esp32/data", d.Devices.ReceiveData, http.MethodPost)
	handle("/api/esp32/data/{mac}", d.Devices.GetData, http.MethodGet)
	handle("/api/esp32/history/{mac}", d.Devices.GetHistory, http.MethodGet)
	handle("/api/esp32/history/{mac}/export", d.Devices.ExportHistory, http.MethodGet)
	handle("/api/esp32/status/{mac}", d.Devices.GetStatus, http.MethodGet)
	handle("/api/esp32/maintenance/{mac}", d.Devices.SetMaintenance, http.MethodPut)

	// alerts
	handle("/api/alerts/recent", d.Devices.RecentAlerts, http.MethodGet)
	handle("/api/events/stream", d.Alerts.Stream, http.MethodGet)
	handle("/api/events/{id}/resolve", d.Alerts.Resolve, http.MethodPut)

	r.Handle("/metrics", d.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(d.Ready)).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	stdLog := zap.NewStdLog(d.Logger)
	var h http.Handler = c.Handler(r)
	h = handlers.CustomLoggingHandler(io.Discard, h, accessLog(d.Logger))
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog), handlers.PrintRecoveryStack(true))(h)
	return h
}

func healthz(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
				return
			}
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	}
}

func accessLog(logger *zap.Logger) handlers.LogFormatter {
	return func(_ io.Writer, p handlers.LogFormatterParams) {
		logger.Debug("HTTP request",
			zap.String("method", p.Request.Method),
			zap.String("path", p.URL.Path),
			zap.Int("status", p.StatusCode),
			zap.Int("size", p.Size),
			zap.Duration("duration", time.Since(p.TimeStamp)),
		)
	}
}
