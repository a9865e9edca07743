package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingestTotal         *prometheus.CounterVec
	alertsTotal         *prometheus.CounterVec
	deliveriesTotal     prometheus.Counter
	droppedTotal        prometheus.Counter
	connectedObservers  prometheus.Gauge
	livenessTransitions *prometheus.CounterVec
	bestEffortFailures  *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepguard_ingest_total",
			Help: "Telemetry messages processed by source and result.",
		}, []string{"source", "result"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepguard_alerts_total",
			Help: "Alert events raised by type.",
		}, []string{"type"}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepguard_alert_deliveries_total",
			Help: "Alert frames written to observer connections.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stepguard_alert_drops_total",
			Help: "Alert frames dropped because a connection buffer was full.",
		}),
		connectedObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepguard_connected_observers",
			Help: "Currently registered alert stream connections.",
		}),
		livenessTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepguard_liveness_transitions_total",
			Help: "Online/offline transitions synchronized to the durable store.",
		}, []string{"direction"}),
		bestEffortFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepguard_best_effort_failures_total",
			Help: "Swallowed failures in best-effort paths by component.",
		}, []string{"component"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepguard_http_requests_total",
			Help: "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepguard_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.ingestTotal,
		m.alertsTotal,
		m.deliveriesTotal,
		m.droppedTotal,
		m.connectedObservers,
		m.livenessTransitions,
		m.bestEffortFailures,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingest(source, result string) {
	if m == nil {
		return
	}
	m.ingestTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Alert(eventType string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveriesTotal.Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedTotal.Add(float64(n))
}

func (m *Metrics) SetConnectedObservers(n int) {
	if m == nil {
		return
	}
	m.connectedObservers.Set(float64(n))
}

func (m *Metrics) Transition(online bool) {
	if m == nil {
		return
	}
	direction := "offline"
	if online {
		direction = "online"
	}
	m.livenessTransitions.WithLabelValues(direction).Inc()
}

func (m *Metrics) BestEffortFailure(component string) {
	if m == nil {
		return
	}
	m.bestEffortFailures.WithLabelValues(component).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Flush keeps the event stream working through the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WrapHandler records request count and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
