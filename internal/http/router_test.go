package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/auth"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/broadcast"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/metrics"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/models"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/repository"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/service"
	"github.com/Delta-44/StepGuard-IoT-FallDetection-sub000/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type fakeEvents struct {
	resolvable map[int64]*models.AlertEvent
	nextID     int64
}

func (f *fakeEvents) CreateAlertEvent(_ context.Context, ev models.AlertEvent) (int64, error) {
	f.nextID++
	ev.ID = f.nextID
	f.resolvable[ev.ID] = &ev
	return ev.ID, nil
}

func (f *fakeEvents) ResolveAlertEvent(_ context.Context, id, resolvedBy int64) (*models.AlertEvent, error) {
	ev, ok := f.resolvable[id]
	if !ok {
		return nil, repository.ErrAlertEventNotFound
	}
	delete(f.resolvable, id)
	ev.Status = models.AlertStatusResolved
	ev.ResolvedBy = &resolvedBy
	return ev, nil
}

type testEnv struct {
	mr        *miniredis.Miniredis
	hub       *broadcast.Broadcaster
	validator *auth.Validator
	handler   http.Handler
}

func newTestEnv(t *testing.T, keepAlive time.Duration) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	hot := store.NewRedisHotStore(client, store.DefaultOptions())
	events := &fakeEvents{resolvable: map[int64]*models.AlertEvent{}}
	hub := broadcast.NewBroadcaster(nil, nil, 8, logger, m)
	t.Cleanup(hub.Close)

	tracker := service.NewStatusTracker(hot, nil, logger, m)
	ingest := service.NewIngestService(service.IngestDeps{
		Hot:       hot,
		Tracker:   tracker,
		Events:    events,
		Publisher: hub,
	}, 100, logger, m)
	query := service.NewQueryService(hot, nil, events, hub, logger)
	validator := auth.NewValidator(testSecret)

	handler := NewRouter(RouterDeps{
		Devices:     NewDeviceHandler(ingest, query, logger),
		Alerts:      NewAlertHandler(hub, query, validator, keepAlive, logger),
		Metrics:     m,
		Ready:       func(ctx context.Context) error { return store.Ping(ctx, client) },
		CORSOrigins: []string{"http://localhost:4200"},
		Logger:      logger,
	})
	return &testEnv{mr: mr, hub: hub, validator: validator, handler: handler}
}

func (e *testEnv) token(t *testing.T, id int64, role models.Role) string {
	t.Helper()
	tok, err := e.validator.Issue(id, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Result[json.RawMessage] {
	t.Helper()
	var res Result[json.RawMessage]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func TestReceiveData(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	rec := e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","impact_count":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.Equal(t, ResultSuccess, res.Code)

	var record map[string]any
	require.NoError(t, json.Unmarshal(res.Result, &record))
	assert.Equal(t, "AA:01", record["macAddress"])
	assert.Contains(t, record, "received_at")
}

func TestReceiveData_Rejections(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	rec := e.do(http.MethodPost, "/api/esp32/data", `{"impact_count":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ResultError, decode(t, rec).Code)

	rec = e.do(http.MethodPost, "/api/esp32/data", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/api/esp32/data", ``)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReceiveData_StoreDown(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	e.mr.SetError("LOADING")

	rec := e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = e.do(http.MethodGet, "/healthz", ``)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetDataHistoryAndStatus(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","impact_count":1}`)
	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","impact_count":2}`)

	rec := e.do(http.MethodGet, "/api/esp32/data/AA:01", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &snap))
	assert.Equal(t, 2.0, snap["impact_count"])

	rec = e.do(http.MethodGet, "/api/esp32/data/ZZ:99", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodGet, "/api/esp32/history/AA:01?count=1", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &history))
	require.Len(t, history, 1)
	assert.Equal(t, 2.0, history[0]["impact_count"])

	rec = e.do(http.MethodGet, "/api/esp32/status/AA:01", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	var status service.DeviceStatus
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &status))
	assert.Equal(t, store.StatusOnline, status.Status)
	assert.NotNil(t, status.LastHeartbeat)

	rec = e.do(http.MethodGet, "/api/esp32/status/ZZ:99", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &status))
	assert.Equal(t, store.StatusUnknown, status.Status)
}

func TestExportHistory(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","impact_count":1,"temperature":36.5}`)

	rec := e.do(http.MethodGet, "/api/esp32/history/AA:01/export", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "history-AA01.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Device", "AA:01"}, rows[0])
	assert.Equal(t, "Received At", rows[1][0])
	assert.Equal(t, "temperature", rows[1][len(rows[1])-1])
	assert.Equal(t, "36.5", rows[2][len(rows[2])-1])
}

func TestMaintenance(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	rec := e.do(http.MethodPut, "/api/esp32/maintenance/AA:01", `{"minutes":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPut, "/api/esp32/maintenance/AA:01", `{"minutes":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPut, "/api/esp32/maintenance/AA:01", `{"minutes":5}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.mr.Exists("stepguard:maintenance:AA:01"))
}

func TestRecentAlerts(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","isFallDetected":true}`)

	rec := e.do(http.MethodGet, "/api/alerts/recent", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []models.AlertEvent
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, models.EventTypeFallDetected, alerts[0].Kind)

	future := time.Now().Add(time.Hour).UnixMilli()
	rec = e.do(http.MethodGet, "/api/alerts/recent?since="+strconv.FormatInt(future, 10), ``)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &alerts))
	assert.Empty(t, alerts)

	rec = e.do(http.MethodGet, "/api/alerts/recent?since=yesterday", ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveEvent(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","isFallDetected":true}`)

	sub, err := e.hub.Subscribe(100, models.RoleSupervisor)
	require.NoError(t, err)

	rec := e.do(http.MethodPut, "/api/events/1/resolve", ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	owner := "Bearer " + e.token(t, 5, models.RoleOwner)
	rec = e.do(http.MethodPut, "/api/events/1/resolve", ``, "Authorization", owner)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	caregiver := "Bearer " + e.token(t, 9, models.RoleObserver)
	rec = e.do(http.MethodPut, "/api/events/abc/resolve", ``, "Authorization", caregiver)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPut, "/api/events/1/resolve", ``, "Authorization", caregiver)
	require.Equal(t, http.StatusOK, rec.Code)
	var ev models.AlertEvent
	require.NoError(t, json.Unmarshal(decode(t, rec).Result, &ev))
	assert.Equal(t, models.AlertStatusResolved, ev.Status)
	require.NotNil(t, ev.ResolvedBy)
	assert.Equal(t, int64(9), *ev.ResolvedBy)

	select {
	case frame := <-sub.Events():
		var env models.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, models.EventTypeResolved, env.Type)
	case <-time.After(time.Second):
		t.Fatal("resolution was not broadcast")
	}

	rec = e.do(http.MethodPut, "/api/events/1/resolve", ``, "Authorization", caregiver)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream_RequiresValidToken(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	rec := e.do(http.MethodGet, "/api/events/stream", ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/api/events/stream?token=garbage", ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := e.validator.Issue(1, models.RoleSupervisor, -time.Minute)
	require.NoError(t, err)
	rec = e.do(http.MethodGet, "/api/events/stream?token="+expired, ``)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ResultTokenExpired, decode(t, rec).Code)

	assert.Zero(t, e.hub.Count())
}

// nextFrame returns the next data line, skipping blanks and comments.
func nextFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		return line
	}
}

func TestStream_DeliversAlertsAndCleansUp(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/stream?token=" + e.token(t, 1, models.RoleSupervisor))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "data: "+connectedFrame, nextFrame(t, reader))
	assert.Equal(t, 1, e.hub.Count())

	post, err := http.Post(srv.URL+"/api/esp32/data", "application/json",
		strings.NewReader(`{"macAddress":"AA:01","isFallDetected":true}`))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, post.Body)
	post.Body.Close()

	frame := nextFrame(t, reader)
	require.True(t, strings.HasPrefix(frame, "data: "), frame)
	var env models.Envelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &env))
	assert.Equal(t, models.EventTypeFallDetected, env.Type)
	assert.Equal(t, "AA:01", env.Data.DeviceMAC)

	resp.Body.Close()
	require.Eventually(t, func() bool { return e.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_OwnerOfUnclaimedDeviceSeesNothing(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	owner, err := e.hub.Subscribe(5, models.RoleOwner)
	require.NoError(t, err)

	rec := e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01","isButtonPressed":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-owner.Events():
		t.Fatal("owner without a claimed device received an alert")
	default:
	}
}

func TestStream_KeepAlive(t *testing.T) {
	e := newTestEnv(t, 20*time.Millisecond)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events/stream?token=" + e.token(t, 1, models.RoleObserver))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keep-alive") {
			return
		}
	}
}

func TestHealthzMetricsAndCORS(t *testing.T) {
	e := newTestEnv(t, time.Hour)

	rec := e.do(http.MethodGet, "/healthz", ``)
	assert.Equal(t, http.StatusOK, rec.Code)

	e.do(http.MethodPost, "/api/esp32/data", `{"macAddress":"AA:01"}`)
	rec = e.do(http.MethodGet, "/metrics", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stepguard_ingest_total{result="ok",source="http"} 1`)
	assert.Contains(t, rec.Body.String(), `stepguard_http_requests_total{route="/api/esp32/data",status="200"} 1`)

	rec = e.do(http.MethodOptions, "/api/esp32/data", ``,
		"Origin", "http://localhost:4200",
		"Access-Control-Request-Method", http.MethodPost,
	)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:4200", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryHandler(t *testing.T) {
	e := newTestEnv(t, time.Hour)
	boom := NewRouter(RouterDeps{
		Devices: NewDeviceHandler(panicIngestor{}, nil, zap.NewNop()),
		Alerts:  NewAlertHandler(e.hub, nil, e.validator, time.Hour, zap.NewNop()),
		Logger:  zap.NewNop(),
	})

	rec := httptest.NewRecorder()
	boom.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/esp32/data", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicIngestor struct{}

func (panicIngestor) IngestPayload(context.Context, []byte, string) (models.Telemetry, error) {
	panic("boom")
}
