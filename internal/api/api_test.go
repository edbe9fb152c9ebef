package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/novachat/backend/internal/errors"
	syncpkg "github.com/kimhsiao/novachat/backend/internal/sync"
	"github.com/kimhsiao/novachat/backend/internal/sync/scheduler"
)

// =====================================================
// Fixtures
// =====================================================

type fakeSyncer struct {
	mu        sync.Mutex
	requests  []scheduler.Options
	decision  scheduler.Decision
	syncErr   error
	resyncErr error
	statusErr error
}

func (f *fakeSyncer) RequestSync(tenant string, opts scheduler.Options) scheduler.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, opts)
	if f.decision == "" {
		return scheduler.DecisionScheduled
	}
	return f.decision
}

func (f *fakeSyncer) SyncNow(_ context.Context, tenant string, opts scheduler.Options) (*syncpkg.SyncResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, opts)
	f.mu.Unlock()
	if f.syncErr != nil && apperrors.IsAuth(f.syncErr) {
		return &syncpkg.SyncResult{Tenant: tenant, Outcome: syncpkg.OutcomeSkipped, Error: f.syncErr.Error()}, f.syncErr
	}
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	return &syncpkg.SyncResult{Tenant: tenant, Outcome: syncpkg.OutcomeOK, CursorAdvanced: true}, nil
}

func (f *fakeSyncer) ForceFullResync(_ context.Context, tenant string) (*syncpkg.SyncResult, error) {
	if f.resyncErr != nil {
		return nil, f.resyncErr
	}
	return &syncpkg.SyncResult{Tenant: tenant, Full: true, Outcome: syncpkg.OutcomeOK}, nil
}

func (f *fakeSyncer) Status(_ context.Context, tenant string) (*scheduler.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &scheduler.Status{Tenant: tenant, PendingCount: 2, Debouncing: true}, nil
}

func (f *fakeSyncer) lastRequest(t *testing.T) scheduler.Options {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type server struct {
	syncer *fakeSyncer
	hub    *Hub
	srv    *httptest.Server
}

func newServer(t *testing.T, checks map[string]Check) *server {
	t.Helper()
	s := &server{syncer: &fakeSyncer{}, hub: NewHub()}
	h := NewHandler(s.syncer, []string{"t1", "t2"}, checks)
	s.srv = httptest.NewServer(NewRouter(zerolog.Nop(), h, s.hub))
	t.Cleanup(func() {
		s.hub.Close()
		s.srv.Close()
	})
	return s
}

func (s *server) do(t *testing.T, method, path, contentType, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

// =====================================================
// Sync endpoints
// =====================================================

func TestRequestSync_Debounced(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/api/sync/t1", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "debounced", body["decision"])

	opts := s.syncer.lastRequest(t)
	assert.Equal(t, "api", opts.Reason)
	assert.False(t, opts.Force)
}

func TestRequestSync_BodyOptions(t *testing.T) {
	s := newServer(t, nil)

	resp, _ := s.do(t, http.MethodPost, "/api/sync/t1", "application/json", `{"active":true,"force":true,"reason":"focus"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	opts := s.syncer.lastRequest(t)
	assert.Equal(t, scheduler.Options{Force: true, IsActive: true, Reason: "focus"}, opts)
}

func TestRequestSync_Wait(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/api/sync/t1?wait=true", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["outcome"])
	assert.Equal(t, true, body["cursor_advanced"])
}

func TestRequestSync_WaitAuthFailure(t *testing.T) {
	s := newServer(t, nil)
	s.syncer.syncErr = apperrors.New(apperrors.ErrSyncAuthFailed, "token expired")

	resp, body := s.do(t, http.MethodPost, "/api/sync/t1?wait=true", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "skipped_auth", body["outcome"])
}

func TestRequestSync_Errors(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		syncErr     error
		decision    scheduler.Decision
		wantStatus  int
		wantCode    string
	}{
		{name: "unknown tenant", path: "/api/sync/t9", wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "bad body", path: "/api/sync/t1", contentType: "application/json", body: `{"force":`, wantStatus: http.StatusBadRequest, wantCode: "VALIDATION_ERROR"},
		{name: "wrong content type", path: "/api/sync/t1", contentType: "text/plain", body: "sync", wantStatus: http.StatusUnsupportedMediaType},
		{name: "stopped", path: "/api/sync/t1", decision: scheduler.DecisionStopped, wantStatus: http.StatusServiceUnavailable},
		{
			name:       "in progress",
			path:       "/api/sync/t1?wait=true",
			syncErr:    apperrors.New(apperrors.ErrSyncInProgress, "round running"),
			wantStatus: http.StatusConflict,
			wantCode:   "SYNC_IN_PROGRESS",
		},
		{
			name:       "timeout",
			path:       "/api/sync/t1?wait=true",
			syncErr:    context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "SYNC_TIMEOUT",
		},
		{
			name:       "internal",
			path:       "/api/sync/t1?wait=true",
			syncErr:    errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, nil)
			s.syncer.syncErr = tt.syncErr
			s.syncer.decision = tt.decision

			resp, body := s.do(t, http.MethodPost, tt.path, tt.contentType, tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, body["code"])
			}
		})
	}
}

func TestResync(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodPost, "/api/sync/t2/resync", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["full"])
	assert.Equal(t, "t2", body["tenant"])

	s.syncer.resyncErr = apperrors.New(apperrors.ErrSyncInProgress, "round running")
	resp, _ = s.do(t, http.MethodPost, "/api/sync/t2/resync", "", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, http.MethodGet, "/api/sync/t1/status", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "t1", body["tenant"])
	assert.Equal(t, float64(2), body["pending_count"])
	assert.Equal(t, true, body["debouncing"])

	s.syncer.statusErr = apperrors.New(apperrors.ErrDatabase, "locked")
	resp, body = s.do(t, http.MethodGet, "/api/sync/t1/status", "", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "DATABASE_ERROR", body["code"])
}

// =====================================================
// Error history
// =====================================================

type fakeErrorLog struct {
	entries []syncpkg.SyncErrorEntry
	cleared int
}

func (f *fakeErrorLog) GetErrorHistory() []syncpkg.SyncErrorEntry {
	return append([]syncpkg.SyncErrorEntry(nil), f.entries...)
}

func (f *fakeErrorLog) ClearErrorHistory() {
	f.cleared++
	f.entries = nil
}

func newErrorServer(t *testing.T, log ErrorLog) *httptest.Server {
	t.Helper()
	h := NewHandler(&fakeSyncer{}, []string{"t1", "t2"}, nil)
	if log != nil {
		h.SetErrorLog(log)
	}
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), h, nil))
	t.Cleanup(srv.Close)
	return srv
}

func getErrors(t *testing.T, url string) []interface{} {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	list, ok := body["errors"].([]interface{})
	require.True(t, ok, "errors must be a list")
	return list
}

func TestErrors_ListAndFilter(t *testing.T) {
	log := &fakeErrorLog{entries: []syncpkg.SyncErrorEntry{
		{Tenant: "t1", Operation: "push", Code: apperrors.ErrSyncTransient, Error: "refused", Timestamp: time.Now()},
		{Tenant: "t2", Operation: "pull", Code: apperrors.ErrSyncTimeout, Error: "deadline", Timestamp: time.Now()},
	}}
	srv := newErrorServer(t, log)

	all := getErrors(t, srv.URL+"/api/errors")
	assert.Len(t, all, 2)

	only := getErrors(t, srv.URL+"/api/errors?tenant=t2")
	require.Len(t, only, 1)
	entry := only[0].(map[string]interface{})
	assert.Equal(t, "pull", entry["operation"])
	assert.Equal(t, string(apperrors.ErrSyncTimeout), entry["code"])

	assert.Len(t, log.entries, 2, "filtering must not touch the source history")
}

func TestErrors_Clear(t *testing.T) {
	log := &fakeErrorLog{entries: []syncpkg.SyncErrorEntry{{Tenant: "t1", Operation: "push"}}}
	srv := newErrorServer(t, log)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/errors", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, log.cleared)
	assert.Empty(t, getErrors(t, srv.URL+"/api/errors"))
}

func TestErrors_NoLog(t *testing.T) {
	srv := newErrorServer(t, nil)
	assert.Empty(t, getErrors(t, srv.URL+"/api/errors"))
}

// =====================================================
// Health, metrics, routing
// =====================================================

func TestHealth(t *testing.T) {
	s := newServer(t, map[string]Check{
		"local":  func(context.Context) error { return nil },
		"remote": func(context.Context) error { return nil },
	})
	resp, body := s.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	checks := body["checks"].(map[string]interface{})
	assert.Len(t, checks, 2)
}

func TestHealth_Degraded(t *testing.T) {
	s := newServer(t, map[string]Check{
		"remote": func(context.Context) error { return errors.New("connection refused") },
	})
	resp, body := s.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.do(t, http.MethodGet, "/api/sync/t1/status", "", "")

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `novasync_http_requests_total{method="GET",route="/api/sync/{tenant}/status",status="200"}`)
}

func TestNotFound(t *testing.T) {
	s := newServer(t, nil)
	resp, body := s.do(t, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestLocalOnly(t *testing.T) {
	router := NewRouter(zerolog.Nop(), NewHandler(&fakeSyncer{}, nil, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Host = "sync.example.com"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Host = "localhost:8090"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =====================================================
// Event stream
// =====================================================

func (s *server) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_BroadcastsTenantEvents(t *testing.T) {
	s := newServer(t, nil)
	conn := s.dial(t, "?tenant=t1")
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.hub.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventStarted, Tenant: "t2", Timestamp: now})
	s.hub.OnSyncEvent(syncpkg.SyncEvent{
		Type:      syncpkg.SyncEventCompleted,
		Tenant:    "t1",
		Result:    &syncpkg.SyncResult{Tenant: "t1", Outcome: syncpkg.OutcomeOK},
		Timestamp: now,
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventSyncCompleted, env["type"])
	assert.Equal(t, "t1", env["tenant"])
	assert.Equal(t, float64(now.UnixMilli()), env["timestamp"])
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "ok", data["result"].(map[string]interface{})["outcome"])
}

func TestHub_FailedEventCarriesError(t *testing.T) {
	s := newServer(t, nil)
	conn := s.dial(t, "")
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	s.hub.OnSyncEvent(syncpkg.SyncEvent{
		Type:      syncpkg.SyncEventFailed,
		Tenant:    "t2",
		Err:       apperrors.New(apperrors.ErrSyncTransient, "reset"),
		Timestamp: time.Now(),
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, EventSyncFailed, env["type"])
	assert.Contains(t, env["data"].(map[string]interface{})["error"], "SYNC_TRANSIENT")
}

func TestHub_Ping(t *testing.T) {
	s := newServer(t, nil)
	conn := s.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"ping"}`)))
	env := readEnvelope(t, conn)
	assert.Equal(t, "pong", env["action"])
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	s := newServer(t, nil)
	conn := s.dial(t, "")
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CloseRejectsNewListeners(t *testing.T) {
	s := newServer(t, nil)
	s.hub.Close()

	conn := s.dial(t, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Equal(t, 0, s.hub.Clients())
}
