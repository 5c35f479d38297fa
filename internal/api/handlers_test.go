package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codebridge/internal/config"
	"codebridge/internal/monitor"
	"codebridge/internal/sandbox"
	"codebridge/internal/session"
)

type stubHandle struct {
	out  chan sandbox.Chunk
	done chan sandbox.Result
	once sync.Once
}

func newStubHandle() *stubHandle {
	return &stubHandle{
		out:  make(chan sandbox.Chunk),
		done: make(chan sandbox.Result, 1),
	}
}

func (h *stubHandle) WriteStdin([]byte) error      { return nil }
func (h *stubHandle) Output() <-chan sandbox.Chunk { return h.out }
func (h *stubHandle) Done() <-chan sandbox.Result  { return h.done }
func (h *stubHandle) Kill()                        { h.finish(sandbox.StatusKilled) }
func (h *stubHandle) finish(status sandbox.Status) {
	h.once.Do(func() {
		close(h.out)
		h.done <- sandbox.Result{Status: status}
		close(h.done)
	})
}

type stubBackend struct {
	healthy  bool
	startErr error

	mu      sync.Mutex
	handles []*stubHandle
}

func (b *stubBackend) Start(context.Context, sandbox.StartRequest) (sandbox.Handle, error) {
	if b.startErr != nil {
		return nil, b.startErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := newStubHandle()
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *stubBackend) Healthy(context.Context) bool { return b.healthy }
func (b *stubBackend) Close() error                 { return nil }

func newTestHandlers(t *testing.T, backend sandbox.Backend) *Handlers {
	t.Helper()
	metrics := monitor.NewMetrics()
	sessions := session.NewManager(backend, metrics, session.Options{
		WorkspaceRoot: t.TempDir(),
		RunTimeout:    5 * time.Second,
	})
	return NewHandlers(sessions, backend, t.TempDir(), metrics)
}

func postRun(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleRun(rec, req)
	return rec
}

func TestHandleRunStartsRun(t *testing.T) {
	backend := &stubBackend{healthy: true}
	h := newTestHandlers(t, backend)

	rec := postRun(t, h, `{"code":"print(1)","language":"python","socketId":"c1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "started" || resp.SocketID != "c1" {
		t.Fatalf("response = %+v", resp)
	}

	backend.mu.Lock()
	n := len(backend.handles)
	backend.mu.Unlock()
	if n != 1 {
		t.Fatalf("backend launches = %d, want 1", n)
	}
	backend.handles[0].finish(sandbox.StatusCompleted)
}

func TestHandleRunBadRequests(t *testing.T) {
	h := newTestHandlers(t, &stubBackend{healthy: true})

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `{`, "INVALID_REQUEST"},
		{"missing code", `{"language":"python","socketId":"c1"}`, "INVALID_REQUEST"},
		{"missing socket id", `{"code":"x","language":"python"}`, "INVALID_REQUEST"},
		{"unsupported language", `{"code":"x","language":"rust","socketId":"c1"}`, "UNSUPPORTED_LANGUAGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postRun(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != tt.wantCode {
				t.Fatalf("error code = %s, want %s", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleRunConflictWhileActive(t *testing.T) {
	backend := &stubBackend{healthy: true}
	h := newTestHandlers(t, backend)

	if rec := postRun(t, h, `{"code":"x","language":"python","socketId":"c1"}`); rec.Code != http.StatusOK {
		t.Fatalf("first run status = %d", rec.Code)
	}
	rec := postRun(t, h, `{"code":"y","language":"python","socketId":"c1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second run status = %d, want 409", rec.Code)
	}
	backend.handles[0].finish(sandbox.StatusCompleted)
}

func TestHandleRunUnknownSocketID(t *testing.T) {
	backend := &stubBackend{healthy: true}
	h := newTestHandlers(t, backend)
	h.sessions.OwnerAlive = func(string) bool { return false }

	rec := postRun(t, h, `{"code":"x","language":"python","socketId":"never-connected"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "UNKNOWN_CONNECTION" {
		t.Fatalf("error code = %s, want UNKNOWN_CONNECTION", resp.Code)
	}
	backend.mu.Lock()
	n := len(backend.handles)
	backend.mu.Unlock()
	if n != 0 {
		t.Fatalf("backend launches = %d, want 0", n)
	}
}

func TestHandleRunLaunchFailure(t *testing.T) {
	backend := &stubBackend{healthy: true, startErr: sandbox.ErrLaunchFailed}
	h := newTestHandlers(t, backend)

	rec := postRun(t, h, `{"code":"x","language":"python","socketId":"c1"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func newTestServer(t *testing.T, backend sandbox.Backend) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	metrics := monitor.NewMetrics()
	sessions := session.NewManager(backend, metrics, session.Options{
		WorkspaceRoot: cfg.Workspace.Root,
	})
	ws := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	return NewServer(cfg, backend, sessions, ws, nil, metrics)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubBackend{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.Backend || !resp.Workspace {
		t.Fatalf("health = %+v", resp)
	}
}

func TestHealthDegradedWhenBackendDown(t *testing.T) {
	srv := newTestServer(t, &stubBackend{healthy: false})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubBackend{healthy: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("codebridge_")) {
		t.Fatal("metrics output missing codebridge namespace")
	}
}
