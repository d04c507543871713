package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/logbuffer"
)

func TestSecurityHeadersMiddleware_BaselineHeaders(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q, want nosniff", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options=%q, want DENY", got)
	}
	if got := rr.Header().Get("Content-Security-Policy"); got == "" {
		t.Fatalf("expected Content-Security-Policy header")
	}
	if got := rr.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS on non-HTTPS request, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("API response allowed cross-origin reads: %q", got)
	}
}

func TestSecurityHeadersMiddleware_SetsHSTSOnHTTPS(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Fatalf("Strict-Transport-Security=%q, want max-age=31536000; includeSubDomains", got)
	}
}

func TestSecurityHeadersMiddleware_LiveStreamsAreCrossOrigin(t *testing.T) {
	h := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/live/lobby.flv", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin=%q, want *", got)
	}
}

func TestTimeoutMiddlewareSkipsLongRunningRequests(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		upgrade  string
		deadline bool
	}{
		{"api request", "/api/v1/channels", "", true},
		{"live stream", "/live/lobby.flv", "", false},
		{"websocket", "/api/v1/events", "websocket", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hasDeadline bool
			h := timeoutMiddleware(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, hasDeadline = r.Context().Deadline()
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.upgrade != "" {
				req.Header.Set("Upgrade", tt.upgrade)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if hasDeadline != tt.deadline {
				t.Errorf("deadline set = %v, want %v", hasDeadline, tt.deadline)
			}
		})
	}
}

func TestServerWiring(t *testing.T) {
	cfg := &config.Config{
		Environment:  "development",
		HTTPBind:     "127.0.0.1",
		HTTPPort:     0,
		Engine:       config.EngineProcess,
		GStreamerBin: "gst-launch-1.0",
		ChunkSize:    128,
		DBBackend:    config.DatabaseSQLite,
		DBDSN:        "file:" + t.TempDir() + "/relay.db",
		EventBackend: config.EventBackendNone,
		Defaults:     config.DefaultChannelOptions(),
		Channels: []config.ChannelConfig{
			{Name: "lobby", Options: config.DefaultChannelOptions()},
		},
	}

	srv, err := New(cfg, logbuffer.New(100), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	tests := []struct {
		path   string
		status int
	}{
		{"/healthz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/channels/lobby", http.StatusOK},
		{"/api/v1/channels/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.HTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.status, rr.Body.String())
			}
		})
	}

	rr := httptest.NewRecorder()
	srv.HTTPServer().Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/channels/lobby", nil))
	var info struct {
		Name   string `json:"name"`
		Online bool   `json:"online"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatalf("decode channel: %v", err)
	}
	if info.Name != "lobby" || info.Online {
		t.Errorf("channel = %+v, want idle lobby", info)
	}

	if err := srv.Playout().Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
