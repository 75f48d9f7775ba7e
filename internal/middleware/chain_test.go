package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/config"
)

type requestLog struct {
	mu       sync.Mutex
	requests []string
	statuses []int
}

func (l *requestLog) RecordHTTPRequest(method, path string, status int, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, method+" "+path)
	l.statuses = append(l.statuses, status)
}

func testChain(env string, recorder Recorder) *Chain {
	cfg := &config.Config{Server: config.ServerConfig{Port: 8080, Host: "localhost", Environment: env}}
	return NewChain(Dependencies{
		Config:          cfg,
		Recorder:        recorder,
		OriginValidator: NewOriginPolicy(cfg.Server),
	})
}

func TestNewChain_PanicsWithoutDependencies(t *testing.T) {
	assert.Panics(t, func() { NewChain(Dependencies{}) })
	assert.Panics(t, func() { NewChain(Dependencies{Config: &config.Config{}}) })
}

func TestChain_ApplyOrder(t *testing.T) {
	chain := testChain("production", nil)
	base := chain.Count()

	var order []string
	for _, name := range []string{"a", "b"} {
		name := name
		chain.Add(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		})
	}
	assert.Equal(t, base+2, chain.Count())

	handler := chain.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestChain_RecordsRequests(t *testing.T) {
	log := &requestLog{}
	handler := testChain("production", log).Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/sandbox/abc-1", "/api/state", "/missing"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, []string{"GET /sandbox", "GET /api/state", "GET /missing"}, log.requests)
	assert.Equal(t, []int{200, 200, 404}, log.statuses)
}

func TestChain_CORS(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		origin      string
		method      string
		wantOrigin  string
		wantStatus  int
	}{
		{"allowed origin", "production", "http://localhost:8080", http.MethodGet, "http://localhost:8080", http.StatusOK},
		{"foreign origin in production", "production", "https://evil.example.com", http.MethodGet, "", http.StatusOK},
		{"foreign origin in development", "development", "https://evil.example.com", http.MethodGet, "*", http.StatusOK},
		{"preflight", "production", "http://127.0.0.1:8080", http.MethodOptions, "http://127.0.0.1:8080", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := testChain(tt.environment, nil).Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			req := httptest.NewRequest(tt.method, "/api/state", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
}

func TestOriginPolicy(t *testing.T) {
	policy := NewOriginPolicy(config.ServerConfig{
		Port:           3000,
		Host:           "0.0.0.0",
		AllowedOrigins: []string{"https://editor.example.com"},
	})

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"http://127.0.0.1:3000", true},
		{"http://[::1]:3000", true},
		{"https://editor.example.com", true},
		{"http://localhost:3001", false},
		{"http://0.0.0.0:3000", false},
		{"file://localhost:3000", false},
		{"null", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.IsAllowedOrigin(tt.origin))
		})
	}
}

func TestRouteLabel(t *testing.T) {
	require.Equal(t, "/", RouteLabel("/"))
	assert.Equal(t, "/sandbox", RouteLabel("/sandbox/0123-4"))
	assert.Equal(t, "/api/cache", RouteLabel("/api/cache"))
	assert.Equal(t, "/api", RouteLabel("/api"))
	assert.Equal(t, "/ws", RouteLabel("/ws"))
}
