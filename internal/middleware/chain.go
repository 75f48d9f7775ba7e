// Package middleware builds the HTTP middleware stack of the preview server.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/logging"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Recorder receives one observation per completed request.
// monitoring.Metrics implements it.
type Recorder interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// OriginValidator decides which origins receive CORS headers.
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// Dependencies contains the collaborators of the default stack.
type Dependencies struct {
	Config          *config.Config
	Logger          logging.Logger
	Recorder        Recorder
	OriginValidator OriginValidator
}

// Chain manages an ordered list of middlewares.
type Chain struct {
	config          *config.Config
	logger          logging.Logger
	recorder        Recorder
	originValidator OriginValidator
	middlewares     []Middleware
}

// NewChain creates the default stack: request logging and metrics, CORS,
// then security headers.
func NewChain(deps Dependencies) *Chain {
	if deps.Config == nil {
		panic("middleware.Chain: config cannot be nil")
	}
	if deps.OriginValidator == nil {
		panic("middleware.Chain: origin validator cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}

	chain := &Chain{
		config:          deps.Config,
		logger:          deps.Logger.WithComponent("http"),
		recorder:        deps.Recorder,
		originValidator: deps.OriginValidator,
		middlewares:     make([]Middleware, 0, 4),
	}

	chain.Add(chain.loggingMiddleware())
	chain.Add(chain.corsMiddleware())
	chain.Add(SecurityHeaders)

	return chain
}

// Add appends a middleware; it runs after the ones already added.
func (c *Chain) Add(middleware Middleware) {
	c.middlewares = append(c.middlewares, middleware)
}

// Count returns the number of middlewares in the chain.
func (c *Chain) Count() int {
	return len(c.middlewares)
}

// Apply wraps handler so that the first added middleware is outermost.
func (c *Chain) Apply(handler http.Handler) http.Handler {
	if handler == nil {
		panic("middleware.Chain.Apply: handler cannot be nil")
	}

	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		if c.middlewares[i] == nil {
			panic(fmt.Sprintf("middleware.Chain.Apply: middleware at index %d is nil", i))
		}
		wrapped = c.middlewares[i](wrapped)
	}
	return wrapped
}

func (c *Chain) loggingMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			route := RouteLabel(r.URL.Path)
			if c.recorder != nil {
				c.recorder.RecordHTTPRequest(r.Method, route, rec.status, duration)
			}
			c.logger.Debug(r.Context(), "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", duration)
		})
	}
}

func (c *Chain) corsMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && c.originValidator.IsAllowedOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else if c.config.Server.Environment == "development" {
				// Only allow wildcard in development
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the headers every response carries. Handlers that
// need a stricter Content-Security-Policy set their own.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		next.ServeHTTP(w, r)
	})
}

// RouteLabel collapses a request path to a low-cardinality metrics label.
func RouteLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case segments[0] == "":
		return "/"
	case segments[0] == "api" && len(segments) > 1:
		return "/api/" + segments[1]
	default:
		return "/" + segments[0]
	}
}

// statusRecorder captures the response status. It passes Hijack through so
// websocket upgrades work behind the chain.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
