// Package server serves the browser side of the preview: the host page with
// its editor and sandbox frame, the sandbox documents themselves, a websocket
// that keeps every open page in sync, and a small JSON API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/middleware"
	"github.com/conneroisu/previewd/internal/monitoring"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/sandbox"
	"github.com/conneroisu/previewd/internal/validation"
	"github.com/conneroisu/previewd/internal/websocket"
	"github.com/conneroisu/previewd/internal/workspace"
)

// Dependencies are the components a PreviewServer exposes.
type Dependencies struct {
	Config     *config.Config
	Compiler   *build.Service
	Host       *sandbox.Host
	Controller *preview.Controller
	Workspace  *workspace.Workspace
	Metrics    *monitoring.Metrics
	Health     *monitoring.HealthMonitor
	Logger     logging.Logger
}

// PreviewServer serves the live preview over HTTP and websocket.
type PreviewServer struct {
	config     *config.Config
	compiler   *build.Service
	host       *sandbox.Host
	controller *preview.Controller
	workspace  *workspace.Workspace
	metrics    *monitoring.Metrics
	health     *monitoring.HealthMonitor
	logger     logging.Logger
	errs       *errors.Handler

	ws      *websocket.Manager
	handler http.Handler

	detach []func()

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// New wires the server to its components. State changes of the controller
// and programmatic source changes of the workspace are pushed to every
// connected page from here on.
func New(deps Dependencies) (*PreviewServer, error) {
	if deps.Config == nil || deps.Compiler == nil || deps.Host == nil || deps.Controller == nil || deps.Workspace == nil {
		return nil, fmt.Errorf("server: config, compiler, host, controller and workspace are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = monitoring.NewMetrics()
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthMonitor(deps.Logger, "")
	}

	logger := deps.Logger.WithComponent("server")
	s := &PreviewServer{
		config:     deps.Config,
		compiler:   deps.Compiler,
		host:       deps.Host,
		controller: deps.Controller,
		workspace:  deps.Workspace,
		metrics:    deps.Metrics,
		health:     deps.Health,
		logger:     logger,
		errs:       errors.NewHandler(logger),
	}

	origins := middleware.NewOriginPolicy(deps.Config.Server)
	s.ws = websocket.NewManager(websocket.Options{
		OriginValidator: origins,
		Handler:         s,
		Greeting:        s.greeting,
		MessageRate:     deps.Config.Server.MessageRate,
		MessageBurst:    deps.Config.Server.MessageBurst,
		Logger:          deps.Logger,
		Observer:        deps.Metrics,
	})

	s.detach = append(s.detach,
		deps.Controller.Subscribe(s.publishState),
		deps.Workspace.AddEditor(s.ws),
	)
	s.registerHealthChecks()

	mux := http.NewServeMux()
	s.routes(mux)
	chain := middleware.NewChain(middleware.Dependencies{
		Config:          deps.Config,
		Logger:          deps.Logger,
		Recorder:        deps.Metrics,
		OriginValidator: origins,
	})
	s.handler = chain.Apply(mux)

	return s, nil
}

func (s *PreviewServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /sandbox/{key}", s.handleSandbox)
	mux.HandleFunc("GET /ws", s.ws.HandleWebSocket)

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/source", s.handleGetSource)
	mux.HandleFunc("POST /api/source", s.handleSetSource)
	mux.HandleFunc("POST /api/undo", s.handleUndo)
	mux.HandleFunc("POST /api/redo", s.handleRedo)
	mux.HandleFunc("POST /api/retry", s.handleRetry)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache", s.handleCacheClear)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.Handle("GET /health", s.health.HTTPHandler())
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Handler returns the fully wrapped HTTP handler.
func (s *PreviewServer) Handler() http.Handler {
	return s.handler
}

// Addr returns the listening address once Start has bound it.
func (s *PreviewServer) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on the configured address and serves until Shutdown.
func (s *PreviewServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.serverMutex.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	url := "http://" + ln.Addr().String()
	s.logger.Info(ctx, "preview server listening", "url", url)
	if s.config.Server.Open {
		go s.openBrowser(ctx, url)
	}

	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown detaches from the components, closes every websocket and stops
// the HTTP server.
func (s *PreviewServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "shutting down server")

		for _, detach := range s.detach {
			detach()
		}

		if err := s.ws.Shutdown(ctx); err != nil {
			shutdownErr = err
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

func (s *PreviewServer) registerHealthChecks() {
	s.health.RegisterCheck(monitoring.StatusCheck("compiler", true, func(context.Context) (monitoring.HealthStatus, string) {
		switch state := s.compiler.State(); state {
		case build.SessionReady:
			return monitoring.HealthStatusHealthy, "compiler session ready"
		case build.SessionFailed:
			msg := "compiler session failed"
			if err := s.compiler.LastError(); err != nil {
				msg = err.Message
			}
			return monitoring.HealthStatusUnhealthy, msg
		default:
			return monitoring.HealthStatusDegraded, "compiler session " + string(state)
		}
	}))
	s.health.RegisterCheck(monitoring.StatusCheck("preview", false, func(context.Context) (monitoring.HealthStatus, string) {
		state := s.controller.State()
		switch state.Phase {
		case preview.PhaseCompileError, preview.PhaseRuntimeError:
			return monitoring.HealthStatusDegraded, "preview " + string(state.Phase)
		case preview.PhaseFailed:
			return monitoring.HealthStatusUnhealthy, "preview failed"
		}
		return monitoring.HealthStatusHealthy, "preview " + string(state.Phase)
	}))
	s.health.RegisterCheck(monitoring.StatusCheck("cache", false, func(context.Context) (monitoring.HealthStatus, string) {
		stats := s.compiler.Cache().Stats()
		s.metrics.SetCacheEntries(stats.Entries)
		return monitoring.HealthStatusHealthy, fmt.Sprintf("%d/%d entries", stats.Entries, stats.Capacity)
	}))
}

func (s *PreviewServer) openBrowser(ctx context.Context, url string) {
	time.Sleep(100 * time.Millisecond)

	if err := validation.ValidateURL(url); err != nil {
		s.logger.Warn(ctx, err, "refusing to open browser", "url", url)
		return
	}

	var err error
	switch runtime.GOOS {
	case "linux":
		err = exec.Command("xdg-open", url).Start()
	case "windows":
		err = exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		err = exec.Command("open", url).Start()
	default:
		err = fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}

	if err != nil {
		s.logger.Warn(ctx, err, "failed to open browser", "url", url)
	}
}
