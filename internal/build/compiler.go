package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
)

// SessionState is the lifecycle of the compiler engine session.
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionInitializing  SessionState = "initializing"
	SessionReady         SessionState = "ready"
	SessionFailed        SessionState = "failed"
)

const (
	DefaultInitTimeout   = 10 * time.Second
	DefaultSweepInterval = 60 * time.Second
	DefaultEntryFunction = "Component"
	DefaultGlobalName    = "Sandbox"
	DefaultTarget        = "es2015"
)

// externalGlobals maps externalized packages to the sandbox window bindings
// that replace them.
var externalGlobals = map[string]string{
	"react":            "window.React",
	"react-dom":        "window.ReactDOM",
	"react-dom/client": "window.ReactDOM",
}

const sandboxBanner = `var __window = typeof window !== "undefined" ? window : this;` +
	`var React = __window.React, ReactDOM = __window.ReactDOM;`

var exportStatement = regexp.MustCompile(`(?m)^\s*export\s`)

// Options configure a Service. Zero values fall back to defaults.
type Options struct {
	InitTimeout   time.Duration
	CacheTTL      time.Duration
	CacheCapacity int
	SweepInterval time.Duration
	Target        string
	JSXFactory    string
	JSXFragment   string
	GlobalName    string
	Externals     []string
	EntryFunction string

	Clock    clock.Clock
	Logger   logging.Logger
	Observer Observer
}

// DefaultOptions returns the stock compiler settings.
func DefaultOptions() Options {
	return Options{
		InitTimeout:   DefaultInitTimeout,
		CacheTTL:      DefaultCacheTTL,
		CacheCapacity: DefaultCacheCapacity,
		SweepInterval: DefaultSweepInterval,
		Target:        DefaultTarget,
		JSXFactory:    "React.createElement",
		JSXFragment:   "React.Fragment",
		GlobalName:    DefaultGlobalName,
		Externals:     []string{"react", "react-dom", "react-dom/client"},
		EntryFunction: DefaultEntryFunction,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitTimeout <= 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = d.CacheTTL
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = d.CacheCapacity
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.Target == "" {
		o.Target = d.Target
	}
	if o.JSXFactory == "" {
		o.JSXFactory = d.JSXFactory
	}
	if o.JSXFragment == "" {
		o.JSXFragment = d.JSXFragment
	}
	if o.GlobalName == "" {
		o.GlobalName = d.GlobalName
	}
	if o.Externals == nil {
		o.Externals = d.Externals
	}
	if o.EntryFunction == "" {
		o.EntryFunction = d.EntryFunction
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	return o
}

// TransformResult is the outcome of a single-file transform. Failures are
// reported in Err, never as a returned error.
type TransformResult struct {
	Output   string               `json:"output" yaml:"output"`
	Err      *errors.PreviewError `json:"error,omitempty" yaml:"error,omitempty"`
	CacheHit bool                 `json:"cache_hit" yaml:"cache_hit"`
}

// Service owns the compiler engine session and the transform cache. A process
// runs one Service and shares it between consumers.
type Service struct {
	engine  Engine
	cache   *TransformCache
	opts    Options
	clock   clock.Clock
	logger  logging.Logger
	metrics *CompileMetrics
	group   singleflight.Group

	mu           sync.Mutex
	state        SessionState
	initializing bool
	initialized  bool
	lastErr      *errors.PreviewError
	subscribers  map[int]func(SessionState)
	nextSub      int

	started   bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewService creates a service around engine. The session starts
// uninitialized; call Initialize before compiling.
func NewService(engine Engine, opts Options) *Service {
	opts = opts.withDefaults()

	return &Service{
		engine:      engine,
		cache:       NewTransformCache(opts.CacheTTL, opts.CacheCapacity, opts.Clock),
		opts:        opts,
		clock:       opts.Clock,
		logger:      opts.Logger.WithComponent("compiler"),
		metrics:     NewCompileMetrics(),
		state:       SessionUninitialized,
		subscribers: make(map[int]func(SessionState)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Initialize starts the engine session. Calls made while a session is
// initializing or ready return nil immediately. The engine gets at most
// InitTimeout to become ready; on timeout the session fails and may be
// retried.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initializing || s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initializing = true
	s.state = SessionInitializing
	s.lastErr = nil
	s.mu.Unlock()

	s.notify(SessionInitializing)
	s.logger.Info(ctx, "Initializing compiler engine", "timeout", s.opts.InitTimeout.String())

	initCtx, cancel := s.clock.WithTimeout(ctx, s.opts.InitTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- s.engine.Initialize(initCtx)
	}()

	var err error
	select {
	case err = <-result:
	case <-initCtx.Done():
		err = initCtx.Err()
	}

	if stderrors.Is(err, ErrAlreadyInitialized) {
		s.logger.Debug(ctx, "Engine already initialized, treating as success")
		err = nil
	}

	var failure *errors.PreviewError
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			failure = errors.NewInitializationError(errors.ErrCodeInitTimeout,
				fmt.Sprintf("compiler engine did not start within %s", s.opts.InitTimeout), err)
		} else {
			failure = errors.NewInitializationError(errors.ErrCodeInitFailed,
				"compiler engine failed to start", err)
		}
	}

	s.mu.Lock()
	s.initializing = false
	if failure != nil {
		s.initialized = false
		s.state = SessionFailed
		s.lastErr = failure
	} else {
		s.initialized = true
		s.state = SessionReady
	}
	state := s.state
	s.mu.Unlock()

	s.notify(state)

	if failure != nil {
		s.logger.Error(ctx, failure, "Compiler engine initialization failed")
		return failure
	}

	s.logger.Info(ctx, "Compiler engine ready")
	return nil
}

// RetryInitialization re-runs Initialize. It does nothing while an
// initialization is in progress.
func (s *Service) RetryInitialization(ctx context.Context) error {
	s.mu.Lock()
	if s.initializing {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	s.mu.Unlock()

	return s.Initialize(ctx)
}

// State returns the current session state.
func (s *Service) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that failed the session, if any.
func (s *Service) LastError() *errors.PreviewError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe registers fn for session transitions. The returned function
// removes the subscription.
func (s *Service) Subscribe(fn func(SessionState)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *Service) notify(state SessionState) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.subscribers))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(SessionState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subscribers[id])
	}
	s.mu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer.ObserveSession(string(state))
	}
	for _, fn := range fns {
		fn(state)
	}
}

// Transform compiles source into a CommonJS script. Cached outputs are
// returned without touching the engine, even when the session is not ready.
// Concurrent misses for the same source share one engine call, which outlives
// any single caller; a cancelled caller stops waiting without failing the rest.
func (s *Service) Transform(ctx context.Context, source string) TransformResult {
	start := s.clock.Now()
	key := ContentHash(source)

	if entry, ok := s.cache.Get(key); ok {
		s.observeTransform(OutcomeHit, start)
		return TransformResult{Output: entry.Output, CacheHit: true}
	}

	if s.State() != SessionReady {
		s.observeTransform(OutcomeRefused, start)
		return TransformResult{
			Err: errors.NewInitializationError(errors.ErrCodeNotInitialized, "service not initialized", nil),
		}
	}

	flight := s.group.DoChan(key, func() (interface{}, error) {
		flightCtx, cancel := s.detach(ctx)
		defer cancel()

		s.metrics.recordEngineTransform()
		output, err := s.engine.Transform(flightCtx, source, TransformOptions{
			Loader:      "jsx",
			JSXFactory:  s.opts.JSXFactory,
			JSXFragment: s.opts.JSXFragment,
			Target:      s.opts.Target,
			Sourcefile:  "component.jsx",
		})
		if err != nil {
			return nil, err
		}
		s.cache.Put(key, output)
		return output, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		s.observeTransform(OutcomeFailure, start)
		s.logger.Debug(ctx, "Transform failed", "hash", key[:12], "error", res.Err.Error())
		return TransformResult{Err: compileFailure(errors.ErrCodeTransformFailed, "compilation error", res.Err)}
	}

	s.observeTransform(OutcomeSuccess, start)
	return TransformResult{Output: res.Val.(string)}
}

// detach returns a context for work shared by several callers. It keeps the
// values of ctx but is cancelled only when the service stops.
func (s *Service) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-shared.Done():
		}
	}()
	return shared, cancel
}

// Bundle resolves source as one entry module and returns a self-executing
// script exposing its exports under the configured global name. Framework
// packages stay external and are rebound to the sandbox window. Unlike
// Transform, failures are returned as errors.
func (s *Service) Bundle(ctx context.Context, source string) (string, error) {
	start := s.clock.Now()

	if s.State() != SessionReady {
		s.observeBundle(OutcomeRefused, start)
		return "", errors.NewInitializationError(errors.ErrCodeNotInitialized, "service not initialized", nil)
	}

	perf := logging.StartOperation(s.logger, "bundle")
	s.metrics.recordEngineBundle()

	files, err := s.engine.Bundle(ctx, WithDefaultExport(source, s.opts.EntryFunction), BundleOptions{
		Loader:      "tsx",
		JSXFactory:  s.opts.JSXFactory,
		JSXFragment: s.opts.JSXFragment,
		Target:      s.opts.Target,
		Sourcefile:  "component.tsx",
		External:    s.opts.Externals,
		GlobalName:  s.opts.GlobalName,
		Banner:      sandboxBanner,
		Define: map[string]string{
			"React":    "window.React",
			"ReactDOM": "window.ReactDOM",
		},
	})
	if err == nil && len(files) == 0 {
		err = stderrors.New("bundle produced no output")
	}
	if err != nil {
		perf.EndWithError(ctx, err)
		s.observeBundle(OutcomeFailure, start)
		return "", compileFailure(errors.ErrCodeBundleFailed, "bundle error", err)
	}

	perf.End(ctx)
	s.observeBundle(OutcomeSuccess, start)
	return RewriteExternals(string(files[0].Contents), s.opts.Externals), nil
}

func compileFailure(code, message string, err error) *errors.PreviewError {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewInternalError(errors.ErrCodeInternalError, message, err)
	}
	return errors.NewCompileError(code, message, err)
}

// RewriteExternals replaces require calls for externalized packages with the
// matching sandbox globals.
func RewriteExternals(output string, externals []string) string {
	for _, pkg := range externals {
		global, ok := externalGlobals[pkg]
		if !ok {
			continue
		}
		pattern := regexp.MustCompile(`(?:__)?require\(\s*['"]` + regexp.QuoteMeta(pkg) + `['"]\s*\)`)
		output = pattern.ReplaceAllLiteralString(output, global)
	}
	return output
}

// DeclaresEntry reports whether source declares the named entry function,
// either as a function declaration or as a const/let/var binding.
func DeclaresEntry(source, name string) bool {
	if name == "" {
		name = DefaultEntryFunction
	}
	quoted := regexp.QuoteMeta(name)
	pattern := regexp.MustCompile(`(?:\bfunction\s+` + quoted + `\s*\(|\b(?:const|let|var)\s+` + quoted + `\s*[=:])`)
	return pattern.MatchString(source)
}

// WithDefaultExport appends a default export of the entry function when the
// source declares it but exports nothing.
func WithDefaultExport(source, name string) string {
	if name == "" {
		name = DefaultEntryFunction
	}
	if exportStatement.MatchString(source) || !DeclaresEntry(source, name) {
		return source
	}
	if !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	return source + "export default " + name + ";\n"
}

// Start runs the periodic cache sweep until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	ticker := s.clock.Ticker(s.opts.SweepInterval)
	go func() {
		defer close(s.done)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if removed := s.cache.Sweep(); removed > 0 {
					s.logger.Debug(ctx, "Swept transform cache", "removed", removed, "remaining", s.cache.Len())
				}
			}
		}
	}()
}

// Close stops the sweep loop.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
	})
}

// Cache exposes the transform cache.
func (s *Service) Cache() *TransformCache {
	return s.cache
}

// Metrics returns a snapshot of service activity.
func (s *Service) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}

func (s *Service) observeTransform(outcome string, start time.Time) {
	duration := s.clock.Since(start)
	s.metrics.recordTransform(outcome, duration)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCompile("transform", outcome, duration)
	}
}

func (s *Service) observeBundle(outcome string, start time.Time) {
	duration := s.clock.Since(start)
	s.metrics.recordBundle(outcome, duration)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCompile("bundle", outcome, duration)
	}
}
