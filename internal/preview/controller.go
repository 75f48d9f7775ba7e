package preview

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/sandbox"
)

const (
	DefaultBundleDebounce    = 500 * time.Millisecond
	DefaultTransformDebounce = 600 * time.Millisecond
)

// Compiler is the part of the compiler session the controller drives.
type Compiler interface {
	State() build.SessionState
	LastError() *errors.PreviewError
	Subscribe(fn func(build.SessionState)) func()
	Transform(ctx context.Context, source string) build.TransformResult
	Bundle(ctx context.Context, source string) (string, error)
	RetryInitialization(ctx context.Context) error
}

// Sandbox mounts bundles into isolated instances.
type Sandbox interface {
	Mount(ctx context.Context, bundle string) (*sandbox.Instance, error)
	Subscribe(key string, l sandbox.Listener) (func(), error)
	Cleanup()
}

// Renderer evaluates transformed code and returns its markup.
type Renderer interface {
	Render(ctx context.Context, code string) (string, error)
}

// Observer receives committed phases.
type Observer interface {
	ObservePhase(phase string)
}

// Options configure a Controller.
type Options struct {
	Mode              Mode
	BundleDebounce    time.Duration
	TransformDebounce time.Duration
	EntryFunction     string
	Clock             clock.Clock
	Logger            logging.Logger
	Observer          Observer
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeSandbox
	}
	if o.BundleDebounce <= 0 {
		o.BundleDebounce = DefaultBundleDebounce
	}
	if o.TransformDebounce <= 0 {
		o.TransformDebounce = DefaultTransformDebounce
	}
	if o.EntryFunction == "" {
		o.EntryFunction = build.DefaultEntryFunction
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
	return o
}

// cycle is one compile-and-display attempt. Once cancelled none of its
// results may be committed.
type cycle struct {
	id        uint64
	source    string
	cancelled atomic.Bool
}

// Controller owns the preview state for one source buffer.
type Controller struct {
	compiler Compiler
	sandbox  Sandbox
	renderer Renderer
	opts     Options
	logger   logging.Logger
	errs     *errors.Handler

	// notifyMu orders commits so subscribers see versions in sequence
	notifyMu sync.Mutex

	mu          sync.Mutex
	source      string
	state       State
	timer       *clock.Timer
	current     *cycle
	cycles      uint64
	unsubscribe func()
	detach      func()
	subscribers map[int]func(State)
	nextSub     int
	ctx         context.Context
	cancel      context.CancelFunc
	started     bool
	closed      bool
}

// New creates a controller. In sandbox mode sb must be set; in inline mode
// renderer must be set.
func New(compiler Compiler, sb Sandbox, renderer Renderer, opts Options) *Controller {
	opts = opts.withDefaults()
	logger := opts.Logger.WithComponent("preview")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		compiler:    compiler,
		sandbox:     sb,
		renderer:    renderer,
		opts:        opts,
		logger:      logger,
		errs:        errors.NewHandler(logger),
		subscribers: make(map[int]func(State)),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.state = State{
		Phase:     initialPhase(compiler.State()),
		Mode:      opts.Mode,
		UpdatedAt: opts.Clock.Now(),
	}
	if c.state.Phase == PhaseFailed {
		c.state.Error = c.sessionError()
	}
	return c
}

func initialPhase(s build.SessionState) Phase {
	switch s {
	case build.SessionReady:
		return PhaseIdle
	case build.SessionFailed:
		return PhaseFailed
	}
	return PhaseInitializing
}

// Start follows the compiler session. When the session is already ready the
// current source is displayed immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	unsubscribe := c.compiler.Subscribe(c.onSession)

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	if c.compiler.State() == build.SessionReady {
		c.run(ctx)
	}
}

// Close stops pending work. A cycle in flight is cancelled.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.current != nil {
		c.current.cancelled.Store(true)
	}
	unsubscribe, detach := c.unsubscribe, c.detach
	c.unsubscribe, c.detach = nil, nil
	c.mu.Unlock()

	c.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	if detach != nil {
		detach()
	}
}

// SetSource records src and schedules a cycle after the debounce interval.
// Each call restarts the interval, so a burst of edits yields one cycle for
// the last value.
func (c *Controller) SetSource(src string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.source = src
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.opts.Clock.AfterFunc(c.debounce(), func() {
		c.run(c.ctx)
	})
}

func (c *Controller) debounce() time.Duration {
	if c.opts.Mode == ModeInline {
		return c.opts.TransformDebounce
	}
	return c.opts.BundleDebounce
}

// Source returns the most recent source.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every committed state. The returned function
// removes it.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Retry re-runs engine initialization when the session failed, and otherwise
// re-runs the current cycle without waiting for the debounce interval.
func (c *Controller) Retry(ctx context.Context) error {
	if c.compiler.State() == build.SessionFailed {
		// a successful retry reports ready, which starts a cycle
		return c.compiler.RetryInitialization(ctx)
	}
	c.run(ctx)
	return nil
}

// ResetView discards the displayed instance and runs a fresh cycle.
func (c *Controller) ResetView(ctx context.Context) {
	c.teardown()
	c.run(ctx)
}

func (c *Controller) onSession(s build.SessionState) {
	switch s {
	case build.SessionInitializing:
		c.commit(nil, func(st *State) bool {
			st.Phase = PhaseInitializing
			st.Error = nil
			return true
		})
	case build.SessionReady:
		go c.run(c.ctx)
	case build.SessionFailed:
		c.cancelCurrent()
		failure := c.sessionError()
		c.commit(nil, func(st *State) bool {
			st.Phase = PhaseFailed
			st.Error = failure
			st.Output = ""
			return true
		})
	}
}

func (c *Controller) sessionError() *errors.PreviewError {
	if err := c.compiler.LastError(); err != nil {
		return err
	}
	return errors.NewInitializationError(errors.ErrCodeInitFailed, "Failed to initialize code compiler", nil)
}

func (c *Controller) cancelCurrent() {
	c.mu.Lock()
	if c.current != nil {
		c.current.cancelled.Store(true)
	}
	c.mu.Unlock()
}

// begin starts a new cycle and cancels the previous one.
func (c *Controller) begin() *cycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.current != nil {
		c.current.cancelled.Store(true)
	}
	c.cycles++
	cyc := &cycle{id: c.cycles, source: c.source}
	c.current = cyc
	return cyc
}

func (c *Controller) run(ctx context.Context) {
	cyc := c.begin()
	if cyc == nil {
		return
	}

	switch c.compiler.State() {
	case build.SessionReady:
	case build.SessionFailed:
		failure := c.sessionError()
		c.commit(cyc, func(st *State) bool {
			st.Phase = PhaseFailed
			st.Error = failure
			return true
		})
		return
	default:
		// readiness starts a new cycle
		return
	}

	if strings.TrimSpace(cyc.source) == "" {
		c.teardown()
		c.commit(cyc, func(st *State) bool {
			*st = State{Phase: PhaseIdle, Mode: st.Mode, Version: st.Version}
			return true
		})
		return
	}

	if !build.DeclaresEntry(cyc.source, c.opts.EntryFunction) {
		c.fail(ctx, cyc, PhaseCompileError, errors.NewCompileError(errors.ErrCodeMissingEntry,
			"Code must include a function named '"+c.opts.EntryFunction+"'", nil))
		return
	}

	c.commit(cyc, func(st *State) bool {
		st.Phase = PhaseLoading
		st.Error = nil
		st.Banner = nil
		return true
	})

	if c.opts.Mode == ModeInline {
		c.runInline(ctx, cyc)
		return
	}
	c.runSandbox(ctx, cyc)
}

func (c *Controller) runInline(ctx context.Context, cyc *cycle) {
	res := c.compiler.Transform(ctx, cyc.source)
	if cyc.cancelled.Load() {
		return
	}
	if res.Err != nil {
		c.fail(ctx, cyc, phaseFor(res.Err), res.Err)
		return
	}

	html, err := c.renderer.Render(ctx, res.Output)
	if cyc.cancelled.Load() {
		return
	}
	if err != nil {
		c.fail(ctx, cyc, PhaseRuntimeError, errors.AsPreviewError(err, errors.KindRuntime))
		return
	}

	c.commit(cyc, func(st *State) bool {
		st.Phase = PhaseRendered
		st.Output = html
		st.InstanceKey = ""
		st.Error = nil
		return true
	})
}

func (c *Controller) runSandbox(ctx context.Context, cyc *cycle) {
	bundle, err := c.compiler.Bundle(ctx, cyc.source)
	if cyc.cancelled.Load() {
		return
	}
	if err != nil {
		pe := errors.AsPreviewError(err, errors.KindCompile)
		c.fail(ctx, cyc, phaseFor(pe), pe)
		return
	}

	inst, err := c.sandbox.Mount(ctx, bundle)
	if cyc.cancelled.Load() {
		return
	}
	if err != nil {
		if stderrors.Is(err, sandbox.ErrStaleInstance) {
			return
		}
		c.fail(ctx, cyc, PhaseRuntimeError, errors.AsPreviewError(err, errors.KindRuntime))
		return
	}

	detach, err := c.sandbox.Subscribe(inst.Key, c.listener(cyc, inst.Key))
	if err != nil {
		// the instance was replaced before anyone could listen
		return
	}

	c.mu.Lock()
	previous := c.detach
	c.detach = detach
	c.mu.Unlock()
	if previous != nil {
		previous()
	}

	c.commit(cyc, func(st *State) bool {
		st.InstanceKey = inst.Key
		st.Output = ""
		return true
	})
}

// listener applies sandbox messages for the instance mounted by cyc.
func (c *Controller) listener(cyc *cycle, key string) sandbox.Listener {
	return func(msg sandbox.Message) {
		c.commit(cyc, func(st *State) bool {
			if st.InstanceKey != key {
				return false
			}
			switch msg.Type {
			case sandbox.MessageLoaded:
				if st.Phase != PhaseLoading {
					return false
				}
				st.Phase = PhaseRendered
				st.Error = nil
			case sandbox.MessageError:
				st.Phase = PhaseRuntimeError
				st.Error = errors.NewRuntimeError(msg.Error, nil)
				if msg.Stack != "" {
					st.Error = st.Error.WithContext("stack", msg.Stack)
				}
			case sandbox.MessageResourceError:
				st.Banner = errors.NewResourceLoadError(msg.Error)
			default:
				return false
			}
			return true
		})
	}
}

func phaseFor(err *errors.PreviewError) Phase {
	switch err.Kind {
	case errors.KindInitialization:
		return PhaseFailed
	case errors.KindRuntime:
		return PhaseRuntimeError
	}
	return PhaseCompileError
}

func (c *Controller) fail(ctx context.Context, cyc *cycle, phase Phase, err *errors.PreviewError) {
	if c.commit(cyc, func(st *State) bool {
		st.Phase = phase
		st.Error = err
		st.Output = ""
		return true
	}) {
		c.errs.Handle(ctx, err)
	}
}

func (c *Controller) teardown() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	if c.sandbox != nil {
		c.sandbox.Cleanup()
	}
}

// commit applies mutate to the state unless cyc was cancelled. A nil cycle
// commits unconditionally. Subscribers run outside the lock.
func (c *Controller) commit(cyc *cycle, mutate func(*State) bool) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed || (cyc != nil && cyc.cancelled.Load()) {
		c.mu.Unlock()
		return false
	}

	next := c.state
	if !mutate(&next) {
		c.mu.Unlock()
		return false
	}
	next.Version = c.state.Version + 1
	next.UpdatedAt = c.opts.Clock.Now()
	prev := c.state.Phase
	c.state = next

	subs := make([]func(State), 0, len(c.subscribers))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subscribers[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	if prev != next.Phase {
		c.logger.Debug(c.ctx, "Preview phase changed", "from", prev, "to", next.Phase, "version", next.Version)
		if c.opts.Observer != nil {
			c.opts.Observer.ObservePhase(string(next.Phase))
		}
	}
	for _, fn := range subs {
		fn(next)
	}
	return true
}
