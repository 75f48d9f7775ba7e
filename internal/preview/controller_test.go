package preview

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/sandbox"
)

const validSource = `function Component() { return React.createElement("b", null, "hi") }`

type fakeCompiler struct {
	mu sync.Mutex

	state       build.SessionState
	lastErr     *errors.PreviewError
	subscribers []func(build.SessionState)

	bundleCalls    int
	transformCalls int
	retryCalls     int
	sources        []string

	bundleErr error
	// blocks holds a gate per source; Bundle waits on it before returning
	blocks map[string]chan struct{}
}

func newFakeCompiler(state build.SessionState) *fakeCompiler {
	return &fakeCompiler{state: state, blocks: make(map[string]chan struct{})}
}

func (f *fakeCompiler) State() build.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCompiler) LastError() *errors.PreviewError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakeCompiler) Subscribe(fn func(build.SessionState)) func() {
	f.mu.Lock()
	f.subscribers = append(f.subscribers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeCompiler) setState(s build.SessionState, err *errors.PreviewError) {
	f.mu.Lock()
	f.state = s
	f.lastErr = err
	subs := append([]func(build.SessionState){}, f.subscribers...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (f *fakeCompiler) Transform(_ context.Context, source string) build.TransformResult {
	f.mu.Lock()
	f.transformCalls++
	f.sources = append(f.sources, source)
	f.mu.Unlock()
	if strings.Contains(source, "SYNTAX") {
		return build.TransformResult{Err: errors.NewCompileError(errors.ErrCodeTransformFailed, "transform error", nil)}
	}
	return build.TransformResult{Output: source}
}

func (f *fakeCompiler) Bundle(_ context.Context, source string) (string, error) {
	f.mu.Lock()
	f.bundleCalls++
	f.sources = append(f.sources, source)
	gate, err := f.blocks[source], f.bundleErr
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "var Sandbox = (function(){ /* " + source + " */ })();", nil
}

func (f *fakeCompiler) RetryInitialization(context.Context) error {
	f.mu.Lock()
	f.retryCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeCompiler) counts() (bundles, transforms int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bundleCalls, f.transformCalls
}

func (f *fakeCompiler) lastSource() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) == 0 {
		return ""
	}
	return f.sources[len(f.sources)-1]
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []string
}

func (p *phaseRecorder) ObservePhase(phase string) {
	p.mu.Lock()
	p.phases = append(p.phases, phase)
	p.mu.Unlock()
}

func newSandboxController(t *testing.T, compiler Compiler) (*Controller, *sandbox.Host, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	host := sandbox.NewHost(sandbox.HostOptions{Clock: clk})
	c := New(compiler, host, nil, Options{Mode: ModeSandbox, Clock: clk})
	t.Cleanup(c.Close)
	return c, host, clk
}

func waitPhase(t *testing.T, c *Controller, phase Phase) State {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State().Phase == phase
	}, 2*time.Second, 5*time.Millisecond, "phase %s never reached, have %s", phase, c.State().Phase)
	return c.State()
}

func TestState_Retryable(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseInitializing, false},
		{PhaseIdle, false},
		{PhaseLoading, false},
		{PhaseRendered, false},
		{PhaseFailed, true},
		{PhaseCompileError, true},
		{PhaseRuntimeError, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			state := State{Phase: tt.phase}
			assert.Equal(t, tt.want, state.Retryable())
		})
	}

	withBanner := State{Phase: PhaseRendered, Banner: errors.NewResourceLoadError("Failed to load: styles.css")}
	assert.False(t, withBanner.Retryable(), "a resource banner is not an error state")
}

func TestController_InitialPhase(t *testing.T) {
	tests := []struct {
		session build.SessionState
		want    Phase
	}{
		{build.SessionUninitialized, PhaseInitializing},
		{build.SessionInitializing, PhaseInitializing},
		{build.SessionReady, PhaseIdle},
		{build.SessionFailed, PhaseFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.session), func(t *testing.T) {
			c, _, _ := newSandboxController(t, newFakeCompiler(tt.session))
			state := c.State()
			assert.Equal(t, tt.want, state.Phase)
			assert.Equal(t, ModeSandbox, state.Mode)
			if tt.want == PhaseFailed {
				require.NotNil(t, state.Error)
				assert.Equal(t, "Failed to initialize code compiler", state.Error.Message)
				assert.True(t, state.Retryable())
			}
		})
	}
}

func TestController_DebounceCoalescesEdits(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, host, clk := newSandboxController(t, compiler)
	c.Start(context.Background())

	for i := 0; i < 5; i++ {
		c.SetSource(fmt.Sprintf(`function Component() { return %d }`, i))
		clk.Add(100 * time.Millisecond)
	}
	bundles, _ := compiler.counts()
	assert.Zero(t, bundles, "no cycle runs while edits keep arriving")

	clk.Add(DefaultBundleDebounce)
	state := waitPhase(t, c, PhaseLoading)
	require.Eventually(t, func() bool { return c.State().InstanceKey != "" }, time.Second, 5*time.Millisecond)

	bundles, _ = compiler.counts()
	assert.Equal(t, 1, bundles)
	assert.Equal(t, `function Component() { return 4 }`, compiler.lastSource())
	assert.Nil(t, state.Error)
	require.NotNil(t, host.Current())
	assert.Equal(t, c.State().InstanceKey, host.Current().Key)
}

func TestController_InlineDebounceInterval(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	clk := clock.NewMock()
	c := New(compiler, nil, sandbox.NewRuntime(sandbox.RuntimeConfig{}), Options{Mode: ModeInline, Clock: clk})
	t.Cleanup(c.Close)

	c.SetSource(validSource)
	clk.Add(DefaultBundleDebounce)
	_, transforms := compiler.counts()
	assert.Zero(t, transforms)

	clk.Add(DefaultTransformDebounce - DefaultBundleDebounce)
	state := waitPhase(t, c, PhaseRendered)
	assert.Equal(t, "<b>hi</b>", state.Output)
	assert.Empty(t, state.InstanceKey)
}

func TestController_InlineErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
		phase  Phase
		kind   errors.Kind
	}{
		{"transform failure", "function Component() { SYNTAX", PhaseCompileError, errors.KindCompile},
		{"missing entry", "const App = () => null", PhaseCompileError, errors.KindCompile},
		{"render failure", `function Component() { throw new Error("boom") }`, PhaseRuntimeError, errors.KindRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiler := newFakeCompiler(build.SessionReady)
			c := New(compiler, nil, sandbox.NewRuntime(sandbox.RuntimeConfig{}), Options{Mode: ModeInline, Clock: clock.NewMock()})
			t.Cleanup(c.Close)

			c.SetSource(tt.source)
			require.NoError(t, c.Retry(context.Background()))

			state := c.State()
			assert.Equal(t, tt.phase, state.Phase)
			require.NotNil(t, state.Error)
			assert.Equal(t, tt.kind, state.Error.Kind)
			assert.Empty(t, state.Output)
		})
	}
}

func TestController_MissingEntrySkipsEngine(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, _, _ := newSandboxController(t, compiler)

	c.SetSource(`const App = () => <div/>`)
	require.NoError(t, c.Retry(context.Background()))

	state := c.State()
	assert.Equal(t, PhaseCompileError, state.Phase)
	require.NotNil(t, state.Error)
	assert.Equal(t, "Code must include a function named 'Component'", state.Error.Message)
	assert.Equal(t, errors.ErrCodeMissingEntry, state.Error.Code)

	bundles, transforms := compiler.counts()
	assert.Zero(t, bundles)
	assert.Zero(t, transforms)
}

func TestController_EmptySourceIsIdle(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, host, _ := newSandboxController(t, compiler)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	require.NotNil(t, host.Current())

	c.SetSource("   \n\t")
	require.NoError(t, c.Retry(context.Background()))

	state := c.State()
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.Nil(t, state.Error)
	assert.Empty(t, state.InstanceKey)
	assert.Nil(t, host.Current(), "the sandbox is torn down")

	bundles, _ := compiler.counts()
	assert.Equal(t, 1, bundles)
}

func TestController_SandboxMessages(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, host, _ := newSandboxController(t, compiler)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	key := c.State().InstanceKey
	require.NotEmpty(t, key)
	assert.Equal(t, PhaseLoading, c.State().Phase)

	require.NoError(t, host.Deliver(key, sandbox.Message{Type: sandbox.MessageResourceError, Error: "Failed to load: https://unpkg.com/react"}))
	assert.Equal(t, PhaseLoading, c.State().Phase, "resource errors only set the banner")
	banner := c.State().Banner
	require.NotNil(t, banner)
	assert.Equal(t, errors.KindResourceLoad, banner.Kind)
	assert.Equal(t, errors.ErrCodeResourceLoad, banner.Code)
	assert.Equal(t, "Failed to load: https://unpkg.com/react", banner.Message)

	require.NoError(t, host.Deliver(key, sandbox.Message{Type: sandbox.MessageLoaded}))
	state := c.State()
	assert.Equal(t, PhaseRendered, state.Phase)
	assert.Nil(t, state.Error)
	require.NotNil(t, state.Banner)
	assert.Equal(t, "Failed to load: https://unpkg.com/react", state.Banner.Message)

	require.NoError(t, host.Deliver(key, sandbox.Message{Type: sandbox.MessageError, Error: "x is not defined", Stack: "at Component"}))
	state = c.State()
	assert.Equal(t, PhaseRuntimeError, state.Phase)
	require.NotNil(t, state.Error)
	assert.Equal(t, errors.KindRuntime, state.Error.Kind)
	assert.Equal(t, "x is not defined", state.Error.Message)
	assert.Equal(t, "at Component", state.Error.Context["stack"])

	require.NoError(t, host.Deliver(key, sandbox.Message{Type: sandbox.MessageLoaded}))
	assert.Equal(t, PhaseRuntimeError, c.State().Phase, "loaded only completes a loading instance")
}

func TestController_StaleInstanceMessagesIgnored(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, host, _ := newSandboxController(t, compiler)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	first := c.State().InstanceKey

	c.SetSource(validSource + "\n")
	require.NoError(t, c.Retry(context.Background()))
	second := c.State().InstanceKey
	require.NotEqual(t, first, second)

	before := c.State()
	err := host.Deliver(first, sandbox.Message{Type: sandbox.MessageError, Error: "old"})
	assert.ErrorIs(t, err, sandbox.ErrStaleInstance)
	assert.Equal(t, before, c.State())

	require.NoError(t, host.Deliver(second, sandbox.Message{Type: sandbox.MessageLoaded}))
	assert.Equal(t, PhaseRendered, c.State().Phase)
	assert.Equal(t, 1, host.ListenerCount())
}

func TestController_NewCycleCancelsPrevious(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	slow := `function Component() { return "slow" }`
	gate := make(chan struct{})
	compiler.blocks[slow] = gate
	c, host, _ := newSandboxController(t, compiler)

	c.SetSource(slow)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Retry(context.Background())
	}()
	require.Eventually(t, func() bool {
		bundles, _ := compiler.counts()
		return bundles == 1
	}, time.Second, 5*time.Millisecond)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	fresh := c.State()
	require.NotEmpty(t, fresh.InstanceKey)

	close(gate)
	<-done

	assert.Equal(t, fresh.InstanceKey, c.State().InstanceKey, "a cancelled cycle commits nothing")
	assert.Equal(t, fresh.InstanceKey, host.Current().Key)
}

func TestController_BundleErrorThenRecovery(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	compiler.bundleErr = errors.NewCompileError(errors.ErrCodeBundleFailed, "bundle error", nil)
	c, _, _ := newSandboxController(t, compiler)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	state := c.State()
	assert.Equal(t, PhaseCompileError, state.Phase)
	require.NotNil(t, state.Error)
	assert.Equal(t, "bundle error", state.Error.Message)
	assert.False(t, state.Error.Retryable)
	assert.True(t, state.Retryable())

	compiler.mu.Lock()
	compiler.bundleErr = nil
	compiler.mu.Unlock()

	require.NoError(t, c.Retry(context.Background()))
	state = c.State()
	assert.Equal(t, PhaseLoading, state.Phase)
	assert.Nil(t, state.Error, "a new cycle clears the previous error")
}

func TestController_FollowsSession(t *testing.T) {
	compiler := newFakeCompiler(build.SessionUninitialized)
	recorder := &phaseRecorder{}
	clk := clock.NewMock()
	host := sandbox.NewHost(sandbox.HostOptions{Clock: clk})
	c := New(compiler, host, nil, Options{Clock: clk, Observer: recorder})
	t.Cleanup(c.Close)

	var (
		mu       sync.Mutex
		versions []uint64
	)
	unsubscribe := c.Subscribe(func(s State) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})
	defer unsubscribe()

	c.Start(context.Background())
	c.SetSource(validSource)

	// edits before readiness wait for the engine
	clk.Add(DefaultBundleDebounce)
	bundles, _ := compiler.counts()
	assert.Zero(t, bundles)
	assert.Equal(t, PhaseInitializing, c.State().Phase)

	failure := errors.NewInitializationError(errors.ErrCodeInitTimeout, "compiler engine did not start within 10s", nil)
	compiler.setState(build.SessionFailed, failure)
	state := c.State()
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, failure, state.Error)

	require.NoError(t, c.Retry(context.Background()))
	assert.Equal(t, 1, compiler.retryCalls)

	compiler.setState(build.SessionInitializing, nil)
	assert.Equal(t, PhaseInitializing, c.State().Phase)
	assert.Nil(t, c.State().Error)

	compiler.setState(build.SessionReady, nil)
	require.Eventually(t, func() bool { return c.State().InstanceKey != "" }, time.Second, 5*time.Millisecond)

	mu.Lock()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	mu.Unlock()

	recorder.mu.Lock()
	assert.Contains(t, recorder.phases, string(PhaseFailed))
	assert.Contains(t, recorder.phases, string(PhaseLoading))
	recorder.mu.Unlock()
}

func TestController_ResetView(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, host, _ := newSandboxController(t, compiler)

	c.SetSource(validSource)
	require.NoError(t, c.Retry(context.Background()))
	first := c.State().InstanceKey

	c.ResetView(context.Background())
	second := c.State().InstanceKey

	assert.NotEqual(t, first, second)
	assert.Equal(t, second, host.Current().Key)
	assert.Equal(t, PhaseLoading, c.State().Phase)
}

func TestController_CloseStopsPendingCycle(t *testing.T) {
	compiler := newFakeCompiler(build.SessionReady)
	c, _, clk := newSandboxController(t, compiler)

	c.SetSource(validSource)
	c.Close()
	clk.Add(time.Second)

	bundles, _ := compiler.counts()
	assert.Zero(t, bundles)
	c.Close()
}

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode("inline")
	assert.True(t, ok)
	assert.Equal(t, ModeInline, mode)

	_, ok = ParseMode("iframe")
	assert.False(t, ok)
}
