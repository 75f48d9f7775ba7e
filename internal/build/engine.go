package build

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// ErrAlreadyInitialized is returned by engines that allow a single global
// initialization. The service treats it as success.
var ErrAlreadyInitialized = errors.New("engine: initialize must only be called once")

// Engine is the compiler boundary. Implementations must be safe for
// concurrent use once initialized.
type Engine interface {
	Initialize(ctx context.Context) error
	Transform(ctx context.Context, source string, opts TransformOptions) (string, error)
	Bundle(ctx context.Context, entry string, opts BundleOptions) ([]OutputFile, error)
}

// TransformOptions fix the single-file transform: dialect, JSX factories and
// output language level.
type TransformOptions struct {
	Loader      string // "jsx" or "tsx"
	JSXFactory  string
	JSXFragment string
	Target      string
	Sourcefile  string
}

// BundleOptions configure the single-entry bundle used by the sandbox.
type BundleOptions struct {
	Loader      string
	JSXFactory  string
	JSXFragment string
	Target      string
	Sourcefile  string
	External    []string
	GlobalName  string
	Banner      string
	Define      map[string]string
}

// OutputFile is one artifact produced by a bundle.
type OutputFile struct {
	Path     string
	Contents []byte
}

// Diagnostic is a single engine message with its source location.
type Diagnostic struct {
	Text   string `json:"text"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Line == 0 {
		return d.Text
	}
	file := d.File
	if file == "" {
		file = "<stdin>"
	}
	return fmt.Sprintf("%s:%d:%d: %s", file, d.Line, d.Column, d.Text)
}

// EngineError carries engine diagnostics for a failed transform or bundle.
type EngineError struct {
	Op          string
	Diagnostics []Diagnostic
}

func (e *EngineError) Error() string {
	if len(e.Diagnostics) == 0 {
		return e.Op + " failed"
	}
	parts := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		parts[i] = d.String()
	}
	return strings.Join(parts, "\n")
}

var targets = map[string]api.Target{
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"esnext": api.ESNext,
}

var loaders = map[string]api.Loader{
	"js":  api.LoaderJS,
	"jsx": api.LoaderJSX,
	"ts":  api.LoaderTS,
	"tsx": api.LoaderTSX,
}

// ValidTarget reports whether target names a supported language level.
func ValidTarget(target string) bool {
	_, ok := targets[strings.ToLower(target)]
	return ok
}

// ESBuildEngine runs esbuild in process. Like the wasm build it stands in
// for, it accepts exactly one Initialize call.
type ESBuildEngine struct {
	mu          sync.Mutex
	initialized bool
}

// NewESBuildEngine creates an uninitialized esbuild engine.
func NewESBuildEngine() *ESBuildEngine {
	return &ESBuildEngine{}
}

// Initialize verifies the engine with an empty transform.
func (e *ESBuildEngine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	result := api.Transform("", api.TransformOptions{Loader: api.LoaderJS})
	if len(result.Errors) > 0 {
		return &EngineError{Op: "initialize", Diagnostics: diagnostics(result.Errors)}
	}

	e.initialized = true
	return nil
}

func (e *ESBuildEngine) ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Transform compiles a single buffer to CommonJS. Top-level declarations stay
// top-level, and module syntax becomes require calls and module.exports
// assignments the renderer can evaluate as a plain script.
func (e *ESBuildEngine) Transform(ctx context.Context, source string, opts TransformOptions) (string, error) {
	if !e.ready() {
		return "", errors.New("esbuild: engine not initialized")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:      loader(opts.Loader),
		JSXFactory:  opts.JSXFactory,
		JSXFragment: opts.JSXFragment,
		Target:      target(opts.Target),
		Sourcefile:  opts.Sourcefile,
		Format:      api.FormatCommonJS,
	})
	if len(result.Errors) > 0 {
		return "", &EngineError{Op: "transform", Diagnostics: diagnostics(result.Errors)}
	}

	return string(result.Code), nil
}

// Bundle resolves entry as a single stdin module and emits one IIFE.
func (e *ESBuildEngine) Bundle(ctx context.Context, entry string, opts BundleOptions) ([]OutputFile, error) {
	if !e.ready() {
		return nil, errors.New("esbuild: engine not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buildOpts := api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			ResolveDir: "/",
			Sourcefile: opts.Sourcefile,
			Loader:     loader(opts.Loader),
		},
		Bundle:      true,
		Platform:    api.PlatformBrowser,
		External:    opts.External,
		Write:       false,
		Format:      api.FormatIIFE,
		GlobalName:  opts.GlobalName,
		Define:      opts.Define,
		JSXFactory:  opts.JSXFactory,
		JSXFragment: opts.JSXFragment,
		Target:      target(opts.Target),
	}
	if opts.Banner != "" {
		buildOpts.Banner = map[string]string{"js": opts.Banner}
	}

	result := api.Build(buildOpts)
	if len(result.Errors) > 0 {
		return nil, &EngineError{Op: "bundle", Diagnostics: diagnostics(result.Errors)}
	}

	files := make([]OutputFile, 0, len(result.OutputFiles))
	for _, f := range result.OutputFiles {
		files = append(files, OutputFile{Path: f.Path, Contents: f.Contents})
	}
	return files, nil
}

func loader(name string) api.Loader {
	if l, ok := loaders[strings.ToLower(name)]; ok {
		return l
	}
	return api.LoaderJSX
}

func target(name string) api.Target {
	if t, ok := targets[strings.ToLower(name)]; ok {
		return t
	}
	return api.ES2015
}

func diagnostics(messages []api.Message) []Diagnostic {
	out := make([]Diagnostic, 0, len(messages))
	for _, m := range messages {
		d := Diagnostic{Text: m.Text}
		if m.Location != nil {
			d.File = m.Location.File
			d.Line = m.Location.Line
			d.Column = m.Location.Column
		}
		out = append(out, d)
	}
	return out
}
