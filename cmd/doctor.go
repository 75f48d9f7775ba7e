package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v2"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/sandbox"
	"github.com/conneroisu/previewd/internal/version"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration and the compiler engine",
	Long: `Check that previewd can run here. The doctor validates the configuration,
starts a compiler session, transforms, bundles and renders a diagnostic component,
and checks that the server port and the watched source file are usable.

Examples:
  previewd doctor                  # Human readable report
  previewd doctor --verbose        # Include details of every check
  previewd doctor --format yaml    # Machine readable report`,
	RunE: runDoctor,
}

var (
	doctorVerbose bool
	doctorFormat  OutputFormat
)

// Diagnostic statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusError   = "error"
	StatusInfo    = "info"
)

// diagnosticComponent is compiled by the engine checks.
const diagnosticComponent = `function Component() { return <p className="diagnostic">ok</p>; }`

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name       string                 `json:"name" yaml:"name"`
	Category   string                 `json:"category" yaml:"category"`
	Status     string                 `json:"status" yaml:"status"`
	Message    string                 `json:"message" yaml:"message"`
	Suggestion string                 `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty" yaml:"details,omitempty"`
}

// DoctorReport represents the complete diagnostic report
type DoctorReport struct {
	Timestamp   time.Time          `json:"timestamp" yaml:"timestamp"`
	Version     string             `json:"version" yaml:"version"`
	Environment map[string]string  `json:"environment" yaml:"environment"`
	Results     []DiagnosticResult `json:"results" yaml:"results"`
	Summary     ReportSummary      `json:"summary" yaml:"summary"`
}

// ReportSummary provides an overview of diagnostic results
type ReportSummary struct {
	Total    int `json:"total" yaml:"total"`
	OK       int `json:"ok" yaml:"ok"`
	Warnings int `json:"warnings" yaml:"warnings"`
	Errors   int `json:"errors" yaml:"errors"`
	Info     int `json:"info" yaml:"info"`
}

type diagnosis struct {
	cfg      *config.Config
	logger   logging.Logger
	compiler *build.Service
}

type doctorCheck func(ctx context.Context, d *diagnosis) DiagnosticResult

func init() {
	rootCmd.AddCommand(doctorCmd)

	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Show verbose diagnostic information")
	addFormatFlag(doctorCmd, &doctorFormat)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report := diagnose(ctx, viper.GetViper())

	out := cmd.OutOrStdout()
	if doctorFormat == FormatText {
		fmt.Fprintln(out, "previewd doctor")
		fmt.Fprintln(out, "===============")
		fmt.Fprintln(out)
		for _, result := range report.Results {
			if !doctorVerbose && result.Status == StatusInfo {
				continue
			}
			displayResult(out, result)
		}
		displaySummary(out, report.Summary)
	} else if err := outputReport(out, report, doctorFormat); err != nil {
		return fmt.Errorf("failed to output report: %w", err)
	}

	if report.Summary.Errors > 0 {
		return fmt.Errorf("doctor found %d problem(s)", report.Summary.Errors)
	}
	return nil
}

// diagnose runs every check against the configuration held by v.
func diagnose(ctx context.Context, v *viper.Viper) *DoctorReport {
	report := &DoctorReport{
		Timestamp:   time.Now(),
		Version:     version.GetShortVersion(),
		Environment: gatherEnvironmentInfo(),
	}

	config.SetDefaults(v)
	cfg := &config.Config{}
	d := &diagnosis{logger: logging.NewNopLogger()}
	if err := v.Unmarshal(cfg); err != nil {
		report.Results = append(report.Results, DiagnosticResult{
			Name:       "Configuration",
			Category:   "config",
			Status:     StatusError,
			Message:    "configuration could not be decoded: " + err.Error(),
			Suggestion: "Check the value types in .previewd.yml",
		})
		report.Summary = calculateSummary(report.Results)
		return report
	}
	d.cfg = cfg

	checks := []doctorCheck{
		checkConfiguration,
		checkCompilerSession,
		checkTransform,
		checkBundle,
		checkInlineRender,
		checkPortAvailability,
		checkSourceFile,
		checkLogDirectory,
	}
	for _, check := range checks {
		report.Results = append(report.Results, check(ctx, d))
	}
	if d.compiler != nil {
		d.compiler.Close()
	}

	report.Summary = calculateSummary(report.Results)
	return report
}

func gatherEnvironmentInfo() map[string]string {
	env := map[string]string{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"go_version": runtime.Version(),
		"engine":     "esbuild " + version.EngineVersion(),
	}
	if wd, err := os.Getwd(); err == nil {
		env["working_dir"] = wd
	}
	if used := viper.ConfigFileUsed(); used != "" {
		env["config_file"] = used
	}
	return env
}

func checkConfiguration(_ context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Configuration", Category: "config"}

	validation := config.ValidateConfigWithDetails(d.cfg)
	switch {
	case validation.HasErrors():
		result.Status = StatusError
		result.Message = fmt.Sprintf("%d invalid setting(s)", len(validation.Errors))
		first := validation.Errors[0]
		result.Suggestion = first.Error()
		if len(first.Suggestions) > 0 {
			result.Suggestion += "; " + first.Suggestions[0]
		}
	case validation.HasWarnings():
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("valid with %d warning(s)", len(validation.Warnings))
		result.Suggestion = validation.Warnings[0].Error()
	default:
		result.Status = StatusOK
		result.Message = "configuration is valid"
	}
	result.Details = map[string]interface{}{
		"mode":     d.cfg.Preview.Mode,
		"errors":   validation.Errors,
		"warnings": validation.Warnings,
	}
	return result
}

func checkCompilerSession(ctx context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Compiler session", Category: "compiler"}

	opts := d.cfg.Compiler.ServiceOptions()
	opts.Logger = d.logger
	d.compiler = build.NewService(build.NewESBuildEngine(), opts)

	start := time.Now()
	if err := d.compiler.Initialize(ctx); err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Suggestion = "Raise compiler.init_timeout if the machine is slow to start"
		return result
	}
	result.Status = StatusOK
	result.Message = "esbuild " + version.EngineVersion() + " ready"
	result.Details = map[string]interface{}{"startup": time.Since(start).String()}
	return result
}

func checkTransform(ctx context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Transform", Category: "compiler"}
	if d.compiler.State() != build.SessionReady {
		return skipped(result, "compiler session is not ready")
	}

	transformed := d.compiler.Transform(ctx, diagnosticComponent)
	if transformed.Err != nil {
		result.Status = StatusError
		result.Message = transformed.Err.Error()
		result.Suggestion = "Check compiler.jsx_factory, compiler.jsx_fragment and compiler.target"
		return result
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("diagnostic component transformed (%d bytes)", len(transformed.Output))
	return result
}

func checkBundle(ctx context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Bundle", Category: "compiler"}
	if d.compiler.State() != build.SessionReady {
		return skipped(result, "compiler session is not ready")
	}

	bundle, err := d.compiler.Bundle(ctx, diagnosticComponent)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Suggestion = "Check compiler.externals and compiler.global_name"
		return result
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("diagnostic component bundled (%d bytes)", len(bundle))
	result.Details = map[string]interface{}{"global": d.compiler.Options().GlobalName}
	return result
}

func checkInlineRender(ctx context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Inline render", Category: "sandbox"}
	if d.compiler.State() != build.SessionReady {
		return skipped(result, "compiler session is not ready")
	}

	transformed := d.compiler.Transform(ctx, diagnosticComponent)
	if transformed.Err != nil {
		return skipped(result, "diagnostic component did not transform")
	}
	renderer := sandbox.NewRuntime(sandbox.RuntimeConfig{
		Timeout:       d.cfg.Preview.RenderTimeout,
		EntryFunction: d.compiler.Options().EntryFunction,
	})
	html, err := renderer.Render(ctx, transformed.Output)
	if err != nil {
		result.Status = StatusError
		result.Message = err.Error()
		result.Suggestion = "Raise preview.render_timeout or use sandbox mode"
		return result
	}
	result.Status = StatusOK
	result.Message = "diagnostic component rendered"
	result.Details = map[string]interface{}{"html": html}
	return result
}

func checkPortAvailability(_ context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Server port", Category: "server"}
	addr := net.JoinHostPort(d.cfg.Server.Host, strconv.Itoa(d.cfg.Server.Port))

	if !isAddrAvailable(addr) {
		result.Status = StatusWarning
		result.Message = addr + " is already in use"
		result.Suggestion = "Stop the other process or pass --port to previewd serve"
		return result
	}
	result.Status = StatusOK
	result.Message = addr + " is available"
	return result
}

func checkSourceFile(_ context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Source file", Category: "editor"}
	path := d.cfg.Editor.File
	if path == "" {
		result.Status = StatusInfo
		result.Message = "no source file configured; the sample component is used"
		return result
	}

	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if !isDirWritable(filepath.Dir(path)) {
			result.Status = StatusError
			result.Message = path + " does not exist and its directory is not writable"
			return result
		}
		result.Status = StatusInfo
		result.Message = path + " does not exist yet; it is created when the buffer is first written back"
	case err != nil:
		result.Status = StatusError
		result.Message = err.Error()
	case info.IsDir():
		result.Status = StatusError
		result.Message = path + " is a directory"
		result.Suggestion = "Point editor.file at a single component source"
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%s (%d bytes)", path, info.Size())
	}
	return result
}

func checkLogDirectory(_ context.Context, d *diagnosis) DiagnosticResult {
	result := DiagnosticResult{Name: "Log directory", Category: "logging"}
	dir := d.cfg.Logging.Dir
	if dir == "" {
		result.Status = StatusInfo
		result.Message = "logging to stderr only"
		return result
	}
	if err := os.MkdirAll(dir, 0o755); err != nil || !isDirWritable(dir) {
		result.Status = StatusError
		result.Message = dir + " is not writable"
		return result
	}
	result.Status = StatusOK
	result.Message = "writing daily logs to " + dir
	return result
}

func skipped(result DiagnosticResult, reason string) DiagnosticResult {
	result.Status = StatusInfo
	result.Message = "skipped: " + reason
	return result
}

func isAddrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func isDirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".previewd-doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

var titleCase = cases.Title(language.English)

func displayResult(w io.Writer, result DiagnosticResult) {
	var icon string
	switch result.Status {
	case StatusOK:
		icon = "✅"
	case StatusWarning:
		icon = "⚠️"
	case StatusError:
		icon = "❌"
	case StatusInfo:
		icon = "ℹ️"
	default:
		icon = "•"
	}

	fmt.Fprintf(w, "%s [%s] %s: %s\n", icon, titleCase.String(result.Category), result.Name, result.Message)
	if result.Suggestion != "" {
		fmt.Fprintf(w, "   💡 %s\n", result.Suggestion)
	}
	if doctorVerbose && len(result.Details) > 0 {
		fmt.Fprintf(w, "   📋 Details: %+v\n", result.Details)
	}
}

func calculateSummary(results []DiagnosticResult) ReportSummary {
	summary := ReportSummary{Total: len(results)}
	for _, result := range results {
		switch result.Status {
		case StatusOK:
			summary.OK++
		case StatusWarning:
			summary.Warnings++
		case StatusError:
			summary.Errors++
		case StatusInfo:
			summary.Info++
		}
	}
	return summary
}

func displaySummary(w io.Writer, summary ReportSummary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 15))
	fmt.Fprintf(w, "%d checks: %d ok, %d warnings, %d errors, %d info\n",
		summary.Total, summary.OK, summary.Warnings, summary.Errors, summary.Info)
}

func outputReport(w io.Writer, report *DoctorReport, format OutputFormat) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(report)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
