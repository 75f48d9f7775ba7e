package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/errors"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/sandbox"
)

// Operations run by the one-shot commands.
const (
	opTransform = "transform"
	opBundle    = "bundle"
	opRender    = "render"
)

// CompileReport is the result of a one-shot compile.
type CompileReport struct {
	File      string               `json:"file" yaml:"file"`
	Operation string               `json:"operation" yaml:"operation"`
	Output    string               `json:"output,omitempty" yaml:"output,omitempty"`
	Error     *errors.PreviewError `json:"error,omitempty" yaml:"error,omitempty"`
	Duration  time.Duration        `json:"duration" yaml:"duration"`
}

var compileFormat OutputFormat

var compileCmd = &cobra.Command{
	Use:   "compile [file]",
	Short: "Transform a component source once",
	Long: `Transform a component source to plain script, the way inline mode does,
and print the result. Reads stdin when no file is given.

Examples:
  previewd compile app.jsx
  cat app.jsx | previewd compile --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, args, opTransform)
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle [file]",
	Short: "Bundle a component source for the sandbox",
	Long: `Bundle a component source the way sandbox mode does and print the
self-executing script. Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, args, opBundle)
	},
}

var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Render a component source to static HTML",
	Long: `Transform a component source and render its entry component to static
HTML without a browser. Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd, args, opRender)
	},
}

func init() {
	for _, c := range []*cobra.Command{compileCmd, bundleCmd, renderCmd} {
		rootCmd.AddCommand(c)
		// one process runs one of them, so they share the format value
		addFormatFlag(c, &compileFormat)
	}
}

func runOnce(cmd *cobra.Command, args []string, op string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, closeLogs, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = closeLogs() }()

	var path string
	if len(args) == 1 {
		path = args[0]
	}
	source, err := readSource(cmd, path)
	if err != nil {
		return err
	}

	report, err := compileOnce(cmd.Context(), cfg, logger, build.NewESBuildEngine(), source, op)
	report.File = path
	if report.File == "" {
		report.File = "-"
	}

	writeErr := writeOutput(cmd.OutOrStdout(), compileFormat, report, func(w io.Writer) error {
		if report.Output == "" {
			return nil
		}
		_, err := fmt.Fprintln(w, report.Output)
		return err
	})
	if err != nil {
		return err
	}
	return writeErr
}

// compileOnce runs a single operation against a fresh compiler session.
func compileOnce(ctx context.Context, cfg *config.Config, logger logging.Logger, engine build.Engine, source, op string) (CompileReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := cfg.Compiler.ServiceOptions()
	opts.Logger = logger
	compiler := build.NewService(engine, opts)
	defer compiler.Close()

	report := CompileReport{Operation: op}
	if err := compiler.Initialize(ctx); err != nil {
		report.Error = errors.AsPreviewError(err, errors.KindInitialization)
		return report, report.Error
	}

	start := time.Now()

	switch op {
	case opBundle:
		output, err := compiler.Bundle(ctx, source)
		report.Duration = time.Since(start)
		if err != nil {
			report.Error = errors.AsPreviewError(err, errors.KindCompile)
			return report, report.Error
		}
		report.Output = output

	case opTransform, opRender:
		result := compiler.Transform(ctx, source)
		if result.Err != nil {
			report.Duration = time.Since(start)
			report.Error = result.Err
			return report, result.Err
		}
		report.Output = result.Output
		if op == opRender {
			runtime := sandbox.NewRuntime(sandbox.RuntimeConfig{
				Timeout:       cfg.Preview.RenderTimeout,
				EntryFunction: opts.EntryFunction,
			})
			html, err := runtime.Render(ctx, result.Output)
			report.Duration = time.Since(start)
			if err != nil {
				report.Output = ""
				report.Error = errors.AsPreviewError(err, errors.KindRuntime)
				return report, report.Error
			}
			report.Output = html
		}

	default:
		return report, fmt.Errorf("unknown operation %q", op)
	}

	report.Duration = time.Since(start)
	return report, nil
}
