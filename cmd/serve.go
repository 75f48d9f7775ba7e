package cmd

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/monitoring"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/sandbox"
	"github.com/conneroisu/previewd/internal/server"
	"github.com/conneroisu/previewd/internal/version"
	"github.com/conneroisu/previewd/internal/watcher"
	"github.com/conneroisu/previewd/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the live preview server",
	Long: `Start the live preview server. The compiler session starts in the
background; the page shows "Initializing compiler" until it is ready.

With --file the buffer is loaded from disk, external writes to the file
become edits, and undo/redo are written back.

Examples:
  previewd serve                      # Sample component, sandbox mode
  previewd serve --file app.jsx       # Edit app.jsx from any editor
  previewd serve --mode inline        # Static inline rendering
  previewd serve -p 3000 --open       # Custom port, open the browser`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("open", false, "Open the browser once listening")
	serveCmd.Flags().Bool("no-open", false, "Don't open the browser")
	serveCmd.Flags().StringP("mode", "m", string(preview.ModeSandbox), "Preview mode (sandbox|inline)")
	serveCmd.Flags().String("file", "", "Component source file to load and watch")

	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.open", serveCmd.Flags().Lookup("open"))
	_ = viper.BindPFlag("server.no-open", serveCmd.Flags().Lookup("no-open"))
	_ = viper.BindPFlag("preview.mode", serveCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("editor.file", serveCmd.Flags().Lookup("file"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLogs, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = closeLogs() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start(ctx) }()

	fmt.Fprintf(cmd.OutOrStdout(), "previewd %s serving at http://%s\n",
		version.GetShortVersion(), net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, err, "server shutdown incomplete")
	}
	return <-errCh
}

// application is every component of a running preview, wired together.
type application struct {
	compiler   *build.Service
	host       *sandbox.Host
	controller *preview.Controller
	workspace  *workspace.Workspace
	source     *watcher.SourceFile
	server     *server.PreviewServer
}

// newApplication builds the component graph for cfg. The compiler session is
// initialized in the background; ctx bounds the session sweeper and the
// source file watcher.
func newApplication(ctx context.Context, cfg *config.Config, logger logging.Logger) (*application, error) {
	metrics := monitoring.NewMetrics()
	health := monitoring.NewHealthMonitor(logger, version.GetShortVersion())

	opts := cfg.Compiler.ServiceOptions()
	opts.Logger = logger
	opts.Observer = metrics
	compiler := build.NewService(build.NewESBuildEngine(), opts)

	host := sandbox.NewHost(sandbox.HostOptions{
		Resources:     cfg.Sandbox.Resources(),
		GlobalName:    opts.GlobalName,
		EntryFunction: opts.EntryFunction,
		Logger:        logger,
		Observer:      metrics,
	})
	renderer := sandbox.NewRuntime(sandbox.RuntimeConfig{
		Timeout:       cfg.Preview.RenderTimeout,
		EntryFunction: opts.EntryFunction,
	})

	controller := preview.New(compiler, host, renderer, preview.Options{
		Mode:              cfg.Preview.PreviewMode(),
		BundleDebounce:    cfg.Preview.BundleDebounce,
		TransformDebounce: cfg.Preview.TransformDebounce,
		EntryFunction:     opts.EntryFunction,
		Logger:            logger,
		Observer:          metrics,
	})

	app := &application{compiler: compiler, host: host, controller: controller}

	wsOpts := workspace.Options{HistoryLimit: cfg.Editor.HistoryLimit, Logger: logger}
	if cfg.Editor.File != "" {
		source, err := watcher.NewSourceFile(cfg.Editor.File, cfg.Editor.FileDebounce, logger)
		if err != nil {
			return nil, err
		}
		initial, err := source.Load()
		if err != nil {
			_ = source.Close()
			return nil, err
		}
		wsOpts.Initial = initial
		app.source = source
	}
	app.workspace = workspace.New(controller, wsOpts)

	if app.source != nil {
		app.workspace.AddEditor(app.source)
		if err := app.source.Watch(ctx, func(src string) { app.workspace.Edit(src) }); err != nil {
			app.close()
			return nil, err
		}
		logger.Info(ctx, "watching source file", "path", app.source.Path())
	}

	srv, err := server.New(server.Dependencies{
		Config:     cfg,
		Compiler:   compiler,
		Host:       host,
		Controller: controller,
		Workspace:  app.workspace,
		Metrics:    metrics,
		Health:     health,
		Logger:     logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.server = srv

	compiler.Start(ctx)
	controller.Start(ctx)
	go func() {
		if err := compiler.Initialize(ctx); err != nil {
			logger.Error(ctx, err, "compiler session failed to initialize")
		}
	}()

	return app, nil
}

func (a *application) close() {
	if a.source != nil {
		_ = a.source.Close()
	}
	a.controller.Close()
	a.host.Cleanup()
	a.compiler.Close()
}
