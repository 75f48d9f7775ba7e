package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/previewd/internal/config"
	"github.com/conneroisu/previewd/internal/logging"
)

// OutputFormat selects how a command prints its result.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatYAML OutputFormat = "yaml"
)

var validFormats = []OutputFormat{FormatText, FormatJSON, FormatYAML}

var _ pflag.Value = (*OutputFormat)(nil)

// String implements pflag.Value.
func (f *OutputFormat) String() string {
	if *f == "" {
		return string(FormatText)
	}
	return string(*f)
}

// Set implements pflag.Value and rejects unknown formats.
func (f *OutputFormat) Set(value string) error {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, valid := range validFormats {
		if value == string(valid) {
			*f = valid
			return nil
		}
	}
	names := make([]string, len(validFormats))
	for i, valid := range validFormats {
		names[i] = string(valid)
	}
	return fmt.Errorf("invalid output format %q, must be one of: %s", value, strings.Join(names, ", "))
}

// Type implements pflag.Value.
func (f *OutputFormat) Type() string {
	return "format"
}

func addFormatFlag(cmd *cobra.Command, target *OutputFormat) {
	*target = FormatText
	cmd.Flags().VarP(target, "format", "f", "Output format (text|json|yaml)")
}

// writeOutput encodes v as JSON or YAML, or calls text for the text format.
func writeOutput(w io.Writer, format OutputFormat, v interface{}, text func(io.Writer) error) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(v)
	default:
		return text(w)
	}
}

// readSource reads a component source from path, or from stdin when path is
// empty or "-".
func readSource(cmd *cobra.Command, path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// newLogger builds the process logger from the logging section. With a log
// directory set, entries also go to a daily JSON file.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) (logging.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	loggerConfig := &logging.LoggerConfig{
		Level:  level,
		Format: cfg.Format,
		Output: stderr,
	}
	console := logging.NewLogger(loggerConfig)
	if cfg.Dir == "" {
		return console, func() error { return nil }, nil
	}

	file, err := logging.NewFileLogger(loggerConfig, cfg.Dir)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewMultiLogger(console, file), file.Close, nil
}
