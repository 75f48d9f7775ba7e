package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/logging"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/validation"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string      `json:"field" yaml:"field"`
	Value       interface{} `json:"value" yaml:"value"`
	Message     string      `json:"message" yaml:"message"`
	Suggestions []string    `json:"suggestions,omitempty" yaml:"suggestions,omitempty"`
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool              `json:"valid" yaml:"valid"`
	Errors   []ValidationError `json:"errors" yaml:"errors"`
	Warnings []ValidationError `json:"warnings" yaml:"warnings"`
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
		builder.WriteString("\n")
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", warning.Field, warning.Message))
			for _, suggestion := range warning.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	return builder.String()
}

func (vr *ValidationResult) fail(field string, value interface{}, message string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

func (vr *ValidationResult) warn(field string, value interface{}, message string, suggestions ...string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message, Suggestions: suggestions})
}

// ValidateConfigWithDetails performs comprehensive validation with detailed feedback
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	validateServerConfigDetails(&config.Server, result)
	validateCompilerConfigDetails(&config.Compiler, result)
	validatePreviewConfigDetails(&config.Preview, result)
	validateSandboxConfigDetails(&config.Sandbox, result)
	validateEditorConfigDetails(&config.Editor, result)
	validateLoggingConfigDetails(&config.Logging, result)

	result.Valid = !result.HasErrors()
	return result
}

func validateServerConfigDetails(config *ServerConfig, result *ValidationResult) {
	// allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		result.fail("server.port", config.Port,
			fmt.Sprintf("port %d is not in valid range 0-65535", config.Port),
			"Use a port between 1024-65535 for non-privileged access",
			"Port 0 allows system to assign an available port")
	} else if config.Port > 0 && config.Port < 1024 {
		result.warn("server.port", config.Port, "port below 1024 requires elevated privileges",
			"Consider using a port above 1024 for development")
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			result.fail("server.host", config.Host, err.Error(),
				"Use 'localhost' for local development",
				"Use '0.0.0.0' to bind to all interfaces")
		}
	}

	validEnvs := []string{"development", "production", "testing"}
	if config.Environment != "" && !contains(validEnvs, config.Environment) {
		result.warn("server.environment", config.Environment, "unknown environment type",
			"Use one of: "+strings.Join(validEnvs, ", "))
	}

	for _, origin := range config.AllowedOrigins {
		if _, err := url.Parse(origin); err != nil || strings.ContainsAny(origin, " \t\n") {
			result.fail("server.allowed_origins", origin, "invalid origin pattern")
		}
	}

	if config.MessageRate < 0 {
		result.fail("server.message_rate", config.MessageRate, "message rate cannot be negative",
			"Use 0 to disable inbound message limiting")
	}
	if config.MessageRate > 0 && config.MessageBurst < 1 {
		result.fail("server.message_burst", config.MessageBurst, "message burst must be at least 1 when limiting is enabled")
	}
}

func validateCompilerConfigDetails(config *CompilerConfig, result *ValidationResult) {
	positive := map[string]time.Duration{
		"compiler.init_timeout":   config.InitTimeout,
		"compiler.cache_ttl":      config.CacheTTL,
		"compiler.sweep_interval": config.SweepInterval,
	}
	for _, field := range []string{"compiler.init_timeout", "compiler.cache_ttl", "compiler.sweep_interval"} {
		if positive[field] <= 0 {
			result.fail(field, positive[field], "duration must be positive")
		}
	}

	if config.CacheCapacity < 1 {
		result.fail("compiler.cache_capacity", config.CacheCapacity, "cache capacity must be at least 1")
	}

	if !build.ValidTarget(config.Target) {
		result.fail("compiler.target", config.Target, "unknown compile target",
			"Use es2015 for broad browser support", "Use esnext to skip syntax lowering")
	}

	for field, ident := range map[string]string{
		"compiler.global_name":    config.GlobalName,
		"compiler.entry_function": config.EntryFunction,
	} {
		if !identifier.MatchString(ident) {
			result.fail(field, ident, "must be a JavaScript identifier")
		}
	}

	for field, expr := range map[string]string{
		"compiler.jsx_factory":  config.JSXFactory,
		"compiler.jsx_fragment": config.JSXFragment,
	} {
		if !memberExpression.MatchString(expr) {
			result.fail(field, expr, "must be an identifier or member expression such as React.createElement")
		}
	}

	if !contains(config.Externals, "react") {
		result.warn("compiler.externals", config.Externals, "react is not external",
			"The sandbox provides React as a global; bundling it inline is slow and may load two copies")
	}
}

func validatePreviewConfigDetails(config *PreviewConfig, result *ValidationResult) {
	if _, ok := preview.ParseMode(config.Mode); !ok {
		result.fail("preview.mode", config.Mode, "unknown preview mode",
			"Use 'sandbox' to render in an isolated document",
			"Use 'inline' to render static markup on the server")
	}
	if config.BundleDebounce < 0 || config.TransformDebounce < 0 {
		result.fail("preview.debounce", config.BundleDebounce, "debounce intervals cannot be negative")
	}
	if config.RenderTimeout <= 0 {
		result.fail("preview.render_timeout", config.RenderTimeout, "render timeout must be positive")
	}
}

func validateSandboxConfigDetails(config *SandboxConfig, result *ValidationResult) {
	for field, raw := range map[string]string{
		"sandbox.react_url":     config.ReactURL,
		"sandbox.react_dom_url": config.ReactDOMURL,
		"sandbox.styling_url":   config.StylingURL,
	} {
		if raw == "" {
			if field != "sandbox.styling_url" {
				result.fail(field, raw, "runtime URL is required")
			}
			continue
		}
		secure, err := validation.ValidateResourceURL(raw)
		if err != nil {
			result.fail(field, raw, err.Error(), "Use an absolute https URL")
			continue
		}
		if !secure {
			result.warn(field, raw, "runtime is not loaded over https")
		}
	}
}

func validateEditorConfigDetails(config *EditorConfig, result *ValidationResult) {
	if config.File != "" {
		if err := validation.ValidateSourcePath(config.File); err != nil {
			result.fail("editor.file", config.File, err.Error())
		} else if err := validation.ValidateFileExtension(config.File, validation.SourceExtensions); err != nil {
			result.warn("editor.file", config.File, err.Error(),
				"The file is compiled as JSX regardless of its extension")
		}
	}
	if config.HistoryLimit < 0 {
		result.fail("editor.history_limit", config.HistoryLimit, "history limit cannot be negative",
			"Use 0 for unbounded history")
	}
}

func validateLoggingConfigDetails(config *LoggingConfig, result *ValidationResult) {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		result.fail("logging.level", config.Level, err.Error(),
			"Use one of: debug, info, warn, error")
	}
	if config.Format != "text" && config.Format != "json" {
		result.fail("logging.format", config.Format, "unknown log format",
			"Use 'text' or 'json'")
	}
}

var (
	identifier       = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)
	memberExpression = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
	hostnameRegex    = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
)

func validateHostname(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
