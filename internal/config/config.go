// Package config provides configuration management for previewd using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with the PREVIEWD_ prefix, defaults and validation. It covers the
// preview server, the compiler session, the preview controller, the sandbox
// runtime resources, the editor file and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/previewd/internal/build"
	"github.com/conneroisu/previewd/internal/preview"
	"github.com/conneroisu/previewd/internal/sandbox"
)

// EnvPrefix prefixes environment overrides, e.g. PREVIEWD_SERVER_PORT.
const EnvPrefix = "PREVIEWD"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Compiler CompilerConfig `mapstructure:"compiler" yaml:"compiler"`
	Preview  PreviewConfig  `mapstructure:"preview" yaml:"preview"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	Editor   EditorConfig   `mapstructure:"editor" yaml:"editor"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port" yaml:"port"`
	Host           string   `mapstructure:"host" yaml:"host"`
	Open           bool     `mapstructure:"open" yaml:"open"`
	NoOpen         bool     `mapstructure:"no-open" yaml:"no-open"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Environment    string   `mapstructure:"environment" yaml:"environment"`
	// MessageRate limits inbound websocket messages per client per second.
	MessageRate  float64 `mapstructure:"message_rate" yaml:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst" yaml:"message_burst"`
}

type CompilerConfig struct {
	InitTimeout   time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	CacheCapacity int           `mapstructure:"cache_capacity" yaml:"cache_capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	Target        string        `mapstructure:"target" yaml:"target"`
	JSXFactory    string        `mapstructure:"jsx_factory" yaml:"jsx_factory"`
	JSXFragment   string        `mapstructure:"jsx_fragment" yaml:"jsx_fragment"`
	GlobalName    string        `mapstructure:"global_name" yaml:"global_name"`
	Externals     []string      `mapstructure:"externals" yaml:"externals"`
	EntryFunction string        `mapstructure:"entry_function" yaml:"entry_function"`
}

type PreviewConfig struct {
	Mode              string        `mapstructure:"mode" yaml:"mode"`
	BundleDebounce    time.Duration `mapstructure:"bundle_debounce" yaml:"bundle_debounce"`
	TransformDebounce time.Duration `mapstructure:"transform_debounce" yaml:"transform_debounce"`
	RenderTimeout     time.Duration `mapstructure:"render_timeout" yaml:"render_timeout"`
}

type SandboxConfig struct {
	ReactURL    string `mapstructure:"react_url" yaml:"react_url"`
	ReactDOMURL string `mapstructure:"react_dom_url" yaml:"react_dom_url"`
	StylingURL  string `mapstructure:"styling_url" yaml:"styling_url"`
}

type EditorConfig struct {
	File         string        `mapstructure:"file" yaml:"file"`
	FileDebounce time.Duration `mapstructure:"file_debounce" yaml:"file_debounce"`
	HistoryLimit int           `mapstructure:"history_limit" yaml:"history_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
}

var envKeyReplacer = strings.NewReplacer(".", "_", "-", "_")

// ConfigureEnv makes v read PREVIEWD_SECTION_KEY environment overrides.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
}

// SetDefaults registers default values on v so that environment overrides
// are picked up for every key.
func SetDefaults(v *viper.Viper) {
	compiler := build.DefaultOptions()
	resources := sandbox.DefaultResources()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.open", false)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.message_rate", 20.0)
	v.SetDefault("server.message_burst", 40)

	v.SetDefault("compiler.init_timeout", compiler.InitTimeout)
	v.SetDefault("compiler.cache_ttl", compiler.CacheTTL)
	v.SetDefault("compiler.cache_capacity", compiler.CacheCapacity)
	v.SetDefault("compiler.sweep_interval", compiler.SweepInterval)
	v.SetDefault("compiler.target", compiler.Target)
	v.SetDefault("compiler.jsx_factory", compiler.JSXFactory)
	v.SetDefault("compiler.jsx_fragment", compiler.JSXFragment)
	v.SetDefault("compiler.global_name", compiler.GlobalName)
	v.SetDefault("compiler.externals", compiler.Externals)
	v.SetDefault("compiler.entry_function", compiler.EntryFunction)

	v.SetDefault("preview.mode", string(preview.ModeSandbox))
	v.SetDefault("preview.bundle_debounce", preview.DefaultBundleDebounce)
	v.SetDefault("preview.transform_debounce", preview.DefaultTransformDebounce)
	v.SetDefault("preview.render_timeout", sandbox.DefaultRenderTimeout)

	v.SetDefault("sandbox.react_url", resources.ReactURL)
	v.SetDefault("sandbox.react_dom_url", resources.ReactDOMURL)
	v.SetDefault("sandbox.styling_url", resources.StylingURL)

	v.SetDefault("editor.file", "")
	v.SetDefault("editor.file_debounce", 100*time.Millisecond)
	v.SetDefault("editor.history_limit", 200)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.dir", "")
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals, defaults and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Handle externals set via viper (workaround for viper slice handling)
	if v.IsSet("compiler.externals") && len(config.Compiler.Externals) == 0 {
		config.Compiler.Externals = v.GetStringSlice("compiler.externals")
	}

	// Override open if no-open was explicitly set via flag
	if v.IsSet("server.no-open") && v.GetBool("server.no-open") {
		config.Server.Open = false
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// ServiceOptions maps the compiler section onto build.Options.
func (c CompilerConfig) ServiceOptions() build.Options {
	return build.Options{
		InitTimeout:   c.InitTimeout,
		CacheTTL:      c.CacheTTL,
		CacheCapacity: c.CacheCapacity,
		SweepInterval: c.SweepInterval,
		Target:        c.Target,
		JSXFactory:    c.JSXFactory,
		JSXFragment:   c.JSXFragment,
		GlobalName:    c.GlobalName,
		Externals:     c.Externals,
		EntryFunction: c.EntryFunction,
	}
}

// Resources maps the sandbox section onto sandbox.Resources.
func (c SandboxConfig) Resources() sandbox.Resources {
	return sandbox.Resources{
		ReactURL:    c.ReactURL,
		ReactDOMURL: c.ReactDOMURL,
		StylingURL:  c.StylingURL,
	}
}

// PreviewMode returns the parsed preview mode.
func (c PreviewConfig) PreviewMode() preview.Mode {
	mode, ok := preview.ParseMode(c.Mode)
	if !ok {
		return preview.ModeSandbox
	}
	return mode
}

// validateConfig rejects values the preview cannot run with
func validateConfig(config *Config) error {
	result := ValidateConfigWithDetails(config)
	if result.HasErrors() {
		first := result.Errors[0]
		return &first
	}
	return nil
}
