package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/hupe1980/runstream/logging"
	"github.com/hupe1980/runstream/orchestrator"
)

// Provider names accepted in provider.kind.
const (
	ProviderHTTP      = "http"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Store backends accepted in store.backend.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the root configuration document.
type Config struct {
	Provider ProviderConfig `toml:"provider"`
	Store    StoreConfig    `toml:"store"`
	Logging  LoggingConfig  `toml:"logging"`
	Stream   StreamConfig   `toml:"stream"`
	Sink     SinkConfig     `toml:"sink"`
}

// ProviderConfig selects and configures the producer of frames.
type ProviderConfig struct {
	Kind string `toml:"kind"`

	// Endpoint and CancelURL are used by the http provider.
	Endpoint  string            `toml:"endpoint"`
	CancelURL string            `toml:"cancel_url"`
	Headers   map[string]string `toml:"headers"`

	// Model settings for the openai and anthropic bridges.
	Model        string  `toml:"model"`
	APIKey       string  `toml:"api_key"`
	BaseURL      string  `toml:"base_url"`
	SystemPrompt string  `toml:"system_prompt"`
	Temperature  float64 `toml:"temperature"`
	MaxTokens    int64   `toml:"max_tokens"`
}

// StoreConfig selects the message store.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

// StreamConfig mirrors orchestrator.Config.
type StreamConfig struct {
	ReadBufferSize int           `toml:"read_buffer_size"`
	MaxFrameBytes  int           `toml:"max_frame_bytes"`
	PersistTimeout time.Duration `toml:"persist_timeout"`
	StallTimeout   time.Duration `toml:"stall_timeout"`
	FailureMarker  string        `toml:"failure_marker"`
	Apology        string        `toml:"apology"`
	// MaxConcurrentRuns caps runs in flight across conversations; zero is
	// unlimited.
	MaxConcurrentRuns int `toml:"max_concurrent_runs"`
}

// SinkConfig tunes live delivery.
type SinkConfig struct {
	// RefreshInterval throttles live chat updates. Zero delivers every chunk.
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	oc := orchestrator.DefaultConfig
	return &Config{
		Provider: ProviderConfig{Kind: ProviderHTTP, Endpoint: "http://localhost:8080/stream"},
		Store:    StoreConfig{Backend: StoreMemory},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Stream: StreamConfig{
			ReadBufferSize:    oc.ReadBufferSize,
			MaxFrameBytes:     oc.MaxFrameBytes,
			PersistTimeout:    oc.PersistTimeout,
			FailureMarker:     oc.FailureMarker,
			Apology:           oc.Apology,
			MaxConcurrentRuns: oc.MaxConcurrentRuns,
		},
		Sink: SinkConfig{RefreshInterval: 50 * time.Millisecond},
	}
}

// Load decodes path over Default, applies environment overrides and validates
// the result. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over Default without consulting the environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies RUNSTREAM_* variables:
//
//   - RUNSTREAM_PROVIDER: provider.kind
//   - RUNSTREAM_ENDPOINT: provider.endpoint
//   - RUNSTREAM_CANCEL_URL: provider.cancel_url
//   - RUNSTREAM_MODEL: provider.model
//   - RUNSTREAM_API_KEY: provider.api_key (falls back to OPENAI_API_KEY / ANTHROPIC_API_KEY)
//   - RUNSTREAM_STORE: store.backend
//   - RUNSTREAM_STORE_PATH: store.path
//   - RUNSTREAM_LOG_LEVEL, RUNSTREAM_LOG_FORMAT: logging
//   - RUNSTREAM_PERSIST_TIMEOUT, RUNSTREAM_STALL_TIMEOUT: stream durations
func (c *Config) ApplyEnvOverrides() error {
	set := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set("RUNSTREAM_PROVIDER", &c.Provider.Kind)
	set("RUNSTREAM_ENDPOINT", &c.Provider.Endpoint)
	set("RUNSTREAM_CANCEL_URL", &c.Provider.CancelURL)
	set("RUNSTREAM_MODEL", &c.Provider.Model)
	set("RUNSTREAM_API_KEY", &c.Provider.APIKey)
	set("RUNSTREAM_STORE", &c.Store.Backend)
	set("RUNSTREAM_STORE_PATH", &c.Store.Path)
	set("RUNSTREAM_LOG_LEVEL", &c.Logging.Level)
	set("RUNSTREAM_LOG_FORMAT", &c.Logging.Format)

	if c.Provider.APIKey == "" {
		switch c.Provider.Kind {
		case ProviderOpenAI:
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderAnthropic:
			c.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	for name, dst := range map[string]*time.Duration{
		"RUNSTREAM_PERSIST_TIMEOUT": &c.Stream.PersistTimeout,
		"RUNSTREAM_STALL_TIMEOUT":   &c.Stream.StallTimeout,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			// plain integers are seconds
			secs, serr := strconv.Atoi(v)
			if serr != nil {
				return fmt.Errorf("config: %s: %w", name, err)
			}
			d = time.Duration(secs) * time.Second
		}
		*dst = d
	}
	return nil
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "config: " + strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors if anything
// is off.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Provider.Kind {
	case ProviderHTTP:
		if c.Provider.Endpoint == "" {
			add("provider.endpoint", "required for the http provider")
		}
	case ProviderOpenAI, ProviderAnthropic:
		if c.Provider.Model == "" {
			add("provider.model", "required for the %s provider", c.Provider.Kind)
		}
	default:
		add("provider.kind", "invalid provider %q, must be one of: http, openai, anthropic", c.Provider.Kind)
	}

	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			add("store.path", "required for the sqlite backend")
		}
	default:
		add("store.backend", "invalid backend %q, must be one of: memory, sqlite", c.Store.Backend)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		add("logging.format", "invalid format %q, must be json or text", c.Logging.Format)
	}

	if c.Stream.ReadBufferSize <= 0 {
		add("stream.read_buffer_size", "must be positive")
	}
	if c.Stream.MaxFrameBytes <= 0 {
		add("stream.max_frame_bytes", "must be positive")
	}
	if c.Stream.PersistTimeout < 0 {
		add("stream.persist_timeout", "must not be negative")
	}
	if c.Stream.MaxConcurrentRuns < 0 {
		add("stream.max_concurrent_runs", "must not be negative")
	}
	if c.Stream.StallTimeout < 0 {
		add("stream.stall_timeout", "must not be negative")
	}
	if c.Sink.RefreshInterval < 0 {
		add("sink.refresh_interval", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// OrchestratorConfig converts the stream section.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		ReadBufferSize:    c.Stream.ReadBufferSize,
		MaxFrameBytes:     c.Stream.MaxFrameBytes,
		PersistTimeout:    c.Stream.PersistTimeout,
		FailureMarker:     c.Stream.FailureMarker,
		Apology:           c.Stream.Apology,
		MaxConcurrentRuns: c.Stream.MaxConcurrentRuns,
	}
}

// NewLogger builds the configured logger. Validate has already rejected an
// unknown level.
func (c *Config) NewLogger() *logging.RunLogger {
	level, _ := logging.ParseLevel(c.Logging.Level)
	return logging.NewSlogLogger(level, c.Logging.Format, c.Logging.AddSource)
}
