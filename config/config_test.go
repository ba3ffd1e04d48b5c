package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/runstream/orchestrator"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, orchestrator.DefaultConfig, cfg.OrchestratorConfig())
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_DecodesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runstream.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[provider]
kind = "openai"
model = "gpt-4o-mini"
temperature = 0.2

[store]
backend = "sqlite"
path = "/tmp/runstream.db"

[stream]
persist_timeout = "5s"
failure_marker = "[cut]"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.Provider.Kind)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.InDelta(t, 0.2, cfg.Provider.Temperature, 1e-9)
	assert.Equal(t, StoreSQLite, cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Stream.PersistTimeout)
	assert.Equal(t, "[cut]", cfg.Stream.FailureMarker)
	// untouched keys keep their defaults
	assert.Equal(t, 4096, cfg.Stream.ReadBufferSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[provider\nkind="), 0o600))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: decode")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RUNSTREAM_PROVIDER", "anthropic")
	t.Setenv("RUNSTREAM_MODEL", "claude-sonnet-4-5")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("RUNSTREAM_STALL_TIMEOUT", "45")
	t.Setenv("RUNSTREAM_PERSIST_TIMEOUT", "2s")
	t.Setenv("RUNSTREAM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, cfg.Provider.Kind)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Provider.Model)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Stream.StallTimeout)
	assert.Equal(t, 2*time.Second, cfg.Stream.PersistTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	t.Setenv("RUNSTREAM_STALL_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNSTREAM_STALL_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		fields []string
	}{
		{"unknown provider", func(c *Config) { c.Provider.Kind = "grpc" }, []string{"provider.kind"}},
		{"http without endpoint", func(c *Config) { c.Provider.Endpoint = "" }, []string{"provider.endpoint"}},
		{"bridge without model", func(c *Config) { c.Provider.Kind = ProviderOpenAI }, []string{"provider.model"}},
		{"sqlite without path", func(c *Config) { c.Store.Backend = StoreSQLite }, []string{"store.path"}},
		{"unknown store", func(c *Config) { c.Store.Backend = "redis" }, []string{"store.backend"}},
		{"bad logging", func(c *Config) {
			c.Logging.Level = "loud"
			c.Logging.Format = "xml"
		}, []string{"logging.level", "logging.format"}},
		{"bad stream", func(c *Config) {
			c.Stream.ReadBufferSize = 0
			c.Stream.StallTimeout = -time.Second
		}, []string{"stream.read_buffer_size", "stream.stall_timeout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var fields []string
			for _, v := range verrs {
				fields = append(fields, v.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse("[sink]\nrefresh_interval = \"0s\"\n")
	require.NoError(t, err)
	assert.Zero(t, cfg.Sink.RefreshInterval)

	_, err = Parse("[store]\nbackend = \"redis\"\n")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	assert.NotNil(t, cfg.NewLogger())
}
