package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
server:
  port: 8080
  request_timeout: 5m
log:
  level: debug
  format: json
transformers:
  - use: maxtoken
    options:
      max_tokens: 8192
providers:
  - name: acme
    base_url: https://api.acme.test/v1
    api_key: sk-test
    models: [gpt-x]
    transformers:
      use: [openai]
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, 5*time.Minute, cfg.Server.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Transformers, 1)
	assert.Equal(t, "maxtoken", cfg.Transformers[0].Ref())
	assert.Equal(t, 8192, cfg.Transformers[0].Options["max_tokens"])

	require.Len(t, cfg.Providers, 1)
	provider := cfg.Providers[0]
	assert.Equal(t, "acme", provider.Name)
	assert.Equal(t, "sk-test", provider.APIKey)
	assert.Equal(t, []string{"openai"}, provider.Transformers.Use)
	// Providers default to enabled unless switched off explicitly.
	assert.True(t, provider.Enabled)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultRequestTimeout, cfg.Server.RequestTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Empty(t, cfg.Providers)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("LLMS_PORT", "9999")
	t.Setenv("LLMS_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestExplicitlyDisabledProvider(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  port: 8080
providers:
  - name: acme
    base_url: https://api.acme.test/v1
    enabled: false
    models: [gpt-x]
`))
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.False(t, cfg.Providers[0].Enabled)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: -1\n"},
		{"bad log format", "server:\n  port: 80\nlog:\n  format: xml\n"},
		{"bad log level", "server:\n  port: 80\nlog:\n  level: shout\n"},
		{"transformer without ref", "server:\n  port: 80\ntransformers:\n  - options: {}\n"},
		{"transformer with both refs", "server:\n  port: 80\ntransformers:\n  - use: a\n    path: b.so\n"},
		{"duplicate transformer", "server:\n  port: 80\ntransformers:\n  - use: a\n  - use: a\n"},
		{"provider without url", "server:\n  port: 80\nproviders:\n  - name: p\n    models: [m]\n"},
		{"provider without models", "server:\n  port: 80\nproviders:\n  - name: p\n    base_url: https://x\n"},
		{"duplicate provider", "server:\n  port: 80\nproviders:\n  - name: p\n    base_url: https://x\n    models: [m]\n  - name: p\n    base_url: https://y\n    models: [m]\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}
