package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Config {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	cfg.Finalize()
	return cfg
}

func TestBindFlags_Defaults(t *testing.T) {
	cfg := parse(t)

	assert.Equal(t, 9621, cfg.Port)
	assert.Equal(t, "ollama", cfg.LLMBinding)
	assert.Equal(t, "http://localhost:11434", cfg.LLMBindingHost)
	assert.Equal(t, 1024, cfg.EmbeddingDim)
	assert.Equal(t, "sqlite", cfg.NamespaceStore)
	assert.False(t, cfg.AutoScanAtStartup)
}

func TestBindFlags_EnvThenFlag(t *testing.T) {
	t.Setenv("LLM_MODEL", "from-env")
	t.Setenv("PORT", "7000")

	cfg := parse(t, "--port", "8000")

	assert.Equal(t, "from-env", cfg.LLMModel)
	assert.Equal(t, 8000, cfg.Port, "explicit flag wins over env")
}

func TestFinalize_APIKeyEnvTakesPrecedence(t *testing.T) {
	t.Setenv("LIGHTRAG_API_KEY", "env-key")

	cfg := parse(t, "--key", "flag-key")
	assert.Equal(t, "env-key", cfg.APIKey)
}

func TestFinalize_APIKeyFlagWhenEnvUnset(t *testing.T) {
	t.Setenv("LIGHTRAG_API_KEY", "")

	cfg := parse(t, "--key", "flag-key")
	assert.Equal(t, "flag-key", cfg.APIKey)
}

func TestFinalize_AzureDefaultHost(t *testing.T) {
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")

	cfg := parse(t, "--llm-binding", "AZURE_OPENAI")
	assert.Equal(t, "azure_openai", cfg.LLMBinding)
	assert.Equal(t, "https://example.openai.azure.com", cfg.LLMBindingHost)
}

func TestDefaultHost(t *testing.T) {
	tests := []struct {
		binding string
		want    string
	}{
		{"lollms", "http://localhost:9600"},
		{"ollama", "http://localhost:11434"},
		{"openai", "https://api.openai.com/v1"},
		{"azure_openai", "https://api.openai.com/v1"},
		{"jina", "https://api.jina.ai/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.binding, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultHost(tt.binding, ""))
		})
	}
}

func TestValidate_SSL(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(cert, []byte("x"), 0o600))

	tests := []struct {
		name    string
		cert    string
		key     string
		wantErr string
	}{
		{name: "missing both", wantErr: "ssl"},
		{name: "missing key file", cert: cert, key: filepath.Join(dir, "nope.pem"), wantErr: "ssl-keyfile"},
		{name: "missing cert file", cert: filepath.Join(dir, "nope.pem"), key: cert, wantErr: "ssl-certfile"},
		{name: "ok", cert: cert, key: cert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := parse(t)
			cfg.SSL = true
			cfg.SSLCertFile = tt.cert
			cfg.SSLKeyFile = tt.key

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.wantErr, cerr.Field)
		})
	}
}

func TestValidate_MemoryStoreWithWorkers(t *testing.T) {
	cfg := parse(t, "--workers", "4", "--namespace-store", "memory")
	err := cfg.Validate()
	var cerr *ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "namespace-store", cerr.Field)

	cfg = parse(t, "--workers", "4")
	assert.NoError(t, cfg.Validate())
}
