package main

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/rag-gateway/internal/api"
	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "core "+api.CoreVersion+", api "+api.APIVersion+"\n", out.String())
}

func TestInvalidConfigurationStopsBeforeRunning(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"scan", "--ssl"})

	err := cmd.Execute()
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ssl", cerr.Field)
}

func TestSplash(t *testing.T) {
	color.NoColor = true

	cfg := &config.Config{
		Host:           "0.0.0.0",
		Port:           9621,
		Workers:        2,
		LLMBindingHost: "http://localhost:11434",
		NamespaceStore: "sqlite",
		APIKey:         "super-secret-key",
	}
	resolved := &binding.Resolved{
		LLM:       binding.LLMBinding{Provider: binding.LLMOllama, Model: "mistral-nemo:latest"},
		Embedding: binding.EmbeddingBinding{Provider: binding.EmbeddingJina, Model: "jina-embeddings-v3", Dimension: 1024},
	}

	var out bytes.Buffer
	printSplash(&out, cfg, resolved, false)
	s := out.String()
	assert.Contains(t, s, "http://0.0.0.0:9621")
	assert.Contains(t, s, "mistral-nemo:latest")
	assert.Contains(t, s, "1024")
	assert.Contains(t, s, "disabled (guest access)")
	assert.NotContains(t, s, "super-secret-key")
}
