package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/llm"
)

func baseConfig() Config {
	return Config{
		LLMProvider:       LLMOllama,
		LLMHost:           "http://localhost:11434",
		LLMAPIKey:         "llm-key",
		LLMModel:          "mistral-nemo:latest",
		MaxTokens:         32768,
		Timeout:           150,
		EmbeddingProvider: EmbeddingOllama,
		EmbeddingHost:     "http://localhost:11434",
		EmbeddingModel:    "bge-m3:latest",
		EmbeddingDim:      1024,
		MaxEmbedTokens:    8192,
		AzureAPIVersion:   config.DefaultAzureAPIVersion,
	}
}

type shapedEmbedder struct{ dim, max int }

func (shapedEmbedder) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (s shapedEmbedder) EmbeddingDim() int                                  { return s.dim }
func (s shapedEmbedder) MaxTokenSize() int                                  { return s.max }

func customCompletion(context.Context, llm.Request, llm.Kwargs) (string, error) {
	return "custom", nil
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core), logs
}

func TestResolve_IsDeterministic(t *testing.T) {
	for _, p := range LLMProviders {
		if p == LLMCustom {
			continue
		}
		t.Run(string(p), func(t *testing.T) {
			cfg := baseConfig()
			cfg.LLMProvider = p

			a, err := Resolve(cfg, Overrides{})
			require.NoError(t, err)
			b, err := Resolve(cfg, Overrides{})
			require.NoError(t, err)

			assert.Equal(t, a.LLM.Tag(), b.LLM.Tag())
			assert.Equal(t, a.LLM.Kwargs, b.LLM.Kwargs)
			assert.Equal(t, a.Embedding.Tag(), b.Embedding.Tag())
			assert.Equal(t, a.Embedding.Dimension, b.Embedding.Dimension)
		})
	}
}

func TestAssembleKwargs(t *testing.T) {
	cfg := baseConfig()
	options := map[string]any{"num_ctx": 32768}

	tests := []struct {
		provider LLMProvider
		want     llm.Kwargs
	}{
		{LLMCustom, llm.Kwargs{"timeout": 150}},
		{LLMGemini, llm.Kwargs{"timeout": 150}},
		{LLMAzureOpenAI, llm.Kwargs{"timeout": 150, "options": options, "api_version": "2024-08-01-preview"}},
		{LLMOllama, llm.Kwargs{"host": "http://localhost:11434", "timeout": 150, "options": options, "api_key": "llm-key"}},
		{LLMOpenAI, llm.Kwargs{"host": "http://localhost:11434", "timeout": 150, "options": options, "api_key": "llm-key"}},
		{LLMLollms, llm.Kwargs{"host": "http://localhost:11434", "timeout": 150, "options": options, "api_key": "llm-key"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			assert.Equal(t, tt.want, assembleKwargs(cfg, tt.provider))
		})
	}
}

func TestResolve_AzureKwargsCarryNoCredentials(t *testing.T) {
	cfg := baseConfig()
	cfg.LLMProvider = LLMAzureOpenAI
	cfg.AzureAPIKey = "azure-secret"
	cfg.AzureEndpoint = "https://example.openai.azure.com"

	r, err := Resolve(cfg, Overrides{})
	require.NoError(t, err)

	assert.False(t, r.LLM.Kwargs.Has("host"))
	assert.False(t, r.LLM.Kwargs.Has("api_key"))
	assert.Equal(t, "2024-08-01-preview", r.LLM.Kwargs.String("api_version"))
}

func TestResolve_CustomOverrideWins(t *testing.T) {
	cfg := baseConfig()
	cfg.UseCustomOverride = true

	r, err := Resolve(cfg, Overrides{Completion: customCompletion, Embedding: shapedEmbedder{512, 2048}})
	require.NoError(t, err)

	assert.True(t, r.LLM.Custom)
	assert.Equal(t, "custom", r.LLM.Tag())
	assert.Equal(t, llm.Kwargs{"timeout": 150}, r.LLM.Kwargs)
	out, err := r.LLM.Call(context.Background(), llm.Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "custom", out)

	assert.True(t, r.Embedding.Custom)
	assert.Equal(t, 512, r.Embedding.Dimension)
	assert.Equal(t, 2048, r.Embedding.MaxTokenSize)
}

func TestResolve_OverrideIgnoredWithoutFlag(t *testing.T) {
	r, err := Resolve(baseConfig(), Overrides{Completion: customCompletion})
	require.NoError(t, err)
	assert.False(t, r.LLM.Custom)
	assert.Equal(t, "ollama", r.LLM.Tag())
}

func TestResolve_MissingOverrideWarnsAndFallsBack(t *testing.T) {
	log, logs := observed()
	cfg := baseConfig()
	cfg.UseCustomOverride = true
	cfg.LLMProvider = LLMOpenAI

	r, err := Resolve(cfg, Overrides{}, WithLogger(log))
	require.NoError(t, err)

	assert.Equal(t, "openai", r.LLM.Tag())
	assert.Equal(t, "ollama", r.Embedding.Tag())
	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("no custom completion").Len()
	assert.Equal(t, 1, warnings)
}

func TestResolve_ShapeDiscovery(t *testing.T) {
	cfg := baseConfig()
	cfg.UseCustomOverride = true

	t.Run("declared dimension wins", func(t *testing.T) {
		r, err := Resolve(cfg, Overrides{Embedding: shapedEmbedder{dim: 512, max: 8192}})
		require.NoError(t, err)
		assert.Equal(t, 512, r.Embedding.Dimension)
	})

	t.Run("undeclared falls back with warning", func(t *testing.T) {
		log, logs := observed()
		plain := llm.EmbedderFunc(func(context.Context, []string) ([][]float32, error) { return nil, nil })
		r, err := Resolve(cfg, Overrides{Embedding: plain}, WithLogger(log))
		require.NoError(t, err)
		assert.Equal(t, 1024, r.Embedding.Dimension)
		assert.Equal(t, 8192, r.Embedding.MaxTokenSize)
		assert.Equal(t, 1, logs.FilterMessageSnippet("does not declare its shape").Len())
	})

	t.Run("jina known model", func(t *testing.T) {
		c := baseConfig()
		c.EmbeddingProvider = EmbeddingJina
		c.EmbeddingModel = "jina-embeddings-v2-base-en"
		r, err := Resolve(c, Overrides{})
		require.NoError(t, err)
		assert.Equal(t, 768, r.Embedding.Dimension)
		assert.False(t, r.Embedding.Custom)
	})
}

func TestResolve_CustomProviderWithoutOverride(t *testing.T) {
	cfg := baseConfig()
	cfg.LLMProvider = LLMCustom

	_, err := Resolve(cfg, Overrides{})
	var uerr *UnsupportedBindingError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "llm", uerr.Role)
	assert.Equal(t, "custom", uerr.Value)
}

func TestResolve_UnknownProvider(t *testing.T) {
	cfg := baseConfig()
	cfg.EmbeddingProvider = "bedrock"

	_, err := Resolve(cfg, Overrides{})
	var uerr *UnsupportedBindingError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "embedding", uerr.Role)
}

func TestParseProvider(t *testing.T) {
	p, err := ParseLLMProvider(" Azure_OpenAI ")
	require.NoError(t, err)
	assert.Equal(t, LLMAzureOpenAI, p)

	_, err = ParseLLMProvider("jina")
	assert.EqualError(t, err,
		`unsupported llm binding "jina" (supported: lollms, ollama, openai, azure_openai, gemini, custom)`)

	e, err := ParseEmbeddingProvider("jina")
	require.NoError(t, err)
	assert.Equal(t, EmbeddingJina, e)
}

func TestFromConfig(t *testing.T) {
	c := &config.Config{
		LLMBinding:        "gemini",
		EmbeddingBinding:  "openai",
		LLMModel:          "gemini-1.5-flash",
		EmbeddingDim:      1536,
		UseCustomBindings: true,
	}
	bc, err := FromConfig(c)
	require.NoError(t, err)
	assert.Equal(t, LLMGemini, bc.LLMProvider)
	assert.Equal(t, EmbeddingOpenAI, bc.EmbeddingProvider)
	assert.Equal(t, 1536, bc.EmbeddingDim)
	assert.True(t, bc.UseCustomOverride)

	c.LLMBinding = "nope"
	_, err = FromConfig(c)
	assert.Error(t, err)
}

func TestResolvedCloseWithLazyClients(t *testing.T) {
	cfg := baseConfig()
	cfg.LLMProvider = LLMGemini
	cfg.EmbeddingProvider = EmbeddingGemini

	r, err := Resolve(cfg, DefaultOverrides(cfg))
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}
