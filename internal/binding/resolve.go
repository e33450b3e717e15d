// Package binding turns the configured provider names into ready-to-call
// completion and embedding functions plus the kwargs they are invoked with.
package binding

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/llm"
)

// Config is the subset of server configuration the resolver reads.
type Config struct {
	LLMProvider LLMProvider
	LLMHost     string
	LLMAPIKey   string
	LLMModel    string
	MaxTokens   int
	Timeout     int

	EmbeddingProvider EmbeddingProvider
	EmbeddingHost     string
	EmbeddingAPIKey   string
	EmbeddingModel    string
	EmbeddingDim      int
	MaxEmbedTokens    int

	AzureAPIKey     string
	AzureAPIVersion string
	AzureEndpoint   string
	GeminiAPIKey    string

	UseCustomOverride bool
}

// FromConfig parses the provider names out of the server configuration.
func FromConfig(c *config.Config) (Config, error) {
	llmProvider, err := ParseLLMProvider(c.LLMBinding)
	if err != nil {
		return Config{}, err
	}
	embeddingProvider, err := ParseEmbeddingProvider(c.EmbeddingBinding)
	if err != nil {
		return Config{}, err
	}
	return Config{
		LLMProvider:       llmProvider,
		LLMHost:           c.LLMBindingHost,
		LLMAPIKey:         c.LLMBindingAPIKey,
		LLMModel:          c.LLMModel,
		MaxTokens:         c.MaxTokens,
		Timeout:           c.Timeout,
		EmbeddingProvider: embeddingProvider,
		EmbeddingHost:     c.EmbeddingBindingHost,
		EmbeddingAPIKey:   c.EmbeddingBindingAPIKey,
		EmbeddingModel:    c.EmbeddingModel,
		EmbeddingDim:      c.EmbeddingDim,
		MaxEmbedTokens:    c.MaxEmbedTokens,
		AzureAPIKey:       c.AzureOpenAIAPIKey,
		AzureAPIVersion:   c.AzureOpenAIAPIVersion,
		AzureEndpoint:     c.AzureOpenAIEndpoint,
		GeminiAPIKey:      c.GeminiAPIKey,
		UseCustomOverride: c.UseCustomBindings,
	}, nil
}

// Overrides are the custom functions registered at startup. A nil field means
// nothing is registered for that side.
type Overrides struct {
	Completion llm.CompletionFunc
	Embedding  llm.Embedder

	closers []io.Closer
}

// DefaultOverrides registers the stock custom pair: Gemini for completion and
// Jina for embeddings.
func DefaultOverrides(cfg Config) Overrides {
	gemini := llm.NewGeminiClient(cfg.GeminiAPIKey)
	return Overrides{
		Completion: gemini.Complete(cfg.LLMModel),
		Embedding: &llm.JinaEmbedder{
			Host:   config.DefaultHost(string(EmbeddingJina), ""),
			APIKey: cfg.EmbeddingAPIKey,
			Model:  cfg.EmbeddingModel,
		},
		closers: []io.Closer{gemini},
	}
}

// LLMBinding is the resolved completion side.
type LLMBinding struct {
	Provider LLMProvider
	Custom   bool
	Model    string
	Complete llm.CompletionFunc
	Kwargs   llm.Kwargs
}

// Tag identifies the callable that was selected.
func (b LLMBinding) Tag() string {
	if b.Custom {
		return "custom"
	}
	return string(b.Provider)
}

// Call invokes the completion function with a copy of the binding kwargs.
func (b LLMBinding) Call(ctx context.Context, req llm.Request) (string, error) {
	return b.Complete(ctx, req, b.Kwargs.Clone())
}

// EmbeddingBinding is the resolved embedding side.
type EmbeddingBinding struct {
	Provider     EmbeddingProvider
	Custom       bool
	Model        string
	Embed        llm.EmbedFunc
	Dimension    int
	MaxTokenSize int
}

func (b EmbeddingBinding) Tag() string {
	if b.Custom {
		return "custom"
	}
	return string(b.Provider)
}

// Resolved is the pair of bindings handed to the RAG core.
type Resolved struct {
	LLM       LLMBinding
	Embedding EmbeddingBinding

	closers []io.Closer
}

// Close releases provider clients created for the bindings.
func (r *Resolved) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type options struct {
	log *zap.Logger
}

// Option configures Resolve.
type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Resolve selects the completion and embedding callables. It never performs
// network I/O; the only side effects are log lines.
func Resolve(cfg Config, ov Overrides, opts ...Option) (*Resolved, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("binding")

	r := &Resolved{closers: append([]io.Closer(nil), ov.closers...)}

	var err error
	r.LLM, err = resolveLLM(cfg, ov, log, r)
	if err != nil {
		return nil, err
	}
	r.Embedding, err = resolveEmbedding(cfg, ov, log, r)
	if err != nil {
		return nil, err
	}

	log.Info("bindings resolved",
		zap.String("llm", r.LLM.Tag()),
		zap.String("llm_model", r.LLM.Model),
		zap.String("embedding", r.Embedding.Tag()),
		zap.String("embedding_model", r.Embedding.Model),
		zap.Int("embedding_dim", r.Embedding.Dimension),
		zap.Int("max_token_size", r.Embedding.MaxTokenSize),
	)
	return r, nil
}

func resolveLLM(cfg Config, ov Overrides, log *zap.Logger, r *Resolved) (LLMBinding, error) {
	b := LLMBinding{Provider: cfg.LLMProvider, Model: cfg.LLMModel}

	if cfg.UseCustomOverride {
		if ov.Completion != nil {
			log.Info("using custom LLM binding", zap.String("model", cfg.LLMModel))
			b.Custom = true
			b.Complete = ov.Completion
			b.Kwargs = assembleKwargs(cfg, LLMCustom)
			return b, nil
		}
		log.Warn("custom bindings requested but no custom completion function is registered",
			zap.String("fallback", string(cfg.LLMProvider)))
	}

	switch cfg.LLMProvider {
	case LLMLollms:
		b.Complete = llm.LollmsComplete(cfg.LLMModel)
	case LLMOllama:
		b.Complete = llm.OllamaComplete(cfg.LLMModel)
	case LLMOpenAI:
		b.Complete = llm.OpenAIComplete(cfg.LLMModel)
	case LLMAzureOpenAI:
		b.Complete = llm.AzureOpenAIComplete(cfg.LLMModel, azureCredentials(cfg, cfg.LLMHost, cfg.LLMAPIKey))
	case LLMGemini:
		gemini := llm.NewGeminiClient(cfg.GeminiAPIKey)
		r.closers = append(r.closers, gemini)
		b.Complete = gemini.Complete(cfg.LLMModel)
	case LLMCustom:
		if ov.Completion == nil {
			return b, &UnsupportedBindingError{
				Role: "llm", Value: string(LLMCustom), Supported: llmNames(),
				Reason: "no custom completion function is registered",
			}
		}
		b.Custom = true
		b.Complete = ov.Completion
	default:
		return b, &UnsupportedBindingError{Role: "llm", Value: string(cfg.LLMProvider), Supported: llmNames()}
	}

	b.Kwargs = assembleKwargs(cfg, cfg.LLMProvider)
	return b, nil
}

func resolveEmbedding(cfg Config, ov Overrides, log *zap.Logger, r *Resolved) (EmbeddingBinding, error) {
	b := EmbeddingBinding{
		Provider:     cfg.EmbeddingProvider,
		Model:        cfg.EmbeddingModel,
		Dimension:    cfg.EmbeddingDim,
		MaxTokenSize: cfg.MaxEmbedTokens,
	}

	if cfg.UseCustomOverride {
		if ov.Embedding != nil {
			log.Info("using custom embedding binding", zap.String("model", cfg.EmbeddingModel))
			b.Custom = true
			b.Embed = ov.Embedding.Embed
			b.Dimension, b.MaxTokenSize = discoverShape(ov.Embedding, cfg, log)
			return b, nil
		}
		log.Warn("custom bindings requested but no custom embedding function is registered",
			zap.String("fallback", string(cfg.EmbeddingProvider)))
	}

	switch cfg.EmbeddingProvider {
	case EmbeddingLollms:
		b.Embed = llm.LollmsEmbed(cfg.EmbeddingModel, cfg.EmbeddingHost, cfg.EmbeddingAPIKey)
	case EmbeddingOllama:
		b.Embed = llm.OllamaEmbed(cfg.EmbeddingModel, cfg.EmbeddingHost, cfg.EmbeddingAPIKey)
	case EmbeddingOpenAI:
		b.Embed = llm.OpenAIEmbed(cfg.EmbeddingModel, cfg.EmbeddingHost, cfg.EmbeddingAPIKey)
	case EmbeddingAzureOpenAI:
		b.Embed = llm.AzureOpenAIEmbed(cfg.EmbeddingModel,
			azureCredentials(cfg, cfg.EmbeddingHost, cfg.EmbeddingAPIKey), cfg.AzureAPIVersion)
	case EmbeddingGemini:
		gemini := llm.NewGeminiClient(cfg.GeminiAPIKey)
		r.closers = append(r.closers, gemini)
		b.Embed = gemini.Embed(cfg.EmbeddingModel)
	case EmbeddingJina:
		jina := &llm.JinaEmbedder{Host: cfg.EmbeddingHost, APIKey: cfg.EmbeddingAPIKey, Model: cfg.EmbeddingModel}
		b.Embed = jina.Embed
		b.Dimension, b.MaxTokenSize = discoverShape(jina, cfg, log)
	case EmbeddingCustom:
		if ov.Embedding == nil {
			return b, &UnsupportedBindingError{
				Role: "embedding", Value: string(EmbeddingCustom), Supported: embeddingNames(),
				Reason: "no custom embedding function is registered",
			}
		}
		b.Custom = true
		b.Embed = ov.Embedding.Embed
		b.Dimension, b.MaxTokenSize = discoverShape(ov.Embedding, cfg, log)
	default:
		return b, &UnsupportedBindingError{Role: "embedding", Value: string(cfg.EmbeddingProvider), Supported: embeddingNames()}
	}
	return b, nil
}

// assembleKwargs builds the request-time arguments for provider. Azure and
// Gemini credentials travel through their own environment variables, so host
// and api_key are never part of their kwargs.
func assembleKwargs(cfg Config, provider LLMProvider) llm.Kwargs {
	kw := llm.Kwargs{"timeout": cfg.Timeout}
	switch provider {
	case LLMCustom, LLMGemini:
		return kw
	case LLMAzureOpenAI:
		kw["options"] = map[string]any{"num_ctx": cfg.MaxTokens}
		kw["api_version"] = cfg.AzureAPIVersion
		if cfg.AzureAPIVersion == "" {
			kw["api_version"] = config.DefaultAzureAPIVersion
		}
		return kw
	default:
		kw["host"] = cfg.LLMHost
		kw["options"] = map[string]any{"num_ctx": cfg.MaxTokens}
		kw["api_key"] = cfg.LLMAPIKey
		return kw
	}
}

func azureCredentials(cfg Config, host, apiKey string) llm.AzureCredentials {
	creds := llm.AzureCredentials{Endpoint: cfg.AzureEndpoint, APIKey: cfg.AzureAPIKey}
	if creds.Endpoint == "" {
		creds.Endpoint = host
	}
	if creds.APIKey == "" {
		creds.APIKey = apiKey
	}
	return creds
}

// discoverShape prefers the shape an embedding source declares and falls back
// to the configured dimension and token limit.
func discoverShape(src llm.Embedder, cfg Config, log *zap.Logger) (dim, maxTokens int) {
	dim, maxTokens = cfg.EmbeddingDim, cfg.MaxEmbedTokens
	declared, ok := src.(llm.ShapeDeclarer)
	if !ok {
		log.Warn("embedding source does not declare its shape, using configured values",
			zap.Int("embedding_dim", dim), zap.Int("max_token_size", maxTokens))
		return dim, maxTokens
	}

	d, m := declared.EmbeddingDim(), declared.MaxTokenSize()
	if d > 0 {
		dim = d
	}
	if m > 0 {
		maxTokens = m
	}
	if d <= 0 || m <= 0 {
		log.Warn("embedding source declares an incomplete shape, using configured values for the rest",
			zap.Int("embedding_dim", dim), zap.Int("max_token_size", maxTokens))
	}
	return dim, maxTokens
}
