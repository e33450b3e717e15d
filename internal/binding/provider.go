package binding

import (
	"fmt"
	"strings"
)

// LLMProvider names a completion backend.
type LLMProvider string

const (
	LLMLollms      LLMProvider = "lollms"
	LLMOllama      LLMProvider = "ollama"
	LLMOpenAI      LLMProvider = "openai"
	LLMAzureOpenAI LLMProvider = "azure_openai"
	LLMGemini      LLMProvider = "gemini"
	LLMCustom      LLMProvider = "custom"
)

// LLMProviders lists every accepted llm binding in display order.
var LLMProviders = []LLMProvider{LLMLollms, LLMOllama, LLMOpenAI, LLMAzureOpenAI, LLMGemini, LLMCustom}

// EmbeddingProvider names an embedding backend.
type EmbeddingProvider string

const (
	EmbeddingLollms      EmbeddingProvider = "lollms"
	EmbeddingOllama      EmbeddingProvider = "ollama"
	EmbeddingOpenAI      EmbeddingProvider = "openai"
	EmbeddingAzureOpenAI EmbeddingProvider = "azure_openai"
	EmbeddingGemini      EmbeddingProvider = "gemini"
	EmbeddingJina        EmbeddingProvider = "jina"
	EmbeddingCustom      EmbeddingProvider = "custom"
)

// EmbeddingProviders lists every accepted embedding binding in display order.
var EmbeddingProviders = []EmbeddingProvider{
	EmbeddingLollms, EmbeddingOllama, EmbeddingOpenAI, EmbeddingAzureOpenAI,
	EmbeddingGemini, EmbeddingJina, EmbeddingCustom,
}

// UnsupportedBindingError is returned for a binding value outside the
// supported set, or for a custom binding with nothing registered behind it.
type UnsupportedBindingError struct {
	Role      string // "llm" or "embedding"
	Value     string
	Supported []string
	Reason    string
}

func (e *UnsupportedBindingError) Error() string {
	msg := fmt.Sprintf("unsupported %s binding %q (supported: %s)", e.Role, e.Value, strings.Join(e.Supported, ", "))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func ParseLLMProvider(s string) (LLMProvider, error) {
	v := LLMProvider(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range LLMProviders {
		if p == v {
			return p, nil
		}
	}
	return "", &UnsupportedBindingError{Role: "llm", Value: s, Supported: llmNames()}
}

func ParseEmbeddingProvider(s string) (EmbeddingProvider, error) {
	v := EmbeddingProvider(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range EmbeddingProviders {
		if p == v {
			return p, nil
		}
	}
	return "", &UnsupportedBindingError{Role: "embedding", Value: s, Supported: embeddingNames()}
}

func llmNames() []string {
	out := make([]string, len(LLMProviders))
	for i, p := range LLMProviders {
		out[i] = string(p)
	}
	return out
}

func embeddingNames() []string {
	out := make([]string, len(EmbeddingProviders))
	for i, p := range EmbeddingProviders {
		out[i] = string(p)
	}
	return out
}
