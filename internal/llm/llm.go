// Package llm holds the completion and embedding clients for every supported
// provider. Clients are plain functions so the binding resolver can hand them
// to the RAG core without the core knowing which provider is behind them.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	Prompt            string
	SystemPrompt      string
	History           []Message
	KeywordExtraction bool
}

// Kwargs are the request-time arguments attached to a completion binding.
// Only keys relevant to the selected provider are present.
type Kwargs map[string]any

// CompletionFunc produces a completion for req.
type CompletionFunc func(ctx context.Context, req Request, kw Kwargs) (string, error)

// EmbedFunc embeds texts, returning one vector per input.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embedder is an embedding source that can be plugged in at startup.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ShapeDeclarer is implemented by embedding sources that know their own
// vector dimension and input limit.
type ShapeDeclarer interface {
	EmbeddingDim() int
	MaxTokenSize() int
}

// EmbedderFunc adapts a plain function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// String returns kw[key] if it is a string.
func (kw Kwargs) String(key string) string {
	s, _ := kw[key].(string)
	return s
}

// Has reports whether key is present.
func (kw Kwargs) Has(key string) bool {
	_, ok := kw[key]
	return ok
}

// Timeout returns the timeout kwarg in seconds as a duration, or zero.
func (kw Kwargs) Timeout() time.Duration {
	switch v := kw["timeout"].(type) {
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	default:
		return 0
	}
}

// Options returns the provider options map, or nil.
func (kw Kwargs) Options() map[string]any {
	o, _ := kw["options"].(map[string]any)
	return o
}

// Clone returns a shallow copy so callers cannot mutate a shared binding.
func (kw Kwargs) Clone() Kwargs {
	out := make(Kwargs, len(kw))
	for k, v := range kw {
		out[k] = v
	}
	return out
}

func withTimeout(ctx context.Context, kw Kwargs) (context.Context, context.CancelFunc) {
	if d := kw.Timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// chatMessages flattens a request into the role/content list used by the
// OpenAI-style and Ollama chat endpoints.
func chatMessages(req Request) []Message {
	messages := make([]Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.Prompt})
	return messages
}

// ProviderError is a non-2xx answer from a provider endpoint.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

var httpClient = &http.Client{}

func postJSON(ctx context.Context, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: failed to marshal request: %w", provider, err)
	}
	raw, err := post(ctx, provider, url, headers, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", provider, err)
	}
	return nil
}

func post(ctx context.Context, provider, url string, headers map[string]string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

func bearer(apiKey string) map[string]string {
	if apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

func joinURL(host, path string) string {
	return strings.TrimRight(host, "/") + path
}
