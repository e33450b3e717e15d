package llm

import (
	"context"
	"fmt"
)

type ollamaChatResponse struct {
	Message Message `json:"message"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaComplete calls POST {host}/api/chat. Host, api key and options come
// from the binding kwargs.
func OllamaComplete(model string) CompletionFunc {
	return func(ctx context.Context, req Request, kw Kwargs) (string, error) {
		ctx, cancel := withTimeout(ctx, kw)
		defer cancel()

		body := map[string]any{
			"model":    model,
			"messages": chatMessages(req),
			"stream":   false,
		}
		if opts := kw.Options(); opts != nil {
			body["options"] = opts
		}
		if req.KeywordExtraction {
			body["format"] = "json"
		}

		var out ollamaChatResponse
		if err := postJSON(ctx, "ollama", joinURL(kw.String("host"), "/api/chat"), bearer(kw.String("api_key")), body, &out); err != nil {
			return "", err
		}
		return out.Message.Content, nil
	}
}

// OllamaEmbed calls POST {host}/api/embed.
func OllamaEmbed(model, host, apiKey string) EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		var out ollamaEmbedResponse
		body := map[string]any{"model": model, "input": texts}
		if err := postJSON(ctx, "ollama", joinURL(host, "/api/embed"), bearer(apiKey), body, &out); err != nil {
			return nil, err
		}
		if len(out.Embeddings) != len(texts) {
			return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(out.Embeddings), len(texts))
		}
		return out.Embeddings, nil
	}
}
