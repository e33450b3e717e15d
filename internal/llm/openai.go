package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
)

type openAIChatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// AzureCredentials are read from the AZURE_OPENAI_* environment, never from
// binding kwargs.
type AzureCredentials struct {
	Endpoint string
	APIKey   string
}

// OpenAIComplete calls POST {host}/chat/completions with host and api key
// taken from the binding kwargs.
func OpenAIComplete(model string) CompletionFunc {
	return func(ctx context.Context, req Request, kw Kwargs) (string, error) {
		ctx, cancel := withTimeout(ctx, kw)
		defer cancel()
		return openAIChat(ctx, "openai", joinURL(kw.String("host"), "/chat/completions"), bearer(kw.String("api_key")), model, req)
	}
}

// AzureOpenAIComplete calls the deployment chat endpoint. The endpoint and key
// come from creds; only api_version is read from kwargs.
func AzureOpenAIComplete(deployment string, creds AzureCredentials) CompletionFunc {
	return func(ctx context.Context, req Request, kw Kwargs) (string, error) {
		ctx, cancel := withTimeout(ctx, kw)
		defer cancel()
		endpoint, err := azureURL(creds.Endpoint, deployment, "chat/completions", kw.String("api_version"))
		if err != nil {
			return "", err
		}
		return openAIChat(ctx, "azure_openai", endpoint, map[string]string{"api-key": creds.APIKey}, deployment, req)
	}
}

func openAIChat(ctx context.Context, provider, endpoint string, headers map[string]string, model string, req Request) (string, error) {
	body := map[string]any{
		"model":    model,
		"messages": chatMessages(req),
	}
	if req.KeywordExtraction {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	var out openAIChatResponse
	if err := postJSON(ctx, provider, endpoint, headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s returned no choices", provider)
	}
	return out.Choices[0].Message.Content, nil
}

// OpenAIEmbed calls POST {host}/embeddings.
func OpenAIEmbed(model, host, apiKey string) EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		return openAIEmbed(ctx, "openai", joinURL(host, "/embeddings"), bearer(apiKey), model, texts)
	}
}

// AzureOpenAIEmbed calls the deployment embeddings endpoint.
func AzureOpenAIEmbed(deployment string, creds AzureCredentials, apiVersion string) EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		endpoint, err := azureURL(creds.Endpoint, deployment, "embeddings", apiVersion)
		if err != nil {
			return nil, err
		}
		return openAIEmbed(ctx, "azure_openai", endpoint, map[string]string{"api-key": creds.APIKey}, deployment, texts)
	}
}

func openAIEmbed(ctx context.Context, provider, endpoint string, headers map[string]string, model string, texts []string) ([][]float32, error) {
	var out openAIEmbeddingResponse
	body := map[string]any{"model": model, "input": texts}
	if err := postJSON(ctx, provider, endpoint, headers, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", provider, len(out.Data), len(texts))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// ErrNoAzureEndpoint is returned at call time when AZURE_OPENAI_ENDPOINT is unset.
var ErrNoAzureEndpoint = errors.New("azure_openai: AZURE_OPENAI_ENDPOINT is not set")

func azureURL(endpoint, deployment, op, apiVersion string) (string, error) {
	if endpoint == "" {
		return "", ErrNoAzureEndpoint
	}
	q := url.Values{}
	q.Set("api-version", apiVersion)
	return joinURL(endpoint, "/openai/deployments/"+url.PathEscape(deployment)+"/"+op) + "?" + q.Encode(), nil
}
