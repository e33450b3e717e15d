package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient wraps a genai client that is only dialled on first use, so
// resolving a gemini binding never touches the network.
type GeminiClient struct {
	apiKey string

	once   sync.Once
	client *genai.Client
	err    error
}

func NewGeminiClient(apiKey string) *GeminiClient {
	return &GeminiClient{apiKey: apiKey}
}

func (g *GeminiClient) get(ctx context.Context) (*genai.Client, error) {
	g.once.Do(func() {
		if g.apiKey == "" {
			g.err = errors.New("gemini: GEMINI_API_KEY is not set")
			return
		}
		// The client outlives the first request, so it must not inherit its deadline.
		g.client, g.err = genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(g.apiKey))
		if g.err != nil {
			g.err = fmt.Errorf("failed to create GenAI client: %w", g.err)
		}
	})
	return g.client, g.err
}

// Close releases the underlying client if it was ever created.
func (g *GeminiClient) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Complete returns a completion function for model. Only timeout is read from
// kwargs; host, api key and options do not apply to Gemini.
func (g *GeminiClient) Complete(model string) CompletionFunc {
	return func(ctx context.Context, req Request, kw Kwargs) (string, error) {
		ctx, cancel := withTimeout(ctx, kw)
		defer cancel()

		client, err := g.get(ctx)
		if err != nil {
			return "", err
		}

		gm := client.GenerativeModel(model)
		if req.SystemPrompt != "" {
			gm.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(req.SystemPrompt)},
			}
		}
		if req.KeywordExtraction {
			gm.GenerationConfig = genai.GenerationConfig{ResponseMIMEType: "application/json"}
		}

		chatSession := gm.StartChat()
		chatSession.History = geminiHistory(req.History)

		resp, err := chatSession.SendMessage(ctx, genai.Text(req.Prompt))
		if err != nil {
			return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", errors.New("gemini response was empty or had no valid candidates")
		}

		var responseText strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				responseText.WriteString(string(txt))
			}
		}
		return responseText.String(), nil
	}
}

// Embed returns an embedding function for model using one batch request.
func (g *GeminiClient) Embed(model string) EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		client, err := g.get(ctx)
		if err != nil {
			return nil, err
		}

		em := client.EmbeddingModel(model)
		batch := em.NewBatch()
		for _, text := range texts {
			batch.AddContent(genai.Text(text))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini embedding request failed: %w", err)
		}
		if len(res.Embeddings) != len(texts) {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(res.Embeddings), len(texts))
		}

		vectors := make([][]float32, len(res.Embeddings))
		for i, e := range res.Embeddings {
			vectors[i] = e.Values
		}
		return vectors, nil
	}
}

func geminiHistory(history []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return out
}
