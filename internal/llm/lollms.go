package llm

import (
	"context"
	"encoding/json"
	"strings"
)

type lollmsEmbedResponse struct {
	Vector []float32 `json:"vector"`
}

// LollmsComplete calls POST {host}/lollms_generate. LoLLMs takes a single
// prompt, so system prompt and history are folded into it.
func LollmsComplete(model string) CompletionFunc {
	return func(ctx context.Context, req Request, kw Kwargs) (string, error) {
		ctx, cancel := withTimeout(ctx, kw)
		defer cancel()

		var prompt strings.Builder
		if req.SystemPrompt != "" {
			prompt.WriteString(req.SystemPrompt)
			prompt.WriteString("\n")
		}
		for _, m := range req.History {
			prompt.WriteString(m.Role)
			prompt.WriteString(": ")
			prompt.WriteString(m.Content)
			prompt.WriteString("\n")
		}
		prompt.WriteString("user: ")
		prompt.WriteString(req.Prompt)

		body := map[string]any{
			"prompt":      prompt.String(),
			"model_name":  model,
			"personality": -1,
			"stream":      false,
		}
		if opts := kw.Options(); opts != nil {
			if n, ok := opts["num_ctx"]; ok {
				body["n_predict"] = n
			}
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		raw, err := post(ctx, "lollms", joinURL(kw.String("host"), "/lollms_generate"), bearer(kw.String("api_key")), payload)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// LollmsEmbed calls POST {host}/lollms_embed once per text.
func LollmsEmbed(model, host, apiKey string) EmbedFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		vectors := make([][]float32, 0, len(texts))
		for _, text := range texts {
			var out lollmsEmbedResponse
			body := map[string]any{"text": text, "model_name": model}
			if err := postJSON(ctx, "lollms", joinURL(host, "/lollms_embed"), bearer(apiKey), body, &out); err != nil {
				return nil, err
			}
			vectors = append(vectors, out.Vector)
		}
		return vectors, nil
	}
}
