package llm

import (
	"context"
)

type jinaShape struct {
	dim, maxTokens int
}

var jinaModels = map[string]jinaShape{
	"jina-embeddings-v2-base-en":  {768, 8192},
	"jina-embeddings-v2-small-en": {512, 8192},
	"jina-embeddings-v3":          {1024, 8192},
	"jina-clip-v2":                {1024, 8192},
}

// JinaEmbedder calls the Jina embeddings API. It is the stock embedding
// override and declares its own shape for known models.
type JinaEmbedder struct {
	Host   string
	APIKey string
	Model  string
}

func (j *JinaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return openAIEmbed(ctx, "jina", joinURL(j.Host, "/embeddings"), bearer(j.APIKey), j.Model, texts)
}

// EmbeddingDim is zero for models missing from the table.
func (j *JinaEmbedder) EmbeddingDim() int { return jinaModels[j.Model].dim }

func (j *JinaEmbedder) MaxTokenSize() int { return jinaModels[j.Model].maxTokens }
