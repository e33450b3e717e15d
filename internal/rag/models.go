package rag

import "time"

// DocStatus is the indexing state of an input document.
type DocStatus string

const (
	StatusPending   DocStatus = "pending"
	StatusProcessed DocStatus = "processed"
	StatusFailed    DocStatus = "failed"
)

type Document struct {
	ID          string    `json:"id"` // UUID
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	Status      DocStatus `json:"status"`
	Chunks      int       `json:"chunks"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Chunk struct {
	ID        int64     `json:"id"`
	DocID     string    `json:"doc_id"`
	Index     int       `json:"index"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"` // internal, stored as JSON
}

// ScoredChunk is a chunk with its similarity to a query.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float32
}
