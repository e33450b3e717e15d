// Package rag is the retrieval core behind the server: it indexes input
// documents into SQLite-backed storages and answers queries with the resolved
// completion and embedding bindings.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/llm"
)

const (
	storageFilename = "rag_storage.db"
	embedBatchSize  = 16
)

// ErrNotInitialized is returned when the core is used outside the
// InitializeStorages / FinalizeStorages window.
var ErrNotInitialized = errors.New("rag storages are not initialized")

const querySystemPrompt = "You are a helpful assistant answering questions about the documents in the knowledge base. " +
	"Answer from the provided context. If the context does not contain the answer, say that you don't know. " +
	"Do not make up information. Respond in %s."

// Options are the retrieval and ingestion settings.
type Options struct {
	WorkingDir        string
	TopK              int
	CosineThreshold   float64
	ChunkSize         int
	ChunkOverlap      int
	MaxParallelInsert int
	EmbeddingRPS      float64
	EnableLLMCache    bool
	SummaryLanguage   string
}

// OptionsFromConfig picks the RAG settings out of the server configuration.
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		WorkingDir:        c.WorkingDir,
		TopK:              c.TopK,
		CosineThreshold:   c.CosineThreshold,
		ChunkSize:         c.ChunkSize,
		ChunkOverlap:      c.ChunkOverlapSize,
		MaxParallelInsert: c.MaxParallelInsert,
		EmbeddingRPS:      c.EmbeddingRPS,
		EnableLLMCache:    c.EnableLLMCache,
		SummaryLanguage:   c.SummaryLanguage,
	}
}

// Core owns the storages and the resolved bindings.
type Core struct {
	opts     Options
	bindings *binding.Resolved
	log      *zap.Logger
	limiter  *rate.Limiter

	mu         sync.RWMutex
	storage    *storage
	chunks     []Chunk // in-memory copy of stored chunks
	chunkState string
}

func NewCore(opts Options, bindings *binding.Resolved, log *zap.Logger) *Core {
	limit := rate.Inf
	if opts.EmbeddingRPS > 0 {
		limit = rate.Limit(opts.EmbeddingRPS)
	}
	if opts.MaxParallelInsert < 1 {
		opts.MaxParallelInsert = 1
	}
	if opts.TopK < 1 {
		opts.TopK = 1
	}
	if opts.SummaryLanguage == "" {
		opts.SummaryLanguage = "English"
	}
	return &Core{
		opts:     opts,
		bindings: bindings,
		log:      log.Named("rag"),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Bindings returns the resolved bindings the core calls.
func (c *Core) Bindings() *binding.Resolved { return c.bindings }

// InitializeStorages opens the storage file and loads the stored chunks.
func (c *Core) InitializeStorages(ctx context.Context) error {
	if err := os.MkdirAll(c.opts.WorkingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}
	st, err := newStorage(filepath.Join(c.opts.WorkingDir, storageFilename), c.log)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.storage = st
	c.mu.Unlock()

	if err := c.refreshChunks(ctx); err != nil {
		return err
	}
	c.mu.RLock()
	n := len(c.chunks)
	c.mu.RUnlock()
	if n == 0 {
		c.log.Warn("storages initialized with no chunks, scan the input directory to index documents")
	} else {
		c.log.Info("storages initialized", zap.Int("chunks", n))
	}
	return nil
}

// FinalizeStorages closes the storage file. It is safe to call more than once.
func (c *Core) FinalizeStorages() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage == nil {
		return nil
	}
	err := c.storage.close()
	c.storage = nil
	c.chunks = nil
	c.chunkState = ""
	return err
}

func (c *Core) store() (*storage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.storage == nil {
		return nil, ErrNotInitialized
	}
	return c.storage, nil
}

// refreshChunks reloads the in-memory chunks when another worker, or this
// one, has changed the stored set.
func (c *Core) refreshChunks(ctx context.Context) error {
	st, err := c.store()
	if err != nil {
		return err
	}
	state, err := st.chunkVersion(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	current := c.chunkState
	c.mu.RUnlock()
	if state == current {
		return nil
	}

	chunks, err := st.allChunks(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chunks = chunks
	c.chunkState = state
	c.mu.Unlock()
	return nil
}

// IndexFile chunks, embeds and stores one document. It returns false when the
// document is already indexed with the same content.
func (c *Core) IndexFile(ctx context.Context, path string) (bool, error) {
	st, err := c.store()
	if err != nil {
		return false, err
	}

	doc, err := st.documentByPath(ctx, path)
	if err != nil {
		return false, err
	}
	if doc == nil {
		doc = &Document{ID: uuid.NewString(), Path: path}
	}

	content, err := readText(path)
	if err != nil {
		c.markFailed(ctx, st, doc, err)
		return false, err
	}
	sum := sha256.Sum256([]byte(content))
	hash := hex.EncodeToString(sum[:])
	if doc.ContentHash == hash && doc.Status == StatusProcessed {
		return false, nil
	}

	doc.ContentHash = hash
	doc.Status = StatusPending
	doc.Error = ""
	if err := st.upsertDocument(ctx, doc); err != nil {
		return false, err
	}

	chunks, err := c.embedChunks(ctx, chunkText(content, c.opts.ChunkSize, c.opts.ChunkOverlap))
	if err == nil {
		err = st.replaceChunks(ctx, doc.ID, chunks)
	}
	if err != nil {
		c.markFailed(ctx, st, doc, err)
		return false, fmt.Errorf("failed to index %s: %w", path, err)
	}

	doc.Status = StatusProcessed
	doc.Chunks = len(chunks)
	if err := st.upsertDocument(ctx, doc); err != nil {
		return false, err
	}
	c.log.Info("document indexed", zap.String("path", path), zap.Int("chunks", len(chunks)))
	return true, nil
}

func (c *Core) markFailed(ctx context.Context, st *storage, doc *Document, cause error) {
	doc.Status = StatusFailed
	doc.Error = cause.Error()
	if err := st.upsertDocument(context.WithoutCancel(ctx), doc); err != nil {
		c.log.Warn("failed to record document failure", zap.String("path", doc.Path), zap.Error(err))
	}
}

func (c *Core) embedChunks(ctx context.Context, texts []string) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		vectors, err := c.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		for i, v := range vectors {
			chunks = append(chunks, Chunk{Index: start + i, Content: texts[start+i], Embedding: v})
		}
	}
	return chunks, nil
}

// embed waits for the rate limiter, truncates inputs to the binding's token
// limit and checks the returned dimension.
func (c *Core) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	eb := c.bindings.Embedding
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = truncateRunes(t, eb.MaxTokenSize)
	}

	vectors, err := eb.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(vectors) != len(inputs) {
		return nil, fmt.Errorf("embedding returned %d vectors for %d inputs", len(vectors), len(inputs))
	}
	for _, v := range vectors {
		if eb.Dimension > 0 && len(v) != eb.Dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(v), eb.Dimension)
		}
	}
	return vectors, nil
}

// RelevantChunks returns up to TopK stored chunks whose similarity to query
// meets the cosine threshold, best first.
func (c *Core) RelevantChunks(ctx context.Context, query string) ([]ScoredChunk, error) {
	if err := c.refreshChunks(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	chunks := c.chunks
	c.mu.RUnlock()
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := c.embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}
	queryEmbedding := vectors[0]

	scored := make([]ScoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		similarity, err := CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			c.log.Debug("skipping chunk", zap.Int64("chunk_id", chunk.ID), zap.Error(err))
			continue
		}
		if float64(similarity) >= c.opts.CosineThreshold {
			scored = append(scored, ScoredChunk{Chunk: chunk, Similarity: similarity})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > c.opts.TopK {
		scored = scored[:c.opts.TopK]
	}
	return scored, nil
}

// Query answers question from the indexed documents.
func (c *Core) Query(ctx context.Context, question string, history []llm.Message) (string, error) {
	st, err := c.store()
	if err != nil {
		return "", err
	}

	relevant, err := c.RelevantChunks(ctx, question)
	if err != nil {
		return "", err
	}

	var contextBuilder strings.Builder
	for _, sc := range relevant {
		contextBuilder.WriteString(sc.Chunk.Content)
		contextBuilder.WriteString("\n\n")
	}

	var prompt string
	if contextBuilder.Len() > 0 {
		prompt = fmt.Sprintf("--- CONTEXT START ---\n%s\n--- CONTEXT END ---\n\nQuestion: %s",
			strings.TrimSpace(contextBuilder.String()), question)
	} else {
		prompt = fmt.Sprintf("No relevant documents were found in the knowledge base. Question: %s", question)
	}
	req := llm.Request{
		Prompt:       prompt,
		SystemPrompt: fmt.Sprintf(querySystemPrompt, c.opts.SummaryLanguage),
		History:      history,
	}

	key := c.cacheKey(req)
	if c.opts.EnableLLMCache && len(history) == 0 {
		if cached, ok, err := st.cachedResponse(ctx, key); err != nil {
			c.log.Warn("llm cache read failed", zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	response, err := c.bindings.LLM.Call(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to get LLM completion: %w", err)
	}

	if c.opts.EnableLLMCache && len(history) == 0 {
		if err := st.storeResponse(ctx, key, "query", response); err != nil {
			c.log.Warn("llm cache write failed", zap.Error(err))
		}
	}
	return response, nil
}

// DocumentCounts reports how many documents are in each status.
func (c *Core) DocumentCounts(ctx context.Context) (map[DocStatus]int, error) {
	st, err := c.store()
	if err != nil {
		return nil, err
	}
	return st.documentCounts(ctx)
}

func (c *Core) cacheKey(req llm.Request) string {
	h := sha256.New()
	h.Write([]byte(c.bindings.LLM.Tag()))
	h.Write([]byte{0})
	h.Write([]byte(c.bindings.LLM.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.SystemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
