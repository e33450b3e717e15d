package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/llm"
	"gwi.com/rag-gateway/internal/namespace"
)

// letterEmbed maps text to letter counts of a, b and c, enough to make
// similarity meaningful without a model.
func letterEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{
			float32(strings.Count(t, "a")) + 0.01,
			float32(strings.Count(t, "b")) + 0.01,
			float32(strings.Count(t, "c")) + 0.01,
		}
	}
	return out, nil
}

type fakeLLM struct {
	calls    atomic.Int32
	lastReq  llm.Request
	response string
}

func (f *fakeLLM) complete(_ context.Context, req llm.Request, _ llm.Kwargs) (string, error) {
	f.calls.Add(1)
	f.lastReq = req
	return f.response, nil
}

func newTestCore(t *testing.T, embed llm.EmbedFunc, completion *fakeLLM) *Core {
	t.Helper()
	bindings := &binding.Resolved{
		LLM: binding.LLMBinding{
			Provider: binding.LLMOllama,
			Model:    "test-model",
			Complete: completion.complete,
			Kwargs:   llm.Kwargs{"timeout": 5},
		},
		Embedding: binding.EmbeddingBinding{
			Provider:     binding.EmbeddingOllama,
			Model:        "letters",
			Embed:        embed,
			Dimension:    3,
			MaxTokenSize: 8192,
		},
	}
	core := NewCore(Options{
		WorkingDir:        t.TempDir(),
		TopK:              2,
		CosineThreshold:   0.5,
		ChunkSize:         1200,
		ChunkOverlap:      100,
		MaxParallelInsert: 2,
		EnableLLMCache:    true,
	}, bindings, zap.NewNop())
	require.NoError(t, core.InitializeStorages(context.Background()))
	t.Cleanup(func() { core.FinalizeStorages() })
	return core
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCosineSimilarity(t *testing.T) {
	s, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-6)

	s, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s, 1e-6)

	s, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, s)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("   ", 10, 2))
	assert.Equal(t, []string{"short"}, chunkText("short", 100, 10))

	content := strings.Repeat("word ", 100)
	chunks := chunkText(content, 50, 10)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 50)
		assert.NotEmpty(t, c)
	}

	// Overlap at or above size is ignored rather than looping forever.
	assert.NotEmpty(t, chunkText(content, 20, 40))
}

func TestDocumentManager_ScanDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.md", "b")
	writeFile(t, dir, "a.txt", "a")
	writeFile(t, dir, "nested/c.json", "{}")
	writeFile(t, dir, "image.png", "png")
	writeFile(t, dir, ".hidden/d.txt", "d")

	dm, err := NewDocumentManager(dir)
	require.NoError(t, err)
	files, err := dm.ScanDirectory()
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "b.md"),
		filepath.Join(dir, "nested", "c.json"),
	}, files)
}

func TestNewDocumentManager_CreatesInputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inputs")
	_, err := NewDocumentManager(dir)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestRunScanningProcess(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t, letterEmbed, &fakeLLM{})
	status := namespace.NewMemoryStore()
	require.NoError(t, namespace.InitializePipelineStatus(ctx, status))

	input := t.TempDir()
	writeFile(t, input, "apples.txt", "aaaa aaaa aaaa")
	writeFile(t, input, "bananas.md", "bbbb bbbb bbbb")
	writeFile(t, input, "binary.txt", string([]byte{0xff, 0xfe, 0x00}))
	dm, err := NewDocumentManager(input)
	require.NoError(t, err)

	result, err := RunScanningProcess(ctx, core, dm, status, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ScanResult{Found: 3, Indexed: 2, Failed: 1}, result)

	rec, err := status.Get(ctx, namespace.PipelineStatusNamespace)
	require.NoError(t, err)
	assert.False(t, rec.Bool(namespace.KeyBusy))
	assert.Equal(t, 3, rec.Int(namespace.KeyDocs))
	assert.Equal(t, 3, rec.Int(namespace.KeyCurBatch))
	assert.Contains(t, rec.String(namespace.KeyLatestMessage), "2 indexed")

	counts, err := core.DocumentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[DocStatus]int{StatusProcessed: 2, StatusFailed: 1}, counts)

	// A second run leaves unchanged files alone.
	again, err := RunScanningProcess(ctx, core, dm, status, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, again.Skipped)
	assert.Zero(t, again.Indexed)
}

func TestRunScanningProcess_BusyPipelineIsQueued(t *testing.T) {
	ctx := context.Background()
	core := newTestCore(t, letterEmbed, &fakeLLM{})
	status := namespace.NewMemoryStore()
	require.NoError(t, namespace.InitializePipelineStatus(ctx, status))

	guard, err := status.Lock(ctx, namespace.PipelineStatusNamespace)
	require.NoError(t, err)
	guard.Record()[namespace.KeyBusy] = true
	require.NoError(t, guard.Unlock())

	dm, err := NewDocumentManager(t.TempDir())
	require.NoError(t, err)
	result, err := RunScanningProcess(ctx, core, dm, status, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, result.Queued)

	rec, err := status.Get(ctx, namespace.PipelineStatusNamespace)
	require.NoError(t, err)
	assert.True(t, rec.Bool(namespace.KeyRequestPending))
}

func TestRunScanningProcess_CancelledClearsBusy(t *testing.T) {
	status := namespace.NewMemoryStore()
	require.NoError(t, namespace.InitializePipelineStatus(context.Background(), status))

	blocking := func(ctx context.Context, texts []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	core := newTestCore(t, blocking, &fakeLLM{})

	input := t.TempDir()
	writeFile(t, input, "a.txt", "aaa")
	dm, err := NewDocumentManager(input)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := RunScanningProcess(ctx, core, dm, status, zap.NewNop())
		done <- err
	}()
	assert.Eventually(t, func() bool {
		rec, _ := status.Get(context.Background(), namespace.PipelineStatusNamespace)
		return rec.Bool(namespace.KeyBusy)
	}, time.Second, 5*time.Millisecond)
	cancel()

	err = <-done
	assert.True(t, errors.Is(err, context.Canceled))
	rec, err := status.Get(context.Background(), namespace.PipelineStatusNamespace)
	require.NoError(t, err)
	assert.False(t, rec.Bool(namespace.KeyBusy))
}

func TestQuery_UsesRelevantContextAndCache(t *testing.T) {
	ctx := context.Background()
	completion := &fakeLLM{response: "apples are red"}
	core := newTestCore(t, letterEmbed, completion)

	input := t.TempDir()
	a := writeFile(t, input, "apples.txt", "aaaa aaaa")
	b := writeFile(t, input, "bananas.txt", "bbbb bbbb")
	_, err := core.IndexFile(ctx, a)
	require.NoError(t, err)
	_, err = core.IndexFile(ctx, b)
	require.NoError(t, err)

	relevant, err := core.RelevantChunks(ctx, "aaa?")
	require.NoError(t, err)
	require.Len(t, relevant, 1)
	assert.Equal(t, "aaaa aaaa", relevant[0].Chunk.Content)

	out, err := core.Query(ctx, "aaa?", nil)
	require.NoError(t, err)
	assert.Equal(t, "apples are red", out)
	assert.Contains(t, completion.lastReq.Prompt, "aaaa aaaa")
	assert.NotContains(t, completion.lastReq.Prompt, "bbbb")

	_, err = core.Query(ctx, "aaa?", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), completion.calls.Load(), "second identical query is served from cache")
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	wrong := func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1, 2}
		}
		return out, nil
	}
	core := newTestCore(t, wrong, &fakeLLM{})
	path := writeFile(t, t.TempDir(), "x.txt", "abc")

	_, err := core.IndexFile(context.Background(), path)
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestCore_NotInitialized(t *testing.T) {
	core := NewCore(Options{WorkingDir: t.TempDir()}, &binding.Resolved{}, zap.NewNop())
	_, err := core.Query(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, core.FinalizeStorages())
}
