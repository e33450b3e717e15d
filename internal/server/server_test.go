package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/binding"
	"gwi.com/rag-gateway/internal/bootstrap"
	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/llm"
	"gwi.com/rag-gateway/internal/worker"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Host:                  "127.0.0.1",
		WorkingDir:            filepath.Join(dir, "rag_storage"),
		InputDir:              filepath.Join(dir, "inputs"),
		Workers:               1,
		LLMBinding:            "ollama",
		LLMModel:              "mistral-nemo:latest",
		EmbeddingBinding:      "ollama",
		EmbeddingModel:        "bge-m3:latest",
		EmbeddingDim:          2,
		MaxEmbedTokens:        8192,
		Timeout:               30,
		NamespaceStore:        "sqlite",
		TokenSecret:           "test-secret",
		TokenExpireHours:      1,
		GuestTokenExpireHours: 1,
		TopK:                  3,
		ChunkSize:             200,
		ChunkOverlapSize:      20,
		MaxParallelInsert:     2,
		UseCustomBindings:     true,
		ShutdownGrace:         5 * time.Second,
	}
}

func fakeOverrides() binding.Overrides {
	return binding.Overrides{
		Completion: func(_ context.Context, req llm.Request, _ llm.Kwargs) (string, error) {
			return "answer", nil
		},
		Embedding: llm.EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0.5}
			}
			return out, nil
		}),
	}
}

func writeInputs(t *testing.T, cfg *config.Config, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o755))
	for i := range n {
		name := filepath.Join(cfg.InputDir, fmt.Sprintf("doc-%d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte(fmt.Sprintf("document number %d about bananas", i)), 0o644))
	}
}

func newServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, zap.NewNop(), WithOverrides(fakeOverrides()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func waitTask(t *testing.T, task *bootstrap.Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("scan task did not finish")
	}
}

func getJSON(t *testing.T, h http.Handler, path string) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestStartupScanRunsOnceAcrossWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoScanAtStartup = true
	writeInputs(t, cfg, 3)

	first := newServer(t, cfg)
	second := newServer(t, cfg)

	ctx := context.Background()
	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))

	require.NotNil(t, first.ScanTask())
	assert.Nil(t, second.ScanTask(), "only one worker of the deployment scans")
	waitTask(t, first.ScanTask())
	require.NoError(t, first.ScanTask().Err())

	// the other worker sees the shared state
	health := getJSON(t, second.Handler(), "/health")
	assert.Equal(t, true, health["autoscanned"])
	assert.Equal(t, false, health["pipeline_busy"])
	docs := health["documents"].(map[string]any)
	assert.Equal(t, float64(3), docs["processed"])

	// a restarted worker does not scan again
	third := newServer(t, cfg)
	require.NoError(t, third.Start(ctx))
	assert.Nil(t, third.ScanTask())
}

func TestAutoScanDisabled(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, s.ScanTask())
	assert.Equal(t, false, getJSON(t, s.Handler(), "/health")["autoscanned"])
}

func TestNewFailsFastOnConfiguration(t *testing.T) {
	t.Run("unsupported binding", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLMBinding = "jina"
		_, err := New(cfg, zap.NewNop())
		var unsupported *binding.UnsupportedBindingError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "jina", unsupported.Value)
	})

	t.Run("malformed accounts", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AuthAccounts = "alice"
		_, err := New(cfg, zap.NewNop(), WithOverrides(fakeOverrides()))
		var cfgErr *config.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "AUTH_ACCOUNTS", cfgErr.Field)
	})
}

func TestCustomProviderWithoutFlagUsesDefaultOverrides(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseCustomBindings = false
	cfg.LLMBinding = "custom"
	cfg.EmbeddingBinding = "custom"

	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	assert.True(t, s.Bindings().LLM.Custom)
	assert.Equal(t, "custom", s.Bindings().LLM.Tag())
	assert.True(t, s.Bindings().Embedding.Custom)
	assert.Equal(t, "custom", s.Bindings().Embedding.Tag())
}

func TestUnreachableNamespaceStoreIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.NamespaceStore = "redis"
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	s := newServer(t, cfg)
	err := s.Start(context.Background())
	var coordErr *bootstrap.CoordinationError
	require.ErrorAs(t, err, &coordErr)
	assert.Nil(t, s.Handler())
}

func TestScanOnce(t *testing.T) {
	cfg := testConfig(t)
	writeInputs(t, cfg, 2)

	s := newServer(t, cfg)
	result, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.Indexed)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	s := newServer(t, cfg)
	require.NoError(t, s.Start(context.Background()))

	ln, err := worker.Listen(context.Background(), "127.0.0.1:0", false)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/auth-status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, <-served)

	// repeated shutdown returns the first result
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestServeBeforeStart(t *testing.T) {
	s := newServer(t, testConfig(t))
	err := s.Serve(nil)
	assert.True(t, err != nil && !errors.Is(err, http.ErrServerClosed))
}

func TestShutdownCancelsScanBeforeClosingStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoScanAtStartup = true
	cfg.ShutdownGrace = 100 * time.Millisecond
	writeInputs(t, cfg, 1)

	entered := make(chan struct{})
	var once sync.Once
	ov := fakeOverrides()
	ov.Embedding = llm.EmbedderFunc(func(ctx context.Context, _ []string) ([][]float32, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s, err := New(cfg, zap.NewNop(), WithOverrides(ov))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	task := s.ScanTask()
	require.NotNil(t, task)

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("scan never reached the embedder")
	}

	err = s.Shutdown(context.Background())
	require.ErrorIs(t, err, bootstrap.ErrTasksCancelled)

	// the task is terminal by the time storage is released
	select {
	case <-task.Done():
	default:
		t.Fatal("shutdown returned before the scan task finished")
	}
	assert.ErrorIs(t, task.Err(), context.Canceled)
}
