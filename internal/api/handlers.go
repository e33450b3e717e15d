package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gwi.com/rag-gateway/internal/auth"
	"gwi.com/rag-gateway/internal/config"
	"gwi.com/rag-gateway/internal/llm"
	"gwi.com/rag-gateway/internal/metrics"
	"gwi.com/rag-gateway/internal/namespace"
	"gwi.com/rag-gateway/internal/rag"
)

const (
	// CoreVersion is the version of the retrieval core.
	CoreVersion = "1.3.0"
	// APIVersion is bumped whenever the HTTP surface changes.
	APIVersion = "0138"

	guestMessage = "Authentication is disabled. Using guest access."
)

// Deps are the collaborators the handlers need.
type Deps struct {
	Config  *config.Config
	Auth    *auth.Handler
	Core    *rag.Core
	Status  namespace.Store
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

type APIHandler struct {
	cfg     *config.Config
	auth    *auth.Handler
	core    *rag.Core
	status  namespace.Store
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewAPIHandler(d Deps) *APIHandler {
	return &APIHandler{
		cfg:     d.Config,
		auth:    d.Auth,
		core:    d.Core,
		status:  d.Status,
		metrics: d.Metrics,
		log:     d.Log.Named("api"),
	}
}

// tokenResponse is shared by /login and /auth-status.
type tokenResponse struct {
	AuthConfigured   *bool  `json:"auth_configured,omitempty"`
	AccessToken      string `json:"access_token,omitempty"`
	TokenType        string `json:"token_type"`
	AuthMode         string `json:"auth_mode"`
	Message          string `json:"message,omitempty"`
	CoreVersion      string `json:"core_version"`
	APIVersion       string `json:"api_version"`
	WebUITitle       string `json:"webui_title"`
	WebUIDescription string `json:"webui_description"`
}

func (h *APIHandler) envelope() tokenResponse {
	return tokenResponse{
		TokenType:        "bearer",
		CoreVersion:      CoreVersion,
		APIVersion:       APIVersion,
		WebUITitle:       h.cfg.WebUITitle,
		WebUIDescription: h.cfg.WebUIDescription,
	}
}

func (h *APIHandler) AuthStatusHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.envelope()
	configured := h.auth.AuthConfigured()
	resp.AuthConfigured = &configured

	if configured {
		resp.AuthMode = auth.AuthModeEnabled
		writeJSON(w, http.StatusOK, resp)
		return
	}

	token, err := h.auth.IssueGuestToken()
	if err != nil {
		h.log.Error("failed to issue guest token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	resp.AccessToken = token.AccessToken
	resp.AuthMode = token.AuthMode
	resp.Message = guestMessage
	writeJSON(w, http.StatusOK, resp)
}

// LoginHandler takes a form-encoded username and password.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form body: "+err.Error())
		return
	}

	token, err := h.auth.Login(r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.metrics.RecordLogin("rejected")
			writeError(w, http.StatusUnauthorized, "Incorrect credentials")
			return
		}
		h.log.Error("failed to issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	resp := h.envelope()
	resp.AccessToken = token.AccessToken
	resp.AuthMode = token.AuthMode
	if token.Role == auth.RoleGuest {
		resp.Message = guestMessage
		h.metrics.RecordLogin("guest")
	} else {
		h.metrics.RecordLogin("user")
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthConfiguration struct {
	LLMBinding               string `json:"llm_binding"`
	LLMBindingHost           string `json:"llm_binding_host"`
	LLMModel                 string `json:"llm_model"`
	EmbeddingBinding         string `json:"embedding_binding"`
	EmbeddingBindingHost     string `json:"embedding_binding_host"`
	EmbeddingModel           string `json:"embedding_model"`
	EmbeddingDim             int    `json:"embedding_dim"`
	MaxTokenSize             int    `json:"max_token_size"`
	MaxTokens                int    `json:"max_tokens"`
	KVStorage                string `json:"kv_storage"`
	DocStatusStorage         string `json:"doc_status_storage"`
	GraphStorage             string `json:"graph_storage"`
	VectorStorage            string `json:"vector_storage"`
	NamespaceStore           string `json:"namespace_store"`
	EnableLLMCache           bool   `json:"enable_llm_cache"`
	EnableLLMCacheForExtract bool   `json:"enable_llm_cache_for_extract"`
	SummaryLanguage          string `json:"summary_language"`
	Workers                  int    `json:"workers"`
}

type healthResponse struct {
	Status           string                `json:"status"`
	WorkingDirectory string                `json:"working_directory"`
	InputDirectory   string                `json:"input_directory"`
	Configuration    healthConfiguration   `json:"configuration"`
	AuthMode         string                `json:"auth_mode"`
	PipelineBusy     bool                  `json:"pipeline_busy"`
	Autoscanned      bool                  `json:"autoscanned"`
	ScanError        string                `json:"scan_error,omitempty"`
	LatestMessage    string                `json:"latest_message,omitempty"`
	Documents        map[rag.DocStatus]int `json:"documents,omitempty"`
	CoreVersion      string                `json:"core_version"`
	APIVersion       string                `json:"api_version"`
	WebUITitle       string                `json:"webui_title"`
	WebUIDescription string                `json:"webui_description"`
}

// HealthHandler reports the configuration summary and the live pipeline state
// shared by all workers.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.Get(r.Context(), namespace.PipelineStatusNamespace)
	if err != nil && !errors.Is(err, namespace.ErrNotFound) {
		h.log.Error("failed to read pipeline status", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Pipeline status unavailable")
		return
	}

	bindings := h.core.Bindings()
	authMode := auth.AuthModeDisabled
	if h.auth.AuthConfigured() {
		authMode = auth.AuthModeEnabled
	}

	resp := healthResponse{
		Status:           "healthy",
		WorkingDirectory: h.cfg.WorkingDir,
		InputDirectory:   h.cfg.InputDir,
		Configuration: healthConfiguration{
			LLMBinding:               bindings.LLM.Tag(),
			LLMBindingHost:           h.cfg.LLMBindingHost,
			LLMModel:                 bindings.LLM.Model,
			EmbeddingBinding:         bindings.Embedding.Tag(),
			EmbeddingBindingHost:     h.cfg.EmbeddingBindingHost,
			EmbeddingModel:           bindings.Embedding.Model,
			EmbeddingDim:             bindings.Embedding.Dimension,
			MaxTokenSize:             bindings.Embedding.MaxTokenSize,
			MaxTokens:                h.cfg.MaxTokens,
			KVStorage:                h.cfg.KVStorage,
			DocStatusStorage:         h.cfg.DocStatusStorage,
			GraphStorage:             h.cfg.GraphStorage,
			VectorStorage:            h.cfg.VectorStorage,
			NamespaceStore:           h.cfg.NamespaceStore,
			EnableLLMCache:           h.cfg.EnableLLMCache,
			EnableLLMCacheForExtract: h.cfg.EnableLLMCacheForExtract,
			SummaryLanguage:          h.cfg.SummaryLanguage,
			Workers:                  h.cfg.Workers,
		},
		AuthMode:         authMode,
		PipelineBusy:     status.Bool(namespace.KeyBusy),
		Autoscanned:      status.Bool(namespace.KeyAutoscanned),
		ScanError:        status.String(namespace.KeyScanError),
		LatestMessage:    status.String(namespace.KeyLatestMessage),
		CoreVersion:      CoreVersion,
		APIVersion:       APIVersion,
		WebUITitle:       h.cfg.WebUITitle,
		WebUIDescription: h.cfg.WebUIDescription,
	}

	if counts, err := h.core.DocumentCounts(r.Context()); err != nil {
		h.log.Debug("document counts unavailable", zap.Error(err))
	} else {
		resp.Documents = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

type QueryRequest struct {
	Query   string        `json:"query"`
	History []llm.Message `json:"conversation_history,omitempty"`
}

type QueryResponse struct {
	Response string `json:"response"`
}

func (h *APIHandler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "Query is required")
		return
	}

	start := time.Now()
	response, err := h.core.Query(r.Context(), req.Query, req.History)
	h.metrics.RecordQuery(err, time.Since(start))
	if err != nil {
		h.log.Error("query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Response: response})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
