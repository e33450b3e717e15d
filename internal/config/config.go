package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	// DefaultAzureAPIVersion is used when AZURE_OPENAI_API_VERSION is not set.
	DefaultAzureAPIVersion = "2024-08-01-preview"

	defaultLogFilename = "lightrag.log"
)

// Config is the static configuration of one server process. It is built once
// in main and handed to every component constructor.
type Config struct {
	Host       string
	Port       int
	WorkingDir string
	InputDir   string
	Workers    int
	WorkerID   int

	SSL         bool
	SSLCertFile string
	SSLKeyFile  string

	APIKey string

	LogLevel       string
	Verbose        bool
	LogDir         string
	LogMaxBytes    int
	LogBackupCount int

	LLMBinding       string
	LLMBindingHost   string
	LLMBindingAPIKey string
	LLMModel         string
	MaxTokens        int
	Timeout          int
	MaxAsync         int

	EmbeddingBinding       string
	EmbeddingBindingHost   string
	EmbeddingBindingAPIKey string
	EmbeddingModel         string
	EmbeddingDim           int
	MaxEmbedTokens         int

	AzureOpenAIAPIKey     string
	AzureOpenAIAPIVersion string
	AzureOpenAIEndpoint   string
	GeminiAPIKey          string

	AutoScanAtStartup bool
	UseCustomBindings bool

	NamespaceStore string
	RedisURL       string

	AuthAccounts          string
	TokenSecret           string
	TokenExpireHours      float64
	GuestTokenExpireHours float64

	KVStorage        string
	VectorStorage    string
	GraphStorage     string
	DocStatusStorage string

	EnableLLMCache           bool
	EnableLLMCacheForExtract bool

	TopK              int
	CosineThreshold   float64
	ChunkSize         int
	ChunkOverlapSize  int
	MaxParallelInsert int
	EmbeddingRPS      float64
	SummaryLanguage   string

	WebUITitle       string
	WebUIDescription string

	ShutdownGrace time.Duration
}

// ConfigurationError reports static configuration the process cannot start with.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// LoadDotEnv loads .env from the current directory. Variables already present
// in the process environment are never overridden.
func LoadDotEnv() bool {
	return godotenv.Load(".env") == nil
}

// BindFlags registers every setting on fs. Defaults are taken from the
// environment, so an explicitly passed flag wins over the environment, which
// wins over the built-in default. The API key is the one exception, see Finalize.
func BindFlags(fs *pflag.FlagSet) *Config {
	c := &Config{}

	fs.StringVar(&c.Host, "host", getEnv("HOST", "0.0.0.0"), "server host")
	fs.IntVar(&c.Port, "port", getEnvAsInt("PORT", 9621), "server port")
	fs.StringVar(&c.WorkingDir, "working-dir", getEnv("WORKING_DIR", "./rag_storage"), "working directory for RAG storage")
	fs.StringVar(&c.InputDir, "input-dir", getEnv("INPUT_DIR", "./inputs"), "directory containing input documents")
	fs.IntVar(&c.Workers, "workers", getEnvAsInt("WORKERS", 1), "number of worker processes")
	fs.IntVar(&c.WorkerID, "worker-id", 0, "worker index (set by the launcher)")
	_ = fs.MarkHidden("worker-id")

	fs.BoolVar(&c.SSL, "ssl", getEnvAsBool("SSL", false), "enable HTTPS")
	fs.StringVar(&c.SSLCertFile, "ssl-certfile", getEnv("SSL_CERTFILE", ""), "path to SSL certificate file")
	fs.StringVar(&c.SSLKeyFile, "ssl-keyfile", getEnv("SSL_KEYFILE", ""), "path to SSL private key file")

	fs.StringVar(&c.APIKey, "key", "", "API key for protected endpoints (LIGHTRAG_API_KEY takes precedence)")

	fs.StringVar(&c.LogLevel, "log-level", getEnv("LOG_LEVEL", "INFO"), "logging level")
	fs.BoolVar(&c.Verbose, "verbose", getEnvAsBool("VERBOSE", false), "enable verbose debug output")
	fs.StringVar(&c.LogDir, "log-dir", getEnv("LOG_DIR", "."), "directory for the rotating log file")
	fs.IntVar(&c.LogMaxBytes, "log-max-bytes", getEnvAsInt("LOG_MAX_BYTES", 10485760), "log file size before rotation")
	fs.IntVar(&c.LogBackupCount, "log-backup-count", getEnvAsInt("LOG_BACKUP_COUNT", 5), "rotated log files to keep")

	fs.StringVar(&c.LLMBinding, "llm-binding", getEnv("LLM_BINDING", "ollama"), "LLM binding type")
	fs.StringVar(&c.LLMBindingHost, "llm-binding-host", getEnv("LLM_BINDING_HOST", ""), "LLM server host (defaults per binding)")
	fs.StringVar(&c.LLMBindingAPIKey, "llm-binding-api-key", getEnv("LLM_BINDING_API_KEY", ""), "LLM API key")
	fs.StringVar(&c.LLMModel, "llm-model", getEnv("LLM_MODEL", "mistral-nemo:latest"), "LLM model name")
	fs.IntVar(&c.MaxTokens, "max-tokens", getEnvAsInt("MAX_TOKENS", 32768), "maximum LLM context tokens")
	fs.IntVar(&c.Timeout, "timeout", getEnvAsInt("TIMEOUT", 150), "LLM request timeout in seconds")
	fs.IntVar(&c.MaxAsync, "max-async", getEnvAsInt("MAX_ASYNC", 4), "maximum concurrent LLM requests")

	fs.StringVar(&c.EmbeddingBinding, "embedding-binding", getEnv("EMBEDDING_BINDING", "ollama"), "embedding binding type")
	fs.StringVar(&c.EmbeddingBindingHost, "embedding-binding-host", getEnv("EMBEDDING_BINDING_HOST", ""), "embedding server host (defaults per binding)")
	fs.StringVar(&c.EmbeddingBindingAPIKey, "embedding-binding-api-key", getEnv("EMBEDDING_BINDING_API_KEY", ""), "embedding API key")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", getEnv("EMBEDDING_MODEL", "bge-m3:latest"), "embedding model name")
	fs.IntVar(&c.EmbeddingDim, "embedding-dim", getEnvAsInt("EMBEDDING_DIM", 1024), "embedding dimension")
	fs.IntVar(&c.MaxEmbedTokens, "max-embed-tokens", getEnvAsInt("MAX_EMBED_TOKENS", 8192), "maximum tokens per embedding input")

	fs.BoolVar(&c.AutoScanAtStartup, "auto-scan-at-startup", getEnvAsBool("AUTO_SCAN_AT_STARTUP", false), "scan the input directory once at startup")
	fs.BoolVar(&c.UseCustomBindings, "use-custom-bindings", getEnvAsBool("USE_CUSTOM_BINDINGS", false), "prefer registered custom LLM/embedding bindings")

	fs.StringVar(&c.NamespaceStore, "namespace-store", getEnv("NAMESPACE_STORE", "sqlite"), "shared namespace store: sqlite, memory or redis")
	fs.StringVar(&c.RedisURL, "redis-url", getEnv("REDIS_URL", "redis://localhost:6379/0"), "redis URL for the redis namespace store")

	fs.IntVar(&c.TopK, "top-k", getEnvAsInt("TOP_K", 60), "number of chunks retrieved per query")
	fs.Float64Var(&c.CosineThreshold, "cosine-threshold", getEnvAsFloat("COSINE_THRESHOLD", 0.2), "minimum cosine similarity for retrieval")
	fs.IntVar(&c.ChunkSize, "chunk-size", getEnvAsInt("CHUNK_SIZE", 1200), "chunk size in characters")
	fs.IntVar(&c.ChunkOverlapSize, "chunk-overlap-size", getEnvAsInt("CHUNK_OVERLAP_SIZE", 100), "chunk overlap in characters")
	fs.IntVar(&c.MaxParallelInsert, "max-parallel-insert", getEnvAsInt("MAX_PARALLEL_INSERT", 2), "documents ingested in parallel")
	fs.Float64Var(&c.EmbeddingRPS, "embedding-rps", getEnvAsFloat("EMBEDDING_RPS", 25), "embedding requests per second during scans")

	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", getEnvAsDuration("SHUTDOWN_GRACE", 30*time.Second), "grace period for background tasks on shutdown")

	c.AzureOpenAIAPIKey = getEnv("AZURE_OPENAI_API_KEY", "")
	c.AzureOpenAIAPIVersion = getEnv("AZURE_OPENAI_API_VERSION", DefaultAzureAPIVersion)
	c.AzureOpenAIEndpoint = getEnv("AZURE_OPENAI_ENDPOINT", "")
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")

	c.AuthAccounts = getEnv("AUTH_ACCOUNTS", "")
	c.TokenSecret = getEnv("TOKEN_SECRET", "lightrag-jwt-default-secret")
	c.TokenExpireHours = getEnvAsFloat("TOKEN_EXPIRE_HOURS", 48)
	c.GuestTokenExpireHours = getEnvAsFloat("GUEST_TOKEN_EXPIRE_HOURS", 24)

	c.KVStorage = getEnv("LIGHTRAG_KV_STORAGE", "JsonKVStorage")
	c.VectorStorage = getEnv("LIGHTRAG_VECTOR_STORAGE", "NanoVectorDBStorage")
	c.GraphStorage = getEnv("LIGHTRAG_GRAPH_STORAGE", "NetworkXStorage")
	c.DocStatusStorage = getEnv("LIGHTRAG_DOC_STATUS_STORAGE", "JsonDocStatusStorage")
	c.EnableLLMCache = getEnvAsBool("ENABLE_LLM_CACHE", true)
	c.EnableLLMCacheForExtract = getEnvAsBool("ENABLE_LLM_CACHE_FOR_EXTRACT", true)
	c.SummaryLanguage = getEnv("SUMMARY_LANGUAGE", "English")

	c.WebUITitle = getEnv("WEBUI_TITLE", "")
	c.WebUIDescription = getEnv("WEBUI_DESCRIPTION", "")

	return c
}

// Finalize applies the rules that depend on more than one source and fills
// per-binding default hosts. It must run after flags are parsed.
func (c *Config) Finalize() {
	if key, ok := os.LookupEnv("LIGHTRAG_API_KEY"); ok && key != "" {
		c.APIKey = key
	}
	if c.LLMBindingHost == "" {
		c.LLMBindingHost = DefaultHost(c.LLMBinding, c.AzureOpenAIEndpoint)
	}
	if c.EmbeddingBindingHost == "" {
		c.EmbeddingBindingHost = DefaultHost(c.EmbeddingBinding, c.AzureOpenAIEndpoint)
	}
	c.LLMBinding = strings.ToLower(strings.TrimSpace(c.LLMBinding))
	c.EmbeddingBinding = strings.ToLower(strings.TrimSpace(c.EmbeddingBinding))
}

// Validate checks settings that make the process unable to serve.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigurationError{Field: "port", Reason: fmt.Sprintf("%d is out of range", c.Port)}
	}
	if c.Workers < 1 {
		return &ConfigurationError{Field: "workers", Reason: "must be at least 1"}
	}
	if c.Workers > 1 && c.NamespaceStore == "memory" {
		return &ConfigurationError{Field: "namespace-store", Reason: "the memory store cannot be shared between worker processes"}
	}
	if c.SSL {
		if c.SSLCertFile == "" || c.SSLKeyFile == "" {
			return &ConfigurationError{Field: "ssl", Reason: "SSL certificate and key files must be provided when SSL is enabled"}
		}
		if _, err := os.Stat(c.SSLCertFile); err != nil {
			return &ConfigurationError{Field: "ssl-certfile", Reason: fmt.Sprintf("SSL certificate file not found: %s", c.SSLCertFile)}
		}
		if _, err := os.Stat(c.SSLKeyFile); err != nil {
			return &ConfigurationError{Field: "ssl-keyfile", Reason: fmt.Sprintf("SSL key file not found: %s", c.SSLKeyFile)}
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogFilePath returns the rotating log file location.
func (c *Config) LogFilePath() string {
	return strings.TrimRight(c.LogDir, "/") + "/" + defaultLogFilename
}

// DefaultHost returns the fallback host for a binding when none is configured.
func DefaultHost(binding, azureEndpoint string) string {
	switch strings.ToLower(binding) {
	case "lollms":
		return "http://localhost:9600"
	case "ollama":
		return "http://localhost:11434"
	case "azure_openai":
		if azureEndpoint != "" {
			return azureEndpoint
		}
		return "https://api.openai.com/v1"
	case "openai":
		return "https://api.openai.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com"
	case "jina":
		return "https://api.jina.ai/v1"
	default:
		return "http://localhost:11434"
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
