package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration, loaded once at startup.
// Sources, in increasing precedence: built-in defaults, an optional YAML
// file, environment variables (a .env file is loaded into the environment
// first when present).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Agent     AgentConfig     `yaml:"agent"`
	Log       LogConfig       `yaml:"log"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ConversationsPath string `yaml:"conversations_path"`
}

type EmbedderConfig struct {
	// Provider defaults to the LLM provider unless set explicitly.
	Provider Provider `yaml:"provider"`
	Model    string   `yaml:"model"`
	APIKey   string   `yaml:"api_key"`
	BaseURL  string   `yaml:"base_url"`
}

type RetrievalConfig struct {
	TopK          int     `yaml:"top_k"`
	HybridAlpha   float64 `yaml:"hybrid_alpha"`
	VectorBackend string  `yaml:"vector_backend"` // chromem or qdrant
	VectorDBPath  string  `yaml:"vector_db_path"`
	QdrantHost    string  `yaml:"qdrant_host"`
	QdrantPort    int     `yaml:"qdrant_port"`
}

type IngestConfig struct {
	DocumentsPath string `yaml:"documents_path"`
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
}

type AgentConfig struct {
	MaxIterations    int    `yaml:"max_iterations"`
	EnableReflection bool   `yaml:"enable_reflection"`
	EnablePlanning   bool   `yaml:"enable_planning"`
	SearchGatewayURL string `yaml:"search_gateway_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type TimeoutConfig struct {
	LLM        time.Duration `yaml:"llm"`
	Tool       time.Duration `yaml:"tool"`
	Request    time.Duration `yaml:"request"`
	StreamIdle time.Duration `yaml:"stream_idle"`
}

// Load builds the configuration. yamlPath may be empty.
func Load(yamlPath string) (*Config, error) {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", yamlPath, err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Server.Addr, "SERVER_ADDR")
	envString(&c.Server.ConversationsPath, "CONVERSATIONS_PATH")

	envString((*string)(&c.LLM.Provider), "MODEL_PROVIDER")
	envString(&c.LLM.Model, "LLM_MODEL")
	envFloat(&c.LLM.Temperature, "TEMPERATURE")
	envInt(&c.LLM.MaxTokens, "MAX_TOKENS")
	envString(&c.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	envString(&c.LLM.OpenAIBaseURL, "OPENAI_API_BASE")
	envString(&c.LLM.GeminiAPIKey, "GEMINI_API_KEY")
	envString(&c.LLM.DeepSeekAPIKey, "DEEPSEEK_API_KEY")
	envString(&c.LLM.DeepSeekBaseURL, "DEEPSEEK_API_BASE")
	envString(&c.LLM.OllamaBaseURL, "OLLAMA_API_URL")
	envString(&c.LLM.OllamaModel, "OLLAMA_MODEL")

	envString((*string)(&c.Embedder.Provider), "EMBEDDING_PROVIDER")
	envString(&c.Embedder.Model, "EMBEDDING_MODEL")

	envInt(&c.Retrieval.TopK, "TOP_K")
	envFloat(&c.Retrieval.HybridAlpha, "HYBRID_ALPHA")
	envString(&c.Retrieval.VectorBackend, "VECTOR_BACKEND")
	envString(&c.Retrieval.VectorDBPath, "VECTOR_DB_PATH")
	envString(&c.Retrieval.QdrantHost, "QDRANT_HOST")
	envInt(&c.Retrieval.QdrantPort, "QDRANT_PORT")

	envString(&c.Ingest.DocumentsPath, "DOCUMENTS_PATH")
	envInt(&c.Ingest.ChunkSize, "CHUNK_SIZE")
	envInt(&c.Ingest.ChunkOverlap, "CHUNK_OVERLAP")

	envInt(&c.Agent.MaxIterations, "MAX_ITERATIONS")
	envString(&c.Agent.SearchGatewayURL, "SEARCH_GATEWAY_URL")

	envString(&c.Log.Level, "LOG_LEVEL")
	envString(&c.Log.Format, "LOG_FORMAT")
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ConversationsPath == "" {
		c.Server.ConversationsPath = "./conversations"
	}

	c.LLM.SetDefaults()

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = c.LLM.Provider
	}
	if c.Embedder.Model == "" {
		switch c.Embedder.Provider {
		case ProviderGemini:
			c.Embedder.Model = "text-embedding-004"
		case ProviderOllama:
			c.Embedder.Model = "nomic-embed-text"
		default:
			c.Embedder.Model = "text-embedding-3-small"
		}
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = c.LLM.apiKeyFor(c.Embedder.Provider)
	}
	if c.Embedder.BaseURL == "" {
		c.Embedder.BaseURL = c.LLM.baseURLFor(c.Embedder.Provider)
	}

	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.HybridAlpha == 0 {
		c.Retrieval.HybridAlpha = 0.5
	}
	if c.Retrieval.VectorBackend == "" {
		c.Retrieval.VectorBackend = "chromem"
	}
	if c.Retrieval.VectorDBPath == "" {
		c.Retrieval.VectorDBPath = "./vector_db"
	}
	if c.Retrieval.QdrantHost == "" {
		c.Retrieval.QdrantHost = "localhost"
	}
	if c.Retrieval.QdrantPort == 0 {
		c.Retrieval.QdrantPort = 6334
	}

	if c.Ingest.DocumentsPath == "" {
		c.Ingest.DocumentsPath = "./documents"
	}
	if c.Ingest.ChunkSize == 0 {
		c.Ingest.ChunkSize = 500
	}
	if c.Ingest.ChunkOverlap == 0 {
		c.Ingest.ChunkOverlap = 50
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Timeouts.LLM == 0 {
		c.Timeouts.LLM = 120 * time.Second
	}
	if c.Timeouts.Tool == 0 {
		c.Timeouts.Tool = 30 * time.Second
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = 300 * time.Second
	}
	if c.Timeouts.StreamIdle == 0 {
		c.Timeouts.StreamIdle = 60 * time.Second
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}

	switch c.Retrieval.VectorBackend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid vector_backend %q (valid: chromem, qdrant)", c.Retrieval.VectorBackend)
	}

	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}
	if c.Retrieval.HybridAlpha < 0 || c.Retrieval.HybridAlpha > 1 {
		return fmt.Errorf("hybrid_alpha must be between 0 and 1")
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
