package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MODEL_PROVIDER", "OPENAI_API_KEY", "GEMINI_API_KEY", "DEEPSEEK_API_KEY",
		"LLM_MODEL", "EMBEDDING_MODEL", "TOP_K", "VECTOR_BACKEND",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestSetDefaults(t *testing.T) {
	clearProviderEnv(t)

	cfg := &Config{}
	cfg.applyEnv()
	cfg.SetDefaults()

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "gemma3:4b", cfg.LLM.Model)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, 1000, cfg.LLM.MaxTokens)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, 0.5, cfg.Retrieval.HybridAlpha)
	assert.Equal(t, "chromem", cfg.Retrieval.VectorBackend)
	assert.Equal(t, 500, cfg.Ingest.ChunkSize)
	assert.Equal(t, 50, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.LLM)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Tool)
}

func TestProviderAutoDetect(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("GEMINI_API_KEY", "gk")
	t.Setenv("OPENAI_API_KEY", "ok")

	cfg := &Config{}
	cfg.applyEnv()
	cfg.SetDefaults()

	// Gemini wins when both keys are present.
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.Model)
}

func TestEnvOverridesDefaults(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LLM_MODEL", "gpt-4o")
	t.Setenv("TOP_K", "7")

	cfg := &Config{}
	cfg.applyEnv()
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Retrieval.TopK)
	// The embedder follows the LLM provider and inherits its key.
	assert.Equal(t, ProviderOpenAI, cfg.Embedder.Provider)
	assert.Equal(t, "sk-test", cfg.Embedder.APIKey)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.LLM.Provider = ProviderOpenAI; c.LLM.OpenAIAPIKey = "" },
			wantErr: "API key",
		},
		{
			name:    "bad provider",
			mutate:  func(c *Config) { c.LLM.Provider = "mystery" },
			wantErr: "invalid provider",
		},
		{
			name:    "bad vector backend",
			mutate:  func(c *Config) { c.Retrieval.VectorBackend = "pinecone" },
			wantErr: "vector_backend",
		},
		{
			name:    "overlap exceeds chunk size",
			mutate:  func(c *Config) { c.Ingest.ChunkSize = 10; c.Ingest.ChunkOverlap = 20 },
			wantErr: "chunk_overlap",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.LLM.Temperature = 3.5 },
			wantErr: "temperature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearProviderEnv(t)
			cfg := &Config{}
			cfg.SetDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearProviderEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "sage.yaml")
	content := `
llm:
  provider: ollama
  model: llama3.2
retrieval:
  top_k: 5
  hybrid_alpha: 0.7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "llama3.2", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.7, cfg.Retrieval.HybridAlpha)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	clearProviderEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "sage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: nope\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
