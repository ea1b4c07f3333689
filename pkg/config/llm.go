package config

import (
	"fmt"
	"os"
)

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderGemini   Provider = "gemini"
	ProviderOllama   Provider = "ollama"
	ProviderDeepSeek Provider = "deepseek"
)

// LLMConfig configures the default chat backend.
type LLMConfig struct {
	// Provider type (openai, gemini, ollama, deepseek).
	Provider Provider `yaml:"provider"`

	// Model name (e.g. "gpt-4o-mini", "gemini-2.0-flash").
	Model string `yaml:"model"`

	// Temperature for generation (0.0 - 2.0).
	Temperature float64 `yaml:"temperature"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens"`

	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`

	GeminiAPIKey string `yaml:"gemini_api_key"`

	DeepSeekAPIKey  string `yaml:"deepseek_api_key"`
	DeepSeekBaseURL string `yaml:"deepseek_base_url"`

	OllamaBaseURL string `yaml:"ollama_base_url"`
	OllamaModel   string `yaml:"ollama_model"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case ProviderOpenAI:
			c.Model = "gpt-4o-mini"
		case ProviderGemini:
			c.Model = "gemini-2.0-flash"
		case ProviderDeepSeek:
			c.Model = "deepseek-chat"
		case ProviderOllama:
			c.Model = c.OllamaModel
			if c.Model == "" {
				c.Model = "gemma3:4b"
			}
		}
	}

	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1000
	}

	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if c.DeepSeekBaseURL == "" {
		c.DeepSeekBaseURL = "https://api.deepseek.com/v1"
	}
	if c.OllamaBaseURL == "" {
		c.OllamaBaseURL = "http://localhost:11434"
	}
	if c.OllamaModel == "" {
		c.OllamaModel = "gemma3:4b"
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini, ProviderOllama, ProviderDeepSeek:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, gemini, ollama, deepseek)", c.Provider)
	}

	// Ollama is the only backend that does not need credentials.
	if c.Provider != ProviderOllama && c.apiKeyFor(c.Provider) == "" {
		return fmt.Errorf("an API key is required for provider %q", c.Provider)
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1")
	}
	return nil
}

func (c *LLMConfig) apiKeyFor(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	case ProviderDeepSeek:
		return c.DeepSeekAPIKey
	default:
		return ""
	}
}

func (c *LLMConfig) baseURLFor(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return c.OpenAIBaseURL
	case ProviderDeepSeek:
		return c.DeepSeekBaseURL
	case ProviderOllama:
		return c.OllamaBaseURL
	default:
		return ""
	}
}

// detectProviderFromEnv picks a provider based on which API keys are set.
// Ollama is the fallback because it needs no credentials.
func detectProviderFromEnv() Provider {
	if os.Getenv("GEMINI_API_KEY") != "" {
		return ProviderGemini
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	if os.Getenv("DEEPSEEK_API_KEY") != "" {
		return ProviderDeepSeek
	}
	return ProviderOllama
}
