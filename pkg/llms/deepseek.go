package llms

import (
	"fmt"
	"time"

	"github.com/sagekb/sage/pkg/config"
)

// NewDeepSeekProvider returns a provider for the DeepSeek API, which speaks
// the chat-completions wire format with its own endpoint and credentials.
func NewDeepSeekProvider(cfg *config.LLMConfig, timeout time.Duration) (*OpenAIProvider, error) {
	if cfg.DeepSeekAPIKey == "" {
		return nil, fmt.Errorf("deepseek: API key is required")
	}
	return newOpenAICompatible("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, cfg, timeout), nil
}
