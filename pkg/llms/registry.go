package llms

import (
	"fmt"
	"time"

	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/registry"
)

// ProviderRegistry holds the configured LLM providers by name, plus the
// default one selected from config.
type ProviderRegistry struct {
	*registry.BaseRegistry[LLMProvider]
	defaultName string
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[LLMProvider](),
	}
}

// NewProviderFromConfig constructs a single provider of the requested type.
func NewProviderFromConfig(providerType config.Provider, cfg *config.LLMConfig, timeout time.Duration) (LLMProvider, error) {
	switch providerType {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg, timeout)
	case config.ProviderGemini:
		return NewGeminiProvider(cfg, timeout)
	case config.ProviderOllama:
		return NewOllamaProvider(cfg, timeout)
	case config.ProviderDeepSeek:
		return NewDeepSeekProvider(cfg, timeout)
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", providerType)
	}
}

// BuildRegistry creates every provider the configuration has credentials
// for and marks the configured provider as default. At least the default
// must be constructible.
func BuildRegistry(cfg *config.LLMConfig, timeout time.Duration) (*ProviderRegistry, error) {
	r := NewProviderRegistry()

	for _, providerType := range []config.Provider{
		config.ProviderOpenAI,
		config.ProviderGemini,
		config.ProviderOllama,
		config.ProviderDeepSeek,
	} {
		provider, err := NewProviderFromConfig(providerType, cfg, timeout)
		if err != nil {
			if providerType == cfg.Provider {
				return nil, fmt.Errorf("failed to create default provider %s: %w", providerType, err)
			}
			continue
		}
		if err := r.Register(string(providerType), provider); err != nil {
			return nil, err
		}
	}

	r.defaultName = string(cfg.Provider)
	if _, ok := r.Get(r.defaultName); !ok {
		return nil, fmt.Errorf("default provider %q was not registered", r.defaultName)
	}
	return r, nil
}

// SetDefault marks an already registered provider as the default backend.
func (r *ProviderRegistry) SetDefault(name string) error {
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("provider %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// Default returns the provider configured as the default backend.
func (r *ProviderRegistry) Default() LLMProvider {
	provider, _ := r.Get(r.defaultName)
	return provider
}

// Select returns the named provider, or the default when name is empty.
func (r *ProviderRegistry) Select(name string) (LLMProvider, error) {
	if name == "" {
		return r.Default(), nil
	}
	provider, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q (registered: %v)", name, r.Names())
	}
	return provider, nil
}

// Close shuts down every registered provider.
func (r *ProviderRegistry) Close() error {
	var firstErr error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
