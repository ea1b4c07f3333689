package embedders

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"
	"github.com/sagekb/sage/pkg/config"
)

// Embedder converts texts into dense vectors. Implementations batch
// internally where the backend supports it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	GetModelName() string
}

// NewFromConfig builds the embedder the configuration selects.
func NewFromConfig(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, config.ProviderDeepSeek:
		// DeepSeek has no embeddings API; openai-compatible endpoints
		// configured via base_url cover that deployment style.
		return NewOpenAIEmbedder(cfg)
	case config.ProviderGemini:
		return NewGeminiEmbedder(cfg)
	case config.ProviderOllama:
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}

// ChromemFunc adapts an Embedder to chromem's per-document callback.
func ChromemFunc(e Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := e.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("embedder returned no vectors")
		}
		return vectors[0], nil
	}
}
