package llms

import (
	"context"
)

// Options tunes a single completion call. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	Stop        []string
}

const (
	ChunkTypeText  = "text"
	ChunkTypeDone  = "done"
	ChunkTypeError = "error"
)

// StreamChunk is one element of a streamed completion. The producer closes
// the channel after sending either a done or an error chunk.
type StreamChunk struct {
	Type   string
	Text   string
	Tokens int
	Error  error
}

// LLMProvider is the uniform interface over chat backends.
type LLMProvider interface {
	// Complete returns the full response text for a prompt.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)

	// StreamComplete yields response tokens in backend-native granularity.
	// The returned channel is always closed; errors arrive as a terminal
	// error chunk.
	StreamComplete(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error)

	GetModelName() string

	Close() error
}
