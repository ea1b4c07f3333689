package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sagekb/sage/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ollamaTestConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:      config.ProviderOllama,
		Model:         "llama3.2",
		Temperature:   0.7,
		MaxTokens:     256,
		OllamaBaseURL: baseURL,
	}
}

func TestOllamaComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.False(t, req.Stream)

		json.NewEncoder(w).Encode(ollamaResponse{
			Message:         ollamaMessage{Role: "assistant", Content: "local answer"},
			Done:            true,
			PromptEvalCount: 5,
			EvalCount:       7,
		})
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	text, err := provider.Complete(context.Background(), "hi", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local answer", text)
}

func TestOllamaComplete_APIErrorIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{Error: "model not found"})
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	_, err = provider.Complete(context.Background(), "hi", Options{})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeBadResponse, perr.Code)
	assert.Contains(t, perr.Message, "model not found")
}

func TestOllamaStreamComplete_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunks := []ollamaResponse{
			{Message: ollamaMessage{Content: "one "}},
			{Message: ollamaMessage{Content: "two"}},
			{Done: true, PromptEvalCount: 3, EvalCount: 4},
		}
		enc := json.NewEncoder(w)
		for _, chunk := range chunks {
			enc.Encode(chunk)
			fmt.Fprintln(w)
		}
	}))
	defer server.Close()

	provider, err := NewOllamaProvider(ollamaTestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	ch, err := provider.StreamComplete(context.Background(), "hi", Options{})
	require.NoError(t, err)

	var text string
	var doneTokens int
	for chunk := range ch {
		switch chunk.Type {
		case ChunkTypeText:
			text += chunk.Text
		case ChunkTypeDone:
			doneTokens = chunk.Tokens
		case ChunkTypeError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	assert.Equal(t, "one two", text)
	assert.Equal(t, 7, doneTokens)
}

func TestOllamaDefaultBaseURL(t *testing.T) {
	provider, err := NewOllamaProvider(&config.LLMConfig{Model: "llama3.2"}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", provider.baseURL)
}
