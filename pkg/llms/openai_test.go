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

func openAITestConfig(baseURL string) *config.LLMConfig {
	return &config.LLMConfig{
		Provider:      config.ProviderOpenAI,
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     256,
		OpenAIAPIKey:  "sk-test",
		OpenAIBaseURL: baseURL,
	}
}

func TestOpenAIComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "the capital is Paris"}},
			},
			"usage": map[string]int{"total_tokens": 12},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	text, err := provider.Complete(context.Background(), "What is the capital of France?", Options{})
	require.NoError(t, err)
	assert.Equal(t, "the capital is Paris", text)
}

func TestOpenAIComplete_AuthErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	_, err = provider.Complete(context.Background(), "hi", Options{})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeAuth, perr.Code)
	assert.Equal(t, "openai", perr.Provider)
}

func TestOpenAIComplete_UnreachableClassified(t *testing.T) {
	provider, err := NewOpenAIProvider(openAITestConfig("http://127.0.0.1:1"), time.Second)
	require.NoError(t, err)

	_, err = provider.Complete(context.Background(), "hi", Options{})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeUnreachable, perr.Code)
}

func TestOpenAIComplete_EmptyChoicesIsBadResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	_, err = provider.Complete(context.Background(), "hi", Options{})
	require.Error(t, err)

	perr, ok := AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeBadResponse, perr.Code)
}

func TestOpenAIStreamComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, token := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", token)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	ch, err := provider.StreamComplete(context.Background(), "hi", Options{})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for chunk := range ch {
		switch chunk.Type {
		case ChunkTypeText:
			assert.False(t, sawDone, "text after done")
			text += chunk.Text
		case ChunkTypeDone:
			sawDone = true
		case ChunkTypeError:
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
	}

	assert.True(t, sawDone)
	assert.Equal(t, "Hello world", text)
}

func TestOpenAIStreamComplete_ErrorChunkOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(openAITestConfig(server.URL), 10*time.Second)
	require.NoError(t, err)

	ch, err := provider.StreamComplete(context.Background(), "hi", Options{})
	require.NoError(t, err)

	var last StreamChunk
	for chunk := range ch {
		last = chunk
	}
	assert.Equal(t, ChunkTypeError, last.Type)
	require.Error(t, last.Error)

	perr, ok := AsProviderError(last.Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeAuth, perr.Code)
}

func TestDeepSeekProviderUsesOwnCredentials(t *testing.T) {
	cfg := &config.LLMConfig{
		Provider:        config.ProviderDeepSeek,
		Model:           "deepseek-chat",
		DeepSeekAPIKey:  "ds-key",
		DeepSeekBaseURL: "https://api.deepseek.com/v1",
	}

	provider, err := NewDeepSeekProvider(cfg, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "deepseek", provider.name)
	assert.Equal(t, "ds-key", provider.apiKey)
	assert.Equal(t, "https://api.deepseek.com/v1", provider.baseURL)

	cfg.DeepSeekAPIKey = ""
	_, err = NewDeepSeekProvider(cfg, 10*time.Second)
	assert.Error(t, err)
}
