package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/httpclient"
)

const geminiEmbedBaseURL = "https://generativelanguage.googleapis.com"

// GeminiEmbedder calls the Gemini batchEmbedContents endpoint.
type GeminiEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *httpclient.Client
}

type geminiEmbedContent struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiEmbedItem struct {
	Model   string             `json:"model"`
	Content geminiEmbedContent `json:"content"`
}

type geminiEmbedRequest struct {
	Requests []geminiEmbedItem `json:"requests"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGeminiEmbedder(cfg *config.EmbedderConfig) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiEmbedBaseURL
	}

	return &GeminiEmbedder{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpclient.New(httpclient.WithMaxRetries(3)),
	}, nil
}

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := geminiEmbedRequest{Requests: make([]geminiEmbedItem, len(texts))}
	for i, text := range texts {
		item := geminiEmbedItem{Model: "models/" + e.model}
		item.Content.Parts = append(item.Content.Parts, struct {
			Text string `json:"text"`
		}{Text: text})
		request.Requests[i] = item
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Gemini embed API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response geminiEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("Gemini embed API error: %s", response.Error.Message)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Gemini returned %d vectors for %d inputs", len(response.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, item := range response.Embeddings {
		vectors[i] = item.Values
	}
	return vectors, nil
}

func (e *GeminiEmbedder) Dimensions() int {
	return 768
}

func (e *GeminiEmbedder) GetModelName() string {
	return e.model
}
