package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/httpclient"
	"github.com/sagekb/sage/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIProvider talks to any chat-completions-compatible endpoint. It also
// backs the DeepSeek provider, which speaks the same wire format.
type OpenAIProvider struct {
	name        string
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *httpclient.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func NewOpenAIProvider(cfg *config.LLMConfig, timeout time.Duration) (*OpenAIProvider, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	return newOpenAICompatible("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg, timeout), nil
}

func newOpenAICompatible(name, apiKey, baseURL string, cfg *config.LLMConfig, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		name:        name,
		apiKey:      apiKey,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithNoRetry(),
		),
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("sage.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.String(observability.AttrLLMProvider, p.name),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	body, err := p.makeRequest(ctx, p.buildRequest(prompt, opts, false))
	duration := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, err)
		return "", err
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		perr := badResponseError(p.name, "failed to decode response", err)
		span.RecordError(perr)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}
	if response.Error != nil {
		perr := badResponseError(p.name, response.Error.Message, nil)
		span.RecordError(perr)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}
	if len(response.Choices) == 0 {
		perr := badResponseError(p.name, "response contained no choices", nil)
		span.RecordError(perr)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}

	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, response.Usage.TotalTokens, nil)

	return response.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) StreamComplete(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	request := p.buildRequest(prompt, opts, true)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkTypeError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) GetModelName() string {
	return p.model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(prompt string, opts Options, stream bool) openAIRequest {
	temperature := p.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	return openAIRequest{
		Model:       p.model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stop:        opts.Stop,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) newHTTPRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) ([]byte, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, classifyTransportError(p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError(p.name, resp.StatusCode, string(body))
	}
	return body, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return classifyTransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatusError(p.name, resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			outputCh <- StreamChunk{Type: ChunkTypeDone}
			return nil
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return badResponseError(p.name, chunk.Error.Message, nil)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if text := chunk.Choices[0].Delta.Content; text != "" {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeText, Text: text}:
			case <-ctx.Done():
				return classifyTransportError(p.name, ctx.Err())
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return classifyTransportError(p.name, err)
	}

	// Stream ended without the [DONE] sentinel; treat it as complete.
	outputCh <- StreamChunk{Type: ChunkTypeDone}
	return nil
}
