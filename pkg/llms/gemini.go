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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiProvider implements LLMProvider for the Google Gemini API.
type GeminiProvider struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *httpclient.Client
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64  `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func NewGeminiProvider(cfg *config.LLMConfig, timeout time.Duration) (*GeminiProvider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	return &GeminiProvider{
		apiKey:      cfg.GeminiAPIKey,
		baseURL:     defaultGeminiBaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithNoRetry(),
		),
	}, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("sage.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.String(observability.AttrLLMProvider, "gemini"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)

	body, err := p.post(ctx, url, p.buildRequest(prompt, opts))
	duration := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, err)
		return "", err
	}

	var response geminiResponse
	if err := json.Unmarshal(body, &response); err != nil {
		perr := badResponseError("gemini", "failed to decode response", err)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}
	if response.Error != nil {
		perr := badResponseError("gemini", response.Error.Message, nil)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}
	if len(response.Candidates) == 0 {
		perr := badResponseError("gemini", "response contained no candidates", nil)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, response.UsageMetadata.TotalTokenCount, nil)

	return text.String(), nil
}

func (p *GeminiProvider) StreamComplete(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	request := p.buildRequest(prompt, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: ChunkTypeError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *GeminiProvider) GetModelName() string {
	return p.model
}

func (p *GeminiProvider) Close() error {
	return nil
}

func (p *GeminiProvider) buildRequest(prompt string, opts Options) geminiRequest {
	temperature := p.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	return geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
			StopSequences:   opts.Stop,
		},
	}
}

func (p *GeminiProvider) post(ctx context.Context, url string, request geminiRequest) ([]byte, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, classifyTransportError("gemini", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError("gemini", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError("gemini", resp.StatusCode, string(body))
	}
	return body, nil
}

func (p *GeminiProvider) makeStreamingRequest(ctx context.Context, request geminiRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, p.model, p.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return classifyTransportError("gemini", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatusError("gemini", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var totalTokens int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return badResponseError("gemini", chunk.Error.Message, nil)
		}
		if chunk.UsageMetadata.TotalTokenCount > 0 {
			totalTokens = chunk.UsageMetadata.TotalTokenCount
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text == "" {
				continue
			}
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeText, Text: part.Text}:
			case <-ctx.Done():
				return classifyTransportError("gemini", ctx.Err())
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return classifyTransportError("gemini", err)
	}

	outputCh <- StreamChunk{Type: ChunkTypeDone, Tokens: totalTokens}
	return nil
}
