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

// OllamaProvider implements LLMProvider for a local Ollama server. Ollama
// streams newline-delimited JSON rather than SSE.
type OllamaProvider struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *httpclient.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func NewOllamaProvider(cfg *config.LLMConfig, timeout time.Duration) (*OllamaProvider, error) {
	baseURL := cfg.OllamaBaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithNoRetry(),
		),
	}, nil
}

func (p *OllamaProvider) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("sage.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.String(observability.AttrLLMProvider, "ollama"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	body, err := p.post(ctx, p.buildRequest(prompt, opts, false))
	duration := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, err)
		return "", err
	}

	var response ollamaResponse
	if err := json.Unmarshal(body, &response); err != nil {
		perr := badResponseError("ollama", "failed to decode response", err)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}
	if response.Error != "" {
		perr := badResponseError("ollama", response.Error, nil)
		observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, 0, perr)
		return "", perr
	}

	tokens := response.PromptEvalCount + response.EvalCount
	span.SetStatus(codes.Ok, "success")
	observability.GetGlobalMetrics().RecordLLMCall(ctx, p.model, duration, tokens, nil)

	return response.Message.Content, nil
}

func (p *OllamaProvider) StreamComplete(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
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

func (p *OllamaProvider) GetModelName() string {
	return p.model
}

func (p *OllamaProvider) Close() error {
	return nil
}

func (p *OllamaProvider) buildRequest(prompt string, opts Options, stream bool) ollamaRequest {
	temperature := p.temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	return ollamaRequest{
		Model:    p.model,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
		Stream:   stream,
		Options: &ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
			Stop:        opts.Stop,
		},
	}
}

func (p *OllamaProvider) newHTTPRequest(ctx context.Context, request ollamaRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (p *OllamaProvider) post(ctx context.Context, request ollamaRequest) ([]byte, error) {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return nil, classifyTransportError("ollama", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatusError("ollama", resp.StatusCode, string(body))
	}
	return body, nil
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request ollamaRequest, outputCh chan<- StreamChunk) error {
	req, err := p.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil && resp == nil {
		return classifyTransportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatusError("ollama", resp.StatusCode, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return classifyTransportError("ollama", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return badResponseError("ollama", chunk.Error, nil)
		}

		if chunk.Message.Content != "" {
			select {
			case outputCh <- StreamChunk{Type: ChunkTypeText, Text: chunk.Message.Content}:
			case <-ctx.Done():
				return classifyTransportError("ollama", ctx.Err())
			}
		}

		if chunk.Done {
			outputCh <- StreamChunk{
				Type:   ChunkTypeDone,
				Tokens: chunk.PromptEvalCount + chunk.EvalCount,
			}
			return nil
		}
	}

	outputCh <- StreamChunk{Type: ChunkTypeDone}
	return nil
}
