package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service-wide instruments. Updated on every LLM call,
// tool dispatch, retrieval, and stream.
type Metrics struct {
	llmDuration     metric.Float64Histogram
	llmCalls        metric.Int64Counter
	llmErrors       metric.Int64Counter
	llmTokens       metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	retrievals      metric.Int64Counter
	retrievalHits   metric.Int64Histogram
	streamsActive   metric.Int64UpDownCounter
	agentIterations metric.Int64Histogram
}

var (
	globalMu      sync.RWMutex
	globalMetrics *Metrics
	promRegistry  = promclient.NewRegistry()
)

// InitMetrics wires the otel meter to a Prometheus exporter and registers
// all instruments. Safe to call once at startup.
func InitMetrics() (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(promRegistry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("sage")

	m := &Metrics{}

	if m.llmDuration, err = meter.Float64Histogram(
		"sage_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.llmCalls, err = meter.Int64Counter(
		"sage_llm_calls_total",
		metric.WithDescription("Total LLM calls"),
	); err != nil {
		return nil, err
	}
	if m.llmErrors, err = meter.Int64Counter(
		"sage_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, err
	}
	if m.llmTokens, err = meter.Int64Counter(
		"sage_llm_tokens_total",
		metric.WithDescription("Total tokens reported by LLM backends"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"sage_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(
		"sage_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"sage_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, err
	}
	if m.retrievals, err = meter.Int64Counter(
		"sage_retrievals_total",
		metric.WithDescription("Total retrieval queries"),
	); err != nil {
		return nil, err
	}
	if m.retrievalHits, err = meter.Int64Histogram(
		"sage_retrieval_hits",
		metric.WithDescription("Passages returned per retrieval"),
	); err != nil {
		return nil, err
	}
	if m.streamsActive, err = meter.Int64UpDownCounter(
		"sage_streams_active",
		metric.WithDescription("SSE streams currently open"),
	); err != nil {
		return nil, err
	}
	if m.agentIterations, err = meter.Int64Histogram(
		"sage_agent_iterations",
		metric.WithDescription("Iterations used per agent run"),
	); err != nil {
		return nil, err
	}

	globalMu.Lock()
	globalMetrics = m
	globalMu.Unlock()

	return m, nil
}

// GetGlobalMetrics returns the shared instruments, or nil before InitMetrics.
func GetGlobalMetrics() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, tokens int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrLLMModel, model))
	m.llmCalls.Add(ctx, 1, attrs)
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String(AttrToolName, tool))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordRetrieval(ctx context.Context, method string, hits int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("retrieval.method", method))
	m.retrievals.Add(ctx, 1, attrs)
	m.retrievalHits.Record(ctx, int64(hits), attrs)
}

func (m *Metrics) StreamOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamsActive.Add(ctx, 1)
}

func (m *Metrics) StreamClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamsActive.Add(ctx, -1)
}

func (m *Metrics) RecordAgentRun(ctx context.Context, iterations int) {
	if m == nil {
		return
	}
	m.agentIterations.Record(ctx, int64(iterations))
}
