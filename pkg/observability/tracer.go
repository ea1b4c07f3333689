package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrLLMModel    = "llm.model"
	AttrLLMProvider = "llm.provider"
	AttrToolName    = "tool.name"
	AttrQueryMode   = "query.mode"

	SpanLLMRequest    = "sage.llm_request"
	SpanToolExecution = "sage.tool_execution"
	SpanRetrieval     = "sage.retrieval"
	SpanAgentRun      = "sage.agent_run"
)

// GetTracer returns a named tracer from the global provider. Callers get a
// noop tracer when no SDK provider was installed, so tracing calls are
// always safe.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
