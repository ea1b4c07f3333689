package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sagekb/sage/pkg/observability"
	"github.com/sagekb/sage/pkg/registry"
	"github.com/sagekb/sage/pkg/retriever"
)

// Result is what a tool hands back to the agent. Content becomes the
// observation text; Sources carries retrieval hits for the stream layer;
// Data carries the tool's structured records (search results, scored
// passages) for clients that want more than the rendered text.
type Result struct {
	Content string
	Sources []retriever.Passage
	Data    []map[string]any
}

// Tool is a single capability the agent can invoke. Input is the raw action
// input string from the model; tools that want structure parse it themselves.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input string) (*Result, error)
}

// Info describes a tool for listings and prompts.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry holds the tools available to agents and wraps every execution
// with a timeout, a trace span, and metrics.
type Registry struct {
	*registry.BaseRegistry[Tool]
	timeout time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
		timeout:      timeout,
	}
}

func (r *Registry) RegisterTool(t Tool) error {
	return r.Register(t.Name(), t)
}

// Infos returns the registered tools sorted by name.
func (r *Registry) Infos() []Info {
	names := r.Names()
	infos := make([]Info, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			infos = append(infos, Info{Name: t.Name(), Description: t.Description()})
		}
	}
	return infos
}

// PromptList formats the registry for the system prompt.
func (r *Registry) PromptList() string {
	var sb strings.Builder
	for _, info := range r.Infos() {
		fmt.Fprintf(&sb, "- %s: %s\n", info.Name, info.Description)
	}
	return sb.String()
}

// ErrUnknownTool reports a request for a tool that is not registered. The
// message lists what is available so the model can self-correct.
type ErrUnknownTool struct {
	Name      string
	Available []string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("unknown tool %q. Available tools: %s", e.Name, strings.Join(e.Available, ", "))
}

// ExecuteTool runs a registered tool under the configured timeout.
func (r *Registry) ExecuteTool(ctx context.Context, name, input string) (*Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, &ErrUnknownTool{Name: name, Available: r.Names()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tracer := observability.GetTracer("tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution)
	span.SetAttributes(
		attribute.String(observability.AttrToolName, name),
		attribute.Int("input_length", len(input)),
	)
	defer span.End()

	start := time.Now()
	result, err := tool.Execute(ctx, input)
	observability.GetGlobalMetrics().RecordToolCall(ctx, name, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}
