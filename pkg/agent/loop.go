package agent

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/observability"
	"github.com/sagekb/sage/pkg/tools"
)

// budgetExhaustedAnswer is the canonical fallback when the loop runs out of
// iterations without a final answer and no partial thought is usable.
const budgetExhaustedAnswer = "I was unable to reach a final answer within the allotted reasoning steps. " +
	"Try rephrasing the question or asking something more specific."

// Config shapes one agent run.
type Config struct {
	MaxIterations int
	Reflection    bool
	Planning      bool
	Persona       string
}

// Loop is the bounded ReAct engine. One Loop value is safe for concurrent
// runs; all per-run state lives on the stack of Run.
type Loop struct {
	provider llms.LLMProvider
	registry *tools.Registry
	cfg      Config
	opts     llms.Options
	log      *slog.Logger
}

func NewLoop(provider llms.LLMProvider, registry *tools.Registry, cfg Config, opts llms.Options) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	return &Loop{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		opts:     opts,
		log:      logger.Component("agent"),
	}
}

// Run executes the ReAct schedule until a final answer, budget exhaustion,
// or a provider error. Provider errors are returned to the caller, which
// owns the terminal error event; tool failures are fed back as observations
// and never abort the run.
func (l *Loop) Run(ctx context.Context, question, history string, emit Emitter) (*Result, error) {
	tracer := observability.GetTracer("agent")
	ctx, span := tracer.Start(ctx, observability.SpanAgentRun)
	span.SetAttributes(attribute.Int("max_iterations", l.cfg.MaxIterations))
	defer span.End()

	toolList := l.registry.PromptList()

	var plan string
	if l.cfg.Planning {
		reply, err := l.provider.Complete(ctx, buildPlanningPrompt(question, toolList), l.opts)
		if err != nil {
			// Planning is an enrichment; a failed plan falls back to
			// plain ReAct. A dead provider will surface on iteration 1.
			l.log.Warn("planning pass failed", "error", err)
		} else {
			plan = parsePlan(reply)
		}
	}

	startData := map[string]any{"question": question}
	if plan != "" {
		startData["plan"] = plan
	}
	emit(Event{Type: EventStart, Data: startData})

	// The stop sequence keeps the model from hallucinating its own
	// observations.
	opts := l.opts
	opts.Stop = append(append([]string{}, opts.Stop...), markerObs)

	state := newRunState()
	iterations := 0
	defer func() {
		observability.GetGlobalMetrics().RecordAgentRun(ctx, iterations)
	}()

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		iterations = iter
		emit(Event{Type: EventIteration, Data: map[string]any{"iteration": iter}, Step: iter})
		emit(Event{Type: EventThinkingStart, Step: iter})

		text, finalStreamed, err := l.streamTurn(ctx, buildPrompt(l.cfg.Persona, toolList, plan, history, question, state.guidance, state.steps), opts, iter, emit)
		if err != nil {
			return nil, err
		}

		comp := ParseCompletion(text)

		switch {
		case comp.HasFinal:
			state.steps = append(state.steps, Step{Step: iter, Thought: comp.Thought})
			answer := comp.FinalAnswer
			if answer == "" {
				answer = llms.RefusalAnswer
			}
			if !finalStreamed {
				emit(Event{Type: EventThinkingEnd, Data: comp.Thought, Step: iter})
				emit(Event{Type: EventAnswerStart, Step: iter})
				emit(Event{Type: EventAnswerToken, Data: answer, Step: iter})
			}
			l.finish(emit, state, answer)
			return l.result(state, answer, false), nil

		case comp.HasAction:
			emit(Event{Type: EventThinkingEnd, Data: comp.Thought, Step: iter})
			if err := l.runAction(ctx, comp, iter, state, emit); err != nil {
				return nil, err
			}
			if l.cfg.Reflection && iter >= l.cfg.MaxIterations/2 {
				if err := l.reflect(ctx, question, iter, state, emit); err != nil {
					return nil, err
				}
			}

		default:
			// No marker at all: the buffered text is the answer.
			emit(Event{Type: EventThinkingEnd, Data: comp.Thought, Step: iter})
			answer := comp.Thought
			if answer == "" {
				answer = llms.RefusalAnswer
			}
			state.steps = append(state.steps, Step{Step: iter, Thought: comp.Thought})
			emit(Event{Type: EventAnswerStart, Step: iter})
			emit(Event{Type: EventAnswerToken, Data: answer, Step: iter})
			l.finish(emit, state, answer)
			return l.result(state, answer, false), nil
		}
	}

	answer := state.lastThought()
	if answer == "" {
		answer = budgetExhaustedAnswer
	}
	l.log.Info("iteration budget exhausted", "iterations", l.cfg.MaxIterations)
	l.finish(emit, state, answer)
	return l.result(state, answer, true), nil
}

// streamTurn consumes one model turn. Once a Final Answer marker shows up
// mid-stream, thinking_end/answer_start are emitted immediately and the tail
// of the stream is forwarded token by token.
func (l *Loop) streamTurn(ctx context.Context, prompt string, opts llms.Options, iter int, emit Emitter) (string, bool, error) {
	stream, err := l.provider.StreamComplete(ctx, prompt, opts)
	if err != nil {
		return "", false, err
	}

	var buf strings.Builder
	finalStarted := false
	sent := 0

	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkTypeError:
			return "", finalStarted, chunk.Error
		case llms.ChunkTypeText:
			buf.WriteString(chunk.Text)
			if !finalStarted {
				if idx := finalMarkerIndex(buf.String()); idx >= 0 {
					finalStarted = true
					thought := strings.TrimSpace(buf.String()[:idx])
					emit(Event{Type: EventThinkingEnd, Data: thought, Step: iter})
					emit(Event{Type: EventAnswerStart, Step: iter})
					sent = idx + len(markerFinal)
				}
			}
			if finalStarted && buf.Len() > sent {
				emit(Event{Type: EventAnswerToken, Data: buf.String()[sent:], Step: iter})
				sent = buf.Len()
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", finalStarted, err
	}
	return buf.String(), finalStarted, nil
}

// runAction dispatches one tool call, reusing the cached observation when
// the model repeats itself.
func (l *Loop) runAction(ctx context.Context, comp Completion, iter int, state *runState, emit Emitter) error {
	emit(Event{Type: EventAction, Data: map[string]any{"tool": comp.Tool, "input": comp.ToolInput}, Step: iter})

	key := comp.Tool + "\x00" + comp.ToolInput
	obs, cached := state.obsCache[key]
	if !cached {
		result, err := l.registry.ExecuteTool(ctx, comp.Tool, comp.ToolInput)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			obs = cachedObservation{text: "Error: " + err.Error()}
		default:
			obs = cachedObservation{text: result.Content, data: result.Data, sources: result.Sources}
			state.markToolUsed(comp.Tool)
			state.sources = append(state.sources, result.Sources...)
		}
		state.obsCache[key] = obs
	}

	obsData := map[string]any{"observation": obs.text}
	if len(obs.data) > 0 {
		obsData["data"] = obs.data
	}
	if len(obs.sources) > 0 {
		obsData["sources"] = obs.sources
	}
	emit(Event{Type: EventObservation, Data: obsData, Step: iter})

	state.steps = append(state.steps, Step{
		Step:            iter,
		Thought:         comp.Thought,
		Tool:            comp.Tool,
		ToolInput:       comp.ToolInput,
		Observation:     obs.text,
		ObservationData: obs.data,
	})
	return nil
}

func (l *Loop) reflect(ctx context.Context, question string, iter int, state *runState, emit Emitter) error {
	emit(Event{Type: EventReflecting, Step: iter})

	reply, err := l.provider.Complete(ctx, buildReflectionPrompt(question, state.steps), l.opts)
	if err != nil {
		return err
	}
	approved, advice := parseReflection(reply)
	emit(Event{Type: EventReflectionResult, Data: map[string]any{"approved": approved, "advice": advice}, Step: iter})
	if !approved {
		state.guidance = advice
	}
	return nil
}

func (l *Loop) finish(emit Emitter, state *runState, answer string) {
	emit(Event{Type: EventMeta, Data: map[string]any{"tools_used": state.toolsUsed}})
	emit(Event{Type: EventDone, Data: answer})
}

func (l *Loop) result(state *runState, answer string, exhausted bool) *Result {
	return &Result{
		Answer:          answer,
		Steps:           state.steps,
		ToolsUsed:       state.toolsUsed,
		Sources:         state.sources,
		BudgetExhausted: exhausted,
	}
}
