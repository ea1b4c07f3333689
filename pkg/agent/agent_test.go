package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/retriever"
	"github.com/sagekb/sage/pkg/tools"
)

// mockProvider replays scripted turns. The last reply repeats once the
// script runs out, which is how an always-acting model is expressed.
type mockProvider struct {
	mu          sync.Mutex
	replies     []string
	reflections []string
	streamCalls int
	streamErr   error
	completeErr error
}

func (m *mockProvider) Complete(ctx context.Context, prompt string, opts llms.Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return "", m.completeErr
	}
	if len(m.reflections) == 0 {
		return "APPROVED", nil
	}
	reply := m.reflections[0]
	if len(m.reflections) > 1 {
		m.reflections = m.reflections[1:]
	}
	return reply, nil
}

func (m *mockProvider) StreamComplete(ctx context.Context, prompt string, opts llms.Options) (<-chan llms.StreamChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamErr != nil {
		return nil, m.streamErr
	}

	idx := m.streamCalls
	if idx >= len(m.replies) {
		idx = len(m.replies) - 1
	}
	m.streamCalls++
	reply := m.replies[idx]

	ch := make(chan llms.StreamChunk, 100)
	go func() {
		defer close(ch)
		// Small chunks so marker detection across chunk boundaries gets
		// exercised.
		for len(reply) > 0 {
			n := 7
			if n > len(reply) {
				n = len(reply)
			}
			ch <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: reply[:n]}
			reply = reply[n:]
		}
		ch <- llms.StreamChunk{Type: llms.ChunkTypeDone}
	}()
	return ch, nil
}

func (m *mockProvider) GetModelName() string { return "mock" }
func (m *mockProvider) Close() error         { return nil }

// countingTool records invocations.
type countingTool struct {
	mu      sync.Mutex
	name    string
	calls   int
	content string
	sources []retriever.Passage
	data    []map[string]any
	err     error
}

func (t *countingTool) Name() string        { return t.name }
func (t *countingTool) Description() string { return "test tool" }

func (t *countingTool) Execute(ctx context.Context, input string) (*tools.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	return &tools.Result{Content: t.content, Sources: t.sources, Data: t.data}, nil
}

func newTestRegistry(t *testing.T, tls ...tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(time.Second)
	for _, tool := range tls {
		require.NoError(t, reg.RegisterTool(tool))
	}
	return reg
}

func collectEvents() (Emitter, *[]Event) {
	var events []Event
	return func(e Event) { events = append(events, e) }, &events
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Completion
	}{
		{
			name: "action with input",
			in:   "I should search the knowledge base.\nAction: knowledge_retrieve\nAction Input: deep learning",
			want: Completion{Thought: "I should search the knowledge base.", Tool: "knowledge_retrieve", ToolInput: "deep learning", HasAction: true},
		},
		{
			name: "final answer greedy to end",
			in:   "I know enough.\nFinal Answer: It is 42.\nBecause of the context.",
			want: Completion{Thought: "I know enough.", FinalAnswer: "It is 42.\nBecause of the context.", HasFinal: true},
		},
		{
			name: "thought label stripped",
			in:   "Thought: plain reasoning\nFinal Answer: done",
			want: Completion{Thought: "plain reasoning", FinalAnswer: "done", HasFinal: true},
		},
		{
			name: "no markers",
			in:   "Just some text.",
			want: Completion{Thought: "Just some text."},
		},
		{
			name: "input stops at observation",
			in:   "Action: file_read\nAction Input: notes.md\nObservation: hallucinated",
			want: Completion{Tool: "file_read", ToolInput: "notes.md", HasAction: true},
		},
		{
			name: "json quoted input unwrapped",
			in:   "Action: web_search\nAction Input: \"golang news\"",
			want: Completion{Tool: "web_search", ToolInput: "golang news", HasAction: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCompletion(tt.in))
		})
	}
}

func TestLoop_BoundedRun(t *testing.T) {
	provider := &mockProvider{replies: []string{"Action: knowledge_retrieve\nAction Input: x"}}
	tool := &countingTool{name: "knowledge_retrieve", content: "some passages"}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 3}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "question", "", emit)
	require.NoError(t, err)

	actions := eventsOfType(*events, EventAction)
	assert.Len(t, actions, 3, "exactly one action event per iteration")

	last := (*events)[len(*events)-1]
	assert.Equal(t, EventDone, last.Type, "done has no successor")
	assert.Equal(t, budgetExhaustedAnswer, last.Data)

	assert.True(t, result.BudgetExhausted)
	assert.Equal(t, budgetExhaustedAnswer, result.Answer)
	assert.LessOrEqual(t, len(result.Steps), 3)

	// Identical (tool, input) pairs reuse the cached observation.
	assert.Equal(t, 1, tool.calls)
}

func TestLoop_FinalAnswer(t *testing.T) {
	provider := &mockProvider{replies: []string{
		"I should look this up.\nAction: knowledge_retrieve\nAction Input: capital of France",
		"I now know the final answer.\nFinal Answer: Paris",
	}}
	tool := &countingTool{
		name:    "knowledge_retrieve",
		content: "[1] geo.md: Paris is the capital of France",
		sources: []retriever.Passage{{Text: "Paris is the capital of France", Source: "geo.md", Rank: 1}},
	}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "What is the capital of France?", "", emit)
	require.NoError(t, err)

	assert.Equal(t, "Paris", result.Answer)
	assert.False(t, result.BudgetExhausted)
	assert.Equal(t, []string{"knowledge_retrieve"}, result.ToolsUsed)
	require.Len(t, result.Sources, 1)

	// Streamed answer tokens reassemble to the final answer.
	var streamed strings.Builder
	for _, e := range eventsOfType(*events, EventAnswerToken) {
		streamed.WriteString(e.Data.(string))
	}
	assert.Equal(t, "Paris", strings.TrimSpace(streamed.String()))

	assert.Equal(t, EventDone, (*events)[len(*events)-1].Type)
}

func TestLoop_EventOrderingPerIteration(t *testing.T) {
	provider := &mockProvider{replies: []string{
		"Action: knowledge_retrieve\nAction Input: q",
		"Final Answer: ok",
	}}
	tool := &countingTool{name: "knowledge_retrieve", content: "obs"}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	_, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)

	var types []EventType
	for _, e := range *events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventStart,
		EventIteration, EventThinkingStart, EventThinkingEnd, EventAction, EventObservation,
		EventIteration, EventThinkingStart, EventThinkingEnd, EventAnswerStart, EventAnswerToken,
		EventMeta, EventDone,
	}, types)
}

func TestLoop_UnknownToolBecomesObservation(t *testing.T) {
	provider := &mockProvider{replies: []string{
		"Action: teleport\nAction Input: somewhere",
		"Final Answer: giving up on teleporting",
	}}
	tool := &countingTool{name: "knowledge_retrieve", content: "obs"}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)

	obs := eventsOfType(*events, EventObservation)
	require.Len(t, obs, 1)
	text := obs[0].Data.(map[string]any)["observation"].(string)
	assert.Contains(t, text, "unknown tool")
	assert.Contains(t, text, "knowledge_retrieve", "observation lists available tools")

	assert.Empty(t, result.ToolsUsed)
	assert.Equal(t, "giving up on teleporting", result.Answer)
}

func TestLoop_ToolErrorIsRecoverable(t *testing.T) {
	provider := &mockProvider{replies: []string{
		"Action: knowledge_retrieve\nAction Input: q",
		"Final Answer: answered anyway",
	}}
	tool := &countingTool{name: "knowledge_retrieve", err: errors.New("index exploded")}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)
	assert.Equal(t, "answered anyway", result.Answer)

	obs := eventsOfType(*events, EventObservation)
	require.Len(t, obs, 1)
	assert.Contains(t, obs[0].Data.(map[string]any)["observation"], "index exploded")
}

func TestLoop_ProviderErrorTerminates(t *testing.T) {
	provider := &mockProvider{streamErr: &llms.ProviderError{
		Provider: "mock", Code: llms.ErrCodeUnreachable, Message: "connection refused",
	}}
	loop := NewLoop(provider, newTestRegistry(t), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	_, err := loop.Run(context.Background(), "q", "", emit)
	require.Error(t, err)

	var pe *llms.ProviderError
	assert.ErrorAs(t, err, &pe)
	assert.Empty(t, eventsOfType(*events, EventDone), "no done after an error")
}

func TestLoop_DirectAnswerWithoutMarkers(t *testing.T) {
	provider := &mockProvider{replies: []string{"Paris is the capital of France."}}
	loop := NewLoop(provider, newTestRegistry(t), Config{MaxIterations: 5}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", result.Answer)
	assert.Equal(t, EventDone, (*events)[len(*events)-1].Type)
}

func TestLoop_ReflectionAdvice(t *testing.T) {
	provider := &mockProvider{
		replies: []string{
			"Action: knowledge_retrieve\nAction Input: a",
			"Final Answer: done",
		},
		reflections: []string{"RETRY: try the web instead"},
	}
	tool := &countingTool{name: "knowledge_retrieve", content: "obs"}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 2, Reflection: true}, llms.Options{})

	emit, events := collectEvents()
	_, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)

	require.Len(t, eventsOfType(*events, EventReflecting), 1)
	results := eventsOfType(*events, EventReflectionResult)
	require.Len(t, results, 1)
	data := results[0].Data.(map[string]any)
	assert.Equal(t, false, data["approved"])
	assert.Equal(t, "try the web instead", data["advice"])
}

func TestParseReflection(t *testing.T) {
	ok, advice := parseReflection("APPROVED")
	assert.True(t, ok)
	assert.Empty(t, advice)

	ok, advice = parseReflection("RETRY: widen the search")
	assert.False(t, ok)
	assert.Equal(t, "widen the search", advice)

	ok, _ = parseReflection("something off-format")
	assert.True(t, ok, "off-format replies must not stall the run")
}

func TestParsePlan(t *testing.T) {
	plan := parsePlan("Sure! Here is a plan:\nStep 1: search the knowledge base\nStep 2: summarise\nThanks!")
	assert.Equal(t, "Step 1: search the knowledge base\nStep 2: summarise", plan)
}

func TestClassify(t *testing.T) {
	complex := []string{
		"What is the latest news about Go?",
		"今天的天气怎么样",
		"Search the web for transformer papers",
		"read the file README.md",
		"fetch https://example.com",
	}
	for _, q := range complex {
		assert.Equal(t, ClassComplex, Classify(q), q)
	}

	simple := []string{
		"什么是深度学习",
		"Explain how BM25 scoring works",
		"What does the knowledge base say about CNNs?",
	}
	for _, q := range simple {
		assert.Equal(t, ClassSimple, Classify(q), q)
	}
}

func TestPresets(t *testing.T) {
	assert.True(t, ValidMode(ModeResearch))
	assert.False(t, ValidMode("turbo"))

	research := PresetFor(ModeResearch, 10)
	assert.Equal(t, 15, research.MaxIterations)
	assert.Contains(t, research.Persona, "web_search")

	manager := PresetFor(ModeManager, 10)
	assert.Contains(t, manager.Persona, "file_read")

	full := PresetFor(ModeFull, 0)
	assert.Equal(t, 10, full.MaxIterations)
}

func TestFinalMarkerIndex(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"at start", "Final Answer: yes", 0},
		{"after newline", "Thought: ok\nFinal Answer: yes", 12},
		{"indented", "Thought: ok\n  Final Answer: yes", 14},
		{"mid sentence", "Thought: the Final Answer: depends on retrieval", -1},
		{"mid sentence then real", "the Final Answer: is pending\nFinal Answer: yes", 29},
		{"absent", "Thought: still working", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, finalMarkerIndex(tt.in))
		})
	}
}

func TestLoop_FinalMentionMidThoughtKeepsActing(t *testing.T) {
	provider := &mockProvider{replies: []string{
		"Thought: the Final Answer: depends on more retrieval\nAction: knowledge_retrieve\nAction Input: transformers",
		"Thought: enough context.\nFinal Answer: Attention is all you need.",
	}}
	tool := &countingTool{name: "knowledge_retrieve", content: "attention passages"}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 4}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "what is attention", "", emit)
	require.NoError(t, err)
	assert.Equal(t, "Attention is all you need.", result.Answer)
	assert.Equal(t, 1, tool.calls)

	require.Len(t, eventsOfType(*events, EventAnswerStart), 1)

	actionIdx := -1
	for i, e := range *events {
		if e.Type == EventAction {
			actionIdx = i
			break
		}
	}
	require.GreaterOrEqual(t, actionIdx, 0)
	for i, e := range *events {
		switch e.Type {
		case EventAnswerStart, EventAnswerToken:
			assert.Greater(t, i, actionIdx, "answer events must follow the tool call")
		}
	}
}

func TestLoop_ObservationCarriesStructuredData(t *testing.T) {
	passages := []retriever.Passage{{Text: "transformers use attention", Source: "ml.md", Score: 0.91, Rank: 1}}
	tool := &countingTool{
		name:    "knowledge_retrieve",
		content: "[1] ml.md",
		sources: passages,
		data:    []map[string]any{{"text": "transformers use attention", "source": "ml.md", "score": 0.91, "rank": 1}},
	}
	provider := &mockProvider{replies: []string{
		"Action: knowledge_retrieve\nAction Input: attention",
		"Final Answer: done.",
	}}
	loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: 4}, llms.Options{})

	emit, events := collectEvents()
	result, err := loop.Run(context.Background(), "q", "", emit)
	require.NoError(t, err)

	obs := eventsOfType(*events, EventObservation)
	require.Len(t, obs, 1)
	payload, ok := obs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tool.data, payload["data"])
	assert.Equal(t, passages, payload["sources"])

	require.NotEmpty(t, result.Steps)
	assert.Equal(t, tool.data, result.Steps[0].ObservationData)
}

func TestLoop_StepsNeverExceedBudget(t *testing.T) {
	for _, max := range []int{1, 2, 4} {
		provider := &mockProvider{replies: []string{
			fmt.Sprintf("Action: knowledge_retrieve\nAction Input: lookup %d", max),
		}}
		tool := &countingTool{name: "knowledge_retrieve", content: "obs"}
		loop := NewLoop(provider, newTestRegistry(t, tool), Config{MaxIterations: max}, llms.Options{})

		emit, _ := collectEvents()
		result, err := loop.Run(context.Background(), "q", "", emit)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(result.Steps), max)
		assert.True(t, result.BudgetExhausted)
	}
}
