// Package session routes a request to the plain RAG pipeline or the agent
// loop, assembles prompts with conversation history, and owns the policy
// that a conversation turn is persisted only after it completes.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sagekb/sage/pkg/agent"
	"github.com/sagekb/sage/pkg/config"
	"github.com/sagekb/sage/pkg/conversation"
	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/retriever"
	"github.com/sagekb/sage/pkg/tools"
)

const historyWindow = 6

// Request is one query, streaming or not. Temperature and MaxTokens override
// the provider defaults when non-zero; History is an inline transcript used
// only when no stored conversation applies.
type Request struct {
	Question       string                 `json:"question"`
	Mode           string                 `json:"mode,omitempty"`
	Provider       string                 `json:"provider,omitempty"`
	Method         string                 `json:"method,omitempty"`
	TopK           int                    `json:"top_k,omitempty"`
	Temperature    float64                `json:"temperature,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	History        []conversation.Message `json:"history,omitempty"`
}

func (r *Request) options() llms.Options {
	return llms.Options{Temperature: r.Temperature, MaxTokens: r.MaxTokens}
}

// SourceRef is the client-facing citation shape.
type SourceRef struct {
	Source  string `json:"source"`
	Preview string `json:"preview"`
}

// Answer is the non-streaming response. Steps carries the serialised agent
// trace; it stays empty on the RAG path.
type Answer struct {
	Answer         string       `json:"answer"`
	Mode           string       `json:"mode"`
	Sources        []SourceRef  `json:"sources,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	ToolsUsed      []string     `json:"tools_used,omitempty"`
	Iterations     int          `json:"iterations,omitempty"`
	Steps          []agent.Step `json:"steps,omitempty"`
}

type Orchestrator struct {
	cfg       *config.Config
	providers *llms.ProviderRegistry
	retr      *retriever.Retriever
	tools     *tools.Registry
	store     *conversation.FileStore
	log       *slog.Logger
}

func NewOrchestrator(cfg *config.Config, providers *llms.ProviderRegistry, retr *retriever.Retriever, toolReg *tools.Registry, store *conversation.FileStore) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		providers: providers,
		retr:      retr,
		tools:     toolReg,
		store:     store,
		log:       logger.Component("session"),
	}
}

// resolveMode validates the requested mode and collapses smart into rag or
// full via the classifier.
func (o *Orchestrator) resolveMode(req *Request) (string, error) {
	mode := req.Mode
	if mode == "" {
		mode = agent.ModeRAG
	}
	if !agent.ValidMode(mode) {
		return "", fmt.Errorf("unknown mode %q", mode)
	}
	if mode == agent.ModeSmart {
		if agent.Classify(req.Question) == agent.ClassComplex {
			mode = agent.ModeFull
		} else {
			mode = agent.ModeRAG
		}
		o.log.Debug("smart mode resolved", "question", req.Question, "mode", mode)
	}
	return mode, nil
}

func (o *Orchestrator) topK(req *Request) int {
	if req.TopK > 0 {
		return req.TopK
	}
	return o.cfg.Retrieval.TopK
}

func (o *Orchestrator) method(req *Request) string {
	if req.Method != "" {
		return req.Method
	}
	return retriever.MethodHybrid
}

// conversationFor loads the referenced conversation, or starts a fresh one.
// A stale id is treated as "start new", never as an error. Returns the
// conversation, its history rendered for prompting, and whether it is new.
// Inline request history only applies when there is no stored transcript.
func (o *Orchestrator) conversationFor(req *Request) (*conversation.Conversation, string, bool, error) {
	if req.ConversationID != "" {
		conv, err := o.store.Get(req.ConversationID)
		if err == nil {
			return conv, renderHistory(conv.Messages), false, nil
		}
		if err != conversation.ErrNotFound {
			return nil, "", false, err
		}
	}
	conv, err := o.store.Create()
	if err != nil {
		return nil, "", false, err
	}
	return conv, renderHistory(req.History), true, nil
}

// renderHistory flattens the trailing window of a conversation for prompt
// context.
func renderHistory(msgs []conversation.Message) string {
	if len(msgs) > historyWindow {
		msgs = msgs[len(msgs)-historyWindow:]
	}
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleUser:
			sb.WriteString("User: ")
		case conversation.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// persistTurn appends the exchange after it completed. Cancelled or failed
// requests never reach here, so partial turns are never stored.
func (o *Orchestrator) persistTurn(convID, question, answer string) {
	if convID == "" {
		return
	}
	if _, err := o.store.Append(convID,
		conversation.Message{Role: conversation.RoleUser, Content: question},
		conversation.Message{Role: conversation.RoleAssistant, Content: answer},
	); err != nil {
		o.log.Error("failed to persist conversation turn", "conversation", convID, "error", err)
	}
}

// Query answers without streaming.
func (o *Orchestrator) Query(ctx context.Context, req *Request) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, fmt.Errorf("question must not be empty")
	}
	mode, err := o.resolveMode(req)
	if err != nil {
		return nil, err
	}

	conv, history, _, err := o.conversationFor(req)
	if err != nil {
		return nil, err
	}

	var answer *Answer
	if mode == agent.ModeRAG {
		answer, err = o.answerRAG(ctx, req, history, nil)
	} else {
		answer, err = o.answerAgent(ctx, req, mode, history, func(agent.Event) {})
	}
	if err != nil {
		return nil, err
	}

	answer.ConversationID = conv.ID
	o.persistTurn(conv.ID, req.Question, answer.Answer)
	return answer, nil
}

// Stream answers over an event emitter. Errors occurring before the first
// event are returned so the transport can answer with a plain status; after
// that the transport turns the returned error into a terminal error event.
func (o *Orchestrator) Stream(ctx context.Context, req *Request, emit agent.Emitter) error {
	if strings.TrimSpace(req.Question) == "" {
		return fmt.Errorf("question must not be empty")
	}
	mode, err := o.resolveMode(req)
	if err != nil {
		return err
	}

	conv, history, isNew, err := o.conversationFor(req)
	if err != nil {
		return err
	}

	if mode == agent.ModeRAG {
		return o.streamRAG(ctx, req, conv, history, isNew, emit)
	}
	return o.streamAgent(ctx, req, mode, conv, history, isNew, emit)
}

func (o *Orchestrator) streamAgent(ctx context.Context, req *Request, mode string, conv *conversation.Conversation, history string, isNew bool, emit agent.Emitter) error {
	if isNew {
		emit(agent.Event{Type: agent.EventConversationID, Data: conv.ID})
	}

	// The sources event must precede meta/done; observations carry the
	// structured passages, so collect them in flight and flush on meta.
	var collected []retriever.Passage
	wrapped := func(e agent.Event) {
		switch e.Type {
		case agent.EventObservation:
			if data, ok := e.Data.(map[string]any); ok {
				if passages, ok := data["sources"].([]retriever.Passage); ok {
					collected = append(collected, passages...)
				}
			}
		case agent.EventMeta:
			if refs := sourceRefs(collected); len(refs) > 0 {
				emit(agent.Event{Type: agent.EventSources, Data: refs})
			}
		}
		emit(e)
	}

	result, err := o.runAgent(ctx, req, mode, history, wrapped)
	if err != nil {
		return err
	}
	o.persistTurn(conv.ID, req.Question, result.Answer)
	return nil
}

func (o *Orchestrator) runAgent(ctx context.Context, req *Request, mode, history string, emit agent.Emitter) (*agent.Result, error) {
	provider, err := o.providers.Select(req.Provider)
	if err != nil {
		return nil, err
	}

	preset := agent.PresetFor(mode, o.cfg.Agent.MaxIterations)
	if !o.cfg.Agent.EnableReflection {
		preset.Reflection = false
	}
	if !o.cfg.Agent.EnablePlanning {
		preset.Planning = false
	}

	loop := agent.NewLoop(provider, o.tools, preset, req.options())
	return loop.Run(ctx, req.Question, history, emit)
}

func (o *Orchestrator) answerAgent(ctx context.Context, req *Request, mode, history string, emit agent.Emitter) (*Answer, error) {
	result, err := o.runAgent(ctx, req, mode, history, emit)
	if err != nil {
		return nil, err
	}
	return &Answer{
		Answer:     result.Answer,
		Mode:       mode,
		Sources:    sourceRefs(result.Sources),
		ToolsUsed:  result.ToolsUsed,
		Iterations: len(result.Steps),
		Steps:      result.Steps,
	}, nil
}

// sourceRefs deduplicates by source in rank order and clips previews.
func sourceRefs(passages []retriever.Passage) []SourceRef {
	deduped := retriever.DedupeBySource(passages)
	refs := make([]SourceRef, 0, len(deduped))
	for _, p := range deduped {
		refs = append(refs, SourceRef{Source: p.Source, Preview: preview(p.Text)})
	}
	return refs
}

const previewRunes = 300

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > previewRunes {
		return string(runes[:previewRunes])
	}
	return text
}
