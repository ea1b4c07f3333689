package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/sagekb/sage/pkg/agent"
	"github.com/sagekb/sage/pkg/conversation"
	"github.com/sagekb/sage/pkg/llms"
	"github.com/sagekb/sage/pkg/retriever"
)

// contentChunkRunes is the emission granularity for streamed RAG answers.
// The model reply has to be buffered whole before parsing, so streaming here
// is about keeping the client pipeline uniform, not latency.
const contentChunkRunes = 24

const ragInstructions = `You are a knowledge base assistant. Answer the question using only the context passages below.

Respond with a single JSON object of the form {"answer": "..."} and nothing else.
If the context does not contain the information needed, respond with {"answer": "` + llms.RefusalAnswer + `"}.`

// buildRAGPrompt assembles instructions, retrieved context, trailing
// conversation history, and the question.
func buildRAGPrompt(history string, passages []retriever.Passage, question string) string {
	var sb strings.Builder
	sb.WriteString(ragInstructions)
	sb.WriteString("\n\nContext:\n")
	for _, p := range passages {
		fmt.Fprintf(&sb, "[source: %s]\n%s\n\n", p.Source, p.Text)
	}
	if history != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(history)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	return sb.String()
}

// answerRAG runs retrieve-then-generate without streaming. onSources, when
// set, observes the raw passages before the answer is produced.
func (o *Orchestrator) answerRAG(ctx context.Context, req *Request, history string, onSources func([]retriever.Passage)) (*Answer, error) {
	passages, err := o.retr.Search(ctx, req.Question, o.topK(req), o.method(req))
	if err != nil {
		return nil, err
	}
	if onSources != nil {
		onSources(passages)
	}

	provider, err := o.providers.Select(req.Provider)
	if err != nil {
		return nil, err
	}

	raw, err := provider.Complete(ctx, buildRAGPrompt(history, passages, req.Question), req.options())
	if err != nil {
		return nil, err
	}

	return &Answer{
		Answer:  llms.ParseAnswer(raw),
		Mode:    agent.ModeRAG,
		Sources: sourceRefs(passages),
	}, nil
}

// streamRAG retrieves before emitting anything, so index failures still map
// to a plain HTTP status instead of a half-open stream.
func (o *Orchestrator) streamRAG(ctx context.Context, req *Request, conv *conversation.Conversation, history string, isNew bool, emit agent.Emitter) error {
	passages, err := o.retr.Search(ctx, req.Question, o.topK(req), o.method(req))
	if err != nil {
		return err
	}

	if isNew {
		emit(agent.Event{Type: agent.EventConversationID, Data: conv.ID})
	}
	if refs := sourceRefs(passages); len(refs) > 0 {
		emit(agent.Event{Type: agent.EventSources, Data: refs})
	}

	provider, err := o.providers.Select(req.Provider)
	if err != nil {
		return err
	}
	raw, err := provider.Complete(ctx, buildRAGPrompt(history, passages, req.Question), req.options())
	if err != nil {
		return err
	}
	answer := llms.ParseAnswer(raw)

	for _, chunk := range chunkRunes(answer, contentChunkRunes) {
		emit(agent.Event{Type: agent.EventContent, Data: chunk})
	}
	emit(agent.Event{Type: agent.EventDone, Data: answer})

	o.persistTurn(conv.ID, req.Question, answer)
	return nil
}

func chunkRunes(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for start := 0; start < len(runes); start += n {
		end := start + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}
