package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sagekb/sage/pkg/retriever"
)

// queryFromInput accepts either a bare query string or a JSON object with a
// "query" field, which some models emit despite instructions.
func queryFromInput(input string) string {
	input = strings.TrimSpace(input)
	if strings.HasPrefix(input, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(input), &obj); err == nil {
			if q, ok := obj["query"].(string); ok && q != "" {
				return q
			}
		}
	}
	return input
}

// KnowledgeRetrieve searches the knowledge base with hybrid scoring.
type KnowledgeRetrieve struct {
	retr *retriever.Retriever
	topK int
}

func NewKnowledgeRetrieve(retr *retriever.Retriever, topK int) *KnowledgeRetrieve {
	return &KnowledgeRetrieve{retr: retr, topK: topK}
}

func (t *KnowledgeRetrieve) Name() string { return "knowledge_retrieve" }

func (t *KnowledgeRetrieve) Description() string {
	return "Search the local knowledge base for passages relevant to a query. Input: the search query."
}

func (t *KnowledgeRetrieve) Execute(ctx context.Context, input string) (*Result, error) {
	query := queryFromInput(input)
	if query == "" {
		return nil, fmt.Errorf("knowledge_retrieve requires a non-empty query")
	}

	passages, err := t.retr.Search(ctx, query, t.topK, retriever.MethodHybrid)
	if err != nil {
		return nil, err
	}
	if len(passages) == 0 {
		return &Result{Content: "No relevant passages found in the knowledge base."}, nil
	}

	var sb strings.Builder
	data := make([]map[string]any, 0, len(passages))
	for _, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s (score %.3f)\n%s\n\n", p.Rank, p.Source, p.Score, p.Text)
		data = append(data, map[string]any{"text": p.Text, "source": p.Source, "score": p.Score, "rank": p.Rank})
	}
	return &Result{Content: strings.TrimSpace(sb.String()), Sources: passages, Data: data}, nil
}

// DocumentList reports which source files are indexed.
type DocumentList struct {
	retr *retriever.Retriever
}

func NewDocumentList(retr *retriever.Retriever) *DocumentList {
	return &DocumentList{retr: retr}
}

func (t *DocumentList) Name() string { return "document_list" }

func (t *DocumentList) Description() string {
	return "List the source documents currently indexed in the knowledge base. Input: ignored."
}

func (t *DocumentList) Execute(ctx context.Context, input string) (*Result, error) {
	sources := t.retr.Sources()
	if len(sources) == 0 {
		return &Result{Content: "The knowledge base is empty; no documents are indexed."}, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d documents indexed:\n", len(sources))
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return &Result{Content: strings.TrimSpace(sb.String())}, nil
}

// KnowledgeBaseInfo summarises index state for the agent.
type KnowledgeBaseInfo struct {
	retr    *retriever.Retriever
	backend string
}

func NewKnowledgeBaseInfo(retr *retriever.Retriever, backend string) *KnowledgeBaseInfo {
	return &KnowledgeBaseInfo{retr: retr, backend: backend}
}

func (t *KnowledgeBaseInfo) Name() string { return "knowledge_base_info" }

func (t *KnowledgeBaseInfo) Description() string {
	return "Report knowledge base statistics: backend, readiness, chunk and document counts. Input: ignored."
}

func (t *KnowledgeBaseInfo) Execute(ctx context.Context, input string) (*Result, error) {
	content := fmt.Sprintf("backend: %s\nready: %t\nchunks: %d\ndocuments: %d",
		t.backend, t.retr.Ready(), t.retr.Count(), len(t.retr.Sources()))
	return &Result{Content: content}, nil
}
