package retriever

import (
	"context"
	"errors"
)

// ErrIndexUnavailable reports that the backing store has not been built or
// loaded yet. The HTTP layer maps it to 409 with a human message.
var ErrIndexUnavailable = errors.New("knowledge base is not built")

// Document is an indexable chunk of source text.
type Document struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Passage is one ranked retrieval hit. Ranks are a dense 1..N sequence per
// query; score semantics depend on the method (distance for vector, combined
// score for hybrid).
type Passage struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// DenseHit is a raw nearest-neighbour result. Distance is lower-is-better.
type DenseHit struct {
	ID       string
	Text     string
	Source   string
	Distance float64
}

// RebuildTx is an out-of-place index rebuild. Readers keep seeing the old
// collection until Commit swaps the new one in.
type RebuildTx interface {
	Add(ctx context.Context, docs []Document) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// DenseIndex is a nearest-neighbour store over embedded documents.
type DenseIndex interface {
	Add(ctx context.Context, docs []Document) error
	Query(ctx context.Context, query string, k int) ([]DenseHit, error)
	Count() int
	Ready() bool
	BeginRebuild(ctx context.Context) (RebuildTx, error)
}

// DedupeBySource keeps the first passage per source, in rank order. Applied
// only at the stream boundary; internal ranked lists retain duplicates.
func DedupeBySource(passages []Passage) []Passage {
	seen := make(map[string]bool, len(passages))
	out := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if seen[p.Source] {
			continue
		}
		seen[p.Source] = true
		out = append(out, p)
	}
	return out
}
