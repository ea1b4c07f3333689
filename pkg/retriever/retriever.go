package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/observability"
)

// Search methods. Vector ranks by embedding distance alone; hybrid blends
// dense and BM25 evidence.
const (
	MethodVector = "vector"
	MethodHybrid = "hybrid"
)

const corpusFile = "corpus.json"

// hybridPool widens the candidate set before re-scoring so lexical evidence
// can promote passages the dense index ranked low.
func hybridPool(k int) int {
	if pool := k * 4; pool > 20 {
		return pool
	}
	return 20
}

// Retriever answers queries against a dense index and a BM25 corpus kept in
// lockstep. Queries pass through the rewriter before touching either index.
type Retriever struct {
	dense    DenseIndex
	sparse   *BM25Index
	rewriter *Rewriter
	alpha    float64
	dataDir  string
	log      *slog.Logger
}

func New(dense DenseIndex, rewriter *Rewriter, alpha float64, dataDir string) *Retriever {
	return &Retriever{
		dense:    dense,
		sparse:   NewBM25Index(),
		rewriter: rewriter,
		alpha:    alpha,
		dataDir:  dataDir,
		log:      logger.Component("retriever"),
	}
}

// Ready reports whether the knowledge base has been built.
func (r *Retriever) Ready() bool {
	return r.dense.Ready()
}

// Count returns the number of indexed chunks.
func (r *Retriever) Count() int {
	return r.dense.Count()
}

// Rewrite exposes the query preprocessor, mainly for status introspection.
func (r *Retriever) Rewrite(query string) string {
	return r.rewriter.Rewrite(query)
}

// Search returns the top-k passages for a query. Ranks are always the dense
// sequence 1..N over the returned slice; Score is the raw embedding distance
// for vector search and the blended score for hybrid.
func (r *Retriever) Search(ctx context.Context, query string, k int, method string) ([]Passage, error) {
	if k <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", k)
	}

	rewritten := r.rewriter.Rewrite(query)
	if rewritten != query {
		r.log.Debug("query rewritten", "original", query, "rewritten", rewritten)
	}

	var passages []Passage
	var err error
	switch method {
	case MethodVector:
		passages, err = r.searchVector(ctx, rewritten, k)
	case MethodHybrid:
		passages, err = r.searchHybrid(ctx, rewritten, k)
	default:
		return nil, fmt.Errorf("unknown search method: %s", method)
	}
	if err != nil {
		return nil, err
	}

	observability.GetGlobalMetrics().RecordRetrieval(ctx, method, len(passages))
	return passages, nil
}

func (r *Retriever) searchVector(ctx context.Context, query string, k int) ([]Passage, error) {
	hits, err := r.dense.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}

	passages := make([]Passage, len(hits))
	for i, hit := range hits {
		passages[i] = Passage{
			Text:   hit.Text,
			Source: hit.Source,
			Score:  hit.Distance,
			Rank:   i + 1,
		}
	}
	return passages, nil
}

func (r *Retriever) searchHybrid(ctx context.Context, query string, k int) ([]Passage, error) {
	hits, err := r.dense.Query(ctx, query, hybridPool(k))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []Passage{}, nil
	}

	sparseScores := make([]float64, len(hits))
	for i, hit := range hits {
		sparseScores[i] = r.sparse.Score(query, hit.ID)
	}

	distances := make([]float64, len(hits))
	for i, hit := range hits {
		distances[i] = hit.Distance
	}
	normDist := minMaxNormalize(distances)
	normSparse := minMaxNormalize(sparseScores)

	type scored struct {
		hit      DenseHit
		combined float64
	}
	pool := make([]scored, len(hits))
	for i, hit := range hits {
		pool[i] = scored{
			hit:      hit,
			combined: r.alpha*(1-normDist[i]) + (1-r.alpha)*normSparse[i],
		}
	}

	// Ties break toward the closer dense neighbour, then by source for
	// a deterministic order.
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].combined != pool[j].combined {
			return pool[i].combined > pool[j].combined
		}
		if pool[i].hit.Distance != pool[j].hit.Distance {
			return pool[i].hit.Distance < pool[j].hit.Distance
		}
		return pool[i].hit.Source < pool[j].hit.Source
	})

	if len(pool) > k {
		pool = pool[:k]
	}
	passages := make([]Passage, len(pool))
	for i, s := range pool {
		passages[i] = Passage{
			Text:   s.hit.Text,
			Source: s.hit.Source,
			Score:  s.combined,
			Rank:   i + 1,
		}
	}
	return passages, nil
}

// minMaxNormalize maps values to [0,1]. A zero range collapses every value
// to 0 so neither signal dominates by accident.
func minMaxNormalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(values))
	if max == min {
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}

// Add indexes documents into both the dense and sparse sides. Used by
// incremental ingestion; full rebuilds go through BeginRebuild/SwapCorpus.
func (r *Retriever) Add(ctx context.Context, docs []Document) error {
	if err := r.dense.Add(ctx, docs); err != nil {
		return err
	}
	for _, doc := range docs {
		r.sparse.Add(doc.ID, doc.Text)
	}
	return r.saveCorpusDelta(docs)
}

// BeginRebuild opens an out-of-place rebuild on the dense index.
func (r *Retriever) BeginRebuild(ctx context.Context) (RebuildTx, error) {
	return r.dense.BeginRebuild(ctx)
}

// SwapCorpus replaces the sparse corpus and persists it. Called after the
// dense rebuild commits, so both sides flip to the new build together.
func (r *Retriever) SwapCorpus(docs []Document) error {
	r.sparse.Replace(docs)
	return r.saveCorpus(docs)
}

// Sources returns the distinct source names in the corpus, sorted.
func (r *Retriever) Sources() []string {
	docs, err := r.readCorpus()
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var sources []string
	for _, doc := range docs {
		if !seen[doc.Source] {
			seen[doc.Source] = true
			sources = append(sources, doc.Source)
		}
	}
	sort.Strings(sources)
	return sources
}

// LoadCorpus restores the sparse index from disk at startup. A missing file
// is not an error; the knowledge base simply has not been built.
func (r *Retriever) LoadCorpus() error {
	docs, err := r.readCorpus()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	r.sparse.Replace(docs)
	r.log.Debug("sparse corpus loaded", "documents", len(docs))
	return nil
}

func (r *Retriever) corpusPath() string {
	return filepath.Join(r.dataDir, corpusFile)
}

func (r *Retriever) readCorpus() ([]Document, error) {
	data, err := os.ReadFile(r.corpusPath())
	if err != nil {
		return nil, err
	}
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("corrupt sparse corpus at %s: %w", r.corpusPath(), err)
	}
	return docs, nil
}

func (r *Retriever) saveCorpusDelta(added []Document) error {
	existing, err := r.readCorpus()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	byID := make(map[string]int, len(existing))
	for i, doc := range existing {
		byID[doc.ID] = i
	}
	for _, doc := range added {
		if i, ok := byID[doc.ID]; ok {
			existing[i] = doc
		} else {
			existing = append(existing, doc)
		}
	}
	return r.saveCorpus(existing)
}

func (r *Retriever) saveCorpus(docs []Document) error {
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(docs)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dataDir, corpusFile+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.corpusPath())
}
