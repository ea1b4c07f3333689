package retriever

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
)

// Collections are versioned so a rebuild can stage a fresh one and swap it in
// without ever taking the old one away from readers. On startup the newest
// version wins.
const chromemCollectionPrefix = "knowledge_v"

// ChromemIndex is the default dense index, an embedded chromem-go database
// persisted under the configured path.
type ChromemIndex struct {
	mu        sync.RWMutex
	db        *chromem.DB
	col       *chromem.Collection
	colName   string
	embedFunc chromem.EmbeddingFunc
}

// NewChromemIndex opens (or creates) the persistent database and picks up the
// newest knowledge collection if a previous build left one behind.
func NewChromemIndex(path string, embedFunc chromem.EmbeddingFunc) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database at %s: %w", path, err)
	}

	ix := &ChromemIndex{db: db, embedFunc: embedFunc}

	// Version suffixes are fixed-width nanosecond timestamps, so the
	// lexicographically largest name is the newest build.
	var newest string
	for name := range db.ListCollections() {
		if len(name) > len(chromemCollectionPrefix) && name[:len(chromemCollectionPrefix)] == chromemCollectionPrefix && name > newest {
			newest = name
		}
	}
	if newest != "" {
		ix.col = db.GetCollection(newest, embedFunc)
		ix.colName = newest
	}
	return ix, nil
}

func versionedCollectionName() string {
	return fmt.Sprintf("%s%020d", chromemCollectionPrefix, time.Now().UnixNano())
}

func (ix *ChromemIndex) Add(ctx context.Context, docs []Document) error {
	ix.mu.Lock()
	if ix.col == nil {
		name := versionedCollectionName()
		col, err := ix.db.CreateCollection(name, nil, ix.embedFunc)
		if err != nil {
			ix.mu.Unlock()
			return fmt.Errorf("failed to create collection: %w", err)
		}
		ix.col = col
		ix.colName = name
	}
	col := ix.col
	ix.mu.Unlock()

	return addToCollection(ctx, col, docs)
}

func addToCollection(ctx context.Context, col *chromem.Collection, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		chromemDocs[i] = chromem.Document{
			ID:       doc.ID,
			Content:  doc.Text,
			Metadata: map[string]string{"source": doc.Source},
		}
	}
	return col.AddDocuments(ctx, chromemDocs, runtime.NumCPU())
}

func (ix *ChromemIndex) Query(ctx context.Context, query string, k int) ([]DenseHit, error) {
	ix.mu.RLock()
	col := ix.col
	ix.mu.RUnlock()

	if col == nil || col.Count() == 0 {
		return nil, ErrIndexUnavailable
	}

	if k > col.Count() {
		k = col.Count()
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	hits := make([]DenseHit, len(results))
	for i, result := range results {
		hits[i] = DenseHit{
			ID:     result.ID,
			Text:   result.Content,
			Source: result.Metadata["source"],
			// chromem reports cosine similarity; callers expect a distance.
			Distance: 1 - float64(result.Similarity),
		}
	}
	return hits, nil
}

func (ix *ChromemIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.col == nil {
		return 0
	}
	return ix.col.Count()
}

func (ix *ChromemIndex) Ready() bool {
	return ix.Count() > 0
}

func (ix *ChromemIndex) BeginRebuild(ctx context.Context) (RebuildTx, error) {
	name := versionedCollectionName()
	col, err := ix.db.CreateCollection(name, nil, ix.embedFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging collection: %w", err)
	}
	return &chromemRebuildTx{ix: ix, name: name, col: col}, nil
}

type chromemRebuildTx struct {
	ix   *ChromemIndex
	name string
	col  *chromem.Collection
}

func (tx *chromemRebuildTx) Add(ctx context.Context, docs []Document) error {
	return addToCollection(ctx, tx.col, docs)
}

func (tx *chromemRebuildTx) Commit(ctx context.Context) error {
	tx.ix.mu.Lock()
	old := tx.ix.colName
	tx.ix.col = tx.col
	tx.ix.colName = tx.name
	tx.ix.mu.Unlock()

	if old != "" {
		if err := tx.ix.db.DeleteCollection(old); err != nil {
			return fmt.Errorf("failed to drop old collection: %w", err)
		}
	}
	return nil
}

func (tx *chromemRebuildTx) Abort(ctx context.Context) error {
	return tx.ix.db.DeleteCollection(tx.name)
}
