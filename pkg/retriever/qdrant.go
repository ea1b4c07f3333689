package retriever

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/sagekb/sage/pkg/embedders"
)

const qdrantCollectionPrefix = "knowledge_v"

// QdrantIndex is the remote dense index, for deployments where the knowledge
// base outgrows the embedded store. It embeds texts itself and uses the same
// versioned-collection rebuild scheme as the embedded index.
type QdrantIndex struct {
	mu       sync.RWMutex
	client   *qdrant.Client
	embedder embedders.Embedder
	colName  string
	count    int
}

func NewQdrantIndex(ctx context.Context, host string, port int, embedder embedders.Embedder) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	ix := &QdrantIndex{client: client, embedder: embedder}

	names, err := client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var newest string
	for _, name := range names {
		if strings.HasPrefix(name, qdrantCollectionPrefix) && name > newest {
			newest = name
		}
	}
	if newest != "" {
		ix.colName = newest
		count, err := client.Count(ctx, &qdrant.CountPoints{CollectionName: newest})
		if err != nil {
			return nil, fmt.Errorf("failed to count points: %w", err)
		}
		ix.count = int(count)
	}
	return ix, nil
}

func (ix *QdrantIndex) createCollection(ctx context.Context, name string) error {
	err := ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(ix.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (ix *QdrantIndex) upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed documents: %w", err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		// Qdrant requires UUID or integer ids; derive a stable UUID so
		// re-adding a chunk overwrites rather than duplicates.
		pointID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(doc.ID)).String()
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: map[string]*qdrant.Value{
				"id":     {Kind: &qdrant.Value_StringValue{StringValue: doc.ID}},
				"text":   {Kind: &qdrant.Value_StringValue{StringValue: doc.Text}},
				"source": {Kind: &qdrant.Value_StringValue{StringValue: doc.Source}},
			},
		}
	}

	_, err = ix.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (ix *QdrantIndex) Add(ctx context.Context, docs []Document) error {
	ix.mu.Lock()
	if ix.colName == "" {
		name := fmt.Sprintf("%s%020d", qdrantCollectionPrefix, time.Now().UnixNano())
		if err := ix.createCollection(ctx, name); err != nil {
			ix.mu.Unlock()
			return err
		}
		ix.colName = name
	}
	collection := ix.colName
	ix.mu.Unlock()

	if err := ix.upsert(ctx, collection, docs); err != nil {
		return err
	}

	ix.mu.Lock()
	ix.count += len(docs)
	ix.mu.Unlock()
	return nil
}

func (ix *QdrantIndex) Query(ctx context.Context, query string, k int) ([]DenseHit, error) {
	ix.mu.RLock()
	collection := ix.colName
	count := ix.count
	ix.mu.RUnlock()

	if collection == "" || count == 0 {
		return nil, ErrIndexUnavailable
	}

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	result, err := ix.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vectors[0],
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	hits := make([]DenseHit, 0, len(result.Result))
	for _, point := range result.Result {
		hit := DenseHit{
			// Cosine similarity, higher is better; normalise to distance.
			Distance: 1 - float64(point.Score),
		}
		if point.Payload != nil {
			hit.ID = point.Payload["id"].GetStringValue()
			hit.Text = point.Payload["text"].GetStringValue()
			hit.Source = point.Payload["source"].GetStringValue()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (ix *QdrantIndex) Count() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

func (ix *QdrantIndex) Ready() bool {
	return ix.Count() > 0
}

func (ix *QdrantIndex) BeginRebuild(ctx context.Context) (RebuildTx, error) {
	name := fmt.Sprintf("%s%020d", qdrantCollectionPrefix, time.Now().UnixNano())
	if err := ix.createCollection(ctx, name); err != nil {
		return nil, err
	}
	return &qdrantRebuildTx{ix: ix, name: name}, nil
}

func (ix *QdrantIndex) Close() error {
	return ix.client.Close()
}

type qdrantRebuildTx struct {
	ix    *QdrantIndex
	name  string
	added int
}

func (tx *qdrantRebuildTx) Add(ctx context.Context, docs []Document) error {
	if err := tx.ix.upsert(ctx, tx.name, docs); err != nil {
		return err
	}
	tx.added += len(docs)
	return nil
}

func (tx *qdrantRebuildTx) Commit(ctx context.Context) error {
	tx.ix.mu.Lock()
	old := tx.ix.colName
	tx.ix.colName = tx.name
	tx.ix.count = tx.added
	tx.ix.mu.Unlock()

	if old != "" {
		if err := tx.ix.client.DeleteCollection(ctx, old); err != nil {
			return fmt.Errorf("failed to drop old collection: %w", err)
		}
	}
	return nil
}

func (tx *qdrantRebuildTx) Abort(ctx context.Context) error {
	return tx.ix.client.DeleteCollection(ctx, tx.name)
}
