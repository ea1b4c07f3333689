package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagekb/sage/pkg/retriever"
)

// fakeIndex is an in-memory dense index good enough to drive builds.
type fakeIndex struct {
	docs []retriever.Document
}

func (f *fakeIndex) Add(ctx context.Context, docs []retriever.Document) error {
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, query string, k int) ([]retriever.DenseHit, error) {
	if len(f.docs) == 0 {
		return nil, retriever.ErrIndexUnavailable
	}
	if k > len(f.docs) {
		k = len(f.docs)
	}
	hits := make([]retriever.DenseHit, k)
	for i := 0; i < k; i++ {
		hits[i] = retriever.DenseHit{
			ID:       f.docs[i].ID,
			Text:     f.docs[i].Text,
			Source:   f.docs[i].Source,
			Distance: float64(i) * 0.1,
		}
	}
	return hits, nil
}

func (f *fakeIndex) Count() int  { return len(f.docs) }
func (f *fakeIndex) Ready() bool { return len(f.docs) > 0 }

func (f *fakeIndex) BeginRebuild(ctx context.Context) (retriever.RebuildTx, error) {
	return &fakeTx{ix: f}, nil
}

type fakeTx struct {
	ix     *fakeIndex
	staged []retriever.Document
}

func (tx *fakeTx) Add(ctx context.Context, docs []retriever.Document) error {
	tx.staged = append(tx.staged, docs...)
	return nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.ix.docs = tx.staged
	return nil
}

func (tx *fakeTx) Abort(ctx context.Context) error { return nil }

func TestProgress_Lifecycle(t *testing.T) {
	p := NewProgress()
	assert.Equal(t, StatusIdle, p.Snapshot().Status)

	require.True(t, p.TryStart())
	assert.False(t, p.TryStart(), "concurrent build must be rejected")

	p.SetTotal(2)
	p.FileStarted("a.md")
	p.FileDone()

	snap := p.Snapshot()
	assert.True(t, snap.Processing)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 1, snap.Progress)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, "a.md", snap.CurrentFile)

	p.Complete()
	snap = p.Snapshot()
	assert.False(t, snap.Processing)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Empty(t, snap.CurrentFile)

	require.True(t, p.TryStart())
	p.Fail(errors.New("boom"))
	snap = p.Snapshot()
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "boom", snap.Error)
}

func TestListDocuments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.json"), []byte("{}"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.md"), []byte("c"), 0o644))

	files, err := ListDocuments(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.md", filepath.Join("sub", "c.md")}, files)
}

func TestChunker_RuneFallback(t *testing.T) {
	// enc nil forces the rune path; size/overlap are in token units and
	// scale by four.
	c := &Chunker{size: 2, overlap: 1}

	assert.Nil(t, c.Chunk("   "))
	assert.Equal(t, []string{"short"}, c.Chunk("short"))

	chunks := c.Chunk("abcdefghijkl")
	require.Len(t, chunks, 2)
	assert.Equal(t, "abcdefgh", chunks[0])
	assert.Equal(t, "efghijkl", chunks[1])
}

func TestChunker_OverlapCarriesContext(t *testing.T) {
	c := &Chunker{size: 3, overlap: 1}
	chunks := c.Chunk(strings.Repeat("x", 40))
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		// Each window starts with the tail of the previous one.
		tail := chunks[i-1][len(chunks[i-1])-4:]
		assert.True(t, strings.HasPrefix(chunks[i], tail))
	}
}

func TestBuilder_Build(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "intro.md"), []byte("deep learning basics"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "notes.txt"), []byte("retrieval augmented generation"), 0o644))

	ix := &fakeIndex{}
	retr := retriever.New(ix, retriever.NewRewriter(nil), 0.5, t.TempDir())
	b := NewBuilder(docs, retr, &Chunker{size: 500, overlap: 50})

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrBuildRunning)

	require.Eventually(t, func() bool {
		return b.Progress().Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	snap := b.Progress()
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 2, snap.Progress)
	assert.Equal(t, 2, retr.Count())
	assert.Equal(t, []string{"intro.md", "notes.txt"}, retr.Sources())

	// Rebuilding after completion is allowed again.
	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		return b.Progress().Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBuilder_EmptyDirectoryFails(t *testing.T) {
	ix := &fakeIndex{}
	retr := retriever.New(ix, retriever.NewRewriter(nil), 0.5, t.TempDir())
	b := NewBuilder(t.TempDir(), retr, &Chunker{size: 500, overlap: 50})

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		return b.Progress().Status == StatusError
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, b.Progress().Error, "no supported documents")
}

func TestSaveUpload(t *testing.T) {
	dir := t.TempDir()

	path, size, err := SaveUpload(dir, "../../etc/evil.md", strings.NewReader("content"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "evil.md"), path, "path traversal must be flattened")
	assert.Equal(t, int64(7), size)

	_, _, err = SaveUpload(dir, "script.sh", strings.NewReader("#!/bin/sh"))
	assert.Error(t, err, "unsupported extension must be rejected")

	_, _, err = SaveUpload(dir, "  ", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestStaleWatcher(t *testing.T) {
	dir := t.TempDir()
	w, err := NewStaleWatcher(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	assert.False(t, w.Stale())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.md"), []byte("fresh"), 0o644))
	require.Eventually(t, w.Stale, 5*time.Second, 10*time.Millisecond)

	w.MarkFresh()
	assert.False(t, w.Stale())
}
