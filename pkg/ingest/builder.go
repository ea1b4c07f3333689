package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sagekb/sage/pkg/logger"
	"github.com/sagekb/sage/pkg/retriever"
)

// ErrBuildRunning reports that a rebuild is already in flight. The HTTP layer
// maps it to 409.
var ErrBuildRunning = errors.New("a knowledge base build is already in progress")

const (
	indexBatchSize = 50
	loadWorkers    = 4
)

// Builder rebuilds the knowledge base from the documents directory. Builds
// are out-of-place: queries keep hitting the old index until the new one
// commits.
type Builder struct {
	docsDir  string
	retr     *retriever.Retriever
	chunker  *Chunker
	progress *Progress
	watcher  *StaleWatcher
	log      *slog.Logger
}

func NewBuilder(docsDir string, retr *retriever.Retriever, chunker *Chunker) *Builder {
	return &Builder{
		docsDir:  docsDir,
		retr:     retr,
		chunker:  chunker,
		progress: NewProgress(),
		log:      logger.Component("ingest"),
	}
}

// AttachWatcher wires a staleness watcher so completed builds reset the flag.
func (b *Builder) AttachWatcher(w *StaleWatcher) {
	b.watcher = w
}

func (b *Builder) Progress() Snapshot {
	return b.progress.Snapshot()
}

func (b *Builder) Running() bool {
	return b.progress.Running()
}

// Start launches an asynchronous build. Only one build runs at a time.
func (b *Builder) Start(ctx context.Context) error {
	if !b.progress.TryStart() {
		return ErrBuildRunning
	}
	go func() {
		started := time.Now()
		if err := b.build(ctx); err != nil {
			b.log.Error("build failed", "error", err)
			b.progress.Fail(err)
			return
		}
		b.progress.Complete()
		if b.watcher != nil {
			b.watcher.MarkFresh()
		}
		b.log.Info("build completed", "chunks", b.retr.Count(), "duration", time.Since(started))
	}()
	return nil
}

func (b *Builder) build(ctx context.Context) error {
	files, err := ListDocuments(b.docsDir)
	if err != nil {
		return fmt.Errorf("failed to list documents in %s: %w", b.docsDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported documents found in %s", b.docsDir)
	}
	b.progress.SetTotal(len(files))

	// Load and chunk files concurrently; order is preserved by index so
	// chunk ids stay stable across builds.
	perFile := make([][]retriever.Document, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadWorkers)
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b.progress.FileStarted(rel)

			text, err := LoadFile(filepath.Join(b.docsDir, rel))
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", rel, err)
			}
			chunks := b.chunker.Chunk(text)
			docs := make([]retriever.Document, len(chunks))
			for j, chunk := range chunks {
				docs[j] = retriever.Document{
					ID:     fmt.Sprintf("%s#%d", rel, j),
					Text:   chunk,
					Source: rel,
				}
			}
			perFile[i] = docs
			b.progress.FileDone()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []retriever.Document
	for _, docs := range perFile {
		all = append(all, docs...)
	}
	if len(all) == 0 {
		return fmt.Errorf("documents in %s produced no text", b.docsDir)
	}

	tx, err := b.retr.BeginRebuild(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(all); start += indexBatchSize {
		end := start + indexBatchSize
		if end > len(all) {
			end = len(all)
		}
		if err := tx.Add(ctx, all[start:end]); err != nil {
			if abortErr := tx.Abort(context.WithoutCancel(ctx)); abortErr != nil {
				b.log.Warn("failed to abort staged build", "error", abortErr)
			}
			return fmt.Errorf("failed to index batch: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	// The sparse corpus flips only after the dense commit, so both sides
	// always describe the same build.
	return b.retr.SwapCorpus(all)
}
