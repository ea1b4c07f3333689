package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sagekb/sage/pkg/logger"
)

// StaleWatcher flags the knowledge base as stale when files under the
// documents directory change after the last build. The flag is advisory; it
// surfaces in the status endpoint so operators know a rebuild is due.
type StaleWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	stale    atomic.Bool
	debounce time.Duration
	log      *slog.Logger
}

func NewStaleWatcher(dir string) (*StaleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &StaleWatcher{
		watcher:  watcher,
		dir:      dir,
		debounce: 100 * time.Millisecond,
		log:      logger.Component("watcher"),
	}, nil
}

// Start begins watching. Returns after adding watches; events are handled in
// a background goroutine until ctx is cancelled.
func (w *StaleWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	go w.loop(ctx)
	w.log.Info("watching documents directory", "path", w.dir)
	return nil
}

func (w *StaleWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if !Supported(event.Name) && event.Op&fsnotify.Create == 0 {
				continue
			}
			// Coalesce bursts of writes into a single flag flip.
			if timer != nil {
				timer.Stop()
			}
			name := filepath.Base(event.Name)
			timer = time.AfterFunc(w.debounce, func() {
				if !w.stale.Swap(true) {
					w.log.Info("documents changed, knowledge base is stale", "file", name)
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "path", w.dir, "error", err)
		}
	}
}

// Stale reports whether documents changed since the last completed build.
func (w *StaleWatcher) Stale() bool {
	return w.stale.Load()
}

// MarkFresh clears the flag; called when a build completes.
func (w *StaleWatcher) MarkFresh() {
	w.stale.Store(false)
}
