// Package watch regenerates the workflow graph whenever the node registry
// changes on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"modelearth/pipeline/internal/graph"
	"modelearth/pipeline/internal/logging"
)

// DefaultDebounce absorbs editors and the upsert engine writing in bursts.
const DefaultDebounce = 500 * time.Millisecond

// Stats counts watcher activity.
type Stats struct {
	Events        int
	Regenerations int
	Errors        int
	LastEventTime time.Time
}

// Watcher watches the registry's directory rather than the file itself:
// the registry is replaced through a rename, which would drop a file watch.
type Watcher struct {
	mu       sync.Mutex
	path     string
	dir      string
	debounce time.Duration
	pending  time.Time
	stats    Stats
	log      *zap.Logger

	// Regenerate is called with the registry path once changes settle.
	Regenerate func(registryPath string) error
	// OnRegenerate, if set, is told about every regeneration attempt.
	OnRegenerate func(err error)
}

// New returns a watcher for the registry at path that rewrites nodes.json.
func New(path string, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	return &Watcher{
		path:     abs,
		dir:      filepath.Dir(abs),
		debounce: DefaultDebounce,
		log:      logging.OrNop(log),
		Regenerate: func(p string) error {
			_, err := graph.Regenerate(p)
			return err
		},
	}, nil
}

// SetDebounce changes the quiet period before a regeneration.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// Path returns the absolute registry path being watched.
func (w *Watcher) Path() string { return w.path }

// Stats returns a copy of the current counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Run blocks until ctx is cancelled or the underlying watcher fails to start.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.log.Info("watching registry", zap.String("path", w.path))

	tick := w.debounce / 5
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	w.log.Debug("registry event", zap.String("op", event.Op.String()))

	w.mu.Lock()
	now := time.Now()
	w.pending = now
	w.stats.Events++
	w.stats.LastEventTime = now
	w.mu.Unlock()
}

// flush regenerates once the last event is older than the debounce window.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	err := w.Regenerate(w.path)

	w.mu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Regenerations++
	}
	w.mu.Unlock()

	if err != nil {
		w.log.Error("regenerating graph", zap.Error(err))
	} else {
		w.log.Info("graph regenerated", zap.String("registry", w.path))
	}
	if w.OnRegenerate != nil {
		w.OnRegenerate(err)
	}
}
