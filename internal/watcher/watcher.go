package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/kbingest-go/internal/ingestion"
)

// pendingEvent is a debounced request waiting for its timer.
type pendingEvent struct {
	kind  ingestion.EventKind
	timer *time.Timer
	gen   uint64
}

// Watcher turns fsnotify events for a single, non-recursive directory into
// ingestion requests.
type Watcher struct {
	dir string
	sub Submitter
	cfg settings

	mu      sync.Mutex
	pending map[string]*pendingEvent
	gen     uint64
}

// New returns a Watcher for dir that submits to sub.
func New(dir string, sub Submitter, opts ...Option) *Watcher {
	return &Watcher{
		dir:     dir,
		sub:     sub,
		cfg:     newSettings(opts),
		pending: make(map[string]*pendingEvent),
	}
}

// Run watches the directory until ctx is cancelled. Errors reported by
// fsnotify are logged and do not stop the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.dir, err)
	}
	w.cfg.log.Info("watcher: watching directory",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.cfg.debounce),
	)
	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.cfg.log.Warn("watcher: fsnotify error", slog.String("error", err.Error()))
		}
	}
}

// handle classifies one fsnotify event. Chmod-only events are ignored.
func (w *Watcher) handle(ev fsnotify.Event) {
	if Ignored(ev.Name, w.cfg.ignore) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.flushDeleted(ev.Name)
	case ev.Has(fsnotify.Create):
		w.schedule(ev.Name, ingestion.Created)
	case ev.Has(fsnotify.Write):
		w.schedule(ev.Name, ingestion.Modified)
	}
}

// schedule starts or extends the debounce window for path. A Created in the
// window is never downgraded to Modified.
func (w *Watcher) schedule(path string, kind ingestion.EventKind) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	gen := w.gen
	p, ok := w.pending[path]
	if ok {
		p.timer.Stop()
		if p.kind != ingestion.Created {
			p.kind = kind
		}
	} else {
		p = &pendingEvent{kind: kind}
		w.pending[path] = p
	}
	p.gen = gen
	p.timer = time.AfterFunc(w.cfg.debounce, func() { w.fire(path, gen) })
}

// fire submits the settled request for path. A timer superseded by a later
// event for the same path carries a stale generation and does nothing.
func (w *Watcher) fire(path string, gen uint64) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	if p.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	kind := p.kind
	w.mu.Unlock()

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = ingestion.Deleted
	case err == nil && info.IsDir():
		return
	}
	w.submit(ingestion.Event{Kind: kind, Path: path, Source: "watcher"})
}

// flushDeleted cancels any pending request for path and submits Deleted at once.
func (w *Watcher) flushDeleted(path string) {
	w.mu.Lock()
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.submit(ingestion.Event{Kind: ingestion.Deleted, Path: path, Source: "watcher"})
}

func (w *Watcher) submit(ev ingestion.Event) {
	if err := w.sub.Submit(ev); err != nil {
		w.cfg.log.Warn("watcher: submit failed",
			slog.String("path", ev.Path),
			slog.String("event", ev.Kind.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	w.cfg.log.Debug("watcher: submitted", slog.String("path", ev.Path), slog.String("event", ev.Kind.String()))
}

// stopPending drops every unfired request.
func (w *Watcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
}
