package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/54b3r/kbingest-go/internal/ingestion"
)

// Reconciler periodically lists the ingestion directory and submits
// requests for differences from what it has seen before: unknown files are
// Created, files with a newer modification time are Modified and files that
// disappeared are Deleted. Its view is in memory only, so the first scan
// after startup submits every file.
type Reconciler struct {
	dir string
	sub Submitter
	cfg settings

	mu    sync.Mutex
	known map[string]time.Time
}

// NewReconciler returns a Reconciler for dir that submits to sub.
func NewReconciler(dir string, sub Submitter, opts ...Option) *Reconciler {
	return &Reconciler{
		dir:   dir,
		sub:   sub,
		cfg:   newSettings(opts),
		known: make(map[string]time.Time),
	}
}

// Run scans immediately and then on every interval until ctx is cancelled.
// A failed scan is logged and retried on the next tick.
func (r *Reconciler) Run(ctx context.Context) error {
	r.cfg.log.Info("reconciler: started",
		slog.String("dir", r.dir),
		slog.Duration("interval", r.cfg.interval),
	)
	ticker := time.NewTicker(r.cfg.interval)
	defer ticker.Stop()

	for {
		if n, err := r.Scan(); err != nil {
			r.cfg.log.Warn("reconciler: scan failed", slog.String("error", err.Error()))
		} else if n > 0 {
			r.cfg.log.Info("reconciler: submitted changes", slog.Int("events", n))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan lists the directory once and returns how many requests it submitted.
// A file whose request could not be submitted is not remembered, so the
// next scan tries again.
func (r *Reconciler) Scan() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list %s: %w", r.dir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	submitted := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || Ignored(entry.Name(), r.cfg.ignore) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info; the next scan sees it gone.
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		seen[path] = true

		mtime := info.ModTime()
		last, ok := r.known[path]
		var kind ingestion.EventKind
		switch {
		case !ok:
			kind = ingestion.Created
		case mtime.After(last):
			kind = ingestion.Modified
		default:
			continue
		}

		if r.submit(ingestion.Event{Kind: kind, Path: path, Source: "reconciler"}) {
			r.known[path] = mtime
			submitted++
		}
	}

	for path := range r.known {
		if seen[path] {
			continue
		}
		if r.submit(ingestion.Event{Kind: ingestion.Deleted, Path: path, Source: "reconciler"}) {
			delete(r.known, path)
			submitted++
		}
	}
	return submitted, nil
}

// Known reports how many files the reconciler is tracking.
func (r *Reconciler) Known() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.known)
}

func (r *Reconciler) submit(ev ingestion.Event) bool {
	if err := r.sub.Submit(ev); err != nil {
		r.cfg.log.Warn("reconciler: submit failed",
			slog.String("path", ev.Path),
			slog.String("event", ev.Kind.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
