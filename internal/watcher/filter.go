// Package watcher produces ingestion requests from the filesystem. [Watcher]
// reacts to fsnotify events with per-path debouncing; [Reconciler] rescans the
// directory on an interval so that files added while nothing was listening,
// and events fsnotify dropped, are still picked up.
package watcher

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/54b3r/kbingest-go/internal/ingestion"
)

// Submitter accepts ingestion requests. *ingestion.Coordinator implements it.
type Submitter interface {
	Submit(ev ingestion.Event) error
}

// Default timings.
const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultInterval = time.Second
)

type settings struct {
	debounce time.Duration
	interval time.Duration
	ignore   []string
	log      *slog.Logger
}

// Option configures a Watcher or Reconciler.
type Option func(*settings)

// WithDebounce sets how long the Watcher waits for a burst of events on one
// path to settle before submitting a single request.
func WithDebounce(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithInterval sets the Reconciler's scan interval.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithIgnore adds doublestar glob patterns matched against file base names.
func WithIgnore(patterns ...string) Option {
	return func(s *settings) { s.ignore = append(s.ignore, patterns...) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		debounce: DefaultDebounce,
		interval: DefaultInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Ignored reports whether the file at path should never be ingested: hidden
// files and names matching any of patterns.
func Ignored(path string, patterns []string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
