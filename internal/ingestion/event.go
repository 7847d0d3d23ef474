// Package ingestion turns filesystem events into index and graph updates.
// A single Coordinator receives Created, Modified and Deleted requests from
// the watcher, the reconciler and the CLI, guarantees that at most one
// pipeline runs per file at a time, and executes the extract → chunk →
// embed → upsert flow on a bounded worker pool.
package ingestion

import (
	"github.com/54b3r/kbingest-go/internal/rag"
)

// EventKind is the change a request reports for a file.
type EventKind int

const (
	// Created reports a file that appeared in the ingestion directory.
	Created EventKind = iota + 1
	// Modified reports a file whose content may have changed.
	Modified
	// Deleted reports a file that was removed or renamed away.
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is a single ingestion request.
type Event struct {
	// Kind is the reported change.
	Kind EventKind
	// Path is the file's path on disk.
	Path string
	// Source names the producer (watcher, reconciler, cli) for logging.
	Source string
}

// FileID returns the stable id of the file the event refers to.
func (e Event) FileID() string {
	return rag.FileID(e.Path)
}

// State is the coordinator's view of a single file.
type State int

const (
	// Idle means no pipeline is running and the last one succeeded (or none ran).
	Idle State = iota
	// Processing means a pipeline is queued or running for the file.
	Processing
	// Failed means the last pipeline aborted; the next event reprocesses the file.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}
