package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/54b3r/kbingest-go/internal/config"
	"github.com/54b3r/kbingest-go/internal/extract"
	"github.com/54b3r/kbingest-go/internal/ingestion"
	"github.com/54b3r/kbingest-go/internal/logging"
	"github.com/54b3r/kbingest-go/internal/watcher"
)

// NewIngestCmd constructs the `kbingest ingest` command, which indexes the
// given files, or every file in the ingestion directory, once and exits.
func NewIngestCmd() *cobra.Command {
	var dir string
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Index files once without watching",
		Long: `Index the given files, or every supported file in the ingestion directory
when no paths are given, and exit once all of them are processed.

Re-ingesting an unchanged file is idempotent: its chunks are overwritten in
place and chunks left over from a longer previous version are pruned.

Examples:
  kbingest ingest
  kbingest ingest ./knowledge_base/handbook.pdf ./knowledge_base/notes.txt
  kbingest ingest --dir ./docs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			if !cmd.Flags().Changed("dir") {
				dir = config.String("WATCH_DIR", "knowledge_base")
			}
			paths := args
			if len(paths) == 0 {
				var err error
				paths, err = listFiles(dir, config.List("IGNORE_PATTERNS"))
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
			}
			if len(paths) == 0 {
				log.Info("ingest: nothing to do", slog.String("dir", dir))
				return nil
			}

			rt, err := openRuntime(ctx, log, true)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer rt.Close()

			progress := newProgress(len(paths), !noProgress && term.IsTerminal(int(os.Stderr.Fd())))
			var failed atomic.Int64
			coord, err := rt.coordinator(nil, func(_ ingestion.Event, err error) {
				if err != nil {
					failed.Add(1)
				}
				progress.increment()
			})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			log.Info("ingest: starting", slog.Int("files", len(paths)))
			for _, p := range paths {
				if err := coord.Submit(ingestion.Event{Kind: ingestion.Created, Path: p, Source: "cli"}); err != nil {
					_ = rt.drain(coord)
					return fmt.Errorf("ingest: submit %s: %w", p, err)
				}
			}

			if err := rt.drain(coord); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			progress.finish()

			if err := coord.Err(); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if n := failed.Load(); n > 0 {
				return fmt.Errorf("ingest: %d of %d files failed", n, len(paths))
			}
			log.Info("ingest: complete", slog.Int("files", len(paths)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "knowledge_base", "Directory to index when no paths are given (overrides WATCH_DIR)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	return cmd
}

// listFiles returns the supported, non-ignored regular files directly in dir,
// sorted by name.
func listFiles(dir string, ignore []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("directory %s does not exist", dir)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || watcher.Ignored(e.Name(), ignore) || !extract.Supported(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// progress renders a bar on stderr when enabled; otherwise every method is a no-op.
type progress struct {
	bar *progressbar.ProgressBar
}

func newProgress(total int, enabled bool) *progress {
	if !enabled || total <= 0 {
		return &progress{}
	}
	return &progress{bar: progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)}
}

func (p *progress) increment() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
