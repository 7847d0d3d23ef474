package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbingest-go/internal/ingestion"
	"github.com/54b3r/kbingest-go/internal/logging"
)

// NewDeleteCmd constructs the `kbingest delete` command, which purges every
// chunk of the named files from both stores.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file_id|path>...",
		Short: "Remove a file's chunks from the vector and graph stores",
		Long: `Remove every chunk a file produced from the vector store and the graph store,
together with its File node. The file itself is not touched.

A file id is the file's base name; a path is reduced to its base name. Chunks
of other files whose names share a prefix are never affected.

Examples:
  kbingest delete handbook.pdf
  kbingest delete ./knowledge_base/notes.txt old.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			rt, err := openRuntime(ctx, log, true)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer rt.Close()

			coord, err := rt.coordinator(nil, nil)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer func() { _ = rt.drain(coord) }()

			var errs []error
			for _, arg := range args {
				ev := ingestion.Event{Kind: ingestion.Deleted, Path: arg, Source: "cli"}
				if err := coord.Handle(ctx, ev); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ev.FileID(), err))
					continue
				}
				log.Info("delete: removed", slog.String(logging.KeyFileID, ev.FileID()))
			}
			if err := errors.Join(errs...); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			return nil
		},
	}
}
