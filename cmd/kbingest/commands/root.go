// Package commands defines all Cobra CLI commands for the kbingest binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/kbingest-go/internal/audit"
	"github.com/54b3r/kbingest-go/internal/config"
	"github.com/54b3r/kbingest-go/internal/logging"
)

// configPath holds the --config flag value for config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbingest",
		Short: "kbingest: keep a vector store and knowledge graph in sync with a folder",
		Long: `kbingest watches a directory of documents (plain text, PDF and images),
splits them into word chunks, embeds each chunk and writes it to a vector
store and a graph store. Modifying a file re-indexes it; deleting it removes
every chunk it produced.

Stores and the embedding backend are selected via environment variables or a
config file (~/.kbingest/config.yaml or ./kbingest.yaml, TOML also accepted).
See 'kbingest --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Env vars always override config file values.
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			ctx := logging.WithLogger(cmd.Context(), log)
			cmd.SetContext(ctx)
			audit.LogCommandStart(ctx, log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML or TOML config file (default: ~/.kbingest/config.yaml)")

	root.AddCommand(
		NewWatchCmd(),
		NewIngestCmd(),
		NewDeleteCmd(),
		NewQueryCmd(),
		NewVersionCmd(),
	)

	return root
}
