package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/kbingest-go/internal/config"
	"github.com/54b3r/kbingest-go/internal/logging"
	"github.com/54b3r/kbingest-go/internal/server"
	"github.com/54b3r/kbingest-go/internal/watcher"
)

// NewWatchCmd constructs the `kbingest watch` command, the long-running
// daemon that keeps both stores in sync with the ingestion directory.
func NewWatchCmd() *cobra.Command {
	var dir string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the ingestion directory and keep the stores in sync",
		Long: `Watch a directory and index every file added to or modified in it.

Deleting a file removes all of its chunks from the vector store and the graph
store. A periodic reconciler rescans the directory so files that arrived while
the daemon was down are picked up on startup.

SIGINT or SIGTERM stops intake and waits for in-flight files to finish
(bounded by DRAIN_TIMEOUT).

Environment variables:
  WATCH_DIR            Directory to watch (default: knowledge_base)
  WATCH_DEBOUNCE       Quiet period before a burst of events is processed (default: 500ms)
  RECONCILE_INTERVAL   Rescan interval (default: 1s)
  IGNORE_PATTERNS      Comma-separated glob patterns matched against file names
  INGEST_WORKERS       Files processed concurrently (default: 4)
  METRICS_ADDR         Ops listener address for /metrics and /api/ready (default: off)

Examples:
  kbingest watch
  kbingest watch --dir ./docs --metrics-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			if !cmd.Flags().Changed("dir") {
				dir = config.String("WATCH_DIR", "knowledge_base")
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = config.String("METRICS_ADDR", "")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("watch: could not create %s: %w", dir, err)
			}

			rt, err := openRuntime(ctx, log, true)
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			defer rt.Close()

			coord, err := rt.coordinator(prometheus.DefaultRegisterer, nil)
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}

			opts := []watcher.Option{
				watcher.WithDebounce(config.Duration("WATCH_DEBOUNCE", watcher.DefaultDebounce)),
				watcher.WithInterval(config.Duration("RECONCILE_INTERVAL", watcher.DefaultInterval)),
				watcher.WithIgnore(config.List("IGNORE_PATTERNS")...),
				watcher.WithLogger(log),
			}
			w := watcher.New(dir, coord, opts...)
			r := watcher.NewReconciler(dir, coord, opts...)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return w.Run(gctx) })
			g.Go(func() error { return r.Run(gctx) })
			g.Go(func() error { return coord.Run(gctx) })

			if metricsAddr != "" {
				srv, err := server.New(&server.Config{
					Addr:    metricsAddr,
					Logger:  log,
					Pingers: rt.pingers,
					APIKey:  config.String("OPS_API_KEY", ""),
				})
				if err != nil {
					_ = rt.drain(coord)
					return fmt.Errorf("watch: %w", err)
				}
				g.Go(func() error { return srv.Start(gctx) })
			}

			log.Info("watch: daemon started", slog.String("dir", dir))
			runErr := g.Wait()

			log.Info("watch: draining in-flight files")
			if err := rt.drain(coord); err != nil {
				log.Error("watch: shutdown incomplete", slog.String("error", err.Error()))
			}
			if runErr != nil {
				return fmt.Errorf("watch: %w", runErr)
			}
			log.Info("watch: stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "knowledge_base", "Directory to watch (overrides WATCH_DIR)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Ops listener address, empty disables it (overrides METRICS_ADDR)")

	return cmd
}
