package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/54b3r/kbingest-go/internal/embedder"
	"github.com/54b3r/kbingest-go/internal/extract"
	"github.com/54b3r/kbingest-go/internal/logging"
	"github.com/54b3r/kbingest-go/internal/rag"
)

// errFatal marks failures that must stop the coordinator.
var errFatal = errors.New("ingestion: fatal")

// process runs the pipeline for ev and returns the outcome label.
func (c *Coordinator) process(ctx context.Context, ev Event) (string, error) {
	id := ev.FileID()
	log := logging.ForFile(c.log, id, ev.Kind.String()).With(slog.String("source", ev.Source))

	if ev.Kind == Deleted {
		return c.remove(ctx, log, id)
	}
	return c.index(ctx, log, ev.Path, id)
}

// index extracts, chunks and embeds the file at path, writes every chunk to
// both stores and prunes chunks a previous version left behind.
func (c *Coordinator) index(ctx context.Context, log *slog.Logger, path, id string) (string, error) {
	log.Info("ingestion: processing file", slog.String(logging.KeyPath, path))

	text, err := c.deps.Extractor.Extract(ctx, path)
	switch {
	case errors.Is(err, extract.ErrUnsupportedFormat):
		log.Info("ingestion: skipping unsupported file", slog.String(logging.KeyOutcome, outcomeSkipped))
		return outcomeSkipped, nil
	case errors.Is(err, fs.ErrNotExist):
		log.Info("ingestion: file vanished before indexing, purging")
		return c.remove(ctx, log, id)
	case err != nil:
		log.Error("ingestion: extraction failed",
			slog.String(logging.KeyOutcome, outcomeFailed),
			slog.String("error", err.Error()),
		)
		return outcomeFailed, fmt.Errorf("ingestion: extract %s: %w", id, err)
	}

	chunks := c.deps.Chunker.Split(text)

	existing, err := c.owned(ctx, id)
	if err != nil {
		return c.fail(log, "list existing chunks", err)
	}

	if err := c.storeCall(ctx, log, "merge file", func(ctx context.Context) error {
		return c.deps.Graph.MergeFile(ctx, id)
	}); err != nil {
		return c.fail(log, "merge file", err)
	}

	written := make(map[string]bool, len(chunks))
	skipped := 0
	for i, chunk := range chunks {
		chunkID := rag.ChunkID(id, i)

		vecs, err := c.deps.Embedder.Embed(ctx, []string{chunk})
		if err != nil {
			if errors.Is(err, embedder.ErrDimensionMismatch) {
				log.Error("ingestion: embedding dimension mismatch",
					slog.String(logging.KeyOutcome, outcomeFailed),
					slog.String("error", err.Error()),
				)
				return outcomeFailed, fmt.Errorf("%w: %w", errFatal, err)
			}
			if ctx.Err() != nil {
				return c.fail(log, "embed", ctx.Err())
			}
			log.Warn("ingestion: skipping chunk, embedding failed",
				slog.String("chunk_id", chunkID),
				slog.String("error", err.Error()),
			)
			c.metrics.chunksSkipped.Inc()
			skipped++
			continue
		}

		doc := rag.Document{
			ID:      chunkID,
			FileID:  id,
			Ordinal: i,
			Content: chunk,
			Source:  path,
		}
		if err := c.storeCall(ctx, log, "upsert vector", func(ctx context.Context) error {
			return c.deps.Vectors.Upsert(ctx, []rag.Document{doc}, vecs)
		}); err != nil {
			return c.fail(log, "upsert vector", err)
		}

		if err := c.writeGraph(ctx, log, id, chunkID, chunk); err != nil {
			// Keep the stores consistent: a chunk is either in both or in neither.
			if derr := c.purge(ctx, log, []string{chunkID}); derr != nil {
				log.Error("ingestion: compensating delete failed",
					slog.String("chunk_id", chunkID),
					slog.String("error", derr.Error()),
				)
			}
			return c.fail(log, "write graph", err)
		}

		written[chunkID] = true
		c.metrics.chunksIndexed.Inc()
	}

	// Only ordinals past the new chunk count are stale. A chunk whose embed
	// failed keeps its previous record until a later run replaces it.
	var stale []string
	for _, old := range existing {
		if _, n, ok := rag.ParseChunkID(old); ok && n >= len(chunks) {
			stale = append(stale, old)
		}
	}
	if err := c.purge(ctx, log, stale); err != nil {
		return c.fail(log, "prune stale chunks", err)
	}

	if skipped > 0 {
		log.Error("ingestion: file partially indexed",
			slog.Int(logging.KeyChunks, len(written)),
			slog.Int("skipped", skipped),
			slog.Int("pruned", len(stale)),
			slog.String(logging.KeyOutcome, outcomeFailed),
		)
		return outcomeFailed, fmt.Errorf("ingestion: %d of %d chunks of %s could not be embedded", skipped, len(chunks), id)
	}

	log.Info("ingestion: file indexed",
		slog.Int(logging.KeyChunks, len(written)),
		slog.Int("skipped", skipped),
		slog.Int("pruned", len(stale)),
		slog.String(logging.KeyOutcome, outcomeIndexed),
	)
	return outcomeIndexed, nil
}

// writeGraph merges the chunk node and its CONTAINS edge.
func (c *Coordinator) writeGraph(ctx context.Context, log *slog.Logger, fileID, chunkID, text string) error {
	if err := c.storeCall(ctx, log, "merge chunk", func(ctx context.Context) error {
		return c.deps.Graph.MergeChunk(ctx, chunkID, text)
	}); err != nil {
		return err
	}
	return c.storeCall(ctx, log, "merge contains", func(ctx context.Context) error {
		return c.deps.Graph.MergeContains(ctx, fileID, chunkID)
	})
}

// remove deletes every chunk of id from both stores and the File node.
// A file that was never indexed is not an error.
func (c *Coordinator) remove(ctx context.Context, log *slog.Logger, id string) (string, error) {
	ids, err := c.owned(ctx, id)
	if err != nil {
		return c.fail(log, "list chunks", err)
	}

	if len(ids) > 0 {
		if err := c.storeCall(ctx, log, "delete vectors", func(ctx context.Context) error {
			return c.deps.Vectors.Delete(ctx, ids)
		}); err != nil {
			return c.fail(log, "delete vectors", err)
		}
	}
	if err := c.storeCall(ctx, log, "delete file", func(ctx context.Context) error {
		return c.deps.Graph.DeleteFile(ctx, id)
	}); err != nil {
		return c.fail(log, "delete file", err)
	}
	if len(ids) > 0 {
		if err := c.storeCall(ctx, log, "delete chunks", func(ctx context.Context) error {
			return c.deps.Graph.DeleteChunks(ctx, ids)
		}); err != nil {
			return c.fail(log, "delete chunks", err)
		}
		c.metrics.chunksPruned.Add(float64(len(ids)))
	}

	log.Info("ingestion: file removed",
		slog.Int(logging.KeyChunks, len(ids)),
		slog.String(logging.KeyOutcome, outcomeDeleted),
	)
	return outcomeDeleted, nil
}

// purge removes ids from both stores.
func (c *Coordinator) purge(ctx context.Context, log *slog.Logger, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.storeCall(ctx, log, "delete vectors", func(ctx context.Context) error {
		return c.deps.Vectors.Delete(ctx, ids)
	}); err != nil {
		return err
	}
	if err := c.storeCall(ctx, log, "delete chunks", func(ctx context.Context) error {
		return c.deps.Graph.DeleteChunks(ctx, ids)
	}); err != nil {
		return err
	}
	c.metrics.chunksPruned.Add(float64(len(ids)))
	return nil
}

// owned returns the union of chunk ids belonging to id in either store,
// sorted by ordinal.
func (c *Coordinator) owned(ctx context.Context, id string) ([]string, error) {
	var fromVectors, fromGraph []string
	if err := c.storeCall(ctx, c.log, "list vectors", func(ctx context.Context) error {
		var err error
		fromVectors, err = c.deps.Vectors.ListIDsWithPrefix(ctx, rag.ChunkPrefix(id))
		return err
	}); err != nil {
		return nil, err
	}
	if err := c.storeCall(ctx, c.log, "list graph chunks", func(ctx context.Context) error {
		var err error
		fromGraph, err = c.deps.Graph.ListChunks(ctx, id)
		return err
	}); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, cid := range append(rag.FilterOwned(id, fromVectors), rag.FilterOwned(id, fromGraph)...) {
		if !seen[cid] {
			seen[cid] = true
			ids = append(ids, cid)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		_, na, _ := rag.ParseChunkID(a)
		_, nb, _ := rag.ParseChunkID(b)
		return na - nb
	})
	return ids, nil
}

// storeCall runs fn with a per-call timeout, retrying transient failures
// with exponential backoff.
func (c *Coordinator) storeCall(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.StoreRetries)), ctx)

	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
		err := fn(cctx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && rag.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("ingestion: retrying store call",
			slog.String("op", op),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return backoff.RetryNotify(attempt, policy, notify)
}

// fail logs an aborted pipeline and returns the failed outcome.
func (c *Coordinator) fail(log *slog.Logger, step string, err error) (string, error) {
	log.Error("ingestion: aborting file",
		slog.String("step", step),
		slog.String(logging.KeyOutcome, outcomeFailed),
		slog.String("error", err.Error()),
	)
	return outcomeFailed, fmt.Errorf("ingestion: %s: %w", step, err)
}
