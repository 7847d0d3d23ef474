package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/kbingest-go/internal/chunker"
	"github.com/54b3r/kbingest-go/internal/embedder"
	"github.com/54b3r/kbingest-go/internal/extract"
	"github.com/54b3r/kbingest-go/internal/logging"
	"github.com/54b3r/kbingest-go/internal/rag"
	"github.com/54b3r/kbingest-go/internal/store"
)

// fakeEmbedder returns a two-dimensional vector per text. Texts containing
// failOn are rejected with a non-retryable error.
type fakeEmbedder struct {
	failOn   string
	err      error
	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration

	// gate, when set, blocks every call until it is closed.
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		if f.failOn != "" && strings.Contains(t, f.failOn) {
			return nil, &embedder.EmbedError{Backend: "fake", Status: 400, Err: errors.New("rejected")}
		}
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

// flakyGraph fails MergeContains a configurable number of times.
type flakyGraph struct {
	rag.GraphStore
	failures  atomic.Int32
	transient bool
}

func (g *flakyGraph) MergeContains(ctx context.Context, fileID, chunkID string) error {
	if g.failures.Add(-1) >= 0 {
		err := errors.New("graph unavailable")
		if g.transient {
			return rag.Transient(err)
		}
		return err
	}
	return g.GraphStore.MergeContains(ctx, fileID, chunkID)
}

type harness struct {
	dir     string
	coord   *Coordinator
	vectors *store.Vectors
	graph   *store.Graph
	emb     *fakeEmbedder
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, emb *fakeEmbedder, opts ...harnessOption) *harness {
	t.Helper()
	vectors, err := store.OpenVectors(":memory:", "knowledge")
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })
	graph, err := store.OpenGraph(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })

	ch, err := chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
	require.NoError(t, err)

	deps := Deps{
		Extractor: extract.New(),
		Chunker:   ch,
		Embedder:  emb,
		Vectors:   vectors,
		Graph:     graph,
	}
	cfg := Config{
		Workers:       2,
		StoreTimeout:  time.Second,
		RetryInterval: time.Millisecond,
		Logger:        logging.Discard(),
	}
	for _, o := range opts {
		o(&deps, &cfg)
	}

	coord, err := New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	return &harness{dir: t.TempDir(), coord: coord, vectors: vectors, graph: graph, emb: emb}
}

// words returns n space-separated distinct words.
func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func (h *harness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) chunkIDs(t *testing.T, fileID string) []string {
	t.Helper()
	ids, err := h.vectors.ListIDsWithPrefix(context.Background(), rag.ChunkPrefix(fileID))
	require.NoError(t, err)
	return rag.FilterOwned(fileID, ids)
}

func (h *harness) graphChunks(t *testing.T, fileID string) []string {
	t.Helper()
	ids, err := h.graph.ListChunks(context.Background(), fileID)
	require.NoError(t, err)
	return ids
}

func TestHandle_CreatedIndexesBothStores(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	path := h.write(t, "doc1.txt", words(1000))

	require.NoError(t, h.coord.Handle(context.Background(), Event{Kind: Created, Path: path}))

	want := []string{"doc1.txt_chunk_0", "doc1.txt_chunk_1", "doc1.txt_chunk_2"}
	assert.ElementsMatch(t, want, h.chunkIDs(t, "doc1.txt"))
	assert.ElementsMatch(t, want, h.graphChunks(t, "doc1.txt"))

	stats, err := h.graph.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.GraphStats{Files: 1, Chunks: 3, Contains: 3}, stats)
	assert.Equal(t, Idle, h.coord.State("doc1.txt"))
}

func TestHandle_ReingestIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	path := h.write(t, "doc1.txt", words(501))
	ctx := context.Background()

	for range 3 {
		require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))
	}

	n, err := h.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	stats, err := h.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.GraphStats{Files: 1, Chunks: 2, Contains: 2}, stats)
}

func TestHandle_ModifiedGrowthAddsChunks(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()
	path := h.write(t, "doc1.txt", words(10))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	assert.Len(t, h.chunkIDs(t, "doc1.txt"), 1)

	h.write(t, "doc1.txt", words(1000))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))

	assert.Len(t, h.chunkIDs(t, "doc1.txt"), 3)
	assert.Len(t, h.graphChunks(t, "doc1.txt"), 3)
}

func TestHandle_ModifiedShrinkPrunesStaleChunks(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()
	path := h.write(t, "doc1.txt", words(1200))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	require.Len(t, h.chunkIDs(t, "doc1.txt"), 3)

	h.write(t, "doc1.txt", words(10))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))

	assert.Equal(t, []string{"doc1.txt_chunk_0"}, h.chunkIDs(t, "doc1.txt"))
	assert.Equal(t, []string{"doc1.txt_chunk_0"}, h.graphChunks(t, "doc1.txt"))
	stats, err := h.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks, "orphaned chunk nodes must be removed")

	text, ok, err := h.graph.ChunkText(ctx, "doc1.txt_chunk_0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, words(10), text)
}

func TestHandle_DeletedRemovesOnlyThatFile(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()
	// "doc1.txt_chunk_0.txt" shares the literal prefix "doc1.txt_chunk_"
	// with every chunk of doc1.txt.
	for _, name := range []string{"doc1.txt", "doc1.txt.bak.txt", "doc1.txt_chunk_0.txt"} {
		path := h.write(t, name, words(600))
		require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	}

	path := filepath.Join(h.dir, "doc1.txt")
	require.NoError(t, os.Remove(path))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Deleted, Path: path}))

	assert.Empty(t, h.chunkIDs(t, "doc1.txt"))
	assert.Empty(t, h.graphChunks(t, "doc1.txt"))
	has, err := h.graph.HasFile(ctx, "doc1.txt")
	require.NoError(t, err)
	assert.False(t, has)

	assert.Len(t, h.chunkIDs(t, "doc1.txt.bak.txt"), 2)
	assert.Len(t, h.chunkIDs(t, "doc1.txt_chunk_0.txt"), 2)
	assert.Len(t, h.graphChunks(t, "doc1.txt_chunk_0.txt"), 2)
	stats, err := h.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.GraphStats{Files: 2, Chunks: 4, Contains: 4}, stats)
}

func TestHandle_DeletedUnknownFileSucceeds(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	err := h.coord.Handle(context.Background(), Event{Kind: Deleted, Path: filepath.Join(h.dir, "never.txt")})
	assert.NoError(t, err)
}

func TestHandle_UnsupportedIsSkipped(t *testing.T) {
	emb := &fakeEmbedder{}
	h := newHarness(t, emb)
	path := h.write(t, "setup.exe", "MZ binary")

	require.NoError(t, h.coord.Handle(context.Background(), Event{Kind: Created, Path: path}))

	assert.Zero(t, emb.calls.Load())
	has, err := h.graph.HasFile(context.Background(), "setup.exe")
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, Idle, h.coord.State("setup.exe"))
}

func TestHandle_ExtractionFailureWritesNothing(t *testing.T) {
	emb := &fakeEmbedder{}
	h := newHarness(t, emb)
	path := h.write(t, "blob.txt", "\x00\x01\x02\x00\x00\xff")

	err := h.coord.Handle(context.Background(), Event{Kind: Created, Path: path})

	require.Error(t, err)
	var ee *extract.ExtractionError
	assert.ErrorAs(t, err, &ee)
	assert.Equal(t, Failed, h.coord.State("blob.txt"))
	assert.Zero(t, emb.calls.Load())
	has, err := h.graph.HasFile(context.Background(), "blob.txt")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHandle_FailedFileIsReprocessed(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()
	path := h.write(t, "doc1.txt", "\x00\x00\x00\x00")
	require.Error(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	require.Equal(t, Failed, h.coord.State("doc1.txt"))

	h.write(t, "doc1.txt", words(20))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))
	assert.Equal(t, Idle, h.coord.State("doc1.txt"))
	assert.Len(t, h.chunkIDs(t, "doc1.txt"), 1)
}

func TestHandle_VanishedFileIsPurged(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()
	path := h.write(t, "doc1.txt", words(20))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))

	require.NoError(t, os.Remove(path))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))
	assert.Empty(t, h.chunkIDs(t, "doc1.txt"))
}

func TestHandle_EmbedFailureSkipsChunk(t *testing.T) {
	// Chunk 1 of a 1000 word file covers w450..w949; only it contains w500.
	emb := &fakeEmbedder{failOn: "w500 "}
	h := newHarness(t, emb)
	path := h.write(t, "doc1.txt", words(1000))

	err := h.coord.Handle(context.Background(), Event{Kind: Created, Path: path})

	require.Error(t, err, "a partially indexed file must be eligible for reprocessing")
	assert.Equal(t, Failed, h.coord.State("doc1.txt"))
	assert.ElementsMatch(t, []string{"doc1.txt_chunk_0", "doc1.txt_chunk_2"}, h.chunkIDs(t, "doc1.txt"))
	assert.ElementsMatch(t, []string{"doc1.txt_chunk_0", "doc1.txt_chunk_2"}, h.graphChunks(t, "doc1.txt"))
}

func TestHandle_EmbedOutageKeepsPreviousChunks(t *testing.T) {
	emb := &fakeEmbedder{}
	h := newHarness(t, emb)
	ctx := context.Background()
	path := h.write(t, "doc1.txt", words(1200))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	before := h.chunkIDs(t, "doc1.txt")
	require.Len(t, before, 3)

	emb.err = &embedder.EmbedError{Backend: "fake", Status: 503, Retryable: true, Err: errors.New("unavailable")}
	err := h.coord.Handle(ctx, Event{Kind: Modified, Path: path})

	require.Error(t, err)
	assert.Equal(t, Failed, h.coord.State("doc1.txt"))
	assert.ElementsMatch(t, before, h.chunkIDs(t, "doc1.txt"))
	assert.ElementsMatch(t, before, h.graphChunks(t, "doc1.txt"))

	emb.err = nil
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))
	assert.Equal(t, Idle, h.coord.State("doc1.txt"))
	assert.ElementsMatch(t, before, h.chunkIDs(t, "doc1.txt"))
}

func TestHandle_ShrinkWithSkippedChunkPrunesOnlyBeyondNewCount(t *testing.T) {
	emb := &fakeEmbedder{}
	h := newHarness(t, emb)
	ctx := context.Background()
	path := h.write(t, "doc1.txt", words(1200))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Created, Path: path}))
	require.Len(t, h.chunkIDs(t, "doc1.txt"), 3)

	// 600 words give chunks 0 (w0..w499) and 1 (w450..w599); w500 is only in chunk 1.
	emb.failOn = "w500 "
	h.write(t, "doc1.txt", words(600))
	require.Error(t, h.coord.Handle(ctx, Event{Kind: Modified, Path: path}))

	assert.ElementsMatch(t, []string{"doc1.txt_chunk_0", "doc1.txt_chunk_1"}, h.chunkIDs(t, "doc1.txt"))
	assert.ElementsMatch(t, []string{"doc1.txt_chunk_0", "doc1.txt_chunk_1"}, h.graphChunks(t, "doc1.txt"))
}

func TestHandle_DimensionMismatchIsFatal(t *testing.T) {
	emb := &fakeEmbedder{err: fmt.Errorf("%w: got 3, want 2", embedder.ErrDimensionMismatch)}
	h := newHarness(t, emb)
	path := h.write(t, "doc1.txt", words(10))

	err := h.coord.Handle(context.Background(), Event{Kind: Created, Path: path})
	assert.ErrorIs(t, err, embedder.ErrDimensionMismatch)

	runErr := h.coord.Run(context.Background())
	assert.ErrorIs(t, runErr, embedder.ErrDimensionMismatch)
	assert.ErrorIs(t, h.coord.Err(), embedder.ErrDimensionMismatch)
	assert.ErrorIs(t, h.coord.Submit(Event{Kind: Created, Path: path}), ErrClosed)
}

func TestHandle_TransientGraphFailureIsRetried(t *testing.T) {
	var flaky *flakyGraph
	h := newHarness(t, &fakeEmbedder{}, func(d *Deps, _ *Config) {
		flaky = &flakyGraph{GraphStore: d.Graph, transient: true}
		flaky.failures.Store(2)
		d.Graph = flaky
	})
	path := h.write(t, "doc1.txt", words(10))

	require.NoError(t, h.coord.Handle(context.Background(), Event{Kind: Created, Path: path}))
	assert.Len(t, h.graphChunks(t, "doc1.txt"), 1)
}

func TestHandle_PersistentGraphFailureCompensatesVector(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{}, func(d *Deps, _ *Config) {
		flaky := &flakyGraph{GraphStore: d.Graph}
		flaky.failures.Store(1)
		d.Graph = flaky
	})
	path := h.write(t, "doc1.txt", words(10))

	err := h.coord.Handle(context.Background(), Event{Kind: Created, Path: path})

	require.Error(t, err)
	assert.Equal(t, Failed, h.coord.State("doc1.txt"))
	assert.Empty(t, h.chunkIDs(t, "doc1.txt"), "vector must be removed when the graph write fails")
}

func TestSubmit_ProcessesAllFilesAndDrainsOnShutdown(t *testing.T) {
	var done atomic.Int32
	h := newHarness(t, &fakeEmbedder{}, func(_ *Deps, c *Config) {
		c.OnComplete = func(Event, error) { done.Add(1) }
	})

	const files = 8
	for i := range files {
		path := h.write(t, fmt.Sprintf("doc%d.txt", i), words(600))
		require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path, Source: "test"}))
	}
	require.NoError(t, h.coord.Shutdown(context.Background()))

	assert.EqualValues(t, files, done.Load())
	n, err := h.vectors.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, files*2, n)
	assert.ErrorIs(t, h.coord.Submit(Event{Kind: Created, Path: "x.txt"}), ErrClosed)
}

func TestSubmit_WorkerPoolBoundsConcurrency(t *testing.T) {
	emb := &fakeEmbedder{delay: 5 * time.Millisecond}
	h := newHarness(t, emb)

	for i := range 6 {
		path := h.write(t, fmt.Sprintf("doc%d.txt", i), words(1000))
		require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path}))
	}
	require.NoError(t, h.coord.Shutdown(context.Background()))

	assert.LessOrEqual(t, emb.peak.Load(), int32(2))
	assert.EqualValues(t, 18, emb.calls.Load())
}

func TestSubmit_CoalescesEventsForBusyFile(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), started: make(chan struct{})}
	var (
		mu   sync.Mutex
		runs []EventKind
	)
	h := newHarness(t, emb, func(_ *Deps, c *Config) {
		c.OnComplete = func(ev Event, _ error) {
			mu.Lock()
			runs = append(runs, ev.Kind)
			mu.Unlock()
		}
	})
	path := h.write(t, "doc1.txt", words(10))

	require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path}))
	<-emb.started
	assert.Equal(t, Processing, h.coord.State("doc1.txt"))

	require.NoError(t, h.coord.Submit(Event{Kind: Modified, Path: path}))
	require.NoError(t, h.coord.Submit(Event{Kind: Modified, Path: path}))
	require.NoError(t, os.Remove(path))
	require.NoError(t, h.coord.Submit(Event{Kind: Deleted, Path: path}))

	close(emb.gate)
	require.NoError(t, h.coord.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventKind{Created, Deleted}, runs)
	assert.Empty(t, h.chunkIDs(t, "doc1.txt"))
	has, err := h.graph.HasFile(context.Background(), "doc1.txt")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHandle_WaitsForRunningPipeline(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, emb)
	path := h.write(t, "doc1.txt", words(10))

	require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path}))
	<-emb.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.coord.Handle(ctx, Event{Kind: Modified, Path: path})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(emb.gate)
	require.NoError(t, h.coord.Handle(context.Background(), Event{Kind: Deleted, Path: path}))
	assert.Empty(t, h.chunkIDs(t, "doc1.txt"))
}

func TestShutdown_DeadlineCancelsInflightWork(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), started: make(chan struct{})}
	h := newHarness(t, emb)
	path := h.write(t, "doc1.txt", words(10))

	require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path}))
	<-emb.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.coord.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, Failed, h.coord.State("doc1.txt"))
}

func TestSubmit_RejectsInvalidKind(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	assert.Error(t, h.coord.Submit(Event{Path: "doc1.txt"}))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.Error(t, err)
}

func (h *harness) tracked() int {
	h.coord.mu.Lock()
	defer h.coord.mu.Unlock()
	return len(h.coord.files)
}

func TestCoordinator_ForgetsIdleFiles(t *testing.T) {
	h := newHarness(t, &fakeEmbedder{})
	ctx := context.Background()

	for i := range 5 {
		path := h.write(t, fmt.Sprintf("doc%d.txt", i), words(20))
		require.NoError(t, h.coord.Submit(Event{Kind: Created, Path: path}))
	}
	bad := h.write(t, "blob.txt", "\x00\x00\x00")
	require.Error(t, h.coord.Handle(ctx, Event{Kind: Created, Path: bad}))
	require.NoError(t, h.coord.Handle(ctx, Event{Kind: Deleted, Path: filepath.Join(h.dir, "gone.txt")}))
	require.NoError(t, h.coord.Shutdown(ctx))

	assert.Equal(t, 1, h.tracked(), "only the failed file stays tracked")
	assert.Equal(t, Failed, h.coord.State("blob.txt"))
	assert.Equal(t, Idle, h.coord.State("doc0.txt"))
}
