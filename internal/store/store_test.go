package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/54b3r/kbingest-go/internal/rag"
)

// openTestVectors opens an in-memory vector store for use in tests.
func openTestVectors(t *testing.T) *Vectors {
	t.Helper()
	v, err := OpenVectors(":memory:", "knowledge")
	if err != nil {
		t.Fatalf("open in-memory vectors: %v", err)
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

// openTestGraph opens an in-memory graph store for use in tests.
func openTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := OpenGraph(":memory:")
	if err != nil {
		t.Fatalf("open in-memory graph: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// chunkDocs builds n documents for fileID with unit vectors.
func chunkDocs(fileID string, n int) ([]rag.Document, [][]float32) {
	docs := make([]rag.Document, n)
	vecs := make([][]float32, n)
	for i := range n {
		docs[i] = rag.Document{
			ID:      rag.ChunkID(fileID, i),
			FileID:  fileID,
			Ordinal: i,
			Content: fmt.Sprintf("chunk %d of %s", i, fileID),
		}
		vecs[i] = []float32{float32(i + 1), 1}
	}
	return docs, vecs
}

func Test_Vectors_UpsertIsIdempotent(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	ctx := context.Background()

	docs, vecs := chunkDocs("doc1.txt", 3)
	for range 2 {
		if err := v.Upsert(ctx, docs, vecs); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	n, err := v.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("want 3 chunks after repeated upsert, got %d", n)
	}
}

func Test_Vectors_UpsertOverwritesContent(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	ctx := context.Background()

	docs, vecs := chunkDocs("doc1.txt", 1)
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}
	docs[0].Content = "rewritten"
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}

	got, err := v.Search(ctx, vecs[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "rewritten" {
		t.Errorf("want overwritten content, got %+v", got)
	}
}

func Test_Vectors_UpsertLengthMismatch(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	docs, _ := chunkDocs("doc1.txt", 2)
	if err := v.Upsert(context.Background(), docs, [][]float32{{1}}); err == nil {
		t.Error("expected error for mismatched embeddings")
	}
}

func Test_Vectors_ListPrefixIsLiteral(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	ctx := context.Background()

	// "_" would match any character under LIKE, so "aXchunk_0" must not
	// be returned for prefix "a_chunk_".
	for _, fileID := range []string{"a", "aXchunk", "ab", "b"} {
		docs, vecs := chunkDocs(fileID, 1)
		if err := v.Upsert(ctx, docs, vecs); err != nil {
			t.Fatal(err)
		}
	}
	docs, vecs := chunkDocs("a", 2)
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}

	ids, err := v.ListIDsWithPrefix(ctx, rag.ChunkPrefix("a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "a_chunk_0" || ids[1] != "a_chunk_1" {
		t.Errorf("want [a_chunk_0 a_chunk_1], got %v", ids)
	}
}

func Test_Vectors_DeleteRemovesOnlyNamedIDs(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	ctx := context.Background()

	docs, vecs := chunkDocs("doc1.txt", 3)
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}
	if err := v.Delete(ctx, []string{"doc1.txt_chunk_1", "missing_chunk_9"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ids, err := v.ListIDsWithPrefix(ctx, "doc1.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "doc1.txt_chunk_0" || ids[1] != "doc1.txt_chunk_2" {
		t.Errorf("unexpected ids after delete: %v", ids)
	}
}

func Test_Vectors_CollectionIsolation(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "vectors.db")
	ctx := context.Background()

	a, err := OpenVectors(path, "a")
	if err != nil {
		t.Fatal(err)
	}
	docs, vecs := chunkDocs("doc1.txt", 1)
	if err := a.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := OpenVectors(path, "b")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	n, err := b.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("collection b sees %d chunks from collection a", n)
	}
}

func Test_Vectors_SearchOrdersByCosine(t *testing.T) {
	t.Parallel()
	v := openTestVectors(t)
	ctx := context.Background()

	docs := []rag.Document{
		{ID: "x_chunk_0", FileID: "x", Content: "east"},
		{ID: "x_chunk_1", FileID: "x", Ordinal: 1, Content: "north"},
		{ID: "x_chunk_2", FileID: "x", Ordinal: 2, Content: "north-east"},
	}
	vecs := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}

	got, err := v.Search(ctx, []float32{0, 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 results, got %d", len(got))
	}
	if got[0].Content != "north" || got[1].Content != "north-east" {
		t.Errorf("unexpected order: %s, %s", got[0].Content, got[1].Content)
	}
	if got[0].Score < 0.99 {
		t.Errorf("identical direction scored %v", got[0].Score)
	}
}

func Test_Vectors_PersistAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "knowledge.db")
	ctx := context.Background()

	v, err := OpenVectors(path, "knowledge")
	if err != nil {
		t.Fatal(err)
	}
	docs, vecs := chunkDocs("doc1.txt", 2)
	if err := v.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	v2, err := OpenVectors(path, "knowledge")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = v2.Close() })
	ids, err := v2.ListIDsWithPrefix(ctx, rag.ChunkPrefix("doc1.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("want 2 persisted ids, got %v", ids)
	}
}

func Test_Graph_MergesAreIdempotent(t *testing.T) {
	t.Parallel()
	g := openTestGraph(t)
	ctx := context.Background()

	for range 2 {
		if err := g.MergeFile(ctx, "doc1.txt"); err != nil {
			t.Fatal(err)
		}
		if err := g.MergeChunk(ctx, "doc1.txt_chunk_0", "hello"); err != nil {
			t.Fatal(err)
		}
		if err := g.MergeContains(ctx, "doc1.txt", "doc1.txt_chunk_0"); err != nil {
			t.Fatal(err)
		}
	}

	s, err := g.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s != (GraphStats{Files: 1, Chunks: 1, Contains: 1}) {
		t.Errorf("unexpected stats after repeated merges: %+v", s)
	}
}

func Test_Graph_MergeChunkUpdatesText(t *testing.T) {
	t.Parallel()
	g := openTestGraph(t)
	ctx := context.Background()

	if err := g.MergeChunk(ctx, "c_chunk_0", "old"); err != nil {
		t.Fatal(err)
	}
	if err := g.MergeChunk(ctx, "c_chunk_0", "new"); err != nil {
		t.Fatal(err)
	}
	text, ok, err := g.ChunkText(ctx, "c_chunk_0")
	if err != nil || !ok {
		t.Fatalf("chunk text: ok=%v err=%v", ok, err)
	}
	if text != "new" {
		t.Errorf("want updated text, got %q", text)
	}
	s, _ := g.Stats(ctx)
	if s.Chunks != 1 {
		t.Errorf("text change duplicated the node: %+v", s)
	}
}

func Test_Graph_MergeContainsRequiresNodes(t *testing.T) {
	t.Parallel()
	g := openTestGraph(t)
	err := g.MergeContains(context.Background(), "ghost", "ghost_chunk_0")
	if !errors.Is(err, rag.ErrMissingNode) {
		t.Errorf("expected ErrMissingNode, got %v", err)
	}
}

func Test_Graph_DeleteFileKeepsChunks(t *testing.T) {
	t.Parallel()
	g := openTestGraph(t)
	ctx := context.Background()

	_ = g.MergeFile(ctx, "doc1.txt")
	for i := range 2 {
		id := rag.ChunkID("doc1.txt", i)
		_ = g.MergeChunk(ctx, id, "t")
		_ = g.MergeContains(ctx, "doc1.txt", id)
	}

	if err := g.DeleteFile(ctx, "doc1.txt"); err != nil {
		t.Fatal(err)
	}
	has, err := g.HasFile(ctx, "doc1.txt")
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("File node still present after DeleteFile")
	}
	s, _ := g.Stats(ctx)
	if s.Contains != 0 {
		t.Errorf("edges survived DeleteFile: %+v", s)
	}
	if s.Chunks != 2 {
		t.Errorf("DeleteFile removed chunk nodes: %+v", s)
	}

	if err := g.DeleteChunks(ctx, []string{"doc1.txt_chunk_0", "doc1.txt_chunk_1"}); err != nil {
		t.Fatal(err)
	}
	s, _ = g.Stats(ctx)
	if s.Chunks != 0 {
		t.Errorf("chunks survived DeleteChunks: %+v", s)
	}
}

func Test_Graph_ListChunks(t *testing.T) {
	t.Parallel()
	g := openTestGraph(t)
	ctx := context.Background()

	for _, f := range []string{"a", "ab"} {
		_ = g.MergeFile(ctx, f)
		id := rag.ChunkID(f, 0)
		_ = g.MergeChunk(ctx, id, f)
		_ = g.MergeContains(ctx, f, id)
	}

	ids, err := g.ListChunks(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a_chunk_0" {
		t.Errorf("ListChunks(a): got %v", ids)
	}
	ids, err = g.ListChunks(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("ListChunks(missing): got %v", ids)
	}
}

func TestClassify_PlainErrorNotTransient(t *testing.T) {
	t.Parallel()
	if rag.IsTransient(classify(errors.New("no such table"))) {
		t.Error("plain error classified as transient")
	}
}

func TestEncodeVector_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: got %v want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosine_ZeroVector(t *testing.T) {
	t.Parallel()
	if got := cosine([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("cosine with zero vector: got %v", got)
	}
}
