// Package rag defines the storage and embedding contracts of the ingestion
// pipeline: the vector store, the graph store, the embedder and the retriever
// that downstream consumers use to read the index back.
// Concrete backends (Qdrant, SQLite, Neo4j) satisfy these interfaces so the
// coordinator never depends on a specific store.
package rag

import (
	"context"
)

// Document represents one chunk as stored in or returned from a vector store.
type Document struct {
	// ID is the chunk id, "<file_id>_chunk_<ordinal>".
	ID string

	// FileID identifies the owning source file (its base filename).
	FileID string

	// Ordinal is the zero-based position of the chunk within its file.
	Ordinal int

	// Content is the raw text content of the chunk.
	Content string

	// Source is the path the chunk was extracted from.
	Source string

	// Metadata holds arbitrary key-value pairs carried with the chunk.
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval (0.0–1.0).
	// Zero value means the score was not computed.
	Score float32
}

// VectorStore is the interface for persisting and searching chunk embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or overwrites a batch of documents with their embeddings.
	// The embeddings slice must be parallel to docs: embeddings[i] is the vector for docs[i].
	// Writing the same id twice replaces the earlier record.
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// ListIDsWithPrefix returns every stored id that starts with prefix.
	// The match is a literal string prefix; no character has wildcard meaning.
	ListIDsWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Delete removes documents by their IDs. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search performs a semantic similarity search and returns the top-k
	// most relevant documents for the given query embedding.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// GraphStore is the interface for the File→Chunk containment graph.
// All merges are match-or-create: repeating a call with identical arguments
// never produces duplicate nodes or edges.
// Implementations must be safe to call from multiple goroutines.
type GraphStore interface {
	// MergeFile ensures a File node with the given id exists.
	MergeFile(ctx context.Context, fileID string) error

	// MergeChunk ensures a Chunk node with the given id exists and sets its text.
	MergeChunk(ctx context.Context, chunkID, text string) error

	// MergeContains ensures a CONTAINS edge from the File to the Chunk.
	// Both nodes must already exist.
	MergeContains(ctx context.Context, fileID, chunkID string) error

	// DeleteFile removes the File node and its direct relationships.
	// Chunk nodes are left in place; use DeleteChunks for those.
	DeleteFile(ctx context.Context, fileID string) error

	// DeleteChunks removes Chunk nodes and their relationships. Unknown ids are ignored.
	DeleteChunks(ctx context.Context, chunkIDs []string) error

	// ListChunks returns the ids of every Chunk the File CONTAINS.
	ListChunks(ctx context.Context, fileID string) ([]string, error)

	// HasFile reports whether a File node with the given id exists.
	HasFile(ctx context.Context, fileID string) (bool, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the read-side interface consumers use to fetch relevant
// chunks for a query. It combines embedding and vector search.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant documents for the given query.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
