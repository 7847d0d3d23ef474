package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyQuery is returned by Retrieve for a blank query.
var ErrEmptyQuery = errors.New("rag: query must not be empty")

// DefaultRetriever implements the Retriever interface by combining an Embedder
// and a VectorStore. It embeds the query at retrieval time and delegates
// similarity search to the store.
type DefaultRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int

	// minScore drops results scoring below it. Zero keeps everything.
	minScore float32
}

// RetrieverOption configures a DefaultRetriever.
type RetrieverOption func(*DefaultRetriever)

// WithTopK sets the fallback result count used when Retrieve is called with topK=0.
func WithTopK(k int) RetrieverOption {
	return func(r *DefaultRetriever) {
		if k > 0 {
			r.defaultTopK = k
		}
	}
}

// WithMinScore drops results whose similarity is below score.
func WithMinScore(score float32) RetrieverOption {
	return func(r *DefaultRetriever) { r.minScore = score }
}

// NewRetriever constructs a DefaultRetriever from the given Embedder and VectorStore.
func NewRetriever(embedder Embedder, store VectorStore, opts ...RetrieverOption) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	r := &DefaultRetriever{
		embedder:    embedder,
		store:       store,
		defaultTopK: 5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve embeds the query and returns the top-k most relevant chunks.
// If topK is 0 the configured default is used.
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = r.defaultTopK
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}

	docs, err := r.store.Search(ctx, embeddings[0], topK)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	if r.minScore <= 0 {
		return docs, nil
	}
	kept := docs[:0]
	for _, d := range docs {
		if d.Score >= r.minScore {
			kept = append(kept, d)
		}
	}
	return kept, nil
}
