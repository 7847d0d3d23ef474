package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/54b3r/kbingest-go/internal/rag"
)

const graphDDL = `
CREATE TABLE IF NOT EXISTS graph_files (
    id  TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS graph_chunks (
    id    TEXT PRIMARY KEY,
    text  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS graph_contains (
    file_id   TEXT NOT NULL REFERENCES graph_files (id)  ON DELETE CASCADE,
    chunk_id  TEXT NOT NULL REFERENCES graph_chunks (id) ON DELETE CASCADE,
    PRIMARY KEY (file_id, chunk_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_contains_chunk
    ON graph_contains (chunk_id);
`

// Graph is a rag.GraphStore persisted to a local SQLite file.
// Nodes and edges live in three tables; CONTAINS rows cascade when either
// endpoint is deleted, mirroring DETACH DELETE.
type Graph struct {
	*db
}

var _ rag.GraphStore = (*Graph)(nil)

// GraphStats summarises the contents of the graph.
type GraphStats struct {
	Files    int
	Chunks   int
	Contains int
}

// OpenGraph opens the graph store at path.
func OpenGraph(path string) (*Graph, error) {
	d, err := open(path, graphDDL)
	if err != nil {
		return nil, err
	}
	return &Graph{db: d}, nil
}

// MergeFile ensures a File node exists.
func (g *Graph) MergeFile(ctx context.Context, fileID string) error {
	if _, err := g.sql.ExecContext(ctx, `INSERT INTO graph_files (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, fileID); err != nil {
		return classify(fmt.Errorf("store: merge file %s: %w", fileID, err))
	}
	return nil
}

// MergeChunk ensures a Chunk node exists and sets its text.
func (g *Graph) MergeChunk(ctx context.Context, chunkID, text string) error {
	const q = `INSERT INTO graph_chunks (id, text) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET text = excluded.text`
	if _, err := g.sql.ExecContext(ctx, q, chunkID, text); err != nil {
		return classify(fmt.Errorf("store: merge chunk %s: %w", chunkID, err))
	}
	return nil
}

// MergeContains ensures a CONTAINS edge between existing File and Chunk nodes.
func (g *Graph) MergeContains(ctx context.Context, fileID, chunkID string) error {
	const q = `INSERT INTO graph_contains (file_id, chunk_id) VALUES (?, ?) ON CONFLICT (file_id, chunk_id) DO NOTHING`
	if _, err := g.sql.ExecContext(ctx, q, fileID, chunkID); err != nil {
		if isForeignKey(err) {
			return fmt.Errorf("store: merge contains %s->%s: %w", fileID, chunkID, rag.ErrMissingNode)
		}
		return classify(fmt.Errorf("store: merge contains %s->%s: %w", fileID, chunkID, err))
	}
	return nil
}

// DeleteFile removes the File node; its CONTAINS edges cascade.
func (g *Graph) DeleteFile(ctx context.Context, fileID string) error {
	if _, err := g.sql.ExecContext(ctx, `DELETE FROM graph_files WHERE id = ?`, fileID); err != nil {
		return classify(fmt.Errorf("store: delete file %s: %w", fileID, err))
	}
	return nil
}

// DeleteChunks removes Chunk nodes in one transaction; their edges cascade.
func (g *Graph) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := g.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("store: delete chunks begin: %w", err))
	}
	defer tx.Rollback()

	for _, id := range chunkIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_chunks WHERE id = ?`, id); err != nil {
			return classify(fmt.Errorf("store: delete chunk %s: %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("store: delete chunks commit: %w", err))
	}
	return nil
}

// ListChunks returns the chunk ids the File CONTAINS, ordered by id.
func (g *Graph) ListChunks(ctx context.Context, fileID string) ([]string, error) {
	rows, err := g.sql.QueryContext(ctx, `SELECT chunk_id FROM graph_contains WHERE file_id = ? ORDER BY chunk_id`, fileID)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list chunks %s: %w", fileID, err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list chunks scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chunks rows: %w", err)
	}
	return ids, nil
}

// HasFile reports whether a File node exists.
func (g *Graph) HasFile(ctx context.Context, fileID string) (bool, error) {
	var one int
	err := g.sql.QueryRowContext(ctx, `SELECT 1 FROM graph_files WHERE id = ?`, fileID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, classify(fmt.Errorf("store: has file %s: %w", fileID, err))
	}
	return true, nil
}

// ChunkText returns the stored text of a Chunk node.
func (g *Graph) ChunkText(ctx context.Context, chunkID string) (string, bool, error) {
	var text string
	err := g.sql.QueryRowContext(ctx, `SELECT text FROM graph_chunks WHERE id = ?`, chunkID).Scan(&text)
	switch {
	case err == sql.ErrNoRows:
		return "", false, nil
	case err != nil:
		return "", false, classify(fmt.Errorf("store: chunk text %s: %w", chunkID, err))
	}
	return text, true, nil
}

// Stats counts nodes and edges.
func (g *Graph) Stats(ctx context.Context) (GraphStats, error) {
	var s GraphStats
	const q = `
SELECT (SELECT count(*) FROM graph_files),
       (SELECT count(*) FROM graph_chunks),
       (SELECT count(*) FROM graph_contains)`
	if err := g.sql.QueryRowContext(ctx, q).Scan(&s.Files, &s.Chunks, &s.Contains); err != nil {
		return GraphStats{}, classify(fmt.Errorf("store: stats: %w", err))
	}
	return s, nil
}
