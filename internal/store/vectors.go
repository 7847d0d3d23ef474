package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/54b3r/kbingest-go/internal/rag"
)

const vectorsDDL = `
CREATE TABLE IF NOT EXISTS chunks (
    collection  TEXT    NOT NULL,
    id          TEXT    NOT NULL,
    file_id     TEXT    NOT NULL,
    ordinal     INTEGER NOT NULL,
    content     TEXT    NOT NULL,
    source      TEXT    NOT NULL DEFAULT '',
    metadata    TEXT    NOT NULL DEFAULT '{}',
    dimension   INTEGER NOT NULL,
    vector      BLOB    NOT NULL,
    updated_at  INTEGER NOT NULL,  -- Unix timestamp (seconds)
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_chunks_collection_file
    ON chunks (collection, file_id);
`

// Vectors is a rag.VectorStore persisted to a local SQLite file.
// Records are grouped by collection so several indexes can share one file.
// Search is a brute-force cosine scan, which is adequate for a single
// knowledge directory.
type Vectors struct {
	*db

	// collection scopes every read and write.
	collection string
}

var _ rag.VectorStore = (*Vectors)(nil)

// OpenVectors opens the vector store at path using the named collection.
func OpenVectors(path, collection string) (*Vectors, error) {
	if collection == "" {
		collection = "knowledge"
	}
	d, err := open(path, vectorsDDL)
	if err != nil {
		return nil, err
	}
	return &Vectors{db: d, collection: collection}, nil
}

// Upsert stores or overwrites chunks in a single transaction.
func (v *Vectors) Upsert(ctx context.Context, docs []rag.Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("store: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return nil
	}

	tx, err := v.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("store: upsert begin: %w", err))
	}
	defer tx.Rollback()

	const q = `
INSERT INTO chunks (collection, id, file_id, ordinal, content, source, metadata, dimension, vector, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET
    file_id    = excluded.file_id,
    ordinal    = excluded.ordinal,
    content    = excluded.content,
    source     = excluded.source,
    metadata   = excluded.metadata,
    dimension  = excluded.dimension,
    vector     = excluded.vector,
    updated_at = excluded.updated_at`

	now := time.Now().Unix()
	for i, doc := range docs {
		if len(embeddings[i]) == 0 {
			return fmt.Errorf("store: empty embedding for %s", doc.ID)
		}
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("store: encode metadata for %s: %w", doc.ID, err)
		}
		if _, err := tx.ExecContext(ctx, q,
			v.collection, doc.ID, doc.FileID, doc.Ordinal, doc.Content, doc.Source,
			string(meta), len(embeddings[i]), encodeVector(embeddings[i]), now,
		); err != nil {
			return classify(fmt.Errorf("store: upsert %s: %w", doc.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("store: upsert commit: %w", err))
	}
	return nil
}

// ListIDsWithPrefix returns ids starting with prefix, ordered by id.
// LIKE is avoided because "_" is one of its wildcards and file ids routinely
// contain underscores.
func (v *Vectors) ListIDsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	const q = `
SELECT id FROM chunks
WHERE  collection = ? AND substr(id, 1, length(?)) = ?
ORDER  BY id`

	rows, err := v.sql.QueryContext(ctx, q, v.collection, prefix, prefix)
	if err != nil {
		return nil, classify(fmt.Errorf("store: list prefix: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list prefix scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list prefix rows: %w", err)
	}
	return ids, nil
}

// Delete removes chunks by id in a single transaction.
func (v *Vectors) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := v.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("store: delete begin: %w", err))
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ? AND id = ?`, v.collection, id); err != nil {
			return classify(fmt.Errorf("store: delete %s: %w", id, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("store: delete commit: %w", err))
	}
	return nil
}

// Search scans the collection and returns the topK chunks by cosine similarity.
// Records whose dimension differs from the query are skipped.
func (v *Vectors) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]rag.Document, error) {
	if topK <= 0 || len(queryEmbedding) == 0 {
		return nil, nil
	}

	const q = `
SELECT id, file_id, ordinal, content, source, metadata, vector
FROM   chunks
WHERE  collection = ? AND dimension = ?`

	rows, err := v.sql.QueryContext(ctx, q, v.collection, len(queryEmbedding))
	if err != nil {
		return nil, classify(fmt.Errorf("store: search: %w", err))
	}
	defer rows.Close()

	var docs []rag.Document
	for rows.Next() {
		var (
			doc  rag.Document
			meta string
			blob []byte
		)
		if err := rows.Scan(&doc.ID, &doc.FileID, &doc.Ordinal, &doc.Content, &doc.Source, &meta, &blob); err != nil {
			return nil, fmt.Errorf("store: search scan: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", doc.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("store: decode metadata %s: %w", doc.ID, err)
		}
		doc.Score = cosine(queryEmbedding, vec)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search rows: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

// Count returns the number of chunks in the collection.
func (v *Vectors) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.sql.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE collection = ?`, v.collection).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("store: count: %w", err))
	}
	return n, nil
}

// encodeVector serialises a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// cosine returns the cosine similarity of a and b, or 0 if either is a zero vector.
func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
