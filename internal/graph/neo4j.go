// Package graph provides the Neo4j-backed GraphStore. Files and chunks are
// modelled as (:File {id}) and (:Chunk {id, text}) nodes joined by
// (:File)-[:CONTAINS]->(:Chunk) relationships.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/54b3r/kbingest-go/internal/rag"
)

// closeTimeout bounds driver shutdown.
const closeTimeout = 10 * time.Second

// Config holds connection parameters for a Neo4j instance.
type Config struct {
	// URI is the bolt:// or neo4j:// address (default: bolt://localhost:7687).
	URI string

	// User is the basic-auth user name (default: neo4j).
	User string

	// Password is the basic-auth password.
	Password string

	// Database selects a named database. Empty uses the server default.
	Database string
}

// Neo4jStore implements rag.GraphStore on a Neo4j driver.
type Neo4jStore struct {
	// driver is the process-wide connection pool.
	driver neo4j.DriverWithContext

	// database is passed to every query.
	database string
}

var _ rag.GraphStore = (*Neo4jStore)(nil)

// schema holds the uniqueness constraints the merges rely on.
var schema = []string{
	`CREATE CONSTRAINT file_id_unique IF NOT EXISTS FOR (f:File) REQUIRE f.id IS UNIQUE`,
	`CREATE CONSTRAINT chunk_id_unique IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
}

// NewNeo4jStore connects to Neo4j, verifies connectivity and ensures the
// uniqueness constraints exist.
func NewNeo4jStore(ctx context.Context, cfg *Config) (*Neo4jStore, error) {
	if cfg.URI == "" {
		cfg.URI = "bolt://localhost:7687"
	}
	if cfg.User == "" {
		cfg.User = "neo4j"
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: failed to create driver for %s: %w", cfg.URI, err)
	}

	s := &Neo4jStore{driver: driver, database: cfg.Database}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := s.write(ctx, stmt, nil); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("neo4j: failed to apply schema: %w", err)
		}
	}
	return s, nil
}

// write runs cypher against the leader.
func (s *Neo4jStore) write(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
		neo4j.ExecuteQueryWithWritersRouting(),
	)
	return res, classify(err)
}

// read runs cypher against any reader.
func (s *Neo4jStore) read(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	res, err := neo4j.ExecuteQuery(ctx, s.driver, cypher, params, neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(s.database),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	return res, classify(err)
}

// MergeFile ensures a File node exists.
func (s *Neo4jStore) MergeFile(ctx context.Context, fileID string) error {
	if _, err := s.write(ctx, `MERGE (:File {id: $id})`, map[string]any{"id": fileID}); err != nil {
		return fmt.Errorf("neo4j: merge file %s: %w", fileID, err)
	}
	return nil
}

// MergeChunk ensures a Chunk node exists and sets its text. Merging on id
// alone keeps a changed text from creating a second node.
func (s *Neo4jStore) MergeChunk(ctx context.Context, chunkID, text string) error {
	const cypher = `MERGE (c:Chunk {id: $id}) SET c.text = $text`
	if _, err := s.write(ctx, cypher, map[string]any{"id": chunkID, "text": text}); err != nil {
		return fmt.Errorf("neo4j: merge chunk %s: %w", chunkID, err)
	}
	return nil
}

// MergeContains ensures a CONTAINS relationship between existing nodes.
func (s *Neo4jStore) MergeContains(ctx context.Context, fileID, chunkID string) error {
	const cypher = `
MATCH (f:File {id: $file})
MATCH (c:Chunk {id: $chunk})
MERGE (f)-[:CONTAINS]->(c)
RETURN count(*) AS n`
	res, err := s.write(ctx, cypher, map[string]any{"file": fileID, "chunk": chunkID})
	if err != nil {
		return fmt.Errorf("neo4j: merge contains %s->%s: %w", fileID, chunkID, err)
	}
	if n, err := countOf(res); err != nil || n == 0 {
		return fmt.Errorf("neo4j: merge contains %s->%s: %w", fileID, chunkID, rag.ErrMissingNode)
	}
	return nil
}

// DeleteFile detaches and removes the File node. Chunk nodes are untouched.
func (s *Neo4jStore) DeleteFile(ctx context.Context, fileID string) error {
	if _, err := s.write(ctx, `MATCH (f:File {id: $id}) DETACH DELETE f`, map[string]any{"id": fileID}); err != nil {
		return fmt.Errorf("neo4j: delete file %s: %w", fileID, err)
	}
	return nil
}

// DeleteChunks detaches and removes Chunk nodes.
func (s *Neo4jStore) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	const cypher = `UNWIND $ids AS id MATCH (c:Chunk {id: id}) DETACH DELETE c`
	if _, err := s.write(ctx, cypher, map[string]any{"ids": chunkIDs}); err != nil {
		return fmt.Errorf("neo4j: delete %d chunks: %w", len(chunkIDs), err)
	}
	return nil
}

// ListChunks returns the ids of every Chunk the File CONTAINS.
func (s *Neo4jStore) ListChunks(ctx context.Context, fileID string) ([]string, error) {
	const cypher = `MATCH (:File {id: $id})-[:CONTAINS]->(c:Chunk) RETURN c.id AS id ORDER BY id`
	res, err := s.read(ctx, cypher, map[string]any{"id": fileID})
	if err != nil {
		return nil, fmt.Errorf("neo4j: list chunks %s: %w", fileID, err)
	}
	ids := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		id, _, err := neo4j.GetRecordValue[string](rec, "id")
		if err != nil {
			return nil, fmt.Errorf("neo4j: list chunks %s: %w", fileID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// HasFile reports whether a File node exists.
func (s *Neo4jStore) HasFile(ctx context.Context, fileID string) (bool, error) {
	res, err := s.read(ctx, `MATCH (f:File {id: $id}) RETURN count(f) AS n`, map[string]any{"id": fileID})
	if err != nil {
		return false, fmt.Errorf("neo4j: has file %s: %w", fileID, err)
	}
	n, err := countOf(res)
	if err != nil {
		return false, fmt.Errorf("neo4j: has file %s: %w", fileID, err)
	}
	return n > 0, nil
}

// Ping verifies the server is reachable with the configured credentials.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j: connectivity check failed: %w", classify(err))
	}
	return nil
}

// Close shuts down the driver and its connection pool.
func (s *Neo4jStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.driver.Close(ctx)
}

// countOf reads the "n" column of a single-row count query.
func countOf(res *neo4j.EagerResult) (int64, error) {
	if len(res.Records) == 0 {
		return 0, nil
	}
	n, _, err := neo4j.GetRecordValue[int64](res.Records[0], "n")
	return n, err
}

// classify marks failures the driver considers retryable as transient.
func classify(err error) error {
	if err != nil && neo4j.IsRetryable(err) {
		return rag.Transient(err)
	}
	return err
}
