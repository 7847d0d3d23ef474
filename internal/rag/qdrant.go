package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Payload keys written with every point.
const (
	payloadChunkID = "chunk_id"
	payloadFileID  = "file_id"
	payloadContent = "content"
	payloadSource  = "source"
	payloadOrdinal = "ordinal"
)

// scrollPage is the number of points fetched per scroll request.
const scrollPage = 512

// pointNamespace seeds the name-based UUIDs that map chunk ids onto Qdrant
// point ids, which must be UUIDs or unsigned integers.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("kbingest/chunk"))

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use (default: knowledge).
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// and its file_id payload index exist, and returns a ready-to-use VectorStore.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "knowledge"
	}
	if cfg.VectorSize == 0 {
		return nil, fmt.Errorf("qdrant: vector size must be set")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return store, nil
}

// Client exposes the underlying client for health probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return classify(fmt.Errorf("qdrant: failed to check collection existence: %w", err))
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.cfg.Collection,
		FieldName:      payloadFileID,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to index %s on %q: %w", payloadFileID, s.cfg.Collection, err)
	}

	return nil
}

// pointID maps a chunk id onto its deterministic point UUID.
func pointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(chunkID)).String())
}

// Upsert stores or overwrites a batch of chunks with their embeddings.
// The write waits for the points to be applied so that a following
// ListIDsWithPrefix observes them.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("qdrant: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i, doc := range docs {
		payload := map[string]any{
			payloadChunkID: doc.ID,
			payloadFileID:  doc.FileID,
			payloadContent: doc.Content,
			payloadSource:  doc.Source,
			payloadOrdinal: int64(doc.Ordinal),
		}
		for k, v := range doc.Metadata {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}

		points = append(points, &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return classify(fmt.Errorf("qdrant: upsert failed: %w", err))
	}

	return nil
}

// ListIDsWithPrefix scrolls the collection and returns the chunk ids that
// start with prefix. Only the chunk_id payload field is transferred.
// Qdrant has no prefix match on keyword payloads, so the comparison is done
// client-side. A prefix built by [ChunkPrefix] is also sent as an indexed
// file_id filter so the scroll only visits that file's points.
func (s *QdrantStore) ListIDsWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var (
		ids    []string
		offset *qdrant.PointId
		limit  = uint32(scrollPage)
	)
	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Filter:         scrollFilter(prefix),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayloadInclude(payloadChunkID),
			WithVectors:    qdrant.NewWithVectors(false),
		})
		if err != nil {
			return nil, classify(fmt.Errorf("qdrant: scroll failed: %w", err))
		}
		for _, p := range resp.GetResult() {
			id := p.GetPayload()[payloadChunkID].GetStringValue()
			if strings.HasPrefix(id, prefix) {
				ids = append(ids, id)
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return ids, nil
		}
	}
}

// scrollFilter narrows a prefix scroll to one file when prefix names a
// file's chunks. Other prefixes scan the whole collection.
func scrollFilter(prefix string) *qdrant.Filter {
	fileID, ok := strings.CutSuffix(prefix, chunkSep)
	if !ok || fileID == "" {
		return nil
	}
	return &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(payloadFileID, fileID)},
	}
}

// Search performs a cosine similarity search and returns the top-k results.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	limit := uint64(topK)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(queryEmbedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("qdrant: search failed: %w", err))
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		doc := Document{
			Score:    r.Score,
			Metadata: make(map[string]string),
		}
		for k, v := range r.Payload {
			switch k {
			case payloadChunkID:
				doc.ID = v.GetStringValue()
			case payloadFileID:
				doc.FileID = v.GetStringValue()
			case payloadContent:
				doc.Content = v.GetStringValue()
			case payloadSource:
				doc.Source = v.GetStringValue()
			case payloadOrdinal:
				doc.Ordinal = int(v.GetIntegerValue())
			default:
				doc.Metadata[k] = v.GetStringValue()
			}
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Delete removes chunks from the collection by their chunk ids.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return classify(fmt.Errorf("qdrant: delete failed: %w", err))
	}

	return nil
}

// Ping checks that the Qdrant server answers its health endpoint.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return classify(fmt.Errorf("qdrant: health check failed: %w", err))
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// classify marks gRPC failures that indicate a connectivity problem as transient.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return Transient(err)
	}
	return err
}
