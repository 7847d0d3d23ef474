package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbingest-go/internal/chunker"
	"github.com/54b3r/kbingest-go/internal/config"
	"github.com/54b3r/kbingest-go/internal/embedder"
	"github.com/54b3r/kbingest-go/internal/extract"
	"github.com/54b3r/kbingest-go/internal/graph"
	"github.com/54b3r/kbingest-go/internal/ingestion"
	"github.com/54b3r/kbingest-go/internal/rag"
	"github.com/54b3r/kbingest-go/internal/server"
	"github.com/54b3r/kbingest-go/internal/store"
)

const (
	// startupPingTimeout bounds the connectivity check run before any work.
	startupPingTimeout = 15 * time.Second

	// defaultDrainTimeout bounds how long shutdown waits for in-flight files.
	defaultDrainTimeout = 30 * time.Second
)

// runtime holds the long-lived clients every command shares. Stores are
// created once here and closed after the coordinator drains.
type runtime struct {
	log      *slog.Logger
	embedder *embedder.Resilient
	vectors  rag.VectorStore
	graph    rag.GraphStore
	pingers  []server.Pinger
}

// openRuntime builds the embedder, opens the vector store and, when
// withGraph is set, the graph store, then verifies they are reachable. A
// store that cannot be reached is a fatal startup error.
func openRuntime(ctx context.Context, log *slog.Logger, withGraph bool) (*runtime, error) {
	if err := embedder.ValidateConfig(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("provider", embedder.Provider()),
		slog.Int("dimensions", emb.Dimensions()),
	)

	rt := &runtime{log: log, embedder: emb}

	if err := rt.openVectors(ctx); err != nil {
		return nil, err
	}
	if withGraph {
		if err := rt.openGraph(ctx); err != nil {
			rt.Close()
			return nil, err
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()
	if err := server.NewMultiPinger(rt.pingers...).Ping(pingCtx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("store connectivity check failed: %w", err)
	}
	return rt, nil
}

// openVectors opens the vector store named by VECTOR_STORE (sqlite or qdrant).
func (rt *runtime) openVectors(ctx context.Context) error {
	collection := config.String("VECTOR_COLLECTION", "knowledge")

	switch backend := config.String("VECTOR_STORE", "sqlite"); backend {
	case "sqlite":
		path := config.String("VECTOR_DB_PATH", "chroma_db/knowledge.db")
		v, err := store.OpenVectors(path, collection)
		if err != nil {
			return fmt.Errorf("failed to open vector store at %s: %w", path, err)
		}
		rt.vectors = v
		rt.pingers = append(rt.pingers, server.NewStorePinger("vector_store", v))
		rt.log.Info("vector store ready", slog.String("backend", backend), slog.String("path", path), slog.String("collection", collection))

	case "qdrant":
		host := config.String("QDRANT_HOST", "localhost")
		port := config.Int("QDRANT_PORT", 6334)
		vectorSize := uint64(rt.embedder.Dimensions()) //nolint:gosec // dimensions are bounded
		q, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: collection,
			VectorSize: vectorSize,
			APIKey:     config.String("QDRANT_API_KEY", ""),
			UseTLS:     config.Bool("QDRANT_TLS"),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		rt.vectors = q
		rt.pingers = append(rt.pingers, server.NewQdrantPinger(q.Client()))
		rt.log.Info("vector store ready", slog.String("backend", backend), slog.String("host", host), slog.Int("port", port), slog.String("collection", collection))

	default:
		return fmt.Errorf("unknown VECTOR_STORE %q, valid values: sqlite, qdrant", backend)
	}
	return nil
}

// openGraph opens the graph store named by GRAPH_STORE (neo4j or sqlite).
func (rt *runtime) openGraph(ctx context.Context) error {
	switch backend := config.String("GRAPH_STORE", "neo4j"); backend {
	case "neo4j":
		cfg := &graph.Config{
			URI:      config.String("NEO4J_URI", "bolt://localhost:7687"),
			User:     config.String("NEO4J_USER", "neo4j"),
			Password: config.String("NEO4J_PASSWORD", ""),
			Database: config.String("NEO4J_DATABASE", ""),
		}
		g, err := graph.NewNeo4jStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Neo4j at %s: %w", cfg.URI, err)
		}
		rt.graph = g
		rt.pingers = append(rt.pingers, server.NewStorePinger("graph_store", g))
		rt.log.Info("graph store ready", slog.String("backend", backend), slog.String("uri", cfg.URI))

	case "sqlite":
		path := config.String("GRAPH_DB_PATH", "chroma_db/graph.db")
		g, err := store.OpenGraph(path)
		if err != nil {
			return fmt.Errorf("failed to open graph store at %s: %w", path, err)
		}
		rt.graph = g
		rt.pingers = append(rt.pingers, server.NewStorePinger("graph_store", g))
		rt.log.Info("graph store ready", slog.String("backend", backend), slog.String("path", path))

	default:
		return fmt.Errorf("unknown GRAPH_STORE %q, valid values: neo4j, sqlite", backend)
	}
	return nil
}

// coordinator wires the pipeline components into a Coordinator.
func (rt *runtime) coordinator(reg prometheus.Registerer, onComplete func(ingestion.Event, error)) (*ingestion.Coordinator, error) {
	chunk, err := chunker.New(
		config.Int("CHUNK_SIZE", chunker.DefaultSize),
		config.Int("CHUNK_OVERLAP", chunker.DefaultOverlap),
	)
	if err != nil {
		return nil, err
	}
	ext := extract.New(
		extract.WithOCRCommand(config.String("OCR_COMMAND", "")),
		extract.WithOCRLanguage(config.String("OCR_LANGUAGE", "")),
		extract.WithLogger(rt.log),
	)

	var metrics *ingestion.Metrics
	if reg != nil {
		metrics = ingestion.NewMetrics(reg)
	}
	return ingestion.New(ingestion.Deps{
		Extractor: ext,
		Chunker:   chunk,
		Embedder:  rt.embedder,
		Vectors:   rt.vectors,
		Graph:     rt.graph,
	}, ingestion.Config{
		Workers:      config.Int("INGEST_WORKERS", ingestion.DefaultWorkers),
		StoreTimeout: config.Duration("STORE_TIMEOUT", ingestion.DefaultStoreTimeout),
		OnComplete:   onComplete,
		Logger:       rt.log,
		Metrics:      metrics,
	})
}

// drain shuts coord down within DRAIN_TIMEOUT.
func (rt *runtime) drain(coord *ingestion.Coordinator) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.Duration("DRAIN_TIMEOUT", defaultDrainTimeout))
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		return fmt.Errorf("drain did not finish: %w", err)
	}
	return nil
}

// Close releases the stores.
func (rt *runtime) Close() {
	var errs []error
	if rt.vectors != nil {
		errs = append(errs, rt.vectors.Close())
	}
	if rt.graph != nil {
		errs = append(errs, rt.graph.Close())
	}
	if err := errors.Join(errs...); err != nil {
		rt.log.Warn("failed to close stores cleanly", slog.String("error", err.Error()))
	}
}
