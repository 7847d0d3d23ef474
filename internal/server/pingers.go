package server

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// pingable is anything with a context-aware Ping, such as the vector and
// graph store adapters.
type pingable interface {
	Ping(ctx context.Context) error
}

// StorePinger adapts a store client to the Pinger interface under a label.
type StorePinger struct {
	name  string
	store pingable
}

// NewStorePinger labels store for readiness responses.
func NewStorePinger(name string, store pingable) *StorePinger {
	return &StorePinger{name: name, store: store}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return p.name }

// Ping delegates to the wrapped store.
func (p *StorePinger) Ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to probe.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
