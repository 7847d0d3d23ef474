package embedder

import (
	"fmt"
	"log/slog"

	"github.com/54b3r/kbingest-go/internal/config"
	"github.com/54b3r/kbingest-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOpenAIModel = "text-embedding-ada-002"
	defaultOllamaModel = "nomic-embed-text"

	// defaultOpenAIDimensions is the output dimension of text-embedding-ada-002
	// and text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ, override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768

	defaultProvider = "openai"
)

// Provider returns the configured embedding backend name.
func Provider() string {
	return config.String("EMBEDDING_PROVIDER", defaultProvider)
}

// DefaultDimensions returns the embedding vector size for the given backend.
// Callers that pre-configure a vector store (e.g. Qdrant collection creation)
// should use this rather than hardcoding a value. EMBEDDING_DIMENSIONS always
// takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := config.Int("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// NewBackendFromEnv constructs the raw backend embedder named by
// EMBEDDING_PROVIDER (default openai) without any retry wrapping.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER: openai, azure or ollama
//  2. EMBEDDING_API_KEY, falling back to OPENAI_API_KEY / AZURE_OPENAI_API_KEY
//  3. EMBEDDING_ENDPOINT, falling back to the backend's public endpoint
//  4. EMBEDDING_MODEL, falling back to the backend default
//  5. EMBEDDING_DIMENSIONS, falling back to the model default
func NewBackendFromEnv() (rag.Embedder, error) {
	backend := Provider()
	model := config.String("EMBEDDING_MODEL", "")

	switch backend {
	case "ollama":
		if model == "" {
			model = defaultOllamaModel
		}
		host := config.String("EMBEDDING_ENDPOINT", config.String("OLLAMA_HOST", "http://localhost:11434"))
		return NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model}), nil

	case "openai":
		if model == "" {
			model = defaultOpenAIModel
		}
		apiKey := config.String("EMBEDDING_API_KEY", config.String("OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    config.String("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions(backend),
		}), nil

	case "azure":
		if model == "" {
			model = defaultOpenAIModel
		}
		apiKey := config.String("EMBEDDING_API_KEY", config.String("AZURE_OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := config.String("EMBEDDING_ENDPOINT", config.String("AZURE_OPENAI_ENDPOINT", ""))
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions(backend),
			Azure:      true,
			APIVersion: config.String("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q, valid values: openai, azure, ollama", backend)
	}
}

// NewFromEnv constructs the configured backend wrapped in a [Resilient]
// embedder using EMBEDDING_TIMEOUT, EMBEDDING_MAX_RETRIES and EMBEDDING_RPS.
// EMBEDDING_MAX_RETRIES=0 makes a single attempt per batch.
func NewFromEnv(log *slog.Logger) (*Resilient, error) {
	inner, err := NewBackendFromEnv()
	if err != nil {
		return nil, err
	}
	retries := config.Int("EMBEDDING_MAX_RETRIES", DefaultMaxRetries)
	if retries == 0 {
		retries = -1
	}
	return NewResilient(inner, ResilientConfig{
		Timeout:    config.Duration("EMBEDDING_TIMEOUT", DefaultTimeout),
		MaxRetries: retries,
		RPS:        config.Float("EMBEDDING_RPS", 0),
		Dimensions: DefaultDimensions(Provider()),
		Logger:     log,
	}), nil
}
