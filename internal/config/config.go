// Package config provides file-based configuration for kbingest.
// Configuration is loaded with a layered precedence: defaults → config file → env vars.
// Environment variables always win, so deployments driven purely by env are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. KBINGEST_CONFIG environment variable
//  3. ~/.kbingest/config.yaml
//  4. ./kbingest.yaml
//
// Files ending in .toml are parsed as TOML, everything else as YAML.
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
// Field names use tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Watch configures the ingestion directory and event sources.
	Watch WatchConfig `yaml:"watch" toml:"watch"`

	// Pipeline configures chunking and the worker pool.
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`

	// Vector configures the vector store backend.
	Vector VectorConfig `yaml:"vector" toml:"vector"`

	// Graph configures the graph store backend.
	Graph GraphConfig `yaml:"graph" toml:"graph"`

	// Extract configures text extraction.
	Extract ExtractConfig `yaml:"extract" toml:"extract"`

	// Server configures the ops HTTP listener.
	Server ServerConfig `yaml:"server" toml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// WatchConfig holds event-source settings.
type WatchConfig struct {
	// Dir is the ingestion directory. Only its top level is watched.
	Dir string `yaml:"dir" toml:"dir"`
	// Debounce coalesces bursts of writes to one path, e.g. "500ms".
	Debounce string `yaml:"debounce" toml:"debounce"`
	// ReconcileInterval is the period of the full directory re-list, e.g. "1s".
	ReconcileInterval string `yaml:"reconcile_interval" toml:"reconcile_interval"`
	// Ignore lists doublestar globs matched against base filenames.
	Ignore []string `yaml:"ignore" toml:"ignore"`
}

// PipelineConfig holds chunking and concurrency settings.
type PipelineConfig struct {
	// ChunkSize is the chunk window in words.
	ChunkSize int `yaml:"chunk_size" toml:"chunk_size"`
	// ChunkOverlap is the number of words shared by adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap" toml:"chunk_overlap"`
	// Workers bounds the number of files processed concurrently.
	Workers int `yaml:"workers" toml:"workers"`
	// StoreTimeout bounds each individual store call, e.g. "10s".
	StoreTimeout string `yaml:"store_timeout" toml:"store_timeout"`
	// DrainTimeout bounds how long shutdown waits for in-flight files, e.g. "30s".
	DrainTimeout string `yaml:"drain_timeout" toml:"drain_timeout"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (openai, azure, ollama).
	Provider string `yaml:"provider" toml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model" toml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions" toml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	// Timeout bounds a single embedding request, e.g. "30s".
	Timeout string `yaml:"timeout" toml:"timeout"`
	// MaxRetries bounds retries of transient failures. An explicit 0
	// disables retries; leaving it out keeps the default.
	MaxRetries *int `yaml:"max_retries" toml:"max_retries"`
	// RPS throttles requests per second. Zero disables throttling.
	RPS float64 `yaml:"rps" toml:"rps"`
}

// VectorConfig holds vector store settings.
type VectorConfig struct {
	// Backend selects the store: sqlite (local path) or qdrant.
	Backend string `yaml:"backend" toml:"backend"`
	// Collection is the collection name.
	Collection string `yaml:"collection" toml:"collection"`
	// Path is the SQLite database path for the sqlite backend.
	Path string `yaml:"path" toml:"path"`
	// Qdrant holds Qdrant connection settings.
	Qdrant QdrantConfig `yaml:"qdrant" toml:"qdrant"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host" toml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port" toml:"port"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key" toml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls" toml:"tls"`
}

// GraphConfig holds graph store settings.
type GraphConfig struct {
	// Backend selects the store: neo4j or sqlite.
	Backend string `yaml:"backend" toml:"backend"`
	// Path is the SQLite database path for the sqlite backend.
	Path string `yaml:"path" toml:"path"`
	// Neo4j holds Neo4j connection settings.
	Neo4j Neo4jConfig `yaml:"neo4j" toml:"neo4j"`
}

// Neo4jConfig holds Neo4j connection settings.
type Neo4jConfig struct {
	// URI is the bolt or neo4j URI.
	URI string `yaml:"uri" toml:"uri"`
	// User is the basic-auth user.
	User string `yaml:"user" toml:"user"`
	// Password is the basic-auth password. Prefer env var NEO4J_PASSWORD.
	Password string `yaml:"password" toml:"password"`
	// Database selects a named database. Empty uses the server default.
	Database string `yaml:"database" toml:"database"`
}

// ExtractConfig holds text extraction settings.
type ExtractConfig struct {
	// OCRCommand is the OCR binary invoked for images.
	OCRCommand string `yaml:"ocr_command" toml:"ocr_command"`
	// OCRLanguage is passed to the OCR binary as -l.
	OCRLanguage string `yaml:"ocr_language" toml:"ocr_language"`
}

// ServerConfig holds ops HTTP listener settings.
type ServerConfig struct {
	// MetricsAddr is the listen address for health and metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`
	// APIKey, when set, is the Bearer token required on /metrics and /api/ready.
	APIKey string `yaml:"api_key" toml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level" toml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format" toml:"format"`
}

// envMapping maps config fields to their corresponding env var names.
// Only non-empty file values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"WATCH_DIR", func(c *Config) string { return c.Watch.Dir }},
	{"WATCH_DEBOUNCE", func(c *Config) string { return c.Watch.Debounce }},
	{"RECONCILE_INTERVAL", func(c *Config) string { return c.Watch.ReconcileInterval }},
	{"IGNORE_PATTERNS", func(c *Config) string { return strings.Join(c.Watch.Ignore, ",") }},
	{"CHUNK_SIZE", func(c *Config) string { return intStr(c.Pipeline.ChunkSize) }},
	{"CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Pipeline.ChunkOverlap) }},
	{"INGEST_WORKERS", func(c *Config) string { return intStr(c.Pipeline.Workers) }},
	{"STORE_TIMEOUT", func(c *Config) string { return c.Pipeline.StoreTimeout }},
	{"DRAIN_TIMEOUT", func(c *Config) string { return c.Pipeline.DrainTimeout }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"EMBEDDING_MAX_RETRIES", func(c *Config) string { return intPtrStr(c.Embedding.MaxRetries) }},
	{"EMBEDDING_RPS", func(c *Config) string { return floatStr(c.Embedding.RPS) }},
	{"VECTOR_STORE", func(c *Config) string { return c.Vector.Backend }},
	{"VECTOR_COLLECTION", func(c *Config) string { return c.Vector.Collection }},
	{"VECTOR_DB_PATH", func(c *Config) string { return c.Vector.Path }},
	{"QDRANT_HOST", func(c *Config) string { return c.Vector.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Vector.Qdrant.Port) }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Vector.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Vector.Qdrant.TLS) }},
	{"GRAPH_STORE", func(c *Config) string { return c.Graph.Backend }},
	{"GRAPH_DB_PATH", func(c *Config) string { return c.Graph.Path }},
	{"NEO4J_URI", func(c *Config) string { return c.Graph.Neo4j.URI }},
	{"NEO4J_USER", func(c *Config) string { return c.Graph.Neo4j.User }},
	{"NEO4J_PASSWORD", func(c *Config) string { return c.Graph.Neo4j.Password }},
	{"NEO4J_DATABASE", func(c *Config) string { return c.Graph.Neo4j.Database }},
	{"OCR_COMMAND", func(c *Config) string { return c.Extract.OCRCommand }},
	{"OCR_LANGUAGE", func(c *Config) string { return c.Extract.OCRLanguage }},
	{"METRICS_ADDR", func(c *Config) string { return c.Server.MetricsAddr }},
	{"OPS_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
}

// Load reads a config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg, err := parse(path, data)
	if err != nil {
		return "", err
	}

	applied := 0
	for _, m := range envMapping {
		fileVal := m.value(cfg)
		if fileVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		os.Setenv(m.envKey, fileVal)
		applied++
	}

	log.Info("config: loaded config file",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// parse decodes data as TOML or YAML depending on the file extension.
func parse(path string, data []byte) (*Config, error) {
	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KBINGEST_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".kbingest", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kbingest.yaml"); err == nil {
		return "kbingest.yaml"
	}

	return ""
}

// String returns the env value for key, or fallback when unset.
func String(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Int returns the env value for key parsed as an int, or fallback when unset
// or unparseable.
func Int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Float returns the env value for key parsed as a float64, or fallback.
func Float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// Duration returns the env value for key parsed by [time.ParseDuration],
// or fallback when unset or unparseable.
func Duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Bool reports whether the env value for key is "true" or "1".
func Bool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

// List splits a comma-separated env value, dropping empty entries.
func List(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// intPtrStr converts a set int to string, returning "" when it is unset.
func intPtrStr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// floatStr converts a float64 to string, returning "" for zero values.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
