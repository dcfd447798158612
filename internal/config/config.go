// Package config provides configuration loading for corpusd.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration for the ingestion and retrieval core.
type Config struct {
	Storage   StorageConfig   `koanf:"storage"`
	Chunking  ChunkingConfig  `koanf:"chunking"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Index     IndexConfig     `koanf:"index"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Logging   logging.Config  `koanf:"logging"`
}

// StorageConfig locates the persisted stores.
type StorageConfig struct {
	// DataDir is the root directory; registry, full text, chunks and the
	// vector index all live under it.
	DataDir string `koanf:"data_dir"`
}

// ChunkingConfig controls document chunking.
type ChunkingConfig struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int `koanf:"chunk_size"`

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	ChunkOverlap int `koanf:"chunk_overlap"`

	// SectionScanWindow bounds how far into a chunk a heading is looked for.
	SectionScanWindow int `koanf:"section_scan_window"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	// Provider is the provider type: "tei" or "fastembed".
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// BaseURL is the embedding API URL (TEI provider only).
	BaseURL string `koanf:"base_url"`

	// CacheDir is the model cache directory (FastEmbed provider only).
	CacheDir string `koanf:"cache_dir"`

	// Timeout bounds a single embedding request.
	Timeout time.Duration `koanf:"timeout"`

	// MaxRetries caps retries of a failed embedding request. Retries are
	// always bounded; 0 disables them.
	MaxRetries int `koanf:"max_retries"`

	// RequestsPerSecond throttles calls to the provider. 0 disables the
	// limiter.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	// Metric is the distance function: "l2" or "ip". Fixed at index
	// creation; reopening with a different metric is a fatal error.
	Metric string `koanf:"metric"`

	// Dimension is the embedding dimension.
	Dimension int `koanf:"dimension"`
}

// RetrievalConfig configures hybrid retrieval.
type RetrievalConfig struct {
	// TopK is the default number of chunks returned.
	TopK int `koanf:"top_k"`

	// OverfetchFactor multiplies TopK for candidate gathering before the
	// merge and re-rank step.
	OverfetchFactor int `koanf:"overfetch_factor"`

	// SemanticWeight and LexicalWeight blend the two normalized signals.
	SemanticWeight float64 `koanf:"semantic_weight"`
	LexicalWeight  float64 `koanf:"lexical_weight"`

	// LexicalFallback returns lexical-only results when query embedding
	// fails. Off by default: retrieval fails closed.
	LexicalFallback bool `koanf:"lexical_fallback"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "corpusd_data"
	}
	if c.Chunking.ChunkSize == 0 {
		c.Chunking.ChunkSize = 1000
	}
	if c.Chunking.ChunkOverlap == 0 {
		c.Chunking.ChunkOverlap = 200
	}
	if c.Chunking.SectionScanWindow == 0 {
		c.Chunking.SectionScanWindow = 200
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "tei"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:8080"
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = 30 * time.Second
	}
	if c.Embedding.MaxRetries == 0 {
		c.Embedding.MaxRetries = 2
	}
	if c.Index.Metric == "" {
		c.Index.Metric = "l2"
	}
	if c.Index.Dimension == 0 {
		c.Index.Dimension = 384
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 5
	}
	if c.Retrieval.OverfetchFactor == 0 {
		c.Retrieval.OverfetchFactor = 4
	}
	if c.Retrieval.SemanticWeight == 0 && c.Retrieval.LexicalWeight == 0 {
		c.Retrieval.SemanticWeight = 0.7
		c.Retrieval.LexicalWeight = 0.3
	}
	c.Logging.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}
	if c.Chunking.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk_overlap cannot be negative", ErrInvalidConfig)
	}
	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be smaller than chunk_size", ErrInvalidConfig)
	}
	switch c.Embedding.Provider {
	case "tei", "fastembed":
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}
	if c.Embedding.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidConfig)
	}
	switch c.Index.Metric {
	case "l2", "ip":
	default:
		return fmt.Errorf("%w: unknown index metric %q", ErrInvalidConfig, c.Index.Metric)
	}
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("%w: index dimension must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.OverfetchFactor <= 0 {
		return fmt.Errorf("%w: overfetch_factor must be positive", ErrInvalidConfig)
	}
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		return fmt.Errorf("%w: retrieval weights cannot be negative", ErrInvalidConfig)
	}
	if c.Retrieval.SemanticWeight+c.Retrieval.LexicalWeight <= 0 {
		return fmt.Errorf("%w: retrieval weights must sum to a positive value", ErrInvalidConfig)
	}
	return c.Logging.Validate()
}
