// Package main implements the corpusd CLI for document ingestion and
// retrieval operations.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/pipeline"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/retriever"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "corpusd",
	Short: "Ingestion and retrieval core for a document question-answering corpus",
	Long: `corpusd ingests legal and business documents into a retrievable corpus:
it chunks, embeds and indexes them, and answers queries with ranked,
cited passages. Documents commit atomically; a failed document never
leaves partial state behind.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resetCmd)
}

// app bundles the wired stores and services behind each command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *registry.Registry
	store     *docstore.Store
	index     *vectorindex.Index
	provider  embeddings.Provider
	pipeline  *pipeline.Service
	retriever *retriever.Retriever
}

// openApp loads configuration and opens every store. Commands share this
// wiring so they all see the same on-disk layout.
func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.Storage.DataDir, logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	store, err := docstore.Open(filepath.Join(cfg.Storage.DataDir, "processed"), logger.Named("docstore"))
	if err != nil {
		return nil, err
	}
	index, err := vectorindex.Open(filepath.Join(cfg.Storage.DataDir, "index"), vectorindex.Config{
		Metric:    vectorindex.Metric(cfg.Index.Metric),
		Dimension: cfg.Index.Dimension,
	}, logger.Named("vectorindex"))
	if err != nil {
		return nil, err
	}

	ck, err := chunker.New(chunker.Config{
		ChunkSize:         cfg.Chunking.ChunkSize,
		ChunkOverlap:      cfg.Chunking.ChunkOverlap,
		SectionScanWindow: cfg.Chunking.SectionScanWindow,
	})
	if err != nil {
		return nil, err
	}

	provider, err := embeddings.NewProvider(embeddings.Config{
		Provider:          cfg.Embedding.Provider,
		Model:             cfg.Embedding.Model,
		BaseURL:           cfg.Embedding.BaseURL,
		CacheDir:          cfg.Embedding.CacheDir,
		Timeout:           cfg.Embedding.Timeout,
		MaxRetries:        cfg.Embedding.MaxRetries,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Config{}, reg, store, index, ck,
		pipeline.NewFileExtractor(), provider, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	ret, err := retriever.New(cfg.Retrieval, reg, store, index, provider, logger.Named("retriever"))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		store:     store,
		index:     index,
		provider:  provider,
		pipeline:  pipe,
		retriever: ret,
	}, nil
}

func (a *app) close() {
	if err := a.provider.Close(); err != nil {
		a.logger.Warn("closing embedding provider", zap.Error(err))
	}
	_ = a.logger.Sync()
}
