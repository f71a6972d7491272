package localdocs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/brunobiangulo/localdocs/embedding"
)

// Config holds all configuration for the LocalDocs database.
type Config struct {
	// StorageRoot is the directory holding the chunk database and the
	// vector index. If empty, defaults to ~/.localdocs.
	StorageRoot string `json:"storage_root" yaml:"storage_root"`

	// ChunkSize is the character budget per chunk.
	ChunkSize int `json:"chunk_size" yaml:"chunk_size"`

	// FileExtensions lists the indexable extensions, without dots.
	FileExtensions []string `json:"file_extensions" yaml:"file_extensions"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// BatchSize caps chunks per embedding request.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ScanBatchBudget is the wall-clock slice the scanner spends inside one
	// transaction before yielding.
	ScanBatchBudget time.Duration `json:"scan_batch_budget" yaml:"scan_batch_budget"`

	// ScanInterval is the pause between scan slices.
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval"`

	// EventBuffer sizes the Events channel. Events overflowing the buffer
	// are dropped.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	// Embedding configures the embedding provider.
	Embedding embedding.Config `json:"embedding" yaml:"embedding"`

	// Provider, when set, overrides the provider built from Embedding.
	Provider embedding.Provider `json:"-" yaml:"-"`

	// Watcher, when set, overrides the filesystem watcher. When nil a
	// fsnotify watcher is used.
	Watcher Watcher `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with defaults for local inference.
// Data is stored under ~/.localdocs.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       512,
		FileExtensions:  []string{"txt", "md", "rst", "pdf", "xlsx"},
		EmbeddingDim:    768,
		BatchSize:       100,
		ScanBatchBudget: 100 * time.Millisecond,
		ScanInterval:    5 * time.Millisecond,
		EventBuffer:     256,
		Embedding: embedding.Config{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.StorageRoot == "" {
		c.StorageRoot = defaultStorageRoot()
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if len(c.FileExtensions) == 0 {
		c.FileExtensions = def.FileExtensions
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = def.EmbeddingDim
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ScanBatchBudget == 0 {
		c.ScanBatchBudget = def.ScanBatchBudget
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = def.ScanInterval
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Embedding.Provider == "" {
		c.Embedding = def.Embedding
	}
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localdocs"
	}
	return filepath.Join(home, ".localdocs")
}
