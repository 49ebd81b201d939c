// Package config provides unified configuration for the tardb engine and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Dispatch configuration
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`

	// Catalog configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Ingest configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`
}

// EngineConfig holds query execution settings.
type EngineConfig struct {
	// ChunksPerBatch is the number of lanes per GenerateChunk call
	ChunksPerBatch int `json:"chunks_per_batch" yaml:"chunks_per_batch"`

	// ThreadsPerChunk bounds how many lanes run at once
	ThreadsPerChunk int `json:"threads_per_chunk" yaml:"threads_per_chunk"`

	// AggregationWorkers is the number of private accumulators per aggregate
	AggregationWorkers int `json:"aggregation_workers" yaml:"aggregation_workers"`

	// MaxBufferedCells is the largest group space aggregated in buffered mode
	MaxBufferedCells uint64 `json:"max_buffered_cells" yaml:"max_buffered_cells"`

	// AggregationMode is auto, buffered or hashed
	AggregationMode string `json:"aggregation_mode" yaml:"aggregation_mode"`

	// LoadConcurrency bounds parallel subtar loads from storage
	LoadConcurrency int `json:"load_concurrency" yaml:"load_concurrency"`

	// ScanCacheCells is the capacity of the loaded-TAR cache; 0 disables it
	ScanCacheCells int64 `json:"scan_cache_cells" yaml:"scan_cache_cells"`
}

// DispatchConfig holds result block delivery settings.
type DispatchConfig struct {
	// QueueSize is the capacity of the block queue
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// Compression is none, snappy or zstd
	Compression string `json:"compression" yaml:"compression"`
}

// CatalogConfig holds schema catalog settings.
type CatalogConfig struct {
	// Path is the SQLite catalog database path
	Path string `json:"path" yaml:"path"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// Compression is applied to persisted subtars: none, snappy or zstd
	Compression string `json:"compression" yaml:"compression"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`

	// CacheDir holds local copies of remote subtars (default: DataDir/blobcache)
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheBytes is the size of the local blob cache; 0 disables it
	CacheBytes int64 `json:"cache_bytes" yaml:"cache_bytes"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// IngestConfig holds CSV ingest settings.
type IngestConfig struct {
	// ChunkRows is the number of rows per ingested subtar
	ChunkRows int `json:"chunk_rows" yaml:"chunk_rows"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/tardb",
		Engine: EngineConfig{
			ChunksPerBatch:     4,
			ThreadsPerChunk:    4,
			AggregationWorkers: 4,
			MaxBufferedCells:   1 << 22,
			AggregationMode:    "auto",
			LoadConcurrency:    8,
			ScanCacheCells:     1 << 24,
		},
		Dispatch: DispatchConfig{
			QueueSize:   64,
			Compression: "none",
		},
		Storage: StorageConfig{
			Type:        "local",
			Compression: "snappy",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},
		Ingest: IngestConfig{
			ChunkRows: 65536,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/tardb"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = filepath.Join(c.DataDir, "blobcache")
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Engine.ChunksPerBatch < 1 {
		return fmt.Errorf("engine.chunks_per_batch must be positive, got %d", c.Engine.ChunksPerBatch)
	}
	if c.Engine.ThreadsPerChunk < 1 {
		return fmt.Errorf("engine.threads_per_chunk must be positive, got %d", c.Engine.ThreadsPerChunk)
	}
	if c.Engine.AggregationWorkers < 1 {
		return fmt.Errorf("engine.aggregation_workers must be positive, got %d", c.Engine.AggregationWorkers)
	}
	if c.Engine.MaxBufferedCells == 0 {
		return fmt.Errorf("engine.max_buffered_cells must be positive")
	}
	if c.Engine.MaxBufferedCells > math.MaxUint32 {
		return fmt.Errorf("engine.max_buffered_cells must not exceed %d, got %d", uint64(math.MaxUint32), c.Engine.MaxBufferedCells)
	}
	switch c.Engine.AggregationMode {
	case "auto", "buffered", "hashed":
	default:
		return fmt.Errorf("invalid engine.aggregation_mode: %s (must be auto, buffered or hashed)", c.Engine.AggregationMode)
	}

	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize)
	}
	if !validCompression(c.Dispatch.Compression) {
		return fmt.Errorf("invalid dispatch.compression: %s (must be none, snappy or zstd)", c.Dispatch.Compression)
	}
	if !validCompression(c.Storage.Compression) {
		return fmt.Errorf("invalid storage.compression: %s (must be none, snappy or zstd)", c.Storage.Compression)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Storage.CacheBytes < 0 {
		return fmt.Errorf("storage.cache_bytes must not be negative, got %d", c.Storage.CacheBytes)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	if c.Ingest.ChunkRows < 1 {
		return fmt.Errorf("ingest.chunk_rows must be positive, got %d", c.Ingest.ChunkRows)
	}
	return nil
}

func validCompression(name string) bool {
	switch strings.ToLower(name) {
	case "", "none", "snappy", "zstd":
		return true
	}
	return false
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TARDB_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TARDB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Engine configuration
	if v := os.Getenv("TARDB_ENGINE_CHUNKS_PER_BATCH"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.ChunksPerBatch)
	}
	if v := os.Getenv("TARDB_ENGINE_THREADS_PER_CHUNK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.ThreadsPerChunk)
	}
	if v := os.Getenv("TARDB_ENGINE_AGGREGATION_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.AggregationWorkers)
	}
	if v := os.Getenv("TARDB_ENGINE_MAX_BUFFERED_CELLS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.MaxBufferedCells)
	}
	if v := os.Getenv("TARDB_ENGINE_AGGREGATION_MODE"); v != "" {
		cfg.Engine.AggregationMode = v
	}
	if v := os.Getenv("TARDB_ENGINE_LOAD_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.LoadConcurrency)
	}
	if v := os.Getenv("TARDB_ENGINE_SCAN_CACHE_CELLS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.ScanCacheCells)
	}

	// Dispatch configuration
	if v := os.Getenv("TARDB_DISPATCH_QUEUE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Dispatch.QueueSize)
	}
	if v := os.Getenv("TARDB_DISPATCH_COMPRESSION"); v != "" {
		cfg.Dispatch.Compression = v
	}

	// Catalog configuration
	if v := os.Getenv("TARDB_CATALOG_PATH"); v != "" {
		cfg.Catalog.Path = v
	}

	// Storage configuration
	if v := os.Getenv("TARDB_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TARDB_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TARDB_STORAGE_COMPRESSION"); v != "" {
		cfg.Storage.Compression = v
	}
	if v := os.Getenv("TARDB_STORAGE_CACHE_DIR"); v != "" {
		cfg.Storage.CacheDir = v
	}
	if v := os.Getenv("TARDB_STORAGE_CACHE_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Storage.CacheBytes)
	}
	if v := os.Getenv("TARDB_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TARDB_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TARDB_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("TARDB_S3_USE_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Metrics configuration
	if v := os.Getenv("TARDB_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TARDB_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Ingest configuration
	if v := os.Getenv("TARDB_INGEST_CHUNK_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.ChunkRows)
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.Catalog.Path)}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
