package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("./data/tardb", "catalog.db"), cfg.Catalog.Path)
	assert.Equal(t, filepath.Join("./data/tardb", "storage"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join("./data/tardb", "blobcache"), cfg.Storage.CacheDir)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"no data dir":        func(c *Config) { c.DataDir = "" },
		"zero batch":         func(c *Config) { c.Engine.ChunksPerBatch = 0 },
		"zero threads":       func(c *Config) { c.Engine.ThreadsPerChunk = 0 },
		"zero workers":       func(c *Config) { c.Engine.AggregationWorkers = 0 },
		"zero cells":         func(c *Config) { c.Engine.MaxBufferedCells = 0 },
		"cells past bitmap":  func(c *Config) { c.Engine.MaxBufferedCells = 1 << 33 },
		"bad mode":           func(c *Config) { c.Engine.AggregationMode = "dense" },
		"zero queue":         func(c *Config) { c.Dispatch.QueueSize = 0 },
		"bad compression":    func(c *Config) { c.Dispatch.Compression = "lz4" },
		"bad storage":        func(c *Config) { c.Storage.Type = "gcs" },
		"s3 without bucket":  func(c *Config) { c.Storage.Type = "s3" },
		"metrics no addr":    func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" },
		"zero ingest chunks": func(c *Config) { c.Ingest.ChunkRows = 0 },
		"negative cache":     func(c *Config) { c.Storage.CacheBytes = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tardb.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
data_dir: /var/lib/tardb
engine:
  chunks_per_batch: 8
  aggregation_mode: hashed
dispatch:
  compression: zstd
storage:
  type: s3
  s3:
    bucket: arrays
    use_path_style: true
`), 0644))

	cfg, err := LoadFromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tardb", cfg.DataDir)
	assert.Equal(t, 8, cfg.Engine.ChunksPerBatch)
	assert.Equal(t, 4, cfg.Engine.ThreadsPerChunk)
	assert.Equal(t, "hashed", cfg.Engine.AggregationMode)
	assert.Equal(t, "zstd", cfg.Dispatch.Compression)
	assert.Equal(t, "arrays", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	cfg.Resolve()
	require.NoError(t, cfg.Validate())

	jsonPath := filepath.Join(dir, "tardb.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"engine":{"threads_per_chunk":2}}`), 0644))
	cfg, err = LoadFromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.ThreadsPerChunk)

	_, err = LoadFromFile(filepath.Join(dir, "tardb.toml"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TARDB_DATA_DIR", "/tmp/tardb")
	t.Setenv("TARDB_ENGINE_CHUNKS_PER_BATCH", "16")
	t.Setenv("TARDB_ENGINE_MAX_BUFFERED_CELLS", "1024")
	t.Setenv("TARDB_DISPATCH_COMPRESSION", "snappy")
	t.Setenv("TARDB_METRICS_ENABLED", "true")
	t.Setenv("TARDB_S3_USE_PATH_STYLE", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)
	assert.Equal(t, "/tmp/tardb", cfg.DataDir)
	assert.Equal(t, 16, cfg.Engine.ChunksPerBatch)
	assert.Equal(t, uint64(1024), cfg.Engine.MaxBufferedCells)
	assert.Equal(t, "snappy", cfg.Dispatch.Compression)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
