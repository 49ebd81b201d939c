// Package app wires the tardb engine together: blob storage, the schema
// catalog, the query executor and the metrics endpoint.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tardb/tardb/internal/cache"
	"github.com/tardb/tardb/internal/catalog"
	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/internal/config"
	"github.com/tardb/tardb/internal/ingest"
	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/query/aggregator"
	"github.com/tardb/tardb/internal/query/executor"
	"github.com/tardb/tardb/internal/query/plan"
	"github.com/tardb/tardb/internal/server"
	"github.com/tardb/tardb/internal/storage"
)

// App manages the engine lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	storage  storage.BlobStorage
	catalog  *catalog.SQLiteCatalog
	executor *executor.Executor
	life     *server.Lifecycle

	metricsServer *http.Server
	metricsErr    <-chan error

	// Lifecycle
	mu      sync.Mutex
	running bool
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	// Resolve paths and validate
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Ensure directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:  cfg,
		life: server.New(server.DefaultConfig()),
	}, nil
}

// Start opens storage and the catalog, builds the executor and starts the
// metrics endpoint when enabled.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	steps := []func() error{
		func() error { return a.initStorage(ctx) },
		a.initCatalog,
		a.initExecutor,
	}
	if a.cfg.Metrics.Enabled {
		steps = append(steps, a.startMetrics)
	}
	for _, step := range steps {
		if err := step(); err != nil {
			a.life.Stop(context.Background(), "start failed")
			return err
		}
	}

	a.running = true
	return nil
}

// initStorage opens the blob storage holding persisted subtars.
func (a *App) initStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		if a.cfg.Storage.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		}
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("app: storage initialized: type=%s", a.cfg.Storage.Type)

	if a.cfg.Storage.CacheBytes > 0 {
		bc, err := cache.NewBlobCache(a.storage, a.cfg.Storage.CacheDir, a.cfg.Storage.CacheBytes)
		if err != nil {
			return fmt.Errorf("failed to initialize blob cache: %w", err)
		}
		a.life.Manage(bc)
		a.storage = bc
		log.Printf("app: blob cache enabled: dir=%s, max=%d bytes", a.cfg.Storage.CacheDir, a.cfg.Storage.CacheBytes)
	}
	return nil
}

func (a *App) initCatalog() error {
	compression, err := codec.ParseCompression(a.cfg.Storage.Compression)
	if err != nil {
		return err
	}
	a.catalog, err = catalog.NewSQLiteCatalog(a.cfg.Catalog.Path, a.storage, catalog.Options{
		Compression:     compression,
		LoadConcurrency: a.cfg.Engine.LoadConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	a.life.Manage(a.catalog)
	return nil
}

func (a *App) initExecutor() error {
	mode, err := aggregator.ParseMode(a.cfg.Engine.AggregationMode)
	if err != nil {
		return err
	}
	compression, err := codec.ParseCompression(a.cfg.Dispatch.Compression)
	if err != nil {
		return err
	}
	cfg := executor.DefaultConfig()
	cfg.ChunksPerBatch = a.cfg.Engine.ChunksPerBatch
	cfg.ThreadsPerChunk = a.cfg.Engine.ThreadsPerChunk
	cfg.AggregationWorkers = a.cfg.Engine.AggregationWorkers
	cfg.MaxBufferedCells = int64(a.cfg.Engine.MaxBufferedCells)
	cfg.AggregationMode = mode
	cfg.Compression = compression
	cfg.QueueSize = a.cfg.Dispatch.QueueSize
	cfg.ScanCacheCells = a.cfg.Engine.ScanCacheCells
	a.executor = executor.New(a.catalog, cfg)
	return nil
}

// startMetrics serves /metrics and /health.
func (a *App) startMetrics() error {
	reg := prometheus.NewRegistry()
	if err := observability.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", a.healthHandler)

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.metricsErr = a.life.ServeHTTP(a.metricsServer)
	log.Printf("app: metrics listening on %s", a.cfg.Metrics.Addr)
	return nil
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "healthy"
	if a.life.Stopping() {
		status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(struct {
		Status  string             `json:"status"`
		Running []server.Operation `json:"running"`
	}{status, a.life.Running()})
}

// Catalog returns the schema catalog.
func (a *App) Catalog() catalog.Catalog { return a.catalog }

// Executor returns the query executor.
func (a *App) Executor() *executor.Executor { return a.executor }

// Query runs a plan, streaming the result to sink.
func (a *App) Query(ctx context.Context, p *plan.Plan, sink executor.Sink) (*executor.Result, error) {
	ctx, done, err := a.life.Begin(ctx, server.KindQuery, p.Name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.Name, err)
	}
	defer done()
	return a.executor.Run(ctx, p, sink)
}

// IngestCSV loads a CSV document as a new TAR.
func (a *App) IngestCSV(ctx context.Context, name string, r io.Reader, dims []string) (*ingest.Result, error) {
	ctx, done, err := a.life.Begin(ctx, server.KindIngest, name)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", name, err)
	}
	defer done()
	res, err := ingest.IngestCSV(ctx, a.catalog, name, r, ingest.Options{
		Dimensions: dims,
		ChunkRows:  a.cfg.Ingest.ChunkRows,
	})
	if err != nil {
		return nil, err
	}
	a.executor.ScanCache().Invalidate(name)
	return res, nil
}

// MetricsErr delivers the failure of the metrics server, if it has one.
func (a *App) MetricsErr() <-chan error { return a.metricsErr }

// Stop drains running queries and closes every resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return a.life.Stop(ctx, "stop requested")
}
