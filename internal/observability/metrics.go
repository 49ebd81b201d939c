package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ChunksProduced counts chunks published by operators.
	ChunksProduced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "engine",
		Name:      "chunks_produced_total",
		Help:      "Chunks published into operator output generators.",
	}, []string{"operator"})

	// CacheLookups counts generator cache lookups by result (hit or miss).
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "generator",
		Name:      "cache_lookups_total",
		Help:      "Chunk generator cache lookups.",
	}, []string{"result"})

	// CacheEvictions counts chunks disposed after their last reader.
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "generator",
		Name:      "cache_evictions_total",
		Help:      "Chunks evicted from on-demand generator caches.",
	})

	// BlobCacheLookups counts local blob cache lookups by result (hit or miss).
	BlobCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "storage",
		Name:      "blob_cache_lookups_total",
		Help:      "Local blob cache lookups.",
	}, []string{"result"})

	// BlobCacheEvictions counts objects evicted from the local blob cache.
	BlobCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "storage",
		Name:      "blob_cache_evictions_total",
		Help:      "Objects evicted from the local blob cache.",
	})

	// LaneFailures counts failed parallel lanes.
	LaneFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "engine",
		Name:      "lane_failures_total",
		Help:      "Parallel lanes that captured an error.",
	}, []string{"operator"})

	// BlocksSent counts result blocks handed to the session layer.
	BlocksSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "dispatch",
		Name:      "blocks_sent_total",
		Help:      "Result blocks delivered to the block-ready callback.",
	})

	// BlockBytes counts encoded bytes handed to the session layer.
	BlockBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tardb",
		Subsystem: "dispatch",
		Name:      "block_bytes_total",
		Help:      "Encoded result bytes delivered to the block-ready callback.",
	})

	// ActiveOperations tracks admitted queries and ingests.
	ActiveOperations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tardb",
		Subsystem: "server",
		Name:      "active_operations",
		Help:      "Queries and ingests currently running.",
	}, []string{"kind"})

	// QueryDuration observes query run time by outcome.
	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tardb",
		Subsystem: "executor",
		Name:      "query_duration_seconds",
		Help:      "Wall time of query runs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"status"})
)

// Register registers the engine collectors with reg. Collectors that are
// already registered are skipped.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ChunksProduced, CacheLookups, CacheEvictions, BlobCacheLookups, BlobCacheEvictions, LaneFailures,
		BlocksSent, BlockBytes, QueryDuration, ActiveOperations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
