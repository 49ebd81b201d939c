// Package cache provides a local disk tier in front of remote blob storage.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/storage"
)

// Metrics holds cache statistics.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

type entry struct {
	path        string
	size        int64
	lastAccess  atomic.Int64 // Unix nanos
	accessCount atomic.Int64
}

// BlobCache is a read-through storage.BlobStorage that keeps copies of
// remote objects on local disk. Writes go to the remote store first and
// are then cached. Entries are evicted least-used first once the cache
// grows past its capacity.
type BlobCache struct {
	remote   storage.BlobStorage
	dir      string
	maxBytes int64
	metrics  Metrics

	mu    sync.Mutex
	index map[string]*entry

	evictMu sync.Mutex

	evictCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  sync.Once
}

// NewBlobCache creates a cache of at most maxBytes under dir.
func NewBlobCache(remote storage.BlobStorage, dir string, maxBytes int64) (*BlobCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	c := &BlobCache{
		remote:   remote,
		dir:      dir,
		maxBytes: maxBytes,
		index:    make(map[string]*entry),
		evictCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	// Files left by an earlier process cannot be mapped back to their
	// keys, so they are removed.
	if err := c.clearDir(); err != nil {
		return nil, fmt.Errorf("failed to clear cache dir: %w", err)
	}

	c.wg.Add(1)
	go c.evictionWorker()
	return c, nil
}

// Close stops the eviction worker.
func (c *BlobCache) Close() error {
	c.closed.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
	return nil
}

// Stats returns current cache counters.
func (c *BlobCache) Stats() (hits, misses, evictions, entries, size int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(),
		c.metrics.Entries.Load(), c.metrics.SizeBytes.Load()
}

// HitRate returns the cache hit rate as a percentage.
func (c *BlobCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	total := hits + c.metrics.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Put writes data to the remote store and caches it.
func (c *BlobCache) Put(ctx context.Context, key string, data []byte) error {
	if err := c.remote.Put(ctx, key, data); err != nil {
		return err
	}
	c.store(key, data)
	return nil
}

// Get returns the cached copy of key, reading through to the remote
// store on a miss.
func (c *BlobCache) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := c.lookup(key); ok {
		c.metrics.Hits.Add(1)
		observability.BlobCacheLookups.WithLabelValues("hit").Inc()
		return data, nil
	}
	c.metrics.Misses.Add(1)
	observability.BlobCacheLookups.WithLabelValues("miss").Inc()

	data, err := c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.store(key, data)
	return data, nil
}

// Delete removes key from the cache and the remote store.
func (c *BlobCache) Delete(ctx context.Context, key string) error {
	c.remove(key)
	return c.remote.Delete(ctx, key)
}

// Exists checks the remote store.
func (c *BlobCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	_, ok := c.index[key]
	c.mu.Unlock()
	if ok {
		return true, nil
	}
	return c.remote.Exists(ctx, key)
}

// List lists the remote store.
func (c *BlobCache) List(ctx context.Context, prefix string) ([]string, error) {
	return c.remote.List(ctx, prefix)
}

func (c *BlobCache) lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	e, ok := c.index[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		// The file vanished underneath us; treat as a miss.
		c.remove(key)
		return nil, false
	}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	return data, true
}

// store caches data under key. Failures only cost a later miss.
func (c *BlobCache) store(key string, data []byte) {
	size := int64(len(data))
	if size == 0 || size > c.maxBytes {
		return
	}
	path := filepath.Join(c.dir, fileName(key))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Printf("cache: failed to cache %s: %v", key, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		log.Printf("cache: failed to cache %s: %v", key, err)
		return
	}

	e := &entry{path: path, size: size}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)

	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		c.metrics.SizeBytes.Add(-old.size)
		c.metrics.Entries.Add(-1)
	}
	c.index[key] = e
	c.mu.Unlock()
	c.metrics.SizeBytes.Add(size)
	c.metrics.Entries.Add(1)

	if c.metrics.SizeBytes.Load() > c.maxBytes {
		select {
		case c.evictCh <- struct{}{}:
		default:
			// An eviction pass is already pending
		}
	}
}

func (c *BlobCache) remove(key string) bool {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		delete(c.index, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	os.Remove(e.path)
	c.metrics.SizeBytes.Add(-e.size)
	c.metrics.Entries.Add(-1)
	return true
}

// evictionWorker runs eviction passes when the cache overflows.
func (c *BlobCache) evictionWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.evictCh:
			c.Evict()
		case <-ticker.C:
			c.Evict()
		}
	}
}

// Evict removes entries until the cache is at 90% of its capacity or
// less. The least accessed entries go first, then the oldest.
func (c *BlobCache) Evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	target := int64(float64(c.maxBytes) * 0.9)
	if c.metrics.SizeBytes.Load() <= target {
		return
	}

	type candidate struct {
		key        string
		accessTime int64
		count      int64
	}
	c.mu.Lock()
	candidates := make([]candidate, 0, len(c.index))
	for key, e := range c.index {
		candidates = append(candidates, candidate{
			key:        key,
			accessTime: e.lastAccess.Load(),
			count:      e.accessCount.Load(),
		})
	}
	c.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].accessTime < candidates[j].accessTime
	})

	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= target {
			break
		}
		if c.remove(cand.key) {
			c.metrics.Evictions.Add(1)
			observability.BlobCacheEvictions.Inc()
		}
	}
}

// Size returns the current cache size in bytes.
func (c *BlobCache) Size() int64 { return c.metrics.SizeBytes.Load() }

// Count returns the number of cached objects.
func (c *BlobCache) Count() int64 { return c.metrics.Entries.Load() }

func (c *BlobCache) clearDir() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fileName maps a key to a flat file name.
func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16]) + ".blob"
}
