package cache

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/internal/storage"
)

type countingStore struct {
	storage.BlobStorage
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.BlobStorage.Get(ctx, key)
}

func newCache(t *testing.T, maxBytes int64) (*BlobCache, *countingStore) {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	remote := &countingStore{BlobStorage: local}
	c, err := NewBlobCache(remote, t.TempDir(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, remote
}

func TestBlobCacheReadThrough(t *testing.T) {
	c, remote := newCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, remote.BlobStorage.Put(ctx, "tars/grid/0", []byte("chunk zero")))

	data, err := c.Get(ctx, "tars/grid/0")
	require.NoError(t, err)
	assert.Equal(t, "chunk zero", string(data))
	data, err = c.Get(ctx, "tars/grid/0")
	require.NoError(t, err)
	assert.Equal(t, "chunk zero", string(data))

	assert.Equal(t, int64(1), remote.gets.Load())
	hits, misses, _, entries, size := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(1), entries)
	assert.Equal(t, int64(len("chunk zero")), size)
	assert.Equal(t, 50.0, c.HitRate())
}

func TestBlobCachePutIsCached(t *testing.T) {
	c, remote := newCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v1")))
	require.NoError(t, c.Put(ctx, "k", []byte("v22")))
	data, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v22", string(data))
	assert.Equal(t, int64(0), remote.gets.Load())
	assert.Equal(t, int64(1), c.Count())
	assert.Equal(t, int64(3), c.Size())

	stored, err := remote.BlobStorage.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v22", string(stored))
}

func TestBlobCacheDelete(t *testing.T) {
	c, _ := newCache(t, 1<<20)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", []byte("v")))
	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Count())

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestBlobCacheEvictsLeastUsed(t *testing.T) {
	c, _ := newCache(t, 100)
	ctx := context.Background()
	blob := bytes.Repeat([]byte("x"), 40)

	require.NoError(t, c.Put(ctx, "a", blob))
	require.NoError(t, c.Put(ctx, "b", blob))
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "c", blob))

	c.Evict()
	assert.LessOrEqual(t, c.Size(), int64(90))
	assert.Equal(t, int64(2), c.Count())

	_, _, evictions, _, _ := c.Stats()
	assert.Equal(t, int64(1), evictions)

	hitsBefore, _, _, _, _ := c.Stats()
	_, err = c.Get(ctx, "a")
	require.NoError(t, err)
	hitsAfter, _, _, _, _ := c.Stats()
	assert.Equal(t, hitsBefore+1, hitsAfter)
}

func TestBlobCacheSkipsOversizedObjects(t *testing.T) {
	c, _ := newCache(t, 4)
	require.NoError(t, c.Put(context.Background(), "big", []byte("too large")))
	assert.Equal(t, int64(0), c.Count())
}

func TestNewBlobCacheRejectsZeroCapacity(t *testing.T) {
	_, err := NewBlobCache(nil, t.TempDir(), 0)
	assert.Error(t, err)
}
