package generator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

func chunkOf(t *testing.T, vals ...int64) *subtar.Subtar {
	t.Helper()
	dim := &types.Dimension{Name: "i", Type: types.TypeInt64, LowerBound: 0, UpperBound: 99, Spacing: 1}
	tar := &types.TAR{Name: "t", Dimensions: []*types.Dimension{dim}, Attributes: []types.Attribute{{Name: "a", Type: types.TypeInt64}}}
	st := subtar.New(tar)
	spec, err := subtar.NewOrdered(dim, 0, int64(len(vals)-1), 1)
	require.NoError(t, err)
	st.AddSpec(spec)
	st.SetAttribute("a", column.FromInt64s(vals))
	return st
}

// countingSource produces chunks 0..limit-1, two per production call.
func countingSource(t *testing.T, g *Generator, limit int, calls *int32) ProduceFunc {
	return func(ctx context.Context, index int) error {
		atomic.AddInt32(calls, 1)
		for i := index; i < index+2 && i < limit; i++ {
			g.PutChunk(i, chunkOf(t, int64(i)))
		}
		return nil
	}
}

func TestMaterializedGetChunk(t *testing.T) {
	chunks := []*subtar.Subtar{chunkOf(t, 1), chunkOf(t, 2)}
	g := NewMaterialized("scan", chunks)
	assert.True(t, g.IsMaterialized())
	ctx := context.Background()

	c, err := g.GetChunk(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, chunks[1], c)

	c, err = g.GetChunk(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, c)

	g.DisposeIfExhausted(0)
	assert.True(t, g.Cached(0), "materialized chunks are never evicted")
}

func TestOnDemandProducesOnceForBatch(t *testing.T) {
	var calls int32
	g := NewOnDemand("op", nil)
	g.SetProducer(countingSource(t, g, 4, &calls))
	g.SetMaxAccesses(1)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c, err := g.GetChunk(ctx, i)
		require.NoError(t, err)
		require.NotNil(t, c)
		a, _ := c.Attribute("a")
		assert.Equal(t, int64(i), a.Int(0))
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	c, err := g.GetChunk(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, c)

	// The end of the stream is remembered.
	c, err = g.GetChunk(ctx, 5)
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAccessCountInvariant(t *testing.T) {
	for _, k := range []int{1, 2, 3, 5} {
		var calls int32
		g := NewOnDemand("op", nil)
		g.SetProducer(countingSource(t, g, 2, &calls))
		g.SetMaxAccesses(k)
		assert.Equal(t, k, g.MaxAccesses())
		assert.False(t, g.IsMaterialized())
		ctx := context.Background()

		for r := 0; r < k; r++ {
			c, err := g.GetChunk(ctx, 0)
			require.NoError(t, err)
			require.NotNil(t, c)
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "k=%d", k)

		for r := 0; r < k; r++ {
			g.DisposeIfExhausted(0)
		}
		assert.False(t, g.Cached(0), "k=%d", k)

		c, err := g.GetChunk(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "k=%d: eviction must force re-production", k)
	}
}

func TestDisposeKeepsChunkWithPendingReaders(t *testing.T) {
	var calls int32
	g := NewOnDemand("op", nil)
	g.SetProducer(countingSource(t, g, 2, &calls))
	g.SetMaxAccesses(2)
	ctx := context.Background()

	_, err := g.GetChunk(ctx, 0)
	require.NoError(t, err)
	g.DisposeIfExhausted(0)
	assert.True(t, g.Cached(0))
}

func TestProductionErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	g := NewOnDemand("filter#2", func(ctx context.Context, index int) error { return boom })
	_, err := g.GetChunk(context.Background(), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "filter#2")
}

func TestConcurrentReadersShareOneProduction(t *testing.T) {
	var calls int32
	g := NewOnDemand("op", nil)
	g.SetProducer(countingSource(t, g, 2, &calls))
	g.SetMaxAccesses(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := g.GetChunk(context.Background(), 1)
			assert.NoError(t, err)
			assert.NotNil(t, c)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIndexMappingAndClear(t *testing.T) {
	g := NewOnDemand("join", nil)
	g.SetIndexMapping(ChannelLeft, 3, 1)
	g.SetIndexMapping(ChannelRight, 3, 2)

	v, ok := g.GetIndexMapping(ChannelLeft, 3)
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = g.GetIndexMapping(ChannelOffset, 3)
	assert.False(t, ok)

	g.PutChunk(0, chunkOf(t, 1))
	g.Clear()
	assert.False(t, g.Cached(0))
	_, ok = g.GetIndexMapping(ChannelLeft, 3)
	assert.False(t, ok)
}
