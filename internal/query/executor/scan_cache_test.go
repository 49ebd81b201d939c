package executor

import (
	"testing"

	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// vector returns a one-attribute, one-dimension TAR with a single chunk of
// n cells, weighing 2n in the cache.
func vector(name string, n int64) (*types.TAR, []*subtar.Subtar) {
	d := intDim("i", n-1)
	tar := &types.TAR{Name: name, Dimensions: []*types.Dimension{d}, Attributes: []types.Attribute{{Name: "v", Type: types.TypeInt64}}}
	spec, _ := subtar.NewOrdered(d, 0, n-1, 1)
	st := subtar.New(tar)
	st.AddSpec(spec)
	st.SetAttribute("v", column.FromInt64s(make([]int64, n)))
	return tar, []*subtar.Subtar{st}
}

func TestScanCache_HitAndMiss(t *testing.T) {
	cache := NewScanCache(1000)

	if _, _, ok := cache.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}

	tar, chunks := vector("a", 10)
	cache.Put("a", tar, chunks)

	got, gotChunks, ok := cache.Get("a")
	if !ok {
		t.Fatal("expected hit")
	}
	if got != tar || len(gotChunks) != 1 {
		t.Fatalf("unexpected entry %v %d", got, len(gotChunks))
	}
	if cache.Cells() != 20 {
		t.Fatalf("expected 20 cells, got %d", cache.Cells())
	}
}

func TestScanCache_LRUEviction(t *testing.T) {
	// room for two vectors of 50 cells
	cache := NewScanCache(250)

	for _, name := range []string{"a", "b", "c"} {
		tar, chunks := vector(name, 50)
		cache.Put(name, tar, chunks)
	}

	if _, _, ok := cache.Get("a"); ok {
		t.Fatal("expected eviction of 'a'")
	}
	if _, _, ok := cache.Get("b"); !ok {
		t.Fatal("expected 'b' to be cached")
	}
	if _, _, ok := cache.Get("c"); !ok {
		t.Fatal("expected 'c' to be cached")
	}
}

func TestScanCache_GetPromotes(t *testing.T) {
	cache := NewScanCache(250)
	for _, name := range []string{"a", "b"} {
		tar, chunks := vector(name, 50)
		cache.Put(name, tar, chunks)
	}
	cache.Get("a")
	tar, chunks := vector("c", 50)
	cache.Put("c", tar, chunks)

	if _, _, ok := cache.Get("a"); !ok {
		t.Fatal("expected recently used 'a' to survive")
	}
	if _, _, ok := cache.Get("b"); ok {
		t.Fatal("expected eviction of 'b'")
	}
}

func TestScanCache_InvalidateAndOversized(t *testing.T) {
	cache := NewScanCache(100)
	tar, chunks := vector("a", 10)
	cache.Put("a", tar, chunks)
	cache.Invalidate("a")
	if cache.Len() != 0 || cache.Cells() != 0 {
		t.Fatalf("expected empty cache, got %d entries", cache.Len())
	}

	big, bigChunks := vector("big", 100)
	cache.Put("big", big, bigChunks)
	if cache.Len() != 0 {
		t.Fatal("expected oversized entry to be skipped")
	}

	disabled := NewScanCache(0)
	disabled.Put("a", tar, chunks)
	if disabled.Len() != 0 {
		t.Fatal("expected disabled cache to stay empty")
	}
}
