package executor

import (
	"container/list"
	"sync"

	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// ScanCache is an LRU cache of loaded TARs. Scans of a cached TAR skip the
// catalog and blob storage. Entries are weighed by their total number of
// cells and the least-recently-used ones are evicted once the cache holds
// more than the configured maximum.
type ScanCache struct {
	mu       sync.Mutex
	maxCells int64
	curCells int64

	// items maps TAR name → list element (whose value is *scanEntry)
	items map[string]*list.Element
	order *list.List // front = most recently used
}

type scanEntry struct {
	name   string
	schema *types.TAR
	chunks []*subtar.Subtar
	cells  int64
}

// NewScanCache creates a scan cache holding up to maxCells cells. A
// non-positive maxCells disables caching.
func NewScanCache(maxCells int64) *ScanCache {
	return &ScanCache{
		maxCells: maxCells,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func cellsOf(chunks []*subtar.Subtar, schema *types.TAR) int64 {
	elements := int64(len(schema.Attributes) + len(schema.Dimensions))
	var n int64
	for _, c := range chunks {
		n += int64(c.FilledLength()) * elements
	}
	return n
}

// Get returns the cached schema and chunks of a TAR. On hit, the entry is
// promoted to most-recently-used.
func (c *ScanCache) Get(name string) (*types.TAR, []*subtar.Subtar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[name]
	if !ok {
		return nil, nil, false
	}
	c.order.MoveToFront(elem)
	e := elem.Value.(*scanEntry)
	return e.schema, e.chunks, true
}

// Put records a loaded TAR. Entries larger than the whole cache are not
// kept.
func (c *ScanCache) Put(name string, schema *types.TAR, chunks []*subtar.Subtar) {
	cells := cellsOf(chunks, schema)
	if c.maxCells <= 0 || cells > c.maxCells {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[name]; ok {
		old := elem.Value.(*scanEntry)
		c.curCells -= old.cells
		old.schema, old.chunks, old.cells = schema, chunks, cells
		c.curCells += cells
		c.order.MoveToFront(elem)
	} else {
		elem := c.order.PushFront(&scanEntry{name: name, schema: schema, chunks: chunks, cells: cells})
		c.items[name] = elem
		c.curCells += cells
	}

	for c.curCells > c.maxCells && c.order.Len() > 1 {
		c.removeLocked(c.order.Back())
	}
}

// Invalidate drops the entry of a TAR whose chunks changed.
func (c *ScanCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[name]; ok {
		c.removeLocked(elem)
	}
}

// removeLocked removes elem. Caller must hold c.mu.
func (c *ScanCache) removeLocked(elem *list.Element) {
	e := elem.Value.(*scanEntry)
	c.order.Remove(elem)
	delete(c.items, e.name)
	c.curCells -= e.cells
}

// Cells returns the number of cached cells.
func (c *ScanCache) Cells() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curCells
}

// Len returns the number of cached TARs.
func (c *ScanCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Clear removes every entry.
func (c *ScanCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.curCells = 0
}
