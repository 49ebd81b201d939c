// Package generator implements the lazy, cached, reference-counted chunk
// sequence behind every logical array of a query.
//
// A Generator is either Materialized, wrapping the authoritative chunk list
// of a stored container, or OnDemand, wrapping an operator's production
// function and a cache of the chunks it has published. Consumers pull chunks
// by index; a missing index triggers production, and an index that is still
// missing afterwards marks the end of the stream.
package generator

import (
	"context"
	"fmt"
	"sync"

	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/subtar"
)

// Channel selects one of the auxiliary index maps operators use to remember
// which upstream chunks an output chunk was derived from.
type Channel int

const (
	// ChannelInput maps an output index to the upstream index it consumed.
	ChannelInput Channel = iota
	// ChannelLeft maps an output index to the left input index of a join.
	ChannelLeft
	// ChannelRight maps an output index to the right input index of a join.
	ChannelRight
	// ChannelOffset maps an output index to a running row offset.
	ChannelOffset

	numChannels
)

// ProduceFunc produces the chunk at index, and possibly its neighbours, by
// calling PutChunk on the generator that owns it.
type ProduceFunc func(ctx context.Context, index int) error

type entry struct {
	chunk     *subtar.Subtar
	remaining int
}

// Generator is a lazily produced sequence of chunks.
type Generator struct {
	name         string
	materialized bool
	chunks       []*subtar.Subtar
	produce      ProduceFunc

	// produceMu serializes production so that one missing batch is produced once.
	produceMu sync.Mutex

	// mu guards everything below; it is held only for map lookups and inserts.
	mu          sync.Mutex
	cache       map[int]*entry
	maxAccesses int
	end         int // first index known to be past the end, -1 if unknown
	mappings    [numChannels]map[int]int
}

// NewMaterialized wraps a fully computed chunk list.
func NewMaterialized(name string, chunks []*subtar.Subtar) *Generator {
	return &Generator{
		name:         name,
		materialized: true,
		chunks:       chunks,
		end:          len(chunks),
	}
}

// NewOnDemand creates a generator that calls produce for missing chunks.
// produce may be nil and bound later with SetProducer.
func NewOnDemand(name string, produce ProduceFunc) *Generator {
	g := &Generator{
		name:    name,
		produce: produce,
		cache:   make(map[int]*entry),
		end:     -1,
	}
	for i := range g.mappings {
		g.mappings[i] = make(map[int]int)
	}
	return g
}

// Name returns the description of the owning operation.
func (g *Generator) Name() string { return g.name }

// IsMaterialized reports whether the generator wraps a fixed chunk list.
func (g *Generator) IsMaterialized() bool { return g.materialized }

// SetProducer binds the production function of an OnDemand generator.
func (g *Generator) SetProducer(produce ProduceFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.produce = produce
}

// SetMaxAccesses sets how many reads each published chunk survives. It must
// be called before execution starts.
func (g *Generator) SetMaxAccesses(k int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxAccesses = k
}

// MaxAccesses returns the configured number of readers per chunk.
func (g *Generator) MaxAccesses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxAccesses
}

// GetChunk returns the chunk at index, producing it if needed. A nil chunk
// with a nil error means the stream ended before index.
func (g *Generator) GetChunk(ctx context.Context, index int) (*subtar.Subtar, error) {
	if index < 0 {
		return nil, nil
	}
	if g.materialized {
		if index >= len(g.chunks) {
			return nil, nil
		}
		return g.chunks[index], nil
	}

	if chunk, done := g.lookup(index); done {
		return chunk, nil
	}

	g.produceMu.Lock()
	defer g.produceMu.Unlock()

	// Another caller may have produced the chunk while we waited.
	if chunk, done := g.lookup(index); done {
		return chunk, nil
	}
	observability.CacheLookups.WithLabelValues("miss").Inc()

	g.mu.Lock()
	produce := g.produce
	g.mu.Unlock()
	if produce == nil {
		return nil, nil
	}
	if err := produce(ctx, index); err != nil {
		return nil, fmt.Errorf("%s: chunk %d: %w", g.name, index, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[index]; ok {
		e.remaining--
		return e.chunk, nil
	}
	if g.end < 0 || index < g.end {
		g.end = index
	}
	return nil, nil
}

// lookup returns (chunk, true) on a cache hit, decrementing its counter,
// and (nil, true) when index is known to be past the end.
func (g *Generator) lookup(index int) (*subtar.Subtar, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[index]; ok {
		e.remaining--
		observability.CacheLookups.WithLabelValues("hit").Inc()
		return e.chunk, true
	}
	if g.end >= 0 && index >= g.end {
		return nil, true
	}
	return nil, false
}

// PutChunk publishes a chunk at index with a fresh access counter.
func (g *Generator) PutChunk(index int, chunk *subtar.Subtar) {
	if g.materialized {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[index] = &entry{chunk: chunk, remaining: g.maxAccesses}
	if g.end >= 0 && index >= g.end {
		g.end = index + 1
	}
}

// DisposeIfExhausted evicts the chunk at index once every reader has taken
// it. Materialized generators are never evicted.
func (g *Generator) DisposeIfExhausted(index int) {
	if g.materialized {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[index]; ok && e.remaining <= 0 {
		delete(g.cache, index)
		observability.CacheEvictions.Inc()
	}
}

// Cached reports whether index currently sits in the cache.
func (g *Generator) Cached(index int) bool {
	if g.materialized {
		return index >= 0 && index < len(g.chunks)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.cache[index]
	return ok
}

// GetIndexMapping reads an auxiliary index mapping.
func (g *Generator) GetIndexMapping(ch Channel, index int) (int, bool) {
	if g.materialized {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.mappings[ch][index]
	return v, ok
}

// SetIndexMapping records an auxiliary index mapping.
func (g *Generator) SetIndexMapping(ch Channel, index, value int) {
	if g.materialized {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mappings[ch][index] = value
}

// Clear drops every cached chunk and mapping. Materialized generators keep
// their chunk list.
func (g *Generator) Clear() {
	if g.materialized {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache = make(map[int]*entry)
	for i := range g.mappings {
		g.mappings[i] = make(map[int]int)
	}
	g.end = -1
}
