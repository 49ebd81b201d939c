// Package operator implements the physical operators of a query plan. Every
// operator owns an on-demand generator; pulling a missing chunk from it runs
// one batch of the operator, which fans out to parallel lanes and publishes
// the lane results into the generator before returning.
package operator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Operator is one node of a query plan.
type Operator interface {
	// Name identifies the operator in logs, metrics and error messages.
	Name() string
	// Schema returns the TAR describing the operator's output.
	Schema() *types.TAR
	// Output returns the generator downstream consumers pull from.
	Output() *generator.Generator
	// GenerateChunk produces the batch of output chunks starting at
	// batchStart. Publishing nothing at batchStart ends the stream.
	GenerateChunk(ctx context.Context, batchStart int) error
}

// Options are the execution knobs shared by every operator.
type Options struct {
	// ChunksPerBatch is the number of lanes, and thus chunks, per batch.
	ChunksPerBatch int
	// MaxLanes bounds the lanes running at once.
	MaxLanes int
	// Store builds every new column.
	Store column.Store
	// Stats receives per-batch timings; may be nil.
	Stats *observability.OperatorStats
}

// DefaultOptions returns single-lane options backed by an in-memory store.
func DefaultOptions() Options {
	return Options{ChunksPerBatch: 1, MaxLanes: 1, Store: column.NewMemStore()}
}

func (o Options) normalize() Options {
	if o.ChunksPerBatch <= 0 {
		o.ChunksPerBatch = 1
	}
	if o.MaxLanes <= 0 {
		o.MaxLanes = o.ChunksPerBatch
	}
	if o.Store == nil {
		o.Store = column.NewMemStore()
	}
	return o
}

var operatorSeq int64

// base holds what every operator shares: its identity, schema, output
// generator and options.
type base struct {
	kind   string
	name   string
	schema *types.TAR
	out    *generator.Generator
	opts   Options
}

func newBase(kind string, schema *types.TAR, opts Options) base {
	name := fmt.Sprintf("%s#%d", kind, atomic.AddInt64(&operatorSeq, 1))
	return base{
		kind:   kind,
		name:   name,
		schema: schema,
		out:    generator.NewOnDemand(name, nil),
		opts:   opts.normalize(),
	}
}

// bind installs op as the producer of its own output generator.
func bind(op Operator) {
	op.Output().SetProducer(op.GenerateChunk)
}

func (b *base) Name() string                 { return b.name }
func (b *base) Schema() *types.TAR           { return b.schema }
func (b *base) Output() *generator.Generator { return b.out }

// lane is one unit of work in a batch, remembering the upstream indexes
// the result was derived from.
type lane struct {
	input  *subtar.Subtar
	other  *subtar.Subtar
	inIdx  int
	othIdx int
	offset int
}

// publish writes the non-nil results contiguously from batchStart, records
// the per-chunk mappings through record and returns the number published.
func (b *base) publish(batchStart int, lanes []lane, results []*subtar.Subtar, started time.Time, record func(index int, l lane)) int {
	next := batchStart
	var rows int64
	for i, r := range results {
		if r == nil {
			continue
		}
		if record != nil {
			record(next, lanes[i])
		}
		b.out.PutChunk(next, r)
		rows += int64(r.FilledLength())
		next++
	}
	published := next - batchStart
	if published > 0 {
		observability.ChunksProduced.WithLabelValues(b.kind).Add(float64(published))
	}
	if b.opts.Stats != nil {
		b.opts.Stats.RecordBatch(b.name, published, rows, time.Since(started))
	}
	return published
}

// derive copies chunk into schema, dropping the named attributes.
func derive(chunk *subtar.Subtar, schema *types.TAR, drop ...string) *subtar.Subtar {
	out := subtar.New(schema)
	out.SetSpecs(chunk.Specs())
	for _, name := range chunk.AttributeNames() {
		if contains(drop, name) || !schema.HasDataElement(name) {
			continue
		}
		c, _ := chunk.Attribute(name)
		out.SetAttribute(name, c)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
