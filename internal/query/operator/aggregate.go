package operator

import (
	"context"
	"log"
	"time"

	"github.com/tardb/tardb/internal/query/aggregator"
	"github.com/tardb/tardb/internal/subtar"
)

// AggregateOptions configure the aggregation engine.
type AggregateOptions struct {
	Mode             aggregator.Mode
	MaxBufferedCells int64
	// Workers is the number of private partial accumulators; defaults to
	// ChunksPerBatch.
	Workers int
}

// Aggregate reduces its whole input into a single output chunk. Worker
// lanes each pull one chunk per round into a private partial; the partials
// are merged and finalized once the input is exhausted.
type Aggregate struct {
	base
	input   Operator
	engine  *aggregator.Engine
	workers int
}

// NewAggregate validates the functions and group-by dimensions.
func NewAggregate(input Operator, functions []aggregator.Function, groupBy []string, agg AggregateOptions, opts Options) (*Aggregate, error) {
	opts = opts.normalize()
	e, err := aggregator.NewEngine(input.Schema(), input.Schema().Name, functions, groupBy, aggregator.Options{
		Mode:             agg.Mode,
		MaxBufferedCells: agg.MaxBufferedCells,
		Store:            opts.Store,
	})
	if err != nil {
		return nil, err
	}
	workers := agg.Workers
	if workers <= 0 {
		workers = opts.ChunksPerBatch
	}
	a := &Aggregate{input: input, engine: e, workers: workers}
	a.base = newBase("aggregate", e.Output(), opts)
	bind(a)
	return a, nil
}

// Engine exposes the resolved engine, e.g. to report its mode.
func (a *Aggregate) Engine() *aggregator.Engine { return a.engine }

// GenerateChunk consumes the whole input on the first call. Only chunk 0
// exists.
func (a *Aggregate) GenerateChunk(ctx context.Context, batchStart int) error {
	if batchStart != 0 {
		return nil
	}
	started := time.Now()
	in := a.input.Output()
	partials := make([]*aggregator.Partial, a.workers)
	for i := range partials {
		partials[i] = a.engine.NewPartial()
	}

	for next := 0; ; {
		lanes := make([]lane, 0, a.workers)
		for len(lanes) < a.workers {
			c, err := in.GetChunk(ctx, next)
			if err != nil {
				return err
			}
			if c == nil {
				break
			}
			lanes = append(lanes, lane{input: c, inIdx: next})
			next++
		}
		if len(lanes) == 0 {
			break
		}
		_, err := a.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
			if err := a.engine.Accumulate(partials[i], lanes[i].input); err != nil {
				return nil, err
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		for _, l := range lanes {
			in.DisposeIfExhausted(l.inIdx)
		}
		if len(lanes) < a.workers {
			break
		}
	}

	global := a.engine.Reduce(partials)
	log.Printf("operator: %s reduced %d partials to %d groups (%s)", a.name, len(partials), global.Groups(), a.engine.Mode())
	a.engine.Finalize(global)
	chunk, err := a.engine.BuildChunk(global)
	if err != nil {
		return err
	}
	a.publish(0, []lane{{}}, []*subtar.Subtar{chunk}, started, nil)
	return nil
}
