// Package executor runs query plans. It builds one operator per plan step,
// wires their generators together, drains the result generator and ships
// every result chunk to the caller as encoded blocks through a dispatcher.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tardb/tardb/internal/catalog"
	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/dispatch"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/observability"
	"github.com/tardb/tardb/internal/query/aggregator"
	"github.com/tardb/tardb/internal/query/operator"
	"github.com/tardb/tardb/internal/query/plan"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Sink receives a query result: one description, then the result blocks.
type Sink interface {
	// Describe receives the result description before any block.
	Describe(description string) error

	// NotifyNewBlockReady receives one encoded block. first and last mark
	// the first and final block of each result element.
	NotifyNewBlockReady(name string, data []byte, size int, first, last bool) error
}

// Config holds configuration for the executor.
type Config struct {
	// ChunksPerBatch is the number of lanes each operator runs per batch (default: 4)
	ChunksPerBatch int

	// ThreadsPerChunk bounds the lanes running at once (default: ChunksPerBatch)
	ThreadsPerChunk int

	// AggregationWorkers is the number of private aggregation partials (default: ChunksPerBatch)
	AggregationWorkers int

	// MaxBufferedCells is the group-space size above which auto mode hashes
	MaxBufferedCells int64

	// AggregationMode applies to aggregate steps that do not set one
	AggregationMode aggregator.Mode

	// Compression is applied to every result block
	Compression codec.Compression

	// QueueSize bounds the blocks waiting for the sink
	QueueSize int

	// ScanCacheCells is the capacity of the scan cache; 0 disables it
	ScanCacheCells int64

	// Store builds every column; defaults to an in-memory store
	Store column.Store
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		ChunksPerBatch:     4,
		ThreadsPerChunk:    4,
		AggregationWorkers: 4,
		MaxBufferedCells:   aggregator.DefaultMaxBufferedCells,
		AggregationMode:    aggregator.ModeAuto,
		Compression:        codec.CompressionNone,
		QueueSize:          dispatch.DefaultQueueSize,
		ScanCacheCells:     1 << 24,
	}
}

// Result summarizes one query run.
type Result struct {
	QueryID     string
	Description string
	Schema      *types.TAR
	Chunks      int
	Rows        int64
	Blocks      int
	// Stored is the name the result was saved under, if any
	Stored   string
	Duration time.Duration
	// Operators lists per-operator timings, busiest first
	Operators []observability.OperatorStat
}

// Executor runs plans against a catalog.
type Executor struct {
	catalog catalog.Catalog
	config  Config
	scans   *ScanCache
}

// New creates an executor reading TARs from cat.
func New(cat catalog.Catalog, config Config) *Executor {
	if config.ChunksPerBatch <= 0 {
		config.ChunksPerBatch = 1
	}
	if config.ThreadsPerChunk <= 0 {
		config.ThreadsPerChunk = config.ChunksPerBatch
	}
	if config.Store == nil {
		config.Store = column.NewMemStore()
	}
	return &Executor{
		catalog: cat,
		config:  config,
		scans:   NewScanCache(config.ScanCacheCells),
	}
}

// ScanCache exposes the cache of loaded TARs.
func (e *Executor) ScanCache() *ScanCache { return e.scans }

// query is the state of one run.
type query struct {
	id    string
	exec  *Executor
	opts  operator.Options
	stats *observability.OperatorStats
	ops   map[string]operator.Operator
	// created lists every operator built, including implicit ones
	created []operator.Operator
}

// Run executes p. When sink is non-nil the result is described and
// streamed to it; when p.Store is set the result is saved as a new TAR.
// Run returns once every block has been delivered.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, sink Sink) (res *Result, err error) {
	started := time.Now()
	q := &query{
		id:    uuid.NewString(),
		exec:  e,
		stats: observability.NewOperatorStats(),
		ops:   make(map[string]operator.Operator),
	}
	q.opts = operator.Options{
		ChunksPerBatch: e.config.ChunksPerBatch,
		MaxLanes:       e.config.ThreadsPerChunk,
		Store:          e.config.Store,
		Stats:          q.stats,
	}

	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			q.clear()
			log.Printf("executor: query %s (%s) failed after %v: %v", q.id, p.Name, time.Since(started), err)
		}
		observability.QueryDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
	}()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	log.Printf("executor: query %s (%s) started with %d steps", q.id, p.Name, len(p.Steps))

	for i := range p.Steps {
		s := &p.Steps[i]
		op, err := q.build(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", s.ID, err)
		}
		q.ops[s.ID] = op
	}
	for id, n := range p.Consumers() {
		// Scans hold every chunk for the whole query.
		if out := q.ops[id].Output(); !out.IsMaterialized() {
			out.SetMaxAccesses(n)
		}
	}

	res = &Result{QueryID: q.id}
	if err := q.drain(ctx, p, sink, res); err != nil {
		return nil, err
	}
	res.Duration = time.Since(started)
	res.Operators = q.stats.Top(len(q.created))
	log.Printf("executor: query %s (%s) finished in %v: %d chunks, %d rows, %d blocks",
		q.id, p.Name, res.Duration, res.Chunks, res.Rows, res.Blocks)
	return res, nil
}

func (q *query) track(op operator.Operator) operator.Operator {
	q.created = append(q.created, op)
	return op
}

// clear drops every chunk cached by the operators of an abandoned query.
func (q *query) clear() {
	for _, op := range q.created {
		op.Output().Clear()
	}
}

// loadTAR returns the schema and chunks of a stored TAR, from the scan
// cache when possible.
func (e *Executor) loadTAR(ctx context.Context, name string) (*types.TAR, []*subtar.Subtar, error) {
	if tar, chunks, ok := e.scans.Get(name); ok {
		return tar, chunks, nil
	}
	tar, chunks, err := e.catalog.LoadSubtars(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	e.scans.Put(name, tar, chunks)
	return tar, chunks, nil
}

func (q *query) build(ctx context.Context, s *plan.Step) (operator.Operator, error) {
	input := q.ops[s.Input]
	expr := func() (*operator.Expr, error) {
		return plan.BuildExpr(s.Expr, input.Schema())
	}

	var (
		op  operator.Operator
		err error
	)
	switch s.Op {
	case plan.OpScan:
		tar, chunks, lerr := q.exec.loadTAR(ctx, s.TAR)
		if lerr != nil {
			return nil, lerr
		}
		op = operator.NewScan(tar, chunks, q.opts)

	case plan.OpSelect:
		op, err = nonNil(operator.NewSelect(input, s.Elements, q.opts))

	case plan.OpDerive:
		e, xerr := expr()
		if xerr != nil {
			return nil, xerr
		}
		op, err = nonNil(operator.NewDerive(input, s.Attribute, e, q.opts))

	case plan.OpCompare:
		e, xerr := expr()
		if xerr != nil {
			return nil, xerr
		}
		op, err = nonNil(operator.NewComparison(input, e, q.opts))

	case plan.OpFilter:
		op, err = q.buildFilter(s, input)

	case plan.OpSubset:
		ranges := make([]operator.Range, len(s.Ranges))
		for i, r := range s.Ranges {
			ranges[i] = operator.Range{Dimension: r.Dimension, Lower: r.Lower, Upper: r.Upper}
		}
		op, err = nonNil(operator.NewSubset(input, ranges, q.opts))

	case plan.OpCrossJoin:
		op, err = nonNil(operator.NewCrossJoin(q.ops[s.Left], q.ops[s.Right], joinNames(s), q.opts))

	case plan.OpDimJoin:
		pairs := make([]operator.JoinPair, len(s.On))
		for i, on := range s.On {
			pairs[i] = operator.JoinPair{Left: on.Left, Right: on.Right}
		}
		op, err = nonNil(operator.NewDimJoin(q.ops[s.Left], q.ops[s.Right], pairs, joinNames(s), q.opts))

	case plan.OpAggregate:
		op, err = q.buildAggregate(s, input)

	default:
		return nil, tarerrors.Configf(tarerrors.CodeInvalidPlan, "unknown op %q", s.Op)
	}
	if err != nil {
		return nil, err
	}
	return q.track(op), nil
}

// nonNil converts a typed constructor result to the interface, keeping a
// nil pointer from becoming a non-nil Operator.
func nonNil[T operator.Operator](op T, err error) (operator.Operator, error) {
	if err != nil {
		return nil, err
	}
	return op, nil
}

func joinNames(s *plan.Step) operator.JoinNames {
	return operator.JoinNames{LeftPrefix: s.LeftPrefix, RightPrefix: s.RightPrefix}
}

// buildFilter handles the three filter forms: a where predicate, which
// becomes an implicit comparison read once by the filter; a separate mask
// step; or a bool attribute of the input.
func (q *query) buildFilter(s *plan.Step, input operator.Operator) (operator.Operator, error) {
	if s.Where != "" {
		e, err := plan.BuildExpr(s.Where, input.Schema())
		if err != nil {
			return nil, err
		}
		cmp, err := operator.NewComparison(input, e, q.opts)
		if err != nil {
			return nil, err
		}
		q.track(cmp)
		cmp.Output().SetMaxAccesses(1)
		return nonNil(operator.NewFilter(cmp, nil, "", q.opts))
	}
	var mask operator.Operator
	if s.Mask != "" {
		mask = q.ops[s.Mask]
	}
	return nonNil(operator.NewFilter(input, mask, s.Attribute, q.opts))
}

func (q *query) buildAggregate(s *plan.Step, input operator.Operator) (operator.Operator, error) {
	fns := make([]aggregator.Function, len(s.Functions))
	for i, f := range s.Functions {
		t, err := aggregator.ParseAggregateType(f.Fn)
		if err != nil {
			return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, err.Error())
		}
		fns[i] = aggregator.Function{Type: t, Attribute: f.Attribute, Output: f.Output}
	}
	mode := q.exec.config.AggregationMode
	if s.Mode != "" {
		m, err := aggregator.ParseMode(s.Mode)
		if err != nil {
			return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, err.Error())
		}
		mode = m
	}
	return nonNil(operator.NewAggregate(input, fns, s.GroupBy, operator.AggregateOptions{
		Mode:             mode,
		MaxBufferedCells: q.exec.config.MaxBufferedCells,
		Workers:          q.exec.config.AggregationWorkers,
	}, q.opts))
}

// drain pulls the result generator chunk by chunk. Each chunk is shipped
// and stored before it is released; the next chunk is fetched first so the
// final one can be flagged.
func (q *query) drain(ctx context.Context, p *plan.Plan, sink Sink, res *Result) (err error) {
	out := q.ops[p.OutputStep()]
	schema := out.Schema()
	res.Schema = schema

	desc, err := describe(q.id, p.Name, schema, q.exec.config.Compression)
	if err != nil {
		return err
	}
	res.Description = desc

	var d *dispatch.Dispatcher
	if sink != nil {
		if err := sink.Describe(desc); err != nil {
			return tarerrors.NewExecutionError(tarerrors.CodeTransmission, "result description was not delivered", err)
		}
		d = dispatch.New(sink.NotifyNewBlockReady, q.exec.config.QueueSize)
		defer d.Close()
	}

	var stored *types.TAR
	if p.Store != "" {
		stored = schema.Clone()
		stored.Name = p.Store
		if err := q.exec.catalog.SaveTAR(ctx, stored); err != nil {
			return err
		}
		q.exec.scans.Invalidate(p.Store)
		defer func() {
			if err == nil {
				return
			}
			// A partially stored result is removed.
			if derr := q.exec.catalog.DropTAR(context.Background(), stored.Name); derr != nil {
				log.Printf("executor: query %s could not drop partial result %s: %v", q.id, stored.Name, derr)
			}
		}()
	}

	gen := out.Output()
	cur, err := gen.GetChunk(ctx, 0)
	if err != nil {
		return err
	}
	for i := 0; cur != nil; i++ {
		next, err := gen.GetChunk(ctx, i+1)
		if err != nil {
			return err
		}
		if d != nil {
			n, err := q.ship(ctx, d, schema, cur, i == 0, next == nil)
			if err != nil {
				return err
			}
			res.Blocks += n
		}
		if stored != nil {
			if err := q.exec.catalog.SaveSubtar(ctx, stored.Name, i, cur.Derive(stored)); err != nil {
				return err
			}
		}
		res.Chunks++
		res.Rows += int64(cur.FilledLength())
		gen.DisposeIfExhausted(i)
		cur = next
	}

	if d != nil {
		if err := d.WaitSendBlocksCompletion(ctx); err != nil {
			return err
		}
	}
	if stored != nil {
		res.Stored = stored.Name
		log.Printf("executor: query %s stored %d chunks as %s", q.id, res.Chunks, stored.Name)
	}
	return nil
}

// ship encodes one chunk into a block per dimension and attribute and
// queues them. Dimension blocks carry logical coordinates.
func (q *query) ship(ctx context.Context, d *dispatch.Dispatcher, schema *types.TAR, chunk *subtar.Subtar, first, last bool) (int, error) {
	store := q.exec.config.Store
	sent := 0
	send := func(name string, col *column.Column) error {
		data, err := codec.EncodeBlock(name, col, q.exec.config.Compression)
		if err != nil {
			return tarerrors.NewInternalError(fmt.Sprintf("encoding block %s", name), err)
		}
		if err := d.Send(ctx, dispatch.Block{Name: name, Data: data, First: first, Last: last}); err != nil {
			return err
		}
		sent++
		return nil
	}

	for _, dim := range schema.Dimensions {
		idx, err := chunk.Materialize(dim.Name)
		if err != nil {
			return sent, tarerrors.NewInternalError(fmt.Sprintf("materializing %s", dim.Name), err)
		}
		logical, err := store.Real2Logical(dim, idx)
		if err != nil {
			return sent, tarerrors.StorageError("real2logical", "executor", err)
		}
		if err := send(dim.Name, logical); err != nil {
			return sent, err
		}
	}
	for _, attr := range schema.Attributes {
		col, ok := chunk.Attribute(attr.Name)
		if !ok {
			return sent, tarerrors.NewInternalError(fmt.Sprintf("chunk has no attribute %s", attr.Name), nil)
		}
		if err := send(attr.Name, col); err != nil {
			return sent, err
		}
	}
	return sent, nil
}
