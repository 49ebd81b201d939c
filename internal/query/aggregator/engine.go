package aggregator

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Mode selects the accumulator layout.
type Mode int

const (
	// ModeAuto picks Buffered when the group space fits the buffer cap.
	ModeAuto Mode = iota
	// ModeBuffered keeps one dense buffer per function over the whole group space.
	ModeBuffered
	// ModeHashed keeps one cell per observed group.
	ModeHashed
)

// ParseMode converts a mode name to Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "", "auto":
		return ModeAuto, nil
	case "buffered":
		return ModeBuffered, nil
	case "hashed":
		return ModeHashed, nil
	default:
		return 0, fmt.Errorf("unknown aggregation mode: %s", name)
	}
}

func (m Mode) String() string {
	return [...]string{"auto", "buffered", "hashed"}[m]
}

// DefaultMaxBufferedCells is the group-space size above which auto mode
// switches to hashed accumulation.
const DefaultMaxBufferedCells = 1 << 22

// maxBitmapCells bounds buffered mode, whose presence bitmap holds 32-bit positions.
const maxBitmapCells = math.MaxUint32

// Function is one aggregate request. An empty Attribute is only valid for
// count and counts rows.
type Function struct {
	Type      AggregateType
	Attribute string
	Output    string
}

// OutputName returns the output attribute name, defaulting to "<fn>_<attr>".
func (f Function) OutputName() string {
	if f.Output != "" {
		return f.Output
	}
	if f.Attribute == "" {
		return f.Type.String()
	}
	return f.Type.String() + "_" + f.Attribute
}

// Options tune the engine.
type Options struct {
	Mode             Mode
	MaxBufferedCells int64
	Store            column.Store
}

// Engine linearizes group keys and owns the output schema of an aggregation.
type Engine struct {
	functions   []Function
	groupBy     []*types.Dimension
	lengths     []int64
	multipliers []uint64
	cells       uint64
	mode        Mode
	store       column.Store
	output      *types.TAR
}

// NewEngine validates an aggregation over input and sizes its group space.
func NewEngine(input *types.TAR, name string, functions []Function, groupBy []string, opts Options) (*Engine, error) {
	if len(functions) == 0 {
		return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, "aggregate: at least one function is required")
	}
	if opts.Store == nil {
		opts.Store = column.NewMemStore()
	}
	if opts.MaxBufferedCells <= 0 {
		opts.MaxBufferedCells = DefaultMaxBufferedCells
	}

	e := &Engine{store: opts.Store}
	out := &types.TAR{Name: name}
	seen := make(map[string]bool)

	for _, g := range groupBy {
		d := input.GetDimension(g)
		if d == nil {
			return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "aggregate: %s is not a dimension of %s", g, input.Name)
		}
		if seen[g] {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "aggregate: duplicate group-by dimension %s", g)
		}
		seen[g] = true
		e.groupBy = append(e.groupBy, d)
		e.lengths = append(e.lengths, d.Length())
		out.Dimensions = append(out.Dimensions, d)
	}

	for _, f := range functions {
		if f.Attribute == "" && f.Type != AggCount {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "aggregate: %s needs an attribute", f.Type)
		}
		if f.Attribute != "" {
			a, ok := input.GetAttribute(f.Attribute)
			if !ok {
				return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "aggregate: %s is not an attribute of %s", f.Attribute, input.Name)
			}
			if f.Type != AggCount && !a.Type.Numeric() {
				return nil, tarerrors.Configf(tarerrors.CodeTypeMismatch, "aggregate: %s(%s) needs a numeric attribute, got %s", f.Type, f.Attribute, a.Type)
			}
		}
		outName := f.OutputName()
		if seen[outName] {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "aggregate: duplicate output name %s", outName)
		}
		seen[outName] = true
		t := types.TypeFloat64
		if f.Type == AggCount {
			t = types.TypeInt64
		}
		out.Attributes = append(out.Attributes, types.Attribute{Name: outName, Type: t})
		e.functions = append(e.functions, f)
	}
	e.output = out

	if err := e.size(); err != nil {
		return nil, err
	}
	switch opts.Mode {
	case ModeAuto:
		if e.cells <= min(uint64(opts.MaxBufferedCells), maxBitmapCells) {
			e.mode = ModeBuffered
		} else {
			e.mode = ModeHashed
		}
	case ModeBuffered:
		if e.cells > maxBitmapCells {
			return nil, tarerrors.Configf(tarerrors.CodeArithmeticOverflow,
				"aggregate: group space of %d cells is too large for buffered mode", e.cells)
		}
		e.mode = ModeBuffered
	default:
		e.mode = ModeHashed
	}
	return e, nil
}

// size computes the row-major multipliers, failing on overflow before any
// buffer is allocated.
func (e *Engine) size() error {
	n := len(e.lengths)
	e.multipliers = make([]uint64, n)
	product := uint64(1)
	for i := n - 1; i >= 0; i-- {
		e.multipliers[i] = product
		if e.lengths[i] <= 0 {
			return tarerrors.Configf(tarerrors.CodeInvalidParameter, "aggregate: dimension %s has no positions", e.groupBy[i].Name)
		}
		hi, lo := bits.Mul64(product, uint64(e.lengths[i]))
		if hi != 0 || lo > math.MaxInt64 {
			return tarerrors.Configf(tarerrors.CodeArithmeticOverflow,
				"aggregate: group space over %v overflows", e.groupByNames())
		}
		product = lo
	}
	e.cells = product
	return nil
}

func (e *Engine) groupByNames() []string {
	names := make([]string, len(e.groupBy))
	for i, d := range e.groupBy {
		names[i] = d.Name
	}
	return names
}

// Mode returns the resolved accumulator layout.
func (e *Engine) Mode() Mode { return e.mode }

// Cells returns the size of the group space.
func (e *Engine) Cells() uint64 { return e.cells }

// Output returns the schema of the aggregated array.
func (e *Engine) Output() *types.TAR { return e.output }

// Linearize maps per-axis real indexes to a linear position in row-major
// order. Every index is bounds-checked so that distinct keys never collide.
func (e *Engine) Linearize(idx []int64) (uint64, error) {
	var pos uint64
	for i, v := range idx {
		if v < 0 || v >= e.lengths[i] {
			return 0, tarerrors.NewExecutionError(tarerrors.CodeIndexOutOfRange,
				fmt.Sprintf("aggregate: index %d outside dimension %s of length %d", v, e.groupBy[i].Name, e.lengths[i]), nil)
		}
		pos += uint64(v) * e.multipliers[i]
	}
	return pos, nil
}

// Delinearize is the inverse of Linearize.
func (e *Engine) Delinearize(pos uint64, idx []int64) {
	for i, m := range e.multipliers {
		idx[i] = int64(pos / m)
		pos %= m
	}
}

// Accumulate folds every row of chunk into p.
func (e *Engine) Accumulate(p *Partial, chunk *subtar.Subtar) error {
	n := chunk.FilledLength()
	keys := make([][]int64, len(e.groupBy))
	for i, d := range e.groupBy {
		col, err := chunk.Materialize(d.Name)
		if err != nil {
			return err
		}
		keys[i] = col.Int64s()
	}
	inputs := make([]*column.Column, len(e.functions))
	for f, fn := range e.functions {
		if fn.Attribute == "" {
			continue
		}
		col, ok := chunk.Attribute(fn.Attribute)
		if !ok {
			return fmt.Errorf("aggregate: chunk has no attribute %s", fn.Attribute)
		}
		if col.Len() != n {
			return fmt.Errorf("aggregate: attribute %s has %d rows, chunk has %d", fn.Attribute, col.Len(), n)
		}
		inputs[f] = col
	}

	idx := make([]int64, len(e.groupBy))
	vals := make([]float64, len(e.functions))
	for row := 0; row < n; row++ {
		for i := range keys {
			idx[i] = keys[i][row]
		}
		pos, err := e.Linearize(idx)
		if err != nil {
			return err
		}
		for f, col := range inputs {
			if col != nil {
				vals[f] = col.Float(row)
			}
		}
		p.update(pos, idx, vals)
	}
	return nil
}

// Reduce merges the lane partials into one. Nil partials are skipped.
func (e *Engine) Reduce(partials []*Partial) *Partial {
	global := e.NewPartial()
	for _, p := range partials {
		if p != nil {
			global.merge(p)
		}
	}
	return global
}

// Finalize applies the closing transform of every function in place.
func (e *Engine) Finalize(p *Partial) { p.finalize() }

// BuildChunk turns a finalized partial into the single output chunk. Group
// axes become Total specs of real indexes; rows follow ascending linear
// position. A nil chunk means no group was observed.
func (e *Engine) BuildChunk(p *Partial) (*subtar.Subtar, error) {
	out := subtar.New(e.output)

	if len(e.groupBy) == 0 {
		var row []int64
		if e.mode == ModeHashed {
			if _, ok := p.cells[0]; ok {
				row = []int64{0}
			}
		} else if !p.present.IsEmpty() {
			row = []int64{0}
		}
		if row == nil {
			// An empty input still reports one cell of zeros.
			for f, fn := range e.functions {
				out.SetAttribute(fn.OutputName(), e.zeroColumn(f))
			}
			return out, nil
		}
		return e.fill(out, p, row)
	}

	var positions []int64
	dense := false
	switch e.mode {
	case ModeHashed:
		positions = make([]int64, 0, len(p.cells))
		for pos := range p.cells {
			positions = append(positions, int64(pos))
		}
		sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	default:
		card := p.present.GetCardinality()
		if card == 0 {
			return nil, nil
		}
		dense = card == e.cells
		arr := p.present.ToArray()
		positions = make([]int64, len(arr))
		for i, v := range arr {
			positions[i] = int64(v)
		}
	}
	if len(positions) == 0 {
		return nil, nil
	}

	axes := make([][]int64, len(e.groupBy))
	for i := range axes {
		axes[i] = make([]int64, len(positions))
	}
	idx := make([]int64, len(e.groupBy))
	for r, pos := range positions {
		if e.mode == ModeHashed {
			copy(idx, p.keys[uint64(pos)])
		} else {
			e.Delinearize(uint64(pos), idx)
		}
		for i := range axes {
			axes[i][r] = idx[i]
		}
	}
	for i, d := range e.groupBy {
		spec, err := subtar.NewTotal(d, column.FromInt64s(axes[i]))
		if err != nil {
			return nil, err
		}
		out.AddSpec(spec)
	}

	if dense {
		for f, fn := range e.functions {
			if fn.Type == AggCount {
				out.SetAttribute(fn.OutputName(), column.FromInt64s(p.counts[f]))
			} else {
				out.SetAttribute(fn.OutputName(), column.FromFloat64s(p.values[f]))
			}
		}
		return out, nil
	}
	if e.mode == ModeBuffered {
		mask := roaring.New()
		mask.Or(p.present)
		return e.compact(out, p, column.FromBitmap(mask, int(e.cells)))
	}
	return e.fill(out, p, positions)
}

// compact keeps the present cells of the dense buffers.
func (e *Engine) compact(out *subtar.Subtar, p *Partial, mask *column.Column) (*subtar.Subtar, error) {
	for f, fn := range e.functions {
		var src *column.Column
		if fn.Type == AggCount {
			src = column.FromInt64s(p.counts[f])
		} else {
			src = column.FromFloat64s(p.values[f])
		}
		col, err := e.store.Filter(src, mask)
		if err != nil {
			return nil, tarerrors.StorageError("filter", "aggregate", err)
		}
		out.SetAttribute(fn.OutputName(), col)
	}
	return out, nil
}

// fill copies the cells at positions into fresh columns.
func (e *Engine) fill(out *subtar.Subtar, p *Partial, positions []int64) (*subtar.Subtar, error) {
	for f, fn := range e.functions {
		ints := make([]int64, len(positions))
		floats := make([]float64, len(positions))
		for r, pos := range positions {
			if e.mode == ModeHashed {
				c := p.cells[uint64(pos)]
				ints[r], floats[r] = c.counts[f], c.values[f]
				continue
			}
			if p.counts[f] != nil {
				ints[r] = p.counts[f][pos]
			}
			if p.values[f] != nil {
				floats[r] = p.values[f][pos]
			}
		}
		if fn.Type == AggCount {
			out.SetAttribute(fn.OutputName(), column.FromInt64s(ints))
		} else {
			out.SetAttribute(fn.OutputName(), column.FromFloat64s(floats))
		}
	}
	return out, nil
}

func (e *Engine) zeroColumn(f int) *column.Column {
	if e.functions[f].Type == AggCount {
		return column.FromInt64s([]int64{0})
	}
	return column.FromFloat64s([]float64{0})
}
