// Package aggregator provides the aggregation engine: group keys are
// linearized over the group-by axes and accumulated either in dense
// per-function buffers or in a sparse map keyed by the linear position.
package aggregator

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// AggregateType represents the type of aggregate function.
type AggregateType int

const (
	AggCount AggregateType = iota
	AggSum
	AggMin
	AggMax
	AggAvg
)

// ParseAggregateType converts a function name string to AggregateType.
func ParseAggregateType(name string) (AggregateType, error) {
	switch strings.ToLower(name) {
	case "count":
		return AggCount, nil
	case "sum":
		return AggSum, nil
	case "min":
		return AggMin, nil
	case "max":
		return AggMax, nil
	case "avg":
		return AggAvg, nil
	default:
		return 0, fmt.Errorf("unknown aggregate function: %s", name)
	}
}

func (t AggregateType) String() string {
	return [...]string{"count", "sum", "min", "max", "avg"}[t]
}

func (t AggregateType) usesValues() bool { return t != AggCount }
func (t AggregateType) usesCounts() bool { return t == AggCount || t == AggAvg }

// Partial is one accumulator, owned either by a single worker lane or by
// the engine after Reduce. It is not safe for concurrent use.
type Partial struct {
	engine *Engine

	// Buffered mode: one dense buffer per function, indexed by linear position.
	values  [][]float64
	counts  [][]int64
	present *roaring.Bitmap

	// Hashed mode: cells keyed by linear position, plus the per-axis real
	// indexes each observed position came from.
	cells map[uint64]*cell
	keys  map[uint64][]int64
}

type cell struct {
	values []float64
	counts []int64
}

func (e *Engine) newCell() *cell {
	return &cell{
		values: make([]float64, len(e.functions)),
		counts: make([]int64, len(e.functions)),
	}
}

// NewPartial allocates an empty accumulator in the engine's mode.
func (e *Engine) NewPartial() *Partial {
	p := &Partial{engine: e}
	if e.mode == ModeHashed {
		p.cells = make(map[uint64]*cell)
		p.keys = make(map[uint64][]int64)
		return p
	}
	n := int(e.cells)
	p.values = make([][]float64, len(e.functions))
	p.counts = make([][]int64, len(e.functions))
	for i, f := range e.functions {
		if f.Type.usesValues() {
			p.values[i] = make([]float64, n)
		}
		if f.Type.usesCounts() {
			p.counts[i] = make([]int64, n)
		}
	}
	p.present = roaring.New()
	return p
}

// Groups returns the number of visited cells.
func (p *Partial) Groups() int {
	if p.engine.mode == ModeHashed {
		return len(p.cells)
	}
	return int(p.present.GetCardinality())
}

// update folds one input value into the cell at pos. idx is the per-axis
// key of pos and is only retained in hashed mode.
func (p *Partial) update(pos uint64, idx []int64, vals []float64) {
	if p.engine.mode == ModeHashed {
		c, ok := p.cells[pos]
		if !ok {
			c = p.engine.newCell()
			p.cells[pos] = c
			p.keys[pos] = append([]int64(nil), idx...)
		}
		for f, fn := range p.engine.functions {
			accumulate(fn.Type, &c.values[f], &c.counts[f], vals[f], !ok)
		}
		return
	}

	first := !p.present.Contains(uint32(pos))
	if first {
		p.present.Add(uint32(pos))
	}
	var scratch int64
	var scratchVal float64
	for f, fn := range p.engine.functions {
		v, c := &scratchVal, &scratch
		if p.values[f] != nil {
			v = &p.values[f][pos]
		}
		if p.counts[f] != nil {
			c = &p.counts[f][pos]
		}
		accumulate(fn.Type, v, c, vals[f], first)
	}
}

// accumulate adds a single value to a cell. first is true when the cell has
// never been visited, which keeps min and max from comparing against the
// zero value of an untouched buffer.
func accumulate(t AggregateType, value *float64, count *int64, v float64, first bool) {
	switch t {
	case AggCount:
		*count++
	case AggSum:
		*value += v
	case AggMin:
		if first || v < *value {
			*value = v
		}
	case AggMax:
		if first || v > *value {
			*value = v
		}
	case AggAvg:
		*value += v
		*count++
	}
}

// mergeInto merges a source cell into dest. destSet tells whether dest has
// been visited before.
func mergeInto(t AggregateType, dstVal *float64, dstCnt *int64, srcVal float64, srcCnt int64, destSet bool) {
	switch t {
	case AggCount:
		*dstCnt += srcCnt
	case AggSum:
		*dstVal += srcVal
	case AggMin:
		if !destSet || srcVal < *dstVal {
			*dstVal = srcVal
		}
	case AggMax:
		if !destSet || srcVal > *dstVal {
			*dstVal = srcVal
		}
	case AggAvg:
		*dstVal += srcVal
		*dstCnt += srcCnt
	}
}

// merge folds src into p. Both must belong to the same engine.
func (p *Partial) merge(src *Partial) {
	fns := p.engine.functions
	if p.engine.mode == ModeHashed {
		for pos, sc := range src.cells {
			dc, ok := p.cells[pos]
			if !ok {
				dc = p.engine.newCell()
				p.cells[pos] = dc
				p.keys[pos] = src.keys[pos]
			}
			for f, fn := range fns {
				mergeInto(fn.Type, &dc.values[f], &dc.counts[f], sc.values[f], sc.counts[f], ok)
			}
		}
		return
	}

	var scratch int64
	var scratchVal float64
	it := src.present.Iterator()
	for it.HasNext() {
		pos := it.Next()
		destSet := p.present.Contains(pos)
		for f, fn := range fns {
			dv, dc := &scratchVal, &scratch
			var sv float64
			var sc int64
			if p.values[f] != nil {
				dv = &p.values[f][pos]
				sv = src.values[f][pos]
			}
			if p.counts[f] != nil {
				dc = &p.counts[f][pos]
				sc = src.counts[f][pos]
			}
			mergeInto(fn.Type, dv, dc, sv, sc, destSet)
		}
		p.present.Add(pos)
	}
}

// finalize applies the closing transform: avg divides by its count, and
// cells without rows resolve to 0.
func (p *Partial) finalize() {
	for f, fn := range p.engine.functions {
		if fn.Type != AggAvg {
			continue
		}
		if p.engine.mode == ModeHashed {
			for _, c := range p.cells {
				c.values[f] = average(c.values[f], c.counts[f])
			}
			continue
		}
		vals, counts := p.values[f], p.counts[f]
		for i := range vals {
			vals[i] = average(vals[i], counts[i])
		}
	}
}

func average(sum float64, n int64) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
