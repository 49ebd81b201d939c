package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/subtar"
)

// Range restricts a dimension to the logical interval [Lower, Upper].
type Range struct {
	Dimension string
	Lower     float64
	Upper     float64
}

type realRange struct {
	name     string
	lo, hi   int64
	disjoint bool
}

// Subset keeps the cells whose coordinates fall inside every range. Chunks
// fully outside are skipped, chunks fully inside pass through, and the rest
// are narrowed.
type Subset struct {
	base
	input  Operator
	ranges []realRange
	empty  bool
}

// NewSubset validates the ranges against the input schema.
func NewSubset(input Operator, ranges []Range, opts Options) (*Subset, error) {
	in := input.Schema()
	s := &Subset{input: input}
	seen := make(map[string]bool)
	for _, r := range ranges {
		d := in.GetDimension(r.Dimension)
		if d == nil {
			return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "subset: %s is not a dimension of %s", r.Dimension, in.Name)
		}
		if seen[r.Dimension] {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "subset: %s restricted twice", r.Dimension)
		}
		seen[r.Dimension] = true
		if r.Upper < r.Lower {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "subset: %s upper %v below lower %v", r.Dimension, r.Upper, r.Lower)
		}
		lo, hi, ok := d.RealRange(r.Lower, r.Upper)
		if !ok {
			s.empty = true
		}
		s.ranges = append(s.ranges, realRange{name: r.Dimension, lo: lo, hi: hi, disjoint: !ok})
	}
	s.base = newBase("subset", in, opts)
	bind(s)
	return s, nil
}

type overlap int

const (
	outside overlap = iota
	inside
	partial
)

func (s *Subset) classify(chunk *subtar.Subtar) overlap {
	result := inside
	for _, r := range s.ranges {
		sp, ok := chunk.Spec(r.name)
		if !ok {
			continue
		}
		if sp.Upper() < r.lo || sp.Lower() > r.hi {
			return outside
		}
		if sp.Lower() < r.lo || sp.Upper() > r.hi {
			result = partial
		}
	}
	return result
}

// GenerateChunk narrows the next overlapping input chunks.
func (s *Subset) GenerateChunk(ctx context.Context, batchStart int) error {
	if s.empty {
		return nil
	}
	started := time.Now()
	in := s.input.Output()

	cursor := 0
	if batchStart > 0 {
		v, ok := s.out.GetIndexMapping(generator.ChannelInput, batchStart)
		if !ok {
			return tarerrors.NewInternalError(fmt.Sprintf("%s: no input position recorded for chunk %d", s.name, batchStart), nil)
		}
		cursor = v
	}

	for {
		lanes := make([]lane, 0, s.opts.ChunksPerBatch)
		exhausted := false
		for len(lanes) < s.opts.ChunksPerBatch {
			chunk, err := in.GetChunk(ctx, cursor)
			if err != nil {
				return err
			}
			if chunk == nil {
				exhausted = true
				break
			}
			if s.classify(chunk) == outside {
				in.DisposeIfExhausted(cursor)
				cursor++
				continue
			}
			lanes = append(lanes, lane{input: chunk, inIdx: cursor})
			cursor++
		}
		if len(lanes) == 0 {
			return nil
		}

		results, err := s.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
			return s.narrow(lanes[i].input)
		})
		if err != nil {
			return err
		}
		n := s.publish(batchStart, lanes, results, started, func(index int, l lane) {
			s.out.SetIndexMapping(generator.ChannelInput, index, l.inIdx)
		})
		s.out.SetIndexMapping(generator.ChannelInput, batchStart+n, cursor)
		for _, l := range lanes {
			in.DisposeIfExhausted(l.inIdx)
		}
		// Bounding boxes can overlap while no cell does; keep going until
		// something is published or the input ends.
		if n > 0 || exhausted {
			return nil
		}
	}
}

func (s *Subset) narrow(chunk *subtar.Subtar) (*subtar.Subtar, error) {
	if s.classify(chunk) == inside {
		return chunk, nil
	}
	if chunk.HasTotal() {
		return s.narrowRows(chunk)
	}

	// Ordered and Partial layouts stay a product of their axes.
	specs := chunk.Specs()
	keep := roaring.New()
	keep.AddRange(0, uint64(chunk.FilledLength()))
	for i, sp := range specs {
		r, ok := s.rangeOf(sp.Name())
		if !ok {
			continue
		}
		rows := rowsWithin(sp, r, int64(chunk.FilledLength()))
		keep.And(rows)
		narrowed, err := narrowSpec(sp, r)
		if err != nil {
			return nil, err
		}
		if narrowed == nil {
			return nil, nil
		}
		specs[i] = *narrowed
	}
	if keep.IsEmpty() {
		return nil, nil
	}

	out := subtar.New(s.schema)
	out.SetSpecs(subtar.AdjustSpecs(specs))
	mask := column.FromBitmap(keep, chunk.FilledLength())
	for _, name := range chunk.AttributeNames() {
		c, _ := chunk.Attribute(name)
		kept, err := s.opts.Store.Filter(c, mask)
		if err != nil {
			return nil, s.storageErr("filter", err)
		}
		out.SetAttribute(name, kept)
	}
	return out, nil
}

// narrowRows masks a chunk that already carries per-row axes.
func (s *Subset) narrowRows(chunk *subtar.Subtar) (*subtar.Subtar, error) {
	n := int64(chunk.FilledLength())
	keep := roaring.New()
	keep.AddRange(0, uint64(n))
	for _, sp := range chunk.Specs() {
		if r, ok := s.rangeOf(sp.Name()); ok {
			keep.And(rowsWithin(sp, r, n))
		}
	}
	if keep.IsEmpty() {
		return nil, nil
	}
	return filterChunk(&s.base, chunk, s.schema, column.FromBitmap(keep, int(n)))
}

func (s *Subset) rangeOf(name string) (realRange, bool) {
	for _, r := range s.ranges {
		if r.name == name {
			return r, true
		}
	}
	return realRange{}, false
}

// rowsWithin returns the rows of an n-row chunk whose coordinate on sp lies in r.
func rowsWithin(sp subtar.DimSpec, r realRange, n int64) *roaring.Bitmap {
	bm := roaring.New()
	for p := int64(0); p < n; p++ {
		if v := sp.At(p); v >= r.lo && v <= r.hi {
			bm.Add(uint32(p))
		}
	}
	return bm
}

// narrowSpec restricts an Ordered or Partial spec to r. It returns nil when
// no coordinate remains.
func narrowSpec(sp subtar.DimSpec, r realRange) (*subtar.DimSpec, error) {
	switch sp.Kind() {
	case subtar.Ordered:
		lo, hi := max(sp.Lower(), r.lo), min(sp.Upper(), r.hi)
		if lo > hi {
			return nil, nil
		}
		out, err := sp.AlterBoundaries(lo, hi)
		return &out, err
	default:
		var vals []int64
		for _, v := range sp.Backing().Int64s() {
			if v >= r.lo && v <= r.hi {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			return nil, nil
		}
		out, err := subtar.NewPartial(sp.Dimension(), column.FromInt64s(vals), sp.Adjacency())
		return &out, err
	}
}
