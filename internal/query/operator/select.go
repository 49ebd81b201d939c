package operator

import (
	"context"
	"fmt"
	"math"
	"time"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// RowIDDimension names the axis synthesized when a projection drops every
// dimension of its input.
const RowIDDimension = "i"

// Select projects a subset of the input's dimensions and attributes.
type Select struct {
	base
	input Operator
	dims  []string
	attrs []string
	rowID *types.Dimension
}

// NewSelect keeps the named elements of input, in input order.
func NewSelect(input Operator, elements []string, opts Options) (*Select, error) {
	if len(elements) == 0 {
		return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, "select: no elements to project")
	}
	in := input.Schema()
	seen := make(map[string]bool)
	for _, e := range elements {
		if !in.HasDataElement(e) {
			return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "select: %s is not an element of %s", e, in.Name)
		}
		if seen[e] {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "select: %s projected twice", e)
		}
		seen[e] = true
	}

	out := &types.TAR{Name: in.Name}
	s := &Select{input: input}
	rows := 1.0
	for _, d := range in.Dimensions {
		rows *= float64(d.Length())
		if seen[d.Name] {
			out.Dimensions = append(out.Dimensions, d)
			s.dims = append(s.dims, d.Name)
		}
	}
	for _, a := range in.Attributes {
		if seen[a.Name] {
			out.Attributes = append(out.Attributes, a)
			s.attrs = append(s.attrs, a.Name)
		}
	}
	if len(s.dims) == 0 {
		name := RowIDDimension
		for out.HasDataElement(name) {
			name = "_" + name
		}
		upper := math.Min(rows, float64(math.MaxInt64/2)) - 1
		if upper < 0 {
			upper = 0
		}
		s.rowID = &types.Dimension{Name: name, Type: types.TypeInt64, Kind: types.DimensionImplicit, LowerBound: 0, UpperBound: upper, Spacing: 1}
		out.Dimensions = []*types.Dimension{s.rowID}
	}

	s.base = newBase("select", out, opts)
	bind(s)
	return s, nil
}

// GenerateChunk projects one batch of input chunks.
func (s *Select) GenerateChunk(ctx context.Context, batchStart int) error {
	in := s.input.Output()
	if s.rowID == nil {
		return s.mapBatch(ctx, in, batchStart, s.project)
	}

	// Row ids continue across chunks, so offsets are assigned in order
	// before the lanes start.
	started := time.Now()
	offset, err := s.offsetAt(batchStart)
	if err != nil {
		return err
	}
	lanes, err := s.collect(ctx, in, batchStart)
	if err != nil || len(lanes) == 0 {
		return err
	}
	for i := range lanes {
		lanes[i].offset = offset
		offset += lanes[i].input.FilledLength()
	}
	results, err := s.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
		return s.project(ctx, lanes[i])
	})
	if err != nil {
		return err
	}
	n := s.publish(batchStart, lanes, results, started, func(index int, l lane) {
		s.out.SetIndexMapping(generator.ChannelOffset, index, l.offset)
	})
	s.out.SetIndexMapping(generator.ChannelOffset, batchStart+n, offset)
	for _, l := range lanes {
		in.DisposeIfExhausted(l.inIdx)
	}
	return nil
}

func (s *Select) offsetAt(index int) (int, error) {
	if index == 0 {
		return 0, nil
	}
	if v, ok := s.out.GetIndexMapping(generator.ChannelOffset, index); ok {
		return v, nil
	}
	return 0, tarerrors.NewInternalError(fmt.Sprintf("%s: no row offset recorded for chunk %d", s.name, index), nil)
}

func (s *Select) project(ctx context.Context, l lane) (*subtar.Subtar, error) {
	chunk := l.input
	n := chunk.FilledLength()
	out := subtar.New(s.schema)
	for _, a := range s.attrs {
		c, ok := chunk.Attribute(a)
		if !ok {
			return nil, fmt.Errorf("select: chunk has no attribute %s", a)
		}
		out.SetAttribute(a, c)
	}

	if s.rowID != nil {
		if n == 0 {
			return nil, nil
		}
		spec, err := subtar.NewOrdered(s.rowID, int64(l.offset), int64(l.offset+n-1), 1)
		if err != nil {
			return nil, err
		}
		out.AddSpec(spec)
		return out, nil
	}

	// Dropping an axis can change the row count the remaining specs
	// describe; the kept axes are then materialized per row.
	var kept []subtar.DimSpec
	for _, sp := range chunk.Specs() {
		if contains(s.dims, sp.Name()) {
			kept = append(kept, sp)
		}
	}
	out.SetSpecs(kept)
	if out.FilledLength() != n {
		for i, sp := range kept {
			t, err := sp.ToTotal(n)
			if err != nil {
				return nil, err
			}
			kept[i] = t
		}
		out.SetSpecs(kept)
	}
	return out, nil
}
