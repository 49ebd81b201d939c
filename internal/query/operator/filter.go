package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Filter keeps the rows of each input chunk whose mask value is true.
// Chunks whose mask is all false are skipped entirely, so output index k
// generally comes from some later input index; the mapping is recorded on
// ChannelInput.
type Filter struct {
	base
	input    Operator
	mask     Operator
	maskAttr string
}

// NewFilter filters input by the bool attribute maskAttr. When mask is nil
// the attribute is read from the input chunks and dropped from the output;
// otherwise mask is walked in lockstep with input.
func NewFilter(input, mask Operator, maskAttr string, opts Options) (*Filter, error) {
	if maskAttr == "" {
		maskAttr = subtar.MaskAttribute
	}
	src := input.Schema()
	if mask != nil {
		src = mask.Schema()
	}
	a, ok := src.GetAttribute(maskAttr)
	if !ok {
		return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "filter: %s is not an attribute of %s", maskAttr, src.Name)
	}
	if a.Type != types.TypeBool {
		return nil, tarerrors.Configf(tarerrors.CodeTypeMismatch, "filter: mask %s must be bool, got %s", maskAttr, a.Type)
	}

	in := input.Schema()
	out := &types.TAR{Name: in.Name, Dimensions: in.Dimensions}
	for _, attr := range in.Attributes {
		if mask == nil && attr.Name == maskAttr {
			continue
		}
		out.Attributes = append(out.Attributes, attr)
	}

	f := &Filter{input: input, mask: mask, maskAttr: maskAttr}
	f.base = newBase("filter", out, opts)
	bind(f)
	return f, nil
}

// GenerateChunk assigns the next non-empty input chunks to the lanes of one
// batch and filters them in parallel.
func (f *Filter) GenerateChunk(ctx context.Context, batchStart int) error {
	started := time.Now()
	in := f.input.Output()

	cursor := 0
	if batchStart > 0 {
		v, ok := f.out.GetIndexMapping(generator.ChannelInput, batchStart)
		if !ok {
			return tarerrors.NewInternalError(fmt.Sprintf("%s: no input position recorded for chunk %d", f.name, batchStart), nil)
		}
		cursor = v
	}

	lanes := make([]lane, 0, f.opts.ChunksPerBatch)
	for len(lanes) < f.opts.ChunksPerBatch {
		chunk, err := in.GetChunk(ctx, cursor)
		if err != nil {
			return err
		}
		if chunk == nil {
			break
		}
		m, err := f.maskOf(ctx, chunk, cursor)
		if err != nil {
			return err
		}
		if m.AllFalse() {
			f.release(cursor)
			cursor++
			continue
		}
		lanes = append(lanes, lane{input: chunk, other: subtarOfMask(m), inIdx: cursor})
		cursor++
	}

	if len(lanes) > 0 {
		results, err := f.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
			return f.apply(lanes[i])
		})
		if err != nil {
			return err
		}
		n := f.publish(batchStart, lanes, results, started, func(index int, l lane) {
			f.out.SetIndexMapping(generator.ChannelInput, index, l.inIdx)
		})
		f.out.SetIndexMapping(generator.ChannelInput, batchStart+n, cursor)
	}
	for _, l := range lanes {
		f.release(l.inIdx)
	}
	return nil
}

func (f *Filter) maskOf(ctx context.Context, chunk *subtar.Subtar, index int) (*column.Column, error) {
	src := chunk
	if f.mask != nil {
		mc, err := f.mask.Output().GetChunk(ctx, index)
		if err != nil {
			return nil, err
		}
		if mc == nil {
			return nil, tarerrors.NewExecutionError(tarerrors.CodeProductionFailed,
				fmt.Sprintf("%s: mask stream ended before input chunk %d", f.name, index), nil)
		}
		src = mc
	}
	m, ok := src.Attribute(f.maskAttr)
	if !ok {
		return nil, fmt.Errorf("filter: chunk %d has no mask attribute %s", index, f.maskAttr)
	}
	if m.Len() != chunk.FilledLength() {
		return nil, f.storageErr("filter", fmt.Errorf("mask has %d rows, chunk has %d", m.Len(), chunk.FilledLength()))
	}
	return m, nil
}

func (f *Filter) release(index int) {
	f.input.Output().DisposeIfExhausted(index)
	if f.mask != nil {
		f.mask.Output().DisposeIfExhausted(index)
	}
}

// subtarOfMask carries the mask column to a lane.
func subtarOfMask(m *column.Column) *subtar.Subtar {
	st := subtar.New(nil)
	st.SetAttribute(subtar.MaskAttribute, m)
	return st
}

func (f *Filter) apply(l lane) (*subtar.Subtar, error) {
	mask, _ := l.other.Attribute(subtar.MaskAttribute)
	if mask.AllTrue() {
		return derive(l.input, f.schema, f.maskAttr), nil
	}
	return filterChunk(&f.base, l.input, f.schema, mask, f.maskAttr)
}

// filterChunk applies a row mask to every attribute and axis of chunk.
// When the mask keeps or drops whole slices of the slowest axis, every axis
// keeps its encoding; otherwise axes spanning more than one coordinate
// become Total.
func filterChunk(b *base, chunk *subtar.Subtar, schema *types.TAR, mask *column.Column, drop ...string) (*subtar.Subtar, error) {
	store := b.opts.Store
	out := subtar.New(schema)

	specs, ok := keepSlices(chunk, mask)
	if !ok {
		var err error
		if specs, err = rowSpecs(b, chunk, mask); err != nil {
			return nil, err
		}
	}
	out.SetSpecs(specs)

	for _, name := range chunk.AttributeNames() {
		if contains(drop, name) || !schema.HasDataElement(name) {
			continue
		}
		c, _ := chunk.Attribute(name)
		kept, err := store.Filter(c, mask)
		if err != nil {
			return nil, b.storageErr("filter", err)
		}
		out.SetAttribute(name, kept)
	}
	return out, nil
}

// rowSpecs filters every multi-coordinate axis into a Total spec.
func rowSpecs(b *base, chunk *subtar.Subtar, mask *column.Column) ([]subtar.DimSpec, error) {
	n := chunk.FilledLength()
	specs := chunk.Specs()
	for i, sp := range specs {
		if sp.Kind() != subtar.Total && sp.Len() == 1 {
			continue
		}
		reals, err := sp.Materialize(n)
		if err != nil {
			return nil, err
		}
		kept, err := b.opts.Store.Filter(reals, mask)
		if err != nil {
			return nil, b.storageErr("filter", err)
		}
		if specs[i], err = subtar.NewTotal(sp.Dimension(), kept); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// keepSlices handles masks that are constant over every run of rows sharing
// a coordinate of the slowest axis. That axis is narrowed to the kept
// coordinates and the faster axes are returned unchanged.
func keepSlices(chunk *subtar.Subtar, mask *column.Column) ([]subtar.DimSpec, bool) {
	if chunk.HasTotal() {
		return nil, false
	}
	specs := chunk.Specs()
	outer := -1
	for i, sp := range specs {
		if sp.Len() > 1 && (outer < 0 || sp.Adjacency() > specs[outer].Adjacency()) {
			outer = i
		}
	}
	if outer < 0 {
		return nil, false
	}
	sp := specs[outer]
	run := sp.Adjacency()
	n := int64(chunk.FilledLength())
	if n%run != 0 {
		return nil, false
	}
	for i, o := range specs {
		if i != outer && o.Len() > 1 && run%o.Stride() != 0 {
			return nil, false
		}
	}

	var coords []int64
	for start := int64(0); start < n; start += run {
		keep := mask.Bool(int(start))
		for p := start + 1; p < start+run; p++ {
			if mask.Bool(int(p)) != keep {
				return nil, false
			}
		}
		if keep {
			coords = append(coords, sp.At(start))
		}
	}
	if len(coords) == 0 {
		return nil, false
	}

	var narrowed subtar.DimSpec
	var err error
	if sp.Kind() == subtar.Ordered && contiguous(coords) {
		narrowed, err = subtar.NewOrdered(sp.Dimension(), coords[0], coords[len(coords)-1], run)
	} else {
		narrowed, err = subtar.NewPartial(sp.Dimension(), column.FromInt64s(coords), run)
	}
	if err != nil {
		return nil, false
	}
	specs[outer] = narrowed

	check := subtar.New(nil)
	check.SetSpecs(specs)
	if check.FilledLength() != mask.Count() {
		return nil, false
	}
	return specs, true
}

func contiguous(coords []int64) bool {
	for i := 1; i < len(coords); i++ {
		if coords[i] != coords[i-1]+1 {
			return false
		}
	}
	return true
}
