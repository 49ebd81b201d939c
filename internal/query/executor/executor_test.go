package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/internal/catalog"
	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/query/plan"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

type block struct {
	name        string
	col         *column.Column
	first, last bool
}

type recordingSink struct {
	mu          sync.Mutex
	description string
	blocks      []block
	failAfter   int
}

func (s *recordingSink) Describe(d string) error {
	s.description = d
	return nil
}

func (s *recordingSink) NotifyNewBlockReady(name string, data []byte, size int, first, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.blocks) >= s.failAfter {
		return errors.New("session closed")
	}
	if size != len(data) {
		return errors.New("size mismatch")
	}
	got, col, err := codec.DecodeBlock(data)
	if err != nil {
		return err
	}
	if got != name {
		return errors.New("block name mismatch")
	}
	s.blocks = append(s.blocks, block{name: name, col: col, first: first, last: last})
	return nil
}

func (s *recordingSink) named(name string) []block {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []block
	for _, b := range s.blocks {
		if b.name == name {
			out = append(out, b)
		}
	}
	return out
}

func intDim(name string, upper int64) *types.Dimension {
	return &types.Dimension{Name: name, Type: types.TypeInt64, UpperBound: float64(upper), Spacing: 1}
}

// saveGrid stores a 4x4 TAR whose attribute a holds x+y, in two chunks of
// two x values each.
func saveGrid(t *testing.T, cat catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	tar := &types.TAR{
		Name:       "grid",
		Dimensions: []*types.Dimension{intDim("x", 3), intDim("y", 3)},
		Attributes: []types.Attribute{{Name: "a", Type: types.TypeInt64}},
	}
	require.NoError(t, cat.SaveTAR(ctx, tar))
	for i, lo := range []int64{0, 2} {
		x, err := subtar.NewOrdered(tar.Dimensions[0], lo, lo+1, 1)
		require.NoError(t, err)
		y, err := subtar.NewOrdered(tar.Dimensions[1], 0, 3, 1)
		require.NoError(t, err)
		st := subtar.New(tar)
		st.SetSpecs(subtar.AdjustSpecs([]subtar.DimSpec{x, y}))
		var a []int64
		for xi := lo; xi <= lo+1; xi++ {
			for yi := int64(0); yi <= 3; yi++ {
				a = append(a, xi+yi)
			}
		}
		st.SetAttribute("a", column.FromInt64s(a))
		require.NoError(t, cat.SaveSubtar(ctx, "grid", i, st))
	}
}

// saveVector stores a one-chunk TAR over dimension i with attribute v.
func saveVector(t *testing.T, cat catalog.Catalog, vals []int64) {
	t.Helper()
	ctx := context.Background()
	d := intDim("i", int64(len(vals)-1))
	tar := &types.TAR{Name: "vec", Dimensions: []*types.Dimension{d}, Attributes: []types.Attribute{{Name: "v", Type: types.TypeInt64}}}
	require.NoError(t, cat.SaveTAR(ctx, tar))
	spec, err := subtar.NewOrdered(d, 0, int64(len(vals)-1), 1)
	require.NoError(t, err)
	st := subtar.New(tar)
	st.AddSpec(spec)
	st.SetAttribute("v", column.FromInt64s(vals))
	require.NoError(t, cat.SaveSubtar(ctx, "vec", 0, st))
}

func newExecutor(t *testing.T) (*Executor, catalog.Catalog) {
	t.Helper()
	cat := catalog.NewMemoryCatalog()
	saveGrid(t, cat)
	saveVector(t, cat, []int64{10, 20, 30})
	cfg := DefaultConfig()
	cfg.ChunksPerBatch = 2
	cfg.Compression = codec.CompressionSnappy
	return New(cat, cfg), cat
}

func parse(t *testing.T, doc string) *plan.Plan {
	t.Helper()
	p, err := plan.Parse([]byte(doc), "yaml")
	require.NoError(t, err)
	return p
}

func TestSumByX(t *testing.T) {
	exec, _ := newExecutor(t)
	sink := &recordingSink{}
	res, err := exec.Run(context.Background(), parse(t, `
name: sum-by-x
steps:
  - {id: g, op: scan, tar: grid}
  - id: s
    op: aggregate
    input: g
    group_by: [x]
    functions:
      - {fn: sum, attribute: a}
`), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, int64(4), res.Rows)

	sums := sink.named("sum_a")
	require.Len(t, sums, 1)
	assert.True(t, sums[0].first)
	assert.True(t, sums[0].last)
	assert.Equal(t, []float64{6, 10, 14, 18}, sums[0].col.Float64s())

	xs := sink.named("x")
	require.Len(t, xs, 1)
	assert.Equal(t, []int64{0, 1, 2, 3}, xs[0].col.Int64s())

	desc, err := ParseDescription(sink.description)
	require.NoError(t, err)
	assert.Equal(t, res.QueryID, desc.Query)
	assert.Equal(t, []string{"x", "sum_a"}, desc.Blocks)
	assert.Equal(t, "snappy", desc.Compression)
	assert.Equal(t, len(desc.Blocks), res.Blocks)
}

func TestFilterWhere(t *testing.T) {
	exec, _ := newExecutor(t)
	sink := &recordingSink{}
	res, err := exec.Run(context.Background(), parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
  - {id: f, op: filter, input: g, where: "a > 3"}
`), sink)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Rows)
	assert.Equal(t, 2, res.Chunks)

	as := sink.named("a")
	require.Len(t, as, 2)
	assert.True(t, as[0].first)
	assert.False(t, as[0].last)
	assert.False(t, as[1].first)
	assert.True(t, as[1].last)

	var values []int64
	for _, b := range as {
		values = append(values, b.col.Int64s()...)
	}
	for _, v := range values {
		assert.Greater(t, v, int64(3))
	}
	assert.Len(t, values, 6)
	assert.Empty(t, sink.named("__mask__"))
}

func TestCrossJoinCardinality(t *testing.T) {
	exec, _ := newExecutor(t)
	res, err := exec.Run(context.Background(), parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
  - {id: v, op: scan, tar: vec}
  - {id: j, op: cross_join, left: g, right: v}
`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(16*3), res.Rows)
	assert.Equal(t, []string{"grid.x", "grid.y", "vec.i"}, res.Schema.DimensionNames())
}

func TestSharedInputIsReadByEveryConsumer(t *testing.T) {
	exec, _ := newExecutor(t)
	res, err := exec.Run(context.Background(), parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
  - {id: d, op: derive, input: g, attribute: b, expr: "a * 2"}
  - {id: m, op: compare, input: d, expr: "b >= 8"}
  - {id: f, op: filter, input: d, mask: m}
output: f
`), nil)
	require.NoError(t, err)
	// b = 2(x+y) >= 8 holds for x+y >= 4
	assert.Equal(t, int64(6), res.Rows)
}

func TestStoreResult(t *testing.T) {
	exec, cat := newExecutor(t)
	ctx := context.Background()
	res, err := exec.Run(ctx, parse(t, `
store: big
steps:
  - {id: g, op: scan, tar: grid}
  - {id: f, op: filter, input: g, where: "a > 3"}
`), nil)
	require.NoError(t, err)
	assert.Equal(t, "big", res.Stored)

	tar, chunks, err := cat.LoadSubtars(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, "big", tar.Name)
	require.Len(t, chunks, 2)
	var rows int
	for _, c := range chunks {
		rows += c.FilledLength()
	}
	assert.Equal(t, 6, rows)

	// the stored TAR can be queried
	res, err = exec.Run(ctx, parse(t, `
steps:
  - {id: b, op: scan, tar: big}
  - id: c
    op: aggregate
    input: b
    functions: [{fn: count}]
`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows)

	_, err = exec.Run(ctx, parse(t, `
store: big
steps:
  - {id: g, op: scan, tar: grid}
`), nil)
	assert.Equal(t, tarerrors.CodeTARExists, tarerrors.GetCode(err))
}

func TestRunErrors(t *testing.T) {
	exec, _ := newExecutor(t)
	ctx := context.Background()

	_, err := exec.Run(ctx, parse(t, `
steps:
  - {id: g, op: scan, tar: missing}
`), nil)
	assert.Equal(t, tarerrors.CodeTARNotFound, tarerrors.GetCode(err))

	_, err = exec.Run(ctx, parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
  - {id: s, op: select, input: g, elements: [nope]}
`), nil)
	assert.Equal(t, tarerrors.ErrCategoryConfiguration, tarerrors.GetCategory(err))
	assert.Contains(t, err.Error(), "step s")

	_, err = exec.Run(ctx, &plan.Plan{Name: "empty"}, nil)
	assert.Equal(t, tarerrors.CodeInvalidPlan, tarerrors.GetCode(err))
}

func TestSinkFailureAbortsQuery(t *testing.T) {
	exec, _ := newExecutor(t)
	sink := &recordingSink{failAfter: 1}
	_, err := exec.Run(context.Background(), parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
`), sink)
	require.Error(t, err)
	assert.Equal(t, tarerrors.CodeTransmission, tarerrors.GetCode(err))
}

func TestFailedStoreIsDropped(t *testing.T) {
	exec, cat := newExecutor(t)
	ctx := context.Background()
	_, err := exec.Run(ctx, parse(t, `
store: partial
steps:
  - {id: g, op: scan, tar: grid}
`), &recordingSink{failAfter: 1})
	require.Error(t, err)

	names, err := cat.ListTARs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"grid"}, names)
}

func TestScansAreCached(t *testing.T) {
	exec, _ := newExecutor(t)
	p := parse(t, `
steps:
  - {id: g, op: scan, tar: grid}
`)
	_, err := exec.Run(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.ScanCache().Len())
	assert.Equal(t, int64(16*3), exec.ScanCache().Cells())

	res, err := exec.Run(context.Background(), p, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(16), res.Rows)
}
