package aggregator

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

func gridTAR() *types.TAR {
	return &types.TAR{
		Name: "grid",
		Dimensions: []*types.Dimension{
			{Name: "x", Type: types.TypeInt64, LowerBound: 0, UpperBound: 3, Spacing: 1},
			{Name: "y", Type: types.TypeInt64, LowerBound: 0, UpperBound: 1, Spacing: 1},
		},
		Attributes: []types.Attribute{{Name: "a", Type: types.TypeInt64}},
	}
}

// gridChunk covers x in [xlo, xhi] and all of y; a = row + 1 across the full grid.
func gridChunk(t *testing.T, tar *types.TAR, xlo, xhi int64) *subtar.Subtar {
	t.Helper()
	x, err := subtar.NewOrdered(tar.Dimensions[0], xlo, xhi, 1)
	require.NoError(t, err)
	y, err := subtar.NewOrdered(tar.Dimensions[1], 0, 1, 1)
	require.NoError(t, err)
	st := subtar.New(tar)
	st.SetSpecs(subtar.AdjustSpecs([]subtar.DimSpec{x, y}))
	var vals []int64
	for p := xlo * 2; p < (xhi+1)*2; p++ {
		vals = append(vals, p+1)
	}
	st.SetAttribute("a", column.FromInt64s(vals))
	require.NoError(t, st.Validate())
	return st
}

func run(t *testing.T, e *Engine, chunks ...*subtar.Subtar) *subtar.Subtar {
	t.Helper()
	var partials []*Partial
	for _, c := range chunks {
		p := e.NewPartial()
		require.NoError(t, e.Accumulate(p, c))
		partials = append(partials, p)
	}
	global := e.Reduce(partials)
	e.Finalize(global)
	out, err := e.BuildChunk(global)
	require.NoError(t, err)
	return out
}

func TestSumByX(t *testing.T) {
	tar := gridTAR()
	e, err := NewEngine(tar, "agg", []Function{{Type: AggSum, Attribute: "a", Output: "total"}}, []string{"x"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, ModeBuffered, e.Mode())
	assert.Equal(t, uint64(4), e.Cells())

	out := run(t, e, gridChunk(t, tar, 0, 1), gridChunk(t, tar, 2, 3))

	x, err := out.Materialize("x")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 3}, x.Int64s())
	total, ok := out.Attribute("total")
	require.True(t, ok)
	assert.Equal(t, []float64{3, 7, 11, 15}, total.Float64s())
}

func TestAllFunctionsByY(t *testing.T) {
	tar := gridTAR()
	fns := []Function{
		{Type: AggCount, Attribute: "a"},
		{Type: AggSum, Attribute: "a"},
		{Type: AggMin, Attribute: "a"},
		{Type: AggMax, Attribute: "a"},
		{Type: AggAvg, Attribute: "a"},
	}
	e, err := NewEngine(tar, "agg", fns, []string{"y"}, Options{})
	require.NoError(t, err)

	out := run(t, e, gridChunk(t, tar, 0, 3))

	// y=0 rows hold a = 1,3,5,7; y=1 rows hold a = 2,4,6,8.
	col := func(name string) *column.Column {
		c, ok := out.Attribute(name)
		require.True(t, ok, name)
		return c
	}
	assert.Equal(t, []int64{4, 4}, col("count_a").Int64s())
	assert.Equal(t, []float64{16, 20}, col("sum_a").Float64s())
	assert.Equal(t, []float64{1, 2}, col("min_a").Float64s())
	assert.Equal(t, []float64{7, 8}, col("max_a").Float64s())
	assert.Equal(t, []float64{4, 5}, col("avg_a").Float64s())
}

func TestModesAgree(t *testing.T) {
	tar := gridTAR()
	fns := []Function{{Type: AggSum, Attribute: "a"}, {Type: AggMin, Attribute: "a"}, {Type: AggAvg, Attribute: "a"}}

	// Only x in [1,2] is present, so buffered mode must compact.
	collect := func(mode Mode) map[[2]int64][3]float64 {
		e, err := NewEngine(tar, "agg", fns, []string{"x", "y"}, Options{Mode: mode})
		require.NoError(t, err)
		out := run(t, e, gridChunk(t, tar, 1, 1), gridChunk(t, tar, 2, 2))
		x, err := out.Materialize("x")
		require.NoError(t, err)
		y, err := out.Materialize("y")
		require.NoError(t, err)
		sum, _ := out.Attribute("sum_a")
		min, _ := out.Attribute("min_a")
		avg, _ := out.Attribute("avg_a")
		got := make(map[[2]int64][3]float64)
		for r := 0; r < out.FilledLength(); r++ {
			got[[2]int64{x.Int(r), y.Int(r)}] = [3]float64{sum.Float(r), min.Float(r), avg.Float(r)}
		}
		return got
	}

	buffered := collect(ModeBuffered)
	hashed := collect(ModeHashed)
	assert.Len(t, buffered, 4)
	assert.Equal(t, buffered, hashed)
	assert.Equal(t, [3]float64{3, 3, 3}, buffered[[2]int64{1, 0}])
}

func TestHashedOutputIsSortedByPosition(t *testing.T) {
	tar := gridTAR()
	e, err := NewEngine(tar, "agg", []Function{{Type: AggCount}}, []string{"x", "y"}, Options{Mode: ModeHashed})
	require.NoError(t, err)
	out := run(t, e, gridChunk(t, tar, 2, 3), gridChunk(t, tar, 0, 1))

	x, err := out.Materialize("x")
	require.NoError(t, err)
	y, err := out.Materialize("y")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 1, 1, 2, 2, 3, 3}, x.Int64s())
	assert.Equal(t, []int64{0, 1, 0, 1, 0, 1, 0, 1}, y.Int64s())
}

func TestAutoModeSwitchesToHashed(t *testing.T) {
	e, err := NewEngine(gridTAR(), "agg", []Function{{Type: AggCount}}, []string{"x", "y"}, Options{MaxBufferedCells: 4})
	require.NoError(t, err)
	assert.Equal(t, ModeHashed, e.Mode())
}

func TestAutoModeNeverBuffersPastBitmapRange(t *testing.T) {
	wide := func(name string) *types.Dimension {
		return &types.Dimension{Name: name, Type: types.TypeInt64, LowerBound: 0, UpperBound: 1 << 20, Spacing: 1}
	}
	tar := &types.TAR{
		Name:       "wide",
		Dimensions: []*types.Dimension{wide("a"), wide("b")},
		Attributes: []types.Attribute{{Name: "v", Type: types.TypeFloat64}},
	}
	e, err := NewEngine(tar, "agg", []Function{{Type: AggCount}}, []string{"a", "b"}, Options{MaxBufferedCells: 1 << 50})
	require.NoError(t, err)
	assert.Equal(t, ModeHashed, e.Mode())
}

func TestPartialGroupsCountsVisitedCells(t *testing.T) {
	tar := gridTAR()
	for _, mode := range []Mode{ModeBuffered, ModeHashed} {
		e, err := NewEngine(tar, "agg", []Function{{Type: AggCount}}, []string{"x"}, Options{Mode: mode})
		require.NoError(t, err)
		p := e.NewPartial()
		assert.Equal(t, 0, p.Groups(), mode.String())
		require.NoError(t, e.Accumulate(p, gridChunk(t, tar, 1, 2)))
		assert.Equal(t, 2, p.Groups(), mode.String())
		assert.Equal(t, 2, e.Reduce([]*Partial{p, nil}).Groups(), mode.String())
	}
}

func TestNoGroupByYieldsOneCell(t *testing.T) {
	tar := gridTAR()
	e, err := NewEngine(tar, "agg", []Function{{Type: AggSum, Attribute: "a"}, {Type: AggAvg, Attribute: "a"}}, nil, Options{})
	require.NoError(t, err)

	out := run(t, e, gridChunk(t, tar, 0, 3))
	sum, _ := out.Attribute("sum_a")
	assert.Equal(t, []float64{36}, sum.Float64s())

	empty := run(t, e)
	avg, _ := empty.Attribute("avg_a")
	assert.Equal(t, []float64{0}, avg.Float64s())
}

func TestGroupSpaceOverflow(t *testing.T) {
	huge := func(name string) *types.Dimension {
		return &types.Dimension{Name: name, Type: types.TypeInt64, LowerBound: 0, UpperBound: 1 << 40, Spacing: 1}
	}
	tar := &types.TAR{
		Name:       "huge",
		Dimensions: []*types.Dimension{huge("a"), huge("b")},
		Attributes: []types.Attribute{{Name: "v", Type: types.TypeFloat64}},
	}
	_, err := NewEngine(tar, "agg", []Function{{Type: AggSum, Attribute: "v"}}, []string{"a", "b"}, Options{})
	require.Error(t, err)
	assert.Equal(t, tarerrors.CodeArithmeticOverflow, tarerrors.GetCode(err))
}

func TestEngineValidation(t *testing.T) {
	tar := gridTAR()
	_, err := NewEngine(tar, "agg", []Function{{Type: AggSum, Attribute: "nope"}}, nil, Options{})
	assert.Equal(t, tarerrors.CodeUnknownElement, tarerrors.GetCode(err))

	_, err = NewEngine(tar, "agg", []Function{{Type: AggSum}}, nil, Options{})
	assert.Equal(t, tarerrors.CodeInvalidParameter, tarerrors.GetCode(err))

	_, err = NewEngine(tar, "agg", []Function{{Type: AggCount}}, []string{"z"}, Options{})
	assert.Equal(t, tarerrors.CodeUnknownElement, tarerrors.GetCode(err))
}

func TestLinearizeRejectsOutOfRange(t *testing.T) {
	e, err := NewEngine(gridTAR(), "agg", []Function{{Type: AggCount}}, []string{"x", "y"}, Options{})
	require.NoError(t, err)
	_, err = e.Linearize([]int64{4, 0})
	require.Error(t, err)
	assert.Equal(t, tarerrors.CodeIndexOutOfRange, tarerrors.GetCode(err))
	_, err = e.Linearize([]int64{0, -1})
	assert.Error(t, err)
}

func TestProperty_LinearizationIsBijective(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delinearize inverts linearize over the whole group space", prop.ForAll(
		func(l0, l1, l2 int64) bool {
			dims := []*types.Dimension{
				{Name: "a", Type: types.TypeInt64, UpperBound: float64(l0 - 1), Spacing: 1},
				{Name: "b", Type: types.TypeInt64, UpperBound: float64(l1 - 1), Spacing: 1},
				{Name: "c", Type: types.TypeInt64, UpperBound: float64(l2 - 1), Spacing: 1},
			}
			tar := &types.TAR{Name: "p", Dimensions: dims, Attributes: []types.Attribute{{Name: "v", Type: types.TypeInt64}}}
			e, err := NewEngine(tar, "agg", []Function{{Type: AggCount}}, []string{"a", "b", "c"}, Options{})
			if err != nil || e.Cells() != uint64(l0*l1*l2) {
				return false
			}
			idx := make([]int64, 3)
			for pos := uint64(0); pos < e.Cells(); pos++ {
				e.Delinearize(pos, idx)
				back, err := e.Linearize(idx)
				if err != nil || back != pos {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 7),
		gen.Int64Range(1, 7),
		gen.Int64Range(1, 7),
	))

	properties.TestingRun(t)
}
