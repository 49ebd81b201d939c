package subtar

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/pkg/types"
)

func dim(name string, n int64) *types.Dimension {
	return &types.Dimension{Name: name, Type: types.TypeInt64, UpperBound: float64(n - 1), Spacing: 1}
}

func grid() *types.TAR {
	return &types.TAR{
		Name:       "grid",
		Dimensions: []*types.Dimension{dim("x", 4), dim("y", 3)},
		Attributes: []types.Attribute{{Name: "a", Type: types.TypeFloat64}},
	}
}

func TestOrderedSpec(t *testing.T) {
	x := dim("x", 10)
	sp, err := NewOrdered(x, 2, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, Ordered, sp.Kind())
	assert.Equal(t, int64(3), sp.Len())
	assert.Equal(t, int64(6), sp.Stride())
	assert.Equal(t, int64(3), sp.At(2))
	assert.Equal(t, int64(2), sp.At(7))

	col, err := sp.Materialize(8)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2, 3, 3, 4, 4, 2, 2}, col.Int64s())

	narrowed, err := sp.AlterBoundaries(3, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), narrowed.Len())
	assert.Equal(t, int64(2), sp.Lower(), "alter must not modify the receiver")

	_, err = NewOrdered(x, 4, 2, 1)
	assert.Error(t, err)
	_, err = NewOrdered(x, 0, 2, 0)
	assert.Error(t, err)
	_, err = sp.AlterBoundaries(5, 1)
	assert.Error(t, err)
}

func TestPartialSpec(t *testing.T) {
	x := dim("x", 10)
	sp, err := NewPartial(x, column.FromInt64s([]int64{7, 5}), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sp.Lower())
	assert.Equal(t, int64(7), sp.Upper())
	assert.Equal(t, int64(4), sp.Stride())

	col, err := sp.Materialize(6)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 7, 5, 5, 7, 7}, col.Int64s())

	_, err = sp.AlterBoundaries(5, 6)
	assert.Error(t, err)

	_, err = NewPartial(x, column.FromFloat64s([]float64{1}), 1)
	assert.Error(t, err)
	_, err = NewPartial(x, column.FromInt64s(nil), 1)
	assert.Error(t, err)
}

func TestTotalSpec(t *testing.T) {
	x := dim("x", 10)
	sp, err := NewTotal(x, column.FromInt64s([]int64{3, 1, 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), sp.Adjacency())
	assert.Equal(t, int64(3), sp.Stride())
	assert.Equal(t, sp, sp.AlterAdjacency(4))

	_, err = sp.Materialize(4)
	assert.Error(t, err)

	ordered, _ := NewOrdered(x, 0, 1, 1)
	total, err := ordered.ToTotal(4)
	require.NoError(t, err)
	assert.Equal(t, Total, total.Kind())
	assert.Equal(t, []int64{0, 1, 0, 1}, total.Backing().Int64s())
}

func TestAdjustSpecs(t *testing.T) {
	tar := grid()
	xs, _ := NewOrdered(tar.Dimensions[0], 0, 1, 1)
	ys, _ := NewOrdered(tar.Dimensions[1], 0, 2, 1)

	adj := AdjustSpecs([]DimSpec{xs, ys})
	assert.Equal(t, int64(3), adj[0].Adjacency())
	assert.Equal(t, int64(6), adj[0].Stride())
	assert.Equal(t, int64(1), adj[1].Adjacency())
	assert.Equal(t, int64(1), xs.Adjacency(), "input specs are not modified")

	st := New(tar)
	st.SetSpecs(adj)
	assert.Equal(t, 6, st.FilledLength())
	x, err := st.Materialize("x")
	require.NoError(t, err)
	y, err := st.Materialize("y")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 0, 0, 1, 1, 1}, x.Int64s())
	assert.Equal(t, []int64{0, 1, 2, 0, 1, 2}, y.Int64s())
}

func TestAdjustSpecsSkipsTotal(t *testing.T) {
	tar := grid()
	xs, _ := NewTotal(tar.Dimensions[0], column.FromInt64s([]int64{0, 3}))
	ys, _ := NewOrdered(tar.Dimensions[1], 0, 1, 5)
	adj := AdjustSpecs([]DimSpec{ys, xs})
	assert.Equal(t, int64(1), adj[0].Adjacency())
	assert.Equal(t, Total, adj[1].Kind())
}

func TestAdjustSpecsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(lens []int64) []DimSpec {
		specs := make([]DimSpec, len(lens))
		for i, n := range lens {
			d := dim(string(rune('a'+i)), 16)
			specs[i], _ = NewOrdered(d, 0, n-1, 1)
		}
		return specs
	}

	properties.Property("adjusting twice changes nothing", prop.ForAll(
		func(lens []int64) bool {
			once := AdjustSpecs(build(lens))
			twice := AdjustSpecs(once)
			for i := range once {
				if once[i].Adjacency() != twice[i].Adjacency() || once[i].Stride() != twice[i].Stride() {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.Int64Range(1, 5)),
	))

	properties.Property("adjusted specs enumerate every coordinate tuple once", prop.ForAll(
		func(lens []int64) bool {
			specs := AdjustSpecs(build(lens))
			n := int64(1)
			for _, l := range lens {
				n *= l
			}
			if specs[0].Stride() != n {
				return false
			}
			seen := make(map[[3]int64]bool, n)
			for p := int64(0); p < n; p++ {
				var key [3]int64
				for i, sp := range specs {
					key[i] = sp.At(p)
				}
				if seen[key] {
					return false
				}
				seen[key] = true
			}
			return int64(len(seen)) == n
		},
		gen.SliceOfN(3, gen.Int64Range(1, 5)),
	))

	properties.TestingRun(t)
}

func TestSubtarAttributesAndValidate(t *testing.T) {
	tar := grid()
	xs, _ := NewOrdered(tar.Dimensions[0], 0, 1, 1)
	st := New(tar)
	st.AddSpec(xs)
	st.SetAttribute("a", column.FromFloat64s([]float64{1, 2}))
	require.NoError(t, st.Validate())
	assert.False(t, st.HasTotal())

	// AddSpec replaces the spec of the same axis
	wide, _ := xs.AlterBoundaries(0, 2)
	st.AddSpec(wide)
	assert.Len(t, st.Specs(), 1)
	assert.Error(t, st.Validate())

	_, err := st.Materialize("y")
	assert.Error(t, err)
}

func TestSubtarDerive(t *testing.T) {
	tar := grid()
	xs, _ := NewOrdered(tar.Dimensions[0], 0, 1, 1)
	st := New(tar)
	st.AddSpec(xs)
	st.SetAttribute("a", column.FromFloat64s([]float64{1, 2}))

	out := tar.Clone()
	out.Name = "derived"
	d := st.Derive(out)
	d.SetAttribute(MaskAttribute, column.FromBools([]bool{true, false}))

	assert.Equal(t, "derived", d.TAR().Name)
	assert.Equal(t, []string{MaskAttribute, "a"}, d.AttributeNames())
	assert.Equal(t, []string{"a"}, st.AttributeNames())
}

func TestSpecKindString(t *testing.T) {
	assert.Equal(t, "ordered", Ordered.String())
	assert.Equal(t, "partial", Partial.String())
	assert.Equal(t, "total", Total.String())
}
