package column

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tardb/tardb/pkg/types"
)

func TestColumnAccessors(t *testing.T) {
	ints := FromInt64s([]int64{3, -1, 4})
	assert.Equal(t, types.TypeInt64, ints.Type())
	assert.Equal(t, 3, ints.Len())
	assert.Equal(t, -1.0, ints.Float(1))
	assert.Equal(t, []float64{3, -1, 4}, ints.AsFloat64s())
	assert.True(t, ints.Bool(0))

	floats := FromFloat64s([]float64{1.9, 0})
	assert.Equal(t, int64(1), floats.Int(0))
	assert.Equal(t, []int64{1, 0}, floats.AsInt64s())
	assert.False(t, floats.Bool(1))

	bools := FromBools([]bool{true, false, true, true})
	assert.Equal(t, 3, bools.Count())
	assert.False(t, bools.AllTrue())
	assert.False(t, bools.AllFalse())
	assert.Equal(t, []int64{1, 0, 1, 1}, bools.AsInt64s())
	assert.Equal(t, true, bools.Value(2))
	assert.Equal(t, "bool[4]{true false true true}", bools.String())

	assert.True(t, FromBools([]bool{true, true}).AllTrue())
	assert.True(t, FromBitmap(nil, 5).AllFalse())
	assert.Equal(t, 0, ints.Count())
}

func TestStoreFilterAndGather(t *testing.T) {
	s := NewMemStore()
	c := FromFloat64s([]float64{10, 20, 30, 40})

	out, err := s.Filter(c, FromBools([]bool{false, true, false, true}))
	require.NoError(t, err)
	assert.Equal(t, []float64{20, 40}, out.Float64s())

	_, err = s.Filter(c, FromBools([]bool{true}))
	assert.Error(t, err)
	_, err = s.Filter(c, FromInt64s([]int64{1, 1, 1, 1}))
	assert.Error(t, err)

	out, err = s.Gather(FromBools([]bool{true, false, true}), []int64{2, 1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 1, 1}, out.AsInt64s())

	_, err = s.Gather(c, []int64{4})
	assert.Error(t, err)
}

func TestStoreStretch(t *testing.T) {
	s := NewMemStore()
	out, err := s.Stretch(FromInt64s([]int64{1, 2}), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 2, 2, 1, 1, 2, 2, 1, 1, 2, 2}, out.Int64s())

	_, err = s.Stretch(FromInt64s([]int64{1}), 0, 1)
	assert.Error(t, err)
}

func TestStoreApply(t *testing.T) {
	s := NewMemStore()
	a := FromInt64s([]int64{7, 8, 9})

	out, err := s.Apply(OpMul, Col(a), IntLit(2))
	require.NoError(t, err)
	assert.Equal(t, types.TypeInt64, out.Type())
	assert.Equal(t, []int64{14, 16, 18}, out.Int64s())

	out, err = s.Apply(OpDiv, Col(a), IntLit(2))
	require.NoError(t, err)
	assert.Equal(t, types.TypeFloat64, out.Type())
	assert.Equal(t, []float64{3.5, 4, 4.5}, out.Float64s())

	out, err = s.Apply(OpAdd, Col(a), Lit(0.5))
	require.NoError(t, err)
	assert.Equal(t, []float64{7.5, 8.5, 9.5}, out.Float64s())

	_, err = s.Apply(OpMod, Col(a), IntLit(0))
	assert.ErrorContains(t, err, "modulo by zero")

	_, err = s.Apply(OpAdd, Col(a), Col(FromBools([]bool{true, false, true})))
	assert.Error(t, err)

	_, err = s.Apply(OpSub, Col(a), Col(FromInt64s([]int64{1})))
	assert.Error(t, err)
}

func TestStoreCompareAndLogical(t *testing.T) {
	s := NewMemStore()
	a := FromFloat64s([]float64{1, 5, 3, 7})

	gt, err := s.Compare(OpGt, Col(a), Lit(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 1, 1}, gt.AsInt64s())

	lt, err := s.Compare(OpLt, Col(a), Lit(6))
	require.NoError(t, err)

	and, err := s.Logical(OpAnd, gt, lt)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 1, 0}, and.AsInt64s())

	xor, err := s.Logical(OpXor, gt, lt)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 0, 1}, xor.AsInt64s())

	not, err := s.Logical(OpNot, and, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, 0, 1}, not.AsInt64s())

	_, err = s.Compare(OpLt, Col(gt), Col(lt))
	assert.Error(t, err)
	_, err = s.Logical(OpOr, a, gt)
	assert.Error(t, err)
}

func TestStoreMatch(t *testing.T) {
	s := NewMemStore()
	a := []*Column{FromInt64s([]int64{1, 2, 2, 3}), FromInt64s([]int64{0, 0, 1, 0})}
	b := []*Column{FromInt64s([]int64{2, 1, 2}), FromFloat64s([]float64{0, 0, 0})}

	mapA, mapB, err := s.Match(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 1}, mapA)
	assert.Equal(t, []int64{1, 0, 2}, mapB)

	_, _, err = s.Match(a, b[:1])
	assert.Error(t, err)
}

func TestStoreMatchSignedZero(t *testing.T) {
	s := NewMemStore()
	a := []*Column{FromFloat64s([]float64{math.Copysign(0, -1), 1})}
	b := []*Column{FromFloat64s([]float64{0})}

	mapA, mapB, err := s.Match(a, b)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(mapA) != 1 || mapA[0] != 0 || mapB[0] != 0 {
		t.Errorf("expected -0 to match +0, got mapA=%v mapB=%v", mapA, mapB)
	}
}

func TestStoreCoordinateConversion(t *testing.T) {
	s := NewMemStore()
	d := &types.Dimension{Name: "t", Type: types.TypeFloat64, LowerBound: 0.5, UpperBound: 2.5, Spacing: 0.5}

	logical, err := s.Real2Logical(d, FromInt64s([]int64{0, 2, 4}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5, 2.5}, logical.Float64s())

	idx, err := s.Logical2Real(d, logical)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2, 4}, idx.Int64s())

	_, err = s.Logical2Real(d, FromFloat64s([]float64{0.7}))
	assert.Error(t, err)
	_, err = s.Real2Logical(d, FromInt64s([]int64{5}))
	assert.Error(t, err)

	id := &types.Dimension{Name: "x", Type: types.TypeInt64, LowerBound: 10, UpperBound: 20, Spacing: 5}
	logical, err = s.Real2Logical(id, FromInt64s([]int64{2, 0}))
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 10}, logical.Int64s())
}

func TestParseOps(t *testing.T) {
	op, ok := ParseCmpOp("<>")
	require.True(t, ok)
	assert.Equal(t, OpNe, op)
	lop, ok := ParseLogicOp("&&")
	require.True(t, ok)
	assert.Equal(t, "and", lop.String())
	_, ok = ParseArithOp("^")
	assert.False(t, ok)
}
