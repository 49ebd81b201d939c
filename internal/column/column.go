// Package column provides the immutable typed columns carried by subtars and
// the storage collaborator that transforms them.
//
// A Column never changes after construction. Operators that need a different
// column ask the Store for a new one, so published chunks can be read by any
// number of downstream consumers without locking.
package column

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/tardb/tardb/pkg/types"
)

// Column is a typed, immutable sequence of values. Bool columns are stored as
// roaring bitmaps of the set positions.
type Column struct {
	typ    types.DataType
	n      int
	ints   []int64
	floats []float64
	bits   *roaring.Bitmap
}

// FromInt64s wraps v in a column. The column takes ownership of v.
func FromInt64s(v []int64) *Column {
	return &Column{typ: types.TypeInt64, n: len(v), ints: v}
}

// FromFloat64s wraps v in a column. The column takes ownership of v.
func FromFloat64s(v []float64) *Column {
	return &Column{typ: types.TypeFloat64, n: len(v), floats: v}
}

// FromBools builds a bool column from a slice.
func FromBools(v []bool) *Column {
	bm := roaring.New()
	for i, b := range v {
		if b {
			bm.Add(uint32(i))
		}
	}
	return &Column{typ: types.TypeBool, n: len(v), bits: bm}
}

// FromBitmap builds a bool column of length n whose set positions are bm.
// The column takes ownership of bm.
func FromBitmap(bm *roaring.Bitmap, n int) *Column {
	if bm == nil {
		bm = roaring.New()
	}
	return &Column{typ: types.TypeBool, n: n, bits: bm}
}

// Type returns the value type.
func (c *Column) Type() types.DataType { return c.typ }

// Len returns the number of values.
func (c *Column) Len() int { return c.n }

// Int64s returns the backing slice of an int64 column. Callers must not modify it.
func (c *Column) Int64s() []int64 { return c.ints }

// Float64s returns the backing slice of a float64 column. Callers must not modify it.
func (c *Column) Float64s() []float64 { return c.floats }

// Bitmap returns the set positions of a bool column. Callers must not modify it.
func (c *Column) Bitmap() *roaring.Bitmap { return c.bits }

// Float returns value i converted to float64.
func (c *Column) Float(i int) float64 {
	switch c.typ {
	case types.TypeInt64:
		return float64(c.ints[i])
	case types.TypeFloat64:
		return c.floats[i]
	default:
		if c.bits.Contains(uint32(i)) {
			return 1
		}
		return 0
	}
}

// Int returns value i converted to int64.
func (c *Column) Int(i int) int64 {
	switch c.typ {
	case types.TypeInt64:
		return c.ints[i]
	case types.TypeFloat64:
		return int64(c.floats[i])
	default:
		if c.bits.Contains(uint32(i)) {
			return 1
		}
		return 0
	}
}

// Bool returns value i of a bool column, or whether a numeric value is non-zero.
func (c *Column) Bool(i int) bool {
	if c.typ == types.TypeBool {
		return c.bits.Contains(uint32(i))
	}
	return c.Float(i) != 0
}

// Value returns value i as an interface holding int64, float64 or bool.
func (c *Column) Value(i int) interface{} {
	switch c.typ {
	case types.TypeInt64:
		return c.ints[i]
	case types.TypeFloat64:
		return c.floats[i]
	default:
		return c.bits.Contains(uint32(i))
	}
}

// AsFloat64s copies the column into a new float64 slice.
func (c *Column) AsFloat64s() []float64 {
	out := make([]float64, c.n)
	switch c.typ {
	case types.TypeFloat64:
		copy(out, c.floats)
	case types.TypeInt64:
		for i, v := range c.ints {
			out[i] = float64(v)
		}
	default:
		it := c.bits.Iterator()
		for it.HasNext() {
			out[it.Next()] = 1
		}
	}
	return out
}

// AsInt64s copies the column into a new int64 slice.
func (c *Column) AsInt64s() []int64 {
	out := make([]int64, c.n)
	switch c.typ {
	case types.TypeInt64:
		copy(out, c.ints)
	case types.TypeFloat64:
		for i, v := range c.floats {
			out[i] = int64(v)
		}
	default:
		it := c.bits.Iterator()
		for it.HasNext() {
			out[it.Next()] = 1
		}
	}
	return out
}

// Count returns the number of set positions of a bool column.
func (c *Column) Count() int {
	if c.typ != types.TypeBool {
		return 0
	}
	return int(c.bits.GetCardinality())
}

// AllTrue reports whether every position of a bool column is set.
func (c *Column) AllTrue() bool { return c.typ == types.TypeBool && c.Count() == c.n }

// AllFalse reports whether no position of a bool column is set.
func (c *Column) AllFalse() bool { return c.typ == types.TypeBool && c.bits.IsEmpty() }

// String renders short columns for debugging.
func (c *Column) String() string {
	const maxShown = 8
	s := fmt.Sprintf("%s[%d]{", c.typ, c.n)
	for i := 0; i < c.n && i < maxShown; i++ {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprint(c.Value(i))
	}
	if c.n > maxShown {
		s += " ..."
	}
	return s + "}"
}
