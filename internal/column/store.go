package column

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/spaolacci/murmur3"
	"github.com/tardb/tardb/pkg/types"
)

// Store is the storage collaborator every operator uses to build columns.
// All calls are fallible; operators wrap failures with the operation and
// operator name before surfacing them.
type Store interface {
	// Create allocates a zero-valued column of n rows.
	Create(t types.DataType, n int) (*Column, error)

	// Filter keeps the rows of c whose position is set in mask.
	Filter(c, mask *Column) (*Column, error)

	// Gather builds a column from c at the given positions.
	Gather(c *Column, positions []int64) (*Column, error)

	// Stretch repeats every value repeatInner times, then repeats the
	// whole sequence repeatOuter times.
	Stretch(c *Column, repeatInner, repeatOuter int) (*Column, error)

	// Apply evaluates an arithmetic operator elementwise.
	Apply(op ArithOp, a, b Operand) (*Column, error)

	// Compare evaluates a comparison elementwise into a bool column.
	Compare(op CmpOp, a, b Operand) (*Column, error)

	// Logical combines bool columns; b is ignored for OpNot.
	Logical(op LogicOp, a, b *Column) (*Column, error)

	// Match equi-joins the key tuples of a and b and returns, for every
	// matching pair, the row of a and the row of b. Pairs are ordered by
	// a's row, then b's row.
	Match(a, b []*Column) (mapA, mapB []int64, err error)

	// Logical2Real converts logical coordinates of d into real indexes.
	Logical2Real(d *types.Dimension, c *Column) (*Column, error)

	// Real2Logical converts real indexes of d into logical coordinates.
	Real2Logical(d *types.Dimension, c *Column) (*Column, error)
}

// MemStore is the in-memory Store implementation.
type MemStore struct{}

// NewMemStore returns an in-memory store.
func NewMemStore() *MemStore { return &MemStore{} }

// Create allocates a zero-valued column.
func (s *MemStore) Create(t types.DataType, n int) (*Column, error) {
	if n < 0 {
		return nil, fmt.Errorf("create: negative length %d", n)
	}
	switch t {
	case types.TypeInt64:
		return FromInt64s(make([]int64, n)), nil
	case types.TypeFloat64:
		return FromFloat64s(make([]float64, n)), nil
	case types.TypeBool:
		return FromBitmap(roaring.New(), n), nil
	default:
		return nil, fmt.Errorf("create: unsupported type %s", t)
	}
}

// Filter keeps the rows selected by mask.
func (s *MemStore) Filter(c, mask *Column) (*Column, error) {
	if mask.Type() != types.TypeBool {
		return nil, fmt.Errorf("filter: mask must be bool, got %s", mask.Type())
	}
	if mask.Len() != c.Len() {
		return nil, fmt.Errorf("filter: mask length %d does not match column length %d", mask.Len(), c.Len())
	}
	positions := make([]int64, 0, mask.Count())
	it := mask.Bitmap().Iterator()
	for it.HasNext() {
		positions = append(positions, int64(it.Next()))
	}
	return s.Gather(c, positions)
}

// Gather builds a column from c at the given positions.
func (s *MemStore) Gather(c *Column, positions []int64) (*Column, error) {
	for _, p := range positions {
		if p < 0 || p >= int64(c.Len()) {
			return nil, fmt.Errorf("gather: position %d out of range [0,%d)", p, c.Len())
		}
	}
	switch c.Type() {
	case types.TypeInt64:
		src := c.Int64s()
		out := make([]int64, len(positions))
		for i, p := range positions {
			out[i] = src[p]
		}
		return FromInt64s(out), nil
	case types.TypeFloat64:
		src := c.Float64s()
		out := make([]float64, len(positions))
		for i, p := range positions {
			out[i] = src[p]
		}
		return FromFloat64s(out), nil
	default:
		bm := roaring.New()
		for i, p := range positions {
			if c.Bitmap().Contains(uint32(p)) {
				bm.Add(uint32(i))
			}
		}
		return FromBitmap(bm, len(positions)), nil
	}
}

// Stretch repeats values and sequences.
func (s *MemStore) Stretch(c *Column, repeatInner, repeatOuter int) (*Column, error) {
	if repeatInner < 1 || repeatOuter < 1 {
		return nil, fmt.Errorf("stretch: repeat factors must be positive, got %d and %d", repeatInner, repeatOuter)
	}
	n := c.Len()
	total := n * repeatInner * repeatOuter
	positions := make([]int64, 0, total)
	for o := 0; o < repeatOuter; o++ {
		for i := 0; i < n; i++ {
			for r := 0; r < repeatInner; r++ {
				positions = append(positions, int64(i))
			}
		}
	}
	return s.Gather(c, positions)
}

// Apply evaluates an arithmetic operator elementwise. Integer operands stay
// integral except for division, which always yields float64.
func (s *MemStore) Apply(op ArithOp, a, b Operand) (*Column, error) {
	if !a.Type().Numeric() || !b.Type().Numeric() {
		return nil, fmt.Errorf("apply %s: operands must be numeric, got %s and %s", op, a.Type(), b.Type())
	}
	n, err := operandLen(a, b)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", op, err)
	}

	if op != OpDiv && a.Type() == types.TypeInt64 && b.Type() == types.TypeInt64 {
		out := make([]int64, n)
		for i := range out {
			x, y := a.int(i), b.int(i)
			switch op {
			case OpAdd:
				out[i] = x + y
			case OpSub:
				out[i] = x - y
			case OpMul:
				out[i] = x * y
			case OpMod:
				if y == 0 {
					return nil, fmt.Errorf("apply %%: integer modulo by zero at row %d", i)
				}
				out[i] = x % y
			}
		}
		return FromInt64s(out), nil
	}

	out := make([]float64, n)
	for i := range out {
		x, y := a.float(i), b.float(i)
		switch op {
		case OpAdd:
			out[i] = x + y
		case OpSub:
			out[i] = x - y
		case OpMul:
			out[i] = x * y
		case OpDiv:
			out[i] = x / y
		case OpMod:
			out[i] = math.Mod(x, y)
		}
	}
	return FromFloat64s(out), nil
}

// Compare evaluates a comparison into a bool column.
func (s *MemStore) Compare(op CmpOp, a, b Operand) (*Column, error) {
	if a.Type() == types.TypeBool || b.Type() == types.TypeBool {
		if op != OpEq && op != OpNe {
			return nil, fmt.Errorf("compare %s: ordering is undefined for bool operands", op)
		}
	}
	n, err := operandLen(a, b)
	if err != nil {
		return nil, fmt.Errorf("compare %s: %w", op, err)
	}
	bm := roaring.New()
	for i := 0; i < n; i++ {
		x, y := a.float(i), b.float(i)
		var hit bool
		switch op {
		case OpEq:
			hit = x == y
		case OpNe:
			hit = x != y
		case OpLt:
			hit = x < y
		case OpLe:
			hit = x <= y
		case OpGt:
			hit = x > y
		case OpGe:
			hit = x >= y
		}
		if hit {
			bm.Add(uint32(i))
		}
	}
	return FromBitmap(bm, n), nil
}

// Logical combines bool columns.
func (s *MemStore) Logical(op LogicOp, a, b *Column) (*Column, error) {
	if a.Type() != types.TypeBool {
		return nil, fmt.Errorf("logical %s: operand must be bool, got %s", op, a.Type())
	}
	if op == OpNot {
		return FromBitmap(roaring.Flip(a.Bitmap(), 0, uint64(a.Len())), a.Len()), nil
	}
	if b == nil || b.Type() != types.TypeBool {
		return nil, fmt.Errorf("logical %s: second operand must be bool", op)
	}
	if a.Len() != b.Len() {
		return nil, fmt.Errorf("logical %s: operand length mismatch: %d vs %d", op, a.Len(), b.Len())
	}
	switch op {
	case OpAnd:
		return FromBitmap(roaring.And(a.Bitmap(), b.Bitmap()), a.Len()), nil
	case OpOr:
		return FromBitmap(roaring.Or(a.Bitmap(), b.Bitmap()), a.Len()), nil
	case OpXor:
		return FromBitmap(roaring.Xor(a.Bitmap(), b.Bitmap()), a.Len()), nil
	default:
		return nil, fmt.Errorf("logical: unknown operator %d", op)
	}
}

// Match hashes b's key tuples and probes them with a's.
func (s *MemStore) Match(a, b []*Column) ([]int64, []int64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return nil, nil, fmt.Errorf("match: key arity mismatch: %d vs %d", len(a), len(b))
	}
	nA, nB := a[0].Len(), b[0].Len()
	for i := range a {
		if a[i].Len() != nA || b[i].Len() != nB {
			return nil, nil, fmt.Errorf("match: key columns of one side must share a length")
		}
	}

	buf := make([]byte, 8*len(a))
	hashRow := func(cols []*Column, row int) uint64 {
		for k, c := range cols {
			v := c.Float(row)
			if v == 0 {
				// -0 and +0 compare equal and must share a bucket.
				v = 0
			}
			binary.LittleEndian.PutUint64(buf[8*k:], math.Float64bits(v))
		}
		return murmur3.Sum64(buf)
	}

	buckets := make(map[uint64][]int32, nB)
	for j := 0; j < nB; j++ {
		h := hashRow(b, j)
		buckets[h] = append(buckets[h], int32(j))
	}

	var mapA, mapB []int64
	for i := 0; i < nA; i++ {
		for _, j := range buckets[hashRow(a, i)] {
			equal := true
			for k := range a {
				if a[k].Float(i) != b[k].Float(int(j)) {
					equal = false
					break
				}
			}
			if equal {
				mapA = append(mapA, int64(i))
				mapB = append(mapB, int64(j))
			}
		}
	}
	return mapA, mapB, nil
}

// Logical2Real converts logical coordinates into real indexes.
func (s *MemStore) Logical2Real(d *types.Dimension, c *Column) (*Column, error) {
	out := make([]int64, c.Len())
	for i := range out {
		r, ok := d.ToReal(c.Float(i))
		if !ok {
			return nil, fmt.Errorf("logical2real: %v is not a coordinate of dimension %s", c.Float(i), d.Name)
		}
		out[i] = r
	}
	return FromInt64s(out), nil
}

// Real2Logical converts real indexes into logical coordinates. Dimensions
// typed int64 yield int64 columns.
func (s *MemStore) Real2Logical(d *types.Dimension, c *Column) (*Column, error) {
	if c.Type() != types.TypeInt64 {
		return nil, fmt.Errorf("real2logical: real indexes must be int64, got %s", c.Type())
	}
	reals := c.Int64s()
	if d.Type == types.TypeInt64 {
		out := make([]int64, len(reals))
		for i, r := range reals {
			v, ok := d.ToLogical(r)
			if !ok {
				return nil, fmt.Errorf("real2logical: index %d out of range for dimension %s", r, d.Name)
			}
			out[i] = int64(math.Round(v))
		}
		return FromInt64s(out), nil
	}
	out := make([]float64, len(reals))
	for i, r := range reals {
		v, ok := d.ToLogical(r)
		if !ok {
			return nil, fmt.Errorf("real2logical: index %d out of range for dimension %s", r, d.Name)
		}
		out[i] = v
	}
	return FromFloat64s(out), nil
}
