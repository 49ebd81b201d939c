// Package subtar describes chunks of array space and the per-chunk encoding
// of their axes.
package subtar

import (
	"fmt"

	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/pkg/types"
)

// SpecKind is the closed set of axis encodings.
type SpecKind int

const (
	// Ordered axes are a formula over a contiguous real range.
	Ordered SpecKind = iota
	// Partial axes follow the Ordered layout but read their real indexes
	// from a backing column.
	Partial
	// Total axes store one real index per physical row.
	Total
)

func (k SpecKind) String() string {
	switch k {
	case Ordered:
		return "ordered"
	case Partial:
		return "partial"
	case Total:
		return "total"
	default:
		return fmt.Sprintf("speckind(%d)", int(k))
	}
}

// DimSpec describes one axis as it appears inside one chunk. Values are
// immutable: every Alter method returns a new DimSpec.
//
// For Ordered and Partial specs, physical row p carries the coordinate at
// position (p % stride) / adjacency of the axis sequence, where the sequence
// is lower..upper (Ordered) or the backing column (Partial). stride is always
// adjacency times the sequence length. Total specs carry backing[p].
type DimSpec struct {
	kind      SpecKind
	dim       *types.Dimension
	lower     int64
	upper     int64
	adjacency int64
	backing   *column.Column
}

// NewOrdered describes the real range [lower, upper] of dim.
func NewOrdered(dim *types.Dimension, lower, upper, adjacency int64) (DimSpec, error) {
	if upper < lower {
		return DimSpec{}, fmt.Errorf("ordered spec %s: upper %d below lower %d", dim.Name, upper, lower)
	}
	if adjacency < 1 {
		return DimSpec{}, fmt.Errorf("ordered spec %s: adjacency must be positive, got %d", dim.Name, adjacency)
	}
	return DimSpec{kind: Ordered, dim: dim, lower: lower, upper: upper, adjacency: adjacency}, nil
}

// NewPartial describes an axis whose sequence of real indexes is backing.
func NewPartial(dim *types.Dimension, backing *column.Column, adjacency int64) (DimSpec, error) {
	if err := checkBacking(dim, backing); err != nil {
		return DimSpec{}, fmt.Errorf("partial spec: %w", err)
	}
	if adjacency < 1 {
		return DimSpec{}, fmt.Errorf("partial spec %s: adjacency must be positive, got %d", dim.Name, adjacency)
	}
	lo, hi := bounds(backing)
	return DimSpec{kind: Partial, dim: dim, lower: lo, upper: hi, adjacency: adjacency, backing: backing}, nil
}

// NewTotal describes an axis with one real index per row.
func NewTotal(dim *types.Dimension, backing *column.Column) (DimSpec, error) {
	if err := checkBacking(dim, backing); err != nil {
		return DimSpec{}, fmt.Errorf("total spec: %w", err)
	}
	lo, hi := bounds(backing)
	return DimSpec{kind: Total, dim: dim, lower: lo, upper: hi, adjacency: 1, backing: backing}, nil
}

func checkBacking(dim *types.Dimension, backing *column.Column) error {
	if backing == nil || backing.Len() == 0 {
		return fmt.Errorf("%s: backing column is empty", dim.Name)
	}
	if backing.Type() != types.TypeInt64 {
		return fmt.Errorf("%s: backing column must hold int64 real indexes, got %s", dim.Name, backing.Type())
	}
	return nil
}

func bounds(c *column.Column) (int64, int64) {
	vals := c.Int64s()
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// Kind returns the encoding variant.
func (s DimSpec) Kind() SpecKind { return s.kind }

// Dimension returns the schema axis this spec describes.
func (s DimSpec) Dimension() *types.Dimension { return s.dim }

// Name returns the axis name.
func (s DimSpec) Name() string { return s.dim.Name }

// Lower returns the lowest real index covered by the spec.
func (s DimSpec) Lower() int64 { return s.lower }

// Upper returns the highest real index covered by the spec.
func (s DimSpec) Upper() int64 { return s.upper }

// Adjacency is the number of consecutive rows sharing one coordinate.
func (s DimSpec) Adjacency() int64 { return s.adjacency }

// Stride is the period, in rows, after which the axis sequence repeats.
func (s DimSpec) Stride() int64 {
	if s.kind == Total {
		return s.Len()
	}
	return s.adjacency * s.Len()
}

// Backing returns the backing column of Partial and Total specs.
func (s DimSpec) Backing() *column.Column { return s.backing }

// Len is the length of the axis sequence for Ordered and Partial specs and
// the row count for Total specs.
func (s DimSpec) Len() int64 {
	switch s.kind {
	case Ordered:
		return s.upper - s.lower + 1
	default:
		return int64(s.backing.Len())
	}
}

// Clone returns an independent copy. Backing columns are immutable and shared.
func (s DimSpec) Clone() DimSpec { return s }

// AlterBoundaries narrows or moves an Ordered spec to [lower, upper]. Partial
// and Total specs take their bounds from the backing column and cannot be
// altered this way.
func (s DimSpec) AlterBoundaries(lower, upper int64) (DimSpec, error) {
	if s.kind != Ordered {
		return DimSpec{}, fmt.Errorf("alter boundaries: %s spec %s has data-defined bounds", s.kind, s.Name())
	}
	if upper < lower {
		return DimSpec{}, fmt.Errorf("alter boundaries: upper %d below lower %d", upper, lower)
	}
	s.lower, s.upper = lower, upper
	return s, nil
}

// AlterAdjacency returns the spec with a new adjacency. Total specs keep 1.
func (s DimSpec) AlterAdjacency(n int64) DimSpec {
	if s.kind == Total || n < 1 {
		return s
	}
	s.adjacency = n
	return s
}

// AlterDimension rebinds the spec to another schema axis, e.g. a renamed
// copy in an operator's output schema.
func (s DimSpec) AlterDimension(d *types.Dimension) DimSpec {
	s.dim = d
	return s
}

// At returns the real index carried by physical row p.
func (s DimSpec) At(p int64) int64 {
	switch s.kind {
	case Ordered:
		return s.lower + (p%s.Stride())/s.adjacency
	case Partial:
		return s.backing.Int64s()[(p%s.Stride())/s.adjacency]
	default:
		return s.backing.Int64s()[p]
	}
}

// Materialize expands the spec into an explicit column of n real indexes,
// one per physical row.
func (s DimSpec) Materialize(n int) (*column.Column, error) {
	if s.kind == Total {
		if s.backing.Len() != n {
			return nil, fmt.Errorf("materialize %s: total spec has %d rows, want %d", s.Name(), s.backing.Len(), n)
		}
		return s.backing, nil
	}
	out := make([]int64, n)
	stride := s.Stride()
	switch s.kind {
	case Ordered:
		for p := range out {
			out[p] = s.lower + (int64(p)%stride)/s.adjacency
		}
	case Partial:
		vals := s.backing.Int64s()
		for p := range out {
			out[p] = vals[(int64(p)%stride)/s.adjacency]
		}
	}
	return column.FromInt64s(out), nil
}

// ToTotal materializes the spec into a Total spec over n rows.
func (s DimSpec) ToTotal(n int) (DimSpec, error) {
	if s.kind == Total {
		return s, nil
	}
	col, err := s.Materialize(n)
	if err != nil {
		return DimSpec{}, err
	}
	return NewTotal(s.dim, col)
}

// LogicalBounds returns the logical coordinates of the covered real range.
func (s DimSpec) LogicalBounds() (float64, float64) {
	lo, _ := s.dim.ToLogical(s.lower)
	hi, _ := s.dim.ToLogical(s.upper)
	return lo, hi
}

// Intersects reports whether the logical ranges of two specs overlap.
func (s DimSpec) Intersects(o DimSpec) bool {
	aLo, aHi := s.LogicalBounds()
	bLo, bHi := o.LogicalBounds()
	return aLo <= bHi && bLo <= aHi
}

func (s DimSpec) String() string {
	return fmt.Sprintf("%s:%s[%d..%d adj=%d stride=%d]", s.Name(), s.kind, s.lower, s.upper, s.adjacency, s.Stride())
}

// AdjustSpecs recomputes adjacency (and with it stride) for specs that are
// being laid out together in one chunk, in the given order. Earlier specs
// vary slower: the adjacency of a spec is the product of the lengths of the
// Ordered and Partial specs after it. Total specs are left untouched and do
// not contribute to the product.
func AdjustSpecs(specs []DimSpec) []DimSpec {
	out := make([]DimSpec, len(specs))
	copy(out, specs)
	product := int64(1)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].kind == Total {
			continue
		}
		out[i] = out[i].AlterAdjacency(product)
		product *= out[i].Len()
	}
	return out
}
