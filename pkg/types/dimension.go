package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DimensionKind tells how the logical coordinates of an axis are obtained.
type DimensionKind int

const (
	// DimensionImplicit axes compute logical values as lower + real*spacing.
	DimensionImplicit DimensionKind = iota
	// DimensionExplicit axes store their logical values in Values.
	DimensionExplicit
)

func (k DimensionKind) String() string {
	if k == DimensionExplicit {
		return "explicit"
	}
	return "implicit"
}

// MarshalText implements encoding.TextMarshaler.
func (k DimensionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *DimensionKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "implicit", "":
		*k = DimensionImplicit
	case "explicit":
		*k = DimensionExplicit
	default:
		return fmt.Errorf("unknown dimension kind: %s", b)
	}
	return nil
}

// Dimension is a named axis of a TAR.
type Dimension struct {
	// Name is the axis name
	Name string `json:"name" yaml:"name"`

	// Type is the type of the logical coordinate values
	Type DataType `json:"type" yaml:"type"`

	// Kind selects implicit (formula) or explicit (stored values) coordinates
	Kind DimensionKind `json:"kind" yaml:"kind"`

	// LowerBound is the first logical coordinate
	LowerBound float64 `json:"lower_bound" yaml:"lower_bound"`

	// UpperBound is the last logical coordinate
	UpperBound float64 `json:"upper_bound" yaml:"upper_bound"`

	// Spacing is the logical distance between consecutive real indexes
	Spacing float64 `json:"spacing" yaml:"spacing"`

	// Values holds the sorted logical coordinates of an explicit axis
	Values []float64 `json:"values,omitempty" yaml:"values,omitempty"`

	// CurrentUpperBound is the highest real index holding data; grows on append
	CurrentUpperBound int64 `json:"current_upper_bound" yaml:"current_upper_bound"`
}

// Validate checks the axis geometry.
func (d *Dimension) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("dimension name is required")
	}
	switch d.Kind {
	case DimensionImplicit:
		if d.Spacing <= 0 {
			return fmt.Errorf("dimension %s: spacing must be positive, got %v", d.Name, d.Spacing)
		}
		if d.UpperBound < d.LowerBound {
			return fmt.Errorf("dimension %s: upper bound %v below lower bound %v", d.Name, d.UpperBound, d.LowerBound)
		}
	case DimensionExplicit:
		if len(d.Values) == 0 {
			return fmt.Errorf("dimension %s: explicit dimension needs values", d.Name)
		}
		if !sort.Float64sAreSorted(d.Values) {
			return fmt.Errorf("dimension %s: explicit values must be sorted", d.Name)
		}
	default:
		return fmt.Errorf("dimension %s: unknown kind %d", d.Name, d.Kind)
	}
	return nil
}

// Length returns the number of real positions along the axis.
func (d *Dimension) Length() int64 {
	if d.Kind == DimensionExplicit {
		return int64(len(d.Values))
	}
	return int64(math.Floor((d.UpperBound-d.LowerBound)/d.Spacing+1e-9)) + 1
}

// CurrentLength is the number of real positions that currently hold data.
func (d *Dimension) CurrentLength() int64 {
	return d.CurrentUpperBound + 1
}

// ToLogical converts a real index into its logical coordinate.
func (d *Dimension) ToLogical(real int64) (float64, bool) {
	if real < 0 || real >= d.Length() {
		return 0, false
	}
	if d.Kind == DimensionExplicit {
		return d.Values[real], true
	}
	return d.LowerBound + float64(real)*d.Spacing, true
}

// ToReal converts a logical coordinate into a real index. It fails when
// the value is not a coordinate of the axis.
func (d *Dimension) ToReal(logical float64) (int64, bool) {
	if d.Kind == DimensionExplicit {
		i := sort.SearchFloat64s(d.Values, logical)
		if i < len(d.Values) && d.Values[i] == logical {
			return int64(i), true
		}
		return 0, false
	}
	pos := (logical - d.LowerBound) / d.Spacing
	real := math.Round(pos)
	if math.Abs(pos-real) > 1e-9 || real < 0 || int64(real) >= d.Length() {
		return 0, false
	}
	return int64(real), true
}

// RealRange maps a logical interval onto the inclusive range of real
// indexes whose coordinates fall inside it. ok is false when the
// intersection is empty.
func (d *Dimension) RealRange(lo, hi float64) (int64, int64, bool) {
	n := d.Length()
	if hi < lo {
		return 0, 0, false
	}
	var first, last int64
	if d.Kind == DimensionExplicit {
		first = int64(sort.SearchFloat64s(d.Values, lo))
		last = int64(sort.Search(len(d.Values), func(i int) bool { return d.Values[i] > hi })) - 1
	} else {
		first = int64(math.Ceil((lo-d.LowerBound)/d.Spacing - 1e-9))
		last = int64(math.Floor((hi-d.LowerBound)/d.Spacing + 1e-9))
	}
	if first < 0 {
		first = 0
	}
	if last > n-1 {
		last = n - 1
	}
	if first > last {
		return 0, 0, false
	}
	return first, last, true
}

// Clone returns a copy of the dimension.
func (d *Dimension) Clone() *Dimension {
	cp := *d
	if d.Values != nil {
		cp.Values = append([]float64(nil), d.Values...)
	}
	return &cp
}

// SameGeometry reports whether two axes map real indexes to the same
// logical coordinates.
func (d *Dimension) SameGeometry(o *Dimension) bool {
	if d.Kind != o.Kind {
		return false
	}
	if d.Kind == DimensionImplicit {
		return d.LowerBound == o.LowerBound && d.Spacing == o.Spacing
	}
	if len(d.Values) != len(o.Values) {
		return false
	}
	for i := range d.Values {
		if d.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}
