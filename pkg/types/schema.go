package types

import (
	"fmt"
	"strings"
)

// DataType is the physical type of an attribute or dimension column.
type DataType int

const (
	TypeInt64 DataType = iota
	TypeFloat64
	TypeBool
)

// String returns the lowercase type name used in schema files.
func (t DataType) String() string {
	switch t {
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseDataType converts a type name to a DataType.
func ParseDataType(name string) (DataType, error) {
	switch strings.ToLower(name) {
	case "int64", "int", "long":
		return TypeInt64, nil
	case "float64", "double", "float":
		return TypeFloat64, nil
	case "bool", "boolean":
		return TypeBool, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", name)
	}
}

// Numeric reports whether values of this type take part in arithmetic.
func (t DataType) Numeric() bool {
	return t == TypeInt64 || t == TypeFloat64
}

// ElementKind distinguishes dimensions from attributes in a TAR schema.
type ElementKind int

const (
	ElementDimension ElementKind = iota
	ElementAttribute
)

// DataElement is a named member of a TAR schema, either a dimension or an attribute.
type DataElement struct {
	Name      string
	Kind      ElementKind
	Type      DataType
	Dimension *Dimension // set when Kind is ElementDimension
}

// Attribute is a named value column of a TAR.
type Attribute struct {
	// Name is the attribute name
	Name string `json:"name" yaml:"name"`

	// Type is the value type of the attribute
	Type DataType `json:"type" yaml:"type"`
}

// TAR is the schema of a named multidimensional array container.
type TAR struct {
	// Name is the container name
	Name string `json:"name" yaml:"name"`

	// Dimensions lists the axes in storage order (earlier axes vary slower)
	Dimensions []*Dimension `json:"dimensions" yaml:"dimensions"`

	// Attributes lists the value columns
	Attributes []Attribute `json:"attributes" yaml:"attributes"`
}

// GetDimension returns the dimension with the given name, or nil.
func (t *TAR) GetDimension(name string) *Dimension {
	for _, d := range t.Dimensions {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// GetAttribute returns the attribute with the given name.
func (t *TAR) GetAttribute(name string) (Attribute, bool) {
	for _, a := range t.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// GetDataElement looks up a dimension or attribute by name.
func (t *TAR) GetDataElement(name string) (DataElement, bool) {
	if d := t.GetDimension(name); d != nil {
		return DataElement{Name: d.Name, Kind: ElementDimension, Type: d.Type, Dimension: d}, true
	}
	if a, ok := t.GetAttribute(name); ok {
		return DataElement{Name: a.Name, Kind: ElementAttribute, Type: a.Type}, true
	}
	return DataElement{}, false
}

// HasDataElement reports whether name is a dimension or attribute of the TAR.
func (t *TAR) HasDataElement(name string) bool {
	_, ok := t.GetDataElement(name)
	return ok
}

// DimensionNames returns the dimension names in schema order.
func (t *TAR) DimensionNames() []string {
	names := make([]string, len(t.Dimensions))
	for i, d := range t.Dimensions {
		names[i] = d.Name
	}
	return names
}

// Validate checks that the schema is well formed.
func (t *TAR) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tar name is required")
	}
	seen := make(map[string]struct{}, len(t.Dimensions)+len(t.Attributes))
	for _, d := range t.Dimensions {
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("tar %s: duplicate element %q", t.Name, d.Name)
		}
		seen[d.Name] = struct{}{}
		if err := d.Validate(); err != nil {
			return fmt.Errorf("tar %s: %w", t.Name, err)
		}
	}
	for _, a := range t.Attributes {
		if a.Name == "" {
			return fmt.Errorf("tar %s: attribute name is required", t.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("tar %s: duplicate element %q", t.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the schema. Dimensions are copied so that
// CurrentUpperBound updates on the clone do not leak into the catalog.
func (t *TAR) Clone() *TAR {
	cp := &TAR{
		Name:       t.Name,
		Dimensions: make([]*Dimension, len(t.Dimensions)),
		Attributes: append([]Attribute(nil), t.Attributes...),
	}
	for i, d := range t.Dimensions {
		cp.Dimensions[i] = d.Clone()
	}
	return cp
}
