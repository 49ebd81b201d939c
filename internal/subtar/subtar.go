package subtar

import (
	"fmt"
	"sort"

	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/pkg/types"
)

// MaskAttribute is the conventional name of the bool column produced by
// comparison and logical operators and consumed by filter.
const MaskAttribute = "__mask__"

// Subtar is one rectangular chunk of a TAR: one DimSpec per axis plus the
// attribute columns. A Subtar is built by exactly one operator lane and must
// not be modified once it has been published to a generator.
type Subtar struct {
	tar   *types.TAR
	specs []DimSpec
	attrs map[string]*column.Column
}

// New creates an empty chunk of the given schema.
func New(tar *types.TAR) *Subtar {
	return &Subtar{tar: tar, attrs: make(map[string]*column.Column)}
}

// TAR returns the output schema the chunk belongs to.
func (s *Subtar) TAR() *types.TAR { return s.tar }

// AddSpec appends a spec, replacing any spec already present for the same axis.
func (s *Subtar) AddSpec(spec DimSpec) {
	for i := range s.specs {
		if s.specs[i].Name() == spec.Name() {
			s.specs[i] = spec
			return
		}
	}
	s.specs = append(s.specs, spec)
}

// SetSpecs replaces all specs, keeping the given order.
func (s *Subtar) SetSpecs(specs []DimSpec) {
	s.specs = append([]DimSpec(nil), specs...)
}

// Spec returns the spec of the named axis.
func (s *Subtar) Spec(name string) (DimSpec, bool) {
	for _, sp := range s.specs {
		if sp.Name() == name {
			return sp, true
		}
	}
	return DimSpec{}, false
}

// Specs returns a copy of the specs in chunk order.
func (s *Subtar) Specs() []DimSpec {
	return append([]DimSpec(nil), s.specs...)
}

// SetAttribute binds a column to an attribute name.
func (s *Subtar) SetAttribute(name string, c *column.Column) {
	s.attrs[name] = c
}

// Attribute returns the named column.
func (s *Subtar) Attribute(name string) (*column.Column, bool) {
	c, ok := s.attrs[name]
	return c, ok
}

// AttributeNames returns the attribute names in sorted order.
func (s *Subtar) AttributeNames() []string {
	names := make([]string, 0, len(s.attrs))
	for n := range s.attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasTotal reports whether any axis is stored explicitly per row.
func (s *Subtar) HasTotal() bool {
	for _, sp := range s.specs {
		if sp.Kind() == Total {
			return true
		}
	}
	return false
}

// FilledLength returns the number of physical rows: the row count of the
// Total specs if there is one, otherwise the product of the spec lengths.
func (s *Subtar) FilledLength() int {
	for _, sp := range s.specs {
		if sp.Kind() == Total {
			return int(sp.Len())
		}
	}
	n := int64(1)
	for _, sp := range s.specs {
		n *= sp.Len()
	}
	if len(s.specs) == 0 {
		for _, c := range s.attrs {
			return c.Len()
		}
	}
	return int(n)
}

// Materialize returns the real indexes of the named axis, one per row.
func (s *Subtar) Materialize(name string) (*column.Column, error) {
	sp, ok := s.Spec(name)
	if !ok {
		return nil, fmt.Errorf("subtar: no dimension %q", name)
	}
	return sp.Materialize(s.FilledLength())
}

// Validate checks that every column and Total spec matches the row count.
func (s *Subtar) Validate() error {
	n := s.FilledLength()
	for _, sp := range s.specs {
		if sp.Kind() == Total && int(sp.Len()) != n {
			return fmt.Errorf("subtar: total spec %s has %d rows, chunk has %d", sp.Name(), sp.Len(), n)
		}
	}
	for name, c := range s.attrs {
		if c.Len() != n {
			return fmt.Errorf("subtar: attribute %s has %d rows, chunk has %d", name, c.Len(), n)
		}
	}
	return nil
}

// Derive returns a shallow copy bound to another schema. Columns and specs
// are shared; the copy can receive new attributes without touching s.
func (s *Subtar) Derive(tar *types.TAR) *Subtar {
	out := &Subtar{
		tar:   tar,
		specs: append([]DimSpec(nil), s.specs...),
		attrs: make(map[string]*column.Column, len(s.attrs)+1),
	}
	for k, v := range s.attrs {
		out.attrs[k] = v
	}
	return out
}

func (s *Subtar) String() string {
	name := ""
	if s.tar != nil {
		name = s.tar.Name
	}
	return fmt.Sprintf("subtar(%s rows=%d specs=%v attrs=%v)", name, s.FilledLength(), s.specs, s.AttributeNames())
}
