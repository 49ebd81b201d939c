package types

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestImplicitDimension(t *testing.T) {
	d := &Dimension{Name: "t", Type: TypeFloat64, LowerBound: -1, UpperBound: 1, Spacing: 0.5}
	require.NoError(t, d.Validate())
	assert.Equal(t, int64(5), d.Length())

	v, ok := d.ToLogical(3)
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	_, ok = d.ToLogical(5)
	assert.False(t, ok)

	r, ok := d.ToReal(-0.5)
	require.True(t, ok)
	assert.Equal(t, int64(1), r)
	_, ok = d.ToReal(0.25)
	assert.False(t, ok)
	_, ok = d.ToReal(1.5)
	assert.False(t, ok)

	lo, hi, ok := d.RealRange(-0.7, 0.6)
	require.True(t, ok)
	assert.Equal(t, int64(1), lo)
	assert.Equal(t, int64(3), hi)

	lo, hi, ok = d.RealRange(-10, 10)
	require.True(t, ok)
	assert.Equal(t, int64(0), lo)
	assert.Equal(t, int64(4), hi)

	_, _, ok = d.RealRange(0.1, 0.4)
	assert.False(t, ok)
	_, _, ok = d.RealRange(1, 0)
	assert.False(t, ok)
}

func TestExplicitDimension(t *testing.T) {
	d := &Dimension{Name: "city", Type: TypeInt64, Kind: DimensionExplicit, Values: []float64{2, 3, 5, 7, 11}}
	require.NoError(t, d.Validate())
	assert.Equal(t, int64(5), d.Length())

	v, ok := d.ToLogical(4)
	require.True(t, ok)
	assert.Equal(t, 11.0, v)

	r, ok := d.ToReal(5)
	require.True(t, ok)
	assert.Equal(t, int64(2), r)
	_, ok = d.ToReal(4)
	assert.False(t, ok)

	lo, hi, ok := d.RealRange(4, 10)
	require.True(t, ok)
	assert.Equal(t, int64(2), lo)
	assert.Equal(t, int64(3), hi)

	_, _, ok = d.RealRange(12, 20)
	assert.False(t, ok)
}

func TestDimensionValidate(t *testing.T) {
	cases := map[string]*Dimension{
		"no name":      {Spacing: 1},
		"zero spacing": {Name: "x"},
		"inverted":     {Name: "x", LowerBound: 2, UpperBound: 1, Spacing: 1},
		"no values":    {Name: "x", Kind: DimensionExplicit},
		"unsorted":     {Name: "x", Kind: DimensionExplicit, Values: []float64{2, 1}},
		"unknown kind": {Name: "x", Kind: DimensionKind(9), Spacing: 1},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, d.Validate())
		})
	}
}

func TestDimensionCloneAndGeometry(t *testing.T) {
	d := &Dimension{Name: "x", Kind: DimensionExplicit, Values: []float64{1, 2}}
	cp := d.Clone()
	cp.Values[0] = 0
	cp.CurrentUpperBound = 1
	assert.Equal(t, 1.0, d.Values[0])
	assert.Equal(t, int64(0), d.CurrentUpperBound)
	assert.False(t, d.SameGeometry(cp))
	assert.True(t, d.SameGeometry(d.Clone()))

	a := &Dimension{Name: "a", LowerBound: 0, UpperBound: 9, Spacing: 1}
	b := &Dimension{Name: "b", LowerBound: 0, UpperBound: 3, Spacing: 1}
	assert.True(t, a.SameGeometry(b))
	b.Spacing = 2
	assert.False(t, a.SameGeometry(b))
	assert.False(t, a.SameGeometry(d))
}

func TestTARSchema(t *testing.T) {
	tar := &TAR{
		Name:       "grid",
		Dimensions: []*Dimension{{Name: "x", Type: TypeInt64, UpperBound: 3, Spacing: 1}},
		Attributes: []Attribute{{Name: "a", Type: TypeFloat64}},
	}
	require.NoError(t, tar.Validate())
	assert.Equal(t, []string{"x"}, tar.DimensionNames())

	el, ok := tar.GetDataElement("x")
	require.True(t, ok)
	assert.Equal(t, ElementDimension, el.Kind)
	el, ok = tar.GetDataElement("a")
	require.True(t, ok)
	assert.Equal(t, TypeFloat64, el.Type)
	assert.False(t, tar.HasDataElement("b"))

	cp := tar.Clone()
	cp.Dimensions[0].CurrentUpperBound = 3
	cp.Attributes[0].Name = "renamed"
	assert.Equal(t, int64(0), tar.Dimensions[0].CurrentUpperBound)
	assert.Equal(t, "a", tar.Attributes[0].Name)

	dup := tar.Clone()
	dup.Attributes = append(dup.Attributes, Attribute{Name: "x", Type: TypeInt64})
	assert.ErrorContains(t, dup.Validate(), "duplicate")
	assert.Error(t, (&TAR{}).Validate())
}

func TestSchemaEncoding(t *testing.T) {
	tar := &TAR{
		Name:       "grid",
		Dimensions: []*Dimension{{Name: "x", Type: TypeInt64, Kind: DimensionExplicit, Values: []float64{1, 4}}},
		Attributes: []Attribute{{Name: "ok", Type: TypeBool}},
	}
	b, err := json.Marshal(tar)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"explicit"`)
	assert.Contains(t, string(b), `"type":"bool"`)

	var back TAR
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, DimensionExplicit, back.Dimensions[0].Kind)
	assert.Equal(t, TypeBool, back.Attributes[0].Type)

	var fromYAML TAR
	require.NoError(t, yaml.Unmarshal([]byte(`
name: temps
dimensions:
  - {name: t, type: double, lower_bound: 0, upper_bound: 10, spacing: 2}
attributes:
  - {name: c, type: float}
`), &fromYAML))
	require.NoError(t, fromYAML.Validate())
	assert.Equal(t, TypeFloat64, fromYAML.Dimensions[0].Type)
	assert.Equal(t, DimensionImplicit, fromYAML.Dimensions[0].Kind)
	assert.Equal(t, int64(6), fromYAML.Dimensions[0].Length())

	_, err = ParseDataType("string")
	assert.Error(t, err)
}

func TestImplicitCoordinateRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	spacings := []float64{0.25, 0.5, 1, 2, 4}
	properties.Property("ToReal inverts ToLogical", prop.ForAll(
		func(lower int64, si int, n int64, r int64) bool {
			d := &Dimension{
				Name:       "d",
				LowerBound: float64(lower),
				UpperBound: float64(lower) + spacings[si]*float64(n-1),
				Spacing:    spacings[si],
			}
			if d.Length() != n {
				return false
			}
			r %= n
			v, ok := d.ToLogical(r)
			if !ok {
				return false
			}
			back, ok := d.ToReal(v)
			return ok && back == r
		},
		gen.Int64Range(-1000, 1000),
		gen.IntRange(0, len(spacings)-1),
		gen.Int64Range(1, 500),
		gen.Int64Range(0, 10000),
	))

	properties.TestingRun(t)
}
