package operator

import (
	"context"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Derive adds, or replaces, one attribute computed from an expression over
// each input chunk. Comparisons and logical expressions produce the bool
// masks consumed by Filter.
type Derive struct {
	base
	input  Operator
	attr   string
	expr   *Expr
	result types.DataType
}

// NewDerive type-checks expr against the input schema.
func NewDerive(input Operator, attr string, expr *Expr, opts Options) (*Derive, error) {
	in := input.Schema()
	if attr == "" {
		return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, "derive: output attribute name is required")
	}
	if in.GetDimension(attr) != nil {
		return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "derive: %s is a dimension of %s", attr, in.Name)
	}
	t, err := expr.Check(in)
	if err != nil {
		return nil, err
	}

	out := &types.TAR{Name: in.Name, Dimensions: in.Dimensions}
	for _, a := range in.Attributes {
		if a.Name != attr {
			out.Attributes = append(out.Attributes, a)
		}
	}
	out.Attributes = append(out.Attributes, types.Attribute{Name: attr, Type: t})

	d := &Derive{input: input, attr: attr, expr: expr, result: t}
	d.base = newBase("derive", out, opts)
	bind(d)
	return d, nil
}

// NewComparison derives the mask attribute from a comparison or logical
// expression.
func NewComparison(input Operator, expr *Expr, opts Options) (*Derive, error) {
	t, err := expr.Check(input.Schema())
	if err != nil {
		return nil, err
	}
	if t != types.TypeBool {
		return nil, tarerrors.Configf(tarerrors.CodeTypeMismatch, "comparison %s yields %s, want bool", expr, t)
	}
	return NewDerive(input, subtar.MaskAttribute, expr, opts)
}

// GenerateChunk evaluates the expression over one batch of input chunks.
func (d *Derive) GenerateChunk(ctx context.Context, batchStart int) error {
	return d.mapBatch(ctx, d.input.Output(), batchStart, d.apply)
}

func (d *Derive) apply(ctx context.Context, l lane) (*subtar.Subtar, error) {
	v, err := d.expr.eval(&d.base, l.input)
	if err != nil {
		return nil, err
	}
	col := v.Col
	if col == nil {
		// A bare literal.
		zeros, err := d.opts.Store.Create(v.Type(), l.input.FilledLength())
		if err != nil {
			return nil, d.storageErr("create", err)
		}
		if v, err = broadcast(&d.base, v, zeros); err != nil {
			return nil, err
		}
		col = v.Col
	}
	out := derive(l.input, d.schema)
	out.SetAttribute(d.attr, col)
	return out, nil
}
