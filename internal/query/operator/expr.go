package operator

import (
	"fmt"
	"strconv"

	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// ExprKind is the closed set of expression nodes.
type ExprKind int

const (
	ExprAttribute ExprKind = iota
	ExprDimension
	ExprLiteral
	ExprArith
	ExprCompare
	ExprLogic
)

// Expr is an expression over the elements of one chunk. Dimensions
// evaluate to their logical coordinates.
type Expr struct {
	Kind ExprKind

	// Name of the attribute or dimension.
	Name string

	// Value and ValueType of a literal.
	Value     float64
	ValueType types.DataType

	Arith column.ArithOp
	Cmp   column.CmpOp
	Logic column.LogicOp

	Left, Right *Expr
}

// Attr references an attribute.
func Attr(name string) *Expr { return &Expr{Kind: ExprAttribute, Name: name} }

// Dim references the logical coordinates of a dimension.
func Dim(name string) *Expr { return &Expr{Kind: ExprDimension, Name: name} }

// Literal is a float64 constant.
func Literal(v float64) *Expr {
	return &Expr{Kind: ExprLiteral, Value: v, ValueType: types.TypeFloat64}
}

// IntLiteral is an int64 constant.
func IntLiteral(v int64) *Expr {
	return &Expr{Kind: ExprLiteral, Value: float64(v), ValueType: types.TypeInt64}
}

// Arith applies an arithmetic operator.
func Arith(op column.ArithOp, l, r *Expr) *Expr {
	return &Expr{Kind: ExprArith, Arith: op, Left: l, Right: r}
}

// Compare applies a comparison operator.
func Compare(op column.CmpOp, l, r *Expr) *Expr {
	return &Expr{Kind: ExprCompare, Cmp: op, Left: l, Right: r}
}

// Logic combines two bool expressions.
func Logic(op column.LogicOp, l, r *Expr) *Expr {
	return &Expr{Kind: ExprLogic, Logic: op, Left: l, Right: r}
}

// Not negates a bool expression.
func Not(e *Expr) *Expr { return &Expr{Kind: ExprLogic, Logic: column.OpNot, Left: e} }

func (e *Expr) String() string {
	switch e.Kind {
	case ExprAttribute, ExprDimension:
		return e.Name
	case ExprLiteral:
		if e.ValueType == types.TypeInt64 {
			return strconv.FormatInt(int64(e.Value), 10)
		}
		return strconv.FormatFloat(e.Value, 'g', -1, 64)
	case ExprArith:
		return fmt.Sprintf("(%s %s %s)", e.Left, e.Arith, e.Right)
	case ExprCompare:
		return fmt.Sprintf("(%s %s %s)", e.Left, e.Cmp, e.Right)
	case ExprLogic:
		if e.Logic == column.OpNot {
			return fmt.Sprintf("(not %s)", e.Left)
		}
		return fmt.Sprintf("(%s %s %s)", e.Left, e.Logic, e.Right)
	default:
		return "?"
	}
}

// Check validates the expression against schema and returns its result type.
func (e *Expr) Check(schema *types.TAR) (types.DataType, error) {
	switch e.Kind {
	case ExprAttribute:
		a, ok := schema.GetAttribute(e.Name)
		if !ok {
			return 0, tarerrors.Configf(tarerrors.CodeUnknownElement, "%s is not an attribute of %s", e.Name, schema.Name)
		}
		return a.Type, nil
	case ExprDimension:
		d := schema.GetDimension(e.Name)
		if d == nil {
			return 0, tarerrors.Configf(tarerrors.CodeUnknownElement, "%s is not a dimension of %s", e.Name, schema.Name)
		}
		return d.Type, nil
	case ExprLiteral:
		return e.ValueType, nil
	}

	if e.Left == nil || (e.Right == nil && !(e.Kind == ExprLogic && e.Logic == column.OpNot)) {
		return 0, tarerrors.Configf(tarerrors.CodeInvalidParameter, "expression %s is missing an operand", e)
	}
	lt, err := e.Left.Check(schema)
	if err != nil {
		return 0, err
	}
	var rt types.DataType
	if e.Right != nil {
		if rt, err = e.Right.Check(schema); err != nil {
			return 0, err
		}
	}

	switch e.Kind {
	case ExprArith:
		if !lt.Numeric() || !rt.Numeric() {
			return 0, tarerrors.Configf(tarerrors.CodeTypeMismatch, "%s needs numeric operands, got %s and %s", e, lt, rt)
		}
		if e.Arith != column.OpDiv && lt == types.TypeInt64 && rt == types.TypeInt64 {
			return types.TypeInt64, nil
		}
		return types.TypeFloat64, nil
	case ExprCompare:
		if lt.Numeric() != rt.Numeric() {
			return 0, tarerrors.Configf(tarerrors.CodeTypeMismatch, "%s compares %s with %s", e, lt, rt)
		}
		if lt == types.TypeBool && e.Cmp != column.OpEq && e.Cmp != column.OpNe {
			return 0, tarerrors.Configf(tarerrors.CodeTypeMismatch, "%s orders bool operands", e)
		}
		return types.TypeBool, nil
	case ExprLogic:
		if lt != types.TypeBool || (e.Right != nil && rt != types.TypeBool) {
			return 0, tarerrors.Configf(tarerrors.CodeTypeMismatch, "%s needs bool operands", e)
		}
		if e.Left.Kind == ExprLiteral || (e.Right != nil && e.Right.Kind == ExprLiteral) {
			return 0, tarerrors.Configf(tarerrors.CodeInvalidParameter, "%s: logical operators take no literals", e)
		}
		return types.TypeBool, nil
	default:
		return 0, tarerrors.Configf(tarerrors.CodeInvalidParameter, "unknown expression kind %d", e.Kind)
	}
}

// eval computes the expression over one chunk. Literals stay scalar until
// combined with a column.
func (e *Expr) eval(b *base, chunk *subtar.Subtar) (column.Operand, error) {
	store := b.opts.Store
	switch e.Kind {
	case ExprAttribute:
		c, ok := chunk.Attribute(e.Name)
		if !ok {
			return column.Operand{}, fmt.Errorf("chunk has no attribute %s", e.Name)
		}
		return column.Col(c), nil
	case ExprDimension:
		reals, err := chunk.Materialize(e.Name)
		if err != nil {
			return column.Operand{}, err
		}
		sp, _ := chunk.Spec(e.Name)
		logical, err := store.Real2Logical(sp.Dimension(), reals)
		if err != nil {
			return column.Operand{}, b.storageErr("real2logical", err)
		}
		return column.Col(logical), nil
	case ExprLiteral:
		if e.ValueType == types.TypeInt64 {
			return column.IntLit(int64(e.Value)), nil
		}
		return column.Lit(e.Value), nil
	}

	l, err := e.Left.eval(b, chunk)
	if err != nil {
		return column.Operand{}, err
	}
	var r column.Operand
	if e.Right != nil {
		if r, err = e.Right.eval(b, chunk); err != nil {
			return column.Operand{}, err
		}
	}
	if l.IsScalar() && (e.Right == nil || r.IsScalar()) {
		// Broadcast constant subexpressions to the chunk's rows.
		n := chunk.FilledLength()
		c, err := store.Create(l.Type(), n)
		if err != nil {
			return column.Operand{}, b.storageErr("create", err)
		}
		if l, err = broadcast(b, l, c); err != nil {
			return column.Operand{}, err
		}
	}

	var out *column.Column
	switch e.Kind {
	case ExprArith:
		out, err = store.Apply(e.Arith, l, r)
		if err != nil {
			return column.Operand{}, b.storageErr("apply", err)
		}
	case ExprCompare:
		out, err = store.Compare(e.Cmp, l, r)
		if err != nil {
			return column.Operand{}, b.storageErr("compare", err)
		}
	case ExprLogic:
		var rc *column.Column
		if e.Right != nil {
			rc = r.Col
		}
		out, err = store.Logical(e.Logic, l.Col, rc)
		if err != nil {
			return column.Operand{}, b.storageErr("logical", err)
		}
	}
	return column.Col(out), nil
}

// broadcast fills zeros with a scalar by adding it to a zero column.
func broadcast(b *base, scalar column.Operand, zeros *column.Column) (column.Operand, error) {
	c, err := b.opts.Store.Apply(column.OpAdd, column.Col(zeros), scalar)
	if err != nil {
		return column.Operand{}, b.storageErr("apply", err)
	}
	return column.Col(c), nil
}
