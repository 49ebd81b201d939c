package column

import (
	"fmt"

	"github.com/tardb/tardb/pkg/types"
)

// ArithOp is an elementwise arithmetic operator.
type ArithOp int

const (
	OpAdd ArithOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
)

// CmpOp is an elementwise comparison operator.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// LogicOp is an elementwise boolean operator.
type LogicOp int

const (
	OpAnd LogicOp = iota
	OpOr
	OpXor
	OpNot
)

var arithSymbols = map[string]ArithOp{"+": OpAdd, "-": OpSub, "*": OpMul, "/": OpDiv, "%": OpMod}
var cmpSymbols = map[string]CmpOp{"=": OpEq, "==": OpEq, "!=": OpNe, "<>": OpNe, "<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe}
var logicSymbols = map[string]LogicOp{"and": OpAnd, "&&": OpAnd, "or": OpOr, "||": OpOr, "xor": OpXor, "not": OpNot, "!": OpNot}

// ParseArithOp maps an operator symbol to an ArithOp.
func ParseArithOp(s string) (ArithOp, bool) {
	op, ok := arithSymbols[s]
	return op, ok
}

// ParseCmpOp maps an operator symbol to a CmpOp.
func ParseCmpOp(s string) (CmpOp, bool) {
	op, ok := cmpSymbols[s]
	return op, ok
}

// ParseLogicOp maps an operator symbol or keyword to a LogicOp.
func ParseLogicOp(s string) (LogicOp, bool) {
	op, ok := logicSymbols[s]
	return op, ok
}

func (op ArithOp) String() string {
	return [...]string{"+", "-", "*", "/", "%"}[op]
}

func (op CmpOp) String() string {
	return [...]string{"==", "!=", "<", "<=", ">", ">="}[op]
}

func (op LogicOp) String() string {
	return [...]string{"and", "or", "xor", "not"}[op]
}

// Operand is either a column or a scalar literal.
type Operand struct {
	Col    *Column
	Scalar float64
	// ScalarType is the type of a scalar literal; int64 literals keep
	// integer arithmetic integral.
	ScalarType types.DataType
}

// Col wraps a column as an operand.
func Col(c *Column) Operand { return Operand{Col: c} }

// Lit wraps a float literal as an operand.
func Lit(v float64) Operand { return Operand{Scalar: v, ScalarType: types.TypeFloat64} }

// IntLit wraps an integer literal as an operand.
func IntLit(v int64) Operand { return Operand{Scalar: float64(v), ScalarType: types.TypeInt64} }

// IsScalar reports whether the operand is a literal.
func (o Operand) IsScalar() bool { return o.Col == nil }

// Type returns the operand's value type.
func (o Operand) Type() types.DataType {
	if o.Col != nil {
		return o.Col.Type()
	}
	return o.ScalarType
}

func (o Operand) float(i int) float64 {
	if o.Col == nil {
		return o.Scalar
	}
	return o.Col.Float(i)
}

func (o Operand) int(i int) int64 {
	if o.Col == nil {
		return int64(o.Scalar)
	}
	return o.Col.Int(i)
}

// operandLen returns the row count shared by the operands. Two scalars
// have length 1.
func operandLen(a, b Operand) (int, error) {
	switch {
	case a.Col != nil && b.Col != nil:
		if a.Col.Len() != b.Col.Len() {
			return 0, fmt.Errorf("operand length mismatch: %d vs %d", a.Col.Len(), b.Col.Len())
		}
		return a.Col.Len(), nil
	case a.Col != nil:
		return a.Col.Len(), nil
	case b.Col != nil:
		return b.Col.Len(), nil
	default:
		return 1, nil
	}
}
