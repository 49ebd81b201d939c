package parser

import (
	"fmt"
	"strconv"
)

// Expression represents an expression in the AST.
type Expression interface {
	expressionNode()
	String() string
}

// Ident names a dimension or attribute.
type Ident struct {
	Name string
}

func (i *Ident) expressionNode() {}

// String returns the identifier name.
func (i *Ident) String() string { return i.Name }

// Number is a numeric literal. IsInt is set for literals without a
// fractional part or exponent that fit in an int64.
type Number struct {
	Float float64
	Int   int64
	IsInt bool
}

func (n *Number) expressionNode() {}

// String returns the literal as written.
func (n *Number) String() string {
	if n.IsInt {
		return strconv.FormatInt(n.Int, 10)
	}
	return strconv.FormatFloat(n.Float, 'g', -1, 64)
}

// UnaryExpr is NOT or unary minus.
type UnaryExpr struct {
	Operator string
	Operand  Expression
}

func (u *UnaryExpr) expressionNode() {}

// String returns the parenthesized form.
func (u *UnaryExpr) String() string {
	if u.Operator == "NOT" {
		return fmt.Sprintf("(NOT %s)", u.Operand)
	}
	return fmt.Sprintf("(%s%s)", u.Operator, u.Operand)
}

// BinaryExpr is an arithmetic, comparison or logical operation.
type BinaryExpr struct {
	Left     Expression
	Operator string
	Right    Expression
}

func (b *BinaryExpr) expressionNode() {}

// String returns the parenthesized form.
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Operator, b.Right)
}

// Identifiers returns the distinct identifiers of e in first-seen order.
func Identifiers(e Expression) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(Expression)
	walk = func(e Expression) {
		switch n := e.(type) {
		case *Ident:
			if !seen[n.Name] {
				seen[n.Name] = true
				out = append(out, n.Name)
			}
		case *UnaryExpr:
			walk(n.Operand)
		case *BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		}
	}
	walk(e)
	return out
}
