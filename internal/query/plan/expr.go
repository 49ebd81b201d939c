package plan

import (
	"fmt"
	"strings"

	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/query/operator"
	"github.com/tardb/tardb/internal/query/parser"
	"github.com/tardb/tardb/pkg/types"
)

// BuildExpr parses src and resolves its identifiers against schema:
// dimension names become dimension references, everything else an
// attribute reference. The result is type-checked.
func BuildExpr(src string, schema *types.TAR) (*operator.Expr, error) {
	ast, err := parser.Parse(src)
	if err != nil {
		return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "expression %q: %v", src, err)
	}
	e, err := convert(ast, schema)
	if err != nil {
		return nil, err
	}
	if _, err := e.Check(schema); err != nil {
		return nil, err
	}
	return e, nil
}

func convert(node parser.Expression, schema *types.TAR) (*operator.Expr, error) {
	switch n := node.(type) {
	case *parser.Ident:
		if schema.GetDimension(n.Name) != nil {
			return operator.Dim(n.Name), nil
		}
		return operator.Attr(n.Name), nil
	case *parser.Number:
		if n.IsInt {
			return operator.IntLiteral(n.Int), nil
		}
		return operator.Literal(n.Float), nil
	case *parser.UnaryExpr:
		operand, err := convert(n.Operand, schema)
		if err != nil {
			return nil, err
		}
		if n.Operator == "NOT" {
			return operator.Not(operand), nil
		}
		return operator.Arith(column.OpSub, operator.IntLiteral(0), operand), nil
	case *parser.BinaryExpr:
		l, err := convert(n.Left, schema)
		if err != nil {
			return nil, err
		}
		r, err := convert(n.Right, schema)
		if err != nil {
			return nil, err
		}
		if op, ok := column.ParseArithOp(n.Operator); ok {
			return operator.Arith(op, l, r), nil
		}
		if op, ok := column.ParseCmpOp(n.Operator); ok {
			return operator.Compare(op, l, r), nil
		}
		if op, ok := column.ParseLogicOp(strings.ToLower(n.Operator)); ok {
			return operator.Logic(op, l, r), nil
		}
		return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "unknown operator %q", n.Operator)
	default:
		return nil, tarerrors.NewInternalError(fmt.Sprintf("unexpected expression node %T", node), nil)
	}
}
