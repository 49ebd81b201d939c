package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s (got %s)", e.Position, e.Message, e.Token.Literal)
}

// Parser parses expressions into an AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer: NewLexer(input),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses a complete expression.
func Parse(input string) (Expression, error) {
	p := NewParser(input)
	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf("unexpected token after expression")
	}
	return expr, nil
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) errorf(format string, args ...interface{}) *ParseError {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// Operator precedence levels.
const (
	precLowest  = 0
	precOr      = 1
	precAnd     = 2
	precNot     = 3
	precCompare = 4
	precAdd     = 5
	precMul     = 6
	precUnary   = 7
)

// getPrecedence returns the precedence of the current token.
func (p *Parser) getPrecedence() int {
	switch p.curToken.Type {
	case TokenOr, TokenXor:
		return precOr
	case TokenAnd:
		return precAnd
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe:
		return precCompare
	case TokenPlus, TokenMinus:
		return precAdd
	case TokenStar, TokenSlash, TokenPercent:
		return precMul
	default:
		return precLowest
	}
}

// parseExpression parses an expression with operator precedence.
func (p *Parser) parseExpression(precedence int) (Expression, error) {
	left, err := p.parsePrefixExpression()
	if err != nil {
		return nil, err
	}

	for !p.curTokenIs(TokenEOF) && precedence < p.getPrecedence() {
		left, err = p.parseBinaryExpression(left)
		if err != nil {
			return nil, err
		}
	}

	return left, nil
}

// parsePrefixExpression parses a prefix expression.
func (p *Parser) parsePrefixExpression() (Expression, error) {
	switch p.curToken.Type {
	case TokenIdent:
		id := &Ident{Name: p.curToken.Literal}
		p.nextToken()
		return id, nil
	case TokenNumber:
		return p.parseNumber(false)
	case TokenLParen:
		return p.parseGroupedExpression()
	case TokenNot:
		p.nextToken()
		expr, err := p.parseExpression(precNot)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operator: "NOT", Operand: expr}, nil
	case TokenMinus:
		p.nextToken()
		if p.curTokenIs(TokenNumber) {
			return p.parseNumber(true)
		}
		expr, err := p.parseExpression(precUnary)
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Operator: "-", Operand: expr}, nil
	case TokenError:
		return nil, p.errorf("invalid character")
	default:
		return nil, p.errorf("unexpected token in expression")
	}
}

// parseNumber parses a numeric literal.
func (p *Parser) parseNumber(negative bool) (Expression, error) {
	literal := p.curToken.Literal
	if negative {
		literal = "-" + literal
	}

	if !strings.ContainsAny(literal, ".eE") {
		if val, err := strconv.ParseInt(literal, 10, 64); err == nil {
			p.nextToken()
			return &Number{Int: val, Float: float64(val), IsInt: true}, nil
		}
	}

	val, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return nil, p.errorf("invalid number")
	}
	p.nextToken()
	return &Number{Float: val}, nil
}

// parseGroupedExpression parses a parenthesized expression.
func (p *Parser) parseGroupedExpression() (Expression, error) {
	p.nextToken() // Skip (

	expr, err := p.parseExpression(precLowest)
	if err != nil {
		return nil, err
	}

	if !p.curTokenIs(TokenRParen) {
		return nil, p.errorf("expected )")
	}
	p.nextToken()

	return expr, nil
}

// parseBinaryExpression parses a binary expression. Operators are left
// associative.
func (p *Parser) parseBinaryExpression(left Expression) (Expression, error) {
	op := p.curToken.Literal
	precedence := p.getPrecedence()
	p.nextToken()

	right, err := p.parseExpression(precedence)
	if err != nil {
		return nil, err
	}

	return &BinaryExpr{Left: left, Operator: op, Right: right}, nil
}
