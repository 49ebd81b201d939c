// Package parser parses the expression language used by query plans, e.g.
// "a > 5 and x <= 2" or "(a + b) * 0.5".
package parser

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber

	// Keywords
	TokenAnd
	TokenOr
	TokenXor
	TokenNot

	// Operators
	TokenEq      // = or ==
	TokenNe      // <> or !=
	TokenLt      // <
	TokenGt      // >
	TokenLe      // <=
	TokenGe      // >=
	TokenPlus    // +
	TokenMinus   // -
	TokenStar    // *
	TokenSlash   // /
	TokenPercent // %
	TokenLParen  // (
	TokenRParen  // )
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type.String(), t.Literal, t.Pos)
}

var tokenNames = map[TokenType]string{
	TokenEOF:     "EOF",
	TokenError:   "ERROR",
	TokenIdent:   "IDENT",
	TokenNumber:  "NUMBER",
	TokenAnd:     "AND",
	TokenOr:      "OR",
	TokenXor:     "XOR",
	TokenNot:     "NOT",
	TokenEq:      "=",
	TokenNe:      "<>",
	TokenLt:      "<",
	TokenGt:      ">",
	TokenLe:      "<=",
	TokenGe:      ">=",
	TokenPlus:    "+",
	TokenMinus:   "-",
	TokenStar:    "*",
	TokenSlash:   "/",
	TokenPercent: "%",
	TokenLParen:  "(",
	TokenRParen:  ")",
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// keywords maps keywords to their token types.
var keywords = map[string]TokenType{
	"AND": TokenAnd,
	"OR":  TokenOr,
	"XOR": TokenXor,
	"NOT": TokenNot,
}

// Lexer tokenizes expression input.
type Lexer struct {
	input   string
	pos     int  // Current position in input
	readPos int  // Reading position (after current char)
	ch      byte // Current character
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

// readChar reads the next character and advances the position.
func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// skipWhitespace skips whitespace characters.
func (l *Lexer) skipWhitespace() {
	for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
		l.readChar()
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	var tok Token

	switch l.ch {
	case '=':
		if l.peekChar() == '=' {
			l.readChar()
		}
		tok = Token{Type: TokenEq, Literal: "=", Pos: startPos}
	case '<':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenLe, Literal: "<=", Pos: startPos}
		} else if l.peekChar() == '>' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "<>", Pos: startPos}
		} else {
			tok = Token{Type: TokenLt, Literal: "<", Pos: startPos}
		}
	case '>':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenGe, Literal: ">=", Pos: startPos}
		} else {
			tok = Token{Type: TokenGt, Literal: ">", Pos: startPos}
		}
	case '!':
		if l.peekChar() == '=' {
			l.readChar()
			tok = Token{Type: TokenNe, Literal: "!=", Pos: startPos}
		} else {
			tok = Token{Type: TokenNot, Literal: "NOT", Pos: startPos}
		}
	case '&':
		if l.peekChar() != '&' {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
			break
		}
		l.readChar()
		tok = Token{Type: TokenAnd, Literal: "AND", Pos: startPos}
	case '|':
		if l.peekChar() != '|' {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
			break
		}
		l.readChar()
		tok = Token{Type: TokenOr, Literal: "OR", Pos: startPos}
	case '+':
		tok = Token{Type: TokenPlus, Literal: "+", Pos: startPos}
	case '-':
		tok = Token{Type: TokenMinus, Literal: "-", Pos: startPos}
	case '*':
		tok = Token{Type: TokenStar, Literal: "*", Pos: startPos}
	case '/':
		tok = Token{Type: TokenSlash, Literal: "/", Pos: startPos}
	case '%':
		tok = Token{Type: TokenPercent, Literal: "%", Pos: startPos}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "(", Pos: startPos}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")", Pos: startPos}
	case 0:
		tok = Token{Type: TokenEOF, Literal: "", Pos: startPos}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if isDigit(l.ch) || (l.ch == '.' && isDigit(l.peekChar())) {
			return l.readNumber()
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch), Pos: startPos}
		}
	}

	l.readChar()
	return tok
}

// readIdentifier reads an identifier or keyword. Dots are allowed inside
// identifiers so that prefixed join outputs ("left.a") can be named.
func (l *Lexer) readIdentifier() Token {
	startPos := l.pos
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || (l.ch == '.' && isLetter(l.peekChar())) {
		l.readChar()
	}
	literal := l.input[start:l.pos]
	upper := strings.ToUpper(literal)

	// Check for keywords
	if tokType, ok := keywords[upper]; ok {
		return Token{Type: tokType, Literal: upper, Pos: startPos}
	}

	return Token{Type: TokenIdent, Literal: literal, Pos: startPos}
}

// readNumber reads a numeric literal with an optional exponent.
func (l *Lexer) readNumber() Token {
	startPos := l.pos
	start := l.pos
	hasDecimal := false

	for isDigit(l.ch) || (l.ch == '.' && !hasDecimal) {
		if l.ch == '.' {
			hasDecimal = true
		}
		l.readChar()
	}
	if l.ch == 'e' || l.ch == 'E' {
		next := l.peekChar()
		if isDigit(next) || next == '-' || next == '+' {
			l.readChar()
			if l.ch == '-' || l.ch == '+' {
				l.readChar()
			}
			for isDigit(l.ch) {
				l.readChar()
			}
		}
	}

	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: startPos}
}

// Tokenize returns all tokens from the input.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}

// isLetter returns true if the character is a letter.
func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

// isDigit returns true if the character is a digit.
func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
