package compile

import (
	"fmt"
	"strconv"
	"strings"
)

// TokenType represents the kind of token.
type TokenType int

const (
	EOF TokenType = iota
	NEWLINE

	LPAREN
	RPAREN

	PLUS
	MINUS
	MULT
	DIV
	MOD
	ASSIGN
	EQ
	NEQ
	LESS
	LESS_EQ
	GREATER
	GREATER_EQ

	ID
	STRING
	INTEGER

	TRUE
	FALSE
	AND
	OR
	NOT
	PRINT
	IF
	THEN
	ELSE
	WHILE
	DO
	END
)

var keywords = map[string]TokenType{
	"true":  TRUE,
	"false": FALSE,
	"and":   AND,
	"or":    OR,
	"not":   NOT,
	"print": PRINT,
	"if":    IF,
	"then":  THEN,
	"else":  ELSE,
	"while": WHILE,
	"do":    DO,
	"end":   END,
}

// Token is a lexical unit with its source position.
type Token struct {
	Type   TokenType
	Lexeme string
	Int    int64
	Text   string
	Line   int
	Col    int
}

// Lexer scans source text into tokens.
type Lexer struct {
	src    string
	start  int
	cur    int
	line   int
	col    int
	tokens []Token

	tokLine int
	tokCol  int
}

// NewLexer creates a new lexer for the given source.
func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1}
}

func (l *Lexer) isAtEnd() bool { return l.cur >= len(l.src) }

func (l *Lexer) peek() byte {
	if l.isAtEnd() {
		return 0
	}
	return l.src[l.cur]
}

func (l *Lexer) advance() byte {
	ch := l.src[l.cur]
	l.cur++
	if ch == '\n' {
		l.line++
		l.col = 0
	} else {
		l.col++
	}
	return ch
}

func (l *Lexer) match(want byte) bool {
	if l.peek() != want {
		return false
	}
	l.advance()
	return true
}

func (l *Lexer) add(tt TokenType) *Token {
	l.tokens = append(l.tokens, Token{
		Type:   tt,
		Lexeme: l.src[l.start:l.cur],
		Line:   l.tokLine,
		Col:    l.tokCol,
	})
	return &l.tokens[len(l.tokens)-1]
}

func (l *Lexer) errorf(format string, args ...interface{}) error {
	return &Error{Line: l.tokLine, Col: l.tokCol, Msg: fmt.Sprintf(format, args...)}
}

// Scan returns every token in the source followed by EOF.
func (l *Lexer) Scan() ([]Token, error) {
	for !l.isAtEnd() {
		l.start = l.cur
		l.tokLine, l.tokCol = l.line, l.col
		if err := l.scanToken(); err != nil {
			return nil, err
		}
	}
	l.start = l.cur
	l.tokLine, l.tokCol = l.line, l.col
	l.add(EOF)
	return l.tokens, nil
}

func (l *Lexer) scanToken() error {
	ch := l.advance()
	switch ch {
	case ' ', '\t', '\r':
	case '\n', ';':
		l.add(NEWLINE)
	case '#':
		for !l.isAtEnd() && l.peek() != '\n' {
			l.advance()
		}
	case '(':
		l.add(LPAREN)
	case ')':
		l.add(RPAREN)
	case '+':
		l.add(PLUS)
	case '-':
		l.add(MINUS)
	case '*':
		l.add(MULT)
	case '/':
		l.add(DIV)
	case '%':
		l.add(MOD)
	case '=':
		if l.match('=') {
			l.add(EQ)
		} else {
			l.add(ASSIGN)
		}
	case '!':
		if !l.match('=') {
			return l.errorf("unexpected character '!'")
		}
		l.add(NEQ)
	case '<':
		if l.match('=') {
			l.add(LESS_EQ)
		} else {
			l.add(LESS)
		}
	case '>':
		if l.match('=') {
			l.add(GREATER_EQ)
		} else {
			l.add(GREATER)
		}
	case '"':
		return l.scanString()
	default:
		switch {
		case isDigit(ch):
			return l.scanInteger()
		case isIdentStart(ch):
			l.scanIdent()
		default:
			return l.errorf("unexpected character %q", ch)
		}
	}
	return nil
}

func (l *Lexer) scanString() error {
	var b strings.Builder
	for {
		if l.isAtEnd() || l.peek() == '\n' {
			return l.errorf("unterminated string")
		}
		ch := l.advance()
		if ch == '"' {
			break
		}
		if ch == '\\' {
			if l.isAtEnd() {
				return l.errorf("unterminated string")
			}
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				return l.errorf("invalid escape sequence \\%c", esc)
			}
			continue
		}
		b.WriteByte(ch)
	}
	l.add(STRING).Text = b.String()
	return nil
}

func (l *Lexer) scanInteger() error {
	for isDigit(l.peek()) {
		l.advance()
	}
	n, err := strconv.ParseInt(l.src[l.start:l.cur], 10, 64)
	if err != nil {
		return l.errorf("integer literal out of range")
	}
	l.add(INTEGER).Int = n
	return nil
}

func (l *Lexer) scanIdent() {
	for isIdentStart(l.peek()) || isDigit(l.peek()) {
		l.advance()
	}
	if tt, ok := keywords[l.src[l.start:l.cur]]; ok {
		l.add(tt)
		return
	}
	l.add(ID)
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
