package compile

import "fmt"

// Parser builds a program tree from tokens using recursive descent.
type Parser struct {
	tokens []Token
	pos    int
}

// NewParser creates a parser over a token stream terminated by EOF.
func NewParser(tokens []Token) *Parser {
	return &Parser{tokens: tokens}
}

func (p *Parser) peek() Token { return p.tokens[p.pos] }

func (p *Parser) check(tt TokenType) bool { return p.peek().Type == tt }

func (p *Parser) advance() Token {
	tok := p.tokens[p.pos]
	if tok.Type != EOF {
		p.pos++
	}
	return tok
}

func (p *Parser) match(types ...TokenType) (Token, bool) {
	for _, tt := range types {
		if p.check(tt) {
			return p.advance(), true
		}
	}
	return Token{}, false
}

func (p *Parser) expect(tt TokenType, what string) (Token, error) {
	if p.check(tt) {
		return p.advance(), nil
	}
	return Token{}, p.errorf("expected %s", what)
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	tok := p.peek()
	msg := fmt.Sprintf(format, args...)
	if tok.Type == EOF {
		msg += " at end of input"
	} else {
		msg += fmt.Sprintf(", found %q", tok.Lexeme)
	}
	return &Error{Line: tok.Line, Col: tok.Col, Msg: msg}
}

func (p *Parser) skipNewlines() {
	for p.check(NEWLINE) {
		p.advance()
	}
}

// ParseProgram parses statements until EOF.
func (p *Parser) ParseProgram() ([]*Node, error) {
	return p.block(EOF)
}

// block parses statements until one of the terminators is the next token.
func (p *Parser) block(terminators ...TokenType) ([]*Node, error) {
	var stmts []*Node
	for {
		p.skipNewlines()
		for _, tt := range terminators {
			if p.check(tt) {
				return stmts, nil
			}
		}
		if p.check(EOF) {
			return nil, p.errorf("expected 'end'")
		}
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if !p.check(NEWLINE) && !p.check(EOF) && !p.atTerminator(terminators) {
			return nil, p.errorf("expected end of statement")
		}
	}
}

func (p *Parser) atTerminator(terminators []TokenType) bool {
	for _, tt := range terminators {
		if p.check(tt) {
			return true
		}
	}
	return false
}

func (p *Parser) statement() (*Node, error) {
	tok := p.peek()
	switch tok.Type {
	case PRINT:
		p.advance()
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodePrint, Line: tok.Line, X: x}, nil
	case IF:
		return p.ifStatement()
	case WHILE:
		return p.whileStatement()
	case ID:
		if p.tokens[p.pos+1].Type == ASSIGN {
			p.advance()
			p.advance()
			x, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &Node{Type: NodeAssign, Line: tok.Line, Name: tok.Lexeme, X: x}, nil
		}
	}
	return nil, p.errorf("expected statement")
}

func (p *Parser) ifStatement() (*Node, error) {
	tok := p.advance()
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(THEN, "'then'"); err != nil {
		return nil, err
	}
	then, err := p.block(ELSE, END)
	if err != nil {
		return nil, err
	}
	node := &Node{Type: NodeIf, Line: tok.Line, Cond: cond, Then: then}
	if _, ok := p.match(ELSE); ok {
		node.Else, err = p.block(END)
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(END, "'end'"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *Parser) whileStatement() (*Node, error) {
	tok := p.advance()
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(DO, "'do'"); err != nil {
		return nil, err
	}
	body, err := p.block(END)
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(END, "'end'"); err != nil {
		return nil, err
	}
	return &Node{Type: NodeWhile, Line: tok.Line, Cond: cond, Body: body}, nil
}

func (p *Parser) expression() (*Node, error) { return p.or() }

func (p *Parser) binary(next func() (*Node, error), ops ...TokenType) (*Node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.match(ops...)
		if !ok {
			return left, nil
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &Node{Type: NodeBinary, Line: op.Line, Op: op.Lexeme, Left: left, Right: right}
	}
}

func (p *Parser) or() (*Node, error) { return p.binary(p.and, OR) }

func (p *Parser) and() (*Node, error) { return p.binary(p.not, AND) }

func (p *Parser) not() (*Node, error) {
	if op, ok := p.match(NOT); ok {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeUnary, Line: op.Line, Op: "not", X: x}, nil
	}
	return p.comparison()
}

func (p *Parser) comparison() (*Node, error) {
	return p.binary(p.additive, EQ, NEQ, LESS, LESS_EQ, GREATER, GREATER_EQ)
}

func (p *Parser) additive() (*Node, error) { return p.binary(p.term, PLUS, MINUS) }

func (p *Parser) term() (*Node, error) { return p.binary(p.unary, MULT, DIV, MOD) }

func (p *Parser) unary() (*Node, error) {
	if op, ok := p.match(MINUS); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Node{Type: NodeUnary, Line: op.Line, Op: "-", X: x}, nil
	}
	return p.primary()
}

func (p *Parser) primary() (*Node, error) {
	tok := p.peek()
	switch tok.Type {
	case INTEGER:
		p.advance()
		return &Node{Type: NodeInt, Line: tok.Line, Num: tok.Int}, nil
	case STRING:
		p.advance()
		return &Node{Type: NodeStr, Line: tok.Line, Text: tok.Text}, nil
	case TRUE, FALSE:
		p.advance()
		return &Node{Type: NodeBool, Line: tok.Line, Bool: tok.Type == TRUE}, nil
	case ID:
		p.advance()
		return &Node{Type: NodeName, Line: tok.Line, Name: tok.Lexeme}, nil
	case LPAREN:
		p.advance()
		x, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RPAREN, "')'"); err != nil {
			return nil, err
		}
		return x, nil
	}
	return nil, p.errorf("expected expression")
}
