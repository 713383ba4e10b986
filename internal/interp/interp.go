// Package interp evaluates compiled programs for the /interp endpoint.
package interp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danpaxton/simple-script-ide/pkg/compile"
)

var (
	ErrStepLimit   = errors.New("step limit exceeded")
	ErrOutputLimit = errors.New("output limit exceeded")
	ErrValueLimit  = errors.New("value size limit exceeded")
)

// RuntimeError is an evaluation failure at a source line.
type RuntimeError struct {
	Line int
	Msg  string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Options bound an evaluation.
type Options struct {
	StepLimit int // 0 means unlimited
	MaxOutput int // bytes, 0 means unlimited
	MaxValue  int // bytes per string value, 0 means unlimited
}

// Run evaluates prog and returns everything it printed. On failure the
// output printed so far is returned along with the error.
func Run(ctx context.Context, prog compile.Program, opts Options) (string, error) {
	if !prog.OK() {
		return "", errors.New(prog.Message)
	}
	m := &machine{ctx: ctx, opts: opts, vars: make(map[string]value)}
	err := m.block(prog.Body)
	return m.out.String(), err
}

type value interface{}

type machine struct {
	ctx   context.Context
	opts  Options
	vars  map[string]value
	out   strings.Builder
	steps int
}

func (m *machine) step(line int) error {
	m.steps++
	if m.opts.StepLimit > 0 && m.steps > m.opts.StepLimit {
		return fmt.Errorf("line %d: %w", line, ErrStepLimit)
	}
	if m.steps&1023 == 0 {
		if err := m.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) block(stmts []*compile.Node) error {
	for _, s := range stmts {
		if err := m.exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) exec(n *compile.Node) error {
	if err := m.step(n.Line); err != nil {
		return err
	}
	switch n.Type {
	case compile.NodeAssign:
		v, err := m.eval(n.X)
		if err != nil {
			return err
		}
		m.vars[n.Name] = v
	case compile.NodePrint:
		v, err := m.eval(n.X)
		if err != nil {
			return err
		}
		m.out.WriteString(format(v))
		m.out.WriteByte('\n')
		if m.opts.MaxOutput > 0 && m.out.Len() > m.opts.MaxOutput {
			return fmt.Errorf("line %d: %w", n.Line, ErrOutputLimit)
		}
	case compile.NodeIf:
		ok, err := m.cond(n.Cond)
		if err != nil {
			return err
		}
		if ok {
			return m.block(n.Then)
		}
		return m.block(n.Else)
	case compile.NodeWhile:
		for {
			ok, err := m.cond(n.Cond)
			if err != nil || !ok {
				return err
			}
			if err := m.block(n.Body); err != nil {
				return err
			}
			if err := m.step(n.Line); err != nil {
				return err
			}
		}
	default:
		return &RuntimeError{n.Line, fmt.Sprintf("unknown statement %q", n.Type)}
	}
	return nil
}

func (m *machine) cond(n *compile.Node) (bool, error) {
	v, err := m.eval(n)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &RuntimeError{n.Line, fmt.Sprintf("condition must be a boolean, got %s", typeName(v))}
	}
	return b, nil
}

func (m *machine) eval(n *compile.Node) (value, error) {
	if n == nil {
		return nil, &RuntimeError{0, "missing expression"}
	}
	switch n.Type {
	case compile.NodeInt:
		return n.Num, nil
	case compile.NodeStr:
		return n.Text, nil
	case compile.NodeBool:
		return n.Bool, nil
	case compile.NodeName:
		v, ok := m.vars[n.Name]
		if !ok {
			return nil, &RuntimeError{n.Line, fmt.Sprintf("undefined name %q", n.Name)}
		}
		return v, nil
	case compile.NodeUnary:
		return m.unary(n)
	case compile.NodeBinary:
		if n.Op == "and" || n.Op == "or" {
			return m.logical(n)
		}
		l, err := m.eval(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := m.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return m.binary(n, l, r)
	}
	return nil, &RuntimeError{n.Line, fmt.Sprintf("unknown expression %q", n.Type)}
}

func (m *machine) unary(n *compile.Node) (value, error) {
	v, err := m.eval(n.X)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "-":
		if i, ok := v.(int64); ok {
			return -i, nil
		}
	case "not":
		if b, ok := v.(bool); ok {
			return !b, nil
		}
	}
	return nil, &RuntimeError{n.Line, fmt.Sprintf("bad operand type %s for %s", typeName(v), n.Op)}
}

func (m *machine) logical(n *compile.Node) (value, error) {
	l, err := m.cond(n.Left)
	if err != nil {
		return nil, err
	}
	if (n.Op == "and" && !l) || (n.Op == "or" && l) {
		return l, nil
	}
	return m.cond(n.Right)
}

func (m *machine) binary(n *compile.Node, l, r value) (value, error) {
	switch n.Op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	}

	switch a := l.(type) {
	case int64:
		b, ok := r.(int64)
		if !ok {
			break
		}
		switch n.Op {
		case "+":
			return a + b, nil
		case "-":
			return a - b, nil
		case "*":
			return a * b, nil
		case "/", "%":
			if b == 0 {
				return nil, &RuntimeError{n.Line, "division by zero"}
			}
			if n.Op == "/" {
				return a / b, nil
			}
			return a % b, nil
		case "<":
			return a < b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		}
	case string:
		b, ok := r.(string)
		if !ok {
			break
		}
		switch n.Op {
		case "+":
			if m.opts.MaxValue > 0 && len(a)+len(b) > m.opts.MaxValue {
				return nil, fmt.Errorf("line %d: %w", n.Line, ErrValueLimit)
			}
			return a + b, nil
		case "<":
			return a < b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		}
	}
	return nil, &RuntimeError{n.Line, fmt.Sprintf("unsupported operand types for %s: %s and %s", n.Op, typeName(l), typeName(r))}
}

func format(v value) string {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func typeName(v value) string {
	switch v.(type) {
	case int64:
		return "int"
	case string:
		return "string"
	case bool:
		return "bool"
	}
	return "nil"
}
