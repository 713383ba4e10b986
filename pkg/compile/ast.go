package compile

import "fmt"

// Node types.
const (
	NodeInt    = "int"
	NodeStr    = "str"
	NodeBool   = "bool"
	NodeName   = "name"
	NodeUnary  = "unary"
	NodeBinary = "binary"
	NodeAssign = "assign"
	NodePrint  = "print"
	NodeIf     = "if"
	NodeWhile  = "while"
)

// Node is a statement or expression in the program tree. Only the fields
// relevant to Type are set.
type Node struct {
	Type  string  `json:"type"`
	Line  int     `json:"line,omitempty"`
	Num   int64   `json:"num,omitempty"`
	Text  string  `json:"text,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
	Name  string  `json:"name,omitempty"`
	Op    string  `json:"op,omitempty"`
	X     *Node   `json:"x,omitempty"`
	Left  *Node   `json:"left,omitempty"`
	Right *Node   `json:"right,omitempty"`
	Cond  *Node   `json:"cond,omitempty"`
	Then  []*Node `json:"then,omitempty"`
	Else  []*Node `json:"else,omitempty"`
	Body  []*Node `json:"body,omitempty"`
}

// Program kinds.
const (
	KindOK    = "ok"
	KindError = "error"
)

// Program is the submittable representation of a script. A program of
// KindError carries the compile failure in Message and has no Body.
type Program struct {
	Kind    string  `json:"kind"`
	Message string  `json:"message,omitempty"`
	Body    []*Node `json:"body,omitempty"`
}

// OK reports whether the program compiled.
func (p Program) OK() bool { return p.Kind == KindOK }

// Error is a compile error at a source position.
type Error struct {
	Line int
	Col  int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Col+1, e.Msg)
}
