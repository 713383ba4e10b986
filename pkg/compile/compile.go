// Package compile turns script source text into the program representation
// submitted to the interpreter service.
package compile

// Compile scans and parses src. It never fails: a lexical or syntax error
// yields a Program of KindError whose Message describes the problem, since
// the interpreter service decides whether a run succeeded.
func Compile(src string) Program {
	tokens, err := NewLexer(src).Scan()
	if err != nil {
		return Program{Kind: KindError, Message: err.Error()}
	}
	body, err := NewParser(tokens).ParseProgram()
	if err != nil {
		return Program{Kind: KindError, Message: err.Error()}
	}
	return Program{Kind: KindOK, Body: body}
}
