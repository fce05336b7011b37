package parser

import "fmt"

// ParseError reports remote output that does not have the expected shape.
// Callers record it as a warning and keep the rest of the output.
type ParseError struct {
	Line   int // 1-based, 0 when not line oriented
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error on line %d (%q): %s", e.Line, e.Text, e.Reason)
	}
	return fmt.Sprintf("parse error (%q): %s", e.Text, e.Reason)
}

// Is matches any *ParseError, so errors.Is(err, ErrParse) works
func (e *ParseError) Is(target error) bool {
	_, ok := target.(*ParseError)
	return ok
}

// ErrParse is the sentinel for errors.Is checks
var ErrParse = &ParseError{}
