// Package errors defines Flow's closed error-kind set and position-aware
// formatting, shared by every pipeline stage (lexer, parser, compiler, VM).
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the closed set of error categories a Flow program can raise.
type Kind string

const (
	LexError     Kind = "LexError"
	ParseError   Kind = "ParseError"
	NameError    Kind = "NameError"
	TypeError    Kind = "TypeError"
	ArityError   Kind = "ArityError"
	IndexError   Kind = "IndexError"
	IOError      Kind = "IOError"
	RuntimeError Kind = "RuntimeError"
)

// FlowError is the single error type surfaced at every stage boundary.
type FlowError struct {
	Kind      Kind
	Message   string
	File      string
	Line      int
	Column    int
	Source    string
	CallStack []StackFrame
	cause     error
}

// StackFrame names one unwound VM frame.
type StackFrame struct {
	Function string
	Line     int
}

func New(kind Kind, file string, line, column int, format string, args ...interface{}) *FlowError {
	return &FlowError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		File:    file,
		Line:    line,
		Column:  column,
	}
}

// Wrap attaches an underlying cause (e.g. a library-bridge failure or a JIT
// fallback error) while keeping it reachable through Unwrap.
func Wrap(kind Kind, file string, line, column int, cause error, format string, args ...interface{}) *FlowError {
	fe := New(kind, file, line, column, format, args...)
	fe.cause = errors.Wrap(cause, fe.Message)
	return fe
}

func (e *FlowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
	if e.File != "" {
		sb.WriteString(fmt.Sprintf("\n  at %s:%d:%d", e.File, e.Line, e.Column))
		if e.Source != "" {
			sb.WriteString(fmt.Sprintf("\n  %d | %s", e.Line, e.Source))
			if e.Column > 0 {
				pad := strings.Repeat(" ", len(fmt.Sprintf("%d | ", e.Line))+e.Column-1)
				sb.WriteString("\n  " + pad + "^")
			}
		}
	}
	for _, f := range e.CallStack {
		if f.Function != "" {
			sb.WriteString(fmt.Sprintf("\n  in %s (line %d)", f.Function, f.Line))
		}
	}
	return sb.String()
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *FlowError) Unwrap() error {
	return e.cause
}

func (e *FlowError) WithSource(source string) *FlowError {
	e.Source = source
	return e
}

// PushFrame records a frame as the error unwinds through a call.
func (e *FlowError) PushFrame(function string, line int) *FlowError {
	e.CallStack = append(e.CallStack, StackFrame{Function: function, Line: line})
	return e
}
