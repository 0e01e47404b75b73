// Package vm executes a compiled *bytecode.Chunk (the bytecode path) or
// walks a parsed syntax tree directly (the tree-walking path); both paths
// share the value representation and built-in registry defined here.
package vm

import (
	"fmt"
	"strconv"
	"strings"

	"flow/internal/bytecode"
	"flow/internal/parser"
)

// Value is any one of: int64, float64, bool, string, *ListValue,
// TupleValue, *bytecode.Chunk (a bytecode-mode function code object),
// *parser.FuncDeclStmt/*lambdaValue (a tree-walking-mode function),
// *NativeFunction, *bytecode.ExternSpec/*externValue (an unresolved
// library call), or nil (null).
type Value interface{}

// ListValue is a mutable, reference-typed sequence — STORE_SUBSCR, append,
// and pop mutate the same backing slice every binding of the list
// observes; sort, reverse and shuffle return new lists.
type ListValue struct {
	Items []Value
}

// TupleValue is an immutable, value-typed sequence; tuple literals and
// match's tuple/constructor patterns both use it.
type TupleValue []Value

// Caller is the host a built-in runs against: either the bytecode VM or the
// tree-walking Interpreter. Built-ins never type-assert down to a concrete
// executor — this is the entire surface they need, matching spec.md §4.4's
// "invoke via the registry" discipline on the host side too.
type Caller interface {
	// CallValue invokes a Flow callable (used by map/filter/reduce).
	CallValue(callee Value, args []Value) (Value, error)
	// ReadFile/WriteFile route through the host's own memoization cache
	// (one per VM or Interpreter; hosts do not share it).
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	// MintTaskID records and returns a fresh diagnostic identifier.
	MintTaskID() string
}

// NativeFunction is one entry in the built-in registry: looked up by name,
// never by reflection. Fn receives the executing host so map/filter/reduce
// can call back into a Flow function value regardless of which mode is
// running.
type NativeFunction struct {
	Name string
	Fn   func(host Caller, args []Value) (Value, error)
}

// Truthy implements the closed truthiness rule (§4.4): false, 0, 0.0, "",
// an empty list/tuple, and null are falsy; everything else is truthy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case *ListValue:
		return len(x.Items) > 0
	case TupleValue:
		return len(x) > 0
	default:
		return true
	}
}

// ToString renders a value the way PRINT and str() do: integers without a
// decimal point, floats with at least one fractional digit.
func ToString(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsRune(s, '.') {
			s += ".0"
		}
		return s
	case string:
		return x
	case *ListValue:
		parts := make([]string, len(x.Items))
		for i, it := range x.Items {
			parts[i] = reprString(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TupleValue:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = reprString(it)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case *bytecode.Chunk:
		return "<function>"
	case *NativeFunction:
		return fmt.Sprintf("<builtin %s>", x.Name)
	case *bytecode.ExternSpec:
		return fmt.Sprintf("<extern %s>", x.Name)
	case *parser.FuncDeclStmt:
		return fmt.Sprintf("<function %s>", x.Name)
	case *lambdaValue:
		return "<function>"
	case *externValue:
		return fmt.Sprintf("<extern %s>", x.Name)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// reprString quotes strings nested inside a list/tuple rendering, matching
// the common convention of distinguishing a sequence's own string form
// from its elements'.
func reprString(v Value) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return ToString(v)
}

// TypeName names a value's Flow-level type, used by the `type` builtin and
// by TypeError messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "floating"
	case string:
		return "string"
	case *ListValue:
		return "list"
	case TupleValue:
		return "tuple"
	case *bytecode.Chunk, *NativeFunction, *bytecode.ExternSpec,
		*parser.FuncDeclStmt, *lambdaValue, *externValue:
		return "function"
	default:
		return "unknown"
	}
}

func valuesEqual(a, b Value) bool {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x == y
		}
		if y, ok := b.(float64); ok {
			return float64(x) == y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x == y
		}
		if y, ok := b.(int64); ok {
			return x == float64(y)
		}
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	case TupleValue:
		y, ok := b.(TupleValue)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valuesEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	case *ListValue:
		y, ok := b.(*ListValue)
		if !ok || len(x.Items) != len(y.Items) {
			return false
		}
		for i := range x.Items {
			if !valuesEqual(x.Items[i], y.Items[i]) {
				return false
			}
		}
		return true
	}
	return false
}
