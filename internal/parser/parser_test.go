package parser

import (
	"testing"

	"flow/internal/lexer"

	"github.com/stretchr/testify/require"
)

func parseString(t *testing.T, src string) []Stmt {
	t.Helper()
	tokens, err := lexer.NewScanner(src, "<test>").ScanTokens()
	require.NoError(t, err)
	stmts, err := NewParser(tokens, "<test>").Parse()
	require.NoError(t, err)
	return stmts
}

func TestArithmeticPrecedence(t *testing.T) {
	stmts := parseString(t, "print 1 + 2 * 3")
	require.Len(t, stmts, 1)
	pr, ok := stmts[0].(*PrintStmt)
	require.True(t, ok)
	require.Len(t, pr.Values, 1)
	bin, ok := pr.Values[0].(*Binary)
	require.True(t, ok)
	require.Equal(t, "+", bin.Operator)
	rightMul, ok := bin.Right.(*Binary)
	require.True(t, ok)
	require.Equal(t, "*", rightMul.Operator)
}

func TestLetAndAssignment(t *testing.T) {
	stmts := parseString(t, "let x = 10\nx = x + 1")
	require.Len(t, stmts, 2)
	_, ok := stmts[0].(*LetStmt)
	require.True(t, ok)
	assign, ok := stmts[1].(*AssignStmt)
	require.True(t, ok)
	require.Equal(t, "x", assign.Name)
}

func TestIndexAssignment(t *testing.T) {
	stmts := parseString(t, "let xs = [1, 2, 3]\nxs[0] = 9")
	require.Len(t, stmts, 2)
	ia, ok := stmts[1].(*IndexAssignStmt)
	require.True(t, ok)
	_, ok = ia.Object.(*Variable)
	require.True(t, ok)
}

func TestElseIfChain(t *testing.T) {
	stmts := parseString(t, `
func grade(s) {
  if s < 60 { return "F" } else if s < 70 { return "D" } else { return "A" }
}
`)
	require.Len(t, stmts, 1)
	fn, ok := stmts[0].(*FuncDeclStmt)
	require.True(t, ok)
	require.Len(t, fn.Body, 1)
	ifStmt, ok := fn.Body[0].(*IfStmt)
	require.True(t, ok)
	require.Len(t, ifStmt.Else, 1)
	_, ok = ifStmt.Else[0].(*IfStmt)
	require.True(t, ok)
}

func TestBuiltinVsRegularCall(t *testing.T) {
	stmts := parseString(t, "len(xs)\nfoo(xs)")
	require.Len(t, stmts, 2)
	es1 := stmts[0].(*ExpressionStmt)
	_, ok := es1.Expr.(*BuiltinCall)
	require.True(t, ok, "len should dispatch as a builtin call")
	es2 := stmts[1].(*ExpressionStmt)
	_, ok = es2.Expr.(*Call)
	require.True(t, ok, "foo should dispatch as a regular call")
}

func TestWalrusExpression(t *testing.T) {
	stmts := parseString(t, "print x := 5")
	pr := stmts[0].(*PrintStmt)
	_, ok := pr.Values[0].(*Walrus)
	require.True(t, ok)
}

func TestMatchPatterns(t *testing.T) {
	stmts := parseString(t, `
match p {
  case (0, 0): print "origin"
  case Point(x, y): print x
  default: print "other"
}
`)
	m, ok := stmts[0].(*MatchStmt)
	require.True(t, ok)
	require.Len(t, m.Cases, 2)
	require.Equal(t, PatternTuple, m.Cases[0].Pattern.Kind)
	require.Equal(t, PatternConstructor, m.Cases[1].Pattern.Kind)
	require.True(t, m.HasDefault)
}

func TestParseErrorOnMalformedInput(t *testing.T) {
	tokens, err := lexer.NewScanner("let = 5", "<test>").ScanTokens()
	require.NoError(t, err)
	_, err = NewParser(tokens, "<test>").Parse()
	require.Error(t, err)
}
