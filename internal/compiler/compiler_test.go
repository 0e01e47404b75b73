package compiler

import (
	"testing"

	"flow/internal/bytecode"
	"flow/internal/lexer"
	"flow/internal/parser"

	"github.com/stretchr/testify/require"
)

func compileSource(t *testing.T, src string) *bytecode.Chunk {
	t.Helper()
	tokens, err := lexer.NewScanner(src, "<test>").ScanTokens()
	require.NoError(t, err)
	stmts, err := parser.NewParser(tokens, "<test>").Parse()
	require.NoError(t, err)
	chunk, err := Compile(stmts, "<test>")
	require.NoError(t, err)
	return chunk
}

func TestCompilePrintEmitsPrintAfterPushingValue(t *testing.T) {
	chunk := compileSource(t, "print 1 + 2")
	var ops []bytecode.Op
	for _, instr := range chunk.Instructions {
		ops = append(ops, instr.Op)
	}
	require.Contains(t, ops, bytecode.BinaryAdd)
	require.Equal(t, bytecode.Print, ops[len(ops)-1])
}

func TestCompileConstantPoolDeduplicates(t *testing.T) {
	chunk := compileSource(t, "print 5\nprint 5")
	count := 0
	for _, c := range chunk.Constants {
		if f, ok := c.(float64); ok && f == 5 {
			count++
		}
		if n, ok := c.(int64); ok && n == 5 {
			count++
		}
	}
	require.Equal(t, 1, count, "the literal 5 should only occupy one constant-pool slot")
}

func TestCompileLocalSlotsStayWithinNumLocals(t *testing.T) {
	stmts, err := parser.NewParser(mustScan(t, "func add(a, b) { let t = a + b\nreturn t }"), "<test>").Parse()
	require.NoError(t, err)
	chunk, err := Compile(stmts, "<test>")
	require.NoError(t, err)

	fnConst := findFuncChunk(t, chunk)
	require.GreaterOrEqual(t, fnConst.NumLocals, len(fnConst.Params))
	for _, instr := range fnConst.Instructions {
		if instr.Op == bytecode.LoadFast || instr.Op == bytecode.StoreFast {
			require.Less(t, instr.Operand, fnConst.NumLocals)
		}
	}
}

func TestCompileJumpTargetsAreValidIndices(t *testing.T) {
	chunk := compileSource(t, "let i = 0\nwhile i < 3 { i = i + 1 }")
	for _, instr := range chunk.Instructions {
		if instr.Op == bytecode.Jump || instr.Op == bytecode.JumpIfFalse {
			require.GreaterOrEqual(t, instr.Operand, 0)
			require.LessOrEqual(t, instr.Operand, len(chunk.Instructions))
		}
	}
}

func mustScan(t *testing.T, src string) []lexer.Token {
	t.Helper()
	tokens, err := lexer.NewScanner(src, "<test>").ScanTokens()
	require.NoError(t, err)
	return tokens
}

func findFuncChunk(t *testing.T, chunk *bytecode.Chunk) *bytecode.Chunk {
	t.Helper()
	for _, c := range chunk.Constants {
		if fc, ok := c.(*bytecode.Chunk); ok {
			return fc
		}
	}
	t.Fatal("no function chunk found in constant pool")
	return nil
}
