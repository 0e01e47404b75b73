package jit

import (
	"testing"

	"flow/internal/bytecode"

	"github.com/stretchr/testify/require"
)

func TestProfilerPromotesOnlyOnceAtQuickJITThreshold(t *testing.T) {
	p := NewProfiler()
	chunk := bytecode.NewChunk()

	var promotions int
	for i := 0; i < quickJITThreshold+5; i++ {
		_, justPromoted := p.RecordCall(chunk)
		if justPromoted {
			promotions++
		}
	}
	require.Equal(t, 1, promotions)
}

func TestProfilerPromotesAgainAtOptimizedThreshold(t *testing.T) {
	p := NewProfiler()
	chunk := bytecode.NewChunk()

	for i := 0; i < quickJITThreshold; i++ {
		p.RecordCall(chunk)
	}
	for i := quickJITThreshold; i < optimizedJITThreshold-1; i++ {
		_, justPromoted := p.RecordCall(chunk)
		require.False(t, justPromoted)
	}
	tier, justPromoted := p.RecordCall(chunk)
	require.True(t, justPromoted)
	require.Equal(t, TierOptimized, tier)
}

func TestProfilerTracksChunksIndependently(t *testing.T) {
	p := NewProfiler()
	a, b := bytecode.NewChunk(), bytecode.NewChunk()

	for i := 0; i < quickJITThreshold; i++ {
		p.RecordCall(a)
	}
	_, bPromoted := p.RecordCall(b)
	require.False(t, bPromoted, "b's own call count hasn't crossed the threshold")
}

func arithmeticChunk() *bytecode.Chunk {
	c := bytecode.NewChunk()
	c.Params = []string{}
	c.Constants = []interface{}{float64(2), float64(3)}
	c.Emit(bytecode.LoadConst, 0, bytecode.DebugInfo{})
	c.Emit(bytecode.LoadConst, 1, bytecode.DebugInfo{})
	c.Emit(bytecode.BinaryAdd, 0, bytecode.DebugInfo{})
	c.Emit(bytecode.ReturnValue, 0, bytecode.DebugInfo{})
	return c
}

func TestCompileLowersArithmeticOnlyChunk(t *testing.T) {
	c := NewCompiler(nil)
	compiled, err := c.Compile(arithmeticChunk())
	require.NoError(t, err)
	require.Contains(t, compiled.IR, "fadd")
	require.Contains(t, compiled.IR, "define")
}

func TestCompileRejectsUnsupportedOpcode(t *testing.T) {
	chunk := bytecode.NewChunk()
	chunk.Params = []string{}
	chunk.Emit(bytecode.Jump, 0, bytecode.DebugInfo{})

	c := NewCompiler(nil)
	_, err := c.Compile(chunk)
	require.Error(t, err)
	var unsupported *ErrUnsupported
	require.ErrorAs(t, err, &unsupported)
}

func TestCompileRejectsStringConstant(t *testing.T) {
	chunk := bytecode.NewChunk()
	chunk.Params = []string{}
	chunk.Constants = []interface{}{"not a number"}
	chunk.Emit(bytecode.LoadConst, 0, bytecode.DebugInfo{})
	chunk.Emit(bytecode.ReturnValue, 0, bytecode.DebugInfo{})

	c := NewCompiler(nil)
	_, err := c.Compile(chunk)
	require.Error(t, err)
}

type stubCache struct {
	stored map[*bytecode.Chunk]string
}

func newStubCache() *stubCache { return &stubCache{stored: map[*bytecode.Chunk]string{}} }

func (s *stubCache) Lookup(chunk *bytecode.Chunk) (string, bool) {
	ir, ok := s.stored[chunk]
	return ir, ok
}

func (s *stubCache) Store(chunk *bytecode.Chunk, irText string) {
	s.stored[chunk] = irText
}

func TestCompileStoresAndReusesCacheEntry(t *testing.T) {
	cache := newStubCache()
	c := NewCompiler(cache)
	chunk := arithmeticChunk()

	first, err := c.Compile(chunk)
	require.NoError(t, err)
	require.Len(t, cache.stored, 1)

	second, err := c.Compile(chunk)
	require.NoError(t, err)
	require.Equal(t, first.IR, second.IR)
}
