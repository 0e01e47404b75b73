package jitcache

import (
	"path/filepath"
	"testing"

	"flow/internal/bytecode"

	"github.com/stretchr/testify/require"
)

func testChunk(constVal int) *bytecode.Chunk {
	c := bytecode.NewChunk()
	c.Emit(bytecode.LoadConst, 0, bytecode.DebugInfo{})
	c.Constants = append(c.Constants, float64(constVal))
	c.Params = []string{"n"}
	c.NumLocals = 1
	return c
}

func TestLookupMissThenStoreThenHit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	cache, err := Open(path)
	require.NoError(t, err)
	defer cache.Close()

	chunk := testChunk(1)

	_, ok := cache.Lookup(chunk)
	require.False(t, ok)

	cache.Store(chunk, "; ir text")
	ir, ok := cache.Lookup(chunk)
	require.True(t, ok)
	require.Equal(t, "; ir text", ir)
}

func TestDistinctChunksGetDistinctKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	cache, err := Open(path)
	require.NoError(t, err)
	defer cache.Close()

	a, b := testChunk(1), testChunk(2)
	cache.Store(a, "ir-a")
	cache.Store(b, "ir-b")

	irA, ok := cache.Lookup(a)
	require.True(t, ok)
	require.Equal(t, "ir-a", irA)

	irB, ok := cache.Lookup(b)
	require.True(t, ok)
	require.Equal(t, "ir-b", irB)
}

func TestStoreOverwritesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	cache, err := Open(path)
	require.NoError(t, err)
	defer cache.Close()

	chunk := testChunk(1)
	cache.Store(chunk, "first")
	cache.Store(chunk, "second")

	ir, ok := cache.Lookup(chunk)
	require.True(t, ok)
	require.Equal(t, "second", ir)
}

func TestStatsCountsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	cache, err := Open(path)
	require.NoError(t, err)
	defer cache.Close()

	cache.Store(testChunk(1), "a")
	cache.Store(testChunk(2), "b")

	stats, err := cache.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.Entries)
}

func TestClearRemovesAllEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.db")
	cache, err := Open(path)
	require.NoError(t, err)
	defer cache.Close()

	cache.Store(testChunk(1), "a")
	require.NoError(t, cache.Clear())

	stats, err := cache.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, stats.Entries)
}
