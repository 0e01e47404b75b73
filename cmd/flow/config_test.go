package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingPathReturnsZeroValue(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Empty(t, cfg.Bridges)
	require.Empty(t, cfg.JITCachePath)
}

func TestLoadConfigNonexistentFileReturnsZeroValue(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Empty(t, cfg.Bridges)
}

func TestLoadConfigParsesBridgesAndCachePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	content := "bridges:\n  postgres: \"postgres://localhost/db\"\njit_cache_path: /tmp/flow-jit.db\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/db", cfg.Bridges["postgres"])
	require.Equal(t, "/tmp/flow-jit.db", cfg.JITCachePath)
}

func TestParseSourceReturnsStatements(t *testing.T) {
	stmts, err := parseSource("print 1 + 2", "<test>")
	require.NoError(t, err)
	require.Len(t, stmts, 1)
}

func TestParseSourceReportsLexError(t *testing.T) {
	_, err := parseSource("let x = \"unterminated", "<test>")
	require.Error(t, err)
}

func TestCompileStmtsProducesChunk(t *testing.T) {
	stmts, err := parseSource("print 1 + 2", "<test>")
	require.NoError(t, err)
	chunk, err := compileStmts(stmts, "<test>")
	require.NoError(t, err)
	require.NotEmpty(t, chunk.Instructions)
}
