package ffi

import (
	"path/filepath"
	"testing"

	"flow/internal/bytecode"

	"github.com/stretchr/testify/require"
)

func TestCallWithUnregisteredLibraryErrors(t *testing.T) {
	b := NewSQLBridge()
	_, err := b.Call(&bytecode.ExternSpec{Library: "oracle", Name: "query"}, []interface{}{"select 1"})
	require.Error(t, err)
}

func TestCallWithNoArgsErrors(t *testing.T) {
	b := NewSQLBridge()
	b.Register("sqlite", filepath.Join(t.TempDir(), "test.db"))
	_, err := b.Call(&bytecode.ExternSpec{Library: "sqlite", Name: "query"}, nil)
	require.Error(t, err)
}

func TestCallRunsQueryAgainstSQLite(t *testing.T) {
	b := NewSQLBridge()
	defer b.Close()
	b.Register("sqlite", filepath.Join(t.TempDir(), "test.db"))

	_, err := b.Call(&bytecode.ExternSpec{Library: "sqlite", Name: "exec"}, []interface{}{
		"create table greeting (msg text)",
	})
	require.NoError(t, err)

	_, err = b.Call(&bytecode.ExternSpec{Library: "sqlite", Name: "exec"}, []interface{}{
		"insert into greeting (msg) values (?)", "hello",
	})
	require.NoError(t, err)

	result, err := b.Call(&bytecode.ExternSpec{Library: "sqlite", Name: "query"}, []interface{}{
		"select msg from greeting",
	})
	require.NoError(t, err)
	rows, ok := result.([]interface{})
	require.True(t, ok)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]interface{})
	require.Equal(t, "hello", row["msg"])
}

func TestCloseIsIdempotentWithNoConnections(t *testing.T) {
	b := NewSQLBridge()
	require.NoError(t, b.Close())
}
