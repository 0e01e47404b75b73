// Package ffi resolves Flow extern declarations to real native backends at
// call time. The VM core only knows the Bridge interface; it never imports
// a driver directly, so extern declarations with no registered library
// path fail with an IOError rather than a compile-time link error.
package ffi

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"flow/internal/bytecode"
)

// Bridge resolves and invokes a library-bound call described by an
// extern declaration's ExternSpec.
type Bridge interface {
	Call(spec *bytecode.ExternSpec, args []interface{}) (interface{}, error)
}

// SQLBridge dispatches by ExternSpec.Library to one of a fixed set of named
// SQL backends, each backed by a real database/sql driver. Connections are
// opened lazily and cached per library name so repeated calls reuse one *sql.DB.
type SQLBridge struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
	dsns  map[string]string // library name -> DSN, set via Register
}

// NewSQLBridge returns a bridge with the four named backends spec_full.md
// §10 lists: sqlite (modernc.org/sqlite, pure Go), postgres (lib/pq),
// mysql (go-sql-driver/mysql), mssql (denisenkom/go-mssqldb).
func NewSQLBridge() *SQLBridge {
	return &SQLBridge{
		conns: make(map[string]*sql.DB),
		dsns:  make(map[string]string),
	}
}

var driverNames = map[string]string{
	"sqlite":   "sqlite",
	"postgres": "postgres",
	"mysql":    "mysql",
	"mssql":    "sqlserver",
}

// Register binds a library name (as used in `extern "name" fname(...)`) to a
// connection string. Typically called once per backend from cmd/flow's
// config file before the VM starts running.
func (b *SQLBridge) Register(library, dsn string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dsns[library] = dsn
}

func (b *SQLBridge) open(library string) (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conn, ok := b.conns[library]; ok {
		return conn, nil
	}
	driver, ok := driverNames[library]
	if !ok {
		return nil, fmt.Errorf("ffi: no backend registered for library %q", library)
	}
	dsn := b.dsns[library]
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ffi: opening %q: %w", library, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ffi: connecting to %q: %w", library, err)
	}
	b.conns[library] = conn
	return conn, nil
}

// Call implements Bridge. args[0] is conventionally the SQL text; the rest
// are passed through as query parameters, matching the `query(sql, args...)`
// shape of SPEC_FULL.md's extern example.
func (b *SQLBridge) Call(spec *bytecode.ExternSpec, args []interface{}) (interface{}, error) {
	conn, err := b.open(spec.Library)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("ffi: %s requires a SQL statement argument", spec.Name)
	}
	query, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("ffi: %s's first argument must be a string", spec.Name)
	}

	rows, err := conn.Query(query, args[1:]...)
	if err != nil {
		return nil, fmt.Errorf("ffi: %s: %w", spec.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var results []interface{}
	for rows.Next() {
		scanned := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range scanned {
			ptrs[i] = &scanned[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = scanned[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Close releases every cached connection; called by cmd/flow on shutdown.
func (b *SQLBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, conn := range b.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(b.conns, name)
	}
	return first
}
