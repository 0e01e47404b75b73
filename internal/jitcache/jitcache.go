// Package jitcache persists successfully JIT-compiled IR text keyed by a
// content hash of the originating chunk's bytecode, so a hot function
// compiled once in a prior run doesn't have to be re-lowered. Grounded in
// original_source/flow/jit_cache.py's manifest/expiry design, translated
// from a pickle file plus a manifest dict into a single SQLite table with
// the same 24-hour TTL.
package jitcache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flow/internal/bytecode"
)

const ttl = 24 * time.Hour

// Cache is a disk-backed store of (bytecode hash) -> (LLVM IR text) and
// satisfies jit.ArtifactCache without importing that package.
type Cache struct {
	db *sql.DB
}

// Open creates or reuses a SQLite database at path and ensures its schema
// exists.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jitcache: opening %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS jit_artifacts (
	cache_key   TEXT PRIMARY KEY,
	ir_text     TEXT NOT NULL,
	cached_at   INTEGER NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("jitcache: creating schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// cacheKey hashes a chunk's instruction stream and constant pool — two
// chunks with identical code hash identically regardless of where they
// came from, mirroring jit_cache.py's `hashlib.md5(code)` key (sha256 here,
// since Go's stdlib doesn't privilege md5 for non-cryptographic hashing any
// more than sha256).
func cacheKey(chunk *bytecode.Chunk) string {
	type keyable struct {
		Instructions []bytecode.Instruction
		Constants    []interface{}
		Params       []string
	}
	b, err := json.Marshal(keyable{chunk.Instructions, chunk.Constants, chunk.Params})
	if err != nil {
		// Unmarshalable constant pool (shouldn't happen for the
		// arithmetic-only fast path jit.Compiler restricts itself to) —
		// fail the cache lookup rather than the compilation.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Lookup returns a previously cached module's IR text if present and not
// expired.
func (c *Cache) Lookup(chunk *bytecode.Chunk) (string, bool) {
	key := cacheKey(chunk)
	if key == "" {
		return "", false
	}
	var irText string
	var cachedAt int64
	err := c.db.QueryRow(
		`SELECT ir_text, cached_at FROM jit_artifacts WHERE cache_key = ?`, key,
	).Scan(&irText, &cachedAt)
	if err != nil {
		return "", false
	}
	if time.Since(time.Unix(cachedAt, 0)) > ttl {
		c.db.Exec(`DELETE FROM jit_artifacts WHERE cache_key = ?`, key)
		return "", false
	}
	return irText, true
}

// Store records a freshly compiled module's IR text, overwriting any
// existing entry for the same chunk.
func (c *Cache) Store(chunk *bytecode.Chunk, irText string) {
	key := cacheKey(chunk)
	if key == "" {
		return
	}
	c.db.Exec(
		`INSERT INTO jit_artifacts (cache_key, ir_text, cached_at) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET ir_text = excluded.ir_text, cached_at = excluded.cached_at`,
		key, irText, time.Now().Unix(),
	)
}

// Clear removes every cached artifact.
func (c *Cache) Clear() error {
	_, err := c.db.Exec(`DELETE FROM jit_artifacts`)
	return err
}

// Stats reports the current entry count, mirroring
// jit_cache.py's get_cache_stats (minus on-disk byte size, which a SQLite
// table doesn't expose per-row the way loose .bin files did).
type Stats struct {
	Entries int
}

// Stats returns basic cache occupancy.
func (c *Cache) Stats() (Stats, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM jit_artifacts`).Scan(&n); err != nil {
		return Stats{}, err
	}
	return Stats{Entries: n}, nil
}
