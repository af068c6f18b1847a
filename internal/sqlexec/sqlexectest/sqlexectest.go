// Package sqlexectest builds throwaway SQLite databases for tests.
package sqlexectest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// NewDB creates a SQLite file under t.TempDir, runs stmts against it and
// returns its path.
func NewDB(t testing.TB, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return path
}

// Employees returns a small fixture database used across package tests:
// emp(id, name, dept, salary) with five rows and one NULL salary.
func Employees(t testing.TB) string {
	t.Helper()
	return NewDB(t,
		`CREATE TABLE emp (id INTEGER PRIMARY KEY, name TEXT, dept TEXT, salary REAL)`,
		`INSERT INTO emp VALUES (1, 'ann', 'eng', 100), (2, 'bob', 'eng', 90), (3, 'cid', 'ops', 80), (4, 'dee', 'ops', NULL), (5, 'eve', 'hr', 70)`,
	)
}
