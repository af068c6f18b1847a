package sqlexec

import (
	"net/url"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Registered database/sql driver names.
const (
	DriverSQLite3  = "sqlite3" // mattn/go-sqlite3
	DriverSQLite   = "sqlite"  // modernc.org/sqlite
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

// ValidSQLiteDriver reports whether name selects a supported SQLite driver.
func ValidSQLiteDriver(name string) bool {
	return name == DriverSQLite3 || name == DriverSQLite
}

// resolve picks a driver and DSN for a target. Connection strings select
// PostgreSQL, *.duckdb files DuckDB, and anything else is a SQLite file.
func (e *Executor) resolve(target string) (driver, dsn string) {
	lower := strings.ToLower(target)
	base, query, _ := strings.Cut(target, "?")
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres, target
	case strings.HasSuffix(strings.ToLower(base), ".duckdb"):
		return DriverDuckDB, duckdbDSN(base, query)
	default:
		return e.cfg.SQLiteDriver, sqliteDSN(e.cfg.SQLiteDriver, target)
	}
}

// duckdbDSN adds read-only access to any options the target already carries.
func duckdbDSN(path, query string) string {
	if query == "" {
		return path + "?access_mode=read_only"
	}
	if strings.Contains(strings.ToLower(query), "access_mode=") {
		return path + "?" + query
	}
	return path + "?" + query + "&access_mode=read_only"
}

// sqliteDSN opens path read-only through a file: URI. Targets that are
// already URIs are passed through. Characters that would end the URI path
// (?, # and %) are percent-encoded; SQLite decodes them on open.
func sqliteDSN(driver, path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	u := url.URL{Scheme: "file", Opaque: (&url.URL{Path: path}).EscapedPath(), RawQuery: "mode=ro"}
	if driver == DriverSQLite3 {
		u.RawQuery += "&_query_only=1"
	}
	return u.String()
}
