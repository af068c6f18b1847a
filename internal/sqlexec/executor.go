package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultGrace       = 250 * time.Millisecond
	DefaultPreviewRows = 8
)

// Config tunes an Executor. Zero values fall back to the defaults above.
type Config struct {
	SQLiteDriver string // "sqlite3" (mattn/go-sqlite3) or "sqlite" (modernc.org/sqlite)
	Timeout      time.Duration
	Grace        time.Duration
	PreviewRows  int
}

// Executor runs single read-only statements against target databases.
// Each call opens its own connection; nothing is pooled across calls.
type Executor struct {
	cfg    Config
	open   atomic.Int64
	logger *zap.Logger
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.SQLiteDriver == "" {
		cfg.SQLiteDriver = DriverSQLite3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = DefaultPreviewRows
	}
	return &Executor{cfg: cfg, logger: zap.NewNop()}
}

// SetLogger sets the logger used for abandoned-statement diagnostics.
func (e *Executor) SetLogger(l *zap.Logger) {
	if l != nil {
		e.logger = l
	}
}

// OpenConnections reports how many connections are currently open,
// including ones held by statements abandoned after their deadline.
func (e *Executor) OpenConnections() int64 {
	return e.open.Load()
}

// Execute runs query against target and classifies the result. A timeout
// of zero uses the configured default. Execute never returns an error: every
// failure is encoded in the outcome's status.
//
// Execute returns within timeout plus the grace period. The deadline cancels
// the statement's context, which interrupts SQLite and DuckDB queries and
// cancels PostgreSQL ones server-side. A driver that ignores cancellation
// keeps its connection until the statement returns; OpenConnections counts
// such stragglers.
func (e *Executor) Execute(ctx context.Context, query, target string, timeout time.Duration) Outcome {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return Outcome{Status: StatusFailed, Message: "SQL statement is empty"}
	}
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The statement runs on its own goroutine so the caller can walk away
	// from a driver that does not honour the deadline.
	done := make(chan Outcome, 1)
	go func() {
		done <- e.run(ctx, query, target)
	}()

	var out Outcome
	select {
	case out = <-done:
		// A driver interrupted by the deadline reports a generic error.
		if out.Status == StatusFailed && ctx.Err() != nil {
			out = interrupted(ctx, timeout)
		}
	case <-ctx.Done():
		// Give the interrupted statement a moment to release its connection
		grace := time.NewTimer(e.cfg.Grace)
		select {
		case <-done:
		case <-grace.C:
			e.logger.Warn("statement abandoned after deadline",
				zap.String("target", target),
				zap.Duration("timeout", timeout))
		}
		grace.Stop()
		out = interrupted(ctx, timeout)
	}
	out.Duration = time.Since(start)
	return out
}

func interrupted(ctx context.Context, timeout time.Duration) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{
			Status:  StatusTimedOut,
			Message: fmt.Sprintf("SQL execution timed out after %s", timeout),
		}
	}
	return Outcome{Status: StatusFailed, Message: "SQL execution canceled"}
}

// run opens a fresh connection, runs the statement inside a transaction that
// is always rolled back, and fetches every row.
func (e *Executor) run(ctx context.Context, query, target string) Outcome {
	driver, dsn := e.resolve(target)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return failed(err)
	}
	e.open.Add(1)
	defer func() {
		db.Close()
		e.open.Add(-1)
	}()
	db.SetMaxOpenConns(1)

	// Writes never survive: the transaction is rolled back on every path
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return failed(err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return failed(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return failed(err)
	}

	// Fetch every row; classification needs the full distinct set
	var result [][]any
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return failed(err)
		}
		result = append(result, vals)
	}
	if err := rows.Err(); err != nil {
		return failed(err)
	}

	return classify(columns, result, e.cfg.PreviewRows)
}

func failed(err error) Outcome {
	return Outcome{Status: StatusFailed, Message: err.Error()}
}
