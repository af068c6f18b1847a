package db

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
)

// Run represents a row in the runs table.
type Run struct {
	ID         string
	Pipeline   string
	Dataset    string
	Model      string
	Questions  int
	Status     string
	StartedAt  string
	FinishedAt string
}

// StageRun represents a row in the stage_runs table.
type StageRun struct {
	ID         int
	RunID      string
	QuestionID int
	DBID       string
	Stage      string
	Candidates int
	Exhausted  int
	Skipped    bool
	Error      string
	DurationMs int64
	Timestamp  string
}

// Execution represents a row in the executions table: the final outcome of
// one candidate.
type Execution struct {
	ID         int
	RunID      string
	QuestionID int
	Stage      string
	Sample     int
	Status     string
	Attempts   int
	Exhausted  bool
	ToolCalls  int
	RowCount   int
	DurationMs int64
	Message    string
	Timestamp  string
}

// Vote represents a row in the votes table.
type Vote struct {
	ID         int
	RunID      string
	QuestionID int
	Mode       string
	Candidates int
	Distinct   int
	Votes      int
	Winner     int
	Fallback   bool
	Degraded   bool
	Timestamp  string
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// CreateRun inserts a run in the running state.
func (d *DB) CreateRun(r Run) error {
	_, err := d.conn.Exec(
		`INSERT INTO runs (id, pipeline, dataset, model, questions) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Pipeline, r.Dataset, r.Model, r.Questions,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun marks a run completed or cancelled.
func (d *DB) FinishRun(id, status string) error {
	res, err := d.conn.Exec(
		`UPDATE runs SET status = ?, finished_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

const runColumns = `id, pipeline, dataset, model, questions, status, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var finished sql.NullString
	err := row.Scan(&r.ID, &r.Pipeline, &r.Dataset, &r.Model, &r.Questions, &r.Status, &r.StartedAt, &finished)
	r.FinishedAt = finished.String
	return r, err
}

// GetRun returns a run by id, or nil if it does not exist.
func (d *DB) GetRun(id string) (*Run, error) {
	r, err := scanRun(d.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListRuns returns runs, newest first. limit <= 0 returns all.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRunID returns the id of the most recent run, or "" if none.
func (d *DB) LatestRunID() (string, error) {
	runs, err := d.ListRuns(1)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[0].ID, nil
}

// DeleteRun removes a run and, by cascade, everything logged for it.
func (d *DB) DeleteRun(id string) error {
	if _, err := d.conn.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// LogStageRun inserts a stage run.
func (d *DB) LogStageRun(sr StageRun) error {
	var errText any
	if sr.Error != "" {
		errText = sr.Error
	}
	_, err := d.conn.Exec(
		`INSERT INTO stage_runs (run_id, question_id, db_id, stage, candidates, exhausted, skipped, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.RunID, sr.QuestionID, sr.DBID, sr.Stage, sr.Candidates, sr.Exhausted, sr.Skipped, errText, sr.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("log stage run: %w", err)
	}
	return nil
}

// LogExecutions inserts candidate executions in one transaction.
func (d *DB) LogExecutions(execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO executions (run_id, question_id, stage, sample, status, attempts, exhausted, tool_calls, row_count, duration_ms, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare execution insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range execs {
		if _, err := stmt.Exec(e.RunID, e.QuestionID, e.Stage, e.Sample, e.Status, e.Attempts,
			e.Exhausted, e.ToolCalls, e.RowCount, e.DurationMs, e.Message); err != nil {
			return fmt.Errorf("log execution for question %d: %w", e.QuestionID, err)
		}
	}
	return tx.Commit()
}

// LogVote inserts a vote.
func (d *DB) LogVote(v Vote) error {
	_, err := d.conn.Exec(
		`INSERT INTO votes (run_id, question_id, mode, candidates, distinct_results, votes, winner, fallback, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.RunID, v.QuestionID, v.Mode, v.Candidates, v.Distinct, v.Votes, v.Winner, v.Fallback, v.Degraded,
	)
	if err != nil {
		return fmt.Errorf("log vote: %w", err)
	}
	return nil
}

// GetStageRuns returns the stage runs of a run in insertion order.
func (d *DB) GetStageRuns(runID string) ([]StageRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, question_id, db_id, stage, candidates, exhausted, skipped, error, duration_ms, timestamp
		 FROM stage_runs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get stage runs: %w", err)
	}
	defer rows.Close()

	var out []StageRun
	for rows.Next() {
		var sr StageRun
		var errText sql.NullString
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.QuestionID, &sr.DBID, &sr.Stage, &sr.Candidates,
			&sr.Exhausted, &sr.Skipped, &errText, &sr.DurationMs, &sr.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		sr.Error = errText.String
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetExecutions returns the executions of a run, optionally filtered by
// stage ("" for all), in insertion order.
func (d *DB) GetExecutions(runID, stage string) ([]Execution, error) {
	query := `SELECT id, run_id, question_id, stage, sample, status, attempts, exhausted, tool_calls, row_count, duration_ms, message, timestamp
		FROM executions WHERE run_id = ?`
	args := []any{runID}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	query += ` ORDER BY id`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.QuestionID, &e.Stage, &e.Sample, &e.Status, &e.Attempts,
			&e.Exhausted, &e.ToolCalls, &e.RowCount, &e.DurationMs, &msg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Message = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetVotes returns the votes of a run ordered by question id.
func (d *DB) GetVotes(runID string) ([]Vote, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, question_id, mode, candidates, distinct_results, votes, winner, fallback, degraded, timestamp
		 FROM votes WHERE run_id = ? ORDER BY question_id, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get votes: %w", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.RunID, &v.QuestionID, &v.Mode, &v.Candidates, &v.Distinct, &v.Votes,
			&v.Winner, &v.Fallback, &v.Degraded, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
