// Package analytics summarises the run log: how candidates fared at each
// stage, how often stages were skipped or degraded, and how votes went.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// Filter narrows a query to one run and/or to events at or after Since
// ("YYYY-MM-DD HH:MM:SS"). Zero values match everything.
type Filter struct {
	RunID string
	Since string
}

func (f Filter) where() (string, []any) {
	clause := ""
	var args []any
	if f.RunID != "" {
		clause += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.Since != "" {
		clause += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	return clause, args
}

// StatusDistribution holds execution outcome counts for one stage.
type StatusDistribution struct {
	Stage      string  `json:"stage"`
	Total      int     `json:"total"`
	Success    int     `json:"success"`
	Empty      int     `json:"empty"`
	NullResult int     `json:"null_result"`
	Failed     int     `json:"failed"`
	TimedOut   int     `json:"timed_out"`
	SuccessPct float64 `json:"success_pct"`
}

// QueryStatusDistribution returns the final-outcome status counts of
// candidates per stage.
func QueryStatusDistribution(database DB, f Filter) ([]StatusDistribution, error) {
	clause, args := f.where()
	query := `
		SELECT stage,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'empty' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'null_result' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'timed_out' THEN 1 ELSE 0 END)
		FROM executions
		WHERE 1 = 1` + clause + `
		GROUP BY stage
		ORDER BY stage`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query status distribution: %w", err)
	}
	defer rows.Close()

	var results []StatusDistribution
	for rows.Next() {
		var s StatusDistribution
		if err := rows.Scan(&s.Stage, &s.Total, &s.Success, &s.Empty, &s.NullResult, &s.Failed, &s.TimedOut); err != nil {
			return nil, fmt.Errorf("scan status distribution: %w", err)
		}
		s.SuccessPct = pct(s.Success, s.Total)
		results = append(results, s)
	}
	return results, rows.Err()
}

// StageStats holds per-stage run statistics.
type StageStats struct {
	Stage        string  `json:"stage"`
	Runs         int     `json:"runs"`
	Skipped      int     `json:"skipped"`
	SkipPct      float64 `json:"skip_pct"`
	Candidates   int     `json:"candidates"`
	Exhausted    int     `json:"exhausted"`
	ExhaustedPct float64 `json:"exhausted_pct"`
	Errors       int     `json:"errors"`
	MeanAttempts float64 `json:"mean_attempts"`
	P50Seconds   float64 `json:"p50_seconds"`
	P95Seconds   float64 `json:"p95_seconds"`
}

// QueryStageStats returns skip and exhaustion rates, mean attempts per
// candidate, and duration percentiles for each stage. Skipped stage runs
// are excluded from the duration percentiles.
func QueryStageStats(database DB, f Filter) ([]StageStats, error) {
	clause, args := f.where()
	rows, err := database.Conn().Query(`
		SELECT stage, candidates, exhausted, skipped, error IS NOT NULL, duration_ms
		FROM stage_runs
		WHERE 1 = 1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage runs: %w", err)
	}
	defer rows.Close()

	byStage := make(map[string]*StageStats)
	durations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var candidates, exhausted int
		var skipped, failed bool
		var durationMs int64
		if err := rows.Scan(&stage, &candidates, &exhausted, &skipped, &failed, &durationMs); err != nil {
			return nil, fmt.Errorf("scan stage run: %w", err)
		}
		s, ok := byStage[stage]
		if !ok {
			s = &StageStats{Stage: stage}
			byStage[stage] = s
		}
		s.Runs++
		if skipped {
			s.Skipped++
		} else {
			s.Candidates += candidates
			s.Exhausted += exhausted
			durations[stage] = append(durations[stage], float64(durationMs)/1000)
		}
		if failed {
			s.Errors++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attempts, err := meanAttempts(database, f)
	if err != nil {
		return nil, err
	}

	results := make([]StageStats, 0, len(byStage))
	for stage, s := range byStage {
		d := durations[stage]
		sort.Float64s(d)
		s.SkipPct = pct(s.Skipped, s.Runs)
		s.ExhaustedPct = pct(s.Exhausted, s.Candidates)
		s.MeanAttempts = attempts[stage]
		s.P50Seconds = percentile(d, 50)
		s.P95Seconds = percentile(d, 95)
		results = append(results, *s)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

func meanAttempts(database DB, f Filter) (map[string]float64, error) {
	clause, args := f.where()
	rows, err := database.Conn().Query(`
		SELECT stage, AVG(attempts)
		FROM executions
		WHERE attempts > 0`+clause+`
		GROUP BY stage`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mean attempts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var stage string
		var mean float64
		if err := rows.Scan(&stage, &mean); err != nil {
			return nil, fmt.Errorf("scan mean attempts: %w", err)
		}
		out[stage] = math.Round(mean*100) / 100
	}
	return out, rows.Err()
}

// VoteSummary aggregates the select step across questions.
type VoteSummary struct {
	Questions     int     `json:"questions"`
	Degraded      int     `json:"degraded"`
	DegradedPct   float64 `json:"degraded_pct"`
	Fallbacks     int     `json:"fallbacks"`
	Unanimous     int     `json:"unanimous"`
	UnanimousPct  float64 `json:"unanimous_pct"`
	MeanDistinct  float64 `json:"mean_distinct"`
	MeanVoteShare float64 `json:"mean_vote_share_pct"`
}

// QueryVoteSummary returns how decisive the votes were. A question is
// unanimous when every candidate landed in the winning group.
func QueryVoteSummary(database DB, f Filter) (*VoteSummary, error) {
	clause, args := f.where()
	rows, err := database.Conn().Query(`
		SELECT candidates, distinct_results, votes, fallback, degraded
		FROM votes
		WHERE 1 = 1`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var s VoteSummary
	var distinct, shares []float64
	for rows.Next() {
		var candidates, nDistinct, votes int
		var fallback, degraded bool
		if err := rows.Scan(&candidates, &nDistinct, &votes, &fallback, &degraded); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		s.Questions++
		if degraded {
			s.Degraded++
		}
		if fallback {
			s.Fallbacks++
		}
		if candidates > 0 && votes == candidates {
			s.Unanimous++
		}
		distinct = append(distinct, float64(nDistinct))
		if candidates > 0 {
			shares = append(shares, pct(votes, candidates))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.DegradedPct = pct(s.Degraded, s.Questions)
	s.UnanimousPct = pct(s.Unanimous, s.Questions)
	s.MeanDistinct = avg(distinct)
	s.MeanVoteShare = avg(shares)
	return &s, nil
}

// FailureMessage is a frequent failure message for a stage.
type FailureMessage struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// QueryTopFailures returns the most frequent failure and timeout messages,
// at most limit of them (limit <= 0 means 10).
func QueryTopFailures(database DB, f Filter, limit int) ([]FailureMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	clause, args := f.where()
	args = append(args, limit)
	rows, err := database.Conn().Query(`
		SELECT stage, status, COALESCE(message, ''), COUNT(*) AS n
		FROM executions
		WHERE status IN ('failed', 'timed_out')`+clause+`
		GROUP BY stage, status, message
		ORDER BY n DESC, stage, message
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query top failures: %w", err)
	}
	defer rows.Close()

	var results []FailureMessage
	for rows.Next() {
		var m FailureMessage
		if err := rows.Scan(&m.Stage, &m.Status, &m.Message, &m.Count); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
