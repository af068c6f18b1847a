package pipeline

// QuestionRecord is the persisted result of running the pipeline for one
// question.
type QuestionRecord struct {
	RunID      string          `json:"run_id"`
	QuestionID int             `json:"question_id"`
	DBID       string          `json:"db_id"`
	Question   string          `json:"question"`
	Target     string          `json:"target"`
	Stages     []StageRecord   `json:"stages"`
	Selection  SelectionRecord `json:"selection"`
	SQL        string          `json:"sql"`             // final answer; "" when the question degraded
	Degraded   bool            `json:"degraded"`        // no usable candidate survived
	Error      string          `json:"error,omitempty"` // first stage or select error, if any
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at"`
	Duration   string          `json:"duration"`
}

// StageRecord records the candidates one stage produced.
type StageRecord struct {
	Stage      string            `json:"stage"`
	Skipped    bool              `json:"skipped,omitempty"`
	Duration   string            `json:"duration"`
	Candidates []CandidateRecord `json:"candidates"`
	Error      string            `json:"error,omitempty"`
}

// SQLs returns the candidate queries in order.
func (s StageRecord) SQLs() []string {
	out := make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		out[i] = c.SQL
	}
	return out
}

// CandidateRecord is one candidate query with its last execution outcome.
type CandidateRecord struct {
	SQL         string  `json:"sql"`
	Status      string  `json:"status"`
	Message     string  `json:"message,omitempty"`
	RowCount    int     `json:"row_count"`
	Digest      string  `json:"digest,omitempty"`
	Temperature float64 `json:"temperature"`
	Attempts    int     `json:"attempts"`
	Exhausted   bool    `json:"exhausted,omitempty"`
	Rules       string  `json:"rules,omitempty"`
	Source      int     `json:"source"`
	ToolCalls   int     `json:"tool_calls,omitempty"`
}

// SelectionRecord describes how the final answer was chosen. Index counts
// positions in the select pool: the candidates of the pool stages
// concatenated in pool order, including ones that produced no SQL. Stage and
// Sample name the same winner directly; Index is -1 when nothing won.
type SelectionRecord struct {
	Pool     []string  `json:"pool"`
	Mode     string    `json:"mode"`
	Index    int       `json:"index"`
	Stage    string    `json:"stage,omitempty"`
	Sample   int       `json:"sample"`
	Votes    int       `json:"votes"`
	Distinct int       `json:"distinct"`
	Fallback bool      `json:"fallback,omitempty"`
	Scores   []float64 `json:"scores,omitempty"` // by pool position; 0 for candidates without SQL
}

// RunArgs is written once per run as the run's -args.json.
type RunArgs struct {
	RunID      string   `json:"run_id"`
	Pipeline   string   `json:"pipeline"`
	Dataset    string   `json:"dataset"`
	DBRoot     string   `json:"db_root"`
	Questions  int      `json:"questions"`
	Stages     []string `json:"stages"`
	Pool       []string `json:"pool"`
	Model      string   `json:"model"`
	Provider   string   `json:"provider"`
	VoteMode   string   `json:"vote_mode"`
	StartedAt  string   `json:"started_at"`
	ConfigYAML string   `json:"config_yaml,omitempty"`
}

// RunInfo summarises one run directory.
type RunInfo struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Questions int    `json:"questions"`
	Args      *RunArgs
}
