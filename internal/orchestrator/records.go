package orchestrator

import (
	"go.uber.org/zap"

	"github.com/lucasnoah/votesql/internal/db"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/stage"
	"github.com/lucasnoah/votesql/internal/task"
)

func stageRecord(res *stage.RunResult) pipeline.StageRecord {
	sr := pipeline.StageRecord{
		Stage:      res.Stage,
		Skipped:    res.Skipped,
		Duration:   res.Duration.String(),
		Candidates: make([]pipeline.CandidateRecord, len(res.Candidates)),
	}
	for i, c := range res.Candidates {
		sr.Candidates[i] = pipeline.CandidateRecord{
			SQL:         c.SQL,
			Status:      string(c.Outcome.Status),
			Message:     c.Outcome.Message,
			RowCount:    c.Outcome.RowCount,
			Digest:      c.Outcome.Digest,
			Temperature: c.Temperature,
			Attempts:    c.Attempts,
			Exhausted:   c.Exhausted,
			Rules:       c.Rules,
			Source:      c.Source,
			ToolCalls:   c.ToolCalls,
		}
	}
	return sr
}

// logStageRun writes a stage run and, unless the stage was skipped, the
// executions of its candidates to the run log. Log failures are warnings.
func (o *Orchestrator) logStageRun(t *task.Task, stageID string, res *stage.RunResult, runErr error) {
	if o.db == nil {
		return
	}
	sr := db.StageRun{RunID: o.runID, QuestionID: t.QuestionID, DBID: t.DBID, Stage: stageID}
	if runErr != nil {
		sr.Error = runErr.Error()
	}
	var execs []db.Execution
	if res != nil {
		sr.Candidates = len(res.Candidates)
		sr.Exhausted = res.Exhausted()
		sr.Skipped = res.Skipped
		sr.DurationMs = res.Duration.Milliseconds()
		if !res.Skipped {
			for i, c := range res.Candidates {
				execs = append(execs, db.Execution{
					RunID:      o.runID,
					QuestionID: t.QuestionID,
					Stage:      stageID,
					Sample:     i,
					Status:     string(c.Outcome.Status),
					Attempts:   c.Attempts,
					Exhausted:  c.Exhausted,
					ToolCalls:  c.ToolCalls,
					RowCount:   c.Outcome.RowCount,
					DurationMs: c.Outcome.Duration.Milliseconds(),
					Message:    c.Outcome.Message,
				})
			}
		}
	}

	if err := o.db.LogStageRun(sr); err != nil {
		o.logger.Warn("run log write failed", zap.String("table", "stage_runs"), zap.Error(err))
	}
	if err := o.db.LogExecutions(execs); err != nil {
		o.logger.Warn("run log write failed", zap.String("table", "executions"), zap.Error(err))
	}
}

func (o *Orchestrator) logVote(t *task.Task, rec *pipeline.QuestionRecord, candidates int) {
	if o.db == nil {
		return
	}
	err := o.db.LogVote(db.Vote{
		RunID:      o.runID,
		QuestionID: t.QuestionID,
		Mode:       rec.Selection.Mode,
		Candidates: candidates,
		Distinct:   rec.Selection.Distinct,
		Votes:      rec.Selection.Votes,
		Winner:     rec.Selection.Index,
		Fallback:   rec.Selection.Fallback,
		Degraded:   rec.Degraded,
	})
	if err != nil {
		o.logger.Warn("run log write failed", zap.String("table", "votes"), zap.Error(err))
	}
}
