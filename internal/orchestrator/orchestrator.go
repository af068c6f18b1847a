package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lucasnoah/votesql/internal/config"
	"github.com/lucasnoah/votesql/internal/db"
	"github.com/lucasnoah/votesql/internal/pipeline"
	"github.com/lucasnoah/votesql/internal/stage"
	"github.com/lucasnoah/votesql/internal/task"
	"github.com/lucasnoah/votesql/internal/vote"
)

// Orchestrator drives questions through the configured stages and the
// final vote.
type Orchestrator struct {
	cfg    *config.PipelineConfig
	engine *stage.Engine
	voter  *vote.Engine
	store  *pipeline.Store // optional
	db     *db.DB          // optional
	logger *zap.Logger
	runID  string

	progressMu sync.Mutex
	progress   io.Writer
}

// NewOrchestrator creates an Orchestrator. store and database may be nil,
// in which case records are not persisted or logged.
func NewOrchestrator(
	cfg *config.PipelineConfig,
	engine *stage.Engine,
	voter *vote.Engine,
	store *pipeline.Store,
	database *db.DB,
) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		engine: engine,
		voter:  voter,
		store:  store,
		db:     database,
		logger: zap.NewNop(),
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// SetLogger sets the orchestrator's structured logger.
func (o *Orchestrator) SetLogger(l *zap.Logger) {
	if l != nil {
		o.logger = l
	}
}

// RunID returns the id of the current run, "" before Begin.
func (o *Orchestrator) RunID() string {
	return o.runID
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress == nil {
		return
	}
	o.progressMu.Lock()
	defer o.progressMu.Unlock()
	fmt.Fprintf(o.progress, format+"\n", args...)
}

// Begin starts a run: it assigns a run id when args has none, writes the
// run arguments and opens the run in the run log.
func (o *Orchestrator) Begin(args *pipeline.RunArgs) error {
	if args.RunID == "" {
		args.RunID = db.NewRunID()
	}
	if args.StartedAt == "" {
		args.StartedAt = time.Now().UTC().Format(time.RFC3339)
	}
	o.runID = args.RunID

	if o.store != nil {
		if err := o.store.SaveArgs(args); err != nil {
			return fmt.Errorf("save run args: %w", err)
		}
	}
	if o.db != nil {
		err := o.db.CreateRun(db.Run{
			ID:        args.RunID,
			Pipeline:  args.Pipeline,
			Dataset:   args.Dataset,
			Model:     args.Model,
			Questions: args.Questions,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run answers one question. It never fails: stage and select errors are
// recorded on the returned record and the question degrades to an empty
// answer when no candidate survives.
func (o *Orchestrator) Run(ctx context.Context, t *task.Task) *pipeline.QuestionRecord {
	start := time.Now()
	rec := &pipeline.QuestionRecord{
		RunID:      o.runID,
		QuestionID: t.QuestionID,
		DBID:       t.DBID,
		Question:   t.Question,
		Target:     t.Target,
		StartedAt:  start.UTC().Format(time.RFC3339),
	}
	fail := func(err error) {
		if rec.Error == "" {
			rec.Error = err.Error()
		}
	}

	history := task.NewHistory()
	produced := make(map[string][]stage.Candidate, len(o.cfg.Pipeline.Stages))

	for _, st := range o.cfg.Pipeline.Stages {
		var prior []stage.Candidate
		for _, in := range st.Inputs {
			prior = append(prior, produced[in]...)
		}

		res, err := o.engine.Run(ctx, stage.RunOpts{Task: t, Stage: st.ID, Prior: prior, History: history})
		if err != nil {
			o.logger.Warn("stage failed",
				zap.Int("question_id", t.QuestionID),
				zap.String("stage", st.ID),
				zap.Error(err))
			rec.Stages = append(rec.Stages, pipeline.StageRecord{Stage: st.ID, Error: err.Error()})
			o.logStageRun(t, st.ID, nil, err)
			fail(err)
			break
		}
		produced[st.ID] = res.Candidates
		rec.Stages = append(rec.Stages, stageRecord(res))
		o.logStageRun(t, st.ID, res, nil)
	}

	o.elect(ctx, t, produced, rec, fail)

	end := time.Now()
	rec.FinishedAt = end.UTC().Format(time.RFC3339)
	rec.Duration = end.Sub(start).Round(time.Millisecond).String()
	return rec
}

// elect votes over the concatenated candidates of the select pool.
// Candidates that never produced SQL do not enter the vote.
func (o *Orchestrator) elect(ctx context.Context, t *task.Task, produced map[string][]stage.Candidate, rec *pipeline.QuestionRecord, fail func(error)) {
	pool := o.cfg.Pipeline.Select.Pool
	rec.Selection = pipeline.SelectionRecord{Pool: pool, Mode: o.cfg.Pipeline.Voting.Mode, Index: -1, Sample: -1}

	// Remember where each voted candidate sits in the pool
	type slot struct {
		stage       string
		sample, pos int
	}
	var (
		sqls  []string
		slots []slot
		size  int
	)
	for _, id := range pool {
		for k, c := range produced[id] {
			if c.SQL != "" {
				sqls = append(sqls, c.SQL)
				slots = append(slots, slot{stage: id, sample: k, pos: size})
			}
			size++
		}
	}

	if len(sqls) == 0 {
		rec.Degraded = true
		rec.Selection.Fallback = true
		o.logVote(t, rec, 0)
		return
	}

	sel, _, err := o.voter.Elect(ctx, t.Target, sqls)
	if err != nil {
		fail(fmt.Errorf("select: %w", err))
		rec.Degraded = true
		return
	}
	rec.SQL = sel.SQL
	rec.Degraded = sel.SQL == vote.NoAnswer
	if sel.Index >= 0 {
		w := slots[sel.Index]
		rec.Selection.Index = w.pos
		rec.Selection.Stage = w.stage
		rec.Selection.Sample = w.sample
	}
	rec.Selection.Votes = sel.Votes
	rec.Selection.Distinct = sel.Distinct
	rec.Selection.Fallback = sel.Fallback
	if sel.Scores != nil {
		// Spread scores back over the full pool
		scores := make([]float64, size)
		for i, s := range sel.Scores {
			scores[slots[i].pos] = s
		}
		rec.Selection.Scores = scores
	}
	o.logVote(t, rec, len(sqls))
}

// RunBatch answers tasks concurrently on a pool of cfg concurrency workers
// and returns one record per task in input order. Each record is persisted
// as it completes; per-stage aggregates and predictions are written at the
// end. A panicking question degrades instead of aborting the batch. The
// returned error reports persistence failures and cancellation; records
// are returned in either case.
func (o *Orchestrator) RunBatch(ctx context.Context, tasks []*task.Task) ([]*pipeline.QuestionRecord, error) {
	// Callers may Begin themselves to set run arguments
	if o.runID == "" {
		if err := o.Begin(&pipeline.RunArgs{Pipeline: o.cfg.Pipeline.Name, Questions: len(tasks)}); err != nil {
			return nil, err
		}
	}

	workers := o.cfg.Pipeline.Concurrency
	if workers <= 0 {
		workers = config.DefaultConcurrency
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		o.logger.Error("batch worker panic", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.ReleaseTimeout(3 * time.Second)

	// Each worker writes only records[i]; records keep task order
	records := make([]*pipeline.QuestionRecord, len(tasks))
	var done atomic.Int64
	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			records[i] = o.runGuarded(ctx, t)
			o.persist(records[i])
			n := done.Add(1)
			o.logf("[%d/%d] q%d %s", n, len(tasks), records[i].QuestionID, summary(records[i]))
		})
		// A pool that rejects the task still yields a record
		if err != nil {
			wg.Done()
			records[i] = degraded(o.runID, t, fmt.Errorf("submit: %w", err))
			o.persist(records[i])
		}
	}
	wg.Wait()

	// Write aggregates and close the run even when cancelled
	var errs []error
	if o.store != nil {
		recs := make([]pipeline.QuestionRecord, len(records))
		for i, r := range records {
			recs[i] = *r
		}
		if err := o.store.WriteAggregates(o.runID, o.stageIDs(), recs); err != nil {
			errs = append(errs, err)
		}
	}

	status := db.RunCompleted
	if ctx.Err() != nil {
		status = db.RunCancelled
		errs = append(errs, ctx.Err())
	}
	if o.db != nil {
		if err := o.db.FinishRun(o.runID, status); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return records, fmt.Errorf("batch %s: %w", o.runID, errors.Join(errs...))
	}
	return records, nil
}

// runGuarded runs one question, converting a panic into a degraded record.
func (o *Orchestrator) runGuarded(ctx context.Context, t *task.Task) (rec *pipeline.QuestionRecord) {
	defer func() {
		if v := recover(); v != nil {
			rec = degraded(o.runID, t, fmt.Errorf("panic: %v", v))
			o.logger.Error("question panicked", zap.Int("question_id", rec.QuestionID), zap.Any("panic", v))
		}
	}()
	if err := ctx.Err(); err != nil {
		return degraded(o.runID, t, err)
	}
	return o.Run(ctx, t)
}

func (o *Orchestrator) persist(rec *pipeline.QuestionRecord) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveQuestion(rec); err != nil {
		o.logger.Warn("save question record failed", zap.Int("question_id", rec.QuestionID), zap.Error(err))
	}
}

func (o *Orchestrator) stageIDs() []string {
	ids := make([]string, len(o.cfg.Pipeline.Stages))
	for i, st := range o.cfg.Pipeline.Stages {
		ids[i] = st.ID
	}
	return ids
}

func degraded(runID string, t *task.Task, err error) *pipeline.QuestionRecord {
	now := time.Now().UTC().Format(time.RFC3339)
	rec := &pipeline.QuestionRecord{
		RunID:      runID,
		Selection:  pipeline.SelectionRecord{Index: -1, Sample: -1, Fallback: true},
		Degraded:   true,
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
		Duration:   "0s",
	}
	if t != nil {
		rec.QuestionID = t.QuestionID
		rec.DBID = t.DBID
		rec.Question = t.Question
		rec.Target = t.Target
	}
	return rec
}

func summary(rec *pipeline.QuestionRecord) string {
	switch {
	case rec.Error != "":
		return "degraded: " + rec.Error
	case rec.Degraded:
		return "degraded: no candidate survived"
	case rec.Selection.Fallback:
		return fmt.Sprintf("fallback pick in %s", rec.Duration)
	default:
		return fmt.Sprintf("%d votes, %d distinct results in %s", rec.Selection.Votes, rec.Selection.Distinct, rec.Duration)
	}
}
