// Package evaluate scores predicted SQL against gold SQL by execution: a
// prediction is correct when it returns the same row set as the gold query.
package evaluate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/votesql/internal/sqlexec"
	"github.com/lucasnoah/votesql/internal/task"
)

// Defaults for Config zero values.
const (
	DefaultWorkers = 8
	DefaultTimeout = 30 * time.Second
)

// Executor runs one statement against a target.
type Executor interface {
	Execute(ctx context.Context, query, target string, timeout time.Duration) sqlexec.Outcome
}

// Config tunes an evaluation.
type Config struct {
	Workers int
	Timeout time.Duration
}

// Item pairs a prediction with its gold query.
type Item struct {
	QuestionID int
	DBID       string
	Target     string
	Difficulty string
	Predicted  string
	Gold       string
}

// Verdict is the result for one item.
type Verdict struct {
	QuestionID      int            `json:"question_id"`
	DBID            string         `json:"db_id"`
	Difficulty      string         `json:"difficulty"`
	Correct         bool           `json:"correct"`
	PredictedStatus sqlexec.Status `json:"predicted_status"`
	GoldStatus      sqlexec.Status `json:"gold_status"`
	Message         string         `json:"message,omitempty"`
}

// Bucket is accuracy over one difficulty level.
type Bucket struct {
	Difficulty string  `json:"difficulty"`
	Total      int     `json:"total"`
	Correct    int     `json:"correct"`
	Accuracy   float64 `json:"accuracy"`
}

// Report is the outcome of an evaluation.
type Report struct {
	Total        int       `json:"total"`
	Correct      int       `json:"correct"`
	Accuracy     float64   `json:"accuracy"`
	GoldFailures int       `json:"gold_failures"`
	ByDifficulty []Bucket  `json:"by_difficulty"`
	Verdicts     []Verdict `json:"verdicts"`
}

// Items builds evaluation items from tasks and a question id -> SQL map.
// Tasks without gold SQL are skipped; a missing prediction counts as "".
func Items(tasks []*task.Task, predictions map[int]string) []Item {
	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		if t.GoldSQL == "" {
			continue
		}
		items = append(items, Item{
			QuestionID: t.QuestionID,
			DBID:       t.DBID,
			Target:     t.Target,
			Difficulty: t.Difficulty,
			Predicted:  predictions[t.QuestionID],
			Gold:       t.GoldSQL,
		})
	}
	return items
}

// Evaluator executes predictions and gold queries concurrently.
type Evaluator struct {
	exec   Executor
	cfg    Config
	logger *zap.Logger
}

// New creates an Evaluator.
func New(exec Executor, cfg Config) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Evaluator{exec: exec, cfg: cfg, logger: zap.NewNop()}
}

// SetLogger sets the evaluator's structured logger.
func (e *Evaluator) SetLogger(l *zap.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Evaluate scores every item. Verdicts keep the order of items. It fails
// only when ctx is cancelled.
func (e *Evaluator) Evaluate(ctx context.Context, items []Item) (*Report, error) {
	verdicts := make([]Verdict, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, it := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			verdicts[i] = e.judge(gctx, it)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return summarize(verdicts), nil
}

func (e *Evaluator) judge(ctx context.Context, it Item) Verdict {
	v := Verdict{QuestionID: it.QuestionID, DBID: it.DBID, Difficulty: it.Difficulty}

	gold := e.exec.Execute(ctx, it.Gold, it.Target, e.cfg.Timeout)
	v.GoldStatus = gold.Status
	if !gold.Status.Present() {
		e.logger.Warn("gold SQL did not execute",
			zap.Int("question_id", it.QuestionID),
			zap.String("status", string(gold.Status)),
			zap.String("message", gold.Message))
		v.Message = "gold: " + gold.Message
		return v
	}

	if it.Predicted == "" {
		v.PredictedStatus = sqlexec.StatusFailed
		v.Message = "no prediction"
		return v
	}
	pred := e.exec.Execute(ctx, it.Predicted, it.Target, e.cfg.Timeout)
	v.PredictedStatus = pred.Status
	v.Correct = pred.SameResult(gold)
	if !pred.Status.Present() {
		v.Message = pred.Message
	}
	return v
}

func summarize(verdicts []Verdict) *Report {
	r := &Report{Total: len(verdicts), Verdicts: verdicts}
	buckets := make(map[string]*Bucket)
	for _, v := range verdicts {
		d := v.Difficulty
		if d == "" {
			d = "unknown"
		}
		b, ok := buckets[d]
		if !ok {
			b = &Bucket{Difficulty: d}
			buckets[d] = b
		}
		b.Total++
		if v.Correct {
			b.Correct++
			r.Correct++
		}
		if !v.GoldStatus.Present() {
			r.GoldFailures++
		}
	}
	r.Accuracy = ratio(r.Correct, r.Total)
	for _, b := range buckets {
		b.Accuracy = ratio(b.Correct, b.Total)
		r.ByDifficulty = append(r.ByDifficulty, *b)
	}
	sort.Slice(r.ByDifficulty, func(i, j int) bool {
		a, b := r.ByDifficulty[i].Difficulty, r.ByDifficulty[j].Difficulty
		if ra, rb := difficultyRank(a), difficultyRank(b); ra != rb {
			return ra < rb
		}
		return a < b
	})
	return r
}

func difficultyRank(d string) int {
	switch d {
	case "simple":
		return 0
	case "moderate":
		return 1
	case "challenging":
		return 2
	}
	return 3
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
