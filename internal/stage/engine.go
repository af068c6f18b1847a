package stage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/votesql/internal/config"
	"github.com/lucasnoah/votesql/internal/llm"
	"github.com/lucasnoah/votesql/internal/prompt"
	"github.com/lucasnoah/votesql/internal/schema"
	"github.com/lucasnoah/votesql/internal/sqlexec"
	"github.com/lucasnoah/votesql/internal/task"
)

// Executor runs one statement against a target.
type Executor interface {
	Execute(ctx context.Context, query, target string, timeout time.Duration) sqlexec.Outcome
}

// Engine produces candidates for one stage: generate, execute, and retry
// with execution feedback until a candidate is accepted or attempts run out.
type Engine struct {
	gen    llm.Generator
	exec   Executor
	cfg    *config.PipelineConfig
	loader *prompt.Loader
	logger *zap.Logger

	progressMu sync.Mutex
	progress   io.Writer // live progress output; nil = silent
}

// NewEngine creates a stage engine.
func NewEngine(gen llm.Generator, exec Executor, cfg *config.PipelineConfig, loader *prompt.Loader) *Engine {
	if loader == nil {
		loader = prompt.NewLoader(cfg.Pipeline.Templates)
	}
	return &Engine{
		gen:    gen,
		exec:   exec,
		cfg:    cfg,
		loader: loader,
		logger: zap.NewNop(),
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetLogger sets the engine's structured logger.
func (e *Engine) SetLogger(l *zap.Logger) {
	if l != nil {
		e.logger = l
	}
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...any) {
	if e.progress == nil {
		return
	}
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
}

// Candidate is one SQL query produced by a stage, with the outcome of its
// last execution.
type Candidate struct {
	SQL         string          `json:"sql"`
	Outcome     sqlexec.Outcome `json:"outcome"`
	Temperature float64         `json:"temperature"`
	Attempts    int             `json:"attempts"`
	Exhausted   bool            `json:"exhausted,omitempty"`
	Rules       string          `json:"rules,omitempty"`
	Source      int             `json:"source"` // index of the refined prior candidate, -1 for fresh samples
	ToolCalls   int             `json:"tool_calls,omitempty"`
}

// RunOpts configures a stage run.
type RunOpts struct {
	Task    *task.Task
	Stage   string
	Prior   []Candidate
	History *task.History
}

// RunResult captures the candidates a stage produced.
type RunResult struct {
	Stage      string        `json:"stage"`
	Candidates []Candidate   `json:"candidates"`
	Skipped    bool          `json:"skipped,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SQLs returns the candidate queries in order.
func (r *RunResult) SQLs() []string {
	out := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.SQL
	}
	return out
}

// Exhausted counts candidates that degraded after using every attempt.
func (r *RunResult) Exhausted() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Exhausted {
			n++
		}
	}
	return n
}

// Run executes one stage for one question. Sample stages draw fresh
// candidates; refine stages rework each prior candidate. Failures of
// individual samples degrade to empty candidates; Run itself fails only on
// misconfiguration or a cancelled context.
func (e *Engine) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	start := time.Now()
	st, ok := e.cfg.Pipeline.Stage(opts.Stage)
	if !ok {
		return nil, fmt.Errorf("stage %q not found in pipeline config", opts.Stage)
	}
	if opts.Task == nil {
		return nil, fmt.Errorf("stage %q: no task", opts.Stage)
	}
	if opts.History == nil {
		opts.History = task.NewHistory()
	}
	tmpl, err := e.loader.Load(st.Template)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", st.ID, err)
	}

	result := &RunResult{Stage: st.ID}
	e.logf("q%d: running stage %q", opts.Task.QuestionID, st.ID)

	// Unanimous prior candidates pass through unchanged
	if st.Kind == config.KindRefine && st.SkipWhenAgreed && agreed(opts.Prior) {
		e.logf("q%d: %d prior candidates agree, skipping %q", opts.Task.QuestionID, len(opts.Prior), st.ID)
		result.Candidates = append([]Candidate(nil), opts.Prior...)
		result.Skipped = true
		result.Duration = time.Since(start)
		return result, nil
	}

	// A refine stage makes one sample per prior candidate
	n := st.Samples
	if st.Kind == config.KindRefine {
		n = len(opts.Prior)
	}

	candidates := make([]Candidate, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.Parallel)
	for k := 0; k < n; k++ {
		var prior *Candidate
		if st.Kind == config.KindRefine {
			prior = &opts.Prior[k]
		}
		g.Go(func() error {
			c, err := e.runSample(gctx, st, tmpl, opts, k, prior)
			if err != nil {
				return err
			}
			// Slot k, so candidates keep sample order
			candidates[k] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("stage %q: %w", st.ID, err)
	}

	result.Candidates = candidates
	result.Duration = time.Since(start)
	e.logf("q%d: stage %q produced %d candidates (%d exhausted) in %s",
		opts.Task.QuestionID, st.ID, n, result.Exhausted(), result.Duration.Round(time.Millisecond))
	return result, nil
}

// agreed reports whether every prior candidate succeeded with one result.
func agreed(prior []Candidate) bool {
	if len(prior) == 0 {
		return false
	}
	first := prior[0].Outcome
	if first.Status != sqlexec.StatusSuccess {
		return false
	}
	for _, c := range prior[1:] {
		if !c.Outcome.Equal(first) {
			return false
		}
	}
	return true
}

// runSample drives one sample through the bounded retry loop. The
// conversation grows by an assistant turn and a corrective user turn per
// rejected attempt.
func (e *Engine) runSample(ctx context.Context, st config.Stage, tmpl string, opts RunOpts, k int, prior *Candidate) (Candidate, error) {
	t := opts.Task
	cand := Candidate{Temperature: st.Temperature(k), Source: -1}
	if prior != nil {
		cand.Source = k
	}

	vars := e.stageVars(st, t, prior)
	user, err := prompt.Render(tmpl, vars)
	if err != nil {
		return cand, fmt.Errorf("render %s: %w", st.Template, err)
	}
	system, err := e.systemPrompt(st, vars)
	if err != nil {
		return cand, err
	}
	conv := llm.NewConversation(system, user)

	for attempt := 1; attempt <= st.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return cand, err
		}
		cand.Attempts = attempt

		text, next, calls, err := e.complete(ctx, st, t, opts.History, conv, cand.Temperature)
		cand.ToolCalls += calls
		// A failed generation still spends the attempt
		if err != nil {
			if ctx.Err() != nil {
				return cand, ctx.Err()
			}
			e.logger.Warn("generation failed",
				zap.Int("question_id", t.QuestionID),
				zap.String("stage", st.ID),
				zap.Int("sample", k),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		conv = next

		// So does a reply without a SQL block
		query, ok := llm.LastSQL(text)
		if !ok {
			feedback, err := e.renderFeedback(prompt.FeedbackNoSQLTemplate, prompt.Vars{})
			if err != nil {
				return cand, err
			}
			conv = conv.With(llm.Assistant(text), llm.User(feedback))
			continue
		}

		out := e.exec.Execute(ctx, query, t.Target, st.ExecTimeout())
		// History is shared across the question; a repeat gets stronger feedback
		fresh := opts.History.Add(out.Status, out.Message)
		e.logger.Debug("candidate executed",
			zap.Int("question_id", t.QuestionID),
			zap.String("stage", st.ID),
			zap.Int("sample", k),
			zap.Int("attempt", attempt),
			zap.String("status", string(out.Status)))

		if !st.Retryable(out.Status) {
			cand.SQL = query
			cand.Outcome = out
			if st.ExtractRules {
				if rules, ok := llm.LastText(text); ok {
					cand.Rules = rules
				}
			}
			// Rules carry forward when this stage produced none
			if cand.Rules == "" && prior != nil {
				cand.Rules = prior.Rules
			}
			return cand, nil
		}

		feedback, err := e.feedback(out, query, !fresh)
		if err != nil {
			return cand, err
		}
		conv = conv.With(llm.Assistant(text), llm.User(feedback))
	}

	// Out of attempts: a degraded candidate with no SQL
	e.logf("q%d: stage %q sample %d exhausted after %d attempts", t.QuestionID, st.ID, k, st.MaxRetries)
	cand.Exhausted = true
	cand.SQL = ""
	cand.Outcome = sqlexec.Outcome{
		Status:  sqlexec.StatusFailed,
		Message: fmt.Sprintf("no valid SQL after %d attempts", st.MaxRetries),
	}
	return cand, nil
}

// complete asks the generator for one answer under the stage's generation
// timeout, running the tool loop first when the stage enables it. It
// returns the answer text and the conversation up to, but not including,
// that answer.
func (e *Engine) complete(ctx context.Context, st config.Stage, t *task.Task, h *task.History, conv llm.Conversation, temp float64) (string, llm.Conversation, int, error) {
	if st.ToolIterations > 0 {
		return e.toolLoop(ctx, st, t, h, conv, temp)
	}
	text, err := e.generate(ctx, st, conv, temp)
	return text, conv, 0, err
}

func (e *Engine) generate(ctx context.Context, st config.Stage, conv llm.Conversation, temp float64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, st.GenTimeout())
	defer cancel()
	resp, err := e.gen.Generate(ctx, llm.Request{Model: st.Model, Messages: conv, Temperature: temp})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// prunedSchema narrows the stage's schema description to the tables and
// columns query touches, widened by the task's redundant column groups. Any
// failure falls back to the full description.
func (e *Engine) prunedSchema(st config.Stage, t *task.Task, query string) string {
	full := t.SchemaFor(st.Schema)
	refs, err := schema.Extract(query)
	if err == nil {
		refs = refs.Widen(t.ConsistentRedundant).Widen(t.InconsistentRedundant)
		var pruned string
		if pruned, err = schema.Prune(full, refs); err == nil {
			return pruned
		}
	}
	e.logger.Debug("schema not pruned",
		zap.Int("question_id", t.QuestionID),
		zap.String("stage", st.ID),
		zap.Error(err))
	return full
}

// stageVars builds the template variables for one sample.
func (e *Engine) stageVars(st config.Stage, t *task.Task, prior *Candidate) prompt.Vars {
	vars := prompt.Vars{
		"stage_id":          st.ID,
		"db_id":             t.DBID,
		"question":          t.Question,
		"evidence":          t.Evidence,
		"schema":            t.SchemaFor(st.Schema),
		"examples":          t.Examples,
		"cardinality_hints": strings.Join(t.CardinalityHints, "\n"),
		"redundant_columns": t.RedundantColumns(),
		"sql":               "",
		"sql_status":        "",
		"sql_message":       "",
		"rules":             "",
		"tools":             "",
	}
	if prior != nil {
		vars["sql"] = prior.SQL
		vars["sql_status"] = string(prior.Outcome.Status)
		vars["sql_message"] = prior.Outcome.Message
		vars["rules"] = prior.Rules
		if st.PruneSchema && prior.SQL != "" {
			vars["schema"] = e.prunedSchema(st, t, prior.SQL)
		}
	}
	if st.ToolIterations > 0 {
		if tools, err := e.loader.Load(prompt.ToolInstructionsTemplate); err == nil {
			vars["tools"] = tools
		}
	}
	return vars
}

func (e *Engine) systemPrompt(st config.Stage, vars prompt.Vars) (string, error) {
	name := st.System
	if name == "" {
		name = prompt.SystemTemplate
	}
	tmpl, err := e.loader.Load(name)
	if err != nil {
		return "", fmt.Errorf("stage %q: %w", st.ID, err)
	}
	return prompt.Render(tmpl, vars)
}

// feedback builds the corrective turn for a rejected execution.
func (e *Engine) feedback(out sqlexec.Outcome, query string, repeated bool) (string, error) {
	name := prompt.FeedbackFailedTemplate
	switch out.Status {
	case sqlexec.StatusEmpty:
		name = prompt.FeedbackEmptyTemplate
	case sqlexec.StatusNullResult:
		name = prompt.FeedbackNullTemplate
	}
	vars := prompt.Vars{
		"message":  out.Message,
		"status":   string(out.Status),
		"sql":      query,
		"repeated": "",
	}
	if repeated {
		vars["repeated"] = "yes"
	}
	return e.renderFeedback(name, vars)
}

func (e *Engine) renderFeedback(name string, vars prompt.Vars) (string, error) {
	tmpl, err := e.loader.Load(name)
	if err != nil {
		return "", err
	}
	return prompt.Render(tmpl, vars)
}
