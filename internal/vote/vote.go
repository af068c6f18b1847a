package vote

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/votesql/internal/sqlexec"
)

// Mode selects how a group's winner is chosen.
type Mode string

const (
	ModeExact Mode = "exact"
	ModeSoft  Mode = "soft"
)

// Fallback decides the answer when no candidate in a group succeeds.
type Fallback string

const (
	FallbackRandom   Fallback = "random"
	FallbackSentinel Fallback = "sentinel"
)

// NoAnswer is the sentinel returned for a group without a usable candidate.
const NoAnswer = ""

const (
	DefaultWorkers = 20
	DefaultTimeout = 5 * time.Second
)

// Executor runs one statement against a target.
type Executor interface {
	Execute(ctx context.Context, query, target string, timeout time.Duration) sqlexec.Outcome
}

// Config tunes an Engine.
type Config struct {
	Mode        Mode
	Workers     int
	Timeout     time.Duration
	OnAllFailed Fallback
	Seed        uint64
}

// Result is the execution of one candidate.
type Result struct {
	Index   int             `json:"index"`
	Target  string          `json:"target"`
	SQL     string          `json:"sql"`
	Outcome sqlexec.Outcome `json:"outcome"`
}

// Selection is the decision for one group.
type Selection struct {
	SQL      string    `json:"sql"`
	Index    int       `json:"index"` // position within the group, -1 for the sentinel
	Votes    int       `json:"votes"`
	Distinct int       `json:"distinct"`
	Fallback bool      `json:"fallback,omitempty"`
	Scores   []float64 `json:"scores,omitempty"`
}

// Engine executes candidates in parallel and votes over their results.
type Engine struct {
	exec   Executor
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a voting engine.
func NewEngine(exec Executor, cfg Config) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeExact
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.OnAllFailed == "" {
		cfg.OnAllFailed = FallbackRandom
	}
	return &Engine{
		exec:   exec,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
}

// SetLogger sets the engine's logger.
func (e *Engine) SetLogger(l *zap.Logger) {
	if l != nil {
		e.logger = l
	}
}

// Execute runs every candidate against its target with at most Workers
// concurrent dispatches. Results keep input order. Individual failures and
// timeouts are recorded in the outcomes; only a cancelled context is an error.
func (e *Engine) Execute(ctx context.Context, targets, candidates []string) ([]Result, error) {
	if len(targets) != len(candidates) {
		return nil, fmt.Errorf("vote: %d targets for %d candidates", len(targets), len(candidates))
	}

	// Each dispatch writes only its own slot, so results keep input order
	// however the dispatches finish.
	results := make([]Result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range candidates {
		g.Go(func() error {
			// Skip dispatches queued behind a cancellation
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Result{
				Index:   i,
				Target:  targets[i],
				SQL:     candidates[i],
				Outcome: e.exec.Execute(gctx, candidates[i], targets[i], e.cfg.Timeout),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("vote: %w", err)
	}
	// Executors swallow cancellation into outcomes; surface it here
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("vote: %w", err)
	}
	return results, nil
}

// Vote executes all candidates, splits them into consecutive groups of
// groupSize and returns one winning list per group.
func (e *Engine) Vote(ctx context.Context, targets, candidates []string, groupSize int) ([][]string, error) {
	if groupSize <= 0 {
		return nil, errors.New("vote: group size must be positive")
	}
	results, err := e.Execute(ctx, targets, candidates)
	if err != nil {
		return nil, err
	}

	var winners [][]string
	for _, group := range Groups(results, groupSize) {
		sel := e.Select(group)
		winners = append(winners, []string{sel.SQL})
	}
	return winners, nil
}

// Elect votes over candidates that all share one target and returns the
// selection together with every execution result.
func (e *Engine) Elect(ctx context.Context, target string, candidates []string) (Selection, []Result, error) {
	targets := make([]string, len(candidates))
	for i := range targets {
		targets[i] = target
	}
	results, err := e.Execute(ctx, targets, candidates)
	if err != nil {
		return Selection{}, nil, err
	}
	return e.Select(results), results, nil
}

// Groups splits results into consecutive groups of size n. The last group
// may be shorter.
func Groups(results []Result, n int) [][]Result {
	var out [][]Result
	for start := 0; start < len(results); start += n {
		end := min(start+n, len(results))
		out = append(out, results[start:end])
	}
	return out
}

// Select picks the winner of one group according to the configured mode.
func (e *Engine) Select(group []Result) Selection {
	if len(group) == 0 {
		return Selection{SQL: NoAnswer, Index: -1, Fallback: true}
	}
	if e.cfg.Mode == ModeSoft {
		return e.selectSoft(group)
	}
	return e.selectExact(group)
}

func (e *Engine) selectExact(group []Result) Selection {
	entries := Tally(group)
	if len(entries) == 0 {
		return e.fallback(group)
	}
	// Strictly greater keeps the first-seen result on ties
	best := entries[0]
	for _, en := range entries[1:] {
		if en.Votes > best.Votes {
			best = en
		}
	}
	return Selection{
		SQL:      best.SQL,
		Index:    best.First,
		Votes:    best.Votes,
		Distinct: len(entries),
	}
}

func (e *Engine) selectSoft(group []Result) Selection {
	scores := RowScores(group)
	best := -1
	for i, r := range group {
		if !r.Outcome.Status.Present() {
			continue
		}
		if best < 0 || scores[i] > scores[best] {
			best = i
		}
	}
	if best < 0 {
		sel := e.fallback(group)
		sel.Scores = scores
		return sel
	}
	return Selection{
		SQL:      group[best].SQL,
		Index:    best,
		Votes:    countEqual(group, best),
		Distinct: len(Tally(group)),
		Scores:   scores,
	}
}

func countEqual(group []Result, i int) int {
	n := 0
	for _, r := range group {
		if r.Outcome.Equal(group[i].Outcome) {
			n++
		}
	}
	return n
}

func (e *Engine) fallback(group []Result) Selection {
	if e.cfg.OnAllFailed == FallbackSentinel {
		return Selection{SQL: NoAnswer, Index: -1, Fallback: true}
	}
	i := e.pick(group)
	e.logger.Debug("no successful candidate, choosing at random", zap.Int("index", i), zap.Int("group", len(group)))
	return Selection{SQL: group[i].SQL, Index: i, Fallback: true}
}

// pick draws a fallback index from a generator seeded with the configured
// seed and the group's candidates, so the same group always yields the same
// pick regardless of how many other groups were decided before it.
func (e *Engine) pick(group []Result) int {
	h := fnv.New64a()
	for _, r := range group {
		h.Write([]byte(r.Target))
		h.Write([]byte{0})
		h.Write([]byte(r.SQL))
		h.Write([]byte{0})
	}
	rng := rand.New(rand.NewPCG(e.cfg.Seed, h.Sum64()))
	return rng.IntN(len(group))
}

// TallyEntry counts the candidates that produced one distinct result.
type TallyEntry struct {
	Key   sqlexec.Key `json:"-"`
	Votes int         `json:"votes"`
	SQL   string      `json:"sql"`   // first candidate with this result
	First int         `json:"first"` // its index within the group
	Rows  int         `json:"rows"`
}

// Tally groups the successful results of a group by outcome key, in order
// of first appearance. Non-success outcomes carry no vote.
func Tally(group []Result) []TallyEntry {
	index := make(map[sqlexec.Key]int)
	var entries []TallyEntry
	for i, r := range group {
		if r.Outcome.Status != sqlexec.StatusSuccess {
			continue
		}
		k := r.Outcome.Key()
		if j, ok := index[k]; ok {
			entries[j].Votes++
			continue
		}
		index[k] = len(entries)
		entries = append(entries, TallyEntry{Key: k, Votes: 1, SQL: r.SQL, First: i, Rows: r.Outcome.RowCount})
	}
	return entries
}
