package vote

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lucasnoah/votesql/internal/sqlexec"
	"github.com/lucasnoah/votesql/internal/sqlexec/sqlexectest"
)

func trivialDB(t *testing.T) string {
	t.Helper()
	return sqlexectest.NewDB(t,
		`CREATE TABLE t (a INTEGER, b TEXT)`,
		`INSERT INTO t VALUES (1, 'x'), (2, 'y'), (3, NULL)`,
	)
}

func same(target string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = target
	}
	return out
}

func TestVote_MajorityWins(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	candidates := []string{"SELECT 1", "SELECT 1", "SELECT 2"}

	got, err := e.Vote(context.Background(), same(db, 3), candidates, 3)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"SELECT 1"}}, got)
}

func TestVote_OnlyValidCandidateWins(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	candidates := []string{"SELECT * FROM t WHERE 1=0", "bad syntax (((", "SELECT 1"}

	got, err := e.Vote(context.Background(), same(db, 3), candidates, 3)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"SELECT 1"}}, got)
}

func TestVote_AllFailedFallsBackToCandidate(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{Seed: 7})
	candidates := []string{"SELEC 1", "SELECT * FROM missing", "((("}

	got, err := e.Vote(context.Background(), same(db, 3), candidates, 3)

	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Len(t, got[0], 1)
	assert.Contains(t, candidates, got[0][0])
}

func TestVote_AllFailedSentinel(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{OnAllFailed: FallbackSentinel})

	got, err := e.Vote(context.Background(), same(db, 2), []string{"SELEC 1", ""}, 2)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{NoAnswer}}, got)
}

func TestVote_TieBreakIsFirstSeen(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	ctx := context.Background()

	a1, a2 := "SELECT a FROM t WHERE a < 3", "SELECT a FROM t WHERE a <= 2 ORDER BY a DESC"
	b1, b2 := "SELECT b FROM t WHERE b IS NOT NULL", "SELECT b FROM t WHERE a IN (1, 2)"

	got, err := e.Vote(ctx, same(db, 4), []string{a1, b1, a2, b2}, 4)
	require.NoError(t, err)
	assert.Equal(t, a1, got[0][0])

	got, err = e.Vote(ctx, same(db, 4), []string{b1, a1, b2, a2}, 4)
	require.NoError(t, err)
	assert.Equal(t, b1, got[0][0])

	// Repeating the same input order always yields the same exemplar.
	for i := 0; i < 5; i++ {
		got, err = e.Vote(ctx, same(db, 4), []string{a2, b2, a1, b1}, 4)
		require.NoError(t, err)
		assert.Equal(t, a2, got[0][0])
	}
}

func TestVote_Groups(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	candidates := []string{
		"SELECT 1", "SELECT 2", "SELECT 2",
		"SELECT 3", "SELECT 3", "SELECT 4",
		"SELECT 5",
	}

	got, err := e.Vote(context.Background(), same(db, len(candidates)), candidates, 3)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"SELECT 2"}, {"SELECT 3"}, {"SELECT 5"}}, got)
}

func TestVote_InvalidArguments(t *testing.T) {
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	ctx := context.Background()

	_, err := e.Vote(ctx, []string{"a"}, []string{"SELECT 1", "SELECT 2"}, 2)
	assert.Error(t, err)

	_, err = e.Vote(ctx, []string{"a"}, []string{"SELECT 1"}, 0)
	assert.Error(t, err)
}

func TestVote_CanceledContext(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Vote(ctx, same(db, 2), []string{"SELECT 1", "SELECT 1"}, 2)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVote_TimeoutCountsAsFailure(t *testing.T) {
	db := trivialDB(t)
	exec := sqlexec.New(sqlexec.Config{Grace: 50 * time.Millisecond})
	e := NewEngine(exec, Config{Timeout: 200 * time.Millisecond})
	slow := `WITH RECURSIVE r(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM r) SELECT count(*) FROM r`

	start := time.Now()
	got, err := e.Vote(context.Background(), same(db, 3), []string{slow, "SELECT 2", slow}, 3)

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"SELECT 2"}}, got)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Eventually(t, func() bool { return exec.OpenConnections() == 0 }, 5*time.Second, 20*time.Millisecond)
}

// countingExecutor records peak concurrency.
type countingExecutor struct {
	active, peak atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, query, target string, timeout time.Duration) sqlexec.Outcome {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.active.Add(-1)
	return sqlexec.Outcome{Status: sqlexec.StatusSuccess, Digest: query}
}

func TestExecute_RespectsWorkerBound(t *testing.T) {
	ce := &countingExecutor{}
	e := NewEngine(ce, Config{Workers: 3})
	n := 20
	candidates := make([]string, n)
	for i := range candidates {
		candidates[i] = string(rune('a' + i))
	}

	results, err := e.Execute(context.Background(), same("db", n), candidates)

	require.NoError(t, err)
	require.Len(t, results, n)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, candidates[i], r.SQL)
	}
	assert.LessOrEqual(t, ce.peak.Load(), int32(3))
}

func TestTally(t *testing.T) {
	ok := func(d string) sqlexec.Outcome { return sqlexec.Outcome{Status: sqlexec.StatusSuccess, Digest: d} }
	group := []Result{
		{SQL: "q0", Outcome: sqlexec.Outcome{Status: sqlexec.StatusFailed}},
		{SQL: "q1", Outcome: ok("x")},
		{SQL: "q2", Outcome: ok("y")},
		{SQL: "q3", Outcome: ok("x")},
		{SQL: "q4", Outcome: sqlexec.Outcome{Status: sqlexec.StatusEmpty}},
	}

	entries := Tally(group)

	require.Len(t, entries, 2)
	assert.Equal(t, "q1", entries[0].SQL)
	assert.Equal(t, 2, entries[0].Votes)
	assert.Equal(t, 1, entries[0].First)
	assert.Equal(t, "q2", entries[1].SQL)
	assert.Equal(t, 1, entries[1].Votes)
}

func TestElect(t *testing.T) {
	db := trivialDB(t)
	e := NewEngine(sqlexec.New(sqlexec.Config{}), Config{})

	sel, results, err := e.Elect(context.Background(), db, []string{"SELECT 2", "SELECT 1", "SELECT 1"})

	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "SELECT 1", sel.SQL)
	assert.Equal(t, 1, sel.Index)
	assert.Equal(t, 2, sel.Votes)
	assert.Equal(t, 2, sel.Distinct)
	assert.False(t, sel.Fallback)
}

// slowFirstExecutor holds back every copy of the first query until some
// other query has finished, so dispatches complete out of input order.
// "SELECT <digest>" succeeds with that digest.
type slowFirstExecutor struct {
	first string
	done  chan struct{}
}

func (s *slowFirstExecutor) Execute(ctx context.Context, query, target string, timeout time.Duration) sqlexec.Outcome {
	if query == s.first {
		<-s.done
		time.Sleep(20 * time.Millisecond)
	} else {
		defer func() { s.done <- struct{}{} }()
	}
	return sqlexec.Outcome{Status: sqlexec.StatusSuccess, Digest: query[len("SELECT "):]}
}

func TestExecute_OutOfOrderCompletionKeepsInputOrder(t *testing.T) {
	// a and b tie 2-2; a is seen first but finishes last.
	candidates := []string{"SELECT a", "SELECT b", "SELECT b", "SELECT a"}
	slow := &slowFirstExecutor{first: candidates[0], done: make(chan struct{}, len(candidates))}
	e := NewEngine(slow, Config{Workers: len(candidates)})

	results, err := e.Execute(context.Background(), same("db", len(candidates)), candidates)

	require.NoError(t, err)
	require.Len(t, results, len(candidates))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, candidates[i], r.SQL)
	}

	sel := e.Select(results)
	assert.Equal(t, 0, sel.Index)
	assert.Equal(t, "SELECT a", sel.SQL)
	assert.Equal(t, 2, sel.Votes)
}

func TestFallback_PickDependsOnlyOnGroup(t *testing.T) {
	failed := sqlexec.Outcome{Status: sqlexec.StatusFailed}
	group := func(prefix string) []Result {
		var g []Result
		for i := 0; i < 6; i++ {
			g = append(g, Result{Index: i, Target: "db", SQL: fmt.Sprintf("%s %d", prefix, i), Outcome: failed})
		}
		return g
	}
	a, b := group("SELEC"), group("SELCT")

	first := NewEngine(nil, Config{Seed: 11})
	wantA := first.Select(a)
	wantB := first.Select(b)
	assert.True(t, wantA.Fallback)

	// Deciding the groups in the other order, from a fresh engine, picks
	// the same candidates.
	second := NewEngine(nil, Config{Seed: 11})
	assert.Equal(t, wantB, second.Select(b))
	assert.Equal(t, wantA, second.Select(a))
	for i := 0; i < 3; i++ {
		assert.Equal(t, wantA, second.Select(a))
	}
}
