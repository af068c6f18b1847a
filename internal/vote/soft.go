package vote

import (
	"github.com/lucasnoah/votesql/internal/sqlexec"
)

// column holds the value frequencies of one result column.
type column struct {
	counts map[string]int
	nulls  int
	total  int
}

// columnProfile builds per-column value frequencies keyed by column name.
// Columns that share a name are merged.
func columnProfile(o sqlexec.Outcome) (map[string]*column, []string) {
	cols := make(map[string]*column, len(o.Columns))
	var order []string
	for _, name := range o.Columns {
		if _, ok := cols[name]; !ok {
			cols[name] = &column{counts: make(map[string]int)}
			order = append(order, name)
		}
	}
	for _, row := range o.Rows {
		for i, v := range row {
			if i >= len(o.Columns) {
				break
			}
			c := cols[o.Columns[i]]
			c.total++
			if v == nil {
				c.nulls++
				continue
			}
			c.counts[sqlexec.CanonicalValue(v)]++
		}
	}
	return cols, order
}

// Similarity is the soft denotation similarity of two results: for each
// column, agreeing value counts over the larger of the two counts, summed
// over all columns. NULLs count toward the denominator but never agree.
// A column present on one side only contributes its size to the
// denominator. Results without rows score 0.
func Similarity(a, b sqlexec.Outcome) float64 {
	if !a.Status.Present() || !b.Status.Present() || len(a.Rows) == 0 || len(b.Rows) == 0 {
		return 0
	}
	ca, orderA := columnProfile(a)
	cb, orderB := columnProfile(b)

	// Union of column names, a's order first
	names := orderA
	for _, n := range orderB {
		if _, ok := ca[n]; !ok {
			names = append(names, n)
		}
	}

	var possible, real int
	for _, name := range names {
		x, okA := ca[name]
		y, okB := cb[name]
		// A one-sided column can only add to the denominator
		switch {
		case !okA || x.total == 0:
			if okB {
				possible += y.total
			}
			continue
		case !okB || y.total == 0:
			possible += x.total
			continue
		}

		possible += x.nulls + y.nulls
		// Shared values agree up to the smaller count
		for v, fx := range x.counts {
			fy := y.counts[v]
			possible += max(fx, fy)
			real += min(fx, fy)
		}
		// Values only b has
		for v, fy := range y.counts {
			if _, ok := x.counts[v]; !ok {
				possible += fy
			}
		}
	}
	if possible == 0 {
		return 0
	}
	return float64(real) / float64(possible)
}

// RowScores returns, for each result, the sum of its similarity to every
// result in the group. A present result scores 1 against itself.
func RowScores(group []Result) []float64 {
	scores := make([]float64, len(group))
	for i := range group {
		if group[i].Outcome.Status.Present() {
			scores[i] = 1
		}
		for j := range group {
			if i == j {
				continue
			}
			scores[i] += Similarity(group[i].Outcome, group[j].Outcome)
		}
	}
	return scores
}
