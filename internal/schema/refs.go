// Package schema narrows a CREATE TABLE schema description to the tables
// and columns that a query touches.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// Refs is the set of tables and columns a query refers to. Names are
// unquoted and lower-cased. Star is set when a query selects *.
type Refs struct {
	Tables  map[string]bool
	Columns map[string]bool
	Star    bool
}

// NewRefs returns an empty reference set.
func NewRefs() Refs {
	return Refs{Tables: make(map[string]bool), Columns: make(map[string]bool)}
}

// Empty reports whether no table was referenced.
func (r Refs) Empty() bool {
	return len(r.Tables) == 0
}

// TableNames returns the referenced tables in sorted order.
func (r Refs) TableNames() []string {
	return sortedKeys(r.Tables)
}

// ColumnNames returns the referenced columns in sorted order.
func (r Refs) ColumnNames() []string {
	return sortedKeys(r.Columns)
}

// ErrNoQuery is returned when none of the queries could be parsed.
var ErrNoQuery = errors.New("no parseable query")

// Extract parses each query and collects the tables it reads and the
// columns it names. Queries that fail to parse are skipped; Extract fails
// only when none parse.
func Extract(queries ...string) (Refs, error) {
	refs := NewRefs()
	parsed := 0
	var lastErr error
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		stmt, err := sqlparser.Parse(normalize(q))
		if err != nil {
			lastErr = err
			continue
		}
		parsed++

		err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
			switch n := node.(type) {
			case *sqlparser.AliasedTableExpr:
				// Only real tables; subqueries are walked on their own
				if tn, ok := n.Expr.(sqlparser.TableName); ok && !tn.Name.IsEmpty() {
					refs.Tables[key(tn.Name.String())] = true
				}
			case *sqlparser.ColName:
				refs.Columns[key(n.Name.String())] = true
			case *sqlparser.FuncExpr:
				// count(*) names no column
				if len(n.Exprs) == 1 {
					if _, ok := n.Exprs[0].(*sqlparser.StarExpr); ok {
						return false, nil
					}
				}
			case *sqlparser.StarExpr:
				refs.Star = true
			}
			return true, nil
		}, stmt)
		if err != nil {
			return refs, fmt.Errorf("walk query: %w", err)
		}
	}
	if parsed == 0 {
		if lastErr != nil {
			return refs, fmt.Errorf("%w: %v", ErrNoQuery, lastErr)
		}
		return refs, ErrNoQuery
	}
	return refs, nil
}

// Widen adds every member of a redundant column group when one of the
// group's first two members is already referenced. Members are written as
// table.column, optionally quoted.
func (r Refs) Widen(groups [][]string) Refs {
	// Compare against a snapshot so one widening does not trigger another
	touched := make(map[string]bool)
	for t := range r.Tables {
		for c := range r.Columns {
			touched[t+"."+c] = true
		}
	}

	for _, g := range groups {
		if len(g) < 2 {
			continue
		}
		if !touched[memberKey(g[0])] && !touched[memberKey(g[1])] {
			continue
		}
		for _, m := range g {
			table, column, ok := strings.Cut(memberKey(m), ".")
			if !ok {
				continue
			}
			r.Tables[table] = true
			r.Columns[column] = true
		}
	}
	return r
}

var (
	// SQLite accepts "ident" for identifiers; the parser reads it as a string.
	doubleQuotedRe = regexp.MustCompile(`'(?:[^']|'')*'|"((?:[^"]|"")*)"`)
	// SQLite storage classes the parser does not know as CAST targets.
	castTypeRe = regexp.MustCompile(`(?i)\bAS\s+(REAL|FLOAT|DOUBLE|INTEGER|INT|TEXT|NUMERIC)\s*\)`)
)

// normalize rewrites SQLite spellings the MySQL-dialect parser rejects.
// The result is only used to collect names, never executed.
func normalize(q string) string {
	q = doubleQuotedRe.ReplaceAllStringFunc(q, func(m string) string {
		if strings.HasPrefix(m, "'") {
			return m
		}
		inner := strings.ReplaceAll(m[1:len(m)-1], `""`, `"`)
		return "`" + strings.ReplaceAll(inner, "`", "``") + "`"
	})
	return castTypeRe.ReplaceAllString(q, "AS DECIMAL)")
}

// key normalizes an identifier for comparison.
func key(name string) string {
	return strings.ToLower(unquote(strings.TrimSpace(name)))
}

// memberKey normalizes a table.column group member.
func memberKey(m string) string {
	return strings.ToLower(strings.NewReplacer("`", "", `"`, "", "[", "", "]", "").Replace(strings.TrimSpace(m)))
}

func unquote(name string) string {
	if len(name) >= 2 {
		switch {
		case name[0] == '`' && name[len(name)-1] == '`',
			name[0] == '"' && name[len(name)-1] == '"',
			name[0] == '[' && name[len(name)-1] == ']':
			return name[1 : len(name)-1]
		}
	}
	return name
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
