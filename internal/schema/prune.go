package schema

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoTables is returned when a schema has no CREATE TABLE statement the
// references select.
var ErrNoTables = errors.New("no referenced table in schema")

var (
	createTableRe = regexp.MustCompile("(?i)CREATE\\s+TABLE\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?(`[^`]+`|\"[^\"]+\"|\\[[^\\]]+\\]|[\\w.]+)\\s*\\(")
	parenListRe   = regexp.MustCompile(`\(([^)]*)\)`)
	referencesRe  = regexp.MustCompile("(?i)\\bREFERENCES\\s+(`[^`]+`|\"[^\"]+\"|\\[[^\\]]+\\]|[\\w.]+)")
)

// table is one CREATE TABLE statement split into definitions.
type table struct {
	name  string // as written
	items []item
}

// item is one column or constraint definition with its trailing comment.
type item struct {
	code    string
	comment string

	column     string   // normalized column name; empty for constraints
	key        bool     // primary key or inline foreign key column
	localCols  []string // FOREIGN KEY columns, normalized
	references string   // referenced table, normalized
	primaryKey []string // table-level PRIMARY KEY columns, normalized
}

// Prune keeps the tables refs selects and, within them, the referenced
// columns plus the primary and foreign key columns, or every column when
// refs selects *. Primary key constraints are kept; foreign key constraints
// only when the referenced table is kept. Text outside CREATE TABLE
// statements is dropped.
func Prune(ddl string, refs Refs) (string, error) {
	tables := parseTables(ddl)

	var kept []table
	names := make(map[string]bool)
	for _, t := range tables {
		if refs.Tables[key(t.name)] {
			kept = append(kept, t)
			names[key(t.name)] = true
		}
	}
	if len(kept) == 0 {
		return "", ErrNoTables
	}

	var out []string
	for _, t := range kept {
		out = append(out, renderTable(t, refs, names))
	}
	return strings.Join(out, "\n\n"), nil
}

func renderTable(t table, refs Refs, keptTables map[string]bool) string {
	// Key columns named by table-level constraints
	keyCols := make(map[string]bool)
	for _, it := range t.items {
		for _, c := range it.primaryKey {
			keyCols[c] = true
		}
		for _, c := range it.localCols {
			keyCols[c] = true
		}
	}

	var lines []item
	for _, it := range t.items {
		switch {
		case it.column != "":
			if refs.Columns[it.column] || it.key || keyCols[it.column] {
				lines = append(lines, it)
			}
		case it.primaryKey != nil:
			lines = append(lines, it)
		case it.references != "":
			if keptTables[it.references] {
				lines = append(lines, it)
			}
		}
	}
	// Keep everything for * and for tables where no column survived
	if refs.Star || !hasColumn(lines) {
		lines = t.items
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE " + t.name + "\n(\n")
	for i, it := range lines {
		b.WriteString("    " + it.code)
		if i < len(lines)-1 {
			b.WriteString(",")
		}
		if it.comment != "" {
			b.WriteString(" " + it.comment)
		}
		b.WriteString("\n")
	}
	b.WriteString(");")
	return b.String()
}

func hasColumn(items []item) bool {
	for _, it := range items {
		if it.column != "" {
			return true
		}
	}
	return false
}

// parseTables finds every CREATE TABLE statement in ddl.
func parseTables(ddl string) []table {
	var tables []table
	rest := ddl
	for {
		loc := createTableRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		name := rest[loc[2]:loc[3]]
		body, end, ok := balanced(rest, loc[1])
		if !ok {
			break
		}
		tables = append(tables, table{name: name, items: splitItems(body)})
		rest = rest[end:]
	}
	return tables
}

// balanced returns the text between the opening parenthesis just before
// start and its matching close, and the offset after the close.
func balanced(s string, start int) (string, int, bool) {
	depth := 1
	var quote byte
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			// Skip comments; they may contain unbalanced parentheses
			if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(s)
			}
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return s[start:i], i + 1, true
			}
		}
	}
	return "", 0, false
}

// splitItems splits a table body into definitions at top-level commas. A
// "--" comment attaches to the last definition that began before it on its
// line.
func splitItems(body string) []item {
	var items []item
	var cur strings.Builder
	depth := 0
	var quote byte

	flush := func() {
		code := strings.TrimSpace(cur.String())
		cur.Reset()
		if code != "" {
			items = append(items, classify(code))
		}
	}

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == '-' && i+1 < len(body) && body[i+1] == '-':
			end := strings.IndexByte(body[i:], '\n')
			if end < 0 {
				end = len(body) - i
			}
			comment := strings.TrimSpace(body[i : i+end])
			i += end - 1
			// Comment ends the current definition if it has started;
			// otherwise it belongs to the one just finished.
			if strings.TrimSpace(cur.String()) != "" {
				flush()
			}
			if len(items) > 0 {
				last := &items[len(items)-1]
				if last.comment == "" {
					last.comment = comment
				} else {
					last.comment += " " + comment
				}
			}
			continue
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return items
}

// classify recognizes column definitions and key constraints.
func classify(code string) item {
	it := item{code: code}
	upper := strings.ToUpper(code)
	bare := upper
	if keyword(bare, "CONSTRAINT") {
		// Drop "CONSTRAINT name"
		fields := strings.Fields(code)
		if len(fields) > 2 {
			bare = strings.ToUpper(strings.Join(fields[2:], " "))
		}
	}

	switch {
	case strings.HasPrefix(bare, "PRIMARY KEY"):
		it.primaryKey = columnList(code)
	case strings.HasPrefix(bare, "FOREIGN KEY"):
		it.localCols = columnList(code)
		if m := referencesRe.FindStringSubmatch(code); m != nil {
			it.references = key(m[1])
		}
	case keyword(upper, "CONSTRAINT"), keyword(upper, "UNIQUE"), keyword(upper, "CHECK"):
		// other table constraints are dropped when pruning
	default:
		it.column = key(firstIdent(code))
		it.key = strings.Contains(upper, "PRIMARY KEY") || referencesRe.MatchString(code)
	}
	return it
}

// keyword reports whether s starts with the word kw.
func keyword(s, kw string) bool {
	if !strings.HasPrefix(s, kw) {
		return false
	}
	rest := s[len(kw):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '('
}

// columnList returns the normalized names in the first parenthesized list.
func columnList(code string) []string {
	m := parenListRe.FindStringSubmatch(code)
	if m == nil {
		return []string{}
	}
	var out []string
	for _, c := range strings.Split(m[1], ",") {
		if c = key(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// firstIdent returns the leading identifier of a column definition,
// including its quotes.
func firstIdent(code string) string {
	if code == "" {
		return ""
	}
	closing := map[byte]byte{'`': '`', '"': '"', '[': ']'}
	if end, ok := closing[code[0]]; ok {
		if i := strings.IndexByte(code[1:], end); i >= 0 {
			return code[:i+2]
		}
	}
	if i := strings.IndexAny(code, " \t\n"); i >= 0 {
		return code[:i]
	}
	return code
}
