package sqlexec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status classifies a single statement execution.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusEmpty      Status = "empty"
	StatusNullResult Status = "null_result"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// ParseStatus maps a status name to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusSuccess, StatusEmpty, StatusNullResult, StatusFailed, StatusTimedOut:
		return st, nil
	}
	return "", fmt.Errorf("unknown execution status %q", s)
}

// Present reports whether the statement produced a result set at all.
// Failed and TimedOut executions have no result to compare.
func (s Status) Present() bool {
	return s == StatusSuccess || s == StatusEmpty || s == StatusNullResult
}

// Outcome is the classified result of executing one statement.
type Outcome struct {
	Status   Status        `json:"status"`
	Message  string        `json:"message"`
	Columns  []string      `json:"columns,omitempty"`
	Rows     [][]any       `json:"-"`
	RowCount int           `json:"row_count"`
	Digest   string        `json:"digest,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Key is the comparable identity of an outcome. Two Success outcomes with
// the same deduplicated row set share a key regardless of row order.
type Key struct {
	Status Status
	Digest string
}

// Key returns the comparable identity of o.
func (o Outcome) Key() Key {
	return Key{Status: o.Status, Digest: o.Digest}
}

// Equal reports whether o and other have the same status and row set.
func (o Outcome) Equal(other Outcome) bool {
	return o.Key() == other.Key()
}

// SameResult reports whether o and other returned the same row set. Unlike
// Equal it also compares the rows of NullResult outcomes, so a 0 and a NULL
// differ. Failed and TimedOut outcomes never match.
func (o Outcome) SameResult(other Outcome) bool {
	if o.Status != other.Status || !o.Status.Present() {
		return false
	}
	switch o.Status {
	case StatusSuccess:
		return o.Digest == other.Digest
	case StatusNullResult:
		_, a := distinctRows(o.Rows)
		_, b := distinctRows(other.Rows)
		return digest(a) == digest(b)
	}
	return true
}

// distinctRows returns rows with duplicates removed, keeping first
// occurrences, together with the sorted canonical encodings of the set.
func distinctRows(rows [][]any) ([][]any, []string) {
	seen := make(map[string]bool, len(rows))
	var out [][]any
	var keys []string
	for _, row := range rows {
		k := canonicalRow(row)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return out, keys
}

// digest hashes a sorted list of canonical row encodings.
func digest(keys []string) string {
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalRow(row []any) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = strconv.Quote(CanonicalValue(v))
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// CanonicalValue encodes a scanned value so that equal values from
// different drivers compare equal. Integral floats encode like integers
// and booleans like 0/1.
func CanonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case int64:
		return "n:" + strconv.FormatInt(x, 10)
	case int:
		return "n:" + strconv.Itoa(x)
	case int32:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int16:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case int8:
		return "n:" + strconv.FormatInt(int64(x), 10)
	case uint64:
		return "n:" + strconv.FormatUint(x, 10)
	case uint32:
		return "n:" + strconv.FormatUint(uint64(x), 10)
	case float64:
		return canonicalFloat(x)
	case float32:
		return canonicalFloat(float64(x))
	case bool:
		if x {
			return "n:1"
		}
		return "n:0"
	case string:
		return "s:" + x
	case []byte:
		return "b:" + string(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	default:
		return "v:" + fmt.Sprint(x)
	}
}

func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}

// isZeroOrNull reports whether v is SQL NULL or a numeric zero.
func isZeroOrNull(v any) bool {
	if v == nil {
		return true
	}
	return CanonicalValue(v) == "n:0"
}

// classify turns a fully fetched result set into an Outcome.
func classify(columns []string, rows [][]any, previewRows int) Outcome {
	if len(rows) == 0 {
		return Outcome{
			Status:  StatusEmpty,
			Message: "The execution result is empty.",
			Columns: columns,
		}
	}

	distinct, keys := distinctRows(rows)
	if len(distinct) == 1 && len(distinct[0]) == 1 && isZeroOrNull(distinct[0][0]) {
		return Outcome{
			Status:   StatusNullResult,
			Message:  fmt.Sprintf("The execution result is %s, which is likely an invalid result.", FormatRows(distinct)),
			Columns:  columns,
			Rows:     rows,
			RowCount: len(rows),
		}
	}

	preview := rows
	if previewRows > 0 && len(preview) > previewRows {
		preview = preview[:previewRows]
	}
	return Outcome{
		Status:   StatusSuccess,
		Message:  fmt.Sprintf("The execution returned %d rows. First rows: %s", len(rows), FormatRows(preview)),
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
		Digest:   digest(keys),
	}
}

// FormatRows renders rows as a compact list of tuples, e.g. [(1, 'a'), (NULL,)].
func FormatRows(rows [][]any) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatValue(v))
		}
		if len(row) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	}
	b.WriteByte(']')
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(x), "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "'" + x.Format(time.RFC3339) + "'"
	default:
		return fmt.Sprint(x)
	}
}
