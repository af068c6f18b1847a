package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Task is one natural-language question bound to a target database.
// A Task is not modified after it is loaded.
type Task struct {
	QuestionID            int          `json:"question_id"`
	DBID                  string       `json:"db_id"`
	Target                string       `json:"target"`
	Question              string       `json:"question"`
	Evidence              string       `json:"evidence,omitempty"`
	Schema                string       `json:"schema,omitempty"`
	SchemaInfo            string       `json:"schema_info,omitempty"`
	Examples              string       `json:"examples,omitempty"`
	CardinalityHints      []string     `json:"cardinality_hints,omitempty"`
	ConsistentRedundant   ColumnGroups `json:"consistent_redundant,omitempty"`
	InconsistentRedundant ColumnGroups `json:"inconsistent_redundant,omitempty"`
	GoldSQL               string       `json:"gold_sql,omitempty"`
	Difficulty            string       `json:"difficulty,omitempty"`
}

// SchemaFor returns the schema description variant named by kind:
// "info" selects the enriched description, anything else the plain one.
// When the enriched variant is missing the plain one is used.
func (t *Task) SchemaFor(kind string) string {
	if kind == "info" && t.SchemaInfo != "" {
		return t.SchemaInfo
	}
	return t.Schema
}

// RedundantColumns renders both redundant column groups, one group per line.
func (t *Task) RedundantColumns() string {
	var lines []string
	for _, g := range t.ConsistentRedundant {
		lines = append(lines, "consistent: "+strings.Join(g, ", "))
	}
	for _, g := range t.InconsistentRedundant {
		lines = append(lines, "inconsistent: "+strings.Join(g, ", "))
	}
	return strings.Join(lines, "\n")
}

// ColumnGroups is a list of column-name groups. It decodes from either a
// list of lists or a flat list, where each string becomes its own group.
type ColumnGroups [][]string

func (g *ColumnGroups) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*g = nil
		return nil
	}
	var nested [][]string
	if err := json.Unmarshal(data, &nested); err == nil {
		*g = nested
		return nil
	}
	var flat []string
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("column groups: %w", err)
	}
	out := make([][]string, 0, len(flat))
	for _, s := range flat {
		out = append(out, []string{s})
	}
	*g = out
	return nil
}

// record is the on-disk shape of one dataset entry.
type record struct {
	QuestionID            int          `json:"question_id"`
	DBID                  string       `json:"db_id"`
	DBPath                string       `json:"db_path"`
	Question              string       `json:"question"`
	Evidence              string       `json:"evidence"`
	DBDesc                string       `json:"db_desc"`
	DBDescInfo            string       `json:"db_desc_info"`
	Example               string       `json:"example"`
	FDList                []string     `json:"fd_list"`
	ConsistentRedundant   ColumnGroups `json:"consistency_redundant_columns"`
	InconsistentRedundant ColumnGroups `json:"inconsistency_redundant_columns"`
	SQL                   string       `json:"SQL"`
	Difficulty            string       `json:"difficulty"`
}

// LoadDataset reads a JSON array of question records. Targets resolve to
// <dbRoot>/<db_id>/<db_id>.sqlite unless a record sets db_path. Tasks are
// returned sorted by question id.
func LoadDataset(path, dbRoot string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ParseDataset(data, dbRoot)
}

// ParseDataset decodes dataset JSON. See LoadDataset.
func ParseDataset(data []byte, dbRoot string) ([]*Task, error) {
	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}

	seen := make(map[int]bool, len(records))
	tasks := make([]*Task, 0, len(records))
	for i, r := range records {
		if r.DBID == "" {
			return nil, fmt.Errorf("record %d: db_id is required", i)
		}
		if strings.TrimSpace(r.Question) == "" {
			return nil, fmt.Errorf("record %d: question is required", i)
		}
		if seen[r.QuestionID] {
			return nil, fmt.Errorf("record %d: duplicate question_id %d", i, r.QuestionID)
		}
		seen[r.QuestionID] = true

		target := r.DBPath
		if target == "" {
			target = filepath.Join(dbRoot, r.DBID, r.DBID+".sqlite")
		}
		tasks = append(tasks, &Task{
			QuestionID:            r.QuestionID,
			DBID:                  r.DBID,
			Target:                target,
			Question:              r.Question,
			Evidence:              r.Evidence,
			Schema:                r.DBDesc,
			SchemaInfo:            r.DBDescInfo,
			Examples:              r.Example,
			CardinalityHints:      r.FDList,
			ConsistentRedundant:   r.ConsistentRedundant,
			InconsistentRedundant: r.InconsistentRedundant,
			GoldSQL:               r.SQL,
			Difficulty:            r.Difficulty,
		})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].QuestionID < tasks[j].QuestionID })
	return tasks, nil
}

// Filter keeps the tasks whose ids are listed, preserving order. An empty
// id list keeps everything.
func Filter(tasks []*Task, ids []int) []*Task {
	if len(ids) == 0 {
		return tasks
	}
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*Task
	for _, t := range tasks {
		if want[t.QuestionID] {
			out = append(out, t)
		}
	}
	return out
}
