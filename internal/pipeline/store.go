package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	argsFile    = "-args.json"
	predictFile = "-predict.json"
)

// Store manages run directories on the filesystem. Each run lives under
// <baseDir>/<run-id>/ and holds:
//
//	-args.json            run arguments
//	<qid>_<db_id>.json    one QuestionRecord per question
//	-<stage>.json         question id -> candidate SQLs of that stage
//	-predict.json         question id -> final SQL
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the directory holding all runs.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// RunDir returns the directory for a run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func validRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return nil
}

// QuestionFile returns the record file name for a question.
func QuestionFile(questionID int, dbID string) string {
	return fmt.Sprintf("%d_%s.json", questionID, dbID)
}

// StageFile returns the aggregate file name for a stage.
func StageFile(stage string) string {
	return "-" + stage + ".json"
}

// SaveArgs writes the run's arguments, creating the run directory.
func (s *Store) SaveArgs(args *RunArgs) error {
	if err := validRunID(args.RunID); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(s.RunDir(args.RunID), argsFile), args)
}

// GetArgs reads a run's arguments.
func (s *Store) GetArgs(runID string) (*RunArgs, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var args RunArgs
	if err := ReadJSON(filepath.Join(s.RunDir(runID), argsFile), &args); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, err
	}
	return &args, nil
}

// SaveQuestion writes one question record into its run directory.
func (s *Store) SaveQuestion(rec *QuestionRecord) error {
	if err := validRunID(rec.RunID); err != nil {
		return err
	}
	path := filepath.Join(s.RunDir(rec.RunID), QuestionFile(rec.QuestionID, rec.DBID))
	if err := WriteJSON(path, rec); err != nil {
		return fmt.Errorf("save question %d: %w", rec.QuestionID, err)
	}
	return nil
}

// GetQuestion reads the record of one question by id.
func (s *Store) GetQuestion(runID string, questionID int) (*QuestionRecord, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(filepath.Join(s.RunDir(runID), strconv.Itoa(questionID)+"_*.json"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("question %d not found in run %q", questionID, runID)
	}
	var rec QuestionRecord
	if err := ReadJSON(matches[0], &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListQuestions returns every question record of a run, ordered by
// question id. Unreadable files are skipped.
func (s *Store) ListQuestions(runID string) ([]QuestionRecord, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, fmt.Errorf("read dir %s: %w", s.RunDir(runID), err)
	}

	var recs []QuestionRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		var rec QuestionRecord
		if err := ReadJSON(filepath.Join(s.RunDir(runID), name), &rec); err != nil {
			continue // skip broken entries
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].QuestionID < recs[j].QuestionID
	})
	return recs, nil
}

// WriteAggregates writes the per-stage candidate files and the predictions
// file for a run from its question records.
func (s *Store) WriteAggregates(runID string, stages []string, recs []QuestionRecord) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	perStage := make(map[string]map[int][]string, len(stages))
	for _, st := range stages {
		perStage[st] = make(map[int][]string, len(recs))
	}
	predict := make(map[int]string, len(recs))

	for _, rec := range recs {
		predict[rec.QuestionID] = rec.SQL
		for _, sr := range rec.Stages {
			m, ok := perStage[sr.Stage]
			if !ok {
				continue
			}
			m[rec.QuestionID] = sr.SQLs()
		}
	}

	dir := s.RunDir(runID)
	for _, st := range stages {
		if err := WriteJSON(filepath.Join(dir, StageFile(st)), perStage[st]); err != nil {
			return fmt.Errorf("write stage %q aggregate: %w", st, err)
		}
	}
	if err := WriteJSON(filepath.Join(dir, predictFile), predict); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	return nil
}

// Predictions reads a run's question id -> final SQL map.
func (s *Store) Predictions(runID string) (map[int]string, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var predict map[int]string
	if err := ReadJSON(filepath.Join(s.RunDir(runID), predictFile), &predict); err != nil {
		return nil, fmt.Errorf("read predictions for run %q: %w", runID, err)
	}
	return predict, nil
}

// StageSQLs reads a stage's question id -> candidate SQLs map.
func (s *Store) StageSQLs(runID, stage string) (map[int][]string, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	var out map[int][]string
	if err := ReadJSON(filepath.Join(s.RunDir(runID), StageFile(stage)), &out); err != nil {
		return nil, fmt.Errorf("read stage %q for run %q: %w", stage, runID, err)
	}
	return out, nil
}

// List returns all runs that have an args file, newest first by start
// time.
func (s *Store) List() ([]RunInfo, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		args, err := s.GetArgs(entry.Name())
		if err != nil {
			continue // not a run directory
		}
		files, _ := filepath.Glob(filepath.Join(s.RunDir(entry.Name()), "*_*.json"))
		n := 0
		for _, f := range files {
			if !strings.HasPrefix(filepath.Base(f), "-") {
				n++
			}
		}
		runs = append(runs, RunInfo{
			ID:        entry.Name(),
			Path:      s.RunDir(entry.Name()),
			Questions: n,
			Args:      args,
		})
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Args.StartedAt != runs[j].Args.StartedAt {
			return runs[i].Args.StartedAt > runs[j].Args.StartedAt
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

// Delete removes a run directory.
func (s *Store) Delete(runID string) error {
	if err := validRunID(runID); err != nil {
		return err
	}
	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %q not found", runID)
	}
	return os.RemoveAll(dir)
}
