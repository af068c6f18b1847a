package pipeline

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func record(run string, qid int, db, sql string, stages ...StageRecord) *QuestionRecord {
	return &QuestionRecord{RunID: run, QuestionID: qid, DBID: db, SQL: sql, Stages: stages}
}

func stageRec(name string, sqls ...string) StageRecord {
	sr := StageRecord{Stage: name}
	for _, q := range sqls {
		sr.Candidates = append(sr.Candidates, CandidateRecord{SQL: q, Status: "success"})
	}
	return sr
}

func TestSaveAndGetQuestion(t *testing.T) {
	s := newTestStore(t)

	rec := record("r1", 7, "hr", "SELECT 1", stageRec("link", "SELECT 1", ""))
	rec.Selection = SelectionRecord{Pool: []string{"link"}, Mode: "exact", Index: 0, Votes: 1, Distinct: 1}
	if err := s.SaveQuestion(rec); err != nil {
		t.Fatalf("SaveQuestion: %v", err)
	}

	if _, err := os.Stat(filepath.Join(s.RunDir("r1"), "7_hr.json")); err != nil {
		t.Fatalf("record file missing: %v", err)
	}

	got, err := s.GetQuestion("r1", 7)
	if err != nil {
		t.Fatalf("GetQuestion: %v", err)
	}
	if got.SQL != "SELECT 1" {
		t.Errorf("SQL = %q, want %q", got.SQL, "SELECT 1")
	}
	if len(got.Stages) != 1 || len(got.Stages[0].Candidates) != 2 {
		t.Fatalf("Stages = %+v, want one stage with two candidates", got.Stages)
	}
	if got.Selection.Votes != 1 {
		t.Errorf("Selection.Votes = %d, want 1", got.Selection.Votes)
	}

	if _, err := s.GetQuestion("r1", 8); err == nil {
		t.Error("expected error for missing question")
	}
}

func TestListQuestionsSortedAndSkipsAggregates(t *testing.T) {
	s := newTestStore(t)
	for _, qid := range []int{10, 2, 33} {
		if err := s.SaveQuestion(record("r1", qid, "db", "SELECT 1")); err != nil {
			t.Fatalf("SaveQuestion: %v", err)
		}
	}
	if err := s.SaveArgs(&RunArgs{RunID: "r1"}); err != nil {
		t.Fatalf("SaveArgs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.RunDir("r1"), "broken_db.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListQuestions("r1")
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, want := range []int{2, 10, 33} {
		if recs[i].QuestionID != want {
			t.Errorf("recs[%d].QuestionID = %d, want %d", i, recs[i].QuestionID, want)
		}
	}

	if _, err := s.ListQuestions("missing"); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestWriteAggregates(t *testing.T) {
	s := newTestStore(t)
	recs := []QuestionRecord{
		*record("r1", 1, "a", "SELECT a", stageRec("link", "SELECT a", "SELECT b"), stageRec("output", "SELECT a")),
		*record("r1", 2, "b", "", stageRec("link", "")),
	}

	if err := s.WriteAggregates("r1", []string{"link", "output"}, recs); err != nil {
		t.Fatalf("WriteAggregates: %v", err)
	}

	link, err := s.StageSQLs("r1", "link")
	if err != nil {
		t.Fatalf("StageSQLs: %v", err)
	}
	if got := link[1]; len(got) != 2 || got[1] != "SELECT b" {
		t.Errorf("link[1] = %v, want [SELECT a SELECT b]", got)
	}
	if got := link[2]; len(got) != 1 || got[0] != "" {
		t.Errorf("link[2] = %v, want one empty candidate", got)
	}

	out, err := s.StageSQLs("r1", "output")
	if err != nil {
		t.Fatalf("StageSQLs: %v", err)
	}
	if _, ok := out[2]; ok {
		t.Error("question 2 never reached output and should be absent")
	}

	predict, err := s.Predictions("r1")
	if err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	if predict[1] != "SELECT a" || predict[2] != "" {
		t.Errorf("predictions = %v", predict)
	}
	if _, err := os.Stat(filepath.Join(s.RunDir("r1"), "-predict.json")); err != nil {
		t.Errorf("predict file missing: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)

	runs, err := s.List()
	if err != nil {
		t.Fatalf("List on empty store: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("got %d runs, want 0", len(runs))
	}

	for _, a := range []RunArgs{
		{RunID: "old", StartedAt: "2026-01-01T00:00:00Z"},
		{RunID: "new", StartedAt: "2026-02-01T00:00:00Z"},
	} {
		if err := s.SaveArgs(&a); err != nil {
			t.Fatalf("SaveArgs: %v", err)
		}
	}
	if err := s.SaveQuestion(record("new", 1, "db", "")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(s.BaseDir(), "not-a-run"), 0o755); err != nil {
		t.Fatal(err)
	}

	runs, err = s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "old" {
		t.Errorf("order = [%s %s], want [new old]", runs[0].ID, runs[1].ID)
	}
	if runs[0].Questions != 1 {
		t.Errorf("Questions = %d, want 1", runs[0].Questions)
	}
}

func TestInvalidRunID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "..", "a/b"} {
		if err := s.SaveQuestion(record(id, 1, "db", "")); err == nil {
			t.Errorf("SaveQuestion(%q) should fail", id)
		}
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveArgs(&RunArgs{RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("r1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetArgs("r1"); err == nil {
		t.Error("run should be gone")
	}
	if err := s.Delete("r1"); err == nil {
		t.Error("second Delete should fail")
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(qid int) {
			defer wg.Done()
			if err := s.SaveQuestion(record("r1", qid, "db", "SELECT 1")); err != nil {
				t.Errorf("SaveQuestion(%d): %v", qid, err)
			}
		}(i)
	}
	wg.Wait()

	recs, err := s.ListQuestions("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 20 {
		t.Errorf("got %d records, want 20", len(recs))
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")
	if err := WriteJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got["a"] != 1 {
		t.Errorf("got %v", got)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}
