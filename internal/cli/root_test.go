package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/votesql/internal/sqlexec/sqlexectest"
)

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so values set by one test
// do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// isolate points every per-machine path at a temp dir and returns it.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("VOTESQL_HOME", dir)
	t.Setenv("VOTESQL_RUN_LOG", filepath.Join(dir, "runs.db"))
	t.Setenv("VOTESQL_RESULTS", filepath.Join(dir, "results"))
	t.Setenv("VOTESQL_PROVIDER", "")
	t.Setenv("VOTESQL_MODEL", "")
	return dir
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "vote", "exec", "eval", "config",
		"db", "results", "analytics", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	groups := map[string][]string{
		"config":    {"validate", "show", "init", "templates"},
		"db":        {"migrate", "reset", "version", "runs"},
		"results":   {"list", "show", "delete"},
		"analytics": {"status", "stages", "votes", "failures"},
	}
	for parent, subs := range groups {
		for _, sub := range subs {
			out, err := executeCommand(parent, sub, "--help")
			if err != nil {
				t.Errorf("%s %s --help failed: %v", parent, sub, err)
			}
			if out == "" {
				t.Errorf("%s %s --help produced no output", parent, sub)
			}
		}
	}
}

func TestConfigValidateBuiltin(t *testing.T) {
	isolate(t)
	out, err := executeCommand("config", "validate", "--env", "")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	bad := `pipeline:
  name: bad
  voting:
    mode: plurality
  stages:
    - id: out
      kind: refine
      template: nowhere.md
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("config", "validate", "-c", path)
	if err == nil {
		t.Fatalf("expected validation error, got output: %s", out)
	}
	for _, want := range []string{"pipeline.voting.mode", "pipeline.stages[0].inputs", "nowhere.md"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigShowAppliesSettings(t *testing.T) {
	isolate(t)
	t.Setenv("VOTESQL_MODEL", "local-model")
	out, err := executeCommand("config", "show")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "model: local-model") {
		t.Errorf("expected settings model in output, got:\n%s", out)
	}
	if !strings.Contains(out, "name: votesql-default") {
		t.Errorf("expected built-in pipeline, got:\n%s", out)
	}
}

func TestConfigInit(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "pipeline.yaml")

	out, err := executeCommand("config", "init", path, "--templates", "prompts")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Wrote "+path) {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "prompts", "link.md")); err != nil {
		t.Errorf("templates not installed: %v", err)
	}

	if _, err := executeCommand("config", "init", path); err == nil {
		t.Error("expected refusal to overwrite without --force")
	}
	if _, err := executeCommand("config", "init", path, "--force"); err != nil {
		t.Errorf("--force: %v", err)
	}
}

func TestExecCommand(t *testing.T) {
	isolate(t)
	target := sqlexectest.Employees(t)

	out, err := executeCommand("exec", "--db", target, "SELECT name FROM emp WHERE dept = 'eng' ORDER BY id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Status:   success", "Rows:     2", "('ann',)", "('bob',)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("exec", "--db", target, "--format", "json", "SELECT nope FROM emp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.Status != "failed" || !strings.Contains(got.Message, "nope") {
		t.Errorf("unexpected outcome: %+v", got)
	}
}

func TestVoteCommand(t *testing.T) {
	isolate(t)
	target := sqlexectest.Employees(t)

	out, err := executeCommand("vote", "--db", target,
		"SELECT count(*) FROM emp WHERE salary > 75",
		"SELECT count(*) FROM emp",
		"SELECT count(id) FROM emp",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var winners [][]string
	if err := json.Unmarshal([]byte(out), &winners); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(winners) != 1 || winners[0][0] != "SELECT count(*) FROM emp" {
		t.Errorf("winners = %v", winners)
	}
}

func TestVoteCommandFileGroups(t *testing.T) {
	dir := isolate(t)
	target := sqlexectest.Employees(t)
	in := voteInput{
		Targets:    []string{target, target, target, target},
		Candidates: []string{"SELECT 1", "SELECT 2", "SELECT 2", "SELECT nope"},
	}
	data, _ := json.Marshal(in)
	path := filepath.Join(dir, "candidates.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("vote", "--file", path, "--group-size", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var winners [][]string
	if err := json.Unmarshal([]byte(out), &winners); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(winners) != 2 || winners[0][0] != "SELECT 1" || winners[1][0] != "SELECT 2" {
		t.Errorf("winners = %v", winners)
	}

	out, err = executeCommand("vote", "--file", path, "--explain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "winner: [1] with 2 of 4 vote(s)") {
		t.Errorf("unexpected explain output:\n%s", out)
	}
}

func TestVoteCommandRequiresInput(t *testing.T) {
	isolate(t)
	if _, err := executeCommand("vote", "SELECT 1"); err == nil {
		t.Error("expected error without --db or --file")
	}
}

func TestEvalCommand(t *testing.T) {
	dir := isolate(t)
	target := sqlexectest.Employees(t)

	dataset := []map[string]any{
		{"question_id": 1, "db_id": "hr", "db_path": target, "question": "how many?", "SQL": "SELECT count(*) FROM emp", "difficulty": "simple"},
		{"question_id": 2, "db_id": "hr", "db_path": target, "question": "who is in eng?", "SQL": "SELECT name FROM emp WHERE dept = 'eng'", "difficulty": "moderate"},
	}
	predictions := map[int]string{1: "SELECT count(id) FROM emp", 2: "SELECT name FROM emp"}
	datasetPath := filepath.Join(dir, "dev.json")
	predPath := filepath.Join(dir, "predict.json")
	for path, v := range map[string]any{datasetPath: dataset, predPath: predictions} {
		data, _ := json.Marshal(v)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := executeCommand("eval", "--dataset", datasetPath, "--predictions", predPath, "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	var report struct {
		Total   int `json:"total"`
		Correct int `json:"correct"`
	}
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report.Total != 2 || report.Correct != 1 {
		t.Errorf("report = %+v", report)
	}

	if _, err := executeCommand("eval", "--dataset", datasetPath); err == nil {
		t.Error("expected error without --run or --predictions")
	}
}

func TestDBCommands(t *testing.T) {
	dir := isolate(t)

	out, err := executeCommand("db", "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema version 1") {
		t.Errorf("unexpected migrate output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "runs.db")); err != nil {
		t.Errorf("run log not created: %v", err)
	}

	out, err = executeCommand("db", "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("unexpected runs output: %s", out)
	}

	if _, err := executeCommand("db", "reset"); err == nil {
		t.Error("expected reset without --yes to fail")
	}
	if _, err := executeCommand("db", "reset", "--yes"); err != nil {
		t.Errorf("reset --yes: %v", err)
	}
}

func TestResultsListEmpty(t *testing.T) {
	isolate(t)
	out, err := executeCommand("results", "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestAnalyticsWithoutRuns(t *testing.T) {
	isolate(t)
	out, err := executeCommand("analytics", "votes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("unexpected output: %s", out)
	}
}
