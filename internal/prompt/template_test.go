package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	tmpl := "Question: {{question}} on {{db_id}}."
	vars := Vars{
		"question": "How many?",
		"db_id":    "school",
	}

	result, err := Render(tmpl, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "Question: How many? on school."
	if result != expected {
		t.Errorf("expected %q, got %q", expected, result)
	}
}

func TestRender_MissingVar(t *testing.T) {
	_, err := Render("{{question}} {{schema}}", Vars{"question": "q"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "schema") {
		t.Errorf("error should mention missing variable, got: %v", err)
	}
}

func TestRender_ConditionalBlock(t *testing.T) {
	tmpl := "Start.{{#if evidence}}\nEvidence: {{evidence}}\n{{/if}}End."

	result, err := Render(tmpl, Vars{"evidence": "age > 18"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "Evidence: age > 18") {
		t.Errorf("expected conditional block to be included, got: %q", result)
	}

	result, err = Render(tmpl, Vars{"evidence": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Start.End." {
		t.Errorf("expected 'Start.End.', got: %q", result)
	}
}

func TestRender_NestedConditionals(t *testing.T) {
	tmpl := "START{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}FINISH"

	result, err := Render(tmpl, Vars{"a": "yes", "b": "yes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "STARTouter inner endFINISH" {
		t.Errorf("got %q", result)
	}

	result, err = Render(tmpl, Vars{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "STARTFINISH" {
		t.Errorf("got %q", result)
	}
}

func TestRender_ValuesNotReexpanded(t *testing.T) {
	result, err := Render("{{a}} and {{b}}", Vars{"a": "{{b}}", "b": "SELECT 1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "{{b}} and SELECT 1" {
		t.Errorf("got %q", result)
	}
}

func TestRender_UnbalancedConditionals(t *testing.T) {
	if _, err := Render("{{#if x}}open", Vars{"x": "1"}); err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Errorf("expected unclosed error, got %v", err)
	}
	if _, err := Render("close{{/if}}", Vars{}); err == nil || !strings.Contains(err.Error(), "dangling") {
		t.Errorf("expected dangling error, got %v", err)
	}
}

// stageVars is the full variable set the stage engine supplies.
func stageVars() Vars {
	return Vars{
		"stage_id":          "generate",
		"question":          "How many employees are in eng?",
		"evidence":          "",
		"schema":            "CREATE TABLE emp (id INT, dept TEXT)",
		"examples":          "",
		"cardinality_hints": "",
		"redundant_columns": "",
		"sql":               "SELECT count(*) FROM emp",
		"sql_status":        "success",
		"sql_message":       "The execution returned 1 rows.",
		"rules":             "- count with count(*)",
		"tools":             "",
	}
}

func TestBuiltinStageTemplatesRender(t *testing.T) {
	for _, name := range []string{"link.md", "generate.md", "style.md", "output.md", SystemTemplate, ToolInstructionsTemplate, ToolFinalTemplate, FeedbackNoSQLTemplate} {
		tmpl, err := NewLoader("").Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		out, err := Render(tmpl, stageVars())
		if err != nil {
			t.Errorf("render %s: %v", name, err)
			continue
		}
		if strings.Contains(out, "{{") {
			t.Errorf("%s left placeholders: %q", name, out)
		}
	}
}

func TestBuiltinFeedbackTemplatesRender(t *testing.T) {
	vars := Vars{"message": "no such column: foo", "status": "failed", "repeated": "yes", "sql": "SELECT foo"}
	for _, name := range []string{FeedbackFailedTemplate, FeedbackEmptyTemplate, FeedbackNullTemplate} {
		tmpl, err := NewLoader("").Load(name)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		out, err := Render(tmpl, vars)
		if err != nil {
			t.Fatalf("render %s: %v", name, err)
		}
		if !strings.Contains(out, "already seen") {
			t.Errorf("%s should mention repeated outcome: %q", name, out)
		}
	}

	tmpl, _ := NewLoader("").Load(FeedbackFailedTemplate)
	out, _ := Render(tmpl, Vars{"message": "near \"SELEC\": syntax error", "repeated": ""})
	if !strings.HasPrefix(out, "The previous SQL execution failed with the following error:\nnear \"SELEC\": syntax error\n") {
		t.Errorf("unexpected failed feedback: %q", out)
	}
}

func TestLoader_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "link.md"), []byte("custom {{question}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir)
	got, err := l.Load("link.md")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "custom {{question}}" {
		t.Errorf("override not used: %q", got)
	}

	got, err = l.Load("style.md")
	if err != nil {
		t.Fatalf("Load builtin: %v", err)
	}
	if got != styleTemplate {
		t.Error("expected builtin fallback for style.md")
	}
}

func TestLoader_NotFound(t *testing.T) {
	if _, err := NewLoader(t.TempDir()).Load("nonexistent.md"); err == nil {
		t.Fatal("expected error for missing template")
	}
	if NewLoader("").Exists("nonexistent.md") {
		t.Error("Exists should be false")
	}
}

func TestLoader_PathTraversal(t *testing.T) {
	tmpDir := t.TempDir()
	workdir := filepath.Join(tmpDir, "templates")
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		t.Fatal(err)
	}
	secret := filepath.Join(tmpDir, "secret.txt")
	if err := os.WriteFile(secret, []byte("TOP SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(workdir)
	if content, err := l.Load("../secret.txt"); err == nil {
		t.Errorf("path traversal succeeded: %q", content)
	}
	if content, err := l.Load(secret); err == nil {
		t.Errorf("absolute path bypassed dir: %q", content)
	}
}

func TestInstallBuiltinTemplates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "templates")
	custom := filepath.Join(dir, "link.md")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(custom, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := InstallBuiltinTemplates(dir)
	if err != nil {
		t.Fatalf("install error: %v", err)
	}
	if len(written) != len(builtinTemplates)-1 {
		t.Errorf("wrote %d templates, want %d", len(written), len(builtinTemplates)-1)
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}

	written, err = InstallBuiltinTemplates(dir)
	if err != nil {
		t.Fatalf("second install error: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("second install wrote %v", written)
	}
}
