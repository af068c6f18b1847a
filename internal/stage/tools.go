package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/votesql/internal/config"
	"github.com/lucasnoah/votesql/internal/llm"
	"github.com/lucasnoah/votesql/internal/prompt"
	"github.com/lucasnoah/votesql/internal/sqlexec"
	"github.com/lucasnoah/votesql/internal/task"
)

const (
	toolExecuteSQL    = "execute_sql"
	toolCardinalities = "get_column_cardinalities"
	finalAnswerMarker = "Final Answer:"
)

var (
	actionRe      = regexp.MustCompile(`(?m)^\s*Action:\s*([A-Za-z_]+)`)
	actionInputRe = regexp.MustCompile(`(?s)Action ?Input:\s*(.*)`)
)

// toolLoop lets the model call tools before answering. Each tool call adds
// the model's turn and an Observation turn to the conversation; a turn with
// neither a tool call nor a final answer is met with a format reminder. The
// loop ends at a final answer or when the stage's iteration budget is
// spent, in which case the model is asked for its final answer.
func (e *Engine) toolLoop(ctx context.Context, st config.Stage, t *task.Task, h *task.History, conv llm.Conversation, temp float64) (string, llm.Conversation, int, error) {
	calls := 0
	for i := 0; i < st.ToolIterations; i++ {
		text, err := e.generate(ctx, st, conv, temp)
		if err != nil {
			return "", conv, calls, err
		}
		if strings.Contains(text, finalAnswerMarker) {
			return text, conv, calls, nil
		}
		action, input, ok := parseAction(text)
		if !ok {
			// Neither a tool call nor an answer: remind the model of the format
			reminder, err := e.renderFeedback(prompt.ToolFormatTemplate, prompt.Vars{})
			if err != nil {
				return "", conv, calls, err
			}
			conv = conv.With(llm.Assistant(text), llm.User(reminder))
			continue
		}
		calls++
		obs := e.observe(ctx, st, t, h, action, input)
		conv = conv.With(llm.Assistant(text), llm.User("Observation: "+obs))
	}

	// Budget spent: ask for the answer without further tool calls
	final, err := e.renderFeedback(prompt.ToolFinalTemplate, prompt.Vars{})
	if err != nil {
		return "", conv, calls, err
	}
	conv = conv.With(llm.User(final))
	text, err := e.generate(ctx, st, conv, temp)
	return text, conv, calls, err
}

// parseAction finds the last tool call in a model turn.
func parseAction(text string) (action, input string, ok bool) {
	locs := actionRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return "", "", false
	}
	loc := locs[len(locs)-1]
	action = strings.ToLower(text[loc[2]:loc[3]])
	rest := text[loc[1]:]
	if m := actionInputRe.FindStringSubmatch(rest); m != nil {
		input = m[1]
		if i := strings.Index(input, "\nObservation:"); i >= 0 {
			input = input[:i]
		}
		input = strings.TrimSpace(input)
	}
	return action, input, true
}

// observe runs one tool call and returns its observation text.
func (e *Engine) observe(ctx context.Context, st config.Stage, t *task.Task, h *task.History, action, input string) string {
	switch action {
	case toolExecuteSQL:
		query := input
		if q, ok := llm.LastSQL(input); ok {
			query = q
		}
		out := e.exec.Execute(ctx, query, t.Target, st.ExecTimeout())
		h.Add(out.Status, out.Message)
		return describeOutcome(out)
	case toolCardinalities:
		raw := input
		if js, ok := llm.LastJSON(input); ok {
			raw = js
		}
		var pairs [][]string
		if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
			return fmt.Sprintf("Could not parse ActionInput as a JSON list of column pairs: %v", err)
		}
		return ColumnCardinalities(pairs, t.CardinalityHints)
	default:
		return fmt.Sprintf("Unknown tool %q. Available tools: %s, %s.", action, toolExecuteSQL, toolCardinalities)
	}
}

const (
	emptyHint = "The SQL query returns an empty result. Consider whether:\n" +
		"(1) Data format: the values in the question have not been converted to the format the database stores.\n" +
		"(2) Value mismatch: first use case-insensitive fuzzy matching (e.g. LOWER, LIKE) to retrieve candidate values, " +
		"then use a strict comparison (e.g. =) on the single value that best matches the question."
	nullHint = "The SQL query returns a single zero or NULL value. Consider whether:\n" +
		"(1) Logic: follow the SQL skeleton of the examples and try another reasoning path.\n" +
		"(2) Exceptions: do not add filters that exclude outliers just to avoid the NULL, unless the question asks for it."
)

// describeOutcome renders an execute_sql observation. Empty and NULL
// results carry a corrective hint.
func describeOutcome(out sqlexec.Outcome) string {
	switch out.Status {
	case sqlexec.StatusFailed, sqlexec.StatusTimedOut:
		return "The SQL execution failed: " + out.Message
	case sqlexec.StatusEmpty:
		return out.Message + "\n" + emptyHint
	case sqlexec.StatusNullResult:
		return out.Message + "\n" + nullHint
	default:
		return out.Message
	}
}

// ColumnCardinalities describes the relationship between each pair of
// columns ("table.column"). Pairs must name two columns of the same table.
// A matching hint is returned verbatim; otherwise the relationship is N:M.
func ColumnCardinalities(pairs [][]string, hints []string) string {
	var results []string
	for _, pair := range pairs {
		if len(pair) != 2 {
			results = append(results, fmt.Sprintf("Invalid pair format: %v. There must be two columns.", pair))
			continue
		}
		t1, c1, ok1 := strings.Cut(pair[0], ".")
		t2, c2, ok2 := strings.Cut(pair[1], ".")
		if !ok1 || !ok2 {
			results = append(results, fmt.Sprintf("Invalid pair format: %v. Columns must be written as table.column.", pair))
			continue
		}
		if t1 != t2 {
			results = append(results, fmt.Sprintf("Invalid pair format: %v. The cardinality relationship between two columns must in the same table.", pair))
			continue
		}

		a, b := stripQuotes(pair[0]), stripQuotes(pair[1])
		found := false
		for _, hint := range hints {
			h := stripQuotes(hint)
			if strings.Contains(h, a) && strings.Contains(h, b) {
				results = append(results, hint)
				found = true
				break
			}
		}
		if !found {
			results = append(results, fmt.Sprintf(
				"The relationship from %s.%s to %s.%s is N:M, indicating that multiple items with different %s.%s values can belong to the different %s.%s value.",
				t1, c1, t2, c2, t1, c1, t2, c2))
		}
	}
	return strings.Join(results, "\n")
}

func stripQuotes(s string) string {
	return strings.NewReplacer("`", "", `"`, "").Replace(s)
}
