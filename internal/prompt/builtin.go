package prompt

// Template names the stage engine resolves by default.
const (
	SystemTemplate           = "system.md"
	FeedbackFailedTemplate   = "feedback-failed.md"
	FeedbackEmptyTemplate    = "feedback-empty.md"
	FeedbackNullTemplate     = "feedback-null.md"
	FeedbackNoSQLTemplate    = "feedback-no-sql.md"
	ToolInstructionsTemplate = "tools.md"
	ToolFinalTemplate        = "tool-final.md"
	ToolFormatTemplate       = "tool-format.md"
)

// builtinTemplates maps template filename to content. These are short
// structural defaults; operators replace them with their own prompt files.
var builtinTemplates = map[string]string{
	SystemTemplate:           systemTemplate,
	"link.md":                linkTemplate,
	"generate.md":            generateTemplate,
	"style.md":               styleTemplate,
	"output.md":              outputTemplate,
	FeedbackFailedTemplate:   feedbackFailedTemplate,
	FeedbackEmptyTemplate:    feedbackEmptyTemplate,
	FeedbackNullTemplate:     feedbackNullTemplate,
	FeedbackNoSQLTemplate:    feedbackNoSQLTemplate,
	ToolInstructionsTemplate: toolInstructionsTemplate,
	ToolFinalTemplate:        toolFinalTemplate,
	ToolFormatTemplate:       toolFormatTemplate,
}

const systemTemplate = `You are an expert SQL writer. Answer with exactly one SQLite query in a fenced ` + "```sql" + ` block.`

const linkTemplate = `## Database schema
{{schema}}
{{#if cardinality_hints}}
## Column relationships
{{cardinality_hints}}
{{/if}}
{{#if redundant_columns}}
## Redundant columns
{{redundant_columns}}
{{/if}}
{{#if examples}}
## Examples
{{examples}}
{{/if}}

## Question
{{question}}
{{#if evidence}}

## Evidence
{{evidence}}
{{/if}}

Identify the tables and columns needed, then write the query.
`

const generateTemplate = `## Database schema
{{schema}}
{{#if examples}}
## Examples
{{examples}}
{{/if}}

## Question
{{question}}
{{#if evidence}}

## Evidence
{{evidence}}
{{/if}}
{{#if sql}}

## Draft query
` + "```sql" + `
{{sql}}
` + "```" + `
{{#if sql_message}}
Draft execution: {{sql_message}}
{{/if}}
{{/if}}
{{#if tools}}

{{tools}}
{{/if}}

Write the final query. List any output-style conventions you relied on in a fenced ` + "```text" + ` block.
`

const styleTemplate = `## Database schema
{{schema}}

## Question
{{question}}
{{#if evidence}}

## Evidence
{{evidence}}
{{/if}}

## Current query
` + "```sql" + `
{{sql}}
` + "```" + `
{{#if rules}}

## Style rules
{{rules}}
{{/if}}

Rewrite the query so its output follows the style rules. Keep its meaning.
`

const outputTemplate = `## Database schema
{{schema}}

## Question
{{question}}
{{#if evidence}}

## Evidence
{{evidence}}
{{/if}}

## Current query
` + "```sql" + `
{{sql}}
` + "```" + `
{{#if sql_message}}
Execution: {{sql_message}}
{{/if}}

Check that the query returns exactly the columns the question asks for, in that order, and fix it if not.
`

const feedbackFailedTemplate = `The previous SQL execution failed with the following error:
{{message}}
{{#if repeated}}
This error was already seen for this question. Try a different approach.
{{/if}}
Please correct the SQL and try again.
`

const feedbackEmptyTemplate = `The previous SQL returned no rows.
{{#if repeated}}
This result was already seen for this question.
{{/if}}
Check the literal values and formats used in filters against the data, then correct the SQL.
`

const feedbackNullTemplate = `The previous SQL returned a single zero or NULL value:
{{message}}
{{#if repeated}}
This result was already seen for this question.
{{/if}}
Check the join and filter logic; do not add filters the question does not ask for. Correct the SQL.
`

const feedbackNoSQLTemplate = `No SQL was found in your answer. Reply with the query in a fenced ` + "```sql" + ` block.
`

const toolInstructionsTemplate = `## Tools
You may call a tool before answering. To call one, write:
Action: <tool name>
ActionInput: <input>

Tools:
- execute_sql: runs a query and returns a preview of its result. Input: a SQL query.
- get_column_cardinalities: describes the relationship between two columns of one table. Input: a JSON list of pairs, e.g. [["t.a", "t.b"]].

When you are done, write "Final Answer:" followed by the query in a fenced ` + "```sql" + ` block.
`

const toolFinalTemplate = `You have used all tool calls. Write "Final Answer:" followed by the query in a fenced ` + "```sql" + ` block.
`

const toolFormatTemplate = `Please follow the tool format: use "Action: <tool name>" and "ActionInput:" for tool calls, or write "Final Answer:" for the final response.
`
