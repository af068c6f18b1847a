package llm

import (
	"regexp"
	"strings"
)

var (
	sqlBlockRe  = regexp.MustCompile("(?is)```sql\\s*(.*?)\\s*```")
	textBlockRe = regexp.MustCompile("(?is)```text\\s*(.*?)\\s*```")
	jsonBlockRe = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")
)

func blocks(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

func last(items []string) (string, bool) {
	if len(items) == 0 {
		return "", false
	}
	return items[len(items)-1], true
}

// ExtractSQL returns the contents of every fenced sql block in text.
func ExtractSQL(text string) []string { return blocks(sqlBlockRe, text) }

// LastSQL returns the final fenced sql block in text.
func LastSQL(text string) (string, bool) { return last(ExtractSQL(text)) }

// LastText returns the final fenced text block in text.
func LastText(text string) (string, bool) { return last(blocks(textBlockRe, text)) }

// LastJSON returns the final fenced json block in text.
func LastJSON(text string) (string, bool) { return last(blocks(jsonBlockRe, text)) }
