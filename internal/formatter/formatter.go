// Package formatter cleans up model output: it drops markdown code fences and
// re-indents lines by counting brackets.
//
// The re-indent is a line-based heuristic, not a lexer. Brackets inside string
// literals or comments move the depth counter like any other bracket, and
// blocks opened by ':' (Python) are left flat.
package formatter

import (
	"regexp"
	"strings"
)

const indentUnit = "  "

var (
	openingFence = regexp.MustCompile("^```[\\w-]*\\n")
	closingFence = regexp.MustCompile("\\n```$")
	bareFence    = regexp.MustCompile("^`{3}")
)

// Format strips fences and re-indents text. It never fails.
func Format(text string) string {
	return reindent(stripFences(text))
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = openingFence.ReplaceAllString(text, "")
	text = closingFence.ReplaceAllString(text, "")
	return bareFence.ReplaceAllString(text, "")
}

func reindent(text string) string {
	lines := strings.Split(text, "\n")
	depth := 0
	for i, line := range lines {
		line = strings.TrimSpace(line)

		// closers dedent their own line
		if strings.HasPrefix(line, "}") || strings.HasPrefix(line, ")") || strings.HasPrefix(line, "]") {
			depth--
		}

		lines[i] = strings.Repeat(indentUnit, max(0, depth)) + line

		// openers indent the lines after them
		if strings.HasSuffix(line, "{") || strings.HasSuffix(line, "(") || strings.HasSuffix(line, "[") {
			depth++
		}
	}
	return strings.Join(lines, "\n")
}
