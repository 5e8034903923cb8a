package stream

import (
	"regexp"
	"strings"
)

// starRun matches runs of two or more stars. Collapsing them to one
// is what keeps Transform stable when the snapshot is re-rendered
// from the same growing buffer.
var starRun = regexp.MustCompile(`\*{2,}`)

// Transform normalizes model-flavored markdown into the subset chat
// clients render. It is idempotent: Transform(Transform(s)) ==
// Transform(s), which matters because snapshots are re-rendered on
// every flush from the same growing buffer.
func Transform(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}
		out = append(out, transformLine(line))
	}

	result := strings.Join(out, "\n")
	// An unterminated fence would swallow everything the next edit
	// appends, so close it.
	if inFence {
		result += "\n```"
	}
	return result
}

func transformLine(line string) string {
	// Headings render as bold lines. Wrapping first and collapsing
	// after folds any bold inside the heading into the wrapper.
	trimmed := strings.TrimLeft(line, " ")
	if level := headingLevel(trimmed); level > 0 {
		text := strings.TrimSpace(trimmed[level:])
		if text == "" {
			return text
		}
		return starRun.ReplaceAllString("*"+text+"*", "*")
	}
	return starRun.ReplaceAllString(line, "*")
}

func headingLevel(s string) int {
	n := 0
	for n < len(s) && s[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n >= len(s) || s[n] != ' ' {
		return 0
	}
	return n
}
