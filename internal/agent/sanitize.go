package agent

import (
	"regexp"
	"strings"
)

// Some models leak reasoning tags or tool-call XML into their text
// output. Those artifacts must not reach the chat stream.

var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

var toolXMLPattern = regexp.MustCompile(
	`(?s)</?(?:function_calls?|invoke|tool_call|tool_use|parameter)[^>]*>`,
)

var leadingBlankLines = regexp.MustCompile(`^(?:[ \t]*\r?\n)+`)

// sanitizeAssistantText strips reasoning tags and garbled tool-call
// XML from one assistant chunk. Returns "" when nothing user-facing
// remains.
func sanitizeAssistantText(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "<think") || strings.Contains(lower, "<thought") {
		for _, pat := range thinkingTagPatterns {
			text = pat.ReplaceAllString(text, "")
		}
	}
	if strings.Contains(lower, "<tool_") || strings.Contains(lower, "<function_call") ||
		strings.Contains(lower, "<parameter") || strings.Contains(lower, "<invoke") {
		text = toolXMLPattern.ReplaceAllString(text, "")
	}
	text = leadingBlankLines.ReplaceAllString(text, "")
	return strings.TrimRight(text, " \t\n")
}
