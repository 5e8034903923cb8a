package chat

import (
	"fmt"
	"strings"
)

// Truncate shortens s to max runes, appending an ellipsis when cut.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// CompletionSummary holds the figures shown under a finished task.
type CompletionSummary struct {
	Result       string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	DurationMs   int64
	FilesChanged []string
	CommandsRun  []string
}

// FormatCompletion renders the final message that replaces the
// streaming preview once a task completes.
func FormatCompletion(sum CompletionSummary) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(sum.Result))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "✅ Done in %s · %d in / %d out tokens · $%.4f",
		formatDuration(sum.DurationMs), sum.InputTokens, sum.OutputTokens, sum.Cost)

	if len(sum.FilesChanged) > 0 {
		b.WriteString("\nFiles: ")
		b.WriteString(strings.Join(capList(sum.FilesChanged, 10), ", "))
	}
	if len(sum.CommandsRun) > 0 {
		b.WriteString("\nCommands: ")
		b.WriteString(strings.Join(capList(sum.CommandsRun, 10), ", "))
	}
	return b.String()
}

// FormatError renders a failed task message with a retry hint.
func FormatError(errMsg string, recoverable bool) string {
	var b strings.Builder
	b.WriteString("❌ Task failed: ")
	b.WriteString(Truncate(errMsg, 500))
	if recoverable {
		b.WriteString("\nThis looks transient — retry with the same prompt.")
	}
	return b.String()
}

// FormatCancelled renders the cancellation notice.
func FormatCancelled(reason string) string {
	if reason == "" {
		return "🛑 Task cancelled."
	}
	return "🛑 Task cancelled: " + Truncate(reason, 200)
}

// FormatProgress renders a numbered step list for the per-task
// progress tracker message.
func FormatProgress(steps []string) string {
	var b strings.Builder
	b.WriteString("Working...\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, Truncate(s, 120))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := ms / 1000
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	return fmt.Sprintf("%dm%ds", secs/60, secs%60)
}

func capList(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	out := make([]string, max+1)
	copy(out, items[:max])
	out[max] = fmt.Sprintf("(+%d more)", len(items)-max)
	return out
}
