package stream

import "testing"

func TestTransform(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "hello world", "hello world"},
		{"bold", "this is **bold** text", "this is *bold* text"},
		{"bold italic", "***both***", "*both*"},
		{"odd star run", "**x*", "*x*"},
		{"heading", "# Title", "*Title*"},
		{"heading with bold", "# a**b**", "*a*b*"},
		{"heading already bold", "# *done*", "*done*"},
		{"deep heading", "### Sub section", "*Sub section*"},
		{"not a heading", "#hashtag", "#hashtag"},
		{"fence preserved", "```go\n**not bold**\n```", "```go\n**not bold**\n```"},
		{"unclosed fence closed", "```\ncode", "```\ncode\n```"},
		{
			"mixed",
			"## Plan\nuse **two** steps\n```\nkeep ## as-is\n```",
			"*Plan*\nuse *two* steps\n```\nkeep ## as-is\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Transform(tt.in)
			if got != tt.want {
				t.Errorf("Transform(%q) = %q, want %q", tt.in, got, tt.want)
			}
			// Re-rendering the same buffer every tick must be stable.
			if again := Transform(got); again != got {
				t.Errorf("not idempotent: %q -> %q", got, again)
			}
		})
	}
}
