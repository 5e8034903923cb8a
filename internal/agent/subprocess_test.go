package agent

import "testing"

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []StreamMessage
	}{
		{
			"system init",
			`{"type":"system","subtype":"init","session_id":"sess-9"}`,
			[]StreamMessage{{Kind: MsgSystemInit, SessionID: "sess-9"}},
		},
		{
			"assistant text",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`,
			[]StreamMessage{{Kind: MsgAssistant, Text: "hello"}},
		},
		{
			"tool use with file",
			`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"a.go"}}]}}`,
			[]StreamMessage{{Kind: MsgToolUse, ToolName: "Edit", FilePath: "a.go"}},
		},
		{
			"tool use with command",
			`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"make"}}]}}`,
			[]StreamMessage{{Kind: MsgToolUse, ToolName: "Bash", Command: "make"}},
		},
		{
			"mixed content",
			`{"type":"assistant","message":{"content":[{"type":"text","text":"running"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
			[]StreamMessage{
				{Kind: MsgAssistant, Text: "running"},
				{Kind: MsgToolUse, ToolName: "Bash", Command: "ls"},
			},
		},
		{
			"result success",
			`{"type":"result","subtype":"success","result":"done","total_cost_usd":0.05,"usage":{"input_tokens":100,"output_tokens":40}}`,
			[]StreamMessage{{Kind: MsgResult, Text: "done",
				Usage: &Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.05}}},
		},
		{
			"result max turns",
			`{"type":"result","subtype":"error_max_turns","usage":{"input_tokens":1,"output_tokens":1}}`,
			[]StreamMessage{{Kind: MsgResult, TurnLimited: true,
				Usage: &Usage{InputTokens: 1, OutputTokens: 1}}},
		},
		{
			"result error",
			`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`,
			[]StreamMessage{{Kind: MsgResult, Text: "boom", IsError: true, ErrorText: "boom",
				Usage: &Usage{}}},
		},
		{"not json", `panic: something went sideways`, nil},
		{"unknown type", `{"type":"user"}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStreamLine([]byte(tt.line))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d messages, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				g, w := got[i], tt.want[i]
				if g.Kind != w.Kind || g.Text != w.Text || g.ToolName != w.ToolName ||
					g.FilePath != w.FilePath || g.Command != w.Command ||
					g.SessionID != w.SessionID || g.IsError != w.IsError ||
					g.ErrorText != w.ErrorText || g.TurnLimited != w.TurnLimited {
					t.Errorf("message %d = %+v, want %+v", i, g, w)
				}
				if (g.Usage == nil) != (w.Usage == nil) {
					t.Fatalf("message %d usage presence mismatch", i)
				}
				if g.Usage != nil && *g.Usage != *w.Usage {
					t.Errorf("message %d usage = %+v, want %+v", i, *g.Usage, *w.Usage)
				}
			}
		})
	}
}
