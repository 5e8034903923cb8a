package agent

import "context"

// Stream message kinds produced by the underlying model invocation.
const (
	MsgAssistant  = "assistant"   // a chunk of assistant text
	MsgToolUse    = "tool_use"    // the model invoked a tool
	MsgSystemInit = "system_init" // first message; carries the session id
	MsgResult     = "result"      // final message; carries usage and outcome
)

// Usage aggregates token counts and cost for one invocation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// StreamMessage is one typed message off the invocation stream.
// Kind determines which fields are set.
type StreamMessage struct {
	Kind string

	// MsgAssistant
	Text string

	// MsgToolUse
	ToolName string
	FilePath string // set for file-editing tools
	Command  string // set for shell tools

	// MsgSystemInit
	SessionID string

	// MsgResult
	Usage       *Usage
	IsError     bool
	ErrorText   string
	TurnLimited bool // invocation stopped because it hit max turns
}

// InvokeParams parameterizes one streaming model invocation.
type InvokeParams struct {
	Prompt       string
	SystemPrompt string
	Model        string
	SessionID    string // resume token; empty starts fresh
	WorkDir      string
	MaxTurns     int
	AllowedTools []string
}

// Invoker is the black-box streaming model invocation. The returned
// channel is closed after the MsgResult message. Implementations must
// honor ctx cancellation by terminating the stream promptly.
type Invoker interface {
	Invoke(ctx context.Context, params InvokeParams) (<-chan StreamMessage, error)
}
