package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// CLIInvoker runs the model through its command-line client in
// stream-json mode, one JSON object per stdout line. The prompt goes
// in on stdin so it never hits argv length limits.
type CLIInvoker struct {
	Command string
	Args    []string
}

func NewCLIInvoker(command string, args []string) *CLIInvoker {
	if command == "" {
		command = "claude"
	}
	return &CLIInvoker{Command: command, Args: args}
}

func (c *CLIInvoker) Invoke(ctx context.Context, params InvokeParams) (<-chan StreamMessage, error) {
	args := append([]string{}, c.Args...)
	args = append(args, "-p", "--verbose", "--output-format", "stream-json")
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(params.MaxTurns))
	}
	if params.SessionID != "" {
		args = append(args, "--resume", params.SessionID)
	}
	if params.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", params.SystemPrompt)
	}
	if len(params.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(params.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = params.WorkDir
	cmd.Stdin = strings.NewReader(params.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Command, err)
	}

	out := make(chan StreamMessage, 16)
	go func() {
		defer close(out)
		defer cmd.Wait()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			for _, msg := range parseStreamLine(line) {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			slog.Warn("invoker.stream_read_failed", "error", err)
		}
	}()
	return out, nil
}

// Wire shapes of the CLI's stream-json output. Only the fields the
// runner consumes are decoded.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`

	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type toolInput struct {
	FilePath string `json:"file_path,omitempty"`
	Command  string `json:"command,omitempty"`
}

// parseStreamLine maps one stdout line to zero or more stream
// messages. Unparseable lines are dropped; the CLI interleaves
// non-JSON diagnostics on bad days.
func parseStreamLine(line []byte) []StreamMessage {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		slog.Debug("invoker.skip_line", "error", err)
		return nil
	}

	switch sl.Type {
	case "system":
		if sl.Subtype == "init" && sl.SessionID != "" {
			return []StreamMessage{{Kind: MsgSystemInit, SessionID: sl.SessionID}}
		}
	case "assistant":
		if sl.Message == nil {
			return nil
		}
		var msgs []StreamMessage
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					msgs = append(msgs, StreamMessage{Kind: MsgAssistant, Text: block.Text})
				}
			case "tool_use":
				m := StreamMessage{Kind: MsgToolUse, ToolName: block.Name}
				var in toolInput
				if len(block.Input) > 0 {
					json.Unmarshal(block.Input, &in)
				}
				m.FilePath = in.FilePath
				m.Command = in.Command
				msgs = append(msgs, m)
			}
		}
		return msgs
	case "result":
		msg := StreamMessage{
			Kind:        MsgResult,
			Text:        sl.Result,
			IsError:     sl.IsError,
			TurnLimited: sl.Subtype == "error_max_turns",
		}
		if sl.IsError {
			msg.ErrorText = sl.Result
		}
		usage := &Usage{CostUSD: sl.TotalCostUSD}
		if sl.Usage != nil {
			usage.InputTokens = sl.Usage.InputTokens
			usage.OutputTokens = sl.Usage.OutputTokens
		}
		msg.Usage = usage
		return []StreamMessage{msg}
	}
	return nil
}
