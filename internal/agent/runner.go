package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

const continuationPrompt = "Continue the task from where the previous invocation stopped. " +
	"Do not repeat completed work."

// runTask drives one task to a terminal frame: exactly one of
// task:complete, task:error or task:cancelled goes out, whatever path
// the run takes.
func (e *Executor) runTask(ctx context.Context, rt *runningTask) {
	submit := rt.submit

	timeout := e.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	state := &runState{
		files:    make(map[string]struct{}),
		commands: make(map[string]struct{}),
	}

	slog.Info("task.start", "task_id", submit.TaskID, "project_id", submit.ProjectID, "dir", submit.LocalPath)

	prompt := submit.Prompt
	continuations := 0

	for {
		outcome, err := e.runInvocation(runCtx, submit, prompt, state)
		if err != nil {
			e.finishWithError(context.Background(), rt, state, classifyRunError(runCtx, err))
			return
		}

		if requested, reason := rt.cancelState(); requested {
			slog.Info("task.cancelled", "task_id", submit.TaskID, "reason", reason)
			e.sendEnvelope(context.Background(), protocol.TypeTaskCancelled, protocol.TaskCancelled{TaskID: submit.TaskID, Reason: reason})
			return
		}

		if outcome.isError {
			e.finishWithError(context.Background(), rt, state, taskFailure{
				message: outcome.errorText,
				code:    protocol.CodeInternal,
			})
			return
		}

		if submit.MaxBudget > 0 && state.usage.CostUSD > submit.MaxBudget {
			e.finishWithError(context.Background(), rt, state, taskFailure{
				message: fmt.Sprintf("budget exceeded: $%.4f > $%.4f", state.usage.CostUSD, submit.MaxBudget),
				code:    protocol.CodeBudgetExceeded,
			})
			return
		}

		if outcome.turnLimited {
			continuations++
			if continuations > e.cfg.MaxContinuations {
				e.finishWithError(context.Background(), rt, state, taskFailure{
					message: "Continuation limit reached",
					code:    protocol.CodeInternal,
				})
				return
			}
			msg := fmt.Sprintf("Auto-continuing task (%d/%d)...", continuations, e.cfg.MaxContinuations)
			slog.Info("task.continuing", "task_id", submit.TaskID, "continuation", continuations)
			e.sendEnvelope(context.Background(), protocol.TypeTaskProgress, protocol.TaskProgress{
				TaskID:    submit.TaskID,
				Type:      protocol.ProgressInfo,
				Message:   msg,
				Timestamp: time.Now().UnixMilli(),
			})
			prompt = continuationPrompt
			continue
		}

		// Natural completion.
		e.sendEnvelope(context.Background(), protocol.TypeTaskComplete, protocol.TaskComplete{
			TaskID:        submit.TaskID,
			Result:        outcome.result,
			SessionID:     state.sessionID,
			InputTokens:   state.usage.InputTokens,
			OutputTokens:  state.usage.OutputTokens,
			EstimatedCost: state.usage.CostUSD,
			FilesChanged:  sortedKeys(state.files),
			CommandsRun:   sortedKeys(state.commands),
			DurationMs:    time.Since(start).Milliseconds(),
		})
		slog.Info("task.complete", "task_id", submit.TaskID,
			"duration_ms", time.Since(start).Milliseconds(), "cost", state.usage.CostUSD)
		return
	}
}

// runState accumulates across continuations: one task, many
// invocations, one set of totals.
type runState struct {
	sessionID string
	usage     Usage
	files     map[string]struct{}
	commands  map[string]struct{}
	wroteText bool
}

type invokeOutcome struct {
	result      string
	isError     bool
	errorText   string
	turnLimited bool
}

// runInvocation drives one streaming model call to its result message.
func (e *Executor) runInvocation(ctx context.Context, submit protocol.TaskSubmit, prompt string, state *runState) (*invokeOutcome, error) {
	stream, err := e.invoker.Invoke(ctx, InvokeParams{
		Prompt:       prompt,
		SystemPrompt: submit.SystemPrompt,
		Model:        pick(submit.Model, e.cfg.Model),
		SessionID:    state.sessionID,
		WorkDir:      submit.LocalPath,
		MaxTurns:     e.cfg.MaxTurnsPerInvocation,
		AllowedTools: pickSlice(submit.AllowedTools, e.cfg.AllowedTools),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke: %w", err)
	}

	var lastResult string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				// Stream ended without a result message.
				return nil, errors.New("invocation stream closed without result")
			}

			switch msg.Kind {
			case MsgSystemInit:
				if msg.SessionID != "" {
					state.sessionID = msg.SessionID
				}
			case MsgAssistant:
				text := sanitizeAssistantText(msg.Text)
				if text == "" {
					continue
				}
				delta := text
				if state.wroteText {
					delta = "\n\n" + delta
				}
				state.wroteText = true
				lastResult = text
				e.sendEnvelope(context.Background(), protocol.TypeTaskStream, protocol.TaskStream{
					TaskID:    submit.TaskID,
					Delta:     delta,
					Timestamp: time.Now().UnixMilli(),
				})
			case MsgToolUse:
				if msg.FilePath != "" {
					state.files[msg.FilePath] = struct{}{}
				}
				if msg.Command != "" {
					state.commands[msg.Command] = struct{}{}
				}
				e.sendEnvelope(context.Background(), protocol.TypeTaskProgress, protocol.TaskProgress{
					TaskID:    submit.TaskID,
					Type:      protocol.ProgressToolUse,
					Message:   describeToolUse(msg),
					Timestamp: time.Now().UnixMilli(),
				})
			case MsgResult:
				if msg.Usage != nil {
					state.usage.InputTokens += msg.Usage.InputTokens
					state.usage.OutputTokens += msg.Usage.OutputTokens
					state.usage.CostUSD += msg.Usage.CostUSD
				}
				outcome := &invokeOutcome{
					result:      lastResult,
					isError:     msg.IsError,
					errorText:   msg.ErrorText,
					turnLimited: msg.TurnLimited,
				}
				if msg.Text != "" {
					outcome.result = msg.Text
				}
				return outcome, nil
			}
		}
	}
}

// taskFailure is a terminal error frame waiting to be sent.
type taskFailure struct {
	message     string
	code        string
	recoverable bool
}

func (e *Executor) finishWithError(ctx context.Context, rt *runningTask, state *runState, failure taskFailure) {
	// A cancel that raced the failure wins: the user asked first.
	if requested, reason := rt.cancelState(); requested {
		e.sendEnvelope(context.Background(), protocol.TypeTaskCancelled, protocol.TaskCancelled{TaskID: rt.submit.TaskID, Reason: reason})
		return
	}

	slog.Error("task.failed", "task_id", rt.submit.TaskID, "code", failure.code,
		"recoverable", failure.recoverable, "error", failure.message)
	e.sendEnvelope(ctx, protocol.TypeTaskError, protocol.TaskError{
		TaskID:      rt.submit.TaskID,
		Error:       failure.message,
		Code:        failure.code,
		Recoverable: failure.recoverable,
	})
}

// classifyRunError maps an invocation error to its terminal frame.
// Timeouts are fatal; network-shaped errors are recoverable, the
// agent retries after reconnecting.
func classifyRunError(runCtx context.Context, err error) taskFailure {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return taskFailure{message: "task timeout exceeded", code: protocol.CodeTimeout}
	}
	if errors.Is(err, context.Canceled) {
		// Cancel path; the caller checks cancelState first, so this
		// only shows when the run context died for another reason.
		return taskFailure{message: err.Error(), code: protocol.CodeInternal}
	}
	if isNetworkError(err) {
		return taskFailure{message: err.Error(), code: protocol.CodeNetworkTransient, recoverable: true}
	}
	return taskFailure{message: err.Error(), code: protocol.CodeInternal}
}

func describeToolUse(msg StreamMessage) string {
	switch {
	case msg.FilePath != "":
		return fmt.Sprintf("%s: %s", msg.ToolName, msg.FilePath)
	case msg.Command != "":
		return fmt.Sprintf("%s: %s", msg.ToolName, msg.Command)
	default:
		return msg.ToolName
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func pickSlice(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}
