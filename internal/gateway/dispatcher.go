package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/taskfabric/internal/chat"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/internal/stream"
	"github.com/nextlevelbuilder/taskfabric/internal/telemetry"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// ExtraHandler handles envelope types outside the task/heartbeat core
// (deploys, restart results). Registered by tag.
type ExtraHandler func(ctx context.Context, agentID string, env *protocol.Envelope) error

// Dispatcher demultiplexes inbound agent envelopes. Every handler is
// idempotent: duplicate delivery of the same frame must not corrupt
// task state, since the offline queue is at-least-once.
type Dispatcher struct {
	tasks  store.TaskStore
	audit  store.AuditStore
	agents *AgentManager
	acc    *stream.Accumulator
	poster chat.Poster

	mu       sync.Mutex
	origins  map[string]protocol.ChatOrigin // taskID → origin
	trackers map[string]*progressTracker    // taskID → step list
	extra    map[string]ExtraHandler
}

type progressTracker struct {
	steps     []string
	messageID string
	origin    protocol.ChatOrigin
}

func NewDispatcher(tasks store.TaskStore, audit store.AuditStore, agents *AgentManager, acc *stream.Accumulator, poster chat.Poster) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		audit:    audit,
		agents:   agents,
		acc:      acc,
		poster:   poster,
		origins:  make(map[string]protocol.ChatOrigin),
		trackers: make(map[string]*progressTracker),
		extra:    make(map[string]ExtraHandler),
	}
}

// RegisterExtra routes envelopes of the given type to h. Core types
// cannot be overridden.
func (d *Dispatcher) RegisterExtra(msgType string, h ExtraHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extra[msgType] = h
}

// RememberOrigin seeds the task → chat-origin mapping at submission
// time so stream deltas route without a store read per frame.
func (d *Dispatcher) RememberOrigin(taskID string, origin protocol.ChatOrigin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origins[taskID] = origin
}

// Dispatch routes one inbound envelope. Unknown types are logged and
// ignored, never an error: newer agents may speak newer tags.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID string, env *protocol.Envelope) error {
	ctx, span := telemetry.Tracer().Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("envelope.type", env.Type),
		attribute.String("agent.id", agentID),
	))
	defer span.End()

	switch env.Type {
	case protocol.TypeTaskAck:
		return d.handleAck(ctx, agentID, env)
	case protocol.TypeTaskProgress:
		return d.handleProgress(ctx, agentID, env)
	case protocol.TypeTaskStream:
		return d.handleStream(ctx, agentID, env)
	case protocol.TypeTaskComplete:
		return d.handleComplete(ctx, agentID, env)
	case protocol.TypeTaskError:
		return d.handleError(ctx, agentID, env)
	case protocol.TypeTaskCancelled:
		return d.handleCancelled(ctx, agentID, env)
	case protocol.TypeAgentStatus:
		return d.handleAgentStatus(ctx, agentID, env)
	case protocol.TypeHeartbeatPing:
		return d.handleHeartbeatPing(ctx, agentID, env)
	case protocol.TypeHeartbeatPong:
		d.agents.UpdateHeartbeat(agentID)
		return nil
	default:
		d.mu.Lock()
		h, ok := d.extra[env.Type]
		d.mu.Unlock()
		if ok {
			return h(ctx, agentID, env)
		}
		slog.Warn("dispatch.unknown_type", "agent_id", agentID, "type", env.Type)
		return nil
	}
}

func (d *Dispatcher) handleAck(ctx context.Context, agentID string, env *protocol.Envelope) error {
	ack, err := protocol.DecodePayload[protocol.TaskAck](env)
	if err != nil {
		return err
	}

	switch {
	case ack.Accepted && ack.Queued:
		err = d.transition(ctx, ack.TaskID, store.TaskPending, store.TaskQueued)
		if err == nil {
			d.notify(ctx, ack.TaskID, fmt.Sprintf("⏳ Queued on agent (position %d).", ack.QueuePosition))
			d.auditLog(ctx, store.AuditTaskQueued, agentID, ack.TaskID, fmt.Sprintf("position %d", ack.QueuePosition))
		}
	case ack.Accepted:
		err = d.transition(ctx, ack.TaskID, store.TaskPending, store.TaskRunning)
		if errors.Is(err, store.ErrConflict) {
			// A locally queued task was promoted: the row says
			// queued, not pending.
			err = d.catchUpToRunning(ctx, ack.TaskID)
		}
		if err == nil {
			d.agents.TrackTask(agentID, ack.TaskID)
		}
	default:
		reason := ack.Reason
		if reason == "" {
			reason = "rejected by agent"
		}
		err = d.transition(ctx, ack.TaskID, store.TaskPending, store.TaskFailed)
		if err == nil {
			if serr := d.tasks.SetError(ctx, ack.TaskID, reason); serr != nil {
				slog.Error("dispatch.set_error_failed", "task_id", ack.TaskID, "error", serr)
			}
			d.notify(ctx, ack.TaskID, chat.FormatError(reason, false))
		}
	}

	if errors.Is(err, errDuplicate) {
		return nil
	}
	return err
}

func (d *Dispatcher) handleProgress(ctx context.Context, agentID string, env *protocol.Envelope) error {
	prog, err := protocol.DecodePayload[protocol.TaskProgress](env)
	if err != nil {
		return err
	}

	origin, ok := d.originFor(ctx, prog.TaskID)
	if !ok {
		slog.Warn("dispatch.progress_orphan", "agent_id", agentID, "task_id", prog.TaskID)
		return nil
	}

	d.mu.Lock()
	tr, exists := d.trackers[prog.TaskID]
	if !exists {
		tr = &progressTracker{origin: origin}
		d.trackers[prog.TaskID] = tr
	}
	tr.steps = append(tr.steps, prog.Message)
	text := chat.FormatProgress(tr.steps)
	messageID := tr.messageID
	d.mu.Unlock()

	if d.poster == nil {
		return nil
	}

	if messageID == "" {
		id, err := d.poster.Post(ctx, origin.ChannelID, origin.ThreadTS, text)
		if err != nil {
			slog.Warn("dispatch.progress_post_failed", "task_id", prog.TaskID, "error", err)
			return nil
		}
		d.mu.Lock()
		tr.messageID = id
		d.mu.Unlock()
		return nil
	}

	if err := d.poster.Edit(ctx, origin.ChannelID, messageID, text); err != nil {
		slog.Warn("dispatch.progress_edit_failed", "task_id", prog.TaskID, "error", err)
	}
	return nil
}

func (d *Dispatcher) handleStream(ctx context.Context, agentID string, env *protocol.Envelope) error {
	frame, err := protocol.DecodePayload[protocol.TaskStream](env)
	if err != nil {
		return err
	}
	origin, ok := d.originFor(ctx, frame.TaskID)
	if !ok {
		slog.Warn("dispatch.stream_orphan", "agent_id", agentID, "task_id", frame.TaskID)
		return nil
	}
	d.acc.AddDelta(frame.TaskID, frame.Delta, origin)
	return nil
}

func (d *Dispatcher) handleComplete(ctx context.Context, agentID string, env *protocol.Envelope) error {
	done, err := protocol.DecodePayload[protocol.TaskComplete](env)
	if err != nil {
		return err
	}

	err = d.transition(ctx, done.TaskID, store.TaskRunning, store.TaskCompleted)
	if errors.Is(err, errDuplicate) {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		// Lost ack: the agent ran the task but we never saw
		// task:ack, so the row still says pending or queued. Walk
		// it forward.
		if cerr := d.catchUpToRunning(ctx, done.TaskID); cerr != nil {
			return cerr
		}
		err = d.transition(ctx, done.TaskID, store.TaskRunning, store.TaskCompleted)
	}
	if err != nil {
		return err
	}

	if serr := d.tasks.SetResult(ctx, done.TaskID, done.Result); serr != nil {
		slog.Error("dispatch.set_result_failed", "task_id", done.TaskID, "error", serr)
	}
	if done.SessionID != "" {
		if serr := d.tasks.SetSession(ctx, done.TaskID, done.SessionID); serr != nil {
			slog.Error("dispatch.set_session_failed", "task_id", done.TaskID, "error", serr)
		}
	}
	if uerr := d.tasks.AccumulateUsage(ctx, done.TaskID, done.InputTokens, done.OutputTokens, done.EstimatedCost); uerr != nil {
		slog.Error("dispatch.accumulate_usage_failed", "task_id", done.TaskID, "error", uerr)
	}
	if aerr := d.tasks.RecordArtifacts(ctx, done.TaskID, done.FilesChanged, done.CommandsRun); aerr != nil {
		slog.Error("dispatch.record_artifacts_failed", "task_id", done.TaskID, "error", aerr)
	}

	d.agents.UntrackTask(agentID, done.TaskID)

	final := chat.FormatCompletion(chat.CompletionSummary{
		Result:       done.Result,
		InputTokens:  done.InputTokens,
		OutputTokens: done.OutputTokens,
		Cost:         done.EstimatedCost,
		DurationMs:   done.DurationMs,
		FilesChanged: done.FilesChanged,
		CommandsRun:  done.CommandsRun,
	})
	d.finishStream(ctx, done.TaskID, final)

	slog.Info("task.completed", "task_id", done.TaskID, "agent_id", agentID,
		"duration_ms", done.DurationMs, "cost", done.EstimatedCost)
	return nil
}

func (d *Dispatcher) handleError(ctx context.Context, agentID string, env *protocol.Envelope) error {
	taskErr, err := protocol.DecodePayload[protocol.TaskError](env)
	if err != nil {
		return err
	}

	if taskErr.Recoverable {
		// The agent keeps the task and retries after reconnect; the
		// row stays running.
		slog.Warn("task.transient_error", "task_id", taskErr.TaskID, "agent_id", agentID,
			"code", taskErr.Code, "error", taskErr.Error)
		d.notify(ctx, taskErr.TaskID, "⚠️ Transient error, agent retrying: "+chat.Truncate(taskErr.Error, 200))
		return nil
	}

	err = d.transition(ctx, taskErr.TaskID, store.TaskRunning, store.TaskFailed)
	if errors.Is(err, errDuplicate) {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		if cerr := d.catchUpToRunning(ctx, taskErr.TaskID); cerr != nil {
			return cerr
		}
		err = d.transition(ctx, taskErr.TaskID, store.TaskRunning, store.TaskFailed)
	}
	if err != nil {
		return err
	}

	if serr := d.tasks.SetError(ctx, taskErr.TaskID, taskErr.Error); serr != nil {
		slog.Error("dispatch.set_error_failed", "task_id", taskErr.TaskID, "error", serr)
	}
	d.agents.UntrackTask(agentID, taskErr.TaskID)
	d.finishStream(ctx, taskErr.TaskID, chat.FormatError(taskErr.Error, false))

	slog.Error("task.failed", "task_id", taskErr.TaskID, "agent_id", agentID,
		"code", taskErr.Code, "error", taskErr.Error)
	return nil
}

func (d *Dispatcher) handleCancelled(ctx context.Context, agentID string, env *protocol.Envelope) error {
	cancelled, err := protocol.DecodePayload[protocol.TaskCancelled](env)
	if err != nil {
		return err
	}

	task, err := d.tasks.Get(ctx, cancelled.TaskID)
	if err != nil {
		return err
	}
	if store.IsTerminal(task.Status) {
		slog.Warn("dispatch.cancel_duplicate", "task_id", cancelled.TaskID, "status", task.Status)
		return nil
	}

	if err := d.tasks.UpdateStatus(ctx, cancelled.TaskID, task.Status, store.TaskCancelled); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	if cancelled.Reason != "" {
		if serr := d.tasks.SetError(ctx, cancelled.TaskID, cancelled.Reason); serr != nil {
			slog.Error("dispatch.set_error_failed", "task_id", cancelled.TaskID, "error", serr)
		}
	}
	d.agents.UntrackTask(agentID, cancelled.TaskID)
	d.finishStream(ctx, cancelled.TaskID, chat.FormatCancelled(cancelled.Reason))

	slog.Info("task.cancelled", "task_id", cancelled.TaskID, "agent_id", agentID, "reason", cancelled.Reason)
	return nil
}

func (d *Dispatcher) handleAgentStatus(ctx context.Context, agentID string, env *protocol.Envelope) error {
	status, err := protocol.DecodePayload[protocol.AgentStatus](env)
	if err != nil {
		return err
	}
	d.agents.UpdateStatus(agentID, status.Status, status.ActiveTasks, status.ResourceStatus)
	return nil
}

func (d *Dispatcher) handleHeartbeatPing(ctx context.Context, agentID string, env *protocol.Envelope) error {
	d.agents.UpdateHeartbeat(agentID)

	cpu, mem := d.agents.Gauges(agentID)
	pong, err := protocol.NewEnvelope(protocol.TypeHeartbeatPong, protocol.HeartbeatPong{
		AgentID:     agentID,
		ServerTime:  time.Now().UnixMilli(),
		ActiveTasks: d.agents.ActiveTaskCount(agentID),
		CPUUsage:    cpu,
		MemoryUsage: mem,
	})
	if err != nil {
		return err
	}
	if !d.agents.Send(agentID, pong) {
		slog.Warn("dispatch.pong_send_failed", "agent_id", agentID)
	}
	return nil
}

// errDuplicate marks a redelivered terminal frame; handlers treat it
// as a warned no-op.
var errDuplicate = errors.New("duplicate terminal frame")

// transition moves a task prior → next. A conflict against an
// already-terminal row is collapsed to errDuplicate; other conflicts
// surface for the caller's recovery logic.
func (d *Dispatcher) transition(ctx context.Context, taskID, prior, next string) error {
	err := d.tasks.UpdateStatus(ctx, taskID, prior, next)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) {
		task, getErr := d.tasks.Get(ctx, taskID)
		if getErr != nil {
			return getErr
		}
		if task.Status == next || store.IsTerminal(task.Status) {
			slog.Warn("dispatch.duplicate_frame", "task_id", taskID, "status", task.Status, "wanted", next)
			return errDuplicate
		}
		return err
	}
	return fmt.Errorf("transition %s %s→%s: %w", taskID, prior, next, err)
}

// catchUpToRunning walks a pending or queued task to running.
func (d *Dispatcher) catchUpToRunning(ctx context.Context, taskID string) error {
	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case store.TaskPending:
		return d.tasks.UpdateStatus(ctx, taskID, store.TaskPending, store.TaskRunning)
	case store.TaskQueued:
		return d.tasks.UpdateStatus(ctx, taskID, store.TaskQueued, store.TaskRunning)
	case store.TaskRunning:
		return nil
	default:
		return fmt.Errorf("task %s in state %s cannot catch up: %w", taskID, task.Status, store.ErrIllegalTransition)
	}
}

// finishStream force-flushes and removes the task's stream buffer,
// then replaces the streaming message with the final text.
func (d *Dispatcher) finishStream(ctx context.Context, taskID, finalText string) {
	origin, ok := d.originFor(ctx, taskID)

	if err := d.acc.FlushNow(ctx, taskID); err != nil {
		slog.Warn("dispatch.final_flush_failed", "task_id", taskID, "error", err)
	}
	messageID := d.acc.MessageID(taskID)
	d.acc.Remove(taskID)

	d.mu.Lock()
	delete(d.trackers, taskID)
	delete(d.origins, taskID)
	d.mu.Unlock()

	if !ok || d.poster == nil {
		return
	}

	var err error
	if messageID != "" {
		err = d.poster.Edit(ctx, origin.ChannelID, messageID, finalText)
	} else {
		_, err = d.poster.Post(ctx, origin.ChannelID, origin.ThreadTS, finalText)
	}
	if err != nil {
		slog.Warn("dispatch.final_post_failed", "task_id", taskID, "error", err)
	}
}

// notify posts a one-off message to the task's origin thread.
func (d *Dispatcher) notify(ctx context.Context, taskID, text string) {
	if d.poster == nil {
		return
	}
	origin, ok := d.originFor(ctx, taskID)
	if !ok {
		return
	}
	if _, err := d.poster.Post(ctx, origin.ChannelID, origin.ThreadTS, text); err != nil {
		slog.Warn("dispatch.notify_failed", "task_id", taskID, "error", err)
	}
}

// originFor resolves a task's chat origin, falling back to the store
// when the in-memory map is cold (gateway restart).
func (d *Dispatcher) originFor(ctx context.Context, taskID string) (protocol.ChatOrigin, bool) {
	d.mu.Lock()
	origin, ok := d.origins[taskID]
	d.mu.Unlock()
	if ok {
		return origin, true
	}

	task, err := d.tasks.Get(ctx, taskID)
	if err != nil {
		return protocol.ChatOrigin{}, false
	}
	origin = protocol.ChatOrigin(task.ChatOrigin)
	if origin.ChannelID == "" {
		return protocol.ChatOrigin{}, false
	}
	d.mu.Lock()
	d.origins[taskID] = origin
	d.mu.Unlock()
	return origin, true
}

func (d *Dispatcher) auditLog(ctx context.Context, kind, agentID, taskID, detail string) {
	if d.audit == nil {
		return
	}
	entry := &store.AuditLog{Kind: kind, AgentID: agentID, TaskID: taskID, Detail: detail}
	if err := d.audit.Append(ctx, entry); err != nil {
		slog.Warn("audit.append_failed", "kind", kind, "error", err)
	}
}
