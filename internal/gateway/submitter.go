package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/taskfabric/internal/chat"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/internal/telemetry"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// ErrRateLimited is returned when a project exceeds its submission
// budget.
var ErrRateLimited = errors.New("submission rate limited")

// SubmitRequest is everything needed to materialize one task.
type SubmitRequest struct {
	AgentID      string
	ProjectID    string
	BotName      string
	Command      string
	Prompt       string
	SystemPrompt string
	LocalPath    string
	Model        string
	MaxBudget    float64
	AllowedTools []string
	ChatOrigin   protocol.ChatOrigin
}

// SubmitResult reports how the task left the gateway.
type SubmitResult struct {
	TaskID string `json:"taskId"`
	Queued bool   `json:"queued"` // true when stored for offline delivery
}

// Submitter materializes tasks: persist a pending row, then deliver
// the task:submit envelope directly or park it in the offline queue.
type Submitter struct {
	tasks      store.TaskStore
	queue      store.QueueStore
	audit      store.AuditStore
	agents     *AgentManager
	dispatcher *Dispatcher
	poster     chat.Poster
	queueTTL   time.Duration

	// Per-project token buckets. rps <= 0 disables limiting.
	rps      float64
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSubmitter(tasks store.TaskStore, queue store.QueueStore, audit store.AuditStore,
	agents *AgentManager, dispatcher *Dispatcher, poster chat.Poster,
	queueTTL time.Duration, rps float64) *Submitter {
	if queueTTL <= 0 {
		queueTTL = 24 * time.Hour
	}
	return &Submitter{
		tasks:      tasks,
		queue:      queue,
		audit:      audit,
		agents:     agents,
		dispatcher: dispatcher,
		poster:     poster,
		queueTTL:   queueTTL,
		rps:        rps,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Submit persists and dispatches one task. When the agent is offline
// or the send fails, the envelope is queued durably and the originator
// is told the task will run once the agent returns.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (result *SubmitResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "task.submit", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("project.id", req.ProjectID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("task.id", result.TaskID),
				attribute.Bool("task.queued", result.Queued),
			)
		}
		span.End()
	}()

	if req.AgentID == "" || req.ProjectID == "" || req.Prompt == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "agentId, projectId and prompt are required")
	}
	if !s.allow(req.ProjectID) {
		return nil, ErrRateLimited
	}

	task := &store.Task{
		ID:         uuid.NewString(),
		AgentID:    req.AgentID,
		ProjectID:  req.ProjectID,
		BotName:    req.BotName,
		Command:    req.Command,
		Prompt:     req.Prompt,
		Status:     store.TaskPending,
		MaxBudget:  req.MaxBudget,
		ChatOrigin: store.ChatOrigin(req.ChatOrigin),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	s.dispatcher.RememberOrigin(task.ID, req.ChatOrigin)
	s.auditLog(ctx, store.AuditTaskSubmit, req, task.ID)

	env, err := protocol.NewEnvelope(protocol.TypeTaskSubmit, protocol.TaskSubmit{
		TaskID:       task.ID,
		ProjectID:    req.ProjectID,
		BotName:      req.BotName,
		Command:      req.Command,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		LocalPath:    req.LocalPath,
		Model:        req.Model,
		MaxBudget:    req.MaxBudget,
		AllowedTools: req.AllowedTools,
		ChatOrigin:   req.ChatOrigin,
	})
	if err != nil {
		return nil, err
	}

	if s.agents.Send(req.AgentID, env) {
		slog.Info("task.submitted", "task_id", task.ID, "agent_id", req.AgentID, "project_id", req.ProjectID)
		return &SubmitResult{TaskID: task.ID}, nil
	}

	// Offline path: park the envelope; the queue dispatcher replays it
	// on the agent's next connect.
	raw, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, req.AgentID, env.Type, raw, s.queueTTL); err != nil {
		return nil, fmt.Errorf("enqueue offline: %w", err)
	}

	slog.Info("task.submitted_offline", "task_id", task.ID, "agent_id", req.AgentID)
	s.notifyOrigin(ctx, req.ChatOrigin,
		"📭 Agent is offline — task queued and will start when it reconnects.")
	return &SubmitResult{TaskID: task.ID, Queued: true}, nil
}

// Cancel requests cancellation of a queued or running task. The state
// only moves once the agent confirms with task:cancelled; a task stuck
// in pending (agent never saw it) is cancelled directly.
func (s *Submitter) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if store.IsTerminal(task.Status) {
		return protocol.NewError(protocol.CodeValidation, "task already %s", task.Status)
	}

	s.auditLog(ctx, store.AuditTaskCancel, SubmitRequest{AgentID: task.AgentID, ProjectID: task.ProjectID}, taskID)

	if task.Status == store.TaskPending {
		// Never reached the agent. Purge it locally.
		if err := s.tasks.UpdateStatus(ctx, taskID, store.TaskPending, store.TaskCancelled); err != nil {
			return err
		}
		slog.Info("task.cancelled_local", "task_id", taskID)
		return nil
	}

	env, err := protocol.NewEnvelope(protocol.TypeTaskCancel, protocol.TaskCancel{TaskID: taskID, Reason: reason})
	if err != nil {
		return err
	}
	if s.agents.Send(task.AgentID, env) {
		return nil
	}

	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, task.AgentID, env.Type, raw, s.queueTTL); err != nil {
		return fmt.Errorf("enqueue cancel: %w", err)
	}
	return nil
}

// SetRate swaps the per-project submission limit. Existing buckets are
// dropped so the new rate applies immediately. Used by config reload.
func (s *Submitter) SetRate(rps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rps == rps {
		return
	}
	s.rps = rps
	s.limiters = make(map[string]*rate.Limiter)
	slog.Info("submit.rate_updated", "rps", rps)
}

func (s *Submitter) allow(projectID string) bool {
	s.mu.Lock()
	if s.rps <= 0 {
		s.mu.Unlock()
		return true
	}
	lim, ok := s.limiters[projectID]
	if !ok {
		burst := int(s.rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.rps), burst)
		s.limiters[projectID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (s *Submitter) notifyOrigin(ctx context.Context, origin protocol.ChatOrigin, text string) {
	if s.poster == nil || origin.ChannelID == "" {
		return
	}
	if _, err := s.poster.Post(ctx, origin.ChannelID, origin.ThreadTS, text); err != nil {
		slog.Warn("submit.notify_failed", "channel_id", origin.ChannelID, "error", err)
	}
}

func (s *Submitter) auditLog(ctx context.Context, kind string, req SubmitRequest, taskID string) {
	if s.audit == nil {
		return
	}
	entry := &store.AuditLog{
		Kind:    kind,
		AgentID: req.AgentID,
		TaskID:  taskID,
		UserID:  req.ChatOrigin.UserID,
		Detail:  req.ProjectID,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		slog.Warn("audit.append_failed", "kind", kind, "error", err)
	}
}
