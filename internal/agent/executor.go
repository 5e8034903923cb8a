package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// HealthMonitor gates admission and feeds the status reporter.
// *ResourceMonitor is the production implementation.
type HealthMonitor interface {
	Healthy() bool
	Sample() protocol.ResourceStatus
}

// SendFunc delivers one envelope to the gateway. It fails when the
// connection is down; callers log and move on, since the gateway's
// handlers are idempotent and tolerate gaps.
type SendFunc func(ctx context.Context, msgType string, payload any) error

// runningTask tracks one in-flight runner.
type runningTask struct {
	submit protocol.TaskSubmit
	cancel context.CancelFunc

	mu              sync.Mutex
	cancelRequested bool
	cancelReason    string
}

func (r *runningTask) requestCancel(reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested {
		return false
	}
	r.cancelRequested = true
	r.cancelReason = reason
	return true
}

func (r *runningTask) cancelState() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested, r.cancelReason
}

// Executor is the agent-side admission controller: it bounds
// concurrent task runs, parks overflow in a local FIFO, and owns the
// per-task runners.
type Executor struct {
	cfg     config.AgentConfig
	invoker Invoker
	guard   *PathGuard
	monitor HealthMonitor
	send    SendFunc

	// OnRestart handles system:restart; nil ignores the frame.
	OnRestart func(reason string, rebuild bool)

	mu      sync.Mutex
	running map[string]*runningTask
	waiting []protocol.TaskSubmit
	wg      sync.WaitGroup
}

func NewExecutor(cfg config.AgentConfig, invoker Invoker, guard *PathGuard, monitor HealthMonitor, send SendFunc) *Executor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 5
	}
	if cfg.MaxContinuations <= 0 {
		cfg.MaxContinuations = 3
	}
	if cfg.MaxTurnsPerInvocation <= 0 {
		cfg.MaxTurnsPerInvocation = 200
	}
	return &Executor{
		cfg:     cfg,
		invoker: invoker,
		guard:   guard,
		monitor: monitor,
		send:    send,
		running: make(map[string]*runningTask),
	}
}

// HandleEnvelope routes one gateway envelope. Unknown types are
// logged and dropped.
func (e *Executor) HandleEnvelope(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTaskSubmit:
		submit, err := protocol.DecodePayload[protocol.TaskSubmit](env)
		if err != nil {
			slog.Error("executor.bad_submit", "error", err)
			return
		}
		e.HandleSubmit(ctx, *submit)
	case protocol.TypeTaskCancel:
		cancel, err := protocol.DecodePayload[protocol.TaskCancel](env)
		if err != nil {
			slog.Error("executor.bad_cancel", "error", err)
			return
		}
		e.HandleCancel(ctx, cancel.TaskID, cancel.Reason)
	case protocol.TypeSystemRestart:
		restart, err := protocol.DecodePayload[protocol.SystemRestart](env)
		if err != nil {
			slog.Error("executor.bad_restart", "error", err)
			return
		}
		if e.OnRestart != nil {
			e.OnRestart(restart.Reason, restart.Rebuild)
		}
	case protocol.TypeHeartbeatPong, protocol.TypeAuthResponse:
		// Handled by the connection client.
	default:
		slog.Warn("executor.unknown_type", "type", env.Type)
	}
}

// HandleSubmit admits, queues, or rejects one task. Re-delivery of a
// task already known is re-acked without starting a second run.
func (e *Executor) HandleSubmit(ctx context.Context, submit protocol.TaskSubmit) {
	e.mu.Lock()

	if _, isRunning := e.running[submit.TaskID]; isRunning {
		e.mu.Unlock()
		e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: true})
		return
	}
	for i, w := range e.waiting {
		if w.TaskID == submit.TaskID {
			e.mu.Unlock()
			e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: true, Queued: true, QueuePosition: i + 1})
			return
		}
	}

	if !e.monitor.Healthy() {
		e.mu.Unlock()
		slog.Warn("executor.rejected_unhealthy", "task_id", submit.TaskID)
		e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: false, Reason: "agent resources unhealthy"})
		return
	}

	workDir, err := e.guard.Validate(submit.LocalPath)
	if err != nil {
		e.mu.Unlock()
		slog.Warn("executor.rejected_path", "task_id", submit.TaskID, "path", submit.LocalPath, "error", err)
		e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: false, Reason: err.Error()})
		return
	}
	submit.LocalPath = workDir

	if len(e.running) >= e.cfg.MaxConcurrentTasks {
		e.waiting = append(e.waiting, submit)
		position := len(e.waiting)
		e.mu.Unlock()
		slog.Info("executor.queued", "task_id", submit.TaskID, "position", position)
		e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: true, Queued: true, QueuePosition: position})
		return
	}

	e.startLocked(submit)
	e.mu.Unlock()
	e.ack(ctx, protocol.TaskAck{TaskID: submit.TaskID, Accepted: true})
}

// HandleCancel aborts a running task or removes a locally queued one.
// Exactly one task:cancelled goes out per task; duplicate cancels and
// cancels for unknown tasks are no-ops.
func (e *Executor) HandleCancel(ctx context.Context, taskID, reason string) {
	e.mu.Lock()
	if rt, ok := e.running[taskID]; ok {
		e.mu.Unlock()
		if rt.requestCancel(reason) {
			rt.cancel()
			slog.Info("executor.cancelling", "task_id", taskID, "reason", reason)
		} else {
			slog.Warn("executor.cancel_duplicate", "task_id", taskID)
		}
		return
	}

	for i, w := range e.waiting {
		if w.TaskID == taskID {
			e.waiting = append(e.waiting[:i], e.waiting[i+1:]...)
			e.mu.Unlock()
			slog.Info("executor.cancelled_queued", "task_id", taskID)
			e.sendEnvelope(ctx, protocol.TypeTaskCancelled, protocol.TaskCancelled{TaskID: taskID, Reason: reason})
			return
		}
	}
	e.mu.Unlock()
	slog.Warn("executor.cancel_unknown", "task_id", taskID)
}

// ActiveTaskIDs returns the ids of running tasks, for agent:status.
func (e *Executor) ActiveTaskIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.running))
	for id := range e.running {
		out = append(out, id)
	}
	return out
}

// ActiveCount returns the number of running tasks.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Wait blocks until every runner has finished. Used on shutdown.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// RunStatusReporter self-reports agent:status with resource gauges on
// a fixed interval until ctx is cancelled.
func (e *Executor) RunStatusReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := e.monitor.Sample()
			status := protocol.AgentOnline
			if e.ActiveCount() > 0 {
				status = protocol.AgentBusy
			}
			e.sendEnvelope(ctx, protocol.TypeAgentStatus, protocol.AgentStatus{
				AgentID:        e.cfg.ID,
				Status:         status,
				ActiveTasks:    e.ActiveTaskIDs(),
				Version:        Version,
				ResourceStatus: &res,
			})
		}
	}
}

// startLocked launches a runner. Caller holds e.mu.
func (e *Executor) startLocked(submit protocol.TaskSubmit) {
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{submit: submit, cancel: cancel}
	e.running[submit.TaskID] = rt

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.finish(submit.TaskID)
		e.runTask(runCtx, rt)
	}()
}

// finish removes a completed runner and promotes the next waiting
// task, if any.
func (e *Executor) finish(taskID string) {
	e.mu.Lock()
	delete(e.running, taskID)

	var next *protocol.TaskSubmit
	if len(e.waiting) > 0 && len(e.running) < e.cfg.MaxConcurrentTasks {
		n := e.waiting[0]
		e.waiting = e.waiting[1:]
		next = &n
	}
	if next != nil {
		e.startLocked(*next)
	}
	e.mu.Unlock()

	if next != nil {
		slog.Info("executor.promoted", "task_id", next.TaskID)
		// A fresh non-queued ack walks the gateway row to running.
		e.ack(context.Background(), protocol.TaskAck{TaskID: next.TaskID, Accepted: true})
	}
}

func (e *Executor) ack(ctx context.Context, ack protocol.TaskAck) {
	e.sendEnvelope(ctx, protocol.TypeTaskAck, ack)
}

func (e *Executor) sendEnvelope(ctx context.Context, msgType string, payload any) {
	if err := e.send(ctx, msgType, payload); err != nil {
		slog.Warn("executor.send_failed", "type", msgType, "error", err)
	}
}
