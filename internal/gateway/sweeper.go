package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/taskfabric/internal/config"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// Sweeper runs the gateway's periodic maintenance: expired queue
// entries, dead agent connections, and terminal-task retention. Cron
// expressions are checked once a minute.
type Sweeper struct {
	cfg    *config.Config
	queue  store.QueueStore
	tasks  store.TaskStore
	audit  store.AuditStore
	agents *AgentManager
	cron   *gronx.Gronx
}

func NewSweeper(cfg *config.Config, queue store.QueueStore, tasks store.TaskStore, audit store.AuditStore, agents *AgentManager) *Sweeper {
	return &Sweeper{
		cfg:    cfg,
		queue:  queue,
		tasks:  tasks,
		audit:  audit,
		agents: agents,
		cron:   gronx.New(),
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	heartbeat := s.cfg.Gateway.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	deadTicker := time.NewTicker(heartbeat)
	defer deadTicker.Stop()
	cronTicker := time.NewTicker(time.Minute)
	defer cronTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadTicker.C:
			s.sweepDeadAgents(ctx)
		case <-cronTicker.C:
			if s.due(s.cfg.Queue.SweepCron) {
				s.sweepQueue(ctx)
			}
			if s.due(s.cfg.Retention.SweepCron) && s.cfg.Retention.MaxAgeDays > 0 {
				s.sweepRetention(ctx)
			}
		}
	}
}

func (s *Sweeper) due(expr string) bool {
	if expr == "" {
		return false
	}
	ok, err := s.cron.IsDue(expr, time.Now())
	if err != nil {
		slog.Error("sweep.bad_cron", "expr", expr, "error", err)
		return false
	}
	return ok
}

func (s *Sweeper) sweepDeadAgents(ctx context.Context) {
	swept := s.agents.SweepDead(s.cfg.Gateway.HeartbeatInterval)
	for _, agentID := range swept {
		if s.audit == nil {
			continue
		}
		entry := &store.AuditLog{Kind: store.AuditAgentSweep, AgentID: agentID}
		if err := s.audit.Append(ctx, entry); err != nil {
			slog.Warn("audit.append_failed", "kind", store.AuditAgentSweep, "error", err)
		}
	}
}

func (s *Sweeper) sweepQueue(ctx context.Context) {
	n, err := s.queue.CleanExpired(ctx)
	if err != nil {
		slog.Error("sweep.queue_failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sweep.queue_expired", "deleted", n)
	}
}

func (s *Sweeper) sweepRetention(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.Retention.MaxAgeDays)
	n, err := s.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("sweep.retention_failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sweep.retention", "deleted", n, "cutoff", cutoff)
	}
}
