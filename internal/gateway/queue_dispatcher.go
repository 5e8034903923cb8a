package gateway

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/taskfabric/internal/bus"
	"github.com/nextlevelbuilder/taskfabric/internal/store"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

// QueueDispatcher drains the durable offline queue into an agent the
// moment it (re)connects. Delivery is at-least-once: an entry is only
// marked delivered after a successful send, so a crash between send
// and mark replays it. Agent-side handlers are idempotent.
type QueueDispatcher struct {
	queue  store.QueueStore
	agents *AgentManager
}

func NewQueueDispatcher(queue store.QueueStore, agents *AgentManager) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, agents: agents}
}

// Subscribe attaches the dispatcher to the event bus under id.
func (d *QueueDispatcher) Subscribe(eventPub bus.EventPublisher, id string) {
	eventPub.Subscribe(id, func(event bus.Event) {
		if event.Name != bus.EventAgentConnected {
			return
		}
		d.Drain(context.Background(), event.AgentID)
	})
}

// Drain sends all pending entries for agentID in FIFO order. It stops
// at the first failed send: the connection is gone or going, and
// skipping ahead would break ordering. Remaining entries wait for the
// next connect.
func (d *QueueDispatcher) Drain(ctx context.Context, agentID string) (delivered int) {
	entries, err := d.queue.FindPending(ctx, agentID)
	if err != nil {
		slog.Error("queue.find_pending_failed", "agent_id", agentID, "error", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	slog.Info("queue.drain_start", "agent_id", agentID, "pending", len(entries))

	for _, entry := range entries {
		env, err := protocol.Decode(entry.Payload)
		if err != nil {
			// A corrupt entry can never deliver; mark it so it
			// stops blocking the queue head.
			slog.Error("queue.entry_corrupt", "agent_id", agentID, "entry_id", entry.ID, "error", err)
			if markErr := d.queue.MarkDelivered(ctx, entry.ID); markErr != nil {
				slog.Error("queue.mark_corrupt_failed", "entry_id", entry.ID, "error", markErr)
			}
			continue
		}

		if !d.agents.Send(agentID, env) {
			slog.Warn("queue.drain_halted", "agent_id", agentID, "entry_id", entry.ID, "delivered", delivered)
			return delivered
		}

		if err := d.queue.MarkDelivered(ctx, entry.ID); err != nil {
			slog.Error("queue.mark_delivered_failed", "entry_id", entry.ID, "error", err)
			return delivered
		}
		delivered++
	}

	slog.Info("queue.drain_done", "agent_id", agentID, "delivered", delivered)
	return delivered
}
