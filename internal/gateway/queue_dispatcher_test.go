package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/bus"
	"github.com/nextlevelbuilder/taskfabric/pkg/protocol"
)

func enqueueSubmit(t *testing.T, queue *memQueueStore, agentID, taskID string) int64 {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeTaskSubmit, protocol.TaskSubmit{TaskID: taskID})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	id, err := queue.Enqueue(context.Background(), agentID, env.Type, raw, time.Hour)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDrainDeliversFIFO(t *testing.T) {
	agents, _ := newTestManager()
	queue := newMemQueueStore()
	d := NewQueueDispatcher(queue, agents)

	enqueueSubmit(t, queue, "agent-1", "t1")
	enqueueSubmit(t, queue, "agent-1", "t2")
	enqueueSubmit(t, queue, "agent-1", "t3")

	conn := &fakeWire{}
	agents.Register("agent-1", conn)

	if n := d.Drain(context.Background(), "agent-1"); n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}

	var order []string
	for _, env := range conn.sent {
		p, err := protocol.DecodePayload[protocol.TaskSubmit](env)
		if err != nil {
			t.Fatalf("decode delivered payload: %v", err)
		}
		order = append(order, p.TaskID)
	}
	if len(order) != 3 || order[0] != "t1" || order[2] != "t3" {
		t.Errorf("FIFO order broken: %v", order)
	}

	// Everything marked; nothing left to deliver.
	if pending, _ := queue.PendingCount(context.Background(), "agent-1"); pending != 0 {
		t.Errorf("pending after drain = %d, want 0", pending)
	}
}

func TestDrainHaltsOnSendFailure(t *testing.T) {
	agents, _ := newTestManager()
	queue := newMemQueueStore()
	d := NewQueueDispatcher(queue, agents)

	enqueueSubmit(t, queue, "agent-1", "t1")
	enqueueSubmit(t, queue, "agent-1", "t2")

	agents.Register("agent-1", &fakeWire{failWrite: true})

	if n := d.Drain(context.Background(), "agent-1"); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}

	// Nothing was marked delivered; the next connect replays both.
	if pending, _ := queue.PendingCount(context.Background(), "agent-1"); pending != 2 {
		t.Errorf("pending after halted drain = %d, want 2", pending)
	}
}

func TestDrainSkipsCorruptEntries(t *testing.T) {
	agents, _ := newTestManager()
	queue := newMemQueueStore()
	d := NewQueueDispatcher(queue, agents)

	if _, err := queue.Enqueue(context.Background(), "agent-1", "junk", []byte("{not json"), time.Hour); err != nil {
		t.Fatalf("enqueue corrupt: %v", err)
	}
	enqueueSubmit(t, queue, "agent-1", "t1")

	conn := &fakeWire{}
	agents.Register("agent-1", conn)

	if n := d.Drain(context.Background(), "agent-1"); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	// The corrupt entry must not block the queue head forever.
	if pending, _ := queue.PendingCount(context.Background(), "agent-1"); pending != 0 {
		t.Errorf("corrupt entry still pending")
	}
}

func TestDrainTriggeredByConnectEvent(t *testing.T) {
	eventBus := bus.NewMemoryBus()
	agents := NewAgentManager(eventBus)
	queue := newMemQueueStore()
	d := NewQueueDispatcher(queue, agents)
	d.Subscribe(eventBus, "queue-dispatcher")

	enqueueSubmit(t, queue, "agent-1", "t1")

	conn := &fakeWire{}
	agents.Register("agent-1", conn) // broadcast runs handlers synchronously

	if types := conn.sentTypes(); len(types) != 1 || types[0] != protocol.TypeTaskSubmit {
		t.Fatalf("connect should drain the queue, sent %v", types)
	}
}

func TestDrainEmptyQueueNoop(t *testing.T) {
	agents, _ := newTestManager()
	queue := newMemQueueStore()
	d := NewQueueDispatcher(queue, agents)

	conn := &fakeWire{}
	agents.Register("agent-1", conn)

	if n := d.Drain(context.Background(), "agent-1"); n != 0 {
		t.Errorf("empty drain delivered %d", n)
	}
	if len(conn.sentTypes()) != 0 {
		t.Error("empty drain should send nothing")
	}
}
