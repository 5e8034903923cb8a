package gateway

// In-memory store fakes shared by the dispatcher, queue-dispatcher and
// submitter tests. Semantics mirror the sqlite backend, including the
// optimistic status compare.

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*store.Task)}
}

func (m *memTaskStore) Create(_ context.Context, task *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = store.TaskPending
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memTaskStore) Get(_ context.Context, id string) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTaskStore) UpdateStatus(_ context.Context, id, prior, next string) error {
	if !store.CanTransition(prior, next) {
		return store.ErrIllegalTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != prior {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	t.Status = next
	t.UpdatedAt = now
	if next == store.TaskRunning {
		t.StartedAt = &now
	}
	if store.IsTerminal(next) {
		t.CompletedAt = &now
	}
	return nil
}

func (m *memTaskStore) SetResult(_ context.Context, id, result string) error {
	return m.mutate(id, func(t *store.Task) { t.Result = result })
}

func (m *memTaskStore) SetError(_ context.Context, id, errorMessage string) error {
	return m.mutate(id, func(t *store.Task) { t.ErrorMessage = errorMessage })
}

func (m *memTaskStore) SetSession(_ context.Context, id, sessionID string) error {
	return m.mutate(id, func(t *store.Task) { t.SessionID = sessionID })
}

func (m *memTaskStore) AccumulateUsage(_ context.Context, id string, in, out int64, cost float64) error {
	return m.mutate(id, func(t *store.Task) {
		t.InputTokens += in
		t.OutputTokens += out
		t.EstimatedCost += cost
	})
}

func (m *memTaskStore) RecordArtifacts(_ context.Context, id string, files, cmds []string) error {
	return m.mutate(id, func(t *store.Task) {
		t.FilesChanged = files
		t.CommandsRun = cmds
	})
}

func (m *memTaskStore) mutate(id string, fn func(*store.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memTaskStore) ListByStatus(_ context.Context, status string, limit int) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTaskStore) ListByProject(_ context.Context, projectID string, limit int) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memTaskStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if store.IsTerminal(t.Status) && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

type memQueueStore struct {
	mu      sync.Mutex
	nextID  int64
	entries []*store.QueueEntry
}

func newMemQueueStore() *memQueueStore { return &memQueueStore{} }

func (m *memQueueStore) Enqueue(_ context.Context, agentID, messageType string, payload []byte, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	m.entries = append(m.entries, &store.QueueEntry{
		ID:          m.nextID,
		AgentID:     agentID,
		MessageType: messageType,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	return m.nextID, nil
}

func (m *memQueueStore) FindPending(_ context.Context, agentID string) ([]store.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []store.QueueEntry
	for _, e := range m.entries {
		if e.AgentID == agentID && !e.Delivered && e.ExpiresAt.After(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memQueueStore) MarkDelivered(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id && !e.Delivered {
			now := time.Now().UTC()
			e.Delivered = true
			e.DeliveredAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memQueueStore) CleanExpired(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var kept []*store.QueueEntry
	var n int64
	for _, e := range m.entries {
		if !e.Delivered && !e.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

func (m *memQueueStore) PendingCount(_ context.Context, agentID string) (int, error) {
	pending, _ := m.FindPending(context.Background(), agentID)
	return len(pending), nil
}

type memAuditStore struct {
	mu   sync.Mutex
	logs []store.AuditLog
}

func newMemAuditStore() *memAuditStore { return &memAuditStore{} }

func (m *memAuditStore) Append(_ context.Context, entry *store.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.CreatedAt = time.Now().UTC()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memAuditStore) ListRecent(_ context.Context, limit int) ([]store.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AuditLog, len(m.logs))
	copy(out, m.logs)
	return out, nil
}

func (m *memAuditStore) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs))
	for i, l := range m.logs {
		out[i] = l.Kind
	}
	return out
}
