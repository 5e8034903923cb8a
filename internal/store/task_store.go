package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row matches the given key.
	ErrNotFound = errors.New("store: not found")
	// ErrIllegalTransition is returned when a status update would move a
	// task along an edge the state machine does not allow.
	ErrIllegalTransition = errors.New("store: illegal status transition")
	// ErrConflict is returned when an optimistic status compare fails
	// (another writer moved the task first).
	ErrConflict = errors.New("store: status conflict")
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// legalTransitions encodes the task state machine. Terminal states have no
// outgoing edges.
var legalTransitions = map[string][]string{
	TaskPending: {TaskQueued, TaskRunning, TaskFailed, TaskCancelled},
	TaskQueued:  {TaskRunning, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskFailed, TaskCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to string) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing edges.
func IsTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// ChatOrigin locates the originating conversation.
type ChatOrigin struct {
	ChannelID string `json:"channelId"`
	ThreadTS  string `json:"threadTs,omitempty"`
	UserID    string `json:"userId"`
	MessageTS string `json:"messageTs,omitempty"`
}

// Task is the durable record of one unit of chat-originated work.
type Task struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentId"`
	ProjectID string `json:"projectId"`
	BotName   string `json:"botName"`
	Command   string `json:"command"`
	Prompt    string `json:"prompt"`

	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`

	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
	MaxBudget     float64 `json:"maxBudget"`

	FilesChanged []string `json:"filesChanged,omitempty"`
	CommandsRun  []string `json:"commandsRun,omitempty"`

	ChatOrigin ChatOrigin `json:"chatOrigin"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// OverBudget reports whether the accumulated cost exceeds the task budget.
// A zero MaxBudget means unlimited.
func (t *Task) OverBudget() bool {
	return t.MaxBudget > 0 && t.EstimatedCost > t.MaxBudget
}

// TaskStore persists task records. Updates are serialized per task id via
// an optimistic compare on the prior status; no lock is held across the
// durable write.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus moves id from prior to next. It returns
	// ErrIllegalTransition when the edge is not in the state machine and
	// ErrConflict when the row is no longer in prior.
	UpdateStatus(ctx context.Context, id, prior, next string) error

	SetResult(ctx context.Context, id, result string) error
	SetError(ctx context.Context, id, errorMessage string) error
	SetSession(ctx context.Context, id, sessionID string) error

	// AccumulateUsage adds token counts and cost to the running totals.
	AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error

	// RecordArtifacts replaces the filesChanged / commandsRun sets.
	RecordArtifacts(ctx context.Context, id string, filesChanged, commandsRun []string) error

	ListByStatus(ctx context.Context, status string, limit int) ([]Task, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]Task, error)

	// DeleteTerminalBefore removes completed/failed/cancelled tasks older
	// than cutoff. Returns the number of rows deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
