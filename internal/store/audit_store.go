package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit event kinds.
const (
	AuditAuthOK       = "auth.ok"
	AuditAuthFailed   = "auth.failed"
	AuditAgentReplace = "agent.replaced"
	AuditAgentSweep   = "agent.swept"
	AuditTaskSubmit   = "task.submitted"
	AuditTaskQueued   = "task.queued"
	AuditTaskCancel   = "task.cancel_requested"
)

// AuditLog is one append-only audit row.
type AuditLog struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"`
	AgentID   string    `json:"agentId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditStore records security-relevant gateway events. Writes are
// best-effort: callers log failures and continue.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditLog) error
	ListRecent(ctx context.Context, limit int) ([]AuditLog, error)
}
