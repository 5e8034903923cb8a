package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// AuditStore is the sqlite audit-log implementation.
type AuditStore struct {
	db *sql.DB
}

func (s *AuditStore) Append(ctx context.Context, entry *store.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, kind, agent_id, task_id, user_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Kind, entry.AgentID, entry.TaskID, entry.UserID, entry.Detail, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: audit append: %w", err)
	}
	return nil
}

func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]store.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, agent_id, task_id, user_id, detail, created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: audit list: %w", err)
	}
	defer rows.Close()

	var logs []store.AuditLog
	for rows.Next() {
		var l store.AuditLog
		var id string
		if err := rows.Scan(&id, &l.Kind, &l.AgentID, &l.TaskID, &l.UserID, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.ID, _ = uuid.Parse(id)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
