package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// QueueStore is the sqlite offline-queue implementation. FIFO order within
// an agent is the autoincrement id order.
type QueueStore struct {
	db *sql.DB
}

func (s *QueueStore) Enqueue(ctx context.Context, agentID, messageType string, payload []byte, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_queue (agent_id, message_type, payload, created_at, expires_at, delivered)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		agentID, messageType, payload, now, now.Add(ttl))
	if err != nil {
		return 0, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return res.LastInsertId()
}

func (s *QueueStore) FindPending(ctx context.Context, agentID string) ([]store.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, message_type, payload, created_at, expires_at, delivered, delivered_at
		 FROM offline_queue
		 WHERE agent_id = ? AND delivered = 0 AND expires_at > ?
		 ORDER BY id ASC`,
		agentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: find pending: %w", err)
	}
	defer rows.Close()

	var entries []store.QueueEntry
	for rows.Next() {
		var e store.QueueEntry
		var deliveredAt sql.NullTime
		var delivered int
		if err := rows.Scan(&e.ID, &e.AgentID, &e.MessageType, &e.Payload,
			&e.CreatedAt, &e.ExpiresAt, &delivered, &deliveredAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan queue entry: %w", err)
		}
		e.Delivered = delivered != 0
		if deliveredAt.Valid {
			e.DeliveredAt = &deliveredAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *QueueStore) MarkDelivered(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_queue SET delivered = 1, delivered_at = ? WHERE id = ? AND delivered = 0`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark delivered: %w", err)
	}
	return requireRow(res)
}

func (s *QueueStore) CleanExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_queue WHERE delivered = 0 AND expires_at <= ?`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: clean expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *QueueStore) PendingCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_queue WHERE agent_id = ? AND delivered = 0 AND expires_at > ?`,
		agentID, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: pending count: %w", err)
	}
	return n, nil
}
