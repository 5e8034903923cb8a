package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// QueueStore is the Postgres offline-queue implementation. FIFO order
// within an agent is bigserial id order.
type QueueStore struct {
	db *sql.DB
}

func (s *QueueStore) Enqueue(ctx context.Context, agentID, messageType string, payload []byte, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO offline_queue (agent_id, message_type, payload, created_at, expires_at, delivered)
		 VALUES ($1, $2, $3, $4, $5, false) RETURNING id`,
		agentID, messageType, payload, now, now.Add(ttl)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pg: enqueue: %w", err)
	}
	return id, nil
}

func (s *QueueStore) FindPending(ctx context.Context, agentID string) ([]store.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, message_type, payload, created_at, expires_at, delivered, delivered_at
		 FROM offline_queue
		 WHERE agent_id = $1 AND delivered = false AND expires_at > $2
		 ORDER BY id ASC`,
		agentID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("pg: find pending: %w", err)
	}
	defer rows.Close()

	var entries []store.QueueEntry
	for rows.Next() {
		var e store.QueueEntry
		var deliveredAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.AgentID, &e.MessageType, &e.Payload,
			&e.CreatedAt, &e.ExpiresAt, &e.Delivered, &deliveredAt); err != nil {
			return nil, fmt.Errorf("pg: scan queue entry: %w", err)
		}
		if deliveredAt.Valid {
			e.DeliveredAt = &deliveredAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *QueueStore) MarkDelivered(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_queue SET delivered = true, delivered_at = $1 WHERE id = $2 AND delivered = false`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pg: mark delivered: %w", err)
	}
	return requireRow(res)
}

func (s *QueueStore) CleanExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_queue WHERE delivered = false AND expires_at <= $1`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("pg: clean expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *QueueStore) PendingCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_queue WHERE agent_id = $1 AND delivered = false AND expires_at > $2`,
		agentID, time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pg: pending count: %w", err)
	}
	return n, nil
}
