package store

import (
	"context"
	"time"
)

// QueueEntry is one durable outbound envelope awaiting an offline agent.
// Entries for a given agent form a FIFO ordered by ID.
type QueueEntry struct {
	ID          int64      `json:"id"`
	AgentID     string     `json:"agentId"`
	MessageType string     `json:"messageType"`
	Payload     []byte     `json:"payload"` // serialized envelope
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

// QueueStore is the durable per-agent mailbox. An entry is eligible for
// dispatch iff delivered = false and now < expiresAt; TTL is enforced on
// read and by the periodic sweep.
type QueueStore interface {
	// Enqueue appends an entry expiring at now + ttl and returns its id.
	Enqueue(ctx context.Context, agentID, messageType string, payload []byte, ttl time.Duration) (int64, error)

	// FindPending returns undelivered, unexpired entries in FIFO order.
	FindPending(ctx context.Context, agentID string) ([]QueueEntry, error)

	// MarkDelivered flags the entry so it is never redelivered.
	// Returns ErrNotFound when no row matches.
	MarkDelivered(ctx context.Context, id int64) error

	// CleanExpired deletes undelivered expired entries, returning the count.
	CleanExpired(ctx context.Context) (int64, error)

	// PendingCount returns the number of dispatch-eligible entries.
	PendingCount(ctx context.Context, agentID string) (int, error)
}
