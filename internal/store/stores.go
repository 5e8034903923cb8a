package store

// Stores is the top-level container for all storage backends.
// Standalone mode backs everything with sqlite; managed mode with Postgres.
type Stores struct {
	Tasks TaskStore
	Queue QueueStore
	Audit AuditStore
}
