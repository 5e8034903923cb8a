// Package sqlite is the standalone-mode storage backend. A single database
// file holds tasks, the offline queue, and audit logs.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// Open creates (or opens) the sqlite database at path, applies the schema,
// and returns the store container.
func Open(path string) (*store.Stores, *sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc/sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	return &store.Stores{
		Tasks: &TaskStore{db: db},
		Queue: &QueueStore{db: db},
		Audit: &AuditStore{db: db},
	}, db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	project_id     TEXT NOT NULL,
	bot_name       TEXT NOT NULL DEFAULT '',
	command        TEXT NOT NULL DEFAULT '',
	prompt         TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	result         TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	session_id     TEXT NOT NULL DEFAULT '',
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	max_budget     REAL NOT NULL DEFAULT 0,
	files_changed  TEXT NOT NULL DEFAULT '[]',
	commands_run   TEXT NOT NULL DEFAULT '[]',
	channel_id     TEXT NOT NULL DEFAULT '',
	thread_ts      TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	message_ts     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	started_at     TIMESTAMP,
	completed_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status  ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);

CREATE TABLE IF NOT EXISTS offline_queue (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	expires_at   TIMESTAMP NOT NULL,
	delivered    INTEGER NOT NULL DEFAULT 0,
	delivered_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_agent_delivered ON offline_queue(agent_id, delivered);
CREATE INDEX IF NOT EXISTS idx_queue_expires         ON offline_queue(expires_at);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	task_id    TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at);
`
