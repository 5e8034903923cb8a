// Package pg is the managed-mode storage backend. Schema is owned by the
// golang-migrate files under migrations/; this package only reads and writes.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// Open connects to Postgres and returns the store container.
func Open(ctx context.Context, dsn string) (*store.Stores, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("pg: open: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("pg: ping: %w", err)
	}

	return &store.Stores{
		Tasks: &TaskStore{db: db},
		Queue: &QueueStore{db: db},
		Audit: &AuditStore{db: db},
	}, db, nil
}
