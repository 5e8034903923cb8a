package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// TaskStore is the Postgres TaskStore implementation.
type TaskStore struct {
	db *sql.DB
}

const taskColumns = `id, agent_id, project_id, bot_name, command, prompt, status,
	result, error_message, session_id, input_tokens, output_tokens, estimated_cost, max_budget,
	files_changed, commands_run, channel_id, thread_ts, user_id, message_ts,
	created_at, updated_at, started_at, completed_at`

func (s *TaskStore) Create(ctx context.Context, task *store.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = store.TaskPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, agent_id, project_id, bot_name, command, prompt, status,
		 result, error_message, session_id, input_tokens, output_tokens, estimated_cost, max_budget,
		 files_changed, commands_run, channel_id, thread_ts, user_id, message_ts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		task.ID, task.AgentID, task.ProjectID, task.BotName, task.Command, task.Prompt, task.Status,
		task.Result, task.ErrorMessage, task.SessionID,
		task.InputTokens, task.OutputTokens, task.EstimatedCost, task.MaxBudget,
		pq.Array(task.FilesChanged), pq.Array(task.CommandsRun),
		task.ChatOrigin.ChannelID, task.ChatOrigin.ThreadTS, task.ChatOrigin.UserID, task.ChatOrigin.MessageTS,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("pg: create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id, prior, next string) error {
	if !store.CanTransition(prior, next) {
		return store.ErrIllegalTransition
	}

	now := time.Now().UTC()
	query := `UPDATE tasks SET status = $1, updated_at = $2`
	args := []any{next, now}
	if next == store.TaskRunning {
		query += `, started_at = $3 WHERE id = $4 AND status = $5`
		args = append(args, now, id, prior)
	} else if store.IsTerminal(next) {
		query += `, completed_at = $3 WHERE id = $4 AND status = $5`
		args = append(args, now, id, prior)
	} else {
		query += ` WHERE id = $3 AND status = $4`
		args = append(args, id, prior)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pg: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return store.ErrConflict
	}
	return nil
}

func (s *TaskStore) SetResult(ctx context.Context, id, result string) error {
	return s.setColumn(ctx, id, "result", result)
}

func (s *TaskStore) SetError(ctx context.Context, id, errorMessage string) error {
	return s.setColumn(ctx, id, "error_message", errorMessage)
}

func (s *TaskStore) SetSession(ctx context.Context, id, sessionID string) error {
	return s.setColumn(ctx, id, "session_id", sessionID)
}

func (s *TaskStore) setColumn(ctx context.Context, id, col, val string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+col+` = $1, updated_at = $2 WHERE id = $3`,
		val, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pg: set %s: %w", col, err)
	}
	return requireRow(res)
}

func (s *TaskStore) AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET input_tokens = input_tokens + $1,
		 output_tokens = output_tokens + $2,
		 estimated_cost = estimated_cost + $3,
		 updated_at = $4 WHERE id = $5`,
		inputTokens, outputTokens, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pg: accumulate usage: %w", err)
	}
	return requireRow(res)
}

func (s *TaskStore) RecordArtifacts(ctx context.Context, id string, filesChanged, commandsRun []string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET files_changed = $1, commands_run = $2, updated_at = $3 WHERE id = $4`,
		pq.Array(filesChanged), pq.Array(commandsRun), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("pg: record artifacts: %w", err)
	}
	return requireRow(res)
}

func (s *TaskStore) ListByStatus(ctx context.Context, status string, limit int) ([]store.Task, error) {
	return s.list(ctx, "status = $1", status, limit)
}

func (s *TaskStore) ListByProject(ctx context.Context, projectID string, limit int) ([]store.Task, error) {
	return s.list(ctx, "project_id = $1", projectID, limit)
}

func (s *TaskStore) list(ctx context.Context, where string, arg any, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at DESC LIMIT $2`,
		arg, limit)
	if err != nil {
		return nil, fmt.Errorf("pg: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE status IN ($1, $2, $3) AND completed_at < $4`,
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pg: retention delete: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var started, completed sql.NullTime
	err := row.Scan(
		&t.ID, &t.AgentID, &t.ProjectID, &t.BotName, &t.Command, &t.Prompt, &t.Status,
		&t.Result, &t.ErrorMessage, &t.SessionID,
		&t.InputTokens, &t.OutputTokens, &t.EstimatedCost, &t.MaxBudget,
		pq.Array(&t.FilesChanged), pq.Array(&t.CommandsRun),
		&t.ChatOrigin.ChannelID, &t.ChatOrigin.ThreadTS, &t.ChatOrigin.UserID, &t.ChatOrigin.MessageTS,
		&t.CreatedAt, &t.UpdatedAt, &started, &completed,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan task: %w", err)
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
