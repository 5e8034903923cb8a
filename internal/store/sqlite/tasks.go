package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/taskfabric/internal/store"
)

// TaskStore is the sqlite TaskStore implementation.
type TaskStore struct {
	db *sql.DB
}

func (s *TaskStore) Create(ctx context.Context, task *store.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = store.TaskPending
	}

	files, _ := json.Marshal(task.FilesChanged)
	cmds, _ := json.Marshal(task.CommandsRun)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, agent_id, project_id, bot_name, command, prompt, status,
		 result, error_message, session_id, input_tokens, output_tokens, estimated_cost, max_budget,
		 files_changed, commands_run, channel_id, thread_ts, user_id, message_ts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, task.ProjectID, task.BotName, task.Command, task.Prompt, task.Status,
		task.Result, task.ErrorMessage, task.SessionID,
		task.InputTokens, task.OutputTokens, task.EstimatedCost, task.MaxBudget,
		string(files), string(cmds),
		task.ChatOrigin.ChannelID, task.ChatOrigin.ThreadTS, task.ChatOrigin.UserID, task.ChatOrigin.MessageTS,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, project_id, bot_name, command, prompt, status,
		 result, error_message, session_id, input_tokens, output_tokens, estimated_cost, max_budget,
		 files_changed, commands_run, channel_id, thread_ts, user_id, message_ts,
		 created_at, updated_at, started_at, completed_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id, prior, next string) error {
	if !store.CanTransition(prior, next) {
		return store.ErrIllegalTransition
	}

	now := time.Now().UTC()
	set := "status = ?, updated_at = ?"
	args := []any{next, now}
	if next == store.TaskRunning {
		set += ", started_at = ?"
		args = append(args, now)
	}
	if store.IsTerminal(next) {
		set += ", completed_at = ?"
		args = append(args, now)
	}
	args = append(args, id, prior)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing row from a lost optimistic compare.
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
		`UPDATE tasks SET `+col+` = ?, updated_at = ? WHERE id = ?`,
		val, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: set %s: %w", col, err)
	}
	return requireRow(res)
}

func (s *TaskStore) AccumulateUsage(ctx context.Context, id string, inputTokens, outputTokens int64, cost float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET input_tokens = input_tokens + ?,
		 output_tokens = output_tokens + ?,
		 estimated_cost = estimated_cost + ?,
		 updated_at = ? WHERE id = ?`,
		inputTokens, outputTokens, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: accumulate usage: %w", err)
	}
	return requireRow(res)
}

func (s *TaskStore) RecordArtifacts(ctx context.Context, id string, filesChanged, commandsRun []string) error {
	files, _ := json.Marshal(filesChanged)
	cmds, _ := json.Marshal(commandsRun)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET files_changed = ?, commands_run = ?, updated_at = ? WHERE id = ?`,
		string(files), string(cmds), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: record artifacts: %w", err)
	}
	return requireRow(res)
}

func (s *TaskStore) ListByStatus(ctx context.Context, status string, limit int) ([]store.Task, error) {
	return s.list(ctx, "status = ?", status, limit)
}

func (s *TaskStore) ListByProject(ctx context.Context, projectID string, limit int) ([]store.Task, error) {
	return s.list(ctx, "project_id = ?", projectID, limit)
}

func (s *TaskStore) list(ctx context.Context, where string, arg any, limit int) ([]store.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, project_id, bot_name, command, prompt, status,
		 result, error_message, session_id, input_tokens, output_tokens, estimated_cost, max_budget,
		 files_changed, commands_run, channel_id, thread_ts, user_id, message_ts,
		 created_at, updated_at, started_at, completed_at
		 FROM tasks WHERE `+where+` ORDER BY created_at DESC LIMIT ?`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
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
		`DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at < ?`,
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: retention delete: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*store.Task, error) {
	var t store.Task
	var files, cmds string
	var started, completed sql.NullTime
	err := row.Scan(
		&t.ID, &t.AgentID, &t.ProjectID, &t.BotName, &t.Command, &t.Prompt, &t.Status,
		&t.Result, &t.ErrorMessage, &t.SessionID,
		&t.InputTokens, &t.OutputTokens, &t.EstimatedCost, &t.MaxBudget,
		&files, &cmds,
		&t.ChatOrigin.ChannelID, &t.ChatOrigin.ThreadTS, &t.ChatOrigin.UserID, &t.ChatOrigin.MessageTS,
		&t.CreatedAt, &t.UpdatedAt, &started, &completed,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan task: %w", err)
	}
	json.Unmarshal([]byte(files), &t.FilesChanged)
	json.Unmarshal([]byte(cmds), &t.CommandsRun)
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
