// SPDX-FileCopyrightText: Copyright 2025 Darkroom Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, type, payload, priority, state, retry_count,
	max_retries, scheduled_at, claimed_at, finished_at, last_error,
	cancel_requested, progress_current, progress_total, idempotency_key,
	created_at, updated_at`

func scanTask(row scanner) (*Task, error) {
	var (
		t              Task
		payload        string
		scheduledAt    string
		claimedAt      sql.NullString
		finishedAt     sql.NullString
		idempotencyKey sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&t.ID, &t.Type, &payload, &t.Priority, &t.State,
		&t.RetryCount, &t.MaxRetries, &scheduledAt, &claimedAt, &finishedAt,
		&t.LastError, &t.CancelRequested, &t.ProgressCurrent, &t.ProgressTotal,
		&idempotencyKey, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Payload = []byte(payload)
	t.IdempotencyKey = idempotencyKey.String
	if t.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return nil, err
	}
	if t.ClaimedAt, err = parseTimePtr(claimedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// EnqueueTask persists a new task. When the task carries an idempotency key
// that an active (non-terminal) task already holds, no row is written and
// the existing task is returned with created=false.
func (s *Store) EnqueueTask(ctx context.Context, t *Task) (*Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	persisted, created, err := enqueueTaskTx(ctx, tx, t)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing task: %w", err)
	}
	return persisted, created, nil
}

func enqueueTaskTx(ctx context.Context, tx *sql.Tx, t *Task) (*Task, bool, error) {
	if t.Type == "" {
		return nil, false, fmt.Errorf("%w: task needs a type", ErrInvalidState)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("{}")
	}
	if t.State == "" {
		t.State = TaskPending
	}
	ts := now()
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = ts
	}
	t.CreatedAt, t.UpdatedAt = ts, ts

	var key any
	if t.IdempotencyKey != "" {
		key = t.IdempotencyKey
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, type, payload, priority, state, retry_count,
			max_retries, scheduled_at, last_error, cancel_requested,
			progress_current, progress_total, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, 0, ?, ?, ?)`,
		t.ID, t.Type, string(t.Payload), t.Priority, t.State, t.RetryCount,
		t.MaxRetries, formatTime(t.ScheduledAt), key,
		formatTime(ts), formatTime(ts))
	if isUniqueViolation(err) {
		existing, lookupErr := scanTask(tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE idempotency_key = ? AND state NOT IN (?, ?)`,
			t.IdempotencyKey, TaskDone, TaskCancelled))
		if lookupErr != nil {
			return nil, false, fmt.Errorf("resolving idempotency collision: %w", lookupErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inserting task: %w", err)
	}
	return t, true, nil
}

// ClaimNextTask atomically transitions the head of the pending queue to
// running and returns it. Ordering is (priority ASC, scheduled_at ASC, id
// ASC); rows scheduled in the future are skipped. Pending rows with a cancel
// request are flipped to cancelled on sight. ErrNotFound means no work.
//
// The claim is a single UPDATE…RETURNING inside one transaction on the
// store's only connection, so two workers can never claim the same row.
func (s *Store) ClaimNextTask(ctx context.Context) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	ts := formatTime(now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, finished_at = ?, updated_at = ?
		WHERE state = ? AND cancel_requested = 1`,
		TaskCancelled, ts, ts, TaskPending); err != nil {
		return nil, fmt.Errorf("sweeping cancelled tasks: %w", err)
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks SET state = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE state = ? AND cancel_requested = 0 AND scheduled_at <= ?
			ORDER BY priority ASC, scheduled_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		TaskRunning, ts, ts, TaskPending, ts))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Commit so the cancellation sweep sticks even when idle.
			if cerr := tx.Commit(); cerr != nil {
				return nil, fmt.Errorf("committing sweep: %w", cerr)
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return t, nil
}

// CompleteTask transitions a running task to done.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, TaskDone, "")
}

// MarkTaskDead transitions a running task to dead, recording the error.
func (s *Store) MarkTaskDead(ctx context.Context, id, lastError string) error {
	return s.finishTask(ctx, id, TaskDead, lastError)
}

// MarkTaskCancelled transitions a running task to cancelled. Handlers call
// this (via the engine) after rolling back their partial work.
func (s *Store) MarkTaskCancelled(ctx context.Context, id string) error {
	return s.finishTask(ctx, id, TaskCancelled, "")
}

func (s *Store) finishTask(ctx context.Context, id string, state TaskState, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if t.State != TaskRunning {
		return fmt.Errorf("%w: task %s is %s, not running", ErrInvalidState, id, t.State)
	}
	ts := formatTime(now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, finished_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		state, ts, lastError, ts, id); err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return tx.Commit()
}

// FailTask handles a transient handler failure: the retry counter advances
// and the task either returns to pending after delay or, when the retry
// budget is exhausted, goes dead. The resulting task is returned so the
// caller can tell which.
func (s *Store) FailTask(ctx context.Context, id, lastError string, delay time.Duration) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if t.State != TaskRunning {
		return nil, fmt.Errorf("%w: task %s is %s, not running", ErrInvalidState, id, t.State)
	}

	ts := now()
	if t.RetryCount >= t.MaxRetries {
		t.State = TaskDead
		t.LastError = lastError
		finished := ts
		t.FinishedAt = &finished
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, finished_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?`,
			TaskDead, formatTime(ts), lastError, formatTime(ts), id); err != nil {
			return nil, fmt.Errorf("dead-lettering task: %w", err)
		}
		return t, tx.Commit()
	}

	t.State = TaskPending
	t.RetryCount++
	t.LastError = lastError
	t.ScheduledAt = ts.Add(delay)
	t.ClaimedAt = nil
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, retry_count = ?, last_error = ?,
			scheduled_at = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ?`,
		TaskPending, t.RetryCount, lastError, formatTime(t.ScheduledAt),
		formatTime(ts), id); err != nil {
		return nil, fmt.Errorf("rescheduling task: %w", err)
	}
	return t, tx.Commit()
}

// CancelTask requests cancellation. Pending tasks are cancelled immediately;
// running tasks get cancel_requested set and stop at their next cooperative
// checkpoint. Cancelling an already-cancelled task is a no-op; cancelling a
// task in another terminal state is an invalid transition.
func (s *Store) CancelTask(ctx context.Context, id string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	ts := now()
	switch t.State {
	case TaskPending:
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET state = ?, cancel_requested = 1, finished_at = ?,
				updated_at = ?
			WHERE id = ?`,
			TaskCancelled, formatTime(ts), formatTime(ts), id); err != nil {
			return nil, fmt.Errorf("cancelling pending task: %w", err)
		}
		t.State = TaskCancelled
		t.CancelRequested = true
		finished := ts
		t.FinishedAt = &finished
	case TaskRunning:
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
			formatTime(ts), id); err != nil {
			return nil, fmt.Errorf("requesting cancellation: %w", err)
		}
		t.CancelRequested = true
	case TaskCancelled:
		// Cancel is idempotent.
	default:
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidState, id, t.State)
	}
	return t, tx.Commit()
}

// RequeueTask moves a dead task back to pending with a cleared retry
// budget.
func (s *Store) RequeueTask(ctx context.Context, id string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if t.State != TaskDead {
		return nil, fmt.Errorf("%w: task %s is %s, requeue needs dead",
			ErrInvalidState, id, t.State)
	}
	ts := now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, retry_count = 0, last_error = '',
			scheduled_at = ?, claimed_at = NULL, finished_at = NULL,
			cancel_requested = 0, progress_current = 0, progress_total = 0,
			updated_at = ?
		WHERE id = ?`,
		TaskPending, formatTime(ts), formatTime(ts), id); err != nil {
		return nil, fmt.Errorf("requeueing task: %w", err)
	}
	t.State = TaskPending
	t.RetryCount = 0
	t.LastError = ""
	t.ScheduledAt = ts
	t.ClaimedAt = nil
	t.FinishedAt = nil
	t.CancelRequested = false
	return t, tx.Commit()
}

// RequeueRunningTasks flips every running task back to pending. The engine
// runs this on graceful shutdown after the grace period, so interrupted work
// is picked up by the next process. Retry counters are untouched; handlers
// commit no unrecoverable intermediate state before their final write.
func (s *Store) RequeueRunningTasks(ctx context.Context) (int64, error) {
	ts := formatTime(now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, claimed_at = NULL, scheduled_at = ?,
			updated_at = ?
		WHERE state = ?`,
		TaskPending, ts, ts, TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("requeueing running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting requeued tasks: %w", err)
	}
	return n, nil
}

// SetTaskProgress records handler progress on a running task.
func (s *Store) SetTaskProgress(ctx context.Context, id string, current, total int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress_current = ?, progress_total = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		current, total, formatTime(now()), id, TaskRunning)
	if err != nil {
		return fmt.Errorf("setting task progress: %w", err)
	}
	return requireRow(res)
}

// TaskCancelRequested reports whether a cancel has been requested for the
// task. Long handlers poll this at cooperative checkpoints.
func (s *Store) TaskCancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM tasks WHERE id = ?`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("reading cancel flag: %w", err)
	}
	return requested, nil
}

// GetTask returns one task row.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	State    TaskState
	Type     string
	Page     int
	PageSize int
}

// ListTasks returns a page of tasks, newest first, plus the unpaginated
// total.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error) {
	where, args := []string{"1=1"}, []any{}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	page, size := normalizePage(f.Page, f.PageSize)
	args = append(args, size, (page-1)*size)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+cond+`
		 ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// CountTasksByState returns task counts keyed by state. The engine exports
// these as queue gauges.
func (s *Store) CountTasksByState(ctx context.Context) (map[TaskState]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskState]int64)
	for rows.Next() {
		var st TaskState
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// CountPendingBacklog returns the pending queue depth. Ingestion pauses
// fan-out while it exceeds the backpressure threshold.
func (s *Store) CountPendingBacklog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE state = ?`, TaskPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting backlog: %w", err)
	}
	return n, nil
}
