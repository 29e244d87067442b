// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// TaskState is a node in the task lifecycle.
//
// The happy path is queued → dispatched → running → succeeded. The
// stall checker moves silent tasks to stalled; Requeue moves
// recoverable tasks back to queued with an attempt count bump; Cancel
// removes tasks that have not started. Terminal states (succeeded,
// failed, cancelled) never transition again.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskDispatched TaskState = "dispatched"
	TaskRunning    TaskState = "running"
	TaskSucceeded  TaskState = "succeeded"
	TaskFailed     TaskState = "failed"
	TaskStalled    TaskState = "stalled"
	TaskCancelled  TaskState = "cancelled"
)

// allowedTransitions is the full task state machine. Any edge not
// listed returns fault.ErrInvalidTransition. Direct cancellation only
// exists from queued; once dispatched, cancellation is cooperative
// through the running handler's context.
var allowedTransitions = map[TaskState][]TaskState{
	TaskQueued:     {TaskDispatched, TaskCancelled, TaskStalled, TaskFailed},
	TaskDispatched: {TaskRunning, TaskQueued, TaskStalled, TaskFailed},
	TaskRunning:    {TaskSucceeded, TaskFailed, TaskStalled, TaskQueued},
	TaskStalled:    {TaskQueued, TaskFailed},
}

func transitionAllowed(from, to TaskState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state never transitions again.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of maintenance work against a site.
type Task struct {
	ID             ident.TaskID
	TenantID       ident.TenantID
	SiteID         ident.SiteID
	Role           string
	Operation      string
	IdempotencyKey string
	State          TaskState
	Mutating       bool
	Payload        []byte
	Result         []byte
	LastError      string
	Attempts       int
	DevFailCount   int
	BackupID       ident.BackupID
	NotBefore      int64
	CreatedAt      int64
	UpdatedAt      int64
	DispatchedAt   int64
	StartedAt      int64
	HeartbeatAt    int64
	FinishedAt     int64
}

// NewTask describes a task submission.
type NewTask struct {
	SiteID    ident.SiteID
	Role      string
	Operation string

	// Mutating marks tasks that change site content and therefore
	// require a backup before dispatch.
	Mutating bool

	// Payload is the CBOR-encoded handler input.
	Payload []byte

	// IdempotencyKey deduplicates submissions. If empty, it is
	// derived from the tenant, site, and operation.
	IdempotencyKey string
}

// CreateTask inserts a task in the queued state. Submissions are
// idempotent on (tenant, idempotency key): a duplicate returns the
// existing task with created=false and writes nothing.
func (s *Store) CreateTask(ctx context.Context, tctx tenant.Context, newTask NewTask) (Task, bool, error) {
	if !tctx.Bound() || tctx.IsSystem() {
		return Task{}, false, fmt.Errorf("store: create task: %w", fault.ErrTenantIsolation)
	}
	if newTask.Role == "" || newTask.Operation == "" {
		return Task{}, false, fmt.Errorf("store: create task: role and operation are required")
	}

	key := newTask.IdempotencyKey
	if key == "" {
		key = ident.IdempotencyKey(tctx.TenantID(), newTask.SiteID, newTask.Operation)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Task{}, false, err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, newTask.SiteID); err != nil {
		return Task{}, false, err
	}

	now := s.now()
	task := Task{
		ID:             ident.NewTaskID(),
		TenantID:       tctx.TenantID(),
		SiteID:         newTask.SiteID,
		Role:           newTask.Role,
		Operation:      newTask.Operation,
		IdempotencyKey: key,
		State:          TaskQueued,
		Mutating:       newTask.Mutating,
		Payload:        newTask.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = sqlitex.Execute(conn, `INSERT INTO tasks
		(id, tenant_id, site_id, role, operation, idempotency_key, state,
		 mutating, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(task.ID), string(task.TenantID), string(task.SiteID),
			task.Role, task.Operation, key, string(TaskQueued),
			boolToInt(task.Mutating), task.Payload, now, now,
		},
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.taskByIdempotencyKey(conn, tctx, key)
			if lookupErr != nil {
				return Task{}, false, lookupErr
			}
			return existing, false, nil
		}
		return Task{}, false, fmt.Errorf("store: create task: %w", err)
	}
	return task, true, nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) taskByIdempotencyKey(conn *sqlite.Conn, tctx tenant.Context, key string) (Task, error) {
	var task Task
	found := false
	err := sqlitex.Execute(conn, selectTask+` WHERE tenant_id = ? AND idempotency_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(tctx.TenantID()), key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				task = scanTask(stmt)
				return nil
			},
		})
	if err != nil {
		return Task{}, fmt.Errorf("store: task by idempotency key: %w", err)
	}
	if !found {
		return Task{}, fmt.Errorf("store: task with key %s vanished: %w", key, fault.ErrTaskNotFound)
	}
	return task, nil
}

const selectTask = `SELECT id, tenant_id, site_id, role, operation, idempotency_key,
	state, mutating, payload, result, last_error, attempts, dev_fail_count,
	backup_id, not_before, created_at, updated_at, dispatched_at, started_at,
	heartbeat_at, finished_at
	FROM tasks`

func scanTask(stmt *sqlite.Stmt) Task {
	task := Task{
		ID:             ident.TaskID(stmt.ColumnText(0)),
		TenantID:       ident.TenantID(stmt.ColumnText(1)),
		SiteID:         ident.SiteID(stmt.ColumnText(2)),
		Role:           stmt.ColumnText(3),
		Operation:      stmt.ColumnText(4),
		IdempotencyKey: stmt.ColumnText(5),
		State:          TaskState(stmt.ColumnText(6)),
		Mutating:       stmt.ColumnInt64(7) != 0,
		LastError:      stmt.ColumnText(10),
		Attempts:       int(stmt.ColumnInt64(11)),
		DevFailCount:   int(stmt.ColumnInt64(12)),
		BackupID:       ident.BackupID(stmt.ColumnText(13)),
		NotBefore:      stmt.ColumnInt64(14),
		CreatedAt:      stmt.ColumnInt64(15),
		UpdatedAt:      stmt.ColumnInt64(16),
		DispatchedAt:   stmt.ColumnInt64(17),
		StartedAt:      stmt.ColumnInt64(18),
		HeartbeatAt:    stmt.ColumnInt64(19),
		FinishedAt:     stmt.ColumnInt64(20),
	}
	if size := stmt.ColumnLen(8); size > 0 {
		task.Payload = make([]byte, size)
		stmt.ColumnBytes(8, task.Payload)
	}
	if size := stmt.ColumnLen(9); size > 0 {
		task.Result = make([]byte, size)
		stmt.ColumnBytes(9, task.Result)
	}
	return task
}

// GetTask returns a task by ID. The context must own it.
func (s *Store) GetTask(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) (Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Task{}, err
	}
	defer s.pool.Put(conn)

	return s.getTask(conn, tctx, taskID)
}

func (s *Store) getTask(conn *sqlite.Conn, tctx tenant.Context, taskID ident.TaskID) (Task, error) {
	var task Task
	found := false
	err := sqlitex.Execute(conn, selectTask+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(taskID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			task = scanTask(stmt)
			return nil
		},
	})
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	if !found {
		return Task{}, fmt.Errorf("store: task %s: %w", taskID, fault.ErrTaskNotFound)
	}
	if err := tctx.Verify(task.TenantID); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasksBySite returns a site's tasks, oldest first.
func (s *Store) ListTasksBySite(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) ([]Task, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return nil, err
	}

	var tasks []Task
	err = sqlitex.Execute(conn, selectTask+` WHERE site_id = ? ORDER BY created_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(siteID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	return tasks, nil
}

// transition moves a task to a new state inside one IMMEDIATE
// transaction, verifying ownership and the state machine edge, and
// applying any extra column updates.
func (s *Store) transition(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, to TaskState, extra string, extraArgs ...any) (task Task, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Task{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Task{}, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	task, err = s.getTask(conn, tctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !transitionAllowed(task.State, to) {
		return Task{}, fmt.Errorf("store: task %s cannot move %s -> %s: %w",
			taskID, task.State, to, fault.ErrInvalidTransition)
	}

	now := s.now()
	query := `UPDATE tasks SET state = ?, updated_at = ?` + extra + ` WHERE id = ?`
	args := append([]any{string(to), now}, extraArgs...)
	args = append(args, string(taskID))
	if err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return Task{}, fmt.Errorf("store: transition to %s: %w", to, err)
	}

	task, err = s.getTask(conn, tctx, taskID)
	return task, err
}

// MarkDispatched moves a queued task to dispatched, recording the
// backup that covered it. Non-mutating tasks pass an empty backup ID.
func (s *Store) MarkDispatched(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, backupID ident.BackupID) (Task, error) {
	now := s.now()
	return s.transition(ctx, tctx, taskID, TaskDispatched,
		`, backup_id = ?, dispatched_at = ?`, string(backupID), now)
}

// MarkRunning moves a dispatched task to running and stamps the first
// heartbeat.
func (s *Store) MarkRunning(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) (Task, error) {
	now := s.now()
	return s.transition(ctx, tctx, taskID, TaskRunning,
		`, started_at = ?, heartbeat_at = ?`, now, now)
}

// Heartbeat refreshes a running task's liveness stamp. The stall
// checker treats a stale heartbeat as silence.
func (s *Store) Heartbeat(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	task, err := s.getTask(conn, tctx, taskID)
	if err != nil {
		return err
	}
	if task.State != TaskRunning {
		return fmt.Errorf("store: heartbeat on %s task %s: %w", task.State, taskID, fault.ErrInvalidTransition)
	}

	err = sqlitex.Execute(conn, `UPDATE tasks SET heartbeat_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{s.now(), string(taskID)}})
	if err != nil {
		return fmt.Errorf("store: heartbeat: %w", err)
	}
	return nil
}

// Complete moves a running task to succeeded or failed. Result is the
// CBOR-encoded handler output for successes; failureMessage records
// the final error for failures.
func (s *Store) Complete(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, succeeded bool, result []byte, failureMessage string) (Task, error) {
	to := TaskSucceeded
	if !succeeded {
		to = TaskFailed
	}
	now := s.now()
	return s.transition(ctx, tctx, taskID, to,
		`, result = ?, last_error = ?, finished_at = ?`, result, failureMessage, now)
}

// Requeue moves a recoverable task back to queued, bumping the
// attempt count and setting the earliest next dispatch time. Used by
// retry backoff and by stall recovery.
func (s *Store) Requeue(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, reason string, notBefore int64) (Task, error) {
	return s.transition(ctx, tctx, taskID, TaskQueued,
		`, attempts = attempts + 1, last_error = ?, not_before = ?,
		 dispatched_at = 0, started_at = 0, heartbeat_at = 0`, reason, notBefore)
}

// MarkStalled records that the stall checker reclaimed a task.
func (s *Store) MarkStalled(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, reason string) (Task, error) {
	return s.transition(ctx, tctx, taskID, TaskStalled, `, last_error = ?`, reason)
}

// Cancel abandons a task that is still queued. Dispatched and running
// tasks cannot be cancelled here; they observe context cancellation
// cooperatively or fail.
func (s *Store) Cancel(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) (Task, error) {
	now := s.now()
	return s.transition(ctx, tctx, taskID, TaskCancelled, `, finished_at = ?`, now)
}

// Fail moves a stalled task to failed once its retry budget is
// exhausted.
func (s *Store) Fail(ctx context.Context, tctx tenant.Context, taskID ident.TaskID, failureMessage string) (Task, error) {
	now := s.now()
	return s.transition(ctx, tctx, taskID, TaskFailed,
		`, last_error = ?, finished_at = ?`, failureMessage, now)
}

// IncrementDevFailCount bumps the QA rejection counter on a task.
// Called when QA sends work back to the developer role.
func (s *Store) IncrementDevFailCount(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	task, err := s.getTask(conn, tctx, taskID)
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, `UPDATE tasks SET dev_fail_count = dev_fail_count + 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{s.now(), string(task.ID)}})
	if err != nil {
		return 0, fmt.Errorf("store: increment dev fail count: %w", err)
	}
	return task.DevFailCount + 1, nil
}

// ScanActive returns every non-terminal task across all tenants,
// oldest update first. System scope only; this is the stall checker's
// view.
func (s *Store) ScanActive(ctx context.Context, tctx tenant.Context) ([]Task, error) {
	if !tctx.IsSystem() {
		return nil, fmt.Errorf("store: active scan requires system scope: %w", fault.ErrTenantIsolation)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tasks []Task
	err = sqlitex.Execute(conn, selectTask+` WHERE state IN (?, ?, ?) ORDER BY updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{string(TaskQueued), string(TaskDispatched), string(TaskRunning)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tasks = append(tasks, scanTask(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: scan active: %w", err)
	}
	return tasks, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
