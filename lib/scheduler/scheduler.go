// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives maintenance tasks from submission to a
// terminal state.
//
// One bounded worker pool runs per registered role. Each worker
// claims envelopes from its role's stream, re-checks the task row
// (the queue is at-least-once, so a claim may be a redelivery of
// finished work), takes a pre-mutation backup where required, and
// invokes the role handler under a capability-bounded surface.
// Retryable failures are requeued with capped exponential backoff;
// everything else lands in a terminal state and a completion report
// on the results stream.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sitewarden/sitewarden/lib/agent"
	"github.com/sitewarden/sitewarden/lib/backup"
	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/conversation"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/queue"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
	"github.com/sitewarden/sitewarden/lib/vault"
)

// Config holds the parameters for a scheduler.
type Config struct {
	// Store persists tasks and sites. Required.
	Store *store.Store

	// Queue delivers envelopes between submission and the worker
	// pools. Required.
	Queue *queue.Queue

	// Backups guards mutating tasks. Required.
	Backups *backup.Guard

	// Vault backs the credential capability handed to handlers.
	// Required.
	Vault *vault.Vault

	// Conversations backs the message-posting capability. Required.
	Conversations *conversation.Manager

	// Registry maps roles to handlers. Required.
	Registry *agent.Registry

	// Locks is the shared per-site mutation lock table. Defaults to
	// a fresh table; pass the same table to the stall checker.
	Locks *Locks

	// WorkersPerRole bounds each role's pool. Defaults to 2.
	WorkersPerRole int

	// HeartbeatInterval is how often a worker stamps liveness while
	// its handler runs. Defaults to 30s.
	HeartbeatInterval time.Duration

	// MaxAttempts bounds deliveries per task before a retryable
	// failure becomes terminal. Defaults to 5.
	MaxAttempts int

	// BackoffBase seeds the exponential retry delay. Defaults to
	// 30s.
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay. Defaults to 15m.
	BackoffCap time.Duration

	// PollInterval is the idle wait between empty claims. Defaults
	// to 1s.
	PollInterval time.Duration

	// Clock drives heartbeats, backoff, and polling. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Scheduler owns the role worker pools. Start it with Run; it is
// otherwise safe for concurrent Submit calls.
type Scheduler struct {
	store         *store.Store
	queue         *queue.Queue
	backups       *backup.Guard
	vault         *vault.Vault
	conversations *conversation.Manager
	registry      *agent.Registry
	locks         *Locks

	workersPerRole    int
	heartbeatInterval time.Duration
	maxAttempts       int
	backoffBase       time.Duration
	backoffCap        time.Duration
	pollInterval      time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

// New validates the config and returns a scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("scheduler: Store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("scheduler: Queue is required")
	case cfg.Backups == nil:
		return nil, fmt.Errorf("scheduler: Backups is required")
	case cfg.Vault == nil:
		return nil, fmt.Errorf("scheduler: Vault is required")
	case cfg.Conversations == nil:
		return nil, fmt.Errorf("scheduler: Conversations is required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("scheduler: Registry is required")
	}

	s := &Scheduler{
		store:             cfg.Store,
		queue:             cfg.Queue,
		backups:           cfg.Backups,
		vault:             cfg.Vault,
		conversations:     cfg.Conversations,
		registry:          cfg.Registry,
		locks:             cfg.Locks,
		workersPerRole:    cfg.WorkersPerRole,
		heartbeatInterval: cfg.HeartbeatInterval,
		maxAttempts:       cfg.MaxAttempts,
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
		pollInterval:      cfg.PollInterval,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
	}
	if s.locks == nil {
		s.locks = NewLocks()
	}
	if s.workersPerRole <= 0 {
		s.workersPerRole = 2
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = 30 * time.Second
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	if s.backoffBase <= 0 {
		s.backoffBase = 30 * time.Second
	}
	if s.backoffCap <= 0 {
		s.backoffCap = 15 * time.Minute
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Second
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// Locks returns the per-site lock table, for sharing with the stall
// checker.
func (s *Scheduler) Locks() *Locks { return s.locks }

// Submit records a task and enqueues it for its role. Idempotent on
// (tenant, idempotency key): a duplicate submission returns the
// existing task without enqueueing a second envelope.
func (s *Scheduler) Submit(ctx context.Context, tctx tenant.Context, newTask store.NewTask) (store.Task, bool, error) {
	if !agent.ValidRole(agent.Role(newTask.Role)) {
		return store.Task{}, false, fmt.Errorf("scheduler: unknown role %q", newTask.Role)
	}

	task, created, err := s.store.CreateTask(ctx, tctx, newTask)
	if err != nil {
		return store.Task{}, false, err
	}
	if !created {
		return task, false, nil
	}

	if err := s.enqueueTask(ctx, task, 1); err != nil {
		// The row exists but no envelope does; the stall checker's
		// pickup sweep will re-enqueue it.
		s.logger.Warn("task recorded but not enqueued",
			"task_id", string(task.ID), "error", err)
		return task, true, err
	}
	return task, true, nil
}

func (s *Scheduler) enqueueTask(ctx context.Context, task store.Task, attempt int) error {
	_, err := s.queue.Enqueue(ctx, queue.Envelope{
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		SiteID:    task.SiteID,
		Role:      task.Role,
		Operation: task.Operation,
		Mutating:  task.Mutating,
		Attempt:   attempt,
		Payload:   task.Payload,
	})
	return err
}

// Cancel cancels a queued task. Running tasks are not interrupted;
// they observe cancellation at their next checkpoint.
func (s *Scheduler) Cancel(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) (store.Task, error) {
	return s.store.Cancel(ctx, tctx, taskID)
}

// Run starts the worker pools and the results drain, then blocks
// until ctx is cancelled and every worker has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	roles := s.registry.Registered()
	if len(roles) == 0 {
		return fmt.Errorf("scheduler: no handlers registered")
	}
	for _, role := range roles {
		if err := s.queue.EnsureGroup(ctx, string(role)); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	for _, role := range roles {
		for i := 0; i < s.workersPerRole; i++ {
			wg.Add(1)
			go func(role agent.Role, worker int) {
				defer wg.Done()
				s.workerLoop(ctx, role, worker)
			}(role, i)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.resultsLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) workerLoop(ctx context.Context, role agent.Role, worker int) {
	logger := s.logger.With("role", string(role), "worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := s.RunOnce(ctx, role)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("worker pass failed", "error", err)
		}
		if processed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// RunOnce claims and processes at most one envelope for a role.
// Returns the number processed (0 or 1). The worker loops call this;
// it is exported so callers can drive the scheduler synchronously.
func (s *Scheduler) RunOnce(ctx context.Context, role agent.Role) (int, error) {
	deliveries, err := s.queue.Claim(ctx, string(role), 1, -1)
	if err != nil {
		return 0, err
	}
	if len(deliveries) == 0 {
		return 0, nil
	}
	if err := s.process(ctx, role, deliveries[0]); err != nil {
		return 1, err
	}
	return 1, nil
}

// resultsLoop drains the results stream so completion reports do not
// accumulate unread. Reports are logged and acked; external callers
// that want them read the task row.
func (s *Scheduler) resultsLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		results, ids, err := s.queue.ClaimResults(ctx, 16, -1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("results drain failed", "error", err)
		}
		for i, result := range results {
			s.logger.Info("task finished",
				"task_id", string(result.TaskID),
				"tenant_id", string(result.TenantID),
				"succeeded", result.Succeeded,
				"error", result.Error,
			)
			if err := s.queue.AckResult(ctx, ids[i]); err != nil {
				s.logger.Warn("result ack failed", "stream_id", ids[i], "error", err)
			}
		}
		if len(results) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// backoff returns the jittered retry delay for the given attempt
// count (1-based).
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt && d < s.backoffCap; i++ {
		d *= 2
	}
	if d > s.backoffCap {
		d = s.backoffCap
	}
	// Full jitter in [d/2, d) keeps synchronized retries apart.
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
