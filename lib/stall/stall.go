// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package stall watches active tasks for silence and recovers them in
// tiers.
//
// The checker scans on a fixed interval. Queued tasks nobody picked
// up get their envelope re-published. Dispatched and running tasks
// whose heartbeat went silent past their role's threshold are marked
// stalled, their site lock is released, and they are requeued while
// retry budget remains. On top of that sit two age tiers keyed to the
// customer's view of the work: a warning message in the site
// conversation once a task is old enough, and a tech-lead escalation
// task when it is far past due. Warnings and escalations fire once
// per task.
package stall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitewarden/sitewarden/lib/agent"
	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/codec"
	"github.com/sitewarden/sitewarden/lib/conversation"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/queue"
	"github.com/sitewarden/sitewarden/lib/scheduler"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// systemAuthor is the conversation author for checker messages.
const systemAuthor = "sitewarden"

// Config holds the parameters for a stall checker.
type Config struct {
	// Store is scanned for active tasks. Required.
	Store *store.Store

	// Queue re-publishes recovered envelopes. Required.
	Queue *queue.Queue

	// Conversations posts warning and recovery messages. Required.
	Conversations *conversation.Manager

	// Locks is the scheduler's site lock table. Required so stalled
	// mutating tasks release their site.
	Locks *scheduler.Locks

	// Interval between scans. Defaults to 5m.
	Interval time.Duration

	// PickupTimeout is how long a queued task may sit unclaimed
	// before its envelope is re-published. Defaults to 5m.
	PickupTimeout time.Duration

	// WorkTimeout is the heartbeat silence threshold for dev and qa
	// tasks. Defaults to 20m.
	WorkTimeout time.Duration

	// ManagerTimeout is the pm silence threshold. Defaults to 10m.
	ManagerTimeout time.Duration

	// WarnAfter is the task age that triggers a conversation
	// warning. Defaults to 45m.
	WarnAfter time.Duration

	// EscalateAfter is the task age that opens a tech-lead
	// escalation. It doubles as the tech-lead silence threshold.
	// Defaults to 4h.
	EscalateAfter time.Duration

	// Visibility is how long a claimed envelope may sit
	// unacknowledged before the reclaim pass recovers it. Defaults
	// to 5m.
	Visibility time.Duration

	// MaxAttempts bounds requeues, matching the scheduler's budget.
	// Defaults to 5.
	MaxAttempts int

	// Clock drives the scan interval and age math. Defaults to the
	// real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Checker is the tiered stall watchdog.
type Checker struct {
	store         *store.Store
	queue         *queue.Queue
	conversations *conversation.Manager
	locks         *scheduler.Locks

	interval       time.Duration
	pickupTimeout  time.Duration
	workTimeout    time.Duration
	managerTimeout time.Duration
	warnAfter      time.Duration
	escalateAfter  time.Duration
	visibility     time.Duration
	maxAttempts    int

	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	nudged  map[ident.TaskID]time.Time
	warned  map[ident.TaskID]struct{}
}

// New validates the config and returns a checker.
func New(cfg Config) (*Checker, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("stall: Store is required")
	case cfg.Queue == nil:
		return nil, fmt.Errorf("stall: Queue is required")
	case cfg.Conversations == nil:
		return nil, fmt.Errorf("stall: Conversations is required")
	case cfg.Locks == nil:
		return nil, fmt.Errorf("stall: Locks is required")
	}

	c := &Checker{
		store:          cfg.Store,
		queue:          cfg.Queue,
		conversations:  cfg.Conversations,
		locks:          cfg.Locks,
		interval:       cfg.Interval,
		pickupTimeout:  cfg.PickupTimeout,
		workTimeout:    cfg.WorkTimeout,
		managerTimeout: cfg.ManagerTimeout,
		warnAfter:      cfg.WarnAfter,
		escalateAfter:  cfg.EscalateAfter,
		visibility:     cfg.Visibility,
		maxAttempts:    cfg.MaxAttempts,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		nudged:         make(map[ident.TaskID]time.Time),
		warned:         make(map[ident.TaskID]struct{}),
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if c.pickupTimeout <= 0 {
		c.pickupTimeout = 5 * time.Minute
	}
	if c.workTimeout <= 0 {
		c.workTimeout = 20 * time.Minute
	}
	if c.managerTimeout <= 0 {
		c.managerTimeout = 10 * time.Minute
	}
	if c.warnAfter <= 0 {
		c.warnAfter = 45 * time.Minute
	}
	if c.escalateAfter <= 0 {
		c.escalateAfter = 4 * time.Hour
	}
	if c.visibility <= 0 {
		c.visibility = 5 * time.Minute
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Run scans on the configured interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Check(ctx); err != nil {
				c.logger.Warn("stall scan failed", "error", err)
			}
		}
	}
}

// Check performs one scan: reclaim abandoned deliveries, then walk
// every active task through the recovery tiers.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.reclaimAbandoned(ctx); err != nil {
		c.logger.Warn("reclaim pass failed", "error", err)
	}

	tasks, err := c.store.ScanActive(ctx, tenant.System())
	if err != nil {
		return err
	}

	now := c.clock.Now()
	var firstErr error
	for _, task := range tasks {
		if err := c.checkTask(ctx, task, now); err != nil {
			c.logger.Warn("task recovery failed",
				"task_id", string(task.ID), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.forget(tasks)
	return firstErr
}

// reclaimAbandoned pulls deliveries whose worker died mid-claim back
// onto each role stream.
func (c *Checker) reclaimAbandoned(ctx context.Context) error {
	var firstErr error
	for _, role := range agent.Roles() {
		deliveries, err := c.queue.Reclaim(ctx, string(role), c.visibility, 64)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, delivery := range deliveries {
			// The reclaimed delivery counts as a spent attempt. The
			// re-published envelope carries the incremented number so
			// the retry budget still converges.
			envelope := delivery.Envelope
			envelope.Attempt++
			if _, err := c.queue.Enqueue(ctx, envelope); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := c.queue.Ack(ctx, string(role), delivery.StreamID); err != nil && firstErr == nil {
				firstErr = err
			}
			c.logger.Info("abandoned delivery re-published",
				"task_id", string(envelope.TaskID),
				"role", string(role),
				"attempt", envelope.Attempt,
			)
		}
	}
	return firstErr
}

func (c *Checker) checkTask(ctx context.Context, task store.Task, now time.Time) error {
	tctx, err := tenant.Bind(task.TenantID, tenant.ScopeWorker)
	if err != nil {
		return err
	}

	switch task.State {
	case store.TaskQueued:
		if err := c.nudgeQueued(ctx, task, now); err != nil {
			return err
		}
	case store.TaskDispatched, store.TaskRunning:
		if err := c.recoverSilent(ctx, tctx, task, now); err != nil {
			return err
		}
	}

	// Age tiers apply regardless of state. Re-read the row: the
	// silence tier above may have finished the task.
	current, err := c.store.GetTask(ctx, tctx, task.ID)
	if err != nil {
		return err
	}
	if current.State.Terminal() {
		return nil
	}
	age := now.Sub(time.Unix(0, current.CreatedAt))
	if age >= c.escalateAfter && current.Role != string(agent.RoleTechLead) {
		return c.escalate(ctx, tctx, current)
	}
	if age >= c.warnAfter {
		return c.warn(ctx, tctx, current)
	}
	return nil
}

// nudgeQueued re-publishes the envelope of a queued task nobody
// claimed within the pickup timeout, at most once per timeout window.
func (c *Checker) nudgeQueued(ctx context.Context, task store.Task, now time.Time) error {
	waitingSince := time.Unix(0, task.UpdatedAt)
	if notBefore := time.Unix(0, task.NotBefore); notBefore.After(waitingSince) {
		waitingSince = notBefore
	}
	if now.Sub(waitingSince) < c.pickupTimeout {
		return nil
	}

	c.mu.Lock()
	if last, ok := c.nudged[task.ID]; ok && now.Sub(last) < c.pickupTimeout {
		c.mu.Unlock()
		return nil
	}
	c.nudged[task.ID] = now
	c.mu.Unlock()

	_, err := c.queue.Enqueue(ctx, queue.Envelope{
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		SiteID:    task.SiteID,
		Role:      task.Role,
		Operation: task.Operation,
		Mutating:  task.Mutating,
		Attempt:   task.Attempts + 1,
		Payload:   task.Payload,
	})
	if err != nil {
		return err
	}
	c.logger.Info("unclaimed task re-published",
		"task_id", string(task.ID), "role", task.Role)
	return nil
}

// silenceThreshold returns the heartbeat silence budget for a role.
func (c *Checker) silenceThreshold(role string) time.Duration {
	switch agent.Role(role) {
	case agent.RolePM:
		return c.managerTimeout
	case agent.RoleTechLead:
		return c.escalateAfter
	default:
		return c.workTimeout
	}
}

// recoverSilent stalls a dispatched or running task whose heartbeat
// went quiet, releases its site, and requeues it while budget
// remains.
func (c *Checker) recoverSilent(ctx context.Context, tctx tenant.Context, task store.Task, now time.Time) error {
	lastSign := task.HeartbeatAt
	if lastSign == 0 {
		lastSign = task.DispatchedAt
	}
	silence := now.Sub(time.Unix(0, lastSign))
	threshold := c.silenceThreshold(task.Role)
	if silence < threshold {
		return nil
	}

	reason := fmt.Sprintf("no heartbeat for %s", silence.Truncate(time.Second))
	stalled, err := c.store.MarkStalled(ctx, tctx, task.ID, reason)
	if err != nil {
		return err
	}
	c.locks.Release(stalled.SiteID, stalled.ID)

	if stalled.Attempts+1 < c.maxAttempts {
		requeued, err := c.store.Requeue(ctx, tctx, stalled.ID, reason, 0)
		if err != nil {
			return err
		}
		if _, err := c.queue.Enqueue(ctx, queue.Envelope{
			TaskID:    requeued.ID,
			TenantID:  requeued.TenantID,
			SiteID:    requeued.SiteID,
			Role:      requeued.Role,
			Operation: requeued.Operation,
			Mutating:  requeued.Mutating,
			Attempt:   requeued.Attempts + 1,
			Payload:   requeued.Payload,
		}); err != nil {
			return err
		}
		c.post(ctx, tctx, requeued.SiteID, fmt.Sprintf(
			"The %s task %q went quiet and has been restarted (attempt %d).",
			requeued.Role, requeued.Operation, requeued.Attempts+1))
		c.logger.Info("stalled task requeued",
			"task_id", string(requeued.ID),
			"role", requeued.Role,
			"silence", silence.String(),
		)
		return nil
	}

	failed, err := c.store.Fail(ctx, tctx, stalled.ID, reason)
	if err != nil {
		return err
	}
	if failed.Mutating {
		if err := c.store.SetSiteStatus(ctx, tctx, failed.SiteID, store.SiteDegraded); err != nil {
			c.logger.Warn("site status update failed", "error", err)
		}
	}
	c.post(ctx, tctx, failed.SiteID, fmt.Sprintf(
		"The %s task %q stalled repeatedly and has been marked failed.",
		failed.Role, failed.Operation))
	c.logger.Error("stalled task failed",
		"task_id", string(failed.ID),
		"role", failed.Role,
		"attempts", failed.Attempts,
	)
	return nil
}

// warn posts one overdue notice per task to the site conversation.
func (c *Checker) warn(ctx context.Context, tctx tenant.Context, task store.Task) error {
	c.mu.Lock()
	_, alreadyWarned := c.warned[task.ID]
	if !alreadyWarned {
		c.warned[task.ID] = struct{}{}
	}
	c.mu.Unlock()
	if alreadyWarned {
		return nil
	}

	c.post(ctx, tctx, task.SiteID, fmt.Sprintf(
		"The %s task %q is taking longer than expected. It is still being worked on.",
		task.Role, task.Operation))
	c.logger.Warn("task overdue", "task_id", string(task.ID), "operation", task.Operation)
	return nil
}

// escalationPayload is the tech-lead task input.
type escalationPayload struct {
	TaskID    ident.TaskID `cbor:"task_id"`
	Operation string       `cbor:"operation"`
	Role      string       `cbor:"role"`
	Attempts  int          `cbor:"attempts"`
	LastError string       `cbor:"last_error"`
}

// escalate opens a tech-lead task for work far past due. The
// idempotency key pins it to the stuck task, so repeated scans open
// at most one.
func (c *Checker) escalate(ctx context.Context, tctx tenant.Context, task store.Task) error {
	payload, err := codec.Marshal(escalationPayload{
		TaskID:    task.ID,
		Operation: task.Operation,
		Role:      task.Role,
		Attempts:  task.Attempts,
		LastError: task.LastError,
	})
	if err != nil {
		return fmt.Errorf("stall: encoding escalation: %w", err)
	}

	escalation, created, err := c.store.CreateTask(ctx, tctx, store.NewTask{
		SiteID:         task.SiteID,
		Role:           string(agent.RoleTechLead),
		Operation:      "investigate-stall",
		Payload:        payload,
		IdempotencyKey: ident.IdempotencyKey(task.TenantID, task.SiteID, "escalate:"+string(task.ID)),
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if _, err := c.queue.Enqueue(ctx, queue.Envelope{
		TaskID:    escalation.ID,
		TenantID:  escalation.TenantID,
		SiteID:    escalation.SiteID,
		Role:      escalation.Role,
		Operation: escalation.Operation,
		Attempt:   1,
		Payload:   escalation.Payload,
	}); err != nil {
		return err
	}
	c.post(ctx, tctx, task.SiteID, fmt.Sprintf(
		"The %s task %q has been escalated to a technical lead.",
		task.Role, task.Operation))
	c.logger.Error("task escalated",
		"task_id", string(task.ID),
		"escalation_id", string(escalation.ID),
	)
	return nil
}

func (c *Checker) post(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, body string) {
	if _, err := c.conversations.Append(ctx, tctx, siteID, systemAuthor, body, true); err != nil {
		c.logger.Warn("conversation post failed",
			"site_id", string(siteID), "error", err)
	}
}

// forget drops bookkeeping for tasks no longer active, bounding the
// in-memory maps.
func (c *Checker) forget(active []store.Task) {
	keep := make(map[ident.TaskID]struct{}, len(active))
	for _, task := range active {
		keep[task.ID] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for taskID := range c.nudged {
		if _, ok := keep[taskID]; !ok {
			delete(c.nudged, taskID)
		}
	}
	for taskID := range c.warned {
		if _, ok := keep[taskID]; !ok {
			delete(c.warned, taskID)
		}
	}
}
