// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitewarden/sitewarden/lib/agent"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/queue"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// process drives one claimed envelope to an outcome. Every return
// path either acks the delivery or deliberately leaves it pending for
// redelivery.
func (s *Scheduler) process(ctx context.Context, role agent.Role, delivery queue.Delivery) error {
	envelope := delivery.Envelope
	logger := s.logger.With("task_id", string(envelope.TaskID), "role", string(role))

	tctx, err := tenant.Bind(envelope.TenantID, tenant.ScopeWorker)
	if err != nil {
		// A malformed envelope can never become valid; drop it.
		s.ack(ctx, role, delivery.StreamID, logger)
		return fmt.Errorf("scheduler: envelope for task %s: %w", envelope.TaskID, err)
	}

	task, err := s.store.GetTask(ctx, tctx, envelope.TaskID)
	if err != nil {
		if errors.Is(err, fault.ErrTaskNotFound) || errors.Is(err, fault.ErrTenantIsolation) {
			s.ack(ctx, role, delivery.StreamID, logger)
			return fmt.Errorf("scheduler: claimed envelope has no task: %w", err)
		}
		// Store unavailable: leave the envelope pending.
		return err
	}

	// At-least-once: a redelivery of finished work republishes the
	// prior outcome instead of running again.
	if task.State.Terminal() {
		s.publishOutcome(ctx, task, logger)
		s.ack(ctx, role, delivery.StreamID, logger)
		return nil
	}

	// Stalled tasks belong to the stall checker; in-flight tasks
	// belong to the worker already running them.
	if task.State != store.TaskQueued {
		s.ack(ctx, role, delivery.StreamID, logger)
		return nil
	}

	// Honor retry backoff recorded on the row.
	if wait := time.Duration(task.NotBefore - s.clock.Now().UnixNano()); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}

	if task.Mutating {
		if !s.locks.Acquire(task.SiteID, task.ID) {
			// Another mutating task holds the site. Put the envelope
			// back and pick it up after the holder finishes.
			s.ack(ctx, role, delivery.StreamID, logger)
			if err := s.enqueueTask(ctx, task, envelope.Attempt); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(s.pollInterval):
			}
			return nil
		}
		defer s.locks.Release(task.SiteID, task.ID)

		backupRecord, err := s.backups.EnsureBackup(ctx, tctx, task.SiteID)
		if err != nil {
			// No backup, no mutation. Terminal by contract.
			logger.Error("pre-mutation backup failed", "site_id", string(task.SiteID), "error", err)
			if _, failErr := s.store.Fail(ctx, tctx, task.ID, err.Error()); failErr != nil {
				return failErr
			}
			task.LastError = err.Error()
			task.State = store.TaskFailed
			s.publishOutcome(ctx, task, logger)
			s.ack(ctx, role, delivery.StreamID, logger)
			return nil
		}
		task, err = s.store.MarkDispatched(ctx, tctx, task.ID, backupRecord.ID)
		if err != nil {
			return err
		}
		if err := s.store.SetSiteStatus(ctx, tctx, task.SiteID, store.SiteUnderRepair); err != nil {
			logger.Warn("site status update failed", "error", err)
		}
	} else {
		task, err = s.store.MarkDispatched(ctx, tctx, task.ID, "")
		if err != nil {
			return err
		}
	}

	task, err = s.store.MarkRunning(ctx, tctx, task.ID)
	if err != nil {
		return err
	}

	output, execErr := s.execute(ctx, tctx, role, task, envelope.Attempt)

	if execErr == nil {
		if _, err := s.store.Complete(ctx, tctx, task.ID, true, output, ""); err != nil {
			return err
		}
		if task.Mutating {
			if err := s.store.SetSiteStatus(ctx, tctx, task.SiteID, store.SiteHealthy); err != nil {
				logger.Warn("site status update failed", "error", err)
			}
		}
		task.State = store.TaskSucceeded
		task.Result = output
		s.publishOutcome(ctx, task, logger)
		s.ack(ctx, role, delivery.StreamID, logger)
		logger.Info("task succeeded", "attempt", envelope.Attempt)
		return nil
	}

	return s.handleFailure(ctx, tctx, role, delivery, task, execErr)
}

// execute runs the role handler with a liveness heartbeat alongside.
func (s *Scheduler) execute(ctx context.Context, tctx tenant.Context, role agent.Role, task store.Task, attempt int) ([]byte, error) {
	handler, ok := s.registry.Handler(role)
	if !ok {
		return nil, fmt.Errorf("scheduler: no handler for role %q", role)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(heartbeatCtx, tctx, task.ID)

	caps := &capabilities{scheduler: s, tctx: tctx, task: task, role: role}
	return handler.Execute(ctx, agent.Request{
		TaskID:       task.ID,
		SiteID:       task.SiteID,
		Role:         role,
		Operation:    task.Operation,
		Mutating:     task.Mutating,
		Attempt:      attempt,
		DevFailCount: task.DevFailCount,
		BackupID:     task.BackupID,
		Payload:      task.Payload,
	}, caps)
}

func (s *Scheduler) heartbeatLoop(ctx context.Context, tctx tenant.Context, taskID ident.TaskID) {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Heartbeat(ctx, tctx, taskID); err != nil && ctx.Err() == nil {
				s.logger.Warn("heartbeat failed", "task_id", string(taskID), "error", err)
			}
		}
	}
}

// handleFailure routes a handler error to requeue-with-backoff or a
// terminal failed state.
func (s *Scheduler) handleFailure(ctx context.Context, tctx tenant.Context, role agent.Role, delivery queue.Delivery, task store.Task, execErr error) error {
	logger := s.logger.With("task_id", string(task.ID), "role", string(role))
	attempt := delivery.Envelope.Attempt

	var rejection *agent.Rejection
	rejected := errors.As(execErr, &rejection)
	if rejected {
		if _, err := s.store.IncrementDevFailCount(ctx, tctx, task.ID); err != nil {
			logger.Warn("dev fail count update failed", "error", err)
		}
	}

	retryable := rejected || fault.IsRetryable(execErr)
	if retryable && attempt < s.maxAttempts {
		delay := s.backoff(attempt)
		notBefore := s.clock.Now().Add(delay).UnixNano()
		requeued, err := s.store.Requeue(ctx, tctx, task.ID, execErr.Error(), notBefore)
		if err != nil {
			return err
		}
		if err := s.enqueueTask(ctx, requeued, attempt+1); err != nil {
			return err
		}
		s.ack(ctx, role, delivery.StreamID, logger)
		logger.Info("task requeued",
			"attempt", attempt,
			"delay", delay.String(),
			"error", execErr.Error(),
		)
		return nil
	}

	if _, err := s.store.Complete(ctx, tctx, task.ID, false, nil, execErr.Error()); err != nil {
		return err
	}
	if task.Mutating {
		if err := s.store.SetSiteStatus(ctx, tctx, task.SiteID, store.SiteDegraded); err != nil {
			logger.Warn("site status update failed", "error", err)
		}
	}
	task.State = store.TaskFailed
	task.LastError = execErr.Error()
	s.publishOutcome(ctx, task, logger)
	s.ack(ctx, role, delivery.StreamID, logger)
	logger.Error("task failed", "attempt", attempt, "error", execErr.Error())
	return nil
}

func (s *Scheduler) publishOutcome(ctx context.Context, task store.Task, logger *slog.Logger) {
	err := s.queue.PublishResult(ctx, queue.Result{
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		Succeeded: task.State == store.TaskSucceeded,
		Output:    task.Result,
		Error:     task.LastError,
	})
	if err != nil {
		logger.Warn("result publish failed", "error", err)
	}
}

func (s *Scheduler) ack(ctx context.Context, role agent.Role, streamID string, logger *slog.Logger) {
	if err := s.queue.Ack(ctx, string(role), streamID); err != nil {
		logger.Warn("ack failed", "stream_id", streamID, "error", err)
	}
}

// capabilities is the bounded surface handed to a running handler.
// Every call is scoped to the task's tenant and site.
type capabilities struct {
	scheduler *Scheduler
	tctx      tenant.Context
	task      store.Task
	role      agent.Role
}

func (c *capabilities) WithCredential(ctx context.Context, kind store.CredentialKind, fn func(plaintext []byte) error) error {
	return c.scheduler.vault.WithPlaintext(ctx, c.tctx, c.task.SiteID, kind, fn)
}

func (c *capabilities) PostMessage(ctx context.Context, body string) error {
	_, err := c.scheduler.conversations.Append(ctx, c.tctx, c.task.SiteID, string(c.role), body, false)
	return err
}

func (c *capabilities) Heartbeat(ctx context.Context) error {
	return c.scheduler.store.Heartbeat(ctx, c.tctx, c.task.ID)
}
