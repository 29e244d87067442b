// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sitewarden/sitewarden/lib/cron"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Periodic describes a recurring task admitted on a cron schedule.
type Periodic struct {
	// Name labels the entry in logs.
	Name string

	TenantID  ident.TenantID
	SiteID    ident.SiteID
	Role      string
	Operation string
	Mutating  bool
	Payload   []byte

	Schedule cron.Schedule
}

// RunPeriodic admits each entry on its schedule until ctx is
// cancelled. The idempotency key is derived from the fire time, so
// overlapping processes running the same entries submit each tick
// exactly once.
func (s *Scheduler) RunPeriodic(ctx context.Context, entries []Periodic) error {
	for _, entry := range entries {
		if entry.Name == "" || entry.Role == "" || entry.Operation == "" {
			return fmt.Errorf("scheduler: periodic entry needs name, role, and operation")
		}
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry Periodic) {
			defer wg.Done()
			s.periodicLoop(ctx, entry)
		}(entry)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Scheduler) periodicLoop(ctx context.Context, entry Periodic) {
	logger := s.logger.With("periodic", entry.Name)
	tctx, err := tenant.Bind(entry.TenantID, tenant.ScopeAPI)
	if err != nil {
		logger.Error("periodic entry has invalid tenant", "error", err)
		return
	}

	for {
		now := s.clock.Now()
		fireAt, err := entry.Schedule.Next(now)
		if err != nil {
			logger.Error("schedule has no next fire time", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(fireAt.Sub(now)):
		}

		// The key pins this tick: a second process that wakes for
		// the same fire time dedupes against the task row.
		key := ident.IdempotencyKey(entry.TenantID, entry.SiteID,
			entry.Operation+"@"+fireAt.UTC().Format(time.RFC3339))
		task, created, err := s.Submit(ctx, tctx, store.NewTask{
			SiteID:         entry.SiteID,
			Role:           entry.Role,
			Operation:      entry.Operation,
			Mutating:       entry.Mutating,
			Payload:        entry.Payload,
			IdempotencyKey: key,
		})
		if err != nil {
			logger.Warn("periodic submission failed", "error", err)
			continue
		}
		if created {
			logger.Info("periodic task admitted",
				"task_id", string(task.ID),
				"fire_at", fireAt.UTC().Format(time.RFC3339),
			)
		}
	}
}
