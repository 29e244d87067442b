// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package backup enforces the rule that no mutating task touches a
// site without a fresh backup on record.
//
// The guard sits between the scheduler and the snapshot store. The
// scheduler calls [Guard.EnsureBackup] before marking a mutating task
// dispatched; if the snapshot cannot be taken the task never runs and
// the caller sees fault.ErrBackupFailed.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Guard creates or reuses backups ahead of mutating work.
type Guard struct {
	store     *store.Store
	snapshots snapshot.Store
	reuseFor  time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// Config holds the parameters for creating a guard.
type Config struct {
	// Store records backups. Required.
	Store *store.Store

	// Snapshots takes them. Required.
	Snapshots snapshot.Store

	// ReuseFor is how recent an existing backup must be to satisfy
	// the guard without taking a new snapshot. Zero means every
	// mutating dispatch snapshots fresh.
	ReuseFor time.Duration

	// Clock judges backup age. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// New creates a guard.
func New(cfg Config) (*Guard, error) {
	if cfg.Store == nil || cfg.Snapshots == nil {
		return nil, fmt.Errorf("backup: store and snapshots are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		store:     cfg.Store,
		snapshots: cfg.Snapshots,
		reuseFor:  cfg.ReuseFor,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

// EnsureBackup guarantees a backup exists for the site before any
// mutation, reusing a recent one when allowed. Failures wrap
// fault.ErrBackupFailed so the scheduler can refuse dispatch.
func (g *Guard) EnsureBackup(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) (store.Backup, error) {
	// Ownership is checked before any snapshot work starts.
	if _, err := g.store.GetSite(ctx, tctx, siteID); err != nil {
		return store.Backup{}, err
	}

	if g.reuseFor > 0 {
		latest, found, err := g.store.LatestBackup(ctx, tctx, siteID)
		if err != nil {
			return store.Backup{}, err
		}
		if found {
			age := g.clock.Now().Sub(time.Unix(0, latest.CreatedAt))
			if age <= g.reuseFor {
				g.logger.Debug("reusing recent backup",
					"site_id", string(siteID),
					"backup_id", string(latest.ID),
					"age", age,
				)
				return latest, nil
			}
		}
	}

	handle, err := g.snapshots.Create(ctx, siteID)
	if err != nil {
		return store.Backup{}, fmt.Errorf("backup: site %s: %v: %w", siteID, err, fault.ErrBackupFailed)
	}

	recorded, err := g.store.RecordBackup(ctx, tctx, siteID, handle)
	if err != nil {
		return store.Backup{}, fmt.Errorf("backup: recording for site %s: %v: %w", siteID, err, fault.ErrBackupFailed)
	}

	g.logger.Info("backup created",
		"site_id", string(siteID),
		"backup_id", string(recorded.ID),
		"size_bytes", recorded.SizeBytes,
		"compression", recorded.Compression.String(),
	)
	return recorded, nil
}

// Restore fetches a recorded backup's content, verifying the archive
// digest.
func (g *Guard) Restore(ctx context.Context, tctx tenant.Context, backupID ident.BackupID) ([]byte, error) {
	recorded, err := g.store.GetBackup(ctx, tctx, backupID)
	if err != nil {
		return nil, err
	}
	return g.snapshots.Restore(ctx, recorded.Handle())
}
