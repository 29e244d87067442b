// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Backup records a snapshot archive that exists on disk. The backup
// guard refuses to dispatch mutating work until a row like this
// exists for the task's site.
type Backup struct {
	ID          ident.BackupID
	TenantID    ident.TenantID
	SiteID      ident.SiteID
	ArchivePath string
	Digest      string
	SizeBytes   int64
	Compression snapshot.Compression
	CreatedAt   int64
}

// RecordBackup persists a snapshot handle for a site.
func (s *Store) RecordBackup(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, handle snapshot.Handle) (Backup, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Backup{}, err
	}
	defer s.pool.Put(conn)

	site, err := getSite(conn, tctx, siteID)
	if err != nil {
		return Backup{}, err
	}

	backup := Backup{
		ID:          ident.NewBackupID(),
		TenantID:    site.TenantID,
		SiteID:      siteID,
		ArchivePath: handle.Path,
		Digest:      handle.Digest,
		SizeBytes:   handle.SizeBytes,
		Compression: handle.Compression,
		CreatedAt:   s.now(),
	}

	err = sqlitex.Execute(conn, `INSERT INTO backups
		(id, tenant_id, site_id, archive_path, digest, size_bytes, compression, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(backup.ID), string(backup.TenantID), string(siteID),
			backup.ArchivePath, backup.Digest, backup.SizeBytes,
			backup.Compression.String(), backup.CreatedAt,
		},
	})
	if err != nil {
		return Backup{}, fmt.Errorf("store: record backup: %w", err)
	}
	return backup, nil
}

// LatestBackup returns the most recent backup for a site, or ok=false
// when the site has never been backed up.
func (s *Store) LatestBackup(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) (Backup, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Backup{}, false, err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return Backup{}, false, err
	}

	var backup Backup
	found := false
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, site_id, archive_path, digest, size_bytes, compression, created_at
		FROM backups WHERE site_id = ? ORDER BY created_at DESC LIMIT 1`, &sqlitex.ExecOptions{
		Args: []any{string(siteID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			backup, err = scanBackup(stmt)
			return err
		},
	})
	if err != nil {
		return Backup{}, false, fmt.Errorf("store: latest backup: %w", err)
	}
	return backup, found, nil
}

// GetBackup returns a backup by ID. The context must own it.
func (s *Store) GetBackup(ctx context.Context, tctx tenant.Context, backupID ident.BackupID) (Backup, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Backup{}, err
	}
	defer s.pool.Put(conn)

	var backup Backup
	found := false
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, site_id, archive_path, digest, size_bytes, compression, created_at
		FROM backups WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(backupID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			backup, err = scanBackup(stmt)
			return err
		},
	})
	if err != nil {
		return Backup{}, fmt.Errorf("store: get backup: %w", err)
	}
	if !found {
		return Backup{}, fmt.Errorf("store: backup %s not found", backupID)
	}
	if err := tctx.Verify(backup.TenantID); err != nil {
		return Backup{}, err
	}
	return backup, nil
}

// Handle rebuilds the snapshot handle for restore.
func (b Backup) Handle() snapshot.Handle {
	return snapshot.Handle{
		Path:        b.ArchivePath,
		Digest:      b.Digest,
		SizeBytes:   b.SizeBytes,
		Compression: b.Compression,
	}
}

func scanBackup(stmt *sqlite.Stmt) (Backup, error) {
	compression, err := snapshot.ParseCompression(stmt.ColumnText(6))
	if err != nil {
		return Backup{}, err
	}
	return Backup{
		ID:          ident.BackupID(stmt.ColumnText(0)),
		TenantID:    ident.TenantID(stmt.ColumnText(1)),
		SiteID:      ident.SiteID(stmt.ColumnText(2)),
		ArchivePath: stmt.ColumnText(3),
		Digest:      stmt.ColumnText(4),
		SizeBytes:   stmt.ColumnInt64(5),
		Compression: compression,
		CreatedAt:   stmt.ColumnInt64(7),
	}, nil
}
