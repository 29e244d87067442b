// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// SiteStatus is the health state shown on the customer dashboard.
type SiteStatus string

const (
	// SiteHealthy means no mutating task is active and the last
	// check passed.
	SiteHealthy SiteStatus = "healthy"

	// SiteUnderRepair means a mutating task is currently running
	// against the site.
	SiteUnderRepair SiteStatus = "under_repair"

	// SiteDegraded means the last maintenance attempt failed and
	// needs attention.
	SiteDegraded SiteStatus = "degraded"
)

// Site is a managed website.
type Site struct {
	ID        ident.SiteID
	TenantID  ident.TenantID
	Name      string
	URL       string
	Status    SiteStatus
	CreatedAt int64
	UpdatedAt int64
}

// CreateSite registers a new site for the bound tenant. System
// contexts cannot create sites.
func (s *Store) CreateSite(ctx context.Context, tctx tenant.Context, name, url string) (Site, error) {
	if !tctx.Bound() || tctx.IsSystem() {
		return Site{}, fmt.Errorf("store: create site: %w", fault.ErrTenantIsolation)
	}
	if name == "" || url == "" {
		return Site{}, fmt.Errorf("store: create site: name and url are required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Site{}, err
	}
	defer s.pool.Put(conn)

	now := s.now()
	site := Site{
		ID:        ident.NewSiteID(),
		TenantID:  tctx.TenantID(),
		Name:      name,
		URL:       url,
		Status:    SiteHealthy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = sqlitex.Execute(conn, `INSERT INTO sites
		(id, tenant_id, name, url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(site.ID), string(site.TenantID), site.Name, site.URL,
			string(site.Status), site.CreatedAt, site.UpdatedAt,
		},
	})
	if err != nil {
		return Site{}, fmt.Errorf("store: create site: %w", err)
	}
	return site, nil
}

// GetSite returns a site by ID. The context must own it.
func (s *Store) GetSite(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) (Site, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Site{}, err
	}
	defer s.pool.Put(conn)

	return getSite(conn, tctx, siteID)
}

// getSite is the connection-level lookup shared with transactional
// callers.
func getSite(conn *sqlite.Conn, tctx tenant.Context, siteID ident.SiteID) (Site, error) {
	var site Site
	found := false
	err := sqlitex.Execute(conn, `SELECT id, tenant_id, name, url, status, created_at, updated_at
		FROM sites WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(siteID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			site = Site{
				ID:        ident.SiteID(stmt.ColumnText(0)),
				TenantID:  ident.TenantID(stmt.ColumnText(1)),
				Name:      stmt.ColumnText(2),
				URL:       stmt.ColumnText(3),
				Status:    SiteStatus(stmt.ColumnText(4)),
				CreatedAt: stmt.ColumnInt64(5),
				UpdatedAt: stmt.ColumnInt64(6),
			}
			return nil
		},
	})
	if err != nil {
		return Site{}, fmt.Errorf("store: get site: %w", err)
	}
	if !found {
		return Site{}, fmt.Errorf("store: site %s not found", siteID)
	}
	if err := tctx.Verify(site.TenantID); err != nil {
		return Site{}, err
	}
	return site, nil
}

// ListSites returns the bound tenant's sites, oldest first. The
// system context lists every tenant's sites.
func (s *Store) ListSites(ctx context.Context, tctx tenant.Context) ([]Site, error) {
	if !tctx.Bound() {
		return nil, fmt.Errorf("store: list sites: %w", fault.ErrTenantIsolation)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT id, tenant_id, name, url, status, created_at, updated_at
		FROM sites WHERE tenant_id = ? ORDER BY created_at`
	args := []any{string(tctx.TenantID())}
	if tctx.IsSystem() {
		query = `SELECT id, tenant_id, name, url, status, created_at, updated_at
			FROM sites ORDER BY created_at`
		args = nil
	}

	var sites []Site
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sites = append(sites, Site{
				ID:        ident.SiteID(stmt.ColumnText(0)),
				TenantID:  ident.TenantID(stmt.ColumnText(1)),
				Name:      stmt.ColumnText(2),
				URL:       stmt.ColumnText(3),
				Status:    SiteStatus(stmt.ColumnText(4)),
				CreatedAt: stmt.ColumnInt64(5),
				UpdatedAt: stmt.ColumnInt64(6),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	return sites, nil
}

// SetSiteStatus updates a site's health state.
func (s *Store) SetSiteStatus(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, status SiteStatus) error {
	switch status {
	case SiteHealthy, SiteUnderRepair, SiteDegraded:
	default:
		return fmt.Errorf("store: invalid site status %q", status)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return err
	}

	err = sqlitex.Execute(conn, `UPDATE sites SET status = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(status), s.now(), string(siteID)},
		})
	if err != nil {
		return fmt.Errorf("store: set site status: %w", err)
	}
	return nil
}
