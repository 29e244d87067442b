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

// CredentialKind names what a sealed credential opens.
type CredentialKind string

const (
	CredentialSSH     CredentialKind = "ssh"
	CredentialFTP     CredentialKind = "ftp"
	CredentialWPAdmin CredentialKind = "wp_admin"
	CredentialAPIKey  CredentialKind = "api_key"
)

// ValidCredentialKind reports whether kind is one of the accepted
// values.
func ValidCredentialKind(kind CredentialKind) bool {
	switch kind {
	case CredentialSSH, CredentialFTP, CredentialWPAdmin, CredentialAPIKey:
		return true
	}
	return false
}

// Credential is a sealed site credential. Ciphertext is base64 age
// output; the plaintext never appears in this package.
type Credential struct {
	ID         ident.CredentialID
	TenantID   ident.TenantID
	SiteID     ident.SiteID
	Kind       CredentialKind
	Ciphertext string
	KeyVersion int
	CreatedAt  int64
	UpdatedAt  int64
}

// PutCredential stores or replaces the credential of the given kind
// for a site. One credential per (site, kind); a second put
// overwrites the first, which is how rotation lands.
func (s *Store) PutCredential(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, kind CredentialKind, ciphertext string, keyVersion int) (Credential, error) {
	if !ValidCredentialKind(kind) {
		return Credential{}, fmt.Errorf("store: invalid credential kind %q", kind)
	}
	if ciphertext == "" {
		return Credential{}, fmt.Errorf("store: empty ciphertext")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Credential{}, err
	}
	defer s.pool.Put(conn)

	// Ownership check rides on the site lookup.
	site, err := getSite(conn, tctx, siteID)
	if err != nil {
		return Credential{}, err
	}
	if tctx.IsSystem() {
		return Credential{}, fmt.Errorf("store: system context cannot write credentials: %w", fault.ErrTenantIsolation)
	}

	now := s.now()
	credential := Credential{
		ID:         ident.NewCredentialID(),
		TenantID:   site.TenantID,
		SiteID:     siteID,
		Kind:       kind,
		Ciphertext: ciphertext,
		KeyVersion: keyVersion,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = sqlitex.Execute(conn, `INSERT INTO site_credentials
		(id, tenant_id, site_id, kind, ciphertext, key_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, site_id, kind) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{
			string(credential.ID), string(credential.TenantID), string(siteID),
			string(kind), ciphertext, keyVersion, now, now,
		},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("store: put credential: %w", err)
	}
	return credential, nil
}

// GetCredential returns the sealed credential of the given kind for a
// site. Missing credentials return fault.ErrCredentialNotFound.
func (s *Store) GetCredential(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, kind CredentialKind) (Credential, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Credential{}, err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return Credential{}, err
	}

	var credential Credential
	found := false
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, site_id, kind, ciphertext, key_version, created_at, updated_at
		FROM site_credentials WHERE site_id = ? AND kind = ?`, &sqlitex.ExecOptions{
		Args: []any{string(siteID), string(kind)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			credential = scanCredential(stmt)
			return nil
		},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("store: get credential: %w", err)
	}
	if !found {
		return Credential{}, fmt.Errorf("store: site %s has no %s credential: %w", siteID, kind, fault.ErrCredentialNotFound)
	}
	if err := tctx.Verify(credential.TenantID); err != nil {
		return Credential{}, err
	}
	return credential, nil
}

// ListCredentials returns a site's sealed credentials, one per kind.
func (s *Store) ListCredentials(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) ([]Credential, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return nil, err
	}

	var credentials []Credential
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, site_id, kind, ciphertext, key_version, created_at, updated_at
		FROM site_credentials WHERE site_id = ? ORDER BY kind`, &sqlitex.ExecOptions{
		Args: []any{string(siteID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			credentials = append(credentials, scanCredential(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	return credentials, nil
}

// DeleteCredential removes the credential of the given kind for a
// site. Deleting a missing credential is a no-op.
func (s *Store) DeleteCredential(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, kind CredentialKind) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if _, err := getSite(conn, tctx, siteID); err != nil {
		return err
	}
	if tctx.IsSystem() {
		return fmt.Errorf("store: system context cannot delete credentials: %w", fault.ErrTenantIsolation)
	}

	err = sqlitex.Execute(conn, `DELETE FROM site_credentials WHERE site_id = ? AND kind = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(siteID), string(kind)},
		})
	if err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	return nil
}

// ListCredentialsByKeyVersion returns every credential sealed with a
// key version other than current. System scope only; this feeds key
// rotation.
func (s *Store) ListCredentialsByKeyVersion(ctx context.Context, tctx tenant.Context, current int) ([]Credential, error) {
	if !tctx.IsSystem() {
		return nil, fmt.Errorf("store: key version scan requires system scope: %w", fault.ErrTenantIsolation)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var credentials []Credential
	err = sqlitex.Execute(conn, `SELECT id, tenant_id, site_id, kind, ciphertext, key_version, created_at, updated_at
		FROM site_credentials WHERE key_version != ? ORDER BY created_at`, &sqlitex.ExecOptions{
		Args: []any{current},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			credentials = append(credentials, scanCredential(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list credentials by key version: %w", err)
	}
	return credentials, nil
}

func scanCredential(stmt *sqlite.Stmt) Credential {
	return Credential{
		ID:         ident.CredentialID(stmt.ColumnText(0)),
		TenantID:   ident.TenantID(stmt.ColumnText(1)),
		SiteID:     ident.SiteID(stmt.ColumnText(2)),
		Kind:       CredentialKind(stmt.ColumnText(3)),
		Ciphertext: stmt.ColumnText(4),
		KeyVersion: int(stmt.ColumnInt64(5)),
		CreatedAt:  stmt.ColumnInt64(6),
		UpdatedAt:  stmt.ColumnInt64(7),
	}
}
