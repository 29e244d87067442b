// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package tenant implements the isolation boundary every data access
// passes through.
//
// A [Context] names the tenant a caller is acting for and the scope
// it was bound in. It is an explicit parameter on every store and
// vault operation, never smuggled through context.Value, so a missing
// binding is a compile error rather than a runtime surprise. The
// zero Context is unbound and fails every check.
package tenant

import (
	"fmt"

	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
)

// Scope records how a Context was obtained. It narrows what the
// holder may do: API contexts come from authenticated requests,
// Worker contexts from queue envelopes, and the System scope is
// reserved for cross-tenant maintenance (the stall checker and the
// summary sweep) that must see every tenant's rows.
type Scope string

const (
	// ScopeAPI marks a context bound from an authenticated API
	// request.
	ScopeAPI Scope = "api"

	// ScopeWorker marks a context bound from a claimed queue
	// envelope.
	ScopeWorker Scope = "worker"

	// ScopeSystem marks the cross-tenant maintenance scope. System
	// contexts carry no tenant ID and may scan all rows, but may only
	// be constructed via [System], never via [Bind].
	ScopeSystem Scope = "system"
)

// Context is a verified tenant binding. Construct it with [Bind] or
// [System]; the zero value is unbound and rejected everywhere.
type Context struct {
	tenantID ident.TenantID
	scope    Scope
}

// Bind binds a tenant ID in the given scope. The ID must be a valid
// UUID and the scope must be api or worker; the system scope has no
// tenant and is constructed with [System].
func Bind(tenantID ident.TenantID, scope Scope) (Context, error) {
	if scope != ScopeAPI && scope != ScopeWorker {
		return Context{}, fmt.Errorf("tenant: cannot bind scope %q", scope)
	}
	canonical, err := ident.ParseTenantID(string(tenantID))
	if err != nil {
		return Context{}, fmt.Errorf("tenant: binding: %w", err)
	}
	return Context{tenantID: canonical, scope: scope}, nil
}

// System returns the cross-tenant maintenance context.
func System() Context {
	return Context{scope: ScopeSystem}
}

// TenantID returns the bound tenant, or the empty string for the
// system scope.
func (c Context) TenantID() ident.TenantID { return c.tenantID }

// Scope returns how this context was bound.
func (c Context) Scope() Scope { return c.scope }

// IsSystem reports whether this context may cross tenant boundaries.
func (c Context) IsSystem() bool { return c.scope == ScopeSystem }

// Bound reports whether the context was constructed through Bind or
// System. The zero value reports false.
func (c Context) Bound() bool { return c.scope != "" }

// Verify checks that the context may access a row owned by owner.
// System contexts pass for any owner; bound contexts pass only for
// their own tenant; the zero context always fails. Failures return
// fault.ErrTenantIsolation so callers can match without string
// comparison.
func (c Context) Verify(owner ident.TenantID) error {
	if !c.Bound() {
		return fmt.Errorf("tenant: unbound context: %w", fault.ErrTenantIsolation)
	}
	if c.IsSystem() {
		return nil
	}
	if c.tenantID != owner {
		return fmt.Errorf("tenant: context bound to %s cannot access rows of %s: %w",
			c.tenantID, owner, fault.ErrTenantIsolation)
	}
	return nil
}
