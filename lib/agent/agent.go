// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent defines the roles that work maintenance tasks and the
// contract their handlers run under.
//
// A handler never sees the store or the vault directly: it receives a
// [Request] describing the claimed task and a [Capabilities] surface
// limited to what a running agent legitimately needs. Everything else
// (state transitions, backups, acking) stays in the scheduler.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/store"
)

// Role is an agent role. Each role has its own task stream and worker
// pool.
type Role string

const (
	// RolePM triages customer requests and plans work.
	RolePM Role = "pm"

	// RoleDev executes site changes.
	RoleDev Role = "dev"

	// RoleQA verifies completed dev work and can reject it.
	RoleQA Role = "qa"

	// RoleTechLead handles escalations the tiered stall recovery
	// could not resolve.
	RoleTechLead Role = "tech_lead"
)

// Roles returns every dispatchable role.
func Roles() []Role {
	return []Role{RolePM, RoleDev, RoleQA, RoleTechLead}
}

// ValidRole reports whether r names a known role.
func ValidRole(r Role) bool {
	switch r {
	case RolePM, RoleDev, RoleQA, RoleTechLead:
		return true
	}
	return false
}

// Request is the handler's read-only view of a claimed task.
type Request struct {
	TaskID    ident.TaskID
	SiteID    ident.SiteID
	Role      Role
	Operation string
	Mutating  bool

	// Attempt counts deliveries of this task, starting at 1.
	Attempt int

	// DevFailCount is the number of times QA has rejected this
	// task's work. Dev handlers use it to change approach.
	DevFailCount int

	// BackupID is the pre-mutation snapshot taken before dispatch.
	// Empty for non-mutating tasks.
	BackupID ident.BackupID

	// Payload is the CBOR-encoded handler input from submission.
	Payload []byte
}

// Capabilities is the bounded surface a running handler may call.
// Implementations scope every operation to the task's tenant and
// site.
type Capabilities interface {
	// WithCredential decrypts a site credential and passes the
	// plaintext to fn. The plaintext is zeroed when fn returns; fn
	// must not retain it.
	WithCredential(ctx context.Context, kind store.CredentialKind, fn func(plaintext []byte) error) error

	// PostMessage appends a message to the site's conversation,
	// authored by this role.
	PostMessage(ctx context.Context, body string) error

	// Heartbeat reports liveness mid-operation. The scheduler also
	// heartbeats on an interval; handlers call this around long
	// external calls.
	Heartbeat(ctx context.Context) error
}

// Handler executes one task for a role. Output is the CBOR-encoded
// result stored on the task row. Handlers must be idempotent: the
// queue is at-least-once and a redelivered task may run again.
type Handler interface {
	Execute(ctx context.Context, req Request, caps Capabilities) (output []byte, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request, caps Capabilities) ([]byte, error)

func (f HandlerFunc) Execute(ctx context.Context, req Request, caps Capabilities) ([]byte, error) {
	return f(ctx, req, caps)
}

// Registry maps roles to their handlers. Safe for concurrent use
// after registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Role]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Role]Handler)}
}

// Register installs the handler for a role. Registering a role twice
// is an error.
func (r *Registry) Register(role Role, handler Handler) error {
	if !ValidRole(role) {
		return fmt.Errorf("agent: unknown role %q", role)
	}
	if handler == nil {
		return fmt.Errorf("agent: nil handler for role %q", role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[role]; ok {
		return fmt.Errorf("agent: role %q already registered", role)
	}
	r.handlers[role] = handler
	return nil
}

// Handler returns the handler registered for a role.
func (r *Registry) Handler(role Role) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[role]
	return handler, ok
}

// Registered returns the roles with handlers, in registration-stable
// role order.
func (r *Registry) Registered() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roles []Role
	for _, role := range Roles() {
		if _, ok := r.handlers[role]; ok {
			roles = append(roles, role)
		}
	}
	return roles
}
