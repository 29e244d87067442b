// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the daemon-facing facade over the store, the
// scheduler, the vault, and the conversation manager. It translates
// control-socket requests into tenant-scoped component calls; all
// enforcement stays in the components themselves.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sitewarden/sitewarden/lib/conversation"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/ipc"
	"github.com/sitewarden/sitewarden/lib/scheduler"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
	"github.com/sitewarden/sitewarden/lib/vault"
	"github.com/sitewarden/sitewarden/lib/version"
)

// Config holds the engine's components. All are required except
// Logger.
type Config struct {
	Store         *store.Store
	Scheduler     *scheduler.Scheduler
	Conversations *conversation.Manager
	Vault         *vault.Vault
	Logger        *slog.Logger
}

// Engine serves control-socket requests.
type Engine struct {
	store         *store.Store
	scheduler     *scheduler.Scheduler
	conversations *conversation.Manager
	vault         *vault.Vault
	logger        *slog.Logger
}

// New validates the config and returns an engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("engine: Store is required")
	case cfg.Scheduler == nil:
		return nil, fmt.Errorf("engine: Scheduler is required")
	case cfg.Conversations == nil:
		return nil, fmt.Errorf("engine: Conversations is required")
	case cfg.Vault == nil:
		return nil, fmt.Errorf("engine: Vault is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:         cfg.Store,
		scheduler:     cfg.Scheduler,
		conversations: cfg.Conversations,
		vault:         cfg.Vault,
		logger:        logger,
	}, nil
}

// Handle dispatches one control-socket request.
func (e *Engine) Handle(ctx context.Context, request ipc.Request) ipc.Response {
	if request.Action == ipc.ActionStatus {
		return ipc.Response{OK: true, Version: version.Info()}
	}

	tctx, err := bindTenant(request.TenantID)
	if err != nil {
		return fail(err)
	}

	switch request.Action {
	case ipc.ActionCreateSite:
		return e.createSite(ctx, tctx, request)
	case ipc.ActionListSites:
		return e.listSites(ctx, tctx)
	case ipc.ActionSubmitTask:
		return e.submitTask(ctx, tctx, request)
	case ipc.ActionTaskStatus:
		return e.taskStatus(ctx, tctx, request)
	case ipc.ActionCancelTask:
		return e.cancelTask(ctx, tctx, request)
	case ipc.ActionAppendMessage:
		return e.appendMessage(ctx, tctx, request)
	case ipc.ActionSealCredential:
		return e.sealCredential(ctx, tctx, request)
	default:
		return ipc.Response{Error: fmt.Sprintf("unknown action %q", request.Action)}
	}
}

func bindTenant(raw string) (tenant.Context, error) {
	tenantID, err := ident.ParseTenantID(raw)
	if err != nil {
		return tenant.Context{}, err
	}
	return tenant.Bind(tenantID, tenant.ScopeAPI)
}

func fail(err error) ipc.Response {
	return ipc.Response{Error: err.Error()}
}

func (e *Engine) createSite(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	site, err := e.store.CreateSite(ctx, tctx, request.Name, request.URL)
	if err != nil {
		return fail(err)
	}
	wire := wireSite(site)
	return ipc.Response{OK: true, Site: &wire}
}

func (e *Engine) listSites(ctx context.Context, tctx tenant.Context) ipc.Response {
	sites, err := e.store.ListSites(ctx, tctx)
	if err != nil {
		return fail(err)
	}
	wire := make([]ipc.Site, 0, len(sites))
	for _, site := range sites {
		wire = append(wire, wireSite(site))
	}
	return ipc.Response{OK: true, Sites: wire}
}

func (e *Engine) submitTask(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	siteID, err := ident.ParseSiteID(request.SiteID)
	if err != nil {
		return fail(err)
	}
	task, created, err := e.scheduler.Submit(ctx, tctx, store.NewTask{
		SiteID:         siteID,
		Role:           request.Role,
		Operation:      request.Operation,
		Mutating:       request.Mutating,
		Payload:        request.Payload,
		IdempotencyKey: request.IdempotencyKey,
	})
	if err != nil {
		return fail(err)
	}
	wire := wireTask(task)
	return ipc.Response{OK: true, Task: &wire, Created: created}
}

func (e *Engine) taskStatus(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	taskID, err := ident.ParseTaskID(request.TaskID)
	if err != nil {
		return fail(err)
	}
	task, err := e.store.GetTask(ctx, tctx, taskID)
	if err != nil {
		return fail(err)
	}
	wire := wireTask(task)
	return ipc.Response{OK: true, Task: &wire}
}

func (e *Engine) cancelTask(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	taskID, err := ident.ParseTaskID(request.TaskID)
	if err != nil {
		return fail(err)
	}
	task, err := e.scheduler.Cancel(ctx, tctx, taskID)
	if err != nil {
		return fail(err)
	}
	wire := wireTask(task)
	return ipc.Response{OK: true, Task: &wire}
}

func (e *Engine) appendMessage(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	siteID, err := ident.ParseSiteID(request.SiteID)
	if err != nil {
		return fail(err)
	}
	message, err := e.conversations.Append(ctx, tctx, siteID, request.Author, request.Body, false)
	if err != nil {
		return fail(err)
	}
	return ipc.Response{OK: true, Seq: message.Seq}
}

func (e *Engine) sealCredential(ctx context.Context, tctx tenant.Context, request ipc.Request) ipc.Response {
	siteID, err := ident.ParseSiteID(request.SiteID)
	if err != nil {
		return fail(err)
	}
	kind := store.CredentialKind(request.Kind)
	if !store.ValidCredentialKind(kind) {
		return ipc.Response{Error: fmt.Sprintf("unknown credential kind %q", request.Kind)}
	}
	if err := e.vault.Seal(ctx, tctx, siteID, kind, request.Plaintext); err != nil {
		return fail(err)
	}
	return ipc.Response{OK: true}
}

func wireSite(site store.Site) ipc.Site {
	return ipc.Site{
		ID:     string(site.ID),
		Name:   site.Name,
		URL:    site.URL,
		Status: string(site.Status),
	}
}

func wireTask(task store.Task) ipc.Task {
	return ipc.Task{
		ID:           string(task.ID),
		SiteID:       string(task.SiteID),
		Role:         task.Role,
		Operation:    task.Operation,
		State:        string(task.State),
		Mutating:     task.Mutating,
		Attempts:     task.Attempts,
		DevFailCount: task.DevFailCount,
		LastError:    task.LastError,
		Result:       task.Result,
		BackupID:     string(task.BackupID),
	}
}
