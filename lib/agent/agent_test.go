// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"testing"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry()

	handler := HandlerFunc(func(context.Context, Request, Capabilities) ([]byte, error) {
		return nil, nil
	})
	if err := registry.Register(RoleDev, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(RoleDev, handler); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	if err := registry.Register(Role("intern"), handler); err == nil {
		t.Fatal("unknown role accepted")
	}
	if err := registry.Register(RoleQA, nil); err == nil {
		t.Fatal("nil handler accepted")
	}

	if _, ok := registry.Handler(RoleDev); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := registry.Handler(RolePM); ok {
		t.Fatal("unregistered role returned a handler")
	}

	registered := registry.Registered()
	if len(registered) != 1 || registered[0] != RoleDev {
		t.Fatalf("Registered() = %v", registered)
	}
}

func TestValidRole(t *testing.T) {
	for _, role := range Roles() {
		if !ValidRole(role) {
			t.Errorf("ValidRole(%q) = false", role)
		}
	}
	if ValidRole("stall_check") {
		t.Error("ValidRole accepted a non-dispatchable role")
	}
}
