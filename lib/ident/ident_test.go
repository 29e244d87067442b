// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"strings"
	"testing"
)

func TestNewIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := string(NewTaskID())
		if seen[id] {
			t.Fatalf("duplicate task id %s", id)
		}
		seen[id] = true
	}
}

func TestParseCanonicalizes(t *testing.T) {
	id, err := ParseSiteID("6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	if err != nil {
		t.Fatalf("ParseSiteID: %v", err)
	}
	if id != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("ParseSiteID returned %q, want lowercase canonical form", id)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, value := range []string{"", "not-a-uuid", "6ba7b810"} {
		if _, err := ParseTenantID(value); err == nil {
			t.Fatalf("ParseTenantID(%q) succeeded", value)
		}
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	tenant := NewTenantID()
	site := NewSiteID()
	first := IdempotencyKey(tenant, site, "update-plugins")
	second := IdempotencyKey(tenant, site, "update-plugins")
	if first != second {
		t.Fatalf("same inputs produced %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("key length %d, want 64 hex characters", len(first))
	}
	if first != strings.ToLower(first) {
		t.Fatalf("key %s is not lowercase hex", first)
	}
}

func TestIdempotencyKeyTenantSeparation(t *testing.T) {
	site := NewSiteID()
	a := IdempotencyKey(NewTenantID(), site, "update-plugins")
	b := IdempotencyKey(NewTenantID(), site, "update-plugins")
	if a == b {
		t.Fatal("distinct tenants produced the same idempotency key")
	}
}

func TestIdempotencyKeySiteSeparation(t *testing.T) {
	tenant := NewTenantID()
	a := IdempotencyKey(tenant, NewSiteID(), "backup")
	b := IdempotencyKey(tenant, NewSiteID(), "backup")
	if a == b {
		t.Fatal("distinct sites produced the same idempotency key")
	}
}

func TestIdempotencyKeyOperationSeparation(t *testing.T) {
	tenant := NewTenantID()
	site := NewSiteID()
	a := IdempotencyKey(tenant, site, "backup")
	b := IdempotencyKey(tenant, site, "update-plugins")
	if a == b {
		t.Fatal("distinct operations produced the same idempotency key")
	}
}
