// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for SiteWarden
// packages. All helpers call t.Fatalf on failure rather than
// returning errors, since test setup failures are not recoverable.
package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need unique site names, idempotency operations, or
// message bodies that must be distinguishable in shared fixtures.
//
//	operation := testutil.UniqueID("op")  // "op-1", "op-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
