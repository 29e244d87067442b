// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"sync"

	"github.com/sitewarden/sitewarden/lib/ident"
)

// Locks serializes mutating work per site. At most one task holds a
// site's lock at a time; a redelivered envelope for the holding task
// re-acquires without blocking, so at-least-once delivery cannot
// start a second concurrent mutation.
//
// The stall checker shares this table: when it stalls a task it
// releases the lock so recovery work can proceed.
type Locks struct {
	mu     sync.Mutex
	owners map[ident.SiteID]ident.TaskID
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{owners: make(map[ident.SiteID]ident.TaskID)}
}

// Acquire takes the site lock for a task. Returns true if the task
// now holds the lock, including when it already held it.
func (l *Locks) Acquire(siteID ident.SiteID, taskID ident.TaskID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, held := l.owners[siteID]
	if held {
		return owner == taskID
	}
	l.owners[siteID] = taskID
	return true
}

// Release drops the site lock if the task holds it. Releasing a lock
// the task does not hold is a no-op, so release is safe to call on
// every exit path.
func (l *Locks) Release(siteID ident.SiteID, taskID ident.TaskID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[siteID] == taskID {
		delete(l.owners, siteID)
	}
}

// Holder returns the task holding a site's lock, if any.
func (l *Locks) Holder(siteID ident.SiteID) (ident.TaskID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	taskID, held := l.owners[siteID]
	return taskID, held
}
