// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package agent

// Rejection is the error a handler returns when the work product was
// produced but did not pass review. The scheduler treats it as
// retryable, increments the task's dev fail count, and requeues so
// the next attempt can change approach.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "work rejected: " + r.Reason
}
