// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault defines the sentinel errors and error classes shared
// across SiteWarden packages. Callers match with errors.Is and
// errors.As; packages wrap these with fmt.Errorf("...: %w", err) to
// add context without losing the class.
package fault

import (
	"errors"
	"fmt"
)

// Sentinel errors. These cross package boundaries; everything else is
// matched structurally via [TransportError] and [ExecutionError].
var (
	// ErrTenantIsolation reports an attempt to read or write a row
	// belonging to a different tenant than the bound context. It is
	// never retried and always logged.
	ErrTenantIsolation = errors.New("tenant isolation violation")

	// ErrCredentialNotFound reports a vault lookup for a credential
	// that does not exist in the bound tenant's scope.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrBackupFailed reports that a pre-mutation backup could not be
	// created. Mutating tasks never run without one.
	ErrBackupFailed = errors.New("backup failed")

	// ErrStallDetected reports that a task exceeded its role's stall
	// threshold and was reclaimed by the stall checker.
	ErrStallDetected = errors.New("task stalled")

	// ErrTaskNotFound reports a lookup for a task that does not exist
	// in the bound tenant's scope.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSiteLocked reports that a site already has a running mutating
	// task. The submission is queued, not rejected; the scheduler
	// retries the claim after backoff.
	ErrSiteLocked = errors.New("site locked by running task")

	// ErrInvalidTransition reports a task state change the state
	// machine does not permit.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// TransportError wraps a failure talking to an external system (the
// queue broker, the snapshot target, a managed site). Transport
// failures are retryable.
type TransportError struct {
	// System names what we were talking to ("queue", "snapshot",
	// "site").
	System string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.System, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport wraps err as a retryable transport failure.
func Transport(system string, err error) error {
	return &TransportError{System: system, Err: err}
}

// ExecutionError wraps a task handler failure. Retryable controls
// whether the scheduler re-enqueues the task or marks it failed.
type ExecutionError struct {
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("execution (retryable): %v", e.Err)
	}
	return fmt.Sprintf("execution (permanent): %v", e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Execution wraps err as a handler failure.
func Execution(retryable bool, err error) error {
	return &ExecutionError{Retryable: retryable, Err: err}
}

// IsRetryable reports whether the scheduler should re-enqueue the
// task that produced err. Transport failures and retryable execution
// failures qualify; isolation violations, missing credentials, and
// permanent execution failures never do. Unclassified errors are not
// retried, so a bug surfaces as a failed task instead of a hot loop.
func IsRetryable(err error) bool {
	var transport *TransportError
	if errors.As(err, &transport) {
		return true
	}
	var execution *ExecutionError
	if errors.As(err, &execution) {
		return execution.Retryable
	}
	return errors.Is(err, ErrStallDetected) || errors.Is(err, ErrSiteLocked)
}
