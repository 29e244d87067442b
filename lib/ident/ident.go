// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines the typed identifiers used across SiteWarden.
//
// Every row owned by a tenant is addressed by a UUID wrapped in a
// distinct Go type, so a SiteID cannot be passed where a TaskID is
// expected. The wrappers are plain strings underneath (the canonical
// RFC 4122 text form) and marshal as strings in CBOR, JSON, and SQL.
package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// TenantID identifies a customer account. Every query and every queue
// envelope carries one.
type TenantID string

// SiteID identifies a managed website within a tenant.
type SiteID string

// TaskID identifies a maintenance task.
type TaskID string

// ConversationID identifies a per-site conversation thread.
type ConversationID string

// MessageID identifies a single conversation message.
type MessageID string

// BackupID identifies a site backup record.
type BackupID string

// CredentialID identifies a sealed credential row.
type CredentialID string

// NewTenantID returns a fresh random TenantID.
func NewTenantID() TenantID { return TenantID(uuid.NewString()) }

// NewSiteID returns a fresh random SiteID.
func NewSiteID() SiteID { return SiteID(uuid.NewString()) }

// NewTaskID returns a fresh random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewConversationID returns a fresh random ConversationID.
func NewConversationID() ConversationID { return ConversationID(uuid.NewString()) }

// NewMessageID returns a fresh random MessageID.
func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

// NewBackupID returns a fresh random BackupID.
func NewBackupID() BackupID { return BackupID(uuid.NewString()) }

// NewCredentialID returns a fresh random CredentialID.
func NewCredentialID() CredentialID { return CredentialID(uuid.NewString()) }

// parse validates that value is a well-formed UUID and returns its
// canonical lowercase form.
func parse(kind, value string) (string, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return "", fmt.Errorf("ident: invalid %s %q: %w", kind, value, err)
	}
	return parsed.String(), nil
}

// ParseTenantID validates and canonicalizes a tenant identifier.
func ParseTenantID(value string) (TenantID, error) {
	s, err := parse("tenant id", value)
	return TenantID(s), err
}

// ParseSiteID validates and canonicalizes a site identifier.
func ParseSiteID(value string) (SiteID, error) {
	s, err := parse("site id", value)
	return SiteID(s), err
}

// ParseTaskID validates and canonicalizes a task identifier.
func ParseTaskID(value string) (TaskID, error) {
	s, err := parse("task id", value)
	return TaskID(s), err
}

// ParseConversationID validates and canonicalizes a conversation
// identifier.
func ParseConversationID(value string) (ConversationID, error) {
	s, err := parse("conversation id", value)
	return ConversationID(s), err
}

// ParseBackupID validates and canonicalizes a backup identifier.
func ParseBackupID(value string) (BackupID, error) {
	s, err := parse("backup id", value)
	return BackupID(s), err
}

// ParseCredentialID validates and canonicalizes a credential
// identifier.
func ParseCredentialID(value string) (CredentialID, error) {
	s, err := parse("credential id", value)
	return CredentialID(s), err
}
