// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded message types for the daemon's
// Unix control socket, plus the framing used on the wire. Both
// cmd/sitewardend and the CLI clients import this package so the
// protocol is defined once rather than mirrored.
//
// Frames are a 4-byte big-endian length followed by one CBOR-encoded
// message. One request per connection gets one response.
package ipc

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/sitewarden/sitewarden/lib/codec"
)

// maxFrame bounds a single message. Payloads ride inside frames, so
// this also caps task payload size over the control socket.
const maxFrame = 8 << 20

// Actions understood by the daemon.
const (
	ActionCreateSite     = "create-site"
	ActionListSites      = "list-sites"
	ActionSubmitTask     = "submit-task"
	ActionTaskStatus     = "task-status"
	ActionCancelTask     = "cancel-task"
	ActionAppendMessage  = "append-message"
	ActionSealCredential = "seal-credential"
	ActionStatus         = "status"
)

// Request is one control-socket request. TenantID scopes every action
// except "status"; the daemon binds an API-scope tenant context from
// it.
type Request struct {
	// Action selects the operation.
	Action string `cbor:"action"`

	// TenantID is the caller's tenant.
	TenantID string `cbor:"tenant_id,omitempty"`

	// SiteID targets a site (create-site ignores it).
	SiteID string `cbor:"site_id,omitempty"`

	// TaskID targets a task (task-status, cancel-task).
	TaskID string `cbor:"task_id,omitempty"`

	// Name and URL describe a new site (create-site).
	Name string `cbor:"name,omitempty"`
	URL  string `cbor:"url,omitempty"`

	// Role, Operation, Mutating, and Payload describe a task
	// submission.
	Role      string `cbor:"role,omitempty"`
	Operation string `cbor:"operation,omitempty"`
	Mutating  bool   `cbor:"mutating,omitempty"`
	Payload   []byte `cbor:"payload,omitempty"`

	// IdempotencyKey deduplicates submissions. Optional.
	IdempotencyKey string `cbor:"idempotency_key,omitempty"`

	// Author and Body describe a conversation message
	// (append-message).
	Author string `cbor:"author,omitempty"`
	Body   string `cbor:"body,omitempty"`

	// Kind and Plaintext describe a credential (seal-credential).
	// Plaintext is zeroed by the daemon after sealing.
	Kind      string `cbor:"kind,omitempty"`
	Plaintext []byte `cbor:"plaintext,omitempty"`
}

// Response is the daemon's reply.
type Response struct {
	// OK indicates whether the request succeeded.
	OK bool `cbor:"ok"`

	// Error contains the error message when OK is false.
	Error string `cbor:"error,omitempty"`

	// Site is set by create-site; Sites by list-sites.
	Site  *Site  `cbor:"site,omitempty"`
	Sites []Site `cbor:"sites,omitempty"`

	// Task is set by submit-task, task-status, and cancel-task.
	Task *Task `cbor:"task,omitempty"`

	// Created reports whether submit-task created a new task or
	// deduplicated against an existing one.
	Created bool `cbor:"created,omitempty"`

	// Seq is the stored sequence number for append-message.
	Seq int64 `cbor:"seq,omitempty"`

	// Version is the daemon build, returned by status.
	Version string `cbor:"version,omitempty"`
}

// Site is the wire form of a site row.
type Site struct {
	ID     string `cbor:"id"`
	Name   string `cbor:"name"`
	URL    string `cbor:"url"`
	Status string `cbor:"status"`
}

// Task is the wire form of a task row.
type Task struct {
	ID           string `cbor:"id"`
	SiteID       string `cbor:"site_id"`
	Role         string `cbor:"role"`
	Operation    string `cbor:"operation"`
	State        string `cbor:"state"`
	Mutating     bool   `cbor:"mutating"`
	Attempts     int    `cbor:"attempts"`
	DevFailCount int    `cbor:"dev_fail_count"`
	LastError    string `cbor:"last_error,omitempty"`
	Result       []byte `cbor:"result,omitempty"`
	BackupID     string `cbor:"backup_id,omitempty"`
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, message any) error {
	body, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("ipc: encoding: %w", err)
	}
	if len(body) > maxFrame {
		return fmt.Errorf("ipc: message of %d bytes exceeds frame limit", len(body))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: writing header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: writing body: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message into target.
func ReadMessage(r io.Reader, target any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("ipc: reading header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrame {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: reading body: %w", err)
	}
	if err := codec.Unmarshal(body, target); err != nil {
		return fmt.Errorf("ipc: decoding: %w", err)
	}
	return nil
}

// Handler processes one request.
type Handler func(ctx context.Context, request Request) Response

// Serve accepts connections until ctx is cancelled, reading one
// request per connection and writing one response.
func Serve(ctx context.Context, listener net.Listener, handle Handler) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		go func(conn net.Conn) {
			defer conn.Close()
			var request Request
			if err := ReadMessage(conn, &request); err != nil {
				return
			}
			response := handle(ctx, request)
			_ = WriteMessage(conn, response)
		}(conn)
	}
}

// Call dials the daemon socket, sends one request, and reads the
// response.
func Call(ctx context.Context, socketPath string, request Request) (Response, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Response{}, fmt.Errorf("ipc: setting deadline: %w", err)
		}
	}

	if err := WriteMessage(conn, request); err != nil {
		return Response{}, err
	}
	var response Response
	if err := ReadMessage(conn, &response); err != nil {
		return Response{}, err
	}
	return response, nil
}
