// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestFrameRoundtrip(t *testing.T) {
	var buffer bytes.Buffer
	sent := Request{
		Action:    ActionSubmitTask,
		TenantID:  "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		Role:      "dev",
		Operation: "update-plugins",
		Mutating:  true,
		Payload:   []byte{0xa0},
	}
	if err := WriteMessage(&buffer, sent); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var received Request
	if err := ReadMessage(&buffer, &received); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if received.Action != sent.Action || received.Operation != sent.Operation || !received.Mutating {
		t.Fatalf("received = %+v", received)
	}
	if !bytes.Equal(received.Payload, sent.Payload) {
		t.Fatal("payload mangled in framing")
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	// Header claims a frame past the limit; no body follows.
	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	var request Request
	if err := ReadMessage(bytes.NewReader(oversized), &request); err == nil {
		t.Fatal("oversized frame accepted")
	}
}

func TestServeAndCall(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, listener, func(_ context.Context, request Request) Response {
			if request.Action != ActionStatus {
				return Response{Error: "unexpected action " + request.Action}
			}
			return Response{OK: true, Version: "test"}
		})
	}()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	response, err := Call(callCtx, socketPath, Request{Action: ActionStatus})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !response.OK || response.Version != "test" {
		t.Fatalf("response = %+v", response)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancellation")
	}
}
