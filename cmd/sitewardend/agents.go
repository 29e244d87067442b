// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sitewarden/sitewarden/lib/agent"
	"github.com/sitewarden/sitewarden/lib/codec"
	"github.com/sitewarden/sitewarden/lib/conversation"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/store"
)

// Agent executable contract: the daemon runs <agents-dir>/<role> with
// a CBOR agentInput frame on stdin and reads a CBOR agentOutput frame
// from stdout. A non-zero exit without a decodable frame is treated as
// a retryable execution failure. The export executable
// (<agents-dir>/export <site-id>) writes the site archive to stdout;
// summarize reads agentSummaryInput and writes the summary text.

// agentInput is the stdin frame for a role executable.
type agentInput struct {
	TaskID       string `cbor:"task_id"`
	SiteID       string `cbor:"site_id"`
	Role         string `cbor:"role"`
	Operation    string `cbor:"operation"`
	Mutating     bool   `cbor:"mutating"`
	Attempt      int    `cbor:"attempt"`
	DevFailCount int    `cbor:"dev_fail_count"`
	BackupID     string `cbor:"backup_id,omitempty"`
	Payload      []byte `cbor:"payload,omitempty"`
}

// agentOutput is the stdout frame from a role executable.
type agentOutput struct {
	Output    []byte `cbor:"output,omitempty"`
	Error     string `cbor:"error,omitempty"`
	Retryable bool   `cbor:"retryable,omitempty"`

	// Rejected marks QA rejection of dev work; the task is requeued
	// and its dev fail count incremented.
	Rejected bool   `cbor:"rejected,omitempty"`
	Reason   string `cbor:"reason,omitempty"`

	// Messages are posted to the site conversation as the role
	// before the result is recorded.
	Messages []string `cbor:"messages,omitempty"`
}

// agentSummaryInput is the stdin frame for the summarize executable.
type agentSummaryInput struct {
	Previous string   `cbor:"previous,omitempty"`
	Messages []string `cbor:"messages"`
}

func newRoleHandler(agentsDir string, role agent.Role, mock bool) agent.Handler {
	if mock {
		return mockHandler(role)
	}
	binary := filepath.Join(agentsDir, string(role))
	return agent.HandlerFunc(func(ctx context.Context, req agent.Request, caps agent.Capabilities) ([]byte, error) {
		input, err := codec.Marshal(agentInput{
			TaskID:       string(req.TaskID),
			SiteID:       string(req.SiteID),
			Role:         string(req.Role),
			Operation:    req.Operation,
			Mutating:     req.Mutating,
			Attempt:      req.Attempt,
			DevFailCount: req.DevFailCount,
			BackupID:     string(req.BackupID),
			Payload:      req.Payload,
		})
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(ctx, binary)
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()

		var out agentOutput
		if decodeErr := codec.Unmarshal(stdout.Bytes(), &out); decodeErr != nil {
			if runErr != nil {
				return nil, fault.Execution(true, fmt.Errorf("agent %s: %w: %s", role, runErr, strings.TrimSpace(stderr.String())))
			}
			return nil, fault.Execution(false, fmt.Errorf("agent %s: undecodable output: %w", role, decodeErr))
		}

		for _, body := range out.Messages {
			if err := caps.PostMessage(ctx, body); err != nil {
				return nil, err
			}
		}
		if out.Rejected {
			return nil, &agent.Rejection{Reason: out.Reason}
		}
		if out.Error != "" {
			return nil, fault.Execution(out.Retryable, fmt.Errorf("agent %s: %s", role, out.Error))
		}
		return out.Output, nil
	})
}

// mockHandler succeeds every operation and narrates it to the site
// conversation. Exercises the same capability surface real agents use.
func mockHandler(role agent.Role) agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, req agent.Request, caps agent.Capabilities) ([]byte, error) {
		if err := caps.Heartbeat(ctx); err != nil {
			return nil, err
		}
		if err := caps.PostMessage(ctx, fmt.Sprintf("completed %s (mock %s agent)", req.Operation, role)); err != nil {
			return nil, err
		}
		return codec.Marshal(map[string]string{"operation": req.Operation, "status": "ok"})
	})
}

func newSiteSource(agentsDir string, mock bool) snapshot.Source {
	if mock {
		return snapshot.SourceFunc(func(_ context.Context, siteID ident.SiteID) ([]byte, error) {
			return []byte("mock archive for site " + string(siteID)), nil
		})
	}
	binary := filepath.Join(agentsDir, "export")
	return snapshot.SourceFunc(func(ctx context.Context, siteID ident.SiteID) ([]byte, error) {
		cmd := exec.CommandContext(ctx, binary, string(siteID))
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("export %s: %w: %s", siteID, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), nil
	})
}

func newSummarizer(agentsDir string, mock bool) conversation.Summarizer {
	if mock {
		return conversation.SummarizerFunc(func(_ context.Context, previous string, messages []store.Message) (string, error) {
			var b strings.Builder
			if previous != "" {
				b.WriteString(previous)
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "[+%d messages]", len(messages))
			return b.String(), nil
		})
	}
	binary := filepath.Join(agentsDir, "summarize")
	return conversation.SummarizerFunc(func(ctx context.Context, previous string, messages []store.Message) (string, error) {
		bodies := make([]string, 0, len(messages))
		for _, message := range messages {
			bodies = append(bodies, fmt.Sprintf("%s: %s", message.Author, message.Body))
		}
		input, err := codec.Marshal(agentSummaryInput{Previous: previous, Messages: bodies})
		if err != nil {
			return "", err
		}
		cmd := exec.CommandContext(ctx, binary)
		cmd.Stdin = bytes.NewReader(input)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("summarize: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
