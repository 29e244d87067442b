// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package conversation maintains the per-site message thread and its
// rolling summary.
//
// Every appended message goes through [Manager.Append], which bumps
// the thread and refreshes the summary once the count crosses the
// next summarization boundary. A failed refresh never fails the
// append: the conversation is flagged pending and [Manager.Sweep]
// retries it on the next pass.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Summarizer condenses a message window into a short digest. The
// previous summary is passed in so the digest stays cumulative across
// windows.
type Summarizer interface {
	Summarize(ctx context.Context, previousSummary string, messages []store.Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, previousSummary string, messages []store.Message) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, previousSummary string, messages []store.Message) (string, error) {
	return f(ctx, previousSummary, messages)
}

// Config holds the parameters for a conversation manager.
type Config struct {
	// Store persists conversations and messages. Required.
	Store *store.Store

	// Summarizer produces digests. Required.
	Summarizer Summarizer

	// SummaryEvery is the message count between summary refreshes.
	// Defaults to 20.
	SummaryEvery int

	// Clock drives the sweep loop. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Manager appends messages and keeps summaries fresh.
type Manager struct {
	store      *store.Store
	summarizer Summarizer
	every      int
	clock      clock.Clock
	logger     *slog.Logger
}

// New validates the config and returns a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation: Store is required")
	}
	if cfg.Summarizer == nil {
		return nil, fmt.Errorf("conversation: Summarizer is required")
	}
	every := cfg.SummaryEvery
	if every <= 0 {
		every = 20
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:      cfg.Store,
		summarizer: cfg.Summarizer,
		every:      every,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Append posts a message to a site's conversation, creating the
// thread on first use. When the new message count crosses a
// summarization boundary the summary is refreshed in-line; a refresh
// failure flags the conversation pending instead of failing the
// append.
func (m *Manager) Append(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, author, body string, system bool) (store.Message, error) {
	conversation, err := m.store.EnsureConversation(ctx, tctx, siteID)
	if err != nil {
		return store.Message{}, err
	}

	message, count, err := m.store.AppendMessage(ctx, tctx, conversation.ID, author, body, system)
	if err != nil {
		return store.Message{}, err
	}

	if count%m.every != 0 {
		return message, nil
	}

	if err := m.refresh(ctx, tctx, conversation.ID); err != nil {
		m.logger.Warn("summary refresh failed, flagging pending",
			"conversation_id", string(conversation.ID),
			"site_id", string(siteID),
			"error", err,
		)
		if markErr := m.store.MarkSummaryPending(ctx, tctx, conversation.ID); markErr != nil {
			return store.Message{}, fmt.Errorf("conversation: marking summary pending: %w", markErr)
		}
	}
	return message, nil
}

// refresh summarizes everything appended since the last successful
// refresh and stores the result.
func (m *Manager) refresh(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID) error {
	conversation, err := m.store.GetConversation(ctx, tctx, conversationID)
	if err != nil {
		return err
	}

	// The digest is cumulative: everything up to SummarizedSeq is
	// carried by the prior summary, so the window starts there. After
	// a failed boundary the window spans more than one interval; no
	// message is ever skipped.
	messages, err := m.store.ListMessages(ctx, tctx, conversationID, conversation.SummarizedSeq, 0)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	summary, err := m.summarizer.Summarize(ctx, conversation.Summary, messages)
	if err != nil {
		return fmt.Errorf("conversation: summarize %s: %w", conversationID, err)
	}
	throughSeq := messages[len(messages)-1].Seq
	if err := m.store.SetSummary(ctx, tctx, conversationID, summary, throughSeq); err != nil {
		return err
	}

	m.logger.Debug("summary refreshed",
		"conversation_id", string(conversationID),
		"message_count", conversation.MessageCount,
	)
	return nil
}

// Sweep retries every conversation flagged with a pending summary,
// across all tenants. Returns the number refreshed; a conversation
// that fails again stays pending and is reported in err.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	pending, err := m.store.PendingSummaries(ctx, tenant.System())
	if err != nil {
		return 0, err
	}

	refreshed := 0
	var firstErr error
	for _, conversation := range pending {
		tctx, err := tenant.Bind(conversation.TenantID, tenant.ScopeWorker)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.refresh(ctx, tctx, conversation.ID); err != nil {
			m.logger.Warn("summary sweep retry failed",
				"conversation_id", string(conversation.ID),
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

// Run sweeps on the given interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("summary sweep", "error", err)
			}
		}
	}
}
