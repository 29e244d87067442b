// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Conversation is the per-site message thread between the customer
// and the agent team. Summary is a rolling digest refreshed every N
// messages; SummarizedSeq is the highest message seq the stored
// summary covers, and SummaryPending marks a refresh that failed and
// is owed.
type Conversation struct {
	ID             ident.ConversationID
	TenantID       ident.TenantID
	SiteID         ident.SiteID
	Summary        string
	SummaryPending bool
	MessageCount   int
	SummarizedSeq  int64
	SummarizedAt   int64
	CreatedAt      int64
	UpdatedAt      int64
}

// Message is a single conversation entry. Seq is dense and
// monotonically increasing per conversation; System marks entries
// posted by SiteWarden itself (stall warnings, recovery notices).
type Message struct {
	ID             ident.MessageID
	ConversationID ident.ConversationID
	TenantID       ident.TenantID
	Seq            int64
	Author         string
	Body           string
	System         bool
	CreatedAt      int64
}

// EnsureConversation returns the site's conversation, creating it on
// first use. One conversation per site.
func (s *Store) EnsureConversation(ctx context.Context, tctx tenant.Context, siteID ident.SiteID) (Conversation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer s.pool.Put(conn)

	site, err := getSite(conn, tctx, siteID)
	if err != nil {
		return Conversation{}, err
	}

	now := s.now()
	// INSERT OR IGNORE keeps concurrent first writers from racing;
	// the follow-up select returns whichever row won.
	err = sqlitex.Execute(conn, `INSERT OR IGNORE INTO conversations
		(id, tenant_id, site_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(ident.NewConversationID()), string(site.TenantID),
			string(siteID), now, now,
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("store: ensure conversation: %w", err)
	}

	return conversationBySite(conn, tctx, siteID)
}

func conversationBySite(conn *sqlite.Conn, tctx tenant.Context, siteID ident.SiteID) (Conversation, error) {
	var conversation Conversation
	found := false
	err := sqlitex.Execute(conn, selectConversation+` WHERE site_id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(siteID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			conversation = scanConversation(stmt)
			return nil
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("store: conversation by site: %w", err)
	}
	if !found {
		return Conversation{}, fmt.Errorf("store: site %s has no conversation", siteID)
	}
	if err := tctx.Verify(conversation.TenantID); err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

const selectConversation = `SELECT id, tenant_id, site_id, summary, summary_pending,
	message_count, summarized_seq, summarized_at, created_at, updated_at
	FROM conversations`

func scanConversation(stmt *sqlite.Stmt) Conversation {
	return Conversation{
		ID:             ident.ConversationID(stmt.ColumnText(0)),
		TenantID:       ident.TenantID(stmt.ColumnText(1)),
		SiteID:         ident.SiteID(stmt.ColumnText(2)),
		Summary:        stmt.ColumnText(3),
		SummaryPending: stmt.ColumnInt64(4) != 0,
		MessageCount:   int(stmt.ColumnInt64(5)),
		SummarizedSeq:  stmt.ColumnInt64(6),
		SummarizedAt:   stmt.ColumnInt64(7),
		CreatedAt:      stmt.ColumnInt64(8),
		UpdatedAt:      stmt.ColumnInt64(9),
	}
}

// GetConversation returns a conversation by ID. The context must own
// it.
func (s *Store) GetConversation(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID) (Conversation, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Conversation{}, err
	}
	defer s.pool.Put(conn)

	return s.getConversation(conn, tctx, conversationID)
}

func (s *Store) getConversation(conn *sqlite.Conn, tctx tenant.Context, conversationID ident.ConversationID) (Conversation, error) {
	var conversation Conversation
	found := false
	err := sqlitex.Execute(conn, selectConversation+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{string(conversationID)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			conversation = scanConversation(stmt)
			return nil
		},
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	if !found {
		return Conversation{}, fmt.Errorf("store: conversation %s not found", conversationID)
	}
	if err := tctx.Verify(conversation.TenantID); err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

// AppendMessage appends a message to a conversation, allocating the
// next sequence number and bumping the message count in one IMMEDIATE
// transaction. Returns the stored message and the conversation's new
// message count.
func (s *Store) AppendMessage(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID, author, body string, system bool) (message Message, messageCount int, err error) {
	if author == "" || body == "" {
		return Message{}, 0, fmt.Errorf("store: append message: author and body are required")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Message{}, 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Message{}, 0, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	conversation, err := s.getConversation(conn, tctx, conversationID)
	if err != nil {
		return Message{}, 0, err
	}

	// Seq is derived from the stored maximum inside the write
	// transaction, so concurrent appends cannot collide or leave
	// gaps.
	var nextSeq int64 = 1
	err = sqlitex.Execute(conn, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{string(conversationID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				nextSeq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Message{}, 0, fmt.Errorf("store: next seq: %w", err)
	}

	now := s.now()
	message = Message{
		ID:             ident.NewMessageID(),
		ConversationID: conversationID,
		TenantID:       conversation.TenantID,
		Seq:            nextSeq,
		Author:         author,
		Body:           body,
		System:         system,
		CreatedAt:      now,
	}

	err = sqlitex.Execute(conn, `INSERT INTO messages
		(id, conversation_id, tenant_id, seq, author, body, system, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(message.ID), string(conversationID), string(message.TenantID),
			nextSeq, author, body, boolToInt(system), now,
		},
	})
	if err != nil {
		return Message{}, 0, fmt.Errorf("store: insert message: %w", err)
	}

	err = sqlitex.Execute(conn, `UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now, string(conversationID)}})
	if err != nil {
		return Message{}, 0, fmt.Errorf("store: bump message count: %w", err)
	}

	return message, conversation.MessageCount + 1, nil
}

// ListMessages returns a conversation's messages with seq strictly
// greater than afterSeq, in order. Pass afterSeq 0 for the full
// thread; limit 0 means no limit.
func (s *Store) ListMessages(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID, afterSeq int64, limit int) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := s.getConversation(conn, tctx, conversationID); err != nil {
		return nil, err
	}

	query := `SELECT id, conversation_id, tenant_id, seq, author, body, system, created_at
		FROM messages WHERE conversation_id = ? AND seq > ? ORDER BY seq`
	args := []any{string(conversationID), afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var messages []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, Message{
				ID:             ident.MessageID(stmt.ColumnText(0)),
				ConversationID: ident.ConversationID(stmt.ColumnText(1)),
				TenantID:       ident.TenantID(stmt.ColumnText(2)),
				Seq:            stmt.ColumnInt64(3),
				Author:         stmt.ColumnText(4),
				Body:           stmt.ColumnText(5),
				System:         stmt.ColumnInt64(6) != 0,
				CreatedAt:      stmt.ColumnInt64(7),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return messages, nil
}

// SetSummary replaces a conversation's summary, records the highest
// message seq the summary covers, and clears the pending flag.
// SummarizedSeq never moves backwards: a stale writer cannot shrink
// the covered range.
func (s *Store) SetSummary(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID, summary string, throughSeq int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if _, err := s.getConversation(conn, tctx, conversationID); err != nil {
		return err
	}

	now := s.now()
	err = sqlitex.Execute(conn, `UPDATE conversations
		SET summary = ?, summary_pending = 0, summarized_seq = MAX(summarized_seq, ?),
			summarized_at = ?, updated_at = ?
		WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{summary, throughSeq, now, now, string(conversationID)},
	})
	if err != nil {
		return fmt.Errorf("store: set summary: %w", err)
	}
	return nil
}

// MarkSummaryPending flags a conversation whose summary refresh
// failed, so the sweep retries it.
func (s *Store) MarkSummaryPending(ctx context.Context, tctx tenant.Context, conversationID ident.ConversationID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if _, err := s.getConversation(conn, tctx, conversationID); err != nil {
		return err
	}

	err = sqlitex.Execute(conn, `UPDATE conversations SET summary_pending = 1, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{s.now(), string(conversationID)}})
	if err != nil {
		return fmt.Errorf("store: mark summary pending: %w", err)
	}
	return nil
}

// PendingSummaries returns every conversation owing a summary
// refresh, across tenants. System scope only.
func (s *Store) PendingSummaries(ctx context.Context, tctx tenant.Context) ([]Conversation, error) {
	if !tctx.IsSystem() {
		return nil, fmt.Errorf("store: pending summary scan requires system scope: %w", fault.ErrTenantIsolation)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var conversations []Conversation
	err = sqlitex.Execute(conn, selectConversation+` WHERE summary_pending = 1 ORDER BY updated_at`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				conversations = append(conversations, scanConversation(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: pending summaries: %w", err)
	}
	return conversations, nil
}
