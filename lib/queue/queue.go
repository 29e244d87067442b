// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the at-least-once task channel between the API and
// the role worker pools, built on Redis Streams.
//
// Each agent role gets its own stream; workers in a role share one
// consumer group, so an envelope is delivered to exactly one worker
// but stays pending until that worker acknowledges it. Workers that
// die mid-task leave their envelope in the pending entries list,
// where [Queue.Reclaim] hands it to a live worker after the
// visibility timeout. Completed work flows back on a single results
// stream.
//
// Envelopes are CBOR-encoded; payloads over the compression threshold
// are zstd-compressed on the wire.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/codec"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
)

// Envelope is one task delivery. It carries everything a worker needs
// to bind a tenant context and claim the task row; the payload is the
// handler's CBOR input, opaque to the queue.
type Envelope struct {
	TaskID     ident.TaskID   `cbor:"task_id"`
	TenantID   ident.TenantID `cbor:"tenant_id"`
	SiteID     ident.SiteID   `cbor:"site_id"`
	Role       string         `cbor:"role"`
	Operation  string         `cbor:"operation"`
	Mutating   bool           `cbor:"mutating"`
	Attempt    int            `cbor:"attempt"`
	EnqueuedAt int64          `cbor:"enqueued_at"`
	Payload    []byte         `cbor:"payload,omitempty"`
}

// Result is a worker's completion report.
type Result struct {
	TaskID     ident.TaskID   `cbor:"task_id"`
	TenantID   ident.TenantID `cbor:"tenant_id"`
	Succeeded  bool           `cbor:"succeeded"`
	Output     []byte         `cbor:"output,omitempty"`
	Error      string         `cbor:"error,omitempty"`
	FinishedAt int64          `cbor:"finished_at"`
}

// Delivery is a claimed envelope plus the stream ID needed to
// acknowledge it.
type Delivery struct {
	Envelope Envelope
	StreamID string
}

// Config holds the parameters for opening a queue.
type Config struct {
	// Address is the Redis host:port. Ignored when Client is set.
	Address string

	// Client overrides Address with an existing client (tests).
	Client *redis.Client

	// Prefix namespaces the streams. Defaults to "sitewarden".
	Prefix string

	// Consumer is this process's consumer name within the worker
	// groups. Required.
	Consumer string

	// CompressThreshold is the envelope size in bytes above which
	// the wire form is zstd-compressed. Zero disables compression.
	CompressThreshold int

	// Clock stamps envelopes and results. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Queue is a Redis Streams task broker. Safe for concurrent use.
type Queue struct {
	client            *redis.Client
	prefix            string
	consumer          string
	compressThreshold int
	clock             clock.Clock
	logger            *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// resultsStreamName is the per-prefix stream all completion reports
// land on.
func (q *Queue) resultsStream() string { return q.prefix + ":results" }

func (q *Queue) taskStream(role string) string { return q.prefix + ":tasks:" + role }

func (q *Queue) group() string { return q.prefix + "-workers" }

// Open connects to Redis and returns a queue. The caller must Close
// it.
func Open(cfg Config) (*Queue, error) {
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("queue: Consumer is required")
	}
	client := cfg.Client
	if client == nil {
		if cfg.Address == "" {
			return nil, fmt.Errorf("queue: Address or Client is required")
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Address})
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "sitewarden"
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("queue: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("queue: zstd decoder: %w", err)
	}

	return &Queue{
		client:            client,
		prefix:            prefix,
		consumer:          cfg.Consumer,
		compressThreshold: cfg.CompressThreshold,
		clock:             clk,
		logger:            logger,
		encoder:           encoder,
		decoder:           decoder,
	}, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// EnsureGroup creates the consumer group for a role's stream (and the
// results stream group) if they do not exist. Idempotent; call once
// per role at startup.
func (q *Queue) EnsureGroup(ctx context.Context, role string) error {
	for _, stream := range []string{q.taskStream(role), q.resultsStream()} {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.group(), "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fault.Transport("queue", fmt.Errorf("creating group on %s: %w", stream, err))
		}
	}
	return nil
}

// isBusyGroup reports whether err is the BUSYGROUP reply returned
// when the group already exists.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Enqueue publishes an envelope to its role's stream. Returns the
// stream ID.
func (q *Queue) Enqueue(ctx context.Context, envelope Envelope) (string, error) {
	if envelope.Role == "" || envelope.TaskID == "" {
		return "", fmt.Errorf("queue: envelope needs role and task id")
	}
	if envelope.EnqueuedAt == 0 {
		envelope.EnqueuedAt = q.clock.Now().UnixNano()
	}

	body, encoding, err := q.encodeBody(envelope)
	if err != nil {
		return "", err
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.taskStream(envelope.Role),
		Values: map[string]any{"body": body, "encoding": encoding},
	}).Result()
	if err != nil {
		return "", fault.Transport("queue", fmt.Errorf("enqueue %s: %w", envelope.TaskID, err))
	}

	q.logger.Debug("task enqueued",
		"task_id", string(envelope.TaskID),
		"role", envelope.Role,
		"stream_id", id,
		"attempt", envelope.Attempt,
	)
	return id, nil
}

func (q *Queue) encodeBody(value any) (body []byte, encoding string, err error) {
	raw, err := codec.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("queue: encoding: %w", err)
	}
	if q.compressThreshold > 0 && len(raw) > q.compressThreshold {
		compressed := q.encoder.EncodeAll(raw, nil)
		if len(compressed) < len(raw) {
			return compressed, "cbor+zstd", nil
		}
	}
	return raw, "cbor", nil
}

func (q *Queue) decodeBody(body []byte, encoding string, target any) error {
	switch encoding {
	case "cbor":
	case "cbor+zstd":
		raw, err := q.decoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("queue: decompressing: %w", err)
		}
		body = raw
	default:
		return fmt.Errorf("queue: unknown encoding %q", encoding)
	}
	if err := codec.Unmarshal(body, target); err != nil {
		return fmt.Errorf("queue: decoding: %w", err)
	}
	return nil
}

// Claim reads up to count new envelopes from a role's stream,
// blocking up to block (negative means return immediately). Claimed
// envelopes stay pending until Ack.
func (q *Queue) Claim(ctx context.Context, role string, count int, block time.Duration) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group(),
		Consumer: q.consumer,
		Streams:  []string{q.taskStream(role), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Transport("queue", fmt.Errorf("claim %s: %w", role, err))
	}

	return q.deliveries(streams)
}

// Reclaim transfers envelopes that have sat pending for at least
// minIdle to this consumer. This is how tasks survive worker death:
// the stall checker calls Reclaim with the visibility timeout.
func (q *Queue) Reclaim(ctx context.Context, role string, minIdle time.Duration, count int) ([]Delivery, error) {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.taskStream(role),
		Group:    q.group(),
		Consumer: q.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Transport("queue", fmt.Errorf("reclaim %s: %w", role, err))
	}

	return q.messagesToDeliveries(messages)
}

// Ack acknowledges a claimed envelope, removing it from the pending
// entries list. Unacked envelopes are redelivered; Ack after the work
// is durably recorded, never before.
func (q *Queue) Ack(ctx context.Context, role string, streamID string) error {
	if err := q.client.XAck(ctx, q.taskStream(role), q.group(), streamID).Err(); err != nil {
		return fault.Transport("queue", fmt.Errorf("ack %s: %w", streamID, err))
	}
	return nil
}

// PublishResult reports a task's completion on the results stream.
func (q *Queue) PublishResult(ctx context.Context, result Result) error {
	if result.FinishedAt == 0 {
		result.FinishedAt = q.clock.Now().UnixNano()
	}
	body, encoding, err := q.encodeBody(result)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.resultsStream(),
		Values: map[string]any{"body": body, "encoding": encoding},
	}).Err()
	if err != nil {
		return fault.Transport("queue", fmt.Errorf("publish result %s: %w", result.TaskID, err))
	}
	return nil
}

// ClaimResults reads completion reports. The same pending/ack
// contract as Claim applies, via AckResult.
func (q *Queue) ClaimResults(ctx context.Context, count int, block time.Duration) ([]Result, []string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group(),
		Consumer: q.consumer,
		Streams:  []string{q.resultsStream(), ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fault.Transport("queue", fmt.Errorf("claim results: %w", err))
	}

	var results []Result
	var ids []string
	for _, stream := range streams {
		for _, message := range stream.Messages {
			var result Result
			if err := q.decodeMessage(message, &result); err != nil {
				return nil, nil, err
			}
			results = append(results, result)
			ids = append(ids, message.ID)
		}
	}
	return results, ids, nil
}

// AckResult acknowledges a claimed result.
func (q *Queue) AckResult(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.resultsStream(), q.group(), streamID).Err(); err != nil {
		return fault.Transport("queue", fmt.Errorf("ack result %s: %w", streamID, err))
	}
	return nil
}

func (q *Queue) deliveries(streams []redis.XStream) ([]Delivery, error) {
	var out []Delivery
	for _, stream := range streams {
		converted, err := q.messagesToDeliveries(stream.Messages)
		if err != nil {
			return nil, err
		}
		out = append(out, converted...)
	}
	return out, nil
}

func (q *Queue) messagesToDeliveries(messages []redis.XMessage) ([]Delivery, error) {
	out := make([]Delivery, 0, len(messages))
	for _, message := range messages {
		var envelope Envelope
		if err := q.decodeMessage(message, &envelope); err != nil {
			return nil, err
		}
		out = append(out, Delivery{Envelope: envelope, StreamID: message.ID})
	}
	return out, nil
}

func (q *Queue) decodeMessage(message redis.XMessage, target any) error {
	body, ok := message.Values["body"].(string)
	if !ok {
		return fmt.Errorf("queue: message %s has no body", message.ID)
	}
	encoding, _ := message.Values["encoding"].(string)
	if encoding == "" {
		encoding = "cbor"
	}
	return q.decodeBody([]byte(body), encoding, target)
}
