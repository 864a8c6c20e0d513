// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package fabric is the coordination layer between the HTTP surface and
// the analysis workers. Redis backs every primitive: the at-least-once
// task queue, distributed locks, webhook delivery deduplication,
// analysis memoization, request rate limiting, and task status
// tracking.
//
// Delivery is at-least-once, never exactly-once. Handlers must be
// idempotent; the locks here narrow concurrent duplicate work but do
// not eliminate redelivery.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors for the coordination layer. Callers dispatch with
// errors.Is.
var (
	// ErrUnavailable indicates Redis could not serve the request.
	ErrUnavailable = errors.New("fabric: redis unavailable")

	// ErrLockHeld indicates another owner currently holds the lock.
	ErrLockHeld = errors.New("fabric: lock held by another owner")

	// ErrLockLost indicates a release or extend on a lock this owner no
	// longer holds (expired or taken over).
	ErrLockLost = errors.New("fabric: lock not held by this owner")

	// ErrTaskInvalid indicates a task that cannot be enqueued or run.
	ErrTaskInvalid = errors.New("fabric: invalid task")

	// ErrTaskNotFound indicates no status is tracked for the task ID.
	ErrTaskNotFound = errors.New("fabric: task not found")
)

// Client wraps the Redis connection shared by all fabric primitives.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// # Description
//
// Dial connects to Redis and verifies the connection with a ping.
//
// # Inputs
//   - ctx: bounds the connection probe.
//   - addr: host:port of the Redis server.
//   - password: empty when the server runs without auth.
//   - db: logical database index.
//   - logger: destination for fabric diagnostics; nil falls back to
//     slog.Default.
//
// # Outputs
//   - *Client: ready for use; callers own Close.
//   - error: ErrUnavailable wrapping the ping failure.
func Dial(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewClientFromRedis wraps an existing Redis client. Used by tests
// running against miniredis.
func NewClientFromRedis(rdb *redis.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{rdb: rdb, logger: logger}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// wrap folds a Redis error into ErrUnavailable, preserving context
// cancellation so callers can tell shutdown from outage.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
