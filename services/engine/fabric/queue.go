// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list all analysis tasks flow through.
const QueueKey = "queue:pr_analysis"

// Queue is the FIFO task queue: LPUSH to enqueue, BRPOP to consume.
// Multiple workers may consume concurrently; Redis hands each popped
// task to exactly one of them, and at-least-once semantics come from
// workers re-enqueueing on failure.
type Queue struct {
	client *Client
	key    string
}

// NewQueue returns the queue on the standard key.
func NewQueue(c *Client) *Queue {
	return &Queue{client: c, key: QueueKey}
}

// Enqueue validates the task and pushes it onto the queue.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	b, err := t.marshal()
	if err != nil {
		return err
	}
	if err := q.client.rdb.LPush(ctx, q.key, b).Err(); err != nil {
		return wrap(err)
	}
	q.client.logger.Debug("task enqueued",
		"task_id", t.ID, "kind", t.Kind, "attempt", t.Attempt)
	return nil
}

// EnqueueDelayed pushes the task after the given delay elapses. The
// delay runs on an in-process timer: if this process dies before it
// fires, the task is lost and recovery relies on the next upstream
// event for the same subject. Callers needing durability across the
// delay should enqueue immediately instead.
func (q *Queue) EnqueueDelayed(t *Task, delay time.Duration) {
	if delay <= 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := q.Enqueue(ctx, t); err != nil {
				q.client.logger.Error("delayed enqueue failed", "task_id", t.ID, "error", err)
			}
		}()
		return
	}
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Enqueue(ctx, t); err != nil {
			q.client.logger.Error("delayed enqueue failed", "task_id", t.ID, "error", err)
		}
	})
}

// # Description
//
// Dequeue blocks up to timeout waiting for a task. A nil task with a
// nil error means the timeout elapsed with an empty queue; workers
// loop on that.
//
// # Inputs
//   - ctx: cancels the blocking pop (shutdown path).
//   - timeout: how long to block server-side before giving up.
//
// # Outputs
//   - *Task: the popped task, or nil on timeout.
//   - error: ErrUnavailable, ErrTaskInvalid for undecodable payloads,
//     or the context error on cancellation.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.rdb.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrap(err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, wrap(errors.New("unexpected BRPOP reply shape"))
	}
	return unmarshalTask(res[1])
}

// Len reports the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}
