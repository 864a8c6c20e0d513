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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBackoff() Backoff {
	return Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2, JitterFactor: 0, MaxRetries: 3}
}

func startPool(t *testing.T, c *Client, handler Handler) (*Tracker, context.CancelFunc) {
	t.Helper()
	tracker := NewTracker(c)
	pool, err := NewPool(PoolConfig{
		Queue:          NewQueue(c),
		Locks:          NewLockManager(c, time.Minute),
		Tracker:        tracker,
		Backoff:        testBackoff(),
		Handler:        handler,
		Workers:        2,
		TaskDeadline:   5 * time.Second,
		PollInterval:   time.Second,
		LockRetryDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return tracker, cancel
}

// waitForState polls the tracker until the task reaches want or the
// deadline passes.
func waitForState(t *testing.T, tracker *Tracker, taskID string, want TaskState) *TaskStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := tracker.Get(context.Background(), taskID)
		if err == nil && st.State == want {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return nil
}

func TestPool_RunsTaskToDone(t *testing.T) {
	c, _ := newTestClient(t)
	var calls atomic.Int32
	tracker, _ := startPool(t, c, func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return nil
	})

	task := NewTask(KindPRReview, 1)
	task.PullRequestID = 42
	require.NoError(t, NewQueue(c).Enqueue(context.Background(), task))

	waitForState(t, tracker, task.ID, TaskDone)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPool_RetriesTransientFailure(t *testing.T) {
	c, _ := newTestClient(t)
	var calls atomic.Int32
	tracker, _ := startPool(t, c, func(ctx context.Context, task *Task) error {
		if calls.Add(1) < 3 {
			return errors.New("transient upstream hiccup")
		}
		return nil
	})

	task := NewTask(KindPRReview, 1)
	task.PullRequestID = 7
	require.NoError(t, NewQueue(c).Enqueue(context.Background(), task))

	st := waitForState(t, tracker, task.ID, TaskDone)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, 2, st.Attempt, "two retries before success")
}

func TestPool_PermanentErrorFailsFast(t *testing.T) {
	c, _ := newTestClient(t)
	var calls atomic.Int32
	tracker, _ := startPool(t, c, func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return Permanent(errors.New("pull request vanished"))
	})

	task := NewTask(KindPRReview, 1)
	task.PullRequestID = 9
	require.NoError(t, NewQueue(c).Enqueue(context.Background(), task))

	st := waitForState(t, tracker, task.ID, TaskFailed)
	assert.EqualValues(t, 1, calls.Load(), "no retries for permanent failures")
	assert.Contains(t, st.Detail, "vanished")
}

func TestPool_ExhaustsRetriesThenFails(t *testing.T) {
	c, _ := newTestClient(t)
	var calls atomic.Int32
	tracker, _ := startPool(t, c, func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return errors.New("always failing")
	})

	task := NewTask(KindPRReview, 1)
	task.PullRequestID = 13
	require.NoError(t, NewQueue(c).Enqueue(context.Background(), task))

	st := waitForState(t, tracker, task.ID, TaskFailed)
	// Initial run plus MaxRetries attempts.
	assert.EqualValues(t, 4, calls.Load())
	assert.Equal(t, 3, st.Attempt)
}

func TestPool_SubjectLockSerializesWork(t *testing.T) {
	c, _ := newTestClient(t)
	locks := NewLockManager(c, time.Minute)

	// Hold the subject lock so the pool has to defer the task.
	held, err := locks.Acquire(context.Background(), "pr:77")
	require.NoError(t, err)

	var calls atomic.Int32
	tracker, _ := startPool(t, c, func(ctx context.Context, task *Task) error {
		calls.Add(1)
		return nil
	})

	task := NewTask(KindPRReview, 1)
	task.PullRequestID = 77
	require.NoError(t, NewQueue(c).Enqueue(context.Background(), task))

	// Give the pool a moment to hit the held lock and defer.
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 0, calls.Load(), "task deferred while subject is locked")

	require.NoError(t, held.Release(context.Background()))
	waitForState(t, tracker, task.ID, TaskDone)
	assert.EqualValues(t, 1, calls.Load())
}

func TestNewPool_RequiresWiring(t *testing.T) {
	_, err := NewPool(PoolConfig{})
	assert.Error(t, err)
}
