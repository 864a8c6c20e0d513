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
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// permanentError marks failures that retrying cannot fix (bad input,
// 4xx from upstream, validation).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool abandons the task instead of
// re-enqueueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Handler runs one task. It must be idempotent: the queue is
// at-least-once and the same task can arrive twice.
type Handler func(ctx context.Context, task *Task) error

// PoolConfig wires a worker pool.
type PoolConfig struct {
	Queue   *Queue
	Locks   *LockManager
	Tracker *Tracker
	Backoff Backoff
	Handler Handler

	// Workers is the number of concurrent consumers. Default: 4.
	Workers int

	// TaskDeadline bounds one task execution. Exceeding it abandons
	// the task rather than retrying: a deadline blow-up signals a hang,
	// not a transient fault. Default: 30m.
	TaskDeadline time.Duration

	// PollInterval is the BRPOP block time per loop. Default: 5s.
	PollInterval time.Duration

	// LockRetryDelay is the re-enqueue delay when the task's subject is
	// locked by another worker. Default: 5s.
	LockRetryDelay time.Duration

	Logger *slog.Logger
}

func (c *PoolConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
}

// Pool consumes the task queue with a fixed set of workers. Each task
// runs under the subject lock (one PR or project at a time) and a
// per-task deadline; failures retry with backoff until the policy is
// exhausted.
type Pool struct {
	cfg PoolConfig
}

// NewPool validates the wiring and returns a ready pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Queue == nil || cfg.Locks == nil || cfg.Tracker == nil || cfg.Handler == nil {
		return nil, errors.New("fabric: pool requires queue, locks, tracker and handler")
	}
	cfg.setDefaults()
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg}, nil
}

// # Description
//
// Run starts the workers and blocks until ctx is canceled. Workers
// drain independently; a task in flight at shutdown finishes or is
// re-enqueued, it is never silently dropped by this process.
//
// # Outputs
//   - error: nil after a clean shutdown; worker loops swallow
//     per-task errors into logs and retries.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.workerLoop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	log := p.cfg.Logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.cfg.Queue.Dequeue(ctx, p.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			continue
		}
		p.process(ctx, log, task)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, task *Task) {
	log = log.With("task_id", task.ID, "kind", task.Kind, "attempt", task.Attempt)

	lock, err := p.cfg.Locks.Acquire(ctx, task.LockKey())
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			// Another worker owns the subject; try again shortly
			// without burning a retry attempt.
			log.Debug("subject locked, deferring", "lock", task.LockKey())
			p.cfg.Queue.EnqueueDelayed(task, p.cfg.LockRetryDelay)
			return
		}
		log.Error("lock acquire failed", "error", err)
		p.retry(task, err, log)
		return
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(rctx); err != nil && !errors.Is(err, ErrLockLost) {
			log.Warn("lock release failed", "error", err)
		}
	}()

	p.track(task, TaskRunning, "")

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskDeadline)
	err = p.cfg.Handler(tctx, task)
	cancel()

	switch {
	case err == nil:
		p.track(task, TaskDone, "")
		log.Info("task completed")
	case ctx.Err() != nil:
		// Shutdown, not failure: put the task back for another process.
		log.Info("shutdown mid-task, re-enqueueing")
		p.cfg.Queue.EnqueueDelayed(task, 0)
		p.track(task, TaskQueued, "requeued on shutdown")
	case errors.Is(err, context.DeadlineExceeded):
		p.track(task, TaskFailed, "task deadline exceeded")
		log.Error("task deadline exceeded, abandoning")
	default:
		p.retry(task, err, log)
	}
}

func (p *Pool) retry(task *Task, err error, log *slog.Logger) {
	if IsPermanent(err) || p.cfg.Backoff.Exhausted(task.Attempt) {
		p.track(task, TaskFailed, err.Error())
		log.Error("task abandoned", "error", err, "permanent", IsPermanent(err))
		return
	}
	task.Attempt++
	delay := p.cfg.Backoff.Delay(task.Attempt)
	p.track(task, TaskQueued, "retrying: "+err.Error())
	log.Warn("task failed, retrying", "error", err, "delay", delay)
	p.cfg.Queue.EnqueueDelayed(task, delay)
}

// track updates the status, logging rather than propagating failures.
func (p *Pool) track(task *Task, state TaskState, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.cfg.Tracker.Update(ctx, task, state, detail); err != nil {
		p.cfg.Logger.Warn("task status update failed",
			"task_id", task.ID, "state", state, "error", err)
	}
}
