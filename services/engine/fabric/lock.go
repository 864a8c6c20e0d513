// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock only when the caller still owns it,
// so a slow worker whose lock expired cannot free a successor's lock.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// extendScript refreshes the TTL only for the current owner.
const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// LockManager hands out distributed locks backed by Redis SET NX PX.
//
// # Description
//
// Every lock carries an owner token; release and extend verify the
// token server-side, so an expired lock can be taken over safely and
// the late original owner gets ErrLockLost instead of freeing someone
// else's lock. TTLs bound how long a crashed holder can block others.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines and processes.
type LockManager struct {
	client *Client
	ttl    time.Duration
}

// Lock is one held lock. Release it when done; it self-expires after
// the TTL otherwise.
type Lock struct {
	m     *LockManager
	key   string
	token string
}

// NewLockManager returns a manager issuing locks with the given TTL.
// The TTL must outlast the longest task deadline, or workers lose
// their lock mid-task.
func NewLockManager(c *Client, ttl time.Duration) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LockManager{client: c, ttl: ttl}
}

// # Description
//
// Acquire takes the named lock, or fails immediately with ErrLockHeld
// when another owner has it. There is no queueing: callers decide
// whether to back off and retry or hand the work elsewhere.
//
// # Inputs
//   - ctx: bounds the Redis call.
//   - name: logical lock name, e.g. "pr:42" or "project:7".
//
// # Outputs
//   - *Lock: the held lock; callers own Release.
//   - error: ErrLockHeld or ErrUnavailable.
func (m *LockManager) Acquire(ctx context.Context, name string) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()
	ok, err := m.client.rdb.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	return &Lock{m: m, key: key, token: token}, nil
}

// Release frees the lock. Returns ErrLockLost when the lock already
// expired or was taken over; the caller's work may have raced another
// owner and its effects should be treated as suspect.
func (l *Lock) Release(ctx context.Context) error {
	n, err := l.m.client.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

// Extend pushes the expiry out by ttl from now, for tasks that
// legitimately outlive the default TTL. Fails with ErrLockLost when
// ownership has lapsed.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.m.ttl
	}
	n, err := l.m.client.rdb.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

// TTL reports the remaining lifetime of the lock key. Mostly useful in
// tests and diagnostics.
func (l *Lock) TTL(ctx context.Context) (time.Duration, error) {
	d, err := l.m.client.rdb.PTTL(ctx, l.key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return d, nil
}
