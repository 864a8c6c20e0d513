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
)

// rateScript counts a hit and stamps the window expiry in one atomic
// step. Returns {count, remaining-ms}.
const rateScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {n, ttl}
`

// RateLimiter enforces a fixed-window request budget per
// (user, endpoint) pair, shared across all API processes through
// Redis.
type RateLimiter struct {
	client *Client
	limit  int
	window time.Duration
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter returns a limiter allowing limit requests per window.
func NewRateLimiter(c *Client, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{client: c, limit: limit, window: window}
}

// # Description
//
// Allow records one request against the caller's window and decides
// whether it fits the budget. Windows are fixed, not sliding: the
// counter resets when the key expires.
//
// # Inputs
//   - ctx: bounds the Redis call.
//   - user: caller identity (API key, user ID, or client IP fallback).
//   - endpoint: logical endpoint name so budgets are per-route.
//
// # Outputs
//   - *Decision: allowed flag, remaining budget, and time until reset.
//   - error: ErrUnavailable. On error callers should fail open; a
//     Redis outage must not take the API down with it.
func (r *RateLimiter) Allow(ctx context.Context, user, endpoint string) (*Decision, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", user, endpoint)
	res, err := r.client.rdb.Eval(ctx, rateScript, []string{key}, r.window.Milliseconds()).Result()
	if err != nil {
		return nil, wrap(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, wrap(fmt.Errorf("unexpected rate script reply: %v", res))
	}
	count, _ := vals[0].(int64)
	ttlMillis, _ := vals[1].(int64)

	d := &Decision{
		Allowed:    count <= int64(r.limit),
		Limit:      r.limit,
		Remaining:  r.limit - int(count),
		RetryAfter: time.Duration(ttlMillis) * time.Millisecond,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if d.RetryAfter < 0 {
		d.RetryAfter = r.window
	}
	return d, nil
}
