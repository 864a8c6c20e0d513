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

// Memoizer caches expensive computation in Redis under a key namespace.
// The canonical use is the assembled graph context for a review, keyed
// by commit SHA: a commit's content is immutable, so the only reasons
// to expire are storage hygiene and upstream graph changes; the TTL
// handles the former, Invalidate the latter.
type Memoizer struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewMemoizer returns a memoizer for per-commit analysis context with
// the given TTL (1h when zero). Keys live under "analysis:".
func NewMemoizer(c *Client, ttl time.Duration) *Memoizer {
	return NewKeyedMemoizer(c, "analysis:", ttl)
}

// NewKeyedMemoizer returns a memoizer whose keys live under the given
// prefix. Used for caches that share the memoizer's semantics but not
// its namespace, such as per-project quality grades.
func NewKeyedMemoizer(c *Client, prefix string, ttl time.Duration) *Memoizer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Memoizer{client: c, prefix: prefix, ttl: ttl}
}

func (m *Memoizer) key(k string) string {
	return m.prefix + k
}

// Get returns the cached payload for the key and whether it was
// present. A Redis outage reports (nil, false, err); callers recompute
// rather than fail.
func (m *Memoizer) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := m.client.rdb.Get(ctx, m.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, wrap(err)
	}
	return b, true, nil
}

// Set stores the payload for the key with the memoizer's TTL.
func (m *Memoizer) Set(ctx context.Context, key string, payload []byte) error {
	if err := m.client.rdb.Set(ctx, m.key(key), payload, m.ttl).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

// Invalidate drops the cached payload, used when the backing data
// changes underneath a cached entry.
func (m *Memoizer) Invalidate(ctx context.Context, key string) error {
	if err := m.client.rdb.Del(ctx, m.key(key)).Err(); err != nil {
		return wrap(err)
	}
	return nil
}
