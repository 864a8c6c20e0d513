// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fabric

import (
	"errors"
	"math/rand"
	"time"
)

// Backoff computes retry delays for failed tasks: exponential growth
// from Initial, capped at Max, with symmetric jitter to spread
// redelivery of tasks that failed together.
type Backoff struct {
	// Initial is the delay before the first retry. Default: 2s.
	Initial time.Duration

	// Max caps the delay regardless of attempt count. Default: 60s.
	Max time.Duration

	// Factor multiplies the delay per attempt. Default: 2.0.
	Factor float64

	// JitterFactor is the maximum jitter as a fraction of the delay
	// (0-1). Default: 0.25.
	JitterFactor float64

	// MaxRetries is how many retries a task gets after its first
	// failure before being abandoned. Default: 3.
	MaxRetries int
}

// DefaultBackoff returns the standard task retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Factor:       2.0,
		JitterFactor: 0.25,
		MaxRetries:   3,
	}
}

// Validate checks the policy is usable.
func (b Backoff) Validate() error {
	if b.Initial <= 0 || b.Max < b.Initial {
		return errors.New("fabric: backoff requires 0 < Initial <= Max")
	}
	if b.Factor < 1.0 {
		return errors.New("fabric: backoff factor must be >= 1.0")
	}
	if b.JitterFactor < 0 || b.JitterFactor > 1 {
		return errors.New("fabric: jitter factor must be in [0,1]")
	}
	if b.MaxRetries < 0 {
		return errors.New("fabric: max retries must be >= 0")
	}
	return nil
}

// Delay returns the wait before retry number attempt (1-based: the
// first retry is attempt 1). Jitter keeps the result within
// [delay*(1-jitter), delay*(1+jitter)].
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		delay *= b.Factor
		if delay >= float64(b.Max) {
			delay = float64(b.Max)
			break
		}
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.JitterFactor > 0 {
		jitter := (rand.Float64()*2 - 1) * b.JitterFactor
		delay *= 1.0 + jitter
	}
	return time.Duration(delay)
}

// Exhausted reports whether a task at the given attempt count has no
// retries left.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxRetries
}
