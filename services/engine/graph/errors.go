// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Error classes callers dispatch retry decisions on.
var (
	// ErrStoreUnavailable marks a retryable storage failure.
	ErrStoreUnavailable = errors.New("graph store unavailable")

	// ErrConstraintViolation marks invalid input or a write conflict
	// that retrying the same operation cannot fix.
	ErrConstraintViolation = errors.New("graph constraint violation")

	// ErrTimeout marks an operation that ran out of time; retry with
	// jitter.
	ErrTimeout = errors.New("graph operation timed out")
)

// classify wraps raw storage errors with the retry class. Context
// cancellation passes through untouched so callers can tell shutdown
// from storage trouble.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
