// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the language model behind code review. The
// review pipeline depends only on the Oracle interface; the OpenAI and
// Ollama implementations and the test mock all satisfy it.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors for oracle failures. ErrRateLimited and
// ErrUnavailable are transient; the rest are not worth retrying.
var (
	ErrAuth          = errors.New("llm: authentication failed")
	ErrRateLimited   = errors.New("llm: rate limited")
	ErrUnavailable   = errors.New("llm: provider unavailable")
	ErrEmptyResponse = errors.New("llm: empty response")
	ErrInvalidInput  = errors.New("llm: invalid input")
)

// Options tunes one generation call.
type Options struct {
	// MaxTokens caps the completion length. Zero lets the provider
	// decide.
	MaxTokens int

	// Temperature controls sampling randomness. Reviews run cool (0.3)
	// so repeated runs of the same diff mostly agree.
	Temperature float32

	// JSONMode constrains the completion to a single JSON object on
	// providers that support it.
	JSONMode bool
}

// Result is one completed generation with its token accounting.
type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Oracle generates completions for review prompts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the worker pool
// shares one oracle across workers.
type Oracle interface {
	// Generate runs one completion with a system and user message.
	Generate(ctx context.Context, system, user string, opts Options) (*Result, error)

	// Model names the underlying model for logs and persisted results.
	Model() string
}
