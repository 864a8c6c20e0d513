// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"sync"
)

// Mock is a scripted Oracle for tests. Responses are consumed in
// order; when the script runs out the last entry repeats.
type Mock struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	prompts   []string
	systems   []string
}

// NewMock returns a mock replying with the given responses in order.
func NewMock(responses ...string) *Mock {
	return &Mock{responses: responses}
}

// Fail makes every Generate call return err.
func (m *Mock) Fail(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Generate implements Oracle.
func (m *Mock) Generate(ctx context.Context, system, user string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.systems = append(m.systems, system)
	m.prompts = append(m.prompts, user)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, ErrEmptyResponse
	}
	i := m.calls - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return &Result{Content: m.responses[i], PromptTokens: len(user) / 4, CompletionTokens: len(m.responses[i]) / 4}, nil
}

// Model implements Oracle.
func (m *Mock) Model() string {
	return "mock-model"
}

// Calls reports how many generations ran.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastPrompt returns the most recent user prompt, or "".
func (m *Mock) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}

// LastSystem returns the most recent system message, or "".
func (m *Mock) LastSystem() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.systems) == 0 {
		return ""
	}
	return m.systems[len(m.systems)-1]
}
