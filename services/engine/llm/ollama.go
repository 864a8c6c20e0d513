// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama is an Oracle on a local Ollama server, for deployments that
// keep code off external providers. Review quality tracks whatever
// model is pulled locally.
type Ollama struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

// OllamaConfig wires an Ollama oracle.
type OllamaConfig struct {
	// BaseURL is the server root, e.g. http://localhost:11434.
	BaseURL string

	// Model must already be pulled on the server. Default: llama3.1.
	Model string

	// Timeout bounds one generation call. Local models can be slow on
	// first load. Default: 5m.
	Timeout time.Duration

	Logger *slog.Logger
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllama builds the oracle. It does not probe the server; the first
// Generate call surfaces connectivity problems.
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: missing base URL", ErrInvalidInput)
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		model:      cfg.Model,
		logger:     cfg.Logger,
	}, nil
}

// Model implements Oracle.
func (o *Ollama) Model() string {
	return o.model
}

// # Description
//
// Generate runs one non-streaming chat completion against
// POST /api/chat. JSONMode maps to Ollama's format constraint and
// MaxTokens to num_predict; token counts come from the eval counters
// in the response.
//
// # Inputs
//   - ctx: caller's deadline; the client timeout applies on top.
//   - system: system message framing the reviewer role.
//   - user: the assembled prompt (context bundle plus diff).
//   - opts: sampling controls.
//
// # Outputs
//   - *Result: completion text and token usage.
//   - error: ErrAuth, ErrRateLimited, ErrUnavailable, ErrEmptyResponse,
//     or the context error.
func (o *Ollama) Generate(ctx context.Context, system, user string, opts Options) (*Result, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}

	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	payload := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:  false,
		Options: options,
	}
	if opts.JSONMode {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrInvalidInput, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrAuth, msg)
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
		default:
			return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
		}
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if out.Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	o.logger.Debug("completion finished",
		"model", o.model,
		"prompt_tokens", out.PromptEvalCount,
		"completion_tokens", out.EvalCount,
		"duration", time.Since(start))

	return &Result{
		Content:          out.Message.Content,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}
