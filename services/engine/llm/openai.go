// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAI is the production Oracle on the OpenAI chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// OpenAIConfig wires an OpenAI oracle.
type OpenAIConfig struct {
	// APIKey is the sealed API key; opened once at construction.
	APIKey *memguard.Enclave

	// Model defaults to gpt-4o-mini.
	Model string

	// BaseURL overrides the API endpoint, used by tests and proxies.
	BaseURL string

	// Timeout bounds one generation call on top of the caller's
	// context. Default: 120s.
	Timeout time.Duration

	// RequestsPerMinute paces calls across all workers sharing this
	// oracle. Zero disables pacing.
	RequestsPerMinute int

	Logger *slog.Logger
}

// NewOpenAI builds the oracle. The API key is materialized from its
// enclave exactly once, into the HTTP client's config.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("%w: missing API key", ErrAuth)
	}
	buf, err := cfg.APIKey.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening key enclave: %v", ErrAuth, err)
	}
	clientCfg := openai.DefaultConfig(string(buf.Bytes()))
	buf.Destroy()
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// Model implements Oracle.
func (o *OpenAI) Model() string {
	return o.model
}

// # Description
//
// Generate runs one chat completion. The call is paced by the shared
// limiter, bounded by the oracle timeout, and its errors are folded
// into the package sentinels so the pipeline can decide between retry
// and fallback without knowing the provider.
//
// # Inputs
//   - ctx: caller's deadline; the oracle timeout applies on top.
//   - system: system message framing the reviewer role.
//   - user: the assembled prompt (context bundle plus diff).
//   - opts: sampling controls.
//
// # Outputs
//   - *Result: completion text and token usage.
//   - error: ErrAuth, ErrRateLimited, ErrUnavailable, ErrEmptyResponse,
//     or the context error.
func (o *OpenAI) Generate(ctx context.Context, system, user string, opts Options) (*Result, error) {
	if user == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, o.classify(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	o.logger.Debug("completion finished",
		"model", o.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration", time.Since(start),
		"finish_reason", resp.Choices[0].FinishReason)

	return &Result{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (o *OpenAI) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return fmt.Errorf("%w: %v", ErrAuth, apiErr.Message)
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: status %d: %v", ErrUnavailable, apiErr.HTTPStatusCode, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
