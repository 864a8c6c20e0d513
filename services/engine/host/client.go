// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package host talks to the source host's REST API (GitHub-compatible):
// pull request metadata, changed files with diffs, file contents at a
// ref, and commit statuses. Transient upstream failures retry with the
// shared backoff policy; the API token lives in a memguard enclave and
// is only materialized per request.
package host

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/stratalab/strata/services/engine/fabric"
)

// Sentinel errors for host API failures. Callers dispatch with
// errors.Is; only ErrUnavailable and ErrRateLimited are retried
// internally.
var (
	ErrNotFound        = errors.New("host: resource not found")
	ErrUnauthorized    = errors.New("host: unauthorized")
	ErrRateLimited     = errors.New("host: rate limited")
	ErrUnavailable     = errors.New("host: upstream unavailable")
	ErrInvalidResponse = errors.New("host: invalid response")
)

const (
	acceptHeader = "application/vnd.github+json"
	userAgent    = "strata-engine"

	// perPage is the page size for list endpoints.
	perPage = 100

	// maxStatusDescription is the host's cap on status descriptions.
	maxStatusDescription = 140
)

// Client is a source-host API client scoped to one base URL and token.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL string
	token   *memguard.Enclave
	http    *http.Client
	backoff fabric.Backoff
	logger  *slog.Logger
}

// Option adjusts client construction.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, used by tests to
// point at an httptest server or stub transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff overrides the retry policy.
func WithBackoff(b fabric.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// # Description
//
// NewClient builds a host client. The token enclave may be nil for
// hosts that allow anonymous reads; every authenticated call then
// fails upstream with 401 instead.
//
// # Inputs
//   - baseURL: API root, e.g. https://api.github.com.
//   - token: sealed API token, opened per request and wiped after.
//   - logger: destination for retry diagnostics; nil falls back to
//     slog.Default.
func NewClient(baseURL string, token *memguard.Enclave, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("host: invalid base URL %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		backoff: fabric.DefaultBackoff(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetPull fetches pull request metadata.
func (c *Client) GetPull(ctx context.Context, repo string, number int) (*Pull, error) {
	var pull Pull
	path := fmt.Sprintf("/repos/%s/pulls/%d", repo, number)
	if err := c.getJSON(ctx, path, &pull); err != nil {
		return nil, err
	}
	return &pull, nil
}

// # Description
//
// ListPullFiles returns every file changed by the pull request,
// following pagination until the host runs out of pages.
//
// # Outputs
//   - []ChangedFile: in host order (typically path-sorted).
//   - error: ErrNotFound for unknown PRs, ErrUnavailable after retry
//     exhaustion.
func (c *Client) ListPullFiles(ctx context.Context, repo string, number int) ([]ChangedFile, error) {
	var all []ChangedFile
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=%d&page=%d", repo, number, perPage, page)
		var batch []ChangedFile
		if err := c.getJSON(ctx, path, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < perPage {
			return all, nil
		}
	}
}

// GetFileContent fetches a file's raw bytes at the given ref via the
// contents API, decoding the host's base64 envelope.
func (c *Client) GetFileContent(ctx context.Context, repo, path, ref string) ([]byte, error) {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s?ref=%s", repo, escapePath(path), url.QueryEscape(ref))
	var fc fileContent
	if err := c.getJSON(ctx, endpoint, &fc); err != nil {
		return nil, err
	}
	if fc.Type != "file" {
		return nil, fmt.Errorf("%w: %s is %q, not a file", ErrInvalidResponse, path, fc.Type)
	}
	if fc.Encoding != "base64" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidResponse, fc.Encoding)
	}
	// Hosts wrap base64 content in newlines.
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(fc.Content), ""))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidResponse, path, err)
	}
	return raw, nil
}

// CreateCommitStatus posts a CI-style status for the commit. Oversized
// descriptions are truncated to the host limit rather than rejected.
func (c *Client) CreateCommitStatus(ctx context.Context, repo, sha string, status CommitStatus) error {
	switch status.State {
	case StatusPending, StatusSuccess, StatusFailure, StatusError:
	default:
		return fmt.Errorf("host: invalid status state %q", status.State)
	}
	if len(status.Description) > maxStatusDescription {
		status.Description = status.Description[:maxStatusDescription-3] + "..."
	}
	body, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("host: marshal status: %w", err)
	}
	path := fmt.Sprintf("/repos/%s/statuses/%s", repo, sha)
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer drain(resp)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidResponse, path, err)
	}
	return nil
}

// do issues one request with retries for transient failures. The
// response body is open on success; callers own draining it.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.once(ctx, method, path, body)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || c.backoff.Exhausted(attempt) {
			return nil, err
		}
		delay := c.backoff.Delay(attempt + 1)
		c.logger.Warn("host request retrying",
			"method", method, "path", path, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("host: building request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer drain(resp)
	return nil, classifyStatus(resp)
}

// authorize attaches the bearer token, materializing the secret only
// for the lifetime of the header write.
func (c *Client) authorize(req *http.Request) error {
	if c.token == nil {
		return nil
	}
	buf, err := c.token.Open()
	if err != nil {
		return fmt.Errorf("%w: opening token enclave: %v", ErrUnauthorized, err)
	}
	defer buf.Destroy()
	req.Header.Set("Authorization", "Bearer "+buf.String())
	return nil
}

func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, snippet)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: retry after %s", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrInvalidResponse, resp.StatusCode, snippet)
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// escapePath escapes each path segment while preserving separators.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
