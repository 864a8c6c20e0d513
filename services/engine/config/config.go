// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the engine configuration from the
// environment.
//
// # Description
//
// Every tunable the engine exposes is an environment variable with a
// default that works for local development. Secrets (source-host token,
// webhook signing secret, LLM API key) are moved into memguard enclaves
// at load time and the originating environment variables are cleared,
// so plaintext secrets never sit in ordinary heap memory for the
// process lifetime.
//
// # Basic Usage
//
//	cfg, err := config.LoadFromEnv()
//	if err != nil {
//	    log.Fatalf("config: %v", err)
//	}
//
// # Thread Safety
//
// Config is immutable after LoadFromEnv returns. Enclave fields are
// safe for concurrent Open calls.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-playground/validator/v10"
)

// Defaults for every tunable. Overridden by environment variables of
// the same concern; see LoadFromEnv for the variable names.
const (
	DefaultPort           = 12310
	DefaultDatabasePath   = "data/strata.db"
	DefaultGraphPath      = "data/graph"
	DefaultRedisAddr      = "localhost:6379"
	DefaultGitHostURL     = "https://api.github.com"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultMaxRetries     = 3
	DefaultLockTTL        = 30 * time.Minute
	DefaultTaskDeadline   = 30 * time.Minute
	DefaultLLMTimeout     = 120 * time.Second
	DefaultDiffMaxLines   = 800
	DefaultWorkerCount    = 4
	DefaultRateLimit      = 60
	DefaultRateWindow     = 60 * time.Second
	DefaultContextMemoTTL = time.Hour
)

// Config carries every engine setting. The zero value is not usable;
// construct through LoadFromEnv or Default.
type Config struct {
	// Port is the HTTP listen port.
	Port int `validate:"min=1,max=65535"`

	// DatabasePath is the SQLite database file. The parent directory is
	// created on open.
	DatabasePath string `validate:"required"`

	// GraphPath is the Badger graph database directory.
	GraphPath string `validate:"required"`

	// RedisAddr is the host:port of the cache used for queueing,
	// locking, dedup and memoization.
	RedisAddr string `validate:"required,hostname_port"`

	// RedisPassword authenticates against Redis. Empty means none.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int `validate:"min=0,max=15"`

	// GitHostBaseURL is the source-host REST API base
	// (https://api.github.com or a GitHub Enterprise equivalent).
	GitHostBaseURL string `validate:"required,url"`

	// GitHostToken authenticates outbound source-host calls. Nil means
	// unauthenticated (public repositories only).
	GitHostToken *memguard.Enclave `validate:"-"`

	// WebhookSecret is the fallback HMAC signing secret for inbound
	// webhooks; projects may override it with their own secret. Nil
	// disables the fallback.
	WebhookSecret *memguard.Enclave `validate:"-"`

	// OpenAIKey authenticates against the LLM oracle. Nil disables the
	// oracle; reviews degrade to the neutral path.
	OpenAIKey *memguard.Enclave `validate:"-"`

	// OpenAIModel is the chat model used for reviews.
	OpenAIModel string `validate:"required"`

	// MaxRetries bounds task re-enqueues after transient failures.
	MaxRetries int `validate:"min=0,max=10"`

	// LockTTL is the default distributed-lock lifetime. It must cover
	// the longest expected analysis run; workers extend mid-task.
	LockTTL time.Duration `validate:"min=1s"`

	// TaskDeadline is the per-task wall-clock budget.
	TaskDeadline time.Duration `validate:"min=1s"`

	// LLMTimeout is the inner deadline on one oracle call. Exceeding it
	// falls through to the neutral review, not task failure.
	LLMTimeout time.Duration `validate:"min=1s"`

	// DiffMaxLines caps the unified diff lines forwarded to the oracle.
	DiffMaxLines int `validate:"min=50"`

	// WorkerCount sizes the analysis worker pool.
	WorkerCount int `validate:"min=1,max=64"`

	// RateLimitRequests is the fixed-window request allowance per user
	// and endpoint.
	RateLimitRequests int `validate:"min=1"`

	// RateLimitWindow is the fixed-window length.
	RateLimitWindow time.Duration `validate:"min=1s"`

	// ContextMemoTTL bounds how long a commit's LLM-context bundle is
	// reused from cache.
	ContextMemoTTL time.Duration `validate:"min=1s"`

	// LogLevel selects the minimum log level.
	LogLevel string `validate:"oneof=debug info warn error"`

	// LogDir enables JSON file logging when non-empty.
	LogDir string
}

// Default returns the development configuration: local stores, no
// secrets, info logging.
func Default() *Config {
	return &Config{
		Port:              DefaultPort,
		DatabasePath:      DefaultDatabasePath,
		GraphPath:         DefaultGraphPath,
		RedisAddr:         DefaultRedisAddr,
		GitHostBaseURL:    DefaultGitHostURL,
		OpenAIModel:       DefaultOpenAIModel,
		MaxRetries:        DefaultMaxRetries,
		LockTTL:           DefaultLockTTL,
		TaskDeadline:      DefaultTaskDeadline,
		LLMTimeout:        DefaultLLMTimeout,
		DiffMaxLines:      DefaultDiffMaxLines,
		WorkerCount:       DefaultWorkerCount,
		RateLimitRequests: DefaultRateLimit,
		RateLimitWindow:   DefaultRateWindow,
		ContextMemoTTL:    DefaultContextMemoTTL,
		LogLevel:          "info",
	}
}

// LoadFromEnv builds a Config from the environment.
//
// # Description
//
// Reads, in order: store locations (STRATA_DATABASE_PATH,
// STRATA_GRAPH_PATH, STRATA_REDIS_ADDR, STRATA_REDIS_PASSWORD,
// STRATA_REDIS_DB), source host (GITHOST_BASE_URL, GITHOST_TOKEN),
// webhook signing (WEBHOOK_SECRET), oracle (OPENAI_API_KEY,
// OPENAI_MODEL), fabric tunables (MAX_RETRIES, LOCK_DEFAULT_TTL_SECS,
// TASK_DEADLINE_SECS, LLM_TIMEOUT_SECS, DIFF_MAX_LINES, WORKER_COUNT,
// RATE_LIMIT_REQUESTS, RATE_LIMIT_WINDOW_SECS), and process settings
// (PORT, STRATA_LOG_LEVEL, STRATA_LOG_DIR).
//
// Secret variables are wiped from the process environment after they
// are sealed into enclaves.
//
// # Outputs
//
//	*Config - Validated configuration.
//	error  - Non-nil when a variable fails to parse or validation fails.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	var err error
	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.DatabasePath = envStr("STRATA_DATABASE_PATH", cfg.DatabasePath)
	cfg.GraphPath = envStr("STRATA_GRAPH_PATH", cfg.GraphPath)
	cfg.RedisAddr = envStr("STRATA_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envStr("STRATA_REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("STRATA_REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.GitHostBaseURL = envStr("GITHOST_BASE_URL", cfg.GitHostBaseURL)
	cfg.GitHostToken = sealSecret("GITHOST_TOKEN")
	cfg.WebhookSecret = sealSecret("WEBHOOK_SECRET")
	cfg.OpenAIKey = sealSecret("OPENAI_API_KEY")
	cfg.OpenAIModel = envStr("OPENAI_MODEL", cfg.OpenAIModel)

	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = envSeconds("LOCK_DEFAULT_TTL_SECS", cfg.LockTTL); err != nil {
		return nil, err
	}
	if cfg.TaskDeadline, err = envSeconds("TASK_DEADLINE_SECS", cfg.TaskDeadline); err != nil {
		return nil, err
	}
	if cfg.LLMTimeout, err = envSeconds("LLM_TIMEOUT_SECS", cfg.LLMTimeout); err != nil {
		return nil, err
	}
	if cfg.DiffMaxLines, err = envInt("DIFF_MAX_LINES", cfg.DiffMaxLines); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = envInt("WORKER_COUNT", cfg.WorkerCount); err != nil {
		return nil, err
	}
	if cfg.RateLimitRequests, err = envInt("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envSeconds("RATE_LIMIT_WINDOW_SECS", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	cfg.LogLevel = envStr("STRATA_LOG_LEVEL", cfg.LogLevel)
	cfg.LogDir = envStr("STRATA_LOG_DIR", cfg.LogDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: field %s fails %q", first.Field(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if c.LockTTL < c.TaskDeadline {
		return fmt.Errorf("config: lock ttl %s must cover the task deadline %s", c.LockTTL, c.TaskDeadline)
	}
	return nil
}

var validate = validator.New()

// sealSecret moves one environment variable into an enclave and clears
// the variable. Returns nil when the variable is unset or empty.
func sealSecret(name string) *memguard.Enclave {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	_ = os.Unsetenv(name)
	return memguard.NewEnclave([]byte(value))
}

// OpenSecret opens an enclave and hands its content to fn. The locked
// buffer is destroyed before OpenSecret returns, bounding the plaintext
// lifetime to the callback.
func OpenSecret(enclave *memguard.Enclave, fn func(secret []byte) error) error {
	if enclave == nil {
		return fmt.Errorf("config: secret not configured")
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("config: open secret: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func envStr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer: %w", name, v, err)
	}
	return n, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number of seconds: %w", name, v, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %d", name, secs)
	}
	return time.Duration(secs) * time.Second, nil
}
