// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDiffMaxLines, cfg.DiffMaxLines)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STRATA_DATABASE_PATH", "/tmp/strata-test.db")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("TASK_DEADLINE_SECS", "600")
	t.Setenv("LOCK_DEFAULT_TTL_SECS", "600")
	t.Setenv("DIFF_MAX_LINES", "400")
	t.Setenv("STRATA_LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/strata-test.db", cfg.DatabasePath)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.TaskDeadline)
	assert.Equal(t, 400, cfg.DiffMaxLines)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRIES")
}

func TestLoadFromEnvRejectsNonPositiveSeconds(t *testing.T) {
	t.Setenv("TASK_DEADLINE_SECS", "0")
	_, err := LoadFromEnv()
	require.Error(t, err)
}

func TestValidateRejectsShortLockTTL(t *testing.T) {
	cfg := Default()
	cfg.LockTTL = time.Minute
	cfg.TaskDeadline = time.Hour
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock ttl")
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())
}

func TestSecretsSealedAndCleared(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-1234")
	t.Setenv("WEBHOOK_SECRET", "whsec")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	require.NotNil(t, cfg.OpenAIKey)
	require.NotNil(t, cfg.WebhookSecret)
	assert.Nil(t, cfg.GitHostToken)

	// The raw variables must be gone from the environment.
	assert.Empty(t, os.Getenv("OPENAI_API_KEY"))
	assert.Empty(t, os.Getenv("WEBHOOK_SECRET"))

	var got string
	err = OpenSecret(cfg.OpenAIKey, func(secret []byte) error {
		got = string(secret)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-test-1234", got)
}

func TestOpenSecretNil(t *testing.T) {
	err := OpenSecret(nil, func([]byte) error { return nil })
	require.Error(t, err)
}
