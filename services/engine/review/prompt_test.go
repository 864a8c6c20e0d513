// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	system, user, err := BuildPrompt(&PromptInput{
		RepoFullName:    "acme/payments",
		Title:           "add retries",
		Description:     "Retries the charge call.",
		FileCount:       2,
		PrimaryLanguage: "python",
		GraphContext:    "Architecture context:\n- dependency cycles: none\n",
		BaselineRules:   []string{`layer "api" may depend only on: core`},
		Diff:            "diff --git a/x b/x\n+added",
	})
	require.NoError(t, err)

	assert.Contains(t, system, "single JSON object")
	assert.Contains(t, user, "Repository: acme/payments")
	assert.Contains(t, user, "Pull request: add retries")
	assert.Contains(t, user, "Files changed: 2 (primary language: python)")
	assert.Contains(t, user, "Retries the charge call.")
	assert.Contains(t, user, "dependency cycles: none")
	assert.Contains(t, user, `- layer "api" may depend only on: core`)
	assert.Contains(t, user, "+added")
}

func TestBuildPromptOmitsEmptySections(t *testing.T) {
	_, user, err := BuildPrompt(&PromptInput{
		RepoFullName: "acme/payments",
		Title:        "tiny fix",
		FileCount:    1,
		Diff:         "diff --git a/x b/x",
	})
	require.NoError(t, err)
	assert.NotContains(t, user, "PR description:")
	assert.NotContains(t, user, "Baseline rules")
	assert.NotContains(t, user, "primary language")
}

func TestTruncateDiffKeepsChangedLines(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("diff --git a/big.py b/big.py\n")
	sb.WriteString("--- a/big.py\n")
	sb.WriteString("+++ b/big.py\n")
	sb.WriteString("@@ -1,200 +1,201 @@\n")
	for i := 0; i < 200; i++ {
		sb.WriteString(" context line\n")
	}
	sb.WriteString("+the one added line")

	out, truncated := TruncateDiff(sb.String(), 50)
	assert.True(t, truncated)

	lines := strings.Split(out, "\n")
	assert.LessOrEqual(t, len(lines), 51, "kept lines plus the marker")
	assert.Contains(t, out, "+the one added line")
	assert.Contains(t, out, "diff --git a/big.py b/big.py")
	assert.Contains(t, out, "@@ -1,200 +1,201 @@")
	assert.Contains(t, lines[len(lines)-1], "diff truncated")
}

func TestTruncateDiffUnderLimit(t *testing.T) {
	diff := "diff --git a/x b/x\n+one\n-two"
	out, truncated := TruncateDiff(diff, 50)
	assert.False(t, truncated)
	assert.Equal(t, diff, out)
}

func TestTruncateDiffZeroUsesDefault(t *testing.T) {
	out, truncated := TruncateDiff("just one line", 0)
	assert.False(t, truncated)
	assert.Equal(t, "just one line", out)
}

func TestChangeLineClassification(t *testing.T) {
	assert.True(t, isChangeLine("+added"))
	assert.True(t, isChangeLine("-removed"))
	assert.False(t, isChangeLine("+++ b/x"), "file markers are headers, not changes")
	assert.False(t, isChangeLine("--- a/x"))
	assert.False(t, isChangeLine(" context"))
	assert.True(t, isHeaderLine("@@ -1 +1 @@"))
	assert.True(t, isHeaderLine("rename from old.py"))
}
