// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/host"
)

func TestAssembleDiff(t *testing.T) {
	files := []host.ChangedFile{
		{
			Filename: "api/charge.py",
			Status:   "modified",
			Patch:    "@@ -1,2 +1,3 @@\n import db\n+import logging\n def charge(): pass",
		},
		{
			Filename: "api/new.py",
			Status:   "added",
			Patch:    "@@ -0,0 +1 @@\n+print('hi')",
		},
		{
			Filename: "api/old.py",
			Status:   "removed",
			Patch:    "@@ -1 +0,0 @@\n-print('bye')",
		},
		{
			Filename:         "api/renamed.py",
			PreviousFilename: "api/original.py",
			Status:           "renamed",
			Patch:            "@@ -1 +1 @@\n-a = 1\n+a = 2",
		},
		{
			Filename: "assets/logo.png",
			Status:   "modified",
			// Binary: the host sends no patch.
		},
	}

	out := AssembleDiff(files)

	assert.Contains(t, out, "diff --git a/api/charge.py b/api/charge.py")
	assert.Contains(t, out, "--- a/api/charge.py")
	assert.Contains(t, out, "+++ b/api/charge.py")
	assert.Contains(t, out, "+import logging")

	assert.Contains(t, out, "diff --git a/api/new.py b/api/new.py")
	assert.Contains(t, out, "--- /dev/null\n+++ b/api/new.py")

	assert.Contains(t, out, "--- a/api/old.py\n+++ /dev/null")

	assert.Contains(t, out, "diff --git a/api/original.py b/api/renamed.py")

	assert.Contains(t, out, "diff --git a/assets/logo.png b/assets/logo.png\nBinary files differ")
}

func TestComputeDiffStats(t *testing.T) {
	files := []host.ChangedFile{
		{
			Filename: "api/charge.py",
			Status:   "modified",
			Patch:    "@@ -1,2 +1,3 @@\n import db\n+import logging\n-def old(): pass\n+def charge(): pass",
		},
		{
			Filename: "api/new.py",
			Status:   "added",
			Patch:    "@@ -0,0 +1 @@\n+print('hi')",
		},
	}
	stats := ComputeDiffStats(AssembleDiff(files))
	require.Equal(t, 2, stats.Files)
	assert.Equal(t, 3, stats.Added)
	assert.Equal(t, 1, stats.Removed)
}

func TestComputeDiffStatsMalformed(t *testing.T) {
	stats := ComputeDiffStats("this is not a diff")
	assert.Zero(t, stats.Files)
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Removed)
}
