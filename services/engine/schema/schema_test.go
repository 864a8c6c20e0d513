// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/analytics"
)

const goldenYAML = `
version: "1"
layers:
  - name: api
    patterns: ["api/*", "handlers*"]
    allowed_dependencies: [service]
  - name: service
    patterns: ["service/*"]
    allowed_dependencies: [domain]
    forbidden_dependencies: [api]
  - name: domain
    patterns: ["domain/*", "model*"]
thresholds:
  critical: 0
  high: 2
  medium: 5
  low: 10
`

func TestParse_YAML(t *testing.T) {
	s, err := Parse([]byte(goldenYAML))
	require.NoError(t, err)

	require.Len(t, s.Layers, 3)
	assert.Equal(t, "api", s.Layers[0].Name, "declaration order preserved")
	assert.Equal(t, []string{"service"}, s.Layers[0].AllowedDependencies)
	assert.Equal(t, []string{"api"}, s.Layers[1].ForbiddenDependencies)
	assert.Equal(t, 2, s.Thresholds.High)
	assert.Equal(t, 10, s.Thresholds.Low)
}

func TestParse_JSON(t *testing.T) {
	doc := `{
		"version": "1",
		"layers": [
			{"name": "api", "patterns": ["api/*"]},
			{"name": "core", "patterns": ["core/*"], "forbidden_dependencies": ["api"]}
		],
		"thresholds": {"critical": 1, "high": 3, "medium": 6, "low": 12}
	}`
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, s.Layers, 2)
	assert.Equal(t, []string{"api"}, s.Layers[1].ForbiddenDependencies)
	assert.Equal(t, 1, s.Thresholds.Critical)
}

func TestParse_MissingThresholdsDefaultsToZero(t *testing.T) {
	s, err := Parse([]byte("layers:\n  - name: all\n    patterns: [\"*\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, analytics.DriftThresholds{}, s.Thresholds)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty document":  "",
		"no layers":       "version: \"1\"\n",
		"unnamed layer":   "layers:\n  - patterns: [\"x/*\"]\n",
		"duplicate layer": "layers:\n  - name: a\n    patterns: [\"a\"]\n  - name: a\n    patterns: [\"b\"]\n",
		"no patterns":     "layers:\n  - name: a\n",
		"empty pattern":   "layers:\n  - name: a\n    patterns: [\"\"]\n",
		"bad glob":        "layers:\n  - name: a\n    patterns: [\"[\"]\n",
		"unknown allowed": "layers:\n  - name: a\n    patterns: [\"a\"]\n    allowed_dependencies: [ghost]\n",
		"unknown forbid":  "layers:\n  - name: a\n    patterns: [\"a\"]\n    forbidden_dependencies: [ghost]\n",
		"bad threshold":   "layers:\n  - name: a\n    patterns: [\"a\"]\nthresholds:\n  high: -1\n",
		"not yaml":        "{{{{",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.ErrorIs(t, err, ErrInvalidSchema, name)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "golden.yaml")
	require.NoError(t, os.WriteFile(p, []byte(goldenYAML), 0o644))

	s, err := ParseFile(p)
	require.NoError(t, err)
	assert.Len(t, s.Layers, 3)

	_, err = ParseFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestEncode_RoundTrips(t *testing.T) {
	s, err := Parse([]byte(goldenYAML))
	require.NoError(t, err)

	b, err := Encode(s)
	require.NoError(t, err)

	back, err := Parse(b)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(&analytics.LayerSchema{})
	assert.ErrorIs(t, err, ErrInvalidSchema)
}
