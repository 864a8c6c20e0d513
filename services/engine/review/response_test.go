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
)

func TestParseResponsePlainJSON(t *testing.T) {
	rev, err := ParseResponse(`{"issues":[{"type":"bug","severity":"high","confidence":75,"file":"a.py","line":3,"title":"Off by one"}],"summary":"One bug.","risk_score":40}`)
	require.NoError(t, err)
	assert.Len(t, rev.Issues, 1)
	assert.Equal(t, "Off by one", rev.Issues[0].Title)
	assert.Equal(t, 40.0, rev.RiskScore)
	assert.False(t, rev.Neutral)
}

func TestParseResponseFencedAndProseWrapped(t *testing.T) {
	fenced := "Here is my review:\n```json\n{\"issues\":[],\"summary\":\"Clean.\",\"risk_score\":5}\n```\nHope that helps."
	rev, err := ParseResponse(fenced)
	require.NoError(t, err)
	assert.Empty(t, rev.Issues)
	assert.Equal(t, 5.0, rev.RiskScore)

	prose := `Sure! {"issues":[],"summary":"Fine.","risk_score":10} Done.`
	rev, err = ParseResponse(prose)
	require.NoError(t, err)
	assert.Equal(t, 10.0, rev.RiskScore)
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	_, err := ParseResponse("I cannot review this change.")
	assert.ErrorIs(t, err, ErrBadResponse)

	// Structurally JSON but missing required keys.
	_, err = ParseResponse(`{"issues":[]}`)
	assert.ErrorIs(t, err, ErrBadResponse)

	// An issue without a title.
	_, err = ParseResponse(`{"issues":[{"severity":"high"}],"summary":"x","risk_score":1}`)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestParseResponseSanitizes(t *testing.T) {
	rev, err := ParseResponse(`{"issues":[{"type":"EXISTENTIAL","severity":"apocalyptic","confidence":900,"line":-4,"title":"x"}],"summary":"s","risk_score":250}`)
	require.NoError(t, err)
	is := rev.Issues[0]
	assert.Equal(t, IssueQuality, is.Type)
	assert.Equal(t, SeverityMedium, is.Severity)
	assert.Equal(t, 100.0, is.Confidence)
	assert.Zero(t, is.Line)
	assert.Equal(t, 100.0, rev.RiskScore)
}

func TestNeutralReview(t *testing.T) {
	rev := NeutralReview("the oracle is on fire")
	assert.True(t, rev.Neutral)
	assert.Equal(t, 50.0, rev.RiskScore)
	require.Len(t, rev.Issues, 1)
	assert.Equal(t, SeverityMedium, rev.Issues[0].Severity)
	assert.Contains(t, rev.Issues[0].Description, "on fire")
	assert.Zero(t, rev.AverageConfidence())
}

func TestReviewAccessors(t *testing.T) {
	empty := &Review{}
	assert.Zero(t, empty.CriticalCount())
	assert.Equal(t, 1.0, empty.AverageConfidence(), "no findings means full confidence in a clean change")

	rev := &Review{Issues: []Issue{
		{Severity: SeverityCritical, Confidence: 90},
		{Severity: SeverityLow, Confidence: 30},
		{Severity: SeverityCritical, Confidence: 60},
	}}
	assert.Equal(t, 2, rev.CriticalCount())
	assert.InDelta(t, 0.6, rev.AverageConfidence(), 1e-9)
}
