// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package review drives one pull-request analysis from queued task to
// terminal state: fetch the change from the source host, project it
// into the dependency graph, assemble graph-derived context, obtain a
// structured review from the LLM oracle, persist it, and report a
// commit status back.
package review

import "strings"

// Issue categories the review contract recognizes. Unknown categories
// from the oracle are coerced to quality.
const (
	IssueBug         = "bug"
	IssueSecurity    = "security"
	IssuePerformance = "performance"
	IssueQuality     = "quality"
	IssueStyle       = "style"
)

// Issue severities. Unknown severities are coerced to medium.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue is one finding in a review.
type Issue struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Confidence  float64 `json:"confidence"`
	File        string  `json:"file,omitempty"`
	Line        int     `json:"line,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Suggestion  string  `json:"suggestion,omitempty"`
	Example     string  `json:"example,omitempty"`
}

// Review is the structured outcome of one LLM review pass. RiskScore
// is on [0,100]; the store persists it normalized to [0,1]. Neutral
// marks the fallback verdict recorded when the oracle never produced a
// usable one.
type Review struct {
	Issues    []Issue `json:"issues"`
	Summary   string  `json:"summary"`
	RiskScore float64 `json:"risk_score"`
	Neutral   bool    `json:"neutral,omitempty"`
}

// CriticalCount returns the number of critical-severity issues.
func (r *Review) CriticalCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			n++
		}
	}
	return n
}

// AverageConfidence returns the mean issue confidence on [0,1] as
// stored in review_results. A review with no issues reports 1.0: the
// oracle was confident there was nothing to flag.
func (r *Review) AverageConfidence() float64 {
	if len(r.Issues) == 0 {
		return 1.0
	}
	var sum float64
	for _, is := range r.Issues {
		sum += is.Confidence
	}
	return sum / float64(len(r.Issues)) / 100.0
}

func knownIssueType(t string) bool {
	switch strings.ToLower(t) {
	case IssueBug, IssueSecurity, IssuePerformance, IssueQuality, IssueStyle:
		return true
	}
	return false
}

func knownSeverity(s string) bool {
	switch strings.ToLower(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}
