// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compliance turns raw security-scan output into compliance
// scores, risk levels, and per-project quality grades.
//
// # Description
//
// Scanners (secret detectors, SCA, SAST) post their findings as JSON.
// This package validates that payload, aggregates findings by
// severity, and derives three views of the same data: a numeric
// compliance score on [0,100], a coarse risk level for dashboards, and
// an A+..F letter grade rolled up from the project's latest scan.
// Scan results themselves are immutable history; only the derived
// grade is cached.
package compliance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Severity buckets recognized in scanner output. Aliases such as
// "moderate" and "info" are folded in by normalizeSeverity.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Risk levels reported alongside the compliance score.
const (
	RiskCritical = "CRITICAL"
	RiskHigh     = "HIGH"
	RiskMedium   = "MEDIUM"
	RiskLow      = "LOW"
)

// Per-finding score deductions. A single critical outweighs a pile of
// lows so a clean-looking average cannot mask one catastrophic hit.
const (
	penaltyCritical = 15.0
	penaltyHigh     = 5.0
	penaltyMedium   = 2.0
	penaltyLow      = 0.5
)

// ErrMalformedAudit reports scanner output that failed schema
// validation or JSON decoding.
var ErrMalformedAudit = errors.New("malformed audit payload")

// auditSchema is the contract scanner output must satisfy: a findings
// array whose entries each carry a severity string. Everything else a
// scanner includes is preserved verbatim in the stored payload.
const auditSchema = `{
  "type": "object",
  "required": ["findings"],
  "properties": {
    "scanner": {"type": "string"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity"],
        "properties": {
          "id": {"type": "string"},
          "rule_id": {"type": "string"},
          "severity": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "file": {"type": "string"},
          "line": {"type": "integer"}
        }
      }
    }
  }
}`

var auditSchemaCompiled = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(auditSchema))
	if err != nil {
		panic(fmt.Sprintf("compliance: audit schema does not compile: %v", err))
	}
	return s
}()

// Finding is one scanner finding. Only Severity is required; the rest
// is carried through for audit display.
type Finding struct {
	ID          string `json:"id,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
	Severity    string `json:"severity"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
}

// Audit is a validated scanner payload.
type Audit struct {
	Scanner  string    `json:"scanner,omitempty"`
	Findings []Finding `json:"findings"`
}

// Breakdown counts findings per severity bucket.
type Breakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the vulnerability count across all buckets.
func (b Breakdown) Total() int {
	return b.Critical + b.High + b.Medium + b.Low
}

// ParseAudit validates raw scanner JSON against the audit contract and
// decodes it.
//
// # Outputs
//
//   - *Audit: Decoded payload on success.
//   - error: ErrMalformedAudit (wrapped with detail) when the payload
//     is not valid JSON or violates the contract.
func ParseAudit(raw []byte) (*Audit, error) {
	result, err := auditSchemaCompiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudit, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedAudit, strings.Join(msgs, "; "))
	}

	var audit Audit
	if err := json.Unmarshal(raw, &audit); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudit, err)
	}
	return &audit, nil
}

// BreakdownOf buckets the audit's findings by normalized severity.
func (a *Audit) BreakdownOf() Breakdown {
	var b Breakdown
	for _, f := range a.Findings {
		switch normalizeSeverity(f.Severity) {
		case SeverityCritical:
			b.Critical++
		case SeverityHigh:
			b.High++
		case SeverityMedium:
			b.Medium++
		default:
			b.Low++
		}
	}
	return b
}

// normalizeSeverity folds scanner-specific severity spellings into the
// four canonical buckets. Unknown values land in low: an unrecognized
// label still counts as a finding, it just cannot raise the risk
// level on its own.
func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Score computes the compliance score for a severity breakdown:
// start at 100 and deduct per finding, clamped to [0,100].
func Score(b Breakdown) float64 {
	score := 100.0 -
		penaltyCritical*float64(b.Critical) -
		penaltyHigh*float64(b.High) -
		penaltyMedium*float64(b.Medium) -
		penaltyLow*float64(b.Low)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RiskFor maps a breakdown and its score onto a coarse risk level.
// Any critical finding is CRITICAL outright; the remaining levels key
// off high/medium volume and the score floor.
func RiskFor(b Breakdown, score float64) string {
	switch {
	case b.Critical >= 1:
		return RiskCritical
	case b.High >= 3 || score < 60:
		return RiskHigh
	case b.High >= 1 || b.Medium >= 5 || score < 80:
		return RiskMedium
	default:
		return RiskLow
	}
}

// GradeFor maps a breakdown and score onto the A+..F letter scale.
// Each tier requires both a score floor and caps on the worst
// severities, so a project cannot buy an A with many lows while
// carrying a critical.
func GradeFor(b Breakdown, score float64) string {
	switch {
	case b.Critical == 0 && b.High <= 2 && score >= 95:
		return "A+"
	case b.Critical == 0 && b.High <= 5 && score >= 90:
		return "A"
	case b.Critical <= 1 && b.High <= 10 && score >= 80:
		return "B"
	case b.Critical <= 3 && b.High <= 20 && score >= 70:
		return "C"
	case b.Critical <= 5 && b.High <= 30 && score >= 60:
		return "D"
	default:
		return "F"
	}
}
