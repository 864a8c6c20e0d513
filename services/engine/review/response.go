// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrBadResponse reports oracle output that could not be coerced into
// the review contract. Callers substitute a neutral review rather than
// failing the task.
var ErrBadResponse = errors.New("oracle response violates review contract")

// responseSchema is the structural contract the oracle must satisfy.
// Enum values are deliberately not enforced here: unknown types and
// severities are coerced by Sanitize instead of rejecting the whole
// response.
const responseSchema = `{
  "type": "object",
  "required": ["issues", "summary", "risk_score"],
  "properties": {
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "type": {"type": "string"},
          "severity": {"type": "string"},
          "confidence": {"type": "number"},
          "file": {"type": "string"},
          "line": {"type": "integer"},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "suggestion": {"type": "string"},
          "example": {"type": "string"}
        }
      }
    },
    "summary": {"type": "string"},
    "risk_score": {"type": "number"}
  }
}`

var responseSchemaCompiled = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(responseSchema))
	if err != nil {
		panic(fmt.Sprintf("review: response schema does not compile: %v", err))
	}
	return s
}()

// ParseResponse decodes oracle output into a sanitized Review.
//
// # Description
//
// JSON mode keeps most models honest, but replies still arrive wrapped
// in markdown fences or prose often enough that recovery is cheaper
// than retrying. The raw text is reduced to its JSON payload, schema
// validated, decoded, and run through Sanitize.
//
// # Outputs
//
//   - *Review: Sanitized review on success.
//   - error: ErrBadResponse (wrapped with detail) when no conforming
//     JSON object could be recovered.
func ParseResponse(raw string) (*Review, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrBadResponse)
	}

	result, err := responseSchemaCompiled.Validate(gojsonschema.NewStringLoader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, strings.Join(msgs, "; "))
	}

	var review Review
	if err := json.Unmarshal([]byte(payload), &review); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	Sanitize(&review)
	return &review, nil
}

// extractJSON reduces oracle output to its JSON payload: a fenced
// block when present, otherwise the outermost brace span.
func extractJSON(response string) string {
	startMarkers := []string{"```json\n", "```json\r\n", "```\n", "```\r\n"}
	for _, marker := range startMarkers {
		start := strings.Index(response, marker)
		if start == -1 {
			continue
		}
		rest := response[start+len(marker):]
		end := strings.Index(rest, "```")
		if end == -1 {
			continue
		}
		return strings.TrimSpace(rest[:end])
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end > start {
		return response[start : end+1]
	}
	return ""
}

// Sanitize coerces a decoded review into contract bounds: risk score
// and confidences clamped to [0,100], unknown severities to medium,
// unknown issue types to quality. Issue mutation happens in place.
func Sanitize(r *Review) {
	r.RiskScore = clamp(r.RiskScore, 0, 100)
	for i := range r.Issues {
		is := &r.Issues[i]
		is.Type = strings.ToLower(is.Type)
		if !knownIssueType(is.Type) {
			is.Type = IssueQuality
		}
		is.Severity = strings.ToLower(is.Severity)
		if !knownSeverity(is.Severity) {
			is.Severity = SeverityMedium
		}
		is.Confidence = clamp(is.Confidence, 0, 100)
		if is.Line < 0 {
			is.Line = 0
		}
	}
}

// NeutralReview is the fallback when the oracle fails or returns
// garbage: one medium advisory issue and a risk score of 50, so the
// pipeline completes without blocking or blessing the PR.
func NeutralReview(reason string) *Review {
	return &Review{
		Issues: []Issue{{
			Type:        IssueQuality,
			Severity:    SeverityMedium,
			Confidence:  0,
			Title:       "Automated review unavailable",
			Description: reason,
			Suggestion:  "Review this change manually; the automated pass did not complete.",
		}},
		Summary:   "Automated review could not be completed; a neutral result was recorded.",
		RiskScore: 50,
		Neutral:   true,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
