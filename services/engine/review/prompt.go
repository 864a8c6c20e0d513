// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultMaxDiffLines caps the diff embedded in a review prompt.
const DefaultMaxDiffLines = 800

// reviewSystemPrompt fixes the oracle's role and output contract. The
// JSON shape here must stay in sync with responseSchema.
const reviewSystemPrompt = `You are a senior code reviewer. You review pull requests with the repository's dependency graph as context: cycles, layer violations, and coupling hotspots are facts, not guesses.

Respond with a single JSON object and nothing else:
{
  "issues": [
    {
      "type": "bug|security|performance|quality|style",
      "severity": "critical|high|medium|low",
      "confidence": 0-100,
      "file": "path from the diff",
      "line": 1,
      "title": "one line",
      "description": "what is wrong and why it matters",
      "suggestion": "how to fix it",
      "example": "optional corrected snippet"
    }
  ],
  "summary": "2-4 sentences on the overall change",
  "risk_score": 0-100
}

Ground every issue in the diff or the architecture context. Do not invent files or lines. An empty issues array is a valid answer for a clean change.`

// userPromptTemplate renders the per-PR request body.
const userPromptTemplate = `Repository: {{.RepoFullName}}
Pull request: {{.Title}}
Files changed: {{.FileCount}}{{if .PrimaryLanguage}} (primary language: {{.PrimaryLanguage}}){{end}}
{{- if .Description}}

PR description:
{{.Description}}
{{- end}}

{{.GraphContext}}
{{- if .BaselineRules}}
Baseline rules for this repository:
{{- range .BaselineRules}}
- {{.}}
{{- end}}
{{- end}}

Unified diff:
{{.Diff}}`

var userPromptCompiled = template.Must(template.New("review").Parse(userPromptTemplate))

// PromptInput collects everything the review prompt embeds. Diff is
// used as given; callers truncate first.
type PromptInput struct {
	RepoFullName    string
	Title           string
	Description     string
	FileCount       int
	PrimaryLanguage string
	GraphContext    string
	BaselineRules   []string
	Diff            string
}

// BuildPrompt renders the (system, user) prompt pair for one review.
func BuildPrompt(in *PromptInput) (system, user string, err error) {
	var sb strings.Builder
	if err := userPromptCompiled.Execute(&sb, in); err != nil {
		return "", "", fmt.Errorf("render review prompt: %w", err)
	}
	return reviewSystemPrompt, sb.String(), nil
}

// TruncateDiff applies the diff truncation policy: file headers and
// added/removed lines are always retained, interleaved context lines
// are kept only while the total stays under maxLines. When anything
// is dropped a single marker line is appended.
//
// # Outputs
//
//   - string: The possibly truncated diff.
//   - bool: Whether truncation occurred.
func TruncateDiff(diff string, maxLines int) (string, bool) {
	if maxLines <= 0 {
		maxLines = DefaultMaxDiffLines
	}
	lines := strings.Split(diff, "\n")
	if len(lines) <= maxLines {
		return diff, false
	}

	mandatory := 0
	for _, ln := range lines {
		if isHeaderLine(ln) || isChangeLine(ln) {
			mandatory++
		}
	}

	budget := maxLines - mandatory
	kept := make([]string, 0, maxLines)
	omitted := 0
	for _, ln := range lines {
		if isHeaderLine(ln) || isChangeLine(ln) {
			kept = append(kept, ln)
			continue
		}
		if budget > 0 {
			kept = append(kept, ln)
			budget--
			continue
		}
		omitted++
	}
	if omitted == 0 {
		return diff, false
	}
	kept = append(kept, fmt.Sprintf("[diff truncated: %d context lines omitted]", omitted))
	return strings.Join(kept, "\n"), true
}

// diffHeaderPrefixes mark the structural lines of a unified diff that
// truncation must never drop.
var diffHeaderPrefixes = []string{
	"diff --git",
	"index ",
	"--- ",
	"+++ ",
	"@@",
	"new file mode",
	"deleted file mode",
	"old mode",
	"new mode",
	"rename from",
	"rename to",
	"similarity index",
	"Binary files",
}

func isHeaderLine(line string) bool {
	for _, p := range diffHeaderPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func isChangeLine(line string) bool {
	if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
		return false
	}
	return strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-")
}
