// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"fmt"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TypeScriptProjectorOption configures a TypeScriptProjector instance.
type TypeScriptProjectorOption func(*TypeScriptProjector)

// WithTypeScriptMaxFileSize sets the maximum file size the projector
// accepts.
func WithTypeScriptMaxFileSize(bytes int64) TypeScriptProjectorOption {
	return func(p *TypeScriptProjector) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// TypeScriptProjector projects TypeScript and TSX source files into the
// uniform graph schema.
//
// Description:
//
//	TypeScriptProjector extracts classes, interfaces, functions, methods,
//	ES module imports, CommonJS requires, same-file calls and class
//	heritage. Files ending in .tsx are parsed with the TSX grammar so JSX
//	syntax does not surface as parse errors.
//
// Thread Safety:
//
//	Safe for concurrent use. Each Project call creates its own parser.
type TypeScriptProjector struct {
	maxFileSize int64
}

// NewTypeScriptProjector creates a TypeScriptProjector with the given
// options.
func NewTypeScriptProjector(opts ...TypeScriptProjectorOption) *TypeScriptProjector {
	p := &TypeScriptProjector{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "typescript".
func (p *TypeScriptProjector) Language() string { return "typescript" }

// Extensions returns the extensions handled by this projector.
func (p *TypeScriptProjector) Extensions() []string {
	return []string{".ts", ".tsx", ".mts", ".cts"}
}

// Project parses TypeScript source and emits its graph projection.
//
// Inputs:
//   - ctx: Context for cancellation. Checked before and after parsing.
//   - projectID: Scope prefix for all emitted identifiers.
//   - filePath: Path relative to the repository root, forward slashes.
//   - content: Raw source bytes. Must be valid UTF-8.
//
// Outputs:
//   - *ParsedFile: The projection, never nil on success. Syntax errors
//     are reported in ParsedFile.Errors with the partial result intact.
//   - error: ErrInputTooLarge, ErrUnsupportedInput, ErrParseFailed or a
//     context error.
//
// Thread Safety: safe for concurrent use.
func (p *TypeScriptProjector) Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled before start: %w", err)
	}

	hash, err := checkInput(content, filePath, p.maxFileSize)
	if err != nil {
		return nil, err
	}

	ctx, span := startProjectSpan(ctx, "typescript", filePath, len(content))
	defer span.End()
	start := time.Now()

	parser := sitter.NewParser()
	if strings.HasSuffix(filePath, ".tsx") {
		parser.SetLanguage(tsx.GetLanguage())
	} else {
		parser.SetLanguage(typescript.GetLanguage())
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordProjection(ctx, "typescript", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		recordProjection(ctx, "typescript", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: parser returned nil root node", ErrParseFailed)
	}

	pf, err := projectScript(root, content, "typescript", projectID, filePath)
	if err != nil {
		recordProjection(ctx, "typescript", time.Since(start), 0, false)
		return nil, err
	}
	pf.Hash = hash

	setProjectSpanResult(span, len(pf.Classes), len(pf.Functions), len(pf.Imports), len(pf.Errors))
	elements := len(pf.Classes) + len(pf.Functions) + len(pf.Imports) + len(pf.Calls) + len(pf.Inherits)
	recordProjection(ctx, "typescript", time.Since(start), elements, true)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after extraction: %w", err)
	}
	return pf, nil
}

// projectScript runs the shared TypeScript/JavaScript extraction over a
// parsed tree and validates the result.
func projectScript(root *sitter.Node, content []byte, language, projectID, filePath string) (*ParsedFile, error) {
	fileID := FileID(projectID, filePath)

	pf := &ParsedFile{
		ProjectID: projectID,
		Path:      filePath,
		Language:  language,
		Module:    scriptModule(filePath),
		Classes:   make([]Class, 0),
		Functions: make([]Function, 0),
		Imports:   make([]Import, 0),
		Calls:     make([]Call, 0),
		Inherits:  make([]Inheritance, 0),
		Errors:    collectSyntaxErrors(root),
	}

	w := newScriptWalker(content, fileID, filePath, pf)
	w.walkProgram(root)
	w.resolveInherits()
	w.resolveCalls()

	totalLines := countLines(content)
	comments := countCommentLines(root, "comment")
	pf.Metrics = FileMetrics{
		TotalLines:   totalLines,
		CommentLines: comments,
		CommentRatio: commentRatio(comments, totalLines),
	}
	pf.File = FileNode{
		ID:           fileID,
		Path:         filePath,
		Language:     language,
		LinesOfCode:  totalLines,
		CommentLines: comments,
		CommentRatio: pf.Metrics.CommentRatio,
	}

	if err := pf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	return pf, nil
}

var _ Projector = (*TypeScriptProjector)(nil)
