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
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// JavaScriptProjectorOption configures a JavaScriptProjector instance.
type JavaScriptProjectorOption func(*JavaScriptProjector)

// WithJavaScriptMaxFileSize sets the maximum file size the projector
// accepts.
func WithJavaScriptMaxFileSize(bytes int64) JavaScriptProjectorOption {
	return func(p *JavaScriptProjector) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// JavaScriptProjector projects JavaScript source files into the uniform
// graph schema. Extraction is shared with the TypeScript projector; the
// grammars emit the same node types for every projected construct.
type JavaScriptProjector struct {
	maxFileSize int64
}

// NewJavaScriptProjector creates a JavaScriptProjector with the given
// options.
func NewJavaScriptProjector(opts ...JavaScriptProjectorOption) *JavaScriptProjector {
	p := &JavaScriptProjector{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "javascript".
func (p *JavaScriptProjector) Language() string { return "javascript" }

// Extensions returns the extensions handled by this projector.
func (p *JavaScriptProjector) Extensions() []string {
	return []string{".js", ".jsx", ".mjs", ".cjs"}
}

// Project parses JavaScript source and emits its graph projection. See
// TypeScriptProjector.Project for input and output semantics.
func (p *JavaScriptProjector) Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled before start: %w", err)
	}

	hash, err := checkInput(content, filePath, p.maxFileSize)
	if err != nil {
		return nil, err
	}

	ctx, span := startProjectSpan(ctx, "javascript", filePath, len(content))
	defer span.End()
	start := time.Now()

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordProjection(ctx, "javascript", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		recordProjection(ctx, "javascript", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: parser returned nil root node", ErrParseFailed)
	}

	pf, err := projectScript(root, content, "javascript", projectID, filePath)
	if err != nil {
		recordProjection(ctx, "javascript", time.Since(start), 0, false)
		return nil, err
	}
	pf.Hash = hash

	setProjectSpanResult(span, len(pf.Classes), len(pf.Functions), len(pf.Imports), len(pf.Errors))
	elements := len(pf.Classes) + len(pf.Functions) + len(pf.Imports) + len(pf.Calls) + len(pf.Inherits)
	recordProjection(ctx, "javascript", time.Since(start), elements, true)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after extraction: %w", err)
	}
	return pf, nil
}

var _ Projector = (*JavaScriptProjector)(nil)
