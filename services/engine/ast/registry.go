// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
)

// Projector defines the contract for language-specific graph projection.
//
// Description:
//
//	Projector implementations parse a single source file and project it
//	into the uniform graph schema: File, Class, Function, Import and
//	Module nodes with CONTAINS, DEPENDS_ON, CALLS and INHERITS_FROM
//	edges, plus per-function complexity and file-level metrics. Each
//	implementation handles one language but produces identical output
//	shapes, so downstream components never branch on language.
//
//	Projection is single-file and syntactic: imports are resolved by
//	language rules against the file's own path, calls are resolved only
//	to targets declared in the same file, and nothing is read from disk
//	or the graph store.
//
// Inputs:
//
//	ctx       - Context for cancellation. Checked before and after the
//	            tree-sitter parse; the parse itself is not interruptible.
//	projectID - Scope for all emitted identifiers. Every node ID is
//	            prefixed with this so multi-project stores never collide.
//	filePath  - Path relative to the repository root, forward slashes.
//	content   - Raw file bytes. Must be valid UTF-8 and non-binary.
//
// Outputs:
//
//	*ParsedFile - The projection. Never nil on success. Recoverable
//	              syntax problems are reported in ParsedFile.Errors with
//	              the partial result intact.
//	error       - ErrInputTooLarge, ErrUnsupportedInput, ErrParseFailed,
//	              or a context error. Non-nil means no usable output.
//
// Determinism:
//
//	Projecting byte-identical content twice yields deep-equal results in
//	identical slice order. The walk is a stable pre-order traversal and
//	output slices follow source order.
//
// Thread Safety:
//
//	Implementations are stateless after construction and safe for
//	concurrent use; a fresh tree-sitter parser is created per call.
type Projector interface {
	// Project parses the file and emits its graph projection.
	Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error)

	// Language returns the canonical lowercase language name, e.g. "python".
	Language() string

	// Extensions returns the file extensions this projector handles,
	// lowercase with the leading dot, e.g. [".py", ".pyi"].
	Extensions() []string
}

// Registry manages projector instances by language and file extension.
//
// Thread Safety: fully thread-safe. Registration takes the write lock,
// lookups take the read lock.
type Registry struct {
	mu sync.RWMutex

	byLanguage  map[string]Projector
	byExtension map[string]Projector
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byLanguage:  make(map[string]Projector),
		byExtension: make(map[string]Projector),
	}
}

// DefaultRegistry returns a Registry with all built-in projectors
// registered: Python, Go, TypeScript and JavaScript.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewPythonProjector())
	r.Register(NewGoProjector())
	r.Register(NewTypeScriptProjector())
	r.Register(NewJavaScriptProjector())
	return r
}

// Register adds a projector under its Language() name and all of its
// Extensions(). Later registrations overwrite earlier ones.
func (r *Registry) Register(p Projector) {
	if p == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byLanguage[p.Language()] = p
	for _, ext := range p.Extensions() {
		r.byExtension[ext] = p
	}
}

// ByLanguage returns the projector for the given language name.
func (r *Registry) ByLanguage(language string) (Projector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byLanguage[strings.ToLower(language)]
	return p, ok
}

// ByExtension returns the projector for the given file extension. The
// extension includes the dot and is matched case-insensitively.
func (r *Registry) ByExtension(ext string) (Projector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byExtension[strings.ToLower(ext)]
	return p, ok
}

// ForFile returns the projector for a path based on its extension.
func (r *Registry) ForFile(path string) (Projector, bool) {
	return r.ByExtension(filepath.Ext(path))
}

// Languages returns all registered language names.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	languages := make([]string, 0, len(r.byLanguage))
	for lang := range r.byLanguage {
		languages = append(languages, lang)
	}
	return languages
}
