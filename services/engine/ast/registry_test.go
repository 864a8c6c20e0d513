// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"testing"
)

type stubProjector struct {
	lang string
	exts []string
}

func (s *stubProjector) Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error) {
	return &ParsedFile{ProjectID: projectID, Path: filePath, Language: s.lang}, nil
}

func (s *stubProjector) Language() string     { return s.lang }
func (s *stubProjector) Extensions() []string { return s.exts }

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, lang := range []string{"python", "go", "typescript", "javascript"} {
		if _, ok := r.ByLanguage(lang); !ok {
			t.Errorf("expected projector for %q", lang)
		}
	}
	if len(r.Languages()) != 4 {
		t.Errorf("expected 4 languages, got %v", r.Languages())
	}
}

func TestRegistry_ForFile(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		path string
		lang string
	}{
		{"src/App.tsx", "typescript"},
		{"pkg/x.py", "python"},
		{"cmd/main.go", "go"},
		{"lib/a.mjs", "javascript"},
		{"types.d.ts", "typescript"},
	}
	for _, tt := range tests {
		p, ok := r.ForFile(tt.path)
		if !ok {
			t.Errorf("expected projector for %q", tt.path)
			continue
		}
		if p.Language() != tt.lang {
			t.Errorf("ForFile(%q) = %q, want %q", tt.path, p.Language(), tt.lang)
		}
	}

	if _, ok := r.ForFile("README.md"); ok {
		t.Error("expected no projector for markdown")
	}
	if _, ok := r.ForFile("Makefile"); ok {
		t.Error("expected no projector for extensionless files")
	}
}

func TestRegistry_CaseInsensitiveLookup(t *testing.T) {
	r := DefaultRegistry()

	if _, ok := r.ByExtension(".PY"); !ok {
		t.Error("extension lookup must be case-insensitive")
	}
	if _, ok := r.ByLanguage("Python"); !ok {
		t.Error("language lookup must be case-insensitive")
	}
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPythonProjector())

	stub := &stubProjector{lang: "python", exts: []string{".py"}}
	r.Register(stub)

	p, ok := r.ByLanguage("python")
	if !ok {
		t.Fatal("expected python projector")
	}
	if p != Projector(stub) {
		t.Error("later registration must overwrite the earlier one")
	}

	r.Register(nil)
	if _, ok := r.ByLanguage("python"); !ok {
		t.Error("nil registration must be a no-op")
	}
}
