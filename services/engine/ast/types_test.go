// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"strings"
	"testing"
)

func TestIDBuilders(t *testing.T) {
	fileID := FileID("proj", "src/a.py")
	if fileID != "proj::src/a.py" {
		t.Errorf("unexpected file id %q", fileID)
	}

	classID := ClassID(fileID, "Widget")
	if classID != "proj::src/a.py::Widget" {
		t.Errorf("unexpected class id %q", classID)
	}

	if got := FunctionID(fileID, "run"); got != "proj::src/a.py::run" {
		t.Errorf("unexpected function id %q", got)
	}
	if got := MethodID(classID, "render"); got != "proj::src/a.py::Widget::render" {
		t.Errorf("unexpected method id %q", got)
	}
	if got := ImportID(fileID, "os"); got != "proj::src/a.py::os" {
		t.Errorf("unexpected import id %q", got)
	}
}

func TestIDAllocator(t *testing.T) {
	ids := newIDAllocator()

	first := ids.allocate("f::x", 3)
	if first != "f::x" {
		t.Errorf("first holder keeps the plain id, got %q", first)
	}

	second := ids.allocate("f::x", 9)
	if second != "f::x::9" {
		t.Errorf("duplicate gets the start line suffix, got %q", second)
	}

	other := ids.allocate("f::y", 5)
	if other != "f::y" {
		t.Errorf("distinct id must stay plain, got %q", other)
	}
}

func TestParsedFile_Validate(t *testing.T) {
	valid := func() *ParsedFile {
		return &ParsedFile{
			ProjectID: "p",
			Path:      "a.py",
			Language:  "python",
			File:      FileNode{ID: FileID("p", "a.py"), Path: "a.py"},
			Functions: []Function{
				{ID: "p::a.py::f", Name: "f", Complexity: 1},
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid projection, got %v", err)
	}

	zero := valid()
	zero.Functions[0].Complexity = 0
	if err := zero.Validate(); err == nil || !strings.Contains(err.Error(), "complexity") {
		t.Errorf("expected complexity violation, got %v", err)
	}

	orphan := valid()
	orphan.Functions[0].IsMethod = true
	if err := orphan.Validate(); err == nil || !strings.Contains(err.Error(), "class id") {
		t.Errorf("expected missing class id violation, got %v", err)
	}

	mismatch := valid()
	mismatch.File.ID = "wrong"
	if err := mismatch.Validate(); err == nil {
		t.Error("expected file id mismatch violation")
	}
}

func TestParsedFile_RewriteModules(t *testing.T) {
	pf := &ParsedFile{
		Imports: []Import{
			{Name: "github.com/org/repo/internal/db", Module: "github.com/org/repo/internal/db"},
			{Name: "fmt", Module: "fmt"},
		},
	}

	n := pf.RewriteModules(func(module string) string {
		return strings.TrimPrefix(module, "github.com/org/repo/")
	})

	if n != 1 {
		t.Errorf("expected 1 rewrite, got %d", n)
	}
	if pf.Imports[0].Module != "internal/db" {
		t.Errorf("unexpected module %q", pf.Imports[0].Module)
	}
	if pf.Imports[1].Module != "fmt" {
		t.Errorf("fmt must pass through, got %q", pf.Imports[1].Module)
	}

	if pf.RewriteModules(nil) != 0 {
		t.Error("nil resolver rewrites nothing")
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\nb", 2},
		{"a\nb\n", 2},
		{"\n", 1},
	}
	for _, tt := range tests {
		if got := countLines([]byte(tt.content)); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestCommentRatio(t *testing.T) {
	if got := commentRatio(2, 4); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
	if got := commentRatio(0, 0); got != 0 {
		t.Errorf("empty file ratio must be 0, got %v", got)
	}
}
