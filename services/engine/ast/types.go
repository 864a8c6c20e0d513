// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"fmt"
	"strconv"
)

// NodeLabel identifies the kind of a graph node emitted by projection.
type NodeLabel string

// Node labels for the property graph schema.
const (
	LabelProject  NodeLabel = "Project"
	LabelFile     NodeLabel = "File"
	LabelModule   NodeLabel = "Module"
	LabelClass    NodeLabel = "Class"
	LabelFunction NodeLabel = "Function"
	LabelImport   NodeLabel = "Import"
)

// EdgeLabel identifies the kind of a graph edge emitted by projection.
type EdgeLabel string

// Edge labels for the property graph schema.
const (
	// EdgeContains links a container to its members: Project to File,
	// File to Class/Function/Import, Class to its methods. The "level"
	// property discriminates the container kind.
	EdgeContains EdgeLabel = "CONTAINS"

	// EdgeDependsOn links a File to a Module it imports, weight 1.
	EdgeDependsOn EdgeLabel = "DEPENDS_ON"

	// EdgeCalls links a caller Function to a callee Function. The
	// "frequency" property counts observations across upserts.
	EdgeCalls EdgeLabel = "CALLS"

	// EdgeInheritsFrom links a Class to a base Class resolved within
	// the same file.
	EdgeInheritsFrom EdgeLabel = "INHERITS_FROM"
)

// Node is one labeled property-graph node in uniform form, ready for
// the graph store.
type Node struct {
	Label      NodeLabel      `json:"label"`
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is one labeled directed edge in uniform form.
type Edge struct {
	Label      EdgeLabel      `json:"label"`
	SourceID   string         `json:"source_id"`
	TargetID   string         `json:"target_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// FileNode carries the file-level attributes of a projected file.
type FileNode struct {
	ID           string  `json:"id"`
	Path         string  `json:"path"`
	Language     string  `json:"language"`
	LinesOfCode  int     `json:"lines_of_code"`
	CommentLines int     `json:"comment_lines"`
	CommentRatio float64 `json:"comment_ratio"`
}

// Class is a projected class declaration.
type Class struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Bases      []string `json:"bases,omitempty"`
	Decorators []string `json:"decorators,omitempty"`
	Doc        string   `json:"doc,omitempty"`
}

// Function is a projected function or method declaration.
//
// Methods carry IsMethod=true and the owning class in ClassID. A
// function nested inside another function is still emitted here; it
// carries its lexical parent's ClassID when the parent is a method.
type Function struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	StartLine  int      `json:"start_line"`
	EndLine    int      `json:"end_line"`
	Complexity int      `json:"complexity"`
	IsAsync    bool     `json:"is_async"`
	IsMethod   bool     `json:"is_method"`
	ClassID    string   `json:"class_id,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	Decorators []string `json:"decorators,omitempty"`
	Doc        string   `json:"doc,omitempty"`
}

// Import is a projected import statement.
//
// Module holds the resolved target module identifier: relative imports
// are resolved against the importing file's package, absolute imports
// keep the declared name.
type Import struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Module     string `json:"module"`
	Alias      string `json:"alias,omitempty"`
	ImportType string `json:"import_type"`
	Line       int    `json:"line"`
}

// Call is a call site resolved syntactically within the same file.
type Call struct {
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	Line     int    `json:"line"`
}

// Inheritance links a class to a base class declared in the same file.
type Inheritance struct {
	ClassID string `json:"class_id"`
	BaseID  string `json:"base_id"`
}

// FileMetrics are the per-file measurements taken during projection.
type FileMetrics struct {
	TotalLines   int     `json:"total_lines"`
	CommentLines int     `json:"comment_lines"`
	CommentRatio float64 `json:"comment_ratio"`
}

// SyntaxError is a recoverable parse problem reported as data. A file
// with syntax errors still yields the partial result extracted before
// and around the error.
type SyntaxError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// ParsedFile is the uniform projection of one source file: typed views
// of everything extracted plus the wire-ready graph elements.
//
// The emission is deterministic: projecting identical bytes yields a
// deep-equal ParsedFile, in identical slice order.
type ParsedFile struct {
	ProjectID string        `json:"project_id"`
	Path      string        `json:"path"`
	Language  string        `json:"language"`
	Hash      string        `json:"hash"`
	Module    string        `json:"module"`
	File      FileNode      `json:"file"`
	Classes   []Class       `json:"classes"`
	Functions []Function    `json:"functions"`
	Imports   []Import      `json:"imports"`
	Calls     []Call        `json:"calls"`
	Inherits  []Inheritance `json:"inherits"`
	Metrics   FileMetrics   `json:"metrics"`
	Errors    []SyntaxError `json:"errors"`
}

// FileID builds the stable identifier for a File node.
func FileID(projectID, path string) string {
	return projectID + "::" + path
}

// ClassID builds the stable identifier for a Class node.
func ClassID(fileID, name string) string {
	return fileID + "::" + name
}

// FunctionID builds the stable identifier for a top-level Function node.
// Methods use MethodID instead.
func FunctionID(fileID, name string) string {
	return fileID + "::" + name
}

// MethodID builds the stable identifier for a method under its class.
func MethodID(classID, name string) string {
	return classID + "::" + name
}

// ImportID builds the stable identifier for an Import node.
func ImportID(fileID, name string) string {
	return fileID + "::" + name
}

// idAllocator hands out identifiers and disambiguates duplicates within
// one file by appending the declaration's start line. The first holder
// of a name keeps the plain identifier so unchanged files reproject to
// identical IDs.
type idAllocator struct {
	seen map[string]bool
}

func newIDAllocator() *idAllocator {
	return &idAllocator{seen: make(map[string]bool)}
}

func (a *idAllocator) allocate(id string, startLine int) string {
	if !a.seen[id] {
		a.seen[id] = true
		return id
	}
	distinct := id + "::" + strconv.Itoa(startLine)
	a.seen[distinct] = true
	return distinct
}

// Elements flattens the parsed file into uniform graph nodes and edges
// in stable order: the File node first, then Modules, Classes,
// Functions and Imports in source order, then CONTAINS, DEPENDS_ON,
// CALLS and INHERITS_FROM edges. The Project node and the Project to
// File CONTAINS edge are the graph store's responsibility.
func (pf *ParsedFile) Elements() ([]Node, []Edge) {
	nodes := make([]Node, 0, 1+len(pf.Classes)+len(pf.Functions)+len(pf.Imports))
	edges := make([]Edge, 0, len(pf.Classes)+len(pf.Functions)+len(pf.Imports)+len(pf.Calls))

	nodes = append(nodes, Node{
		Label: LabelFile,
		ID:    pf.File.ID,
		Properties: map[string]any{
			"path":         pf.File.Path,
			"language":     pf.File.Language,
			"module":       pf.Module,
			"linesOfCode":  pf.File.LinesOfCode,
			"commentRatio": pf.File.CommentRatio,
			"commentLines": pf.File.CommentLines,
			"projectId":    pf.ProjectID,
			"hash":         pf.Hash,
		},
	})

	// Module nodes deduplicated per resolved target, first mention wins.
	seenModules := make(map[string]bool)
	seenDeps := make(map[string]bool)
	for _, imp := range pf.Imports {
		if imp.Module == "" {
			continue
		}
		if !seenModules[imp.Module] {
			seenModules[imp.Module] = true
			nodes = append(nodes, Node{
				Label:      LabelModule,
				ID:         imp.Module,
				Properties: map[string]any{"name": imp.Module},
			})
		}
		depKey := pf.File.ID + "\x00" + imp.Module
		if !seenDeps[depKey] {
			seenDeps[depKey] = true
			edges = append(edges, Edge{
				Label:      EdgeDependsOn,
				SourceID:   pf.File.ID,
				TargetID:   imp.Module,
				Properties: map[string]any{"weight": 1},
			})
		}
	}

	for _, c := range pf.Classes {
		props := map[string]any{
			"name":      c.Name,
			"startLine": c.StartLine,
		}
		if len(c.Bases) > 0 {
			props["bases"] = c.Bases
		}
		if len(c.Decorators) > 0 {
			props["decorators"] = c.Decorators
		}
		nodes = append(nodes, Node{Label: LabelClass, ID: c.ID, Properties: props})
		edges = append(edges, Edge{
			Label:      EdgeContains,
			SourceID:   pf.File.ID,
			TargetID:   c.ID,
			Properties: map[string]any{"level": "file"},
		})
	}

	for _, fn := range pf.Functions {
		props := map[string]any{
			"name":       fn.Name,
			"startLine":  fn.StartLine,
			"complexity": fn.Complexity,
			"isAsync":    fn.IsAsync,
			"isMethod":   fn.IsMethod,
		}
		if len(fn.Parameters) > 0 {
			props["parameters"] = fn.Parameters
		}
		if len(fn.Decorators) > 0 {
			props["decorators"] = fn.Decorators
		}
		nodes = append(nodes, Node{Label: LabelFunction, ID: fn.ID, Properties: props})

		containerID := pf.File.ID
		level := "file"
		if fn.IsMethod && fn.ClassID != "" {
			containerID = fn.ClassID
			level = "class"
		}
		edges = append(edges, Edge{
			Label:      EdgeContains,
			SourceID:   containerID,
			TargetID:   fn.ID,
			Properties: map[string]any{"level": level},
		})
	}

	for _, imp := range pf.Imports {
		props := map[string]any{
			"module":     imp.Module,
			"importType": imp.ImportType,
		}
		if imp.Alias != "" {
			props["alias"] = imp.Alias
		}
		nodes = append(nodes, Node{Label: LabelImport, ID: imp.ID, Properties: props})
		edges = append(edges, Edge{
			Label:      EdgeContains,
			SourceID:   pf.File.ID,
			TargetID:   imp.ID,
			Properties: map[string]any{"level": "file"},
		})
	}

	for _, call := range pf.Calls {
		edges = append(edges, Edge{
			Label:      EdgeCalls,
			SourceID:   call.CallerID,
			TargetID:   call.CalleeID,
			Properties: map[string]any{"frequency": 1},
		})
	}

	for _, inh := range pf.Inherits {
		edges = append(edges, Edge{
			Label:    EdgeInheritsFrom,
			SourceID: inh.ClassID,
			TargetID: inh.BaseID,
		})
	}

	return nodes, edges
}

// Validate checks the structural invariants of the projection before it
// is handed to the graph store.
func (pf *ParsedFile) Validate() error {
	if pf.ProjectID == "" {
		return fmt.Errorf("parsed file missing project id")
	}
	if pf.Path == "" {
		return fmt.Errorf("parsed file missing path")
	}
	if pf.File.ID != FileID(pf.ProjectID, pf.Path) {
		return fmt.Errorf("file id %q does not match project %q path %q", pf.File.ID, pf.ProjectID, pf.Path)
	}
	for _, fn := range pf.Functions {
		if fn.Complexity < 1 {
			return fmt.Errorf("function %q has complexity %d, minimum is 1", fn.ID, fn.Complexity)
		}
		if fn.IsMethod && fn.ClassID == "" {
			return fmt.Errorf("method %q missing class id", fn.ID)
		}
	}
	return nil
}

// RewriteModules applies a module-identifier rewrite to every import
// and returns the count of rewritten targets. The review pipeline uses
// this to shorten absolute Go import paths to in-module form once the
// project's module path is known; other languages pass through.
func (pf *ParsedFile) RewriteModules(resolve func(string) string) int {
	if resolve == nil {
		return 0
	}
	rewritten := 0
	for i := range pf.Imports {
		next := resolve(pf.Imports[i].Module)
		if next != "" && next != pf.Imports[i].Module {
			pf.Imports[i].Module = next
			rewritten++
		}
	}
	return rewritten
}
