// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/ast"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// servicePF builds a parsed file with one class, one method, one
// function, two imports and one call.
func servicePF(projectID string) *ast.ParsedFile {
	path := "app/main.py"
	fileID := ast.FileID(projectID, path)
	classID := ast.ClassID(fileID, "Svc")
	runID := ast.MethodID(classID, "run")
	helperID := ast.FunctionID(fileID, "helper")

	return &ast.ParsedFile{
		ProjectID: projectID,
		Path:      path,
		Language:  "python",
		Hash:      "h1",
		Module:    "app.main",
		File: ast.FileNode{
			ID: fileID, Path: path, Language: "python", LinesOfCode: 20,
		},
		Classes: []ast.Class{
			{ID: classID, Name: "Svc", StartLine: 4, EndLine: 10},
		},
		Functions: []ast.Function{
			{ID: runID, Name: "run", StartLine: 5, EndLine: 8, Complexity: 2, IsMethod: true, ClassID: classID},
			{ID: helperID, Name: "helper", StartLine: 12, EndLine: 20, Complexity: 4},
		},
		Imports: []ast.Import{
			{ID: ast.ImportID(fileID, "os"), Name: "os", Module: "os", ImportType: "module", Line: 1},
			{ID: ast.ImportID(fileID, "json"), Name: "json", Module: "json", ImportType: "module", Line: 2},
		},
		Calls: []ast.Call{
			{CallerID: helperID, CalleeID: runID, Line: 14},
		},
	}
}

func findEdge(t *testing.T, g *DependencyGraph, label ast.EdgeLabel, src, dst string) ast.Edge {
	t.Helper()
	for _, e := range g.Edges {
		if e.Label == label && e.SourceID == src && e.TargetID == dst {
			return e
		}
	}
	t.Fatalf("edge %s %s -> %s not found", label, src, dst)
	return ast.Edge{}
}

func edgeCount(g *DependencyGraph, label ast.EdgeLabel) int {
	n := 0
	for _, e := range g.Edges {
		if e.Label == label {
			n++
		}
	}
	return n
}

// TestUpsertParsedFile verifies a first upsert creates the full node
// and edge set, including the store-owned project scope.
func TestUpsertParsedFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pf := servicePF("p1")

	require.NoError(t, store.UpsertParsedFile(ctx, pf))

	counts, err := store.CountNodesByLabel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[ast.NodeLabel]int{
		ast.LabelProject:  1,
		ast.LabelFile:     1,
		ast.LabelModule:   2,
		ast.LabelClass:    1,
		ast.LabelFunction: 2,
		ast.LabelImport:   2,
	}, counts)

	g, err := store.GetDependencyGraph(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 9, g.Metadata.NodeCount)
	assert.Equal(t, 9, g.Metadata.EdgeCount)
	assert.Equal(t, 1, g.Metadata.Files)
	assert.Equal(t, 2, g.Metadata.Functions)
	assert.InDelta(t, 3.0, g.Metadata.AvgComplexity, 1e-9)
	assert.False(t, g.Metadata.GeneratedAt.IsZero())

	fileID := pf.File.ID
	findEdge(t, g, ast.EdgeContains, "p1", fileID)
	dep := findEdge(t, g, ast.EdgeDependsOn, fileID, "os")
	assert.Equal(t, float64(1), dep.Properties["weight"])

	call := findEdge(t, g, ast.EdgeCalls, pf.Functions[1].ID, pf.Functions[0].ID)
	assert.Equal(t, float64(1), call.Properties["frequency"])
}

// TestUpsertParsedFile_Reobservation verifies idempotent nodes, a
// preserved DEPENDS_ON weight, and an incremented CALLS frequency.
func TestUpsertParsedFile_Reobservation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	pf := servicePF("p1")

	require.NoError(t, store.UpsertParsedFile(ctx, pf))
	pf.Hash = "h2"
	require.NoError(t, store.UpsertParsedFile(ctx, pf))

	g, err := store.GetDependencyGraph(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 9, g.Metadata.NodeCount)
	assert.Equal(t, 9, g.Metadata.EdgeCount)

	call := findEdge(t, g, ast.EdgeCalls, pf.Functions[1].ID, pf.Functions[0].ID)
	assert.Equal(t, float64(2), call.Properties["frequency"])

	dep := findEdge(t, g, ast.EdgeDependsOn, pf.File.ID, "os")
	assert.Equal(t, float64(1), dep.Properties["weight"])

	for _, n := range g.Nodes {
		if n.Label == ast.LabelFile {
			assert.Equal(t, "h2", n.Properties["hash"])
		}
	}
}

// TestUpsertParsedFile_StaleChildren verifies reprojection deletes
// children, their edges and dangling DEPENDS_ON edges.
func TestUpsertParsedFile_StaleChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := "app/svc.py"
	fileID := ast.FileID("p1", path)
	keepID := ast.FunctionID(fileID, "keep")
	oldID := ast.FunctionID(fileID, "old")

	v1 := &ast.ParsedFile{
		ProjectID: "p1",
		Path:      path,
		Language:  "python",
		Hash:      "v1",
		Module:    "app.svc",
		File:      ast.FileNode{ID: fileID, Path: path, Language: "python", LinesOfCode: 9},
		Functions: []ast.Function{
			{ID: keepID, Name: "keep", StartLine: 1, EndLine: 4, Complexity: 1},
			{ID: oldID, Name: "old", StartLine: 6, EndLine: 9, Complexity: 1},
		},
		Imports: []ast.Import{
			{ID: ast.ImportID(fileID, "os"), Name: "os", Module: "os", ImportType: "module", Line: 1},
		},
		Calls: []ast.Call{{CallerID: keepID, CalleeID: oldID, Line: 3}},
	}
	require.NoError(t, store.UpsertParsedFile(ctx, v1))

	v2 := &ast.ParsedFile{
		ProjectID: "p1",
		Path:      path,
		Language:  "python",
		Hash:      "v2",
		Module:    "app.svc",
		File:      ast.FileNode{ID: fileID, Path: path, Language: "python", LinesOfCode: 5},
		Functions: []ast.Function{
			{ID: keepID, Name: "keep", StartLine: 1, EndLine: 4, Complexity: 1},
		},
		Imports: []ast.Import{
			{ID: ast.ImportID(fileID, "json"), Name: "json", Module: "json", ImportType: "module", Line: 1},
		},
	}
	require.NoError(t, store.UpsertParsedFile(ctx, v2))

	counts, err := store.CountNodesByLabel(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ast.LabelFunction])
	assert.Equal(t, 1, counts[ast.LabelImport])
	// Module nodes are shared across files and survive their importers.
	assert.Equal(t, 2, counts[ast.LabelModule])

	g, err := store.GetDependencyGraph(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, edgeCount(g, ast.EdgeCalls))
	assert.Equal(t, 1, edgeCount(g, ast.EdgeDependsOn))
	findEdge(t, g, ast.EdgeDependsOn, fileID, "json")
	assert.Equal(t, 3, edgeCount(g, ast.EdgeContains))
}

// TestUpsertParsedFile_RejectsInvalid verifies constraint
// classification for bad input.
func TestUpsertParsedFile_RejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertParsedFile(ctx, nil)
	require.ErrorIs(t, err, ErrConstraintViolation)

	pf := servicePF("p1")
	pf.File.ID = "wrong"
	err = store.UpsertParsedFile(ctx, pf)
	require.ErrorIs(t, err, ErrConstraintViolation)
}

// TestDeleteProjectGraph verifies deletion is scoped to one project.
func TestDeleteProjectGraph(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertParsedFile(ctx, servicePF("p1")))
	require.NoError(t, store.UpsertParsedFile(ctx, servicePF("p2")))

	require.NoError(t, store.DeleteProjectGraph(ctx, "p1"))

	counts, err := store.CountNodesByLabel(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, counts)

	counts, err = store.CountNodesByLabel(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ast.LabelFile])

	// Reprojection after a wipe starts from scratch.
	require.NoError(t, store.UpsertParsedFile(ctx, servicePF("p1")))
	g, err := store.GetDependencyGraph(ctx, "p1")
	require.NoError(t, err)
	call := findEdge(t, g, ast.EdgeCalls, servicePF("p1").Functions[1].ID, servicePF("p1").Functions[0].ID)
	assert.Equal(t, float64(1), call.Properties["frequency"])

	err = store.DeleteProjectGraph(ctx, "")
	require.ErrorIs(t, err, ErrConstraintViolation)
}

func crossImportFiles(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	for _, f := range []struct {
		path, module, imports string
	}{
		{"app/a.py", "app.a", "app.b"},
		{"app/b.py", "app.b", "app.a"},
	} {
		fileID := ast.FileID("p1", f.path)
		pf := &ast.ParsedFile{
			ProjectID: "p1",
			Path:      f.path,
			Language:  "python",
			Hash:      "h",
			Module:    f.module,
			File:      ast.FileNode{ID: fileID, Path: f.path, Language: "python", LinesOfCode: 3},
			Imports: []ast.Import{
				{ID: ast.ImportID(fileID, f.imports), Name: f.imports, Module: f.imports, ImportType: "module", Line: 1},
			},
		}
		require.NoError(t, store.UpsertParsedFile(ctx, pf))
	}
}

// TestSnapshot verifies the analytics view of the stored graph.
func TestSnapshot(t *testing.T) {
	store := newTestStore(t)
	crossImportFiles(t, store)

	snap, err := store.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, snap.Files, 2)
	assert.Equal(t, "app.a", snap.Files[0].Module)
	assert.Equal(t, "app/a.py", snap.Files[0].Path)
	assert.Equal(t, []string{"app.a", "app.b"}, snap.Modules)
	require.Len(t, snap.Deps, 2)
	assert.Equal(t, "app.b", snap.Deps[0].Target)
}

// TestAnalyticsDelegates verifies cycle, coupling and violation reads
// run over live store snapshots.
func TestAnalyticsDelegates(t *testing.T) {
	store := newTestStore(t)
	crossImportFiles(t, store)
	ctx := context.Background()

	cycles, err := store.FindCircularDependencies(ctx, "p1", 0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, cycles.Total)
	assert.Equal(t, []string{"app.a", "app.b"}, cycles.Cycles[0].Modules)
	assert.Equal(t, analytics.SeverityCritical, cycles.Cycles[0].Severity)

	coupling, err := store.ComputeCoupling(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, coupling.Modules, 2)
	assert.InDelta(t, 0.5, coupling.Modules[0].Instability, 1e-9)

	schema := &analytics.LayerSchema{Layers: []analytics.Layer{
		{Name: "app", Patterns: []string{"app/*", "app.*"}},
	}}
	violations, err := store.FindLayerViolations(ctx, "p1", schema)
	require.NoError(t, err)
	require.Len(t, violations.Violations, 1)
	assert.Equal(t, analytics.ViolationCyclic, violations.Violations[0].Type)
	assert.Equal(t, 1, violations.Counts.Critical)
}

// TestStore_CancelledContext verifies cancellation passes through
// unwrapped.
func TestStore_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.UpsertParsedFile(ctx, servicePF("p1"))
	require.ErrorIs(t, err, context.Canceled)

	_, err = store.GetDependencyGraph(ctx, "p1")
	require.ErrorIs(t, err, context.Canceled)
}
