// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/ast"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
)

// cyclePF is a minimal parsed file whose module imports exactly one
// other module.
func cyclePF(projectID, module, imports string) *ast.ParsedFile {
	path := module + ".py"
	fileID := ast.FileID(projectID, path)
	return &ast.ParsedFile{
		ProjectID: projectID,
		Path:      path,
		Language:  "python",
		Hash:      "h-" + module,
		Module:    module,
		File:      ast.FileNode{ID: fileID, Path: path, Language: "python", LinesOfCode: 3},
		Imports: []ast.Import{
			{ID: ast.ImportID(fileID, imports), Name: imports, Module: imports, ImportType: "module", Line: 1},
		},
	}
}

func newBundleBuilder(t *testing.T) (*ContextBuilder, *graph.Store) {
	t.Helper()
	g, err := graph.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	mr := miniredis.RunT(t)
	fc := fabric.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = fc.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewContextBuilder(g, fabric.NewMemoizer(fc, time.Hour), logger), g
}

func TestContextBuilderBuildAndMemoize(t *testing.T) {
	b, g := newBundleBuilder(t)
	ctx := context.Background()

	require.NoError(t, g.UpsertParsedFile(ctx, cyclePF("p1", "alpha", "beta")))
	require.NoError(t, g.UpsertParsedFile(ctx, cyclePF("p1", "beta", "alpha")))

	bundle, err := b.Build(ctx, "p1", "sha-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", bundle.ProjectID)
	assert.GreaterOrEqual(t, bundle.CycleCount, 1)
	assert.NotEmpty(t, bundle.ExampleCycles)

	// The graph disappears; the memoized bundle for the same commit
	// must still come back.
	require.NoError(t, g.DeleteProjectGraph(ctx, "p1"))
	cached, err := b.Build(ctx, "p1", "sha-1", nil)
	require.NoError(t, err)
	assert.Equal(t, bundle.CycleCount, cached.CycleCount)

	// A different commit sees the current (now empty) graph.
	fresh, err := b.Build(ctx, "p1", "sha-2", nil)
	require.NoError(t, err)
	assert.Zero(t, fresh.CycleCount)

	// Invalidation forces recomputation.
	b.Invalidate(ctx, "sha-1")
	after, err := b.Build(ctx, "p1", "sha-1", nil)
	require.NoError(t, err)
	assert.Zero(t, after.CycleCount)
}

func TestContextBuilderNilMemo(t *testing.T) {
	g, err := graph.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	b := NewContextBuilder(g, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	bundle, err := b.Build(context.Background(), "p1", "sha-1", nil)
	require.NoError(t, err)
	assert.Zero(t, bundle.CycleCount)
}

func TestContextBuilderCountsViolations(t *testing.T) {
	b, g := newBundleBuilder(t)
	ctx := context.Background()

	// api imports db, which the schema forbids.
	require.NoError(t, g.UpsertParsedFile(ctx, cyclePF("p2", "api", "db")))
	require.NoError(t, g.UpsertParsedFile(ctx, cyclePF("p2", "db", "json")))

	layerSchema := &analytics.LayerSchema{
		Layers: []analytics.Layer{
			{Name: "api", Patterns: []string{"api"}, ForbiddenDependencies: []string{"db"}},
			{Name: "db", Patterns: []string{"db"}},
		},
	}
	bundle, err := b.Build(ctx, "p2", "", layerSchema)
	require.NoError(t, err)
	assert.Positive(t, bundle.ViolationCounts.Total())
}

func TestBundleTextEmpty(t *testing.T) {
	text := (&Bundle{ProjectID: "p1"}).Text()
	assert.Contains(t, text, "dependency cycles: none")
	assert.Contains(t, text, "layer violations: none")
	assert.NotContains(t, text, "functions:")
}

func TestBundleTextRich(t *testing.T) {
	b := &Bundle{
		ProjectID:       "p1",
		CycleCount:      3,
		CyclesTruncated: true,
		ExampleCycles:   [][]string{{"alpha", "beta"}},
		ViolationCounts: analytics.ViolationCounts{Critical: 1, Low: 2},
		UnstableModules: []analytics.ModuleCoupling{
			{Module: "api", Efferent: 5, Afferent: 1, Instability: 0.83},
		},
		FunctionCount: 42,
		AvgComplexity: 3.5,
		MaxComplexity: 11,
	}
	text := b.Text()
	assert.Contains(t, text, "dependency cycles: 3 (truncated)")
	assert.Contains(t, text, "alpha -> beta -> alpha")
	assert.Contains(t, text, "layer violations: 3 (critical 1, high 0, medium 0, low 2)")
	assert.Contains(t, text, "api (I=0.83, Ce=5, Ca=1)")
	assert.Contains(t, text, "functions: 42, avg complexity 3.5, max 11")
}
