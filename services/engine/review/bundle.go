// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
)

const (
	maxExampleCycles   = 5
	maxUnstableModules = 5
)

// Bundle is the graph-derived context attached to a review prompt:
// enough architecture signal for the oracle to judge a diff in
// context, small enough not to crowd out the diff itself.
type Bundle struct {
	ProjectID       string                     `json:"project_id"`
	CycleCount      int                        `json:"cycle_count"`
	CyclesTruncated bool                       `json:"cycles_truncated,omitempty"`
	ExampleCycles   [][]string                 `json:"example_cycles,omitempty"`
	ViolationCounts analytics.ViolationCounts  `json:"violation_counts"`
	UnstableModules []analytics.ModuleCoupling `json:"unstable_modules,omitempty"`
	FunctionCount   int                        `json:"function_count"`
	AvgComplexity   float64                    `json:"avg_complexity"`
	MaxComplexity   int                        `json:"max_complexity"`
}

// ContextBuilder assembles Bundles from the graph store.
//
// # Description
//
// Building a bundle walks the whole project graph, so results are
// memoized per commit SHA (the graph projects the commit being
// analyzed) and concurrent builds for the same commit are collapsed
// with singleflight. Memoization is best effort: a cache outage means
// recomputation, never failure.
//
// # Thread Safety
//
// Safe for concurrent use.
type ContextBuilder struct {
	graph  *graph.Store
	memo   *fabric.Memoizer
	group  singleflight.Group
	logger *slog.Logger
}

// NewContextBuilder wires a builder. memo may be nil, which disables
// caching.
func NewContextBuilder(g *graph.Store, memo *fabric.Memoizer, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{graph: g, memo: memo, logger: logger}
}

// Build returns the context bundle for one project at one commit.
//
// # Inputs
//
//   - ctx: Context for cancellation; governs the graph reads.
//   - projectID: Graph-plane project identifier.
//   - commitSHA: Memoization key; empty disables caching for the call.
//   - schema: Layer schema for violation counting; nil skips layer
//     analysis and reports zero violations.
//
// # Outputs
//
//   - *Bundle: The assembled context.
//   - error: Graph store errors; cache errors are logged and absorbed.
func (b *ContextBuilder) Build(ctx context.Context, projectID, commitSHA string, schema *analytics.LayerSchema) (*Bundle, error) {
	if cached := b.fromCache(ctx, commitSHA); cached != nil {
		return cached, nil
	}

	key := projectID + "@" + commitSHA
	v, err, _ := b.group.Do(key, func() (any, error) {
		bundle, err := b.compute(ctx, projectID, schema)
		if err != nil {
			return nil, err
		}
		b.toCache(ctx, commitSHA, bundle)
		return bundle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

// Invalidate drops the memoized bundle for a commit, used when the
// project graph is rebuilt underneath it.
func (b *ContextBuilder) Invalidate(ctx context.Context, commitSHA string) {
	if b.memo == nil || commitSHA == "" {
		return
	}
	if err := b.memo.Invalidate(ctx, commitSHA); err != nil {
		b.logger.Warn("bundle cache invalidation failed", "commit_sha", commitSHA, "error", err)
	}
}

func (b *ContextBuilder) compute(ctx context.Context, projectID string, schema *analytics.LayerSchema) (*Bundle, error) {
	bundle := &Bundle{ProjectID: projectID}

	cycles, err := b.graph.FindCircularDependencies(ctx, projectID, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("cycle detection: %w", err)
	}
	bundle.CycleCount = cycles.Total
	bundle.CyclesTruncated = cycles.Truncated
	for i, c := range cycles.Cycles {
		if i == maxExampleCycles {
			break
		}
		bundle.ExampleCycles = append(bundle.ExampleCycles, c.Modules)
	}

	if schema != nil {
		violations, err := b.graph.FindLayerViolations(ctx, projectID, schema)
		if err != nil {
			return nil, fmt.Errorf("layer violations: %w", err)
		}
		bundle.ViolationCounts = violations.Counts
	}

	coupling, err := b.graph.ComputeCoupling(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("coupling: %w", err)
	}
	for i, m := range coupling.Modules {
		if i == maxUnstableModules {
			break
		}
		if m.Instability == 0 {
			break
		}
		bundle.UnstableModules = append(bundle.UnstableModules, m)
	}

	stats, err := b.graph.ComputeFunctionStats(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("function stats: %w", err)
	}
	bundle.FunctionCount = stats.Count
	bundle.AvgComplexity = stats.AvgComplexity
	bundle.MaxComplexity = stats.MaxComplexity

	return bundle, nil
}

func (b *ContextBuilder) fromCache(ctx context.Context, commitSHA string) *Bundle {
	if b.memo == nil || commitSHA == "" {
		return nil
	}
	raw, ok, err := b.memo.Get(ctx, commitSHA)
	if err != nil {
		b.logger.Warn("bundle cache read failed", "commit_sha", commitSHA, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var bundle Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		b.logger.Warn("bundle cache entry corrupt", "commit_sha", commitSHA, "error", err)
		return nil
	}
	return &bundle
}

func (b *ContextBuilder) toCache(ctx context.Context, commitSHA string, bundle *Bundle) {
	if b.memo == nil || commitSHA == "" {
		return
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return
	}
	if err := b.memo.Set(ctx, commitSHA, raw); err != nil {
		b.logger.Warn("bundle cache write failed", "commit_sha", commitSHA, "error", err)
	}
}

// Text renders the bundle as the terse plain-text block embedded in
// the review prompt.
func (b *Bundle) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Architecture context (dependency graph of the current HEAD):\n")

	if b.CycleCount == 0 {
		sb.WriteString("- dependency cycles: none\n")
	} else {
		fmt.Fprintf(&sb, "- dependency cycles: %d", b.CycleCount)
		if b.CyclesTruncated {
			sb.WriteString(" (truncated)")
		}
		sb.WriteByte('\n')
		for _, cycle := range b.ExampleCycles {
			if len(cycle) == 0 {
				continue
			}
			closed := append(append([]string{}, cycle...), cycle[0])
			fmt.Fprintf(&sb, "  cycle: %s\n", strings.Join(closed, " -> "))
		}
	}

	if total := b.ViolationCounts.Total(); total > 0 {
		fmt.Fprintf(&sb, "- layer violations: %d (critical %d, high %d, medium %d, low %d)\n",
			total, b.ViolationCounts.Critical, b.ViolationCounts.High,
			b.ViolationCounts.Medium, b.ViolationCounts.Low)
	} else {
		sb.WriteString("- layer violations: none\n")
	}

	if len(b.UnstableModules) > 0 {
		parts := make([]string, 0, len(b.UnstableModules))
		for _, m := range b.UnstableModules {
			parts = append(parts, fmt.Sprintf("%s (I=%.2f, Ce=%d, Ca=%d)", m.Module, m.Instability, m.Efferent, m.Afferent))
		}
		fmt.Fprintf(&sb, "- most unstable modules: %s\n", strings.Join(parts, ", "))
	}

	if b.FunctionCount > 0 {
		fmt.Fprintf(&sb, "- functions: %d, avg complexity %.1f, max %d\n",
			b.FunctionCount, b.AvgComplexity, b.MaxComplexity)
	}

	return sb.String()
}
