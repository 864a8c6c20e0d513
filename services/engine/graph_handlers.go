// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/schema"
)

// longestPathsLimit caps the dependency chains returned alongside
// coupling metrics.
const longestPathsLimit = 5

// HandleGraphExport handles GET /v1/projects/:id/graph.
//
// Description:
//
//	Exports the project's full dependency graph: every node with its
//	properties, every edge, and aggregate metadata suitable for
//	visualization.
//
// Response:
//
//	200 OK: graph.DependencyGraph
//	404 Not Found: unknown project
func (h *Handlers) HandleGraphExport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGraphExport")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, id); err != nil {
		respondError(c, logger, err)
		return
	}
	export, err := h.graph.GetDependencyGraph(ctx, graph.ProjectGraphID(id))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, export)
}

// HandleGraphMetrics handles GET /v1/projects/:id/graph/metrics.
//
// Response:
//
//	200 OK: GraphMetricsResponse with node counts by label and
//	aggregate function complexity
//	404 Not Found: unknown project
func (h *Handlers) HandleGraphMetrics(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGraphMetrics")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, id); err != nil {
		respondError(c, logger, err)
		return
	}

	gid := graph.ProjectGraphID(id)
	counts, err := h.graph.CountNodesByLabel(ctx, gid)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	stats, err := h.graph.ComputeFunctionStats(ctx, gid)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	nodes := make(map[string]int, len(counts))
	for label, n := range counts {
		nodes[string(label)] = n
	}
	c.JSON(http.StatusOK, GraphMetricsResponse{
		ProjectID: id,
		Nodes:     nodes,
		Functions: stats,
	})
}

// HandleGraphCycles handles GET /v1/projects/:id/graph/cycles.
//
// Query Parameters:
//
//	max_length: longest cycle to report (default 10)
//	limit: result cap (default 100)
//
// Response:
//
//	200 OK: analytics.CycleReport
//	404 Not Found: unknown project
func (h *Handlers) HandleGraphCycles(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGraphCycles")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, id); err != nil {
		respondError(c, logger, err)
		return
	}
	maxLen, ok := queryInt(c, "max_length")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}

	report, err := h.graph.FindCircularDependencies(ctx, graph.ProjectGraphID(id), 0, maxLen, limit)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleGraphCoupling handles GET /v1/projects/:id/graph/coupling.
//
// Description:
//
//	Computes afferent/efferent coupling and instability per module,
//	plus the longest dependency chains in the graph.
//
// Response:
//
//	200 OK: CouplingResponse
//	404 Not Found: unknown project
func (h *Handlers) HandleGraphCoupling(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGraphCoupling")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, id); err != nil {
		respondError(c, logger, err)
		return
	}

	gid := graph.ProjectGraphID(id)
	coupling, err := h.graph.ComputeCoupling(ctx, gid)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	snap, err := h.graph.Snapshot(ctx, gid)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, CouplingResponse{
		Coupling:     coupling,
		LongestPaths: analytics.LongestPaths(snap, longestPathsLimit),
	})
}

// HandleDrift handles GET /v1/projects/:id/drift.
//
// Description:
//
//	Evaluates the project graph against its stored golden schema and
//	scores the drift, including the CI verdict derived from the
//	schema's thresholds.
//
// Response:
//
//	200 OK: DriftResponse
//	404 Not Found: unknown project or no golden schema stored
func (h *Handlers) HandleDrift(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleDrift")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := h.store.GetProject(ctx, id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if project.GoldenSchema == "" {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Project has no golden schema",
			Code:  "SCHEMA_NOT_SET",
		})
		return
	}
	layerSchema, err := schema.Parse([]byte(project.GoldenSchema))
	if err != nil {
		respondError(c, logger, err)
		return
	}

	violations, err := h.graph.FindLayerViolations(ctx, graph.ProjectGraphID(id), layerSchema)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	report := analytics.DriftScore(violations, layerSchema.Thresholds)
	c.JSON(http.StatusOK, DriftResponse{Report: report, Violations: violations})
}

// queryInt parses an optional non-negative integer query parameter,
// with zero meaning "use the default". A false return means a 400
// response has been written.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid " + name + " query parameter",
			Code:  "INVALID_REQUEST",
		})
		return 0, false
	}
	return n, true
}
