// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all engine routes with the router.
//
// Description:
//
//	Registers every /v1 endpoint with the given Gin router group. The
//	group should already carry any cross-cutting middleware; rate
//	limiting for mutating endpoints is applied here.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//	limit - Rate-limit middleware for mutating endpoints; nil disables
//
// Intake Endpoints:
//
//	POST /v1/webhooks/:provider - Source-host pull-request events
//
// Project Endpoints:
//
//	POST /v1/projects - Register a project
//	GET  /v1/projects - List projects
//	GET  /v1/projects/:id - Get one project
//	PUT  /v1/projects/:id/schema - Store the golden layer schema
//	GET  /v1/projects/:id/schema - Fetch the golden layer schema
//	POST /v1/projects/:id/analyze - Enqueue a snapshot analysis
//	GET  /v1/projects/:id/pulls - List pull requests
//	GET  /v1/projects/:id/drift - Score drift against the schema
//
// Graph Endpoints:
//
//	GET  /v1/projects/:id/graph - Export the dependency graph
//	GET  /v1/projects/:id/graph/metrics - Node counts and complexity
//	GET  /v1/projects/:id/graph/cycles - Circular dependencies
//	GET  /v1/projects/:id/graph/coupling - Coupling and longest paths
//
// Analysis Endpoints:
//
//	GET  /v1/analyses/:task_id/status - Poll a queued task
//	GET  /v1/pr/:pr_id/review - Fetch a review verdict
//	POST /v1/pr/:pr_id/reanalyze - Re-run a review
//
// Compliance Endpoints:
//
//	POST /v1/security-compliance/process-audit - Store a scan result
//	GET  /v1/security-audit/quality-grade/:project_id - Letter grade
//	GET  /v1/security-audit/history/:project_id - Scan history
//
// Health endpoints (GET /health, GET /ready) and the Prometheus
// scrape endpoint are registered at the router root by the caller.
//
// Example:
//
//	handlers, _ := engine.NewHandlers(engine.HandlersConfig{...})
//	v1 := router.Group("/v1")
//	engine.RegisterRoutes(v1, handlers, engine.RateLimit(limiter, logger))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, limit gin.HandlerFunc) {
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}

	webhooks := rg.Group("/webhooks")
	{
		webhooks.POST("/:provider", handlers.HandleWebhook)
	}

	projects := rg.Group("/projects")
	{
		projects.POST("", limit, handlers.HandleCreateProject)
		projects.GET("", handlers.HandleListProjects)
		projects.GET("/:id", handlers.HandleGetProject)

		projects.PUT("/:id/schema", limit, handlers.HandlePutGoldenSchema)
		projects.GET("/:id/schema", handlers.HandleGetGoldenSchema)

		projects.POST("/:id/analyze", limit, handlers.HandleAnalyzeProject)
		projects.GET("/:id/pulls", handlers.HandleListPulls)
		projects.GET("/:id/drift", handlers.HandleDrift)

		projects.GET("/:id/graph", handlers.HandleGraphExport)
		projects.GET("/:id/graph/metrics", handlers.HandleGraphMetrics)
		projects.GET("/:id/graph/cycles", handlers.HandleGraphCycles)
		projects.GET("/:id/graph/coupling", handlers.HandleGraphCoupling)
	}

	analyses := rg.Group("/analyses")
	{
		analyses.GET("/:task_id/status", handlers.HandleTaskStatus)
	}

	pulls := rg.Group("/pr")
	{
		pulls.GET("/:pr_id/review", handlers.HandleGetReview)
		pulls.POST("/:pr_id/reanalyze", limit, handlers.HandleReanalyzePull)
	}

	rg.POST("/security-compliance/process-audit", limit, handlers.HandleProcessAudit)

	audits := rg.Group("/security-audit")
	{
		audits.GET("/quality-grade/:project_id", handlers.HandleQualityGrade)
		audits.GET("/history/:project_id", handlers.HandleScanHistory)
	}
}
