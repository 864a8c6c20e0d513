// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratalab/strata/services/engine/schema"
	"github.com/stratalab/strata/services/engine/store"
)

// maxSchemaBytes caps uploaded golden-schema documents.
const maxSchemaBytes = 256 << 10

// HandleCreateProject handles POST /v1/projects.
//
// Description:
//
//	Registers a repository for analysis. The repository slug must be
//	unique; the webhook secret is stored for signature checks and
//	never echoed back.
//
// Response:
//
//	201 Created: the project
//	400 Bad Request: missing name or repository
//	409 Conflict: repository already registered
func (h *Handlers) HandleCreateProject(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleCreateProject")
	ctx := c.Request.Context()

	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	project := &store.Project{
		Name:          req.Name,
		RepoFullName:  req.RepoFullName,
		WebhookSecret: req.WebhookSecret,
		DefaultBranch: req.DefaultBranch,
	}
	if err := h.store.CreateProject(ctx, project); err != nil {
		respondError(c, logger, err)
		return
	}

	h.audit(ctx, c, "api", "project_created", "project", project.ID, map[string]any{
		"repo": project.RepoFullName,
	})
	logger.Info("Project registered", "project_id", project.ID, "repo", project.RepoFullName)
	c.JSON(http.StatusCreated, project)
}

// HandleListProjects handles GET /v1/projects.
func (h *Handlers) HandleListProjects(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleListProjects")

	projects, err := h.store.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ProjectsResponse{Projects: projects, Count: len(projects)})
}

// HandleGetProject handles GET /v1/projects/:id.
func (h *Handlers) HandleGetProject(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGetProject")

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := h.store.GetProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// HandlePutGoldenSchema handles PUT /v1/projects/:id/schema.
//
// Description:
//
//	Stores the project's golden-standard layer schema. The body is the
//	schema document itself, YAML or JSON, validated before storage
//	(layer names unique, globs well-formed, thresholds non-negative).
//	The parsed document is persisted canonically; subsequent reviews
//	and drift runs evaluate against it.
//
// Response:
//
//	200 OK: SchemaResponse
//	400 Bad Request: schema fails validation
//	404 Not Found: unknown project
func (h *Handlers) HandlePutGoldenSchema(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandlePutGoldenSchema")
	ctx := c.Request.Context()

	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSchemaBytes)
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Schema document body is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	parsed, err := schema.Parse(body)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	canonical, err := json.Marshal(parsed)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if err := h.store.SetGoldenSchema(ctx, id, string(canonical)); err != nil {
		respondError(c, logger, err)
		return
	}

	h.audit(ctx, c, "api", "schema_updated", "project", id, map[string]any{
		"layers": len(parsed.Layers),
	})
	logger.Info("Golden schema stored", "project_id", id, "layers", len(parsed.Layers))
	c.JSON(http.StatusOK, SchemaResponse{
		Message: "Golden schema stored",
		Layers:  len(parsed.Layers),
	})
}

// HandleGetGoldenSchema handles GET /v1/projects/:id/schema.
//
// Description:
//
//	Returns the stored golden schema rendered as canonical YAML, the
//	same shape accepted by the PUT endpoint and by .strata.yml files.
//
// Response:
//
//	200 OK: application/yaml schema document
//	404 Not Found: project unknown or has no schema
func (h *Handlers) HandleGetGoldenSchema(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleGetGoldenSchema")

	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := h.store.GetProject(c.Request.Context(), id)
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

	parsed, err := schema.Parse([]byte(project.GoldenSchema))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	rendered, err := schema.Encode(parsed)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml; charset=utf-8", rendered)
}
