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

	"github.com/stratalab/strata/services/engine/compliance"
)

// Scan history listing bounds.
const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HandleProcessAudit handles POST /v1/security-compliance/process-audit.
//
// Description:
//
//	Stores one security-scan result as an immutable audit and returns
//	the derived compliance report: score, vulnerability counts, and
//	risk level.
//
// Response:
//
//	200 OK: compliance.Report
//	400 Bad Request: audit JSON violates the scan contract
//	404 Not Found: unknown project
func (h *Handlers) HandleProcessAudit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleProcessAudit")

	var req compliance.ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	report, err := h.compliance.ProcessAudit(c.Request.Context(), &req)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	logger.Info("Scan audit processed",
		"project_id", report.ProjectID,
		"vulnerabilities", report.VulnerabilityCount,
		"risk_level", report.RiskLevel)
	c.JSON(http.StatusOK, report)
}

// HandleQualityGrade handles GET /v1/security-audit/quality-grade/:project_id.
//
// Description:
//
//	Rolls the project's most recent scan up into a letter grade, A+
//	through F. Grades are cached briefly; a new scan invalidates the
//	cache.
//
// Response:
//
//	200 OK: compliance.GradeReport
//	404 Not Found: unknown project or no scans recorded
func (h *Handlers) HandleQualityGrade(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleQualityGrade")

	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}
	grade, err := h.compliance.QualityGrade(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, grade)
}

// HandleScanHistory handles GET /v1/security-audit/history/:project_id.
//
// Query Parameters:
//
//	limit: maximum rows (default 20, cap 100)
//
// Response:
//
//	200 OK: ScanHistoryResponse, newest first
//	404 Not Found: unknown project
func (h *Handlers) HandleScanHistory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleScanHistory")
	ctx := c.Request.Context()

	projectID, ok := pathID(c, "project_id")
	if !ok {
		return
	}
	if _, err := h.store.GetProject(ctx, projectID); err != nil {
		respondError(c, logger, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "Invalid limit query parameter",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	audits, err := h.compliance.History(ctx, projectID, limit)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ScanHistoryResponse{Audits: audits, Count: len(audits)})
}
