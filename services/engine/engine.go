// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine exposes the Strata analysis engine over HTTP: webhook
// intake, project and schema registration, snapshot analysis, review
// retrieval, graph queries, and security-scan compliance. Handlers are
// thin adapters over the store, graph, fabric, and compliance packages;
// all long-running work is enqueued on the task fabric and executed by
// the review orchestrator's worker pool.
package engine

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stratalab/strata/services/engine/compliance"
	"github.com/stratalab/strata/services/engine/fabric"
	"github.com/stratalab/strata/services/engine/graph"
	"github.com/stratalab/strata/services/engine/host"
	"github.com/stratalab/strata/services/engine/review"
	"github.com/stratalab/strata/services/engine/schema"
	"github.com/stratalab/strata/services/engine/store"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// Handlers carries the dependencies shared by all HTTP handlers.
//
// Thread Safety: safe for concurrent use; every field is either
// immutable after construction or independently synchronized.
type Handlers struct {
	store      *store.Store
	graph      *graph.Store
	fabric     *fabric.Client
	queue      *fabric.Queue
	tracker    *fabric.Tracker
	deduper    *fabric.Deduper
	compliance *compliance.Service
	bundles    *review.ContextBuilder
	source     *host.Client
	webhookKey *memguard.Enclave
	logger     *slog.Logger
}

// HandlersConfig wires a Handlers instance.
//
// Store, Graph, and Fabric are required. Compliance is built from
// Store and Fabric when absent. Bundles enables context-cache
// invalidation when a pull request gains a new head commit. Source
// lets the re-analysis endpoint refresh head metadata from the source
// host. WebhookKey is the fallback HMAC secret for projects registered
// without their own.
type HandlersConfig struct {
	Store      *store.Store
	Graph      *graph.Store
	Fabric     *fabric.Client
	Compliance *compliance.Service
	Bundles    *review.ContextBuilder
	Source     *host.Client
	WebhookKey *memguard.Enclave
	Logger     *slog.Logger
}

// NewHandlers validates the configuration and returns the HTTP
// handler set.
//
// Inputs:
//
//	cfg - Dependency wiring; see HandlersConfig.
//
// Outputs:
//
//	*Handlers - Ready to register via RegisterRoutes.
//	error - When a required dependency is missing.
func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: relational store is required")
	}
	if cfg.Graph == nil {
		return nil, errors.New("engine: graph store is required")
	}
	if cfg.Fabric == nil {
		return nil, errors.New("engine: fabric client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	comp := cfg.Compliance
	if comp == nil {
		comp = compliance.NewService(cfg.Store, cfg.Fabric, logger)
	}
	return &Handlers{
		store:      cfg.Store,
		graph:      cfg.Graph,
		fabric:     cfg.Fabric,
		queue:      fabric.NewQueue(cfg.Fabric),
		tracker:    fabric.NewTracker(cfg.Fabric),
		deduper:    fabric.NewDeduper(cfg.Fabric),
		compliance: comp,
		bundles:    cfg.Bundles,
		source:     cfg.Source,
		webhookKey: cfg.WebhookKey,
		logger:     logger,
	}, nil
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// pathID parses a positive integer path parameter. A false return
// means a 400 response has already been written.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid " + name + " path parameter",
			Code:  "INVALID_REQUEST",
		})
		return 0, false
	}
	return id, true
}

// classifyError maps domain sentinels onto HTTP status and error codes.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, host.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, fabric.ErrTaskNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, schema.ErrInvalidSchema):
		return http.StatusBadRequest, "INVALID_SCHEMA"
	case errors.Is(err, compliance.ErrMalformedAudit):
		return http.StatusBadRequest, "MALFORMED_AUDIT"
	case errors.Is(err, fabric.ErrUnavailable):
		return http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, graph.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	case errors.Is(err, host.ErrUnauthorized):
		return http.StatusBadGateway, "UPSTREAM_UNAUTHORIZED"
	case errors.Is(err, host.ErrRateLimited), errors.Is(err, host.ErrUnavailable):
		return http.StatusBadGateway, "UPSTREAM_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// respondError writes the mapped error response and logs it at a level
// matching its class.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", "error", err, "status", status)
	} else {
		logger.Warn("Request rejected", "error", err, "status", status)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// HandleHealth handles GET /health.
//
// Description:
//
//	Liveness probe. Returns 200 whenever the process is serving.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /ready.
//
// Description:
//
//	Readiness probe. Pings the relational store and the fabric's Redis
//	backend; the embedded graph store is ready once opened, so it is
//	not probed separately.
//
// Response:
//
//	200 OK: ReadyResponse with all components "ok"
//	503 Service Unavailable: ReadyResponse naming the failing component
func (h *Handlers) HandleReady(c *gin.Context) {
	ctx := c.Request.Context()
	components := map[string]string{"store": "ok", "fabric": "ok"}
	ready := true
	if err := h.store.Ping(ctx); err != nil {
		components["store"] = err.Error()
		ready = false
	}
	if err := h.fabric.Ping(ctx); err != nil {
		components["fabric"] = err.Error()
		ready = false
	}
	if !ready {
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false, Components: components})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true, Components: components})
}
