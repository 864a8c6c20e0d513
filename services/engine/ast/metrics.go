// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph projection.
var (
	tracer = otel.Tracer("strata.ast")
	meter  = otel.Meter("strata.ast")
)

// Metrics for projection operations.
var (
	projectLatency  metric.Float64Histogram
	projectTotal    metric.Int64Counter
	elementsEmitted metric.Int64Histogram
	projectErrors   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		projectLatency, err = meter.Float64Histogram(
			"ast_project_duration_seconds",
			metric.WithDescription("Duration of file projection operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		projectTotal, err = meter.Int64Counter(
			"ast_project_total",
			metric.WithDescription("Total number of projection operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		elementsEmitted, err = meter.Int64Histogram(
			"ast_elements_emitted",
			metric.WithDescription("Graph elements (nodes plus edges) emitted per projection"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		projectErrors, err = meter.Int64Counter(
			"ast_project_errors_total",
			metric.WithDescription("Total number of failed projections"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordProjection records metrics for one projection.
func recordProjection(ctx context.Context, language string, duration time.Duration, elementCount int, success bool) {
	if err := initMetrics(); err != nil {
		return // Silently skip if metrics init failed
	}

	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	)

	projectLatency.Record(ctx, duration.Seconds(), attrs)
	projectTotal.Add(ctx, 1, attrs)

	if success {
		elementsEmitted.Record(ctx, int64(elementCount),
			metric.WithAttributes(attribute.String("language", language)),
		)
	} else {
		projectErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("language", language)),
		)
	}
}

// startProjectSpan creates a span for a projection operation.
func startProjectSpan(ctx context.Context, language, filePath string, contentSize int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Projector.Project",
		trace.WithAttributes(
			attribute.String("ast.language", language),
			attribute.String("ast.file", filePath),
			attribute.Int("ast.content_size", contentSize),
		),
	)
}

// setProjectSpanResult sets result attributes on a projection span.
func setProjectSpanResult(span trace.Span, classCount, functionCount, importCount, errorCount int) {
	span.SetAttributes(
		attribute.Int("ast.class_count", classCount),
		attribute.Int("ast.function_count", functionCount),
		attribute.Int("ast.import_count", importCount),
		attribute.Int("ast.error_count", errorCount),
	)
}
