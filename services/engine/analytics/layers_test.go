// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import (
	"reflect"
	"testing"
)

func layeredSchema() *LayerSchema {
	return &LayerSchema{
		Layers: []Layer{
			{
				Name:                "api",
				Patterns:            []string{"api/*", "api.*"},
				AllowedDependencies: []string{"service"},
			},
			{
				Name:                  "service",
				Patterns:              []string{"services/*", "services.*"},
				ForbiddenDependencies: []string{"api"},
			},
			{
				Name:     "data",
				Patterns: []string{"data/*", "data.*"},
			},
		},
		Thresholds: DriftThresholds{Critical: 0, High: 5, Medium: 10, Low: 20},
	}
}

func layeredSnapshot() *Snapshot {
	return &Snapshot{
		ProjectID: "p1",
		Files: []File{
			{ID: "p1::api/handler.py", Path: "api/handler.py", Module: "api.handler"},
			{ID: "p1::services/user.py", Path: "services/user.py", Module: "services.user"},
			{ID: "p1::data/store.py", Path: "data/store.py", Module: "data.store"},
			{ID: "p1::scripts/tool.py", Path: "scripts/tool.py", Module: "scripts.tool"},
		},
		Modules: []string{"api.handler", "services.user", "data.store", "services.util", "vendor.ext"},
		Deps: []Dependency{
			{SourceID: "p1::api/handler.py", Target: "services.user"},
			{SourceID: "p1::api/handler.py", Target: "data.store"},
			{SourceID: "p1::services/user.py", Target: "api.handler"},
			{SourceID: "p1::scripts/tool.py", Target: "api.handler"},
			{SourceID: "p1::api/handler.py", Target: "vendor.ext"},
			{SourceID: "p1::services/user.py", Target: "services.util"},
		},
	}
}

func TestClassifyLayers(t *testing.T) {
	cls := ClassifyLayers(layeredSnapshot(), layeredSchema())

	wantFiles := map[string]string{
		"p1::api/handler.py":   "api",
		"p1::services/user.py": "service",
		"p1::data/store.py":    "data",
	}
	if !reflect.DeepEqual(cls.Files, wantFiles) {
		t.Fatalf("file classification = %v, want %v", cls.Files, wantFiles)
	}

	wantModules := map[string]string{
		"api.handler":   "api",
		"services.user": "service",
		"data.store":    "data",
		"services.util": "service",
	}
	if !reflect.DeepEqual(cls.Modules, wantModules) {
		t.Fatalf("module classification = %v, want %v", cls.Modules, wantModules)
	}
}

func TestClassifyLayers_FirstMatchWins(t *testing.T) {
	schema := &LayerSchema{Layers: []Layer{
		{Name: "first", Patterns: []string{"api/*"}},
		{Name: "second", Patterns: []string{"api/*"}},
	}}
	snap := &Snapshot{
		ProjectID: "p1",
		Files:     []File{{ID: "f", Path: "api/a.py", Module: "api.a"}},
	}

	cls := ClassifyLayers(snap, schema)
	if cls.Files["f"] != "first" {
		t.Fatalf("layer = %q, want first", cls.Files["f"])
	}
}

func TestClassifyLayers_BasenameMatch(t *testing.T) {
	schema := &LayerSchema{Layers: []Layer{
		{Name: "config", Patterns: []string{"*.yaml"}},
	}}
	snap := &Snapshot{
		ProjectID: "p1",
		Files:     []File{{ID: "f", Path: "deep/nested/app.yaml", Module: ""}},
	}

	cls := ClassifyLayers(snap, schema)
	if cls.Files["f"] != "config" {
		t.Fatalf("layer = %q, want config via basename", cls.Files["f"])
	}
}

func TestFindLayerViolations(t *testing.T) {
	report := FindLayerViolations(layeredSnapshot(), layeredSchema())

	if len(report.Violations) != 3 {
		t.Fatalf("violations = %d, want 3: %+v", len(report.Violations), report.Violations)
	}

	disallowed := report.Violations[0]
	if disallowed.Type != ViolationDisallowed || disallowed.Severity != SeverityHigh {
		t.Fatalf("violation 0 = %+v, want disallowed high", disallowed)
	}
	if disallowed.SourceLayer != "api" || disallowed.TargetLayer != "data" {
		t.Fatalf("violation 0 layers = %s -> %s, want api -> data", disallowed.SourceLayer, disallowed.TargetLayer)
	}
	if disallowed.TargetID != "data.store" {
		t.Fatalf("violation 0 target = %q, want data.store", disallowed.TargetID)
	}

	forbidden := report.Violations[1]
	if forbidden.Type != ViolationForbidden || forbidden.Severity != SeverityHigh {
		t.Fatalf("violation 1 = %+v, want forbidden high", forbidden)
	}
	if forbidden.SourceLayer != "service" || forbidden.TargetLayer != "api" {
		t.Fatalf("violation 1 layers = %s -> %s, want service -> api", forbidden.SourceLayer, forbidden.TargetLayer)
	}

	cyclic := report.Violations[2]
	if cyclic.Type != ViolationCyclic || cyclic.Severity != SeverityCritical {
		t.Fatalf("violation 2 = %+v, want cyclic critical", cyclic)
	}
	if !reflect.DeepEqual(cyclic.Cycle, []string{"api.handler", "services.user"}) {
		t.Fatalf("cycle = %v, want [api.handler services.user]", cyclic.Cycle)
	}

	want := ViolationCounts{Critical: 1, High: 2}
	if report.Counts != want {
		t.Fatalf("counts = %+v, want %+v", report.Counts, want)
	}
}

func TestFindLayerViolations_UnclassifiedEndsSkipped(t *testing.T) {
	snap := &Snapshot{
		ProjectID: "p1",
		Files: []File{
			{ID: "p1::scripts/tool.py", Path: "scripts/tool.py", Module: "scripts.tool"},
			{ID: "p1::api/handler.py", Path: "api/handler.py", Module: "api.handler"},
		},
		Deps: []Dependency{
			{SourceID: "p1::scripts/tool.py", Target: "api.handler"},
			{SourceID: "p1::api/handler.py", Target: "vendor.ext"},
		},
	}

	report := FindLayerViolations(snap, layeredSchema())
	if len(report.Violations) != 0 {
		t.Fatalf("violations = %+v, want none", report.Violations)
	}
}

func TestFindLayerViolations_SameLayerAllowed(t *testing.T) {
	snap := &Snapshot{
		ProjectID: "p1",
		Files: []File{
			{ID: "p1::api/a.py", Path: "api/a.py", Module: "api.a"},
			{ID: "p1::api/b.py", Path: "api/b.py", Module: "api.b"},
		},
		Deps: []Dependency{
			{SourceID: "p1::api/a.py", Target: "api.b"},
		},
	}

	report := FindLayerViolations(snap, layeredSchema())
	if len(report.Violations) != 0 {
		t.Fatalf("violations = %+v, want none for same-layer dependency", report.Violations)
	}
}

func TestFindLayerViolations_NilSchema(t *testing.T) {
	report := FindLayerViolations(layeredSnapshot(), nil)
	if len(report.Violations) != 0 {
		t.Fatalf("violations = %+v, want none without schema", report.Violations)
	}
	if report.ProjectID != "p1" {
		t.Fatalf("project id = %q, want p1", report.ProjectID)
	}
}
