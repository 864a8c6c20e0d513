// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import (
	"fmt"
	"path"
	"strings"
)

// ClassifyLayers assigns every file and module in the snapshot to a
// layer.
//
// # Description
//
// A file is tested against each layer's patterns in declaration order,
// on its full path and on its basename; the first match wins. A module
// defined by a classified project file takes that file's layer. Other
// modules, including external imports, are inferred by matching the
// module name against the same patterns. Entries that match nothing
// are left out of the result and excluded from violation analysis.
func ClassifyLayers(snap *Snapshot, schema *LayerSchema) *Classification {
	cls := &Classification{
		Files:   make(map[string]string),
		Modules: make(map[string]string),
	}
	if snap == nil || schema == nil || len(schema.Layers) == 0 {
		return cls
	}

	for _, f := range snap.Files {
		layer := matchLayer(schema, f.Path)
		if layer == "" {
			continue
		}
		cls.Files[f.ID] = layer
		if f.Module != "" {
			if _, ok := cls.Modules[f.Module]; !ok {
				cls.Modules[f.Module] = layer
			}
		}
	}

	inferModule := func(m string) {
		if m == "" {
			return
		}
		if _, ok := cls.Modules[m]; ok {
			return
		}
		if layer := matchLayer(schema, m); layer != "" {
			cls.Modules[m] = layer
		}
	}
	for _, m := range snap.Modules {
		inferModule(m)
	}
	for _, d := range snap.Deps {
		inferModule(d.Target)
	}
	return cls
}

// matchLayer returns the first layer whose patterns match the name or
// its basename. Invalid patterns are skipped.
func matchLayer(schema *LayerSchema, name string) string {
	base := path.Base(name)
	for _, layer := range schema.Layers {
		for _, pat := range layer.Patterns {
			if ok, err := path.Match(pat, name); err == nil && ok {
				return layer.Name
			}
			if ok, err := path.Match(pat, base); err == nil && ok {
				return layer.Name
			}
		}
	}
	return ""
}

// FindLayerViolations evaluates every dependency in the snapshot
// against the layer schema.
//
// # Description
//
// Each DEPENDS_ON edge whose both ends classify into layers is checked:
// a target layer listed in the source layer's forbidden_dependencies is
// a forbidden violation, and a source layer with a non-empty
// allowed_dependencies list that omits the target layer is a disallowed
// violation, both severity high. Dependencies within a single layer are
// always permitted. Edges with an unclassified end are skipped.
//
// Cycles found by FindCycles with default bounds are appended as
// cyclic_dependency violations with severity critical.
func FindLayerViolations(snap *Snapshot, schema *LayerSchema) *ViolationReport {
	report := &ViolationReport{Violations: []Violation{}}
	if snap == nil {
		return report
	}
	report.ProjectID = snap.ProjectID
	if schema == nil {
		return report
	}

	cls := ClassifyLayers(snap, schema)
	rules := make(map[string]Layer, len(schema.Layers))
	for _, layer := range schema.Layers {
		rules[layer.Name] = layer
	}

	for _, d := range snap.Deps {
		srcLayer := cls.Files[d.SourceID]
		if srcLayer == "" {
			continue
		}
		dstLayer := cls.Modules[d.Target]
		if dstLayer == "" || dstLayer == srcLayer {
			continue
		}
		layer := rules[srcLayer]
		switch {
		case containsName(layer.ForbiddenDependencies, dstLayer):
			report.Violations = append(report.Violations, Violation{
				Type:           ViolationForbidden,
				Severity:       SeverityHigh,
				SourceID:       d.SourceID,
				TargetID:       d.Target,
				SourceLayer:    srcLayer,
				TargetLayer:    dstLayer,
				DependencyType: "DEPENDS_ON",
				Reason:         fmt.Sprintf("layer %q must not depend on layer %q", srcLayer, dstLayer),
			})
		case len(layer.AllowedDependencies) > 0 && !containsName(layer.AllowedDependencies, dstLayer):
			report.Violations = append(report.Violations, Violation{
				Type:           ViolationDisallowed,
				Severity:       SeverityHigh,
				SourceID:       d.SourceID,
				TargetID:       d.Target,
				SourceLayer:    srcLayer,
				TargetLayer:    dstLayer,
				DependencyType: "DEPENDS_ON",
				Reason: fmt.Sprintf("layer %q may only depend on: %s",
					srcLayer, strings.Join(layer.AllowedDependencies, ", ")),
			})
		}
	}

	for _, c := range FindCycles(snap, 0, 0, 0).Cycles {
		report.Violations = append(report.Violations, Violation{
			Type:           ViolationCyclic,
			Severity:       SeverityCritical,
			DependencyType: "DEPENDS_ON",
			Reason:         "circular dependency: " + strings.Join(c.Modules, " -> "),
			Cycle:          c.Modules,
		})
	}

	for _, v := range report.Violations {
		switch v.Severity {
		case SeverityCritical:
			report.Counts.Critical++
		case SeverityHigh:
			report.Counts.High++
		case SeverityMedium:
			report.Counts.Medium++
		case SeverityLow:
			report.Counts.Low++
		}
	}
	return report
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}
