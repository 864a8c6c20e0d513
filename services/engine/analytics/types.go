// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analytics computes architecture reports over a dependency
// snapshot: circular dependencies, layer violations, coupling metrics,
// and the drift score that gates CI.
//
// # Description
//
// Every function in this package is pure: it reads a Snapshot (or a
// previously computed report) and returns plain data. The graph store
// produces snapshots; callers that need timestamps or pagination add
// them at the transport layer.
//
// # Thread Safety
//
// All functions are safe for concurrent use as long as the Snapshot is
// not mutated while a computation is running.
package analytics

// Severity ranks a finding for report consumers and CI gating.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Snapshot is a read-consistent view of one project's dependency graph,
// reduced to what the analytics need: files with their module identity,
// the set of known modules, and the DEPENDS_ON edges.
type Snapshot struct {
	ProjectID string       `json:"project_id"`
	Files     []File       `json:"files"`
	Modules   []string     `json:"modules"`
	Deps      []Dependency `json:"deps"`
}

// File is one source file in the snapshot. Module is the identity the
// file's own package resolves to, used to unify file-to-module edges
// into a module-level graph.
type File struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Module string `json:"module"`
}

// Dependency is one DEPENDS_ON edge: a source file importing a module.
type Dependency struct {
	SourceID string `json:"source_id"`
	Target   string `json:"target"`
}

// Cycle is one simple dependency cycle, reported with its canonical
// rotation: the lexicographically smallest module first.
type Cycle struct {
	Modules  []string `json:"modules"`
	Length   int      `json:"length"`
	Severity Severity `json:"severity"`
}

// CycleReport lists the simple cycles found in a project's module
// graph, ordered by ascending length and then by node sequence.
type CycleReport struct {
	ProjectID string  `json:"project_id"`
	Cycles    []Cycle `json:"cycles"`
	Total     int     `json:"total"`
	Truncated bool    `json:"truncated,omitempty"`
}

// Layer declares one architectural layer: the glob patterns that place
// files and modules in it, and the layers it may or may not depend on.
// An empty AllowedDependencies list means no allow-list is enforced.
type Layer struct {
	Name                  string   `json:"name"`
	Patterns              []string `json:"patterns"`
	AllowedDependencies   []string `json:"allowed_dependencies,omitempty"`
	ForbiddenDependencies []string `json:"forbidden_dependencies,omitempty"`
}

// DriftThresholds are the per-severity violation counts a project may
// carry before the drift score escalates.
type DriftThresholds struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// LayerSchema is a project's architecture contract: its layers in
// declaration order (first pattern match wins) and the thresholds used
// for drift scoring.
type LayerSchema struct {
	Layers     []Layer         `json:"layers"`
	Thresholds DriftThresholds `json:"thresholds"`
}

// Violation types.
const (
	ViolationForbidden  = "forbidden"
	ViolationDisallowed = "disallowed"
	ViolationCyclic     = "cyclic_dependency"
)

// Violation is one architecture rule breach.
//
// # Fields
//
//   - Type: forbidden, disallowed, or cyclic_dependency.
//   - Severity: high for rule breaches, critical for cycles.
//   - SourceID/TargetID: the file and module on the offending edge.
//   - SourceLayer/TargetLayer: the classified layers of both ends.
//   - DependencyType: the graph edge label the violation was found on.
//   - Cycle: the module sequence, set only for cyclic_dependency.
type Violation struct {
	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	SourceID       string   `json:"source_id,omitempty"`
	TargetID       string   `json:"target_id,omitempty"`
	SourceLayer    string   `json:"source_layer,omitempty"`
	TargetLayer    string   `json:"target_layer,omitempty"`
	DependencyType string   `json:"dependency_type,omitempty"`
	Reason         string   `json:"reason"`
	Cycle          []string `json:"cycle,omitempty"`
}

// ViolationCounts tallies violations by severity.
type ViolationCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the sum across all severities.
func (c ViolationCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low
}

// ViolationReport is the outcome of evaluating a project against its
// layer schema.
type ViolationReport struct {
	ProjectID  string          `json:"project_id"`
	Violations []Violation     `json:"violations"`
	Counts     ViolationCounts `json:"counts"`
}

// DriftReport carries the drift score derived from a violation report
// and the CI verdict.
type DriftReport struct {
	ProjectID  string          `json:"project_id"`
	Score      int             `json:"score"`
	FailCI     bool            `json:"fail_ci"`
	Counts     ViolationCounts `json:"counts"`
	Total      int             `json:"total_violations"`
	Thresholds DriftThresholds `json:"thresholds"`
}

// ModuleCoupling holds the coupling metrics of one module. Instability
// is efferent/(afferent+efferent), or 0.0 when the module has no edges.
type ModuleCoupling struct {
	Module      string  `json:"module"`
	Efferent    int     `json:"efferent"`
	Afferent    int     `json:"afferent"`
	Instability float64 `json:"instability"`
	Unstable    bool    `json:"unstable,omitempty"`
}

// CouplingReport lists coupling metrics for every module that appears
// in the snapshot, most unstable first.
type CouplingReport struct {
	ProjectID string           `json:"project_id"`
	Modules   []ModuleCoupling `json:"modules"`
}

// DependencyPath is one maximal chain in the module graph.
type DependencyPath struct {
	Modules []string `json:"modules"`
	Length  int      `json:"length"`
}

// Classification records which layer each file and module landed in.
// Unmatched entries are absent from the maps.
type Classification struct {
	Files   map[string]string `json:"files"`
	Modules map[string]string `json:"modules"`
}
