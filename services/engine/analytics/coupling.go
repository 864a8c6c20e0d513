// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import "sort"

// Modules with instability above this are flagged as highly unstable.
const highInstability = 0.8

// DefaultPathLimit caps LongestPaths results when the caller passes
// zero.
const DefaultPathLimit = 10

// maxPathDepth bounds chain traversal in degenerate graphs.
const maxPathDepth = 64

// Coupling computes efferent and afferent coupling for every module in
// the snapshot.
//
// # Description
//
// Efferent counts the distinct modules a module depends on, afferent
// the distinct modules depending on it, both derived from DEPENDS_ON
// edges unified to module level. Instability is
// efferent/(afferent+efferent), 0.0 for isolated modules. Results are
// ordered most unstable first, ties by module name.
func Coupling(snap *Snapshot) *CouplingReport {
	report := &CouplingReport{Modules: []ModuleCoupling{}}
	if snap == nil {
		return report
	}
	report.ProjectID = snap.ProjectID

	g := buildModuleGraph(snap)
	for _, m := range g.nodes {
		eff := len(g.out[m])
		aff := len(g.in[m])
		instability := 0.0
		if aff+eff > 0 {
			instability = float64(eff) / float64(aff+eff)
		}
		report.Modules = append(report.Modules, ModuleCoupling{
			Module:      m,
			Efferent:    eff,
			Afferent:    aff,
			Instability: instability,
			Unstable:    instability > highInstability,
		})
	}

	sort.Slice(report.Modules, func(i, j int) bool {
		a, b := report.Modules[i], report.Modules[j]
		if a.Instability != b.Instability {
			return a.Instability > b.Instability
		}
		return a.Module < b.Module
	})
	return report
}

// LongestPaths returns the longest dependency chains in the module
// graph, longest first.
//
// # Description
//
// Chains start at modules nothing depends on (every module when the
// graph has no such roots), extend along DEPENDS_ON edges without
// revisiting a module, and are recorded when they cannot be extended.
// Single-module chains are omitted. Results are ordered by descending
// length, then by module sequence, capped at limit.
func LongestPaths(snap *Snapshot, limit int) []DependencyPath {
	if limit <= 0 {
		limit = DefaultPathLimit
	}
	g := buildModuleGraph(snap)

	roots := make([]string, 0, len(g.nodes))
	for _, m := range g.nodes {
		if len(g.in[m]) == 0 && len(g.out[m]) > 0 {
			roots = append(roots, m)
		}
	}
	if len(roots) == 0 {
		roots = g.nodes
	}

	paths := []DependencyPath{}
	hardStop := limit * enumerationHeadroom
	path := make([]string, 0, maxPathDepth)
	onPath := make(map[string]bool, maxPathDepth)

	var walk func(u string)
	walk = func(u string) {
		if len(paths) >= hardStop {
			return
		}
		extended := false
		if len(path) < maxPathDepth {
			for _, v := range g.out[u] {
				if onPath[v] {
					continue
				}
				extended = true
				onPath[v] = true
				path = append(path, v)
				walk(v)
				path = path[:len(path)-1]
				delete(onPath, v)
			}
		}
		if !extended && len(path) >= 2 {
			paths = append(paths, DependencyPath{
				Modules: append([]string(nil), path...),
				Length:  len(path),
			})
		}
	}

	for _, root := range roots {
		path = append(path[:0], root)
		onPath = map[string]bool{root: true}
		walk(root)
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Length != paths[j].Length {
			return paths[i].Length > paths[j].Length
		}
		a, b := paths[i].Modules, paths[j].Modules
		for k := 0; k < len(a) && k < len(b); k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	if len(paths) > limit {
		paths = paths[:limit]
	}
	return paths
}
