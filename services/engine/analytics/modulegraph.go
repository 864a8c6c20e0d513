// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import "sort"

// moduleGraph is the module-level view of a snapshot: file-to-module
// edges unified through each file's own module identity. Adjacency
// lists are sorted and deduplicated so every traversal is
// deterministic. A file importing its own module contributes no edge.
type moduleGraph struct {
	nodes []string
	out   map[string][]string
	in    map[string][]string
}

func buildModuleGraph(snap *Snapshot) *moduleGraph {
	g := &moduleGraph{
		out: make(map[string][]string),
		in:  make(map[string][]string),
	}
	if snap == nil {
		return g
	}

	fileModule := make(map[string]string, len(snap.Files))
	nodeSet := make(map[string]bool)
	for _, f := range snap.Files {
		fileModule[f.ID] = f.Module
		if f.Module != "" {
			nodeSet[f.Module] = true
		}
	}
	for _, m := range snap.Modules {
		if m != "" {
			nodeSet[m] = true
		}
	}

	outSet := make(map[string]map[string]bool)
	inSet := make(map[string]map[string]bool)
	for _, d := range snap.Deps {
		src := fileModule[d.SourceID]
		if src == "" || d.Target == "" || src == d.Target {
			continue
		}
		nodeSet[src] = true
		nodeSet[d.Target] = true
		if outSet[src] == nil {
			outSet[src] = make(map[string]bool)
		}
		outSet[src][d.Target] = true
		if inSet[d.Target] == nil {
			inSet[d.Target] = make(map[string]bool)
		}
		inSet[d.Target][src] = true
	}

	g.nodes = make([]string, 0, len(nodeSet))
	for m := range nodeSet {
		g.nodes = append(g.nodes, m)
	}
	sort.Strings(g.nodes)

	for m, set := range outSet {
		g.out[m] = sortedKeys(set)
	}
	for m, set := range inSet {
		g.in[m] = sortedKeys(set)
	}
	return g
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
