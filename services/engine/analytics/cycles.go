// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

import "sort"

// Cycle search bounds. Callers pass zero to take the default.
const (
	DefaultMinCycleLength = 2
	DefaultMaxCycleLength = 10
	DefaultCycleLimit     = 100
)

// enumerationHeadroom bounds raw enumeration at a multiple of the
// requested limit so pathological graphs cannot pin a worker.
const enumerationHeadroom = 10

// FindCycles enumerates the simple cycles in the project's module
// graph.
//
// # Description
//
// Every simple cycle of length minLen..maxLen is reported exactly once,
// in its canonical rotation (lexicographically smallest module first).
// Results are ordered by ascending length, then by node sequence, and
// capped at limit with Truncated set when more cycles exist.
//
// Severity follows cycle length: 2 is critical, up to 4 is high, up to
// 6 is medium, anything longer is low.
//
// # Inputs
//
//	snap   - The dependency snapshot. Nil yields an empty report.
//	minLen - Minimum cycle length. Zero or less means 2.
//	maxLen - Maximum cycle length. Zero or less means 10.
//	limit  - Result cap. Zero or less means 100.
func FindCycles(snap *Snapshot, minLen, maxLen, limit int) *CycleReport {
	if minLen < DefaultMinCycleLength {
		minLen = DefaultMinCycleLength
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxCycleLength
	}
	if limit <= 0 {
		limit = DefaultCycleLimit
	}

	report := &CycleReport{Cycles: []Cycle{}}
	if snap == nil {
		return report
	}
	report.ProjectID = snap.ProjectID

	g := buildModuleGraph(snap)
	hardStop := limit * enumerationHeadroom
	overflow := false

	cycles := []Cycle{}
	path := make([]string, 0, maxLen)
	onPath := make(map[string]bool, maxLen)

	// Rooting each search at the cycle's smallest module and only
	// walking to larger ones discovers every rotation class once.
	var walk func(start, u string)
	walk = func(start, u string) {
		for _, v := range g.out[u] {
			if overflow {
				return
			}
			if v == start {
				if len(path) >= minLen {
					seq := append([]string(nil), path...)
					cycles = append(cycles, Cycle{
						Modules:  seq,
						Length:   len(seq),
						Severity: cycleSeverity(len(seq)),
					})
					if len(cycles) >= hardStop {
						overflow = true
						return
					}
				}
				continue
			}
			if v < start || onPath[v] || len(path) >= maxLen {
				continue
			}
			onPath[v] = true
			path = append(path, v)
			walk(start, v)
			path = path[:len(path)-1]
			delete(onPath, v)
		}
	}

	for _, start := range g.nodes {
		if overflow {
			break
		}
		path = append(path[:0], start)
		onPath = map[string]bool{start: true}
		walk(start, start)
	}

	sort.Slice(cycles, func(i, j int) bool {
		if cycles[i].Length != cycles[j].Length {
			return cycles[i].Length < cycles[j].Length
		}
		a, b := cycles[i].Modules, cycles[j].Modules
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	report.Total = len(cycles)
	report.Truncated = overflow
	if len(cycles) > limit {
		cycles = cycles[:limit]
		report.Truncated = true
	}
	report.Cycles = cycles
	return report
}

func cycleSeverity(length int) Severity {
	switch {
	case length == 2:
		return SeverityCritical
	case length <= 4:
		return SeverityHigh
	case length <= 6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
