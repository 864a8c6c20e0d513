// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analytics

// Drift base scores by the most severe threshold breach.
const (
	driftBaseCritical = 100
	driftBaseHigh     = 75
	driftBaseMedium   = 50
	driftBaseLow      = 25
)

// Score at or above this fails CI regardless of individual thresholds.
const driftFailScore = 75

// DriftScore turns a violation report into the drift score that gates
// CI.
//
// # Description
//
// The base score comes from the most severe threshold breach: a
// critical count over its threshold scores 100, otherwise high over its
// threshold scores 75, then medium 50, then low 25. A volume bonus is
// added for total violations over 10 (+5), 25 (+15) or 50 (+25), and
// the result is clamped to [0,100].
//
// FailCI is set when the critical or high threshold is breached, or
// when the final score reaches 75. Thresholds are taken from the schema
// as passed; they are never adjusted mid-evaluation.
func DriftScore(report *ViolationReport, thresholds DriftThresholds) *DriftReport {
	drift := &DriftReport{Thresholds: thresholds}
	if report == nil {
		return drift
	}
	drift.ProjectID = report.ProjectID
	drift.Counts = report.Counts

	counts := report.Counts
	base := 0
	switch {
	case counts.Critical > thresholds.Critical:
		base = driftBaseCritical
	case counts.High > thresholds.High:
		base = driftBaseHigh
	case counts.Medium > thresholds.Medium:
		base = driftBaseMedium
	case counts.Low > thresholds.Low:
		base = driftBaseLow
	}

	total := counts.Total()
	switch {
	case total > 50:
		base += 25
	case total > 25:
		base += 15
	case total > 10:
		base += 5
	}
	if base > 100 {
		base = 100
	}

	drift.Score = base
	drift.Total = total
	drift.FailCI = counts.Critical > thresholds.Critical ||
		counts.High > thresholds.High ||
		drift.Score >= driftFailScore
	return drift
}
