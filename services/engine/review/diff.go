// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/stratalab/strata/services/engine/host"
)

// AssembleDiff joins the per-file patches the source host returns into
// one unified multi-file diff. The host strips "diff --git" headers
// from its patch fields, so they are reconstructed here; binary files
// arrive with an empty patch and are listed as such.
func AssembleDiff(files []host.ChangedFile) string {
	var sb strings.Builder
	for _, f := range files {
		oldPath, newPath := diffPaths(f)
		sb.WriteString("diff --git a/")
		sb.WriteString(oldPath)
		sb.WriteString(" b/")
		sb.WriteString(newPath)
		sb.WriteByte('\n')

		if f.Patch == "" {
			sb.WriteString("Binary files differ\n")
			continue
		}

		switch f.Status {
		case "added":
			sb.WriteString("--- /dev/null\n")
		default:
			sb.WriteString("--- a/" + oldPath + "\n")
		}
		switch f.Status {
		case "removed":
			sb.WriteString("+++ /dev/null\n")
		default:
			sb.WriteString("+++ b/" + newPath + "\n")
		}

		sb.WriteString(f.Patch)
		if !strings.HasSuffix(f.Patch, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func diffPaths(f host.ChangedFile) (oldPath, newPath string) {
	oldPath, newPath = f.Filename, f.Filename
	if f.PreviousFilename != "" {
		oldPath = f.PreviousFilename
	}
	return oldPath, newPath
}

// DiffStats are line counts recomputed from an assembled diff, used
// when the source host omits per-file counters.
type DiffStats struct {
	Files    int
	Added    int
	Removed  int
}

// ComputeDiffStats parses the assembled diff and counts files and
// changed lines. A malformed diff yields zero stats rather than an
// error; the counts are advisory.
func ComputeDiffStats(assembled string) DiffStats {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(assembled)).ReadAllFiles()
	if err != nil {
		return DiffStats{}
	}
	stats := DiffStats{Files: len(fileDiffs)}
	for _, fd := range fileDiffs {
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
					stats.Added++
				case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
					stats.Removed++
				}
			}
		}
	}
	return stats
}
