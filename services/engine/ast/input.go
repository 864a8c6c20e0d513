// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/src-d/enry/v2"
)

// Input size constants.
const (
	// DefaultMaxFileSize is the maximum content size a projector accepts
	// (1 MiB). Content at exactly the limit is accepted.
	DefaultMaxFileSize = 1 * 1024 * 1024

	// WarnFileSize is the threshold at which a warning is logged (512 KiB).
	WarnFileSize = 512 * 1024
)

// checkInput runs the shared input guards and returns the content hash.
//
// Guards, in order:
//  1. Size cap: content over maxSize is rejected with ErrInputTooLarge.
//  2. UTF-8 validity: rejected with ErrUnsupportedInput.
//  3. Binary sniffing (enry): rejected with ErrUnsupportedInput.
//
// The returned hash is the hex-encoded SHA-256 of the raw content,
// computed before any parsing so it always reflects the exact input.
func checkInput(content []byte, filePath string, maxSize int64) (string, error) {
	if int64(len(content)) > maxSize {
		return "", fmt.Errorf("%w: size %d exceeds limit %d", ErrInputTooLarge, len(content), maxSize)
	}

	if len(content) > WarnFileSize {
		slog.Warn("projecting large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}

	if !utf8.Valid(content) {
		return "", fmt.Errorf("%w: content is not valid UTF-8", ErrUnsupportedInput)
	}

	if enry.IsBinary(content) {
		return "", fmt.Errorf("%w: content appears to be binary", ErrUnsupportedInput)
	}

	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:]), nil
}

// countLines returns the number of lines in the content. A trailing
// newline does not start an extra line; empty content has zero lines.
func countLines(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	lines := 1
	for _, b := range content {
		if b == '\n' {
			lines++
		}
	}
	if content[len(content)-1] == '\n' {
		lines--
	}
	return lines
}

// commentRatio computes commentLines/totalLines, 0 for empty files.
func commentRatio(commentLines, totalLines int) float64 {
	if totalLines == 0 {
		return 0
	}
	return float64(commentLines) / float64(totalLines)
}
