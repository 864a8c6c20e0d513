// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import "errors"

// Sentinel errors for projection failure conditions.
//
// These are checked with errors.Is() so callers can branch on the
// category of failure without inspecting messages.
var (
	// ErrInputTooLarge indicates the file content exceeds the projector's
	// configured maximum size. The default limit is DefaultMaxFileSize;
	// content at exactly the limit is accepted, one byte over is not.
	ErrInputTooLarge = errors.New("input exceeds maximum size limit")

	// ErrUnsupportedInput indicates the content cannot be projected at
	// all: binary data or text that is not valid UTF-8.
	ErrUnsupportedInput = errors.New("unsupported input content")

	// ErrUnsupportedLanguage indicates no projector is registered for the
	// requested language or file extension.
	//
	// Example:
	//   proj, ok := registry.ByExtension(".xyz")
	//   if !ok {
	//       return fmt.Errorf("file type .xyz: %w", ErrUnsupportedLanguage)
	//   }
	ErrUnsupportedLanguage = errors.New("unsupported language")

	// ErrParseFailed indicates projection failed completely and no usable
	// result could be produced (parser crash, nil syntax tree).
	//
	// Recoverable syntax errors are not reported this way: they are
	// collected in ParsedFile.Errors alongside the partial result.
	ErrParseFailed = errors.New("parse failed")
)
