// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"fmt"
	"strings"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// ModuleResolver shortens absolute Go import paths to in-module
// directory form. GoProjector assigns each file the identity of its
// directory, so "example.com/app/internal/store" only lines up with the
// File nodes under internal/store once the "example.com/app" prefix is
// stripped. Imports outside the module pass through unchanged.
//
// A nil *ModuleResolver is valid and resolves every path to itself, so
// callers can thread it through without a presence check.
type ModuleResolver struct {
	modulePath string
}

// ParseGoMod builds a ModuleResolver from go.mod content.
//
// # Inputs
//   - path: the go.mod location, used in parse error positions.
//   - content: raw go.mod bytes.
//
// # Outputs
//   - *ModuleResolver: resolver for the declared module path.
//   - error: if the content does not parse or declares no valid module
//     path.
func ParseGoMod(path string, content []byte) (*ModuleResolver, error) {
	f, err := modfile.ParseLax(path, content, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return nil, fmt.Errorf("parse %s: no module directive", path)
	}
	if err := module.CheckPath(f.Module.Mod.Path); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &ModuleResolver{modulePath: f.Module.Mod.Path}, nil
}

// ModulePath returns the declared module path, or "" on a nil resolver.
func (r *ModuleResolver) ModulePath() string {
	if r == nil {
		return ""
	}
	return r.modulePath
}

// Resolve maps one import path to in-module directory form. The module
// root itself resolves to ".", matching the identity GoProjector gives
// files at the repository root.
func (r *ModuleResolver) Resolve(importPath string) string {
	if r == nil || r.modulePath == "" {
		return importPath
	}
	if importPath == r.modulePath {
		return "."
	}
	if rest := strings.TrimPrefix(importPath, r.modulePath+"/"); rest != importPath {
		return rest
	}
	return importPath
}
