// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schema loads and validates golden-standard architecture
// schemas: the layer definitions and drift thresholds a project is
// held to. Schemas arrive as YAML or JSON (YAML being a superset, one
// parser covers both) from the API or from a project's stored copy.
package schema

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stratalab/strata/services/engine/analytics"
)

// ErrInvalidSchema wraps every validation failure in this package.
var ErrInvalidSchema = errors.New("schema: invalid golden schema")

// document is the on-disk schema shape. Field names double as the
// wire contract for the compliance API.
type document struct {
	Version    string      `yaml:"version" json:"version"`
	Layers     []layerDef  `yaml:"layers" json:"layers"`
	Thresholds *thresholds `yaml:"thresholds" json:"thresholds"`
}

type layerDef struct {
	Name                  string   `yaml:"name" json:"name"`
	Patterns              []string `yaml:"patterns" json:"patterns"`
	AllowedDependencies   []string `yaml:"allowed_dependencies" json:"allowed_dependencies"`
	ForbiddenDependencies []string `yaml:"forbidden_dependencies" json:"forbidden_dependencies"`
}

type thresholds struct {
	Critical int `yaml:"critical" json:"critical"`
	High     int `yaml:"high" json:"high"`
	Medium   int `yaml:"medium" json:"medium"`
	Low      int `yaml:"low" json:"low"`
}

// # Description
//
// Parse decodes a YAML or JSON golden schema and validates it. The
// returned LayerSchema preserves layer declaration order, which
// matters: classification takes the first matching layer.
//
// # Inputs
//   - data: raw schema bytes.
//
// # Outputs
//   - *analytics.LayerSchema: ready for drift analysis.
//   - error: ErrInvalidSchema with a description of the first problem.
func Parse(data []byte) (*analytics.LayerSchema, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	out := &analytics.LayerSchema{}
	for _, l := range doc.Layers {
		out.Layers = append(out.Layers, analytics.Layer{
			Name:                  l.Name,
			Patterns:              l.Patterns,
			AllowedDependencies:   l.AllowedDependencies,
			ForbiddenDependencies: l.ForbiddenDependencies,
		})
	}
	if doc.Thresholds != nil {
		out.Thresholds = analytics.DriftThresholds{
			Critical: doc.Thresholds.Critical,
			High:     doc.Thresholds.High,
			Medium:   doc.Thresholds.Medium,
			Low:      doc.Thresholds.Low,
		}
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseFile loads a schema from disk.
func ParseFile(filePath string) (*analytics.LayerSchema, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrInvalidSchema, filePath, err)
	}
	return Parse(data)
}

// Validate checks structural soundness: at least one layer, unique
// non-empty names, syntactically valid glob patterns, dependency
// references that point at declared layers, and non-negative
// thresholds.
func Validate(s *analytics.LayerSchema) error {
	if s == nil || len(s.Layers) == 0 {
		return fmt.Errorf("%w: at least one layer required", ErrInvalidSchema)
	}
	names := make(map[string]bool, len(s.Layers))
	for i, l := range s.Layers {
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrInvalidSchema, i)
		}
		if names[name] {
			return fmt.Errorf("%w: duplicate layer %q", ErrInvalidSchema, name)
		}
		names[name] = true
		if len(l.Patterns) == 0 {
			return fmt.Errorf("%w: layer %q has no patterns", ErrInvalidSchema, name)
		}
		for _, pat := range l.Patterns {
			if pat == "" {
				return fmt.Errorf("%w: layer %q has an empty pattern", ErrInvalidSchema, name)
			}
			if _, err := path.Match(pat, "probe"); err != nil {
				return fmt.Errorf("%w: layer %q pattern %q: %v", ErrInvalidSchema, name, pat, err)
			}
		}
	}
	for _, l := range s.Layers {
		for _, dep := range l.AllowedDependencies {
			if !names[dep] {
				return fmt.Errorf("%w: layer %q allows unknown layer %q", ErrInvalidSchema, l.Name, dep)
			}
		}
		for _, dep := range l.ForbiddenDependencies {
			if !names[dep] {
				return fmt.Errorf("%w: layer %q forbids unknown layer %q", ErrInvalidSchema, l.Name, dep)
			}
		}
	}
	t := s.Thresholds
	if t.Critical < 0 || t.High < 0 || t.Medium < 0 || t.Low < 0 {
		return fmt.Errorf("%w: thresholds must be non-negative", ErrInvalidSchema)
	}
	return nil
}

// Encode renders the schema back to canonical YAML, used when storing
// an uploaded schema on its project.
func Encode(s *analytics.LayerSchema) ([]byte, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	doc := document{Version: "1"}
	for _, l := range s.Layers {
		doc.Layers = append(doc.Layers, layerDef{
			Name:                  l.Name,
			Patterns:              l.Patterns,
			AllowedDependencies:   l.AllowedDependencies,
			ForbiddenDependencies: l.ForbiddenDependencies,
		})
	}
	doc.Thresholds = &thresholds{
		Critical: s.Thresholds.Critical,
		High:     s.Thresholds.High,
		Medium:   s.Thresholds.Medium,
		Low:      s.Thresholds.Low,
	}
	b, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding: %v", ErrInvalidSchema, err)
	}
	return b, nil
}
