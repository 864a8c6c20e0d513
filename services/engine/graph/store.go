// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/stratalab/strata/services/engine/analytics"
	"github.com/stratalab/strata/services/engine/ast"
)

// Store is the graph store adapter: it writes parsed files into the
// property graph and serves dependency reads.
//
// # Thread Safety
//
// Reads are safe for concurrent use. Concurrent writes to the same
// project must be serialized by the caller; the task fabric does this
// with its per-project lock.
type Store struct {
	db     *DB
	logger *slog.Logger
}

// NewStore wraps an open database. A nil logger falls back to
// slog.Default.
func NewStore(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Open opens the graph database described by cfg and returns a store
// over it.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(db, logger), nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ProjectGraphID maps a relational project row onto the graph key
// space. Graph project identifiers are strings so ad-hoc analyses can
// use synthetic identifiers alongside registered projects.
func ProjectGraphID(id int64) string {
	return "project-" + strconv.FormatInt(id, 10)
}

// DependencyGraph is the full export of one project's graph.
type DependencyGraph struct {
	Nodes    []ast.Node    `json:"nodes"`
	Edges    []ast.Edge    `json:"edges"`
	Metadata GraphMetadata `json:"metadata"`
}

// GraphMetadata summarizes a dependency graph export.
type GraphMetadata struct {
	ProjectID     string    `json:"project_id"`
	NodeCount     int       `json:"node_count"`
	EdgeCount     int       `json:"edge_count"`
	Files         int       `json:"files"`
	Modules       int       `json:"modules"`
	Classes       int       `json:"classes"`
	Functions     int       `json:"functions"`
	Imports       int       `json:"imports"`
	AvgComplexity float64   `json:"avg_complexity"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// fileManifest records what a file's last upsert created, so the next
// upsert of the same file can delete whatever disappeared from it.
type fileManifest struct {
	Children []childEntry `json:"children"`
	Deps     []string     `json:"deps"`
}

type childEntry struct {
	Label ast.NodeLabel `json:"label"`
	ID    string        `json:"id"`
}

// UpsertParsedFile merges one projected file into the project graph.
//
// # Description
//
// Nodes are written idempotently. Children of the file (classes,
// functions, imports) that existed after the previous upsert but are
// absent now are deleted together with their incident edges, as are
// DEPENDS_ON edges whose import vanished. A re-observed CALLS edge has
// its frequency incremented by one; an existing DEPENDS_ON edge is
// left untouched. All writes land in a single write batch.
//
// The Project node and the project-to-file CONTAINS edge are created
// here; projection emits file scope only.
func (s *Store) UpsertParsedFile(ctx context.Context, pf *ast.ParsedFile) error {
	if pf == nil {
		return fmt.Errorf("%w: nil parsed file", ErrConstraintViolation)
	}
	if err := pf.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}

	projectID := pf.ProjectID
	nodes, edges := pf.Elements()

	manifest := fileManifest{Children: []childEntry{}, Deps: []string{}}
	newChildren := make(map[string]bool)
	for _, n := range nodes {
		switch n.Label {
		case ast.LabelClass, ast.LabelFunction, ast.LabelImport:
			manifest.Children = append(manifest.Children, childEntry{Label: n.Label, ID: n.ID})
			newChildren[n.ID] = true
		}
	}
	newDeps := make(map[string]bool)
	for _, e := range edges {
		if e.Label == ast.EdgeDependsOn {
			manifest.Deps = append(manifest.Deps, e.TargetID)
			newDeps[e.TargetID] = true
		}
	}

	// Phase one: under a single snapshot, diff the previous manifest
	// and load the current state of re-observed edges.
	var (
		stale      []childEntry
		staleDeps  []string
		staleEdges [][]byte
		callFreq   = make(map[string]int)
		depExists  = make(map[string]bool)
	)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prev, err := readManifest(txn, projectID, pf.File.ID)
		if err != nil {
			return err
		}
		for _, c := range prev.Children {
			if !newChildren[c.ID] {
				stale = append(stale, c)
			}
		}
		for _, dep := range prev.Deps {
			if !newDeps[dep] {
				staleDeps = append(staleDeps, dep)
			}
		}
		for _, c := range stale {
			keys, err := incidentEdgeKeys(ctx, txn, projectID, c.ID)
			if err != nil {
				return err
			}
			staleEdges = append(staleEdges, keys...)
		}
		for _, e := range edges {
			switch e.Label {
			case ast.EdgeCalls:
				freq, err := edgeFrequency(txn, projectID, e.SourceID, e.TargetID)
				if err != nil {
					return err
				}
				callFreq[e.SourceID+"\x00"+e.TargetID] = freq
			case ast.EdgeDependsOn:
				_, err := txn.Get(outKey(projectID, e.SourceID, ast.EdgeDependsOn, e.TargetID))
				switch {
				case err == nil:
					depExists[e.TargetID] = true
				case errors.Is(err, badger.ErrKeyNotFound):
				default:
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		return classify(err)
	}

	// Phase two: one write batch. The per-project lock keeps the
	// snapshot read above from going stale in between.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range stale {
		if err := wb.Delete(nodeKey(projectID, c.Label, c.ID)); err != nil {
			return classify(err)
		}
	}
	for _, key := range staleEdges {
		if err := wb.Delete(key); err != nil {
			return classify(err)
		}
	}
	for _, dep := range staleDeps {
		if err := wb.Delete(outKey(projectID, pf.File.ID, ast.EdgeDependsOn, dep)); err != nil {
			return classify(err)
		}
		if err := wb.Delete(inKey(projectID, dep, ast.EdgeDependsOn, pf.File.ID)); err != nil {
			return classify(err)
		}
	}

	projectProps, err := json.Marshal(map[string]any{"id": projectID})
	if err != nil {
		return fmt.Errorf("%w: marshal project node: %w", ErrConstraintViolation, err)
	}
	if err := wb.Set(nodeKey(projectID, ast.LabelProject, projectID), projectProps); err != nil {
		return classify(err)
	}
	if err := putEdge(wb, projectID, ast.Edge{
		Label:      ast.EdgeContains,
		SourceID:   projectID,
		TargetID:   pf.File.ID,
		Properties: map[string]any{"level": "project"},
	}); err != nil {
		return classify(err)
	}

	for _, n := range nodes {
		props, err := json.Marshal(n.Properties)
		if err != nil {
			return fmt.Errorf("%w: marshal node %s: %w", ErrConstraintViolation, n.ID, err)
		}
		if err := wb.Set(nodeKey(projectID, n.Label, n.ID), props); err != nil {
			return classify(err)
		}
	}

	for _, e := range edges {
		switch e.Label {
		case ast.EdgeCalls:
			e.Properties = map[string]any{
				"frequency": callFreq[e.SourceID+"\x00"+e.TargetID] + 1,
			}
		case ast.EdgeDependsOn:
			if depExists[e.TargetID] {
				continue
			}
		}
		if err := putEdge(wb, projectID, e); err != nil {
			return classify(err)
		}
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %w", ErrConstraintViolation, err)
	}
	if err := wb.Set(manifestKey(projectID, pf.File.ID), manifestBytes); err != nil {
		return classify(err)
	}

	if err := wb.Flush(); err != nil {
		return classify(err)
	}

	s.logger.Debug("graph upsert",
		slog.String("project_id", projectID),
		slog.String("path", pf.Path),
		slog.Int("nodes", len(nodes)),
		slog.Int("edges", len(edges)),
		slog.Int("stale_children", len(stale)),
	)
	return nil
}

// DeleteProjectGraph removes every node, edge and manifest of the
// project. Used on project unregister and full rebuilds.
func (s *Store) DeleteProjectGraph(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("%w: empty project id", ErrConstraintViolation)
	}

	var keys [][]byte
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{
			nodePrefix(projectID),
			outPrefix(projectID),
			inPrefix(projectID),
			manifestPrefix(projectID),
		} {
			err := scanPrefix(ctx, txn, prefix, false, func(key, _ []byte) error {
				keys = append(keys, append([]byte(nil), key...))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return classify(err)
		}
	}
	if err := wb.Flush(); err != nil {
		return classify(err)
	}

	s.logger.Info("graph deleted",
		slog.String("project_id", projectID),
		slog.Int("keys", len(keys)),
	)
	return nil
}

// GetDependencyGraph exports the project's nodes and edges with
// summary metadata.
func (s *Store) GetDependencyGraph(ctx context.Context, projectID string) (*DependencyGraph, error) {
	g := &DependencyGraph{Nodes: []ast.Node{}, Edges: []ast.Edge{}}
	var complexitySum float64

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		err := scanPrefix(ctx, txn, nodePrefix(projectID), true, func(key, value []byte) error {
			label, nodeID, ok := splitNodeKey(projectID, key)
			if !ok {
				return nil
			}
			var props map[string]any
			if len(value) > 0 {
				if err := json.Unmarshal(value, &props); err != nil {
					return fmt.Errorf("decode node %s: %w", nodeID, err)
				}
			}
			g.Nodes = append(g.Nodes, ast.Node{Label: label, ID: nodeID, Properties: props})
			switch label {
			case ast.LabelFile:
				g.Metadata.Files++
			case ast.LabelModule:
				g.Metadata.Modules++
			case ast.LabelClass:
				g.Metadata.Classes++
			case ast.LabelFunction:
				g.Metadata.Functions++
				if c, ok := props["complexity"].(float64); ok {
					complexitySum += c
				}
			case ast.LabelImport:
				g.Metadata.Imports++
			}
			return nil
		})
		if err != nil {
			return err
		}
		return scanPrefix(ctx, txn, outPrefix(projectID), true, func(key, value []byte) error {
			src, label, dst, ok := splitOutKey(projectID, key)
			if !ok {
				return nil
			}
			var props map[string]any
			if len(value) > 0 {
				if err := json.Unmarshal(value, &props); err != nil {
					return fmt.Errorf("decode edge %s -> %s: %w", src, dst, err)
				}
			}
			g.Edges = append(g.Edges, ast.Edge{Label: label, SourceID: src, TargetID: dst, Properties: props})
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}

	g.Metadata.ProjectID = projectID
	g.Metadata.NodeCount = len(g.Nodes)
	g.Metadata.EdgeCount = len(g.Edges)
	if g.Metadata.Functions > 0 {
		g.Metadata.AvgComplexity = complexitySum / float64(g.Metadata.Functions)
	}
	g.Metadata.GeneratedAt = time.Now().UTC()
	return g, nil
}

// Snapshot reduces the project graph to the dependency view the
// analytics run on. Slice order follows key order, so identical graph
// state yields an identical snapshot.
func (s *Store) Snapshot(ctx context.Context, projectID string) (*analytics.Snapshot, error) {
	snap := &analytics.Snapshot{ProjectID: projectID}

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		err := scanPrefix(ctx, txn, labelPrefix(projectID, ast.LabelFile), true, func(key, value []byte) error {
			_, nodeID, ok := splitNodeKey(projectID, key)
			if !ok {
				return nil
			}
			var props struct {
				Path   string `json:"path"`
				Module string `json:"module"`
			}
			if len(value) > 0 {
				if err := json.Unmarshal(value, &props); err != nil {
					return fmt.Errorf("decode file %s: %w", nodeID, err)
				}
			}
			snap.Files = append(snap.Files, analytics.File{ID: nodeID, Path: props.Path, Module: props.Module})
			return nil
		})
		if err != nil {
			return err
		}
		err = scanPrefix(ctx, txn, labelPrefix(projectID, ast.LabelModule), false, func(key, _ []byte) error {
			if _, nodeID, ok := splitNodeKey(projectID, key); ok {
				snap.Modules = append(snap.Modules, nodeID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return scanPrefix(ctx, txn, outPrefix(projectID), false, func(key, _ []byte) error {
			src, label, dst, ok := splitOutKey(projectID, key)
			if ok && label == ast.EdgeDependsOn {
				snap.Deps = append(snap.Deps, analytics.Dependency{SourceID: src, Target: dst})
			}
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	return snap, nil
}

// CountNodesByLabel tallies the project's nodes per label. Serves the
// metrics endpoints.
func (s *Store) CountNodesByLabel(ctx context.Context, projectID string) (map[ast.NodeLabel]int, error) {
	counts := make(map[ast.NodeLabel]int)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, nodePrefix(projectID), false, func(key, _ []byte) error {
			if label, _, ok := splitNodeKey(projectID, key); ok {
				counts[label]++
			}
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	return counts, nil
}

// FunctionStats aggregates complexity over a project's Function nodes.
type FunctionStats struct {
	Count         int     `json:"count"`
	AvgComplexity float64 `json:"avg_complexity"`
	MaxComplexity int     `json:"max_complexity"`
}

// ComputeFunctionStats scans the project's Function nodes and
// aggregates their complexity. Serves the review context bundle.
func (s *Store) ComputeFunctionStats(ctx context.Context, projectID string) (*FunctionStats, error) {
	stats := &FunctionStats{}
	total := 0
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanPrefix(ctx, txn, labelPrefix(projectID, ast.LabelFunction), true, func(key, value []byte) error {
			var props struct {
				Complexity int `json:"complexity"`
			}
			if len(value) > 0 {
				if err := json.Unmarshal(value, &props); err != nil {
					_, nodeID, _ := splitNodeKey(projectID, key)
					return fmt.Errorf("decode function %s: %w", nodeID, err)
				}
			}
			if props.Complexity < 1 {
				props.Complexity = 1
			}
			stats.Count++
			total += props.Complexity
			if props.Complexity > stats.MaxComplexity {
				stats.MaxComplexity = props.Complexity
			}
			return nil
		})
	})
	if err != nil {
		return nil, classify(err)
	}
	if stats.Count > 0 {
		stats.AvgComplexity = float64(total) / float64(stats.Count)
	}
	return stats, nil
}

// FindCircularDependencies runs cycle detection over a fresh snapshot.
// Zero bounds take the analytics defaults.
func (s *Store) FindCircularDependencies(ctx context.Context, projectID string, minLen, maxLen, limit int) (*analytics.CycleReport, error) {
	snap, err := s.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return analytics.FindCycles(snap, minLen, maxLen, limit), nil
}

// FindLayerViolations evaluates the project against its layer schema
// over a fresh snapshot.
func (s *Store) FindLayerViolations(ctx context.Context, projectID string, schema *analytics.LayerSchema) (*analytics.ViolationReport, error) {
	snap, err := s.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return analytics.FindLayerViolations(snap, schema), nil
}

// ComputeCoupling computes module coupling over a fresh snapshot.
func (s *Store) ComputeCoupling(ctx context.Context, projectID string) (*analytics.CouplingReport, error) {
	snap, err := s.Snapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return analytics.Coupling(snap), nil
}

// scanPrefix iterates keys under prefix within txn. The key passed to
// fn is only valid for the duration of the callback; values are
// copies.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, withValues bool, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var value []byte
		if withValues {
			var err error
			value, err = it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
		}
		if err := fn(it.Item().Key(), value); err != nil {
			return err
		}
	}
	return nil
}

// incidentEdgeKeys collects both key forms of every edge touching the
// node, so deleting the node removes each pair.
func incidentEdgeKeys(ctx context.Context, txn *badger.Txn, projectID, nodeID string) ([][]byte, error) {
	var keys [][]byte

	err := scanPrefix(ctx, txn, outSrcPrefix(projectID, nodeID), false, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		if src, label, dst, ok := splitOutKey(projectID, key); ok && src == nodeID {
			keys = append(keys, inKey(projectID, dst, label, src))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = scanPrefix(ctx, txn, inDstPrefix(projectID, nodeID), false, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		if dst, label, src, ok := splitInKey(projectID, key); ok && dst == nodeID {
			keys = append(keys, outKey(projectID, src, label, dst))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func putEdge(wb *badger.WriteBatch, projectID string, e ast.Edge) error {
	props := []byte("{}")
	if len(e.Properties) > 0 {
		var err error
		props, err = json.Marshal(e.Properties)
		if err != nil {
			return fmt.Errorf("%w: marshal edge %s: %w", ErrConstraintViolation, e.Label, err)
		}
	}
	if err := wb.Set(outKey(projectID, e.SourceID, e.Label, e.TargetID), props); err != nil {
		return err
	}
	return wb.Set(inKey(projectID, e.TargetID, e.Label, e.SourceID), nil)
}

func readManifest(txn *badger.Txn, projectID, fileID string) (fileManifest, error) {
	var m fileManifest
	item, err := txn.Get(manifestKey(projectID, fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		// A corrupt manifest only costs one round of stale-child
		// cleanup; the upsert rewrites it.
		return fileManifest{}, nil
	}
	return m, nil
}

func edgeFrequency(txn *badger.Txn, projectID, srcID, dstID string) (int, error) {
	item, err := txn.Get(outKey(projectID, srcID, ast.EdgeCalls, dstID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return 0, nil
	}
	if f, ok := props["frequency"].(float64); ok {
		return int(f), nil
	}
	return 0, nil
}
