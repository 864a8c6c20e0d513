// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"bytes"

	"github.com/stratalab/strata/services/engine/ast"
)

// Key layout, segments joined by a NUL byte. Node identifiers come
// from file paths and declaration names and never contain NUL, which
// keeps the segments unambiguous.
//
//	n <pid> <label> <nodeID>          node properties (JSON)
//	o <pid> <srcID> <label> <dstID>   outgoing edge properties (JSON)
//	i <pid> <dstID> <label> <srcID>   reverse index, empty value
//	c <pid> <fileID>                  file manifest (JSON)
const (
	keyKindNode     = 'n'
	keyKindOut      = 'o'
	keyKindIn       = 'i'
	keyKindManifest = 'c'
	keySep          = byte(0)
)

var keySepSlice = []byte{keySep}

func joinKey(kind byte, segments ...string) []byte {
	size := 1
	for _, s := range segments {
		size += 1 + len(s)
	}
	key := make([]byte, 0, size)
	key = append(key, kind)
	for _, s := range segments {
		key = append(key, keySep)
		key = append(key, s...)
	}
	return key
}

// joinPrefix is joinKey with a trailing separator, so a scan over
// project "p1" never picks up project "p10".
func joinPrefix(kind byte, segments ...string) []byte {
	return append(joinKey(kind, segments...), keySep)
}

func nodeKey(projectID string, label ast.NodeLabel, nodeID string) []byte {
	return joinKey(keyKindNode, projectID, string(label), nodeID)
}

func nodePrefix(projectID string) []byte {
	return joinPrefix(keyKindNode, projectID)
}

func labelPrefix(projectID string, label ast.NodeLabel) []byte {
	return joinPrefix(keyKindNode, projectID, string(label))
}

func outKey(projectID, srcID string, label ast.EdgeLabel, dstID string) []byte {
	return joinKey(keyKindOut, projectID, srcID, string(label), dstID)
}

func outPrefix(projectID string) []byte {
	return joinPrefix(keyKindOut, projectID)
}

func outSrcPrefix(projectID, srcID string) []byte {
	return joinPrefix(keyKindOut, projectID, srcID)
}

func inKey(projectID, dstID string, label ast.EdgeLabel, srcID string) []byte {
	return joinKey(keyKindIn, projectID, dstID, string(label), srcID)
}

func inPrefix(projectID string) []byte {
	return joinPrefix(keyKindIn, projectID)
}

func inDstPrefix(projectID, dstID string) []byte {
	return joinPrefix(keyKindIn, projectID, dstID)
}

func manifestKey(projectID, fileID string) []byte {
	return joinKey(keyKindManifest, projectID, fileID)
}

func manifestPrefix(projectID string) []byte {
	return joinPrefix(keyKindManifest, projectID)
}

// splitNodeKey parses a node key scanned under nodePrefix(projectID).
func splitNodeKey(projectID string, key []byte) (label ast.NodeLabel, nodeID string, ok bool) {
	rest := bytes.TrimPrefix(key, nodePrefix(projectID))
	parts := bytes.SplitN(rest, keySepSlice, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return ast.NodeLabel(parts[0]), string(parts[1]), true
}

// splitOutKey parses an outgoing edge key scanned under
// outPrefix(projectID).
func splitOutKey(projectID string, key []byte) (srcID string, label ast.EdgeLabel, dstID string, ok bool) {
	rest := bytes.TrimPrefix(key, outPrefix(projectID))
	parts := bytes.SplitN(rest, keySepSlice, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), ast.EdgeLabel(parts[1]), string(parts[2]), true
}

// splitInKey parses a reverse index key scanned under
// inPrefix(projectID) or inDstPrefix.
func splitInKey(projectID string, key []byte) (dstID string, label ast.EdgeLabel, srcID string, ok bool) {
	rest := bytes.TrimPrefix(key, inPrefix(projectID))
	parts := bytes.SplitN(rest, keySepSlice, 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return string(parts[0]), ast.EdgeLabel(parts[1]), string(parts[2]), true
}
