// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// maxSyntaxErrors caps the number of syntax errors reported per file.
const maxSyntaxErrors = 20

// collectSyntaxErrors walks the tree in pre-order and reports ERROR and
// MISSING nodes as SyntaxError data, capped at maxSyntaxErrors. The
// subtree under an ERROR node is not descended: one report per region.
func collectSyntaxErrors(root *sitter.Node) []SyntaxError {
	errs := make([]SyntaxError, 0)
	if root == nil {
		return errs
	}

	stack := []*sitter.Node{root}
	for len(stack) > 0 && len(errs) < maxSyntaxErrors {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.IsError() {
			errs = append(errs, SyntaxError{
				Line:    int(node.StartPoint().Row + 1),
				Message: "syntax error",
			})
			continue
		}
		if node.IsMissing() {
			errs = append(errs, SyntaxError{
				Line:    int(node.StartPoint().Row + 1),
				Message: "missing " + node.Type(),
			})
			continue
		}
		if !node.HasError() {
			continue
		}

		// Push children in reverse so the walk stays pre-order.
		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, node.Child(i))
		}
	}
	return errs
}

// countCommentLines counts source lines covered by comment nodes of the
// given type. Lines shared by several comments count once.
func countCommentLines(root *sitter.Node, commentType string) int {
	if root == nil {
		return 0
	}
	covered := make(map[uint32]bool)

	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if node.Type() == commentType {
			for row := node.StartPoint().Row; row <= node.EndPoint().Row; row++ {
				covered[row] = true
			}
			continue
		}
		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, node.Child(i))
		}
	}
	return len(covered)
}

// countDecisions counts McCabe decision points under node. Node types in
// decisions each add one; types in barriers are not descended (nested
// definitions score separately). shortCircuit, when non-nil, is called
// on every node to score operator-sensitive constructs such as Go's
// binary_expression, where only && and || count.
func countDecisions(node *sitter.Node, decisions, barriers map[string]bool, shortCircuit func(*sitter.Node) int) int {
	if node == nil {
		return 0
	}
	count := 0

	stack := []*sitter.Node{node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		t := cur.Type()
		if barriers[t] {
			continue
		}
		if decisions[t] {
			count++
		}
		if shortCircuit != nil {
			count += shortCircuit(cur)
		}
		for i := int(cur.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, cur.Child(i))
		}
	}
	return count
}

// precedingComment returns the comment node text immediately above the
// given child of parent, with comment markers stripped. Consecutive
// line comments are joined.
func precedingComment(parent, node *sitter.Node, content []byte) string {
	if parent == nil || node == nil {
		return ""
	}

	var lines []string
	wantRow := int(node.StartPoint().Row) - 1
	for i := int(parent.ChildCount()) - 1; i >= 0; i-- {
		sibling := parent.Child(i)
		if sibling.Type() != "comment" {
			continue
		}
		endRow := int(sibling.EndPoint().Row)
		if endRow != wantRow {
			continue
		}
		lines = append([]string{cleanComment(string(content[sibling.StartByte():sibling.EndByte()]))}, lines...)
		wantRow = int(sibling.StartPoint().Row) - 1
	}
	return strings.Join(lines, "\n")
}

// cleanComment strips line and block comment markers.
func cleanComment(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "//"):
		return strings.TrimSpace(strings.TrimPrefix(s, "//"))
	case strings.HasPrefix(s, "#"):
		return strings.TrimSpace(strings.TrimPrefix(s, "#"))
	case strings.HasPrefix(s, "/*"):
		s = strings.TrimPrefix(s, "/*")
		s = strings.TrimSuffix(s, "*/")
		return strings.TrimSpace(s)
	default:
		return s
	}
}
