// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// GoProjectorOption configures a GoProjector instance.
type GoProjectorOption func(*GoProjector)

// WithGoMaxFileSize sets the maximum file size the projector accepts.
func WithGoMaxFileSize(bytes int64) GoProjectorOption {
	return func(p *GoProjector) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// GoProjector projects Go source files into the uniform graph schema.
//
// Struct and interface declarations map to Class nodes; methods attach
// to the Class when the receiver type is declared in the same file and
// are emitted as plain functions otherwise. Embedded struct and
// interface types declared in the same file produce INHERITS_FROM
// edges. A file's module identity is its directory path, which matches
// import paths after RewriteModules shortens them to in-module form.
//
// Thread Safety: safe for concurrent use; a fresh tree-sitter parser is
// created per call.
type GoProjector struct {
	maxFileSize int64
}

// NewGoProjector creates a GoProjector with the given options.
func NewGoProjector(opts ...GoProjectorOption) *GoProjector {
	p := &GoProjector{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "go".
func (p *GoProjector) Language() string { return "go" }

// Extensions returns the extensions handled by this projector.
func (p *GoProjector) Extensions() []string { return []string{".go"} }

// Project parses Go source and emits its graph projection.
func (p *GoProjector) Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled before start: %w", err)
	}

	hash, err := checkInput(content, filePath, p.maxFileSize)
	if err != nil {
		return nil, err
	}

	ctx, span := startProjectSpan(ctx, "go", filePath, len(content))
	defer span.End()
	start := time.Now()

	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordProjection(ctx, "go", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		recordProjection(ctx, "go", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: parser returned nil root node", ErrParseFailed)
	}

	fileID := FileID(projectID, filePath)
	pf := &ParsedFile{
		ProjectID: projectID,
		Path:      filePath,
		Language:  "go",
		Hash:      hash,
		Module:    goModule(filePath),
		Classes:   make([]Class, 0),
		Functions: make([]Function, 0),
		Imports:   make([]Import, 0),
		Calls:     make([]Call, 0),
		Inherits:  make([]Inheritance, 0),
		Errors:    collectSyntaxErrors(root),
	}

	w := &goWalker{
		content:  content,
		fileID:   fileID,
		ids:      newIDAllocator(),
		pf:       pf,
		topLevel: make(map[string]string),
		types:    make(map[string]string),
		methods:  make(map[string]map[string]string),
	}
	w.walkFile(root)
	w.resolveEmbeds()
	w.resolveCalls()

	totalLines := countLines(content)
	comments := countCommentLines(root, "comment")
	pf.Metrics = FileMetrics{
		TotalLines:   totalLines,
		CommentLines: comments,
		CommentRatio: commentRatio(comments, totalLines),
	}
	pf.File = FileNode{
		ID:           fileID,
		Path:         filePath,
		Language:     "go",
		LinesOfCode:  totalLines,
		CommentLines: comments,
		CommentRatio: pf.Metrics.CommentRatio,
	}

	if err := pf.Validate(); err != nil {
		recordProjection(ctx, "go", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	setProjectSpanResult(span, len(pf.Classes), len(pf.Functions), len(pf.Imports), len(pf.Errors))
	elements := len(pf.Classes) + len(pf.Functions) + len(pf.Imports) + len(pf.Calls) + len(pf.Inherits)
	recordProjection(ctx, "go", time.Since(start), elements, true)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after extraction: %w", err)
	}
	return pf, nil
}

// goModule derives a file's module identity: its directory path, "." at
// the repository root.
func goModule(filePath string) string {
	return path.Dir(filePath)
}

// goFunc tracks one function or method for call resolution.
type goFunc struct {
	body     *sitter.Node
	id       string
	recvName string
	recvType string
}

// goEmbed is an embedded type observed in a struct or interface body,
// resolved against same-file type declarations once all are known.
type goEmbed struct {
	classID string
	base    string
}

type goWalker struct {
	content []byte
	fileID  string
	ids     *idAllocator
	pf      *ParsedFile

	funcs    []*goFunc
	embeds   []goEmbed
	topLevel map[string]string            // function name -> id
	types    map[string]string            // type name -> class id
	methods  map[string]map[string]string // type name -> method name -> id
}

func (w *goWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

func (w *goWalker) walkFile(root *sitter.Node) {
	// Types first, so a method declared above its receiver type still
	// attaches to it.
	for i := 0; i < int(root.ChildCount()); i++ {
		if child := root.Child(i); child.Type() == "type_declaration" {
			w.processTypeDecl(child, root)
		}
	}
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "import_declaration":
			w.processImportDecl(child)
		case "function_declaration":
			w.processFunction(child, root)
		case "method_declaration":
			w.processMethod(child, root)
		}
	}
}

func (w *goWalker) processImportDecl(node *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import_spec":
			w.processImportSpec(child)
		case "import_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				if spec := child.Child(j); spec.Type() == "import_spec" {
					w.processImportSpec(spec)
				}
			}
		}
	}
}

func (w *goWalker) processImportSpec(node *sitter.Node) {
	var alias, importPath string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "package_identifier", "blank_identifier", "dot":
			alias = w.text(child)
		case "interpreted_string_literal":
			importPath = strings.Trim(w.text(child), "\"")
		}
	}
	if importPath == "" {
		return
	}

	line := int(node.StartPoint().Row + 1)
	id := w.ids.allocate(ImportID(w.fileID, importPath), line)
	w.pf.Imports = append(w.pf.Imports, Import{
		ID:         id,
		Name:       importPath,
		Module:     importPath,
		Alias:      alias,
		ImportType: "import",
		Line:       line,
	})
}

// processTypeDecl emits Class nodes for struct and interface types and
// records embedded types for inheritance resolution.
func (w *goWalker) processTypeDecl(node *sitter.Node, root *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		spec := node.Child(i)
		if spec.Type() != "type_spec" {
			continue
		}

		var name string
		var typeNode *sitter.Node
		for j := 0; j < int(spec.ChildCount()); j++ {
			child := spec.Child(j)
			switch child.Type() {
			case "type_identifier":
				if name == "" {
					name = w.text(child)
				}
			case "struct_type", "interface_type":
				typeNode = child
			}
		}
		if name == "" || typeNode == nil {
			continue
		}

		startLine := int(spec.StartPoint().Row + 1)
		classID := w.ids.allocate(ClassID(w.fileID, name), startLine)

		bases := w.embeddedTypes(typeNode)
		w.pf.Classes = append(w.pf.Classes, Class{
			ID:        classID,
			Name:      name,
			StartLine: startLine,
			EndLine:   int(spec.EndPoint().Row + 1),
			Bases:     bases,
			Doc:       precedingComment(root, node, w.content),
		})
		if _, ok := w.types[name]; !ok {
			w.types[name] = classID
		}
		if _, ok := w.methods[name]; !ok {
			w.methods[name] = make(map[string]string)
		}
		for _, base := range bases {
			w.embeds = append(w.embeds, goEmbed{classID: classID, base: base})
		}
	}
}

// embeddedTypes lists embedded type names in a struct or interface
// body: struct field declarations without a field name, and bare type
// names inside the interface method spec list.
func (w *goWalker) embeddedTypes(typeNode *sitter.Node) []string {
	var bases []string
	for i := 0; i < int(typeNode.ChildCount()); i++ {
		child := typeNode.Child(i)
		switch child.Type() {
		case "field_declaration_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				field := child.Child(j)
				if field.Type() != "field_declaration" {
					continue
				}
				if field.ChildByFieldName("name") != nil {
					continue
				}
				if t := field.ChildByFieldName("type"); t != nil {
					bases = append(bases, strings.TrimPrefix(w.text(t), "*"))
				}
			}
		case "method_spec_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				spec := child.Child(j)
				if spec.Type() == "type_identifier" || spec.Type() == "qualified_type" {
					bases = append(bases, w.text(spec))
				}
			}
		case "type_identifier", "qualified_type":
			bases = append(bases, w.text(child))
		}
	}
	return bases
}

func (w *goWalker) processFunction(node *sitter.Node, root *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	startLine := int(node.StartPoint().Row + 1)
	id := w.ids.allocate(FunctionID(w.fileID, name), startLine)
	body := node.ChildByFieldName("body")

	w.pf.Functions = append(w.pf.Functions, Function{
		ID:         id,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(node.EndPoint().Row + 1),
		Complexity: 1 + countGoDecisions(body),
		Parameters: goParameters(node.ChildByFieldName("parameters"), w.content),
		Doc:        precedingComment(root, node, w.content),
	})

	w.funcs = append(w.funcs, &goFunc{body: body, id: id})
	if _, ok := w.topLevel[name]; !ok {
		w.topLevel[name] = id
	}
}

// processMethod attaches the method to its receiver type's Class when
// that type is declared in the same file; otherwise the method is
// emitted as a plain function. Resolution is strictly single-file.
func (w *goWalker) processMethod(node *sitter.Node, root *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)
	recvName, recvType := w.receiver(node.ChildByFieldName("receiver"))

	startLine := int(node.StartPoint().Row + 1)
	body := node.ChildByFieldName("body")

	classID, declared := w.types[recvType]
	var id string
	if declared {
		id = w.ids.allocate(MethodID(classID, name), startLine)
	} else {
		id = w.ids.allocate(FunctionID(w.fileID, name), startLine)
		classID = ""
	}

	w.pf.Functions = append(w.pf.Functions, Function{
		ID:         id,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(node.EndPoint().Row + 1),
		Complexity: 1 + countGoDecisions(body),
		IsMethod:   declared,
		ClassID:    classID,
		Parameters: goParameters(node.ChildByFieldName("parameters"), w.content),
		Doc:        precedingComment(root, node, w.content),
	})

	w.funcs = append(w.funcs, &goFunc{body: body, id: id, recvName: recvName, recvType: recvType})
	if declared {
		if m := w.methods[recvType]; m != nil {
			if _, ok := m[name]; !ok {
				m[name] = id
			}
		}
	}
}

// receiver extracts the receiver name and bare type name from a method
// receiver parameter list.
func (w *goWalker) receiver(recv *sitter.Node) (name, typeName string) {
	if recv == nil {
		return "", ""
	}
	for i := 0; i < int(recv.ChildCount()); i++ {
		child := recv.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		if n := child.ChildByFieldName("name"); n != nil {
			name = w.text(n)
		}
		if t := child.ChildByFieldName("type"); t != nil {
			typeName = strings.TrimPrefix(w.text(t), "*")
			// Drop type parameters on generic receivers.
			if idx := strings.IndexByte(typeName, '['); idx > 0 {
				typeName = typeName[:idx]
			}
		}
	}
	return name, typeName
}

// goParameters extracts parameter names in declaration order.
func goParameters(params *sitter.Node, content []byte) []string {
	if params == nil {
		return nil
	}
	var out []string
	for i := 0; i < int(params.ChildCount()); i++ {
		child := params.Child(i)
		if child.Type() != "parameter_declaration" && child.Type() != "variadic_parameter_declaration" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			gc := child.Child(j)
			if gc.Type() == "identifier" {
				out = append(out, string(content[gc.StartByte():gc.EndByte()]))
			}
		}
	}
	return out
}

// goDecisionTypes: if, for, switch and select arms each add one
// decision point. Go's only loop keyword is for.
var goDecisionTypes = map[string]bool{
	"if_statement":       true,
	"for_statement":      true,
	"expression_case":    true,
	"type_case":          true,
	"communication_case": true,
}

// countGoDecisions counts decision points including && and || operators.
// Function literals belong to their enclosing function, so they are
// descended rather than treated as barriers.
func countGoDecisions(body *sitter.Node) int {
	return countDecisions(body, goDecisionTypes, nil, func(n *sitter.Node) int {
		if n.Type() != "binary_expression" {
			return 0
		}
		op := n.ChildByFieldName("operator")
		if op == nil {
			return 0
		}
		switch op.Type() {
		case "&&", "||":
			return 1
		}
		return 0
	})
}

// resolveEmbeds emits INHERITS_FROM for embedded types declared in the
// same file.
func (w *goWalker) resolveEmbeds() {
	for _, e := range w.embeds {
		if baseID, ok := w.types[e.base]; ok {
			w.pf.Inherits = append(w.pf.Inherits, Inheritance{ClassID: e.classID, BaseID: baseID})
		}
	}
}

// resolveCalls emits CALLS edges for call sites resolvable within the
// file: plain identifiers against top-level functions, and selector
// calls through the method's own receiver against sibling methods.
func (w *goWalker) resolveCalls() {
	for _, fn := range w.funcs {
		if fn.body == nil {
			continue
		}
		w.walkCalls(fn.body, fn)
	}
}

func (w *goWalker) walkCalls(node *sitter.Node, fn *goFunc) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "call_expression" {
			w.resolveCall(child, fn)
		}
		w.walkCalls(child, fn)
	}
}

func (w *goWalker) resolveCall(call *sitter.Node, fn *goFunc) {
	target := call.ChildByFieldName("function")
	if target == nil {
		return
	}
	line := int(call.StartPoint().Row + 1)

	switch target.Type() {
	case "identifier":
		if calleeID, ok := w.topLevel[w.text(target)]; ok {
			w.pf.Calls = append(w.pf.Calls, Call{CallerID: fn.id, CalleeID: calleeID, Line: line})
		}
	case "selector_expression":
		operand := target.ChildByFieldName("operand")
		field := target.ChildByFieldName("field")
		if operand == nil || field == nil {
			return
		}
		if fn.recvName == "" || operand.Type() != "identifier" || w.text(operand) != fn.recvName {
			return
		}
		if m := w.methods[fn.recvType]; m != nil {
			if calleeID, ok := m[w.text(field)]; ok {
				w.pf.Calls = append(w.pf.Calls, Call{CallerID: fn.id, CalleeID: calleeID, Line: line})
			}
		}
	}
}

// Compile-time interface compliance check.
var _ Projector = (*GoProjector)(nil)
