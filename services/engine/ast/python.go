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
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonProjectorOption configures a PythonProjector instance.
type PythonProjectorOption func(*PythonProjector)

// WithPythonMaxFileSize sets the maximum file size the projector accepts.
func WithPythonMaxFileSize(bytes int64) PythonProjectorOption {
	return func(p *PythonProjector) {
		if bytes > 0 {
			p.maxFileSize = bytes
		}
	}
}

// PythonProjector projects Python source files into the uniform graph
// schema.
//
// Description:
//
//	PythonProjector uses tree-sitter to parse Python source and extract
//	classes, functions, methods, imports, same-file calls and class
//	inheritance. Relative imports are resolved against the file's own
//	package path; absolute imports keep the declared dotted name.
//
// Thread Safety:
//
//	PythonProjector instances are safe for concurrent use. Each Project
//	call creates its own tree-sitter parser.
type PythonProjector struct {
	maxFileSize int64
}

// NewPythonProjector creates a PythonProjector with the given options.
func NewPythonProjector(opts ...PythonProjectorOption) *PythonProjector {
	p := &PythonProjector{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Language returns "python".
func (p *PythonProjector) Language() string { return "python" }

// Extensions returns the extensions handled by this projector.
func (p *PythonProjector) Extensions() []string { return []string{".py", ".pyi"} }

// Project parses Python source and emits its graph projection.
//
// Inputs:
//   - ctx: Context for cancellation. Checked before and after parsing.
//   - projectID: Scope prefix for all emitted identifiers.
//   - filePath: Path relative to the repository root, forward slashes.
//   - content: Raw source bytes. Must be valid UTF-8.
//
// Outputs:
//   - *ParsedFile: The projection, never nil on success. Syntax errors
//     are reported in ParsedFile.Errors with the partial result intact.
//   - error: ErrInputTooLarge, ErrUnsupportedInput, ErrParseFailed or a
//     context error.
//
// Thread Safety: safe for concurrent use.
func (p *PythonProjector) Project(ctx context.Context, projectID, filePath string, content []byte) (*ParsedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled before start: %w", err)
	}

	hash, err := checkInput(content, filePath, p.maxFileSize)
	if err != nil {
		return nil, err
	}

	ctx, span := startProjectSpan(ctx, "python", filePath, len(content))
	defer span.End()
	start := time.Now()

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordProjection(ctx, "python", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after parse: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		recordProjection(ctx, "python", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: parser returned nil root node", ErrParseFailed)
	}

	module, pkg := pythonModule(filePath)
	fileID := FileID(projectID, filePath)

	pf := &ParsedFile{
		ProjectID: projectID,
		Path:      filePath,
		Language:  "python",
		Hash:      hash,
		Module:    module,
		Classes:   make([]Class, 0),
		Functions: make([]Function, 0),
		Imports:   make([]Import, 0),
		Calls:     make([]Call, 0),
		Inherits:  make([]Inheritance, 0),
		Errors:    collectSyntaxErrors(root),
	}

	w := &pythonWalker{
		projector: p,
		content:   content,
		fileID:    fileID,
		pkg:       pkg,
		ids:       newIDAllocator(),
		pf:        pf,
		topLevel:  make(map[string]string),
		methods:   make(map[string]map[string]string),
		classes:   make(map[string]string),
	}
	w.walkModule(root)
	w.resolveInherits()
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
		Language:     "python",
		LinesOfCode:  totalLines,
		CommentLines: comments,
		CommentRatio: pf.Metrics.CommentRatio,
	}

	if err := pf.Validate(); err != nil {
		recordProjection(ctx, "python", time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	setProjectSpanResult(span, len(pf.Classes), len(pf.Functions), len(pf.Imports), len(pf.Errors))
	elements := len(pf.Classes) + len(pf.Functions) + len(pf.Imports) + len(pf.Calls) + len(pf.Inherits)
	recordProjection(ctx, "python", time.Since(start), elements, true)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("projection canceled after extraction: %w", err)
	}
	return pf, nil
}

// pythonModule derives the dotted module identity of a file and the
// package it resolves relative imports against.
//
// "pkg/sub/mod.py" yields module "pkg.sub.mod" with package "pkg.sub";
// "pkg/sub/__init__.py" yields module and package "pkg.sub".
func pythonModule(filePath string) (module, pkg string) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(filePath, ".pyi"), ".py")
	parts := strings.Split(trimmed, "/")
	if parts[len(parts)-1] == "__init__" {
		parts = parts[:len(parts)-1]
		module = strings.Join(parts, ".")
		return module, module
	}
	module = strings.Join(parts, ".")
	return module, strings.Join(parts[:len(parts)-1], ".")
}

// pyFunc tracks one extracted function through the two-phase walk. The
// first phase collects declarations; the second resolves call sites, so
// forward references within the file work the way Python resolves them
// at runtime.
type pyFunc struct {
	node    *sitter.Node
	body    *sitter.Node
	id      string
	classID string
	class   string
	parent  *pyFunc
	nested  map[string]string
}

// pythonWalker holds the per-projection traversal state.
type pythonWalker struct {
	projector *PythonProjector
	content   []byte
	fileID    string
	pkg       string
	ids       *idAllocator
	pf        *ParsedFile

	funcs    []*pyFunc
	topLevel map[string]string            // top-level function name -> id
	methods  map[string]map[string]string // class name -> method name -> id
	classes  map[string]string            // class name -> class id
}

func (w *pythonWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

// walkModule processes top-level statements in source order.
func (w *pythonWalker) walkModule(root *sitter.Node) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "import_statement":
			w.processImport(child)
		case "import_from_statement":
			w.processFromImport(child)
		case "class_definition":
			w.processClass(child, nil)
		case "function_definition":
			w.processFunction(child, nil, "", "", nil)
		case "decorated_definition":
			w.processDecorated(child, "", "", nil)
		}
	}
}

// processDecorated unwraps a decorated class or function definition.
func (w *pythonWalker) processDecorated(node *sitter.Node, classID, className string, parent *pyFunc) {
	var decorators []string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "decorator":
			decorators = append(decorators, strings.TrimPrefix(w.text(child), "@"))
		case "class_definition":
			w.processClass(child, decorators)
		case "function_definition":
			w.processFunction(child, decorators, classID, className, parent)
		}
	}
}

// processImport handles "import a.b" and "import a.b as ab" forms.
func (w *pythonWalker) processImport(node *sitter.Node) {
	line := int(node.StartPoint().Row + 1)
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "dotted_name":
			name := w.text(child)
			w.appendImport(name, name, "", "import", line)
		case "aliased_import":
			var name, alias string
			for j := 0; j < int(child.ChildCount()); j++ {
				gc := child.Child(j)
				switch gc.Type() {
				case "dotted_name":
					name = w.text(gc)
				case "identifier":
					alias = w.text(gc)
				}
			}
			if name != "" {
				w.appendImport(name, name, alias, "import", line)
			}
		}
	}
}

// processFromImport handles "from X import a, b as c" including relative
// forms. Each imported name becomes its own Import entry so downstream
// dedup operates on resolved module targets.
func (w *pythonWalker) processFromImport(node *sitter.Node) {
	line := int(node.StartPoint().Row + 1)

	var base string
	var relative bool
	var dots int
	sawImport := false
	type namedImport struct{ name, alias string }
	var names []namedImport

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import":
			sawImport = true
		case "relative_import":
			relative = true
			for j := 0; j < int(child.ChildCount()); j++ {
				gc := child.Child(j)
				switch gc.Type() {
				case "import_prefix":
					dots = len(w.text(gc))
				case "dotted_name":
					base = w.text(gc)
				}
			}
		case "dotted_name":
			if !sawImport {
				base = w.text(child)
			} else {
				names = append(names, namedImport{name: w.text(child)})
			}
		case "aliased_import":
			var name, alias string
			for j := 0; j < int(child.ChildCount()); j++ {
				gc := child.Child(j)
				switch gc.Type() {
				case "dotted_name":
					name = w.text(gc)
				case "identifier":
					alias = w.text(gc)
				}
			}
			if name != "" {
				names = append(names, namedImport{name: name, alias: alias})
			}
		case "wildcard_import":
			names = append(names, namedImport{name: "*"})
		}
	}

	prefix := base
	if relative {
		prefix = resolveRelativeModule(w.pkg, dots, base)
	}

	for _, n := range names {
		module := prefix
		// "from . import sibling" points at the sibling module itself.
		if relative && base == "" && n.name != "*" {
			if module == "" {
				module = n.name
			} else {
				module = module + "." + n.name
			}
		}
		w.appendImport(n.name, module, n.alias, "from", line)
	}
}

// resolveRelativeModule resolves a relative import against the package
// path. One dot anchors at the package itself; each extra dot climbs one
// package level.
func resolveRelativeModule(pkg string, dots int, trailing string) string {
	base := ""
	if pkg != "" {
		parts := strings.Split(pkg, ".")
		climb := dots - 1
		if climb > len(parts) {
			climb = len(parts)
		}
		base = strings.Join(parts[:len(parts)-climb], ".")
	}
	switch {
	case base == "":
		return trailing
	case trailing == "":
		return base
	default:
		return base + "." + trailing
	}
}

func (w *pythonWalker) appendImport(name, module, alias, importType string, line int) {
	id := w.ids.allocate(ImportID(w.fileID, name), line)
	w.pf.Imports = append(w.pf.Imports, Import{
		ID:         id,
		Name:       name,
		Module:     module,
		Alias:      alias,
		ImportType: importType,
		Line:       line,
	})
}

// processClass extracts a class definition, its bases and its methods.
func (w *pythonWalker) processClass(node *sitter.Node, decorators []string) {
	var name string
	var bases []string
	var body *sitter.Node

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "identifier":
			if name == "" {
				name = w.text(child)
			}
		case "argument_list":
			for j := 0; j < int(child.ChildCount()); j++ {
				arg := child.Child(j)
				if arg.Type() == "identifier" || arg.Type() == "attribute" {
					bases = append(bases, w.text(arg))
				}
			}
		case "block":
			body = child
		}
	}

	if name == "" {
		return
	}

	startLine := int(node.StartPoint().Row + 1)
	classID := w.ids.allocate(ClassID(w.fileID, name), startLine)

	cls := Class{
		ID:         classID,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(node.EndPoint().Row + 1),
		Bases:      bases,
		Decorators: decorators,
		Doc:        docstring(body, w.content),
	}
	w.pf.Classes = append(w.pf.Classes, cls)
	if _, ok := w.classes[name]; !ok {
		w.classes[name] = classID
	}
	if _, ok := w.methods[name]; !ok {
		w.methods[name] = make(map[string]string)
	}

	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			stmt := body.Child(i)
			switch stmt.Type() {
			case "function_definition":
				w.processFunction(stmt, nil, classID, name, nil)
			case "decorated_definition":
				w.processDecorated(stmt, classID, name, nil)
			}
		}
	}
}

// processFunction extracts a function or method definition, then
// recurses into nested definitions. classID is set for methods; parent
// is set for functions nested inside another function.
func (w *pythonWalker) processFunction(node *sitter.Node, decorators []string, classID, className string, parent *pyFunc) {
	var name string
	var isAsync bool
	var params *sitter.Node
	var body *sitter.Node

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "async":
			isAsync = true
		case "identifier":
			if name == "" {
				name = w.text(child)
			}
		case "parameters":
			params = child
		case "block":
			body = child
		}
	}

	if name == "" {
		return
	}

	startLine := int(node.StartPoint().Row + 1)
	var id string
	if classID != "" {
		id = w.ids.allocate(MethodID(classID, name), startLine)
	} else {
		id = w.ids.allocate(FunctionID(w.fileID, name), startLine)
	}

	fn := Function{
		ID:         id,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(node.EndPoint().Row + 1),
		Complexity: 1 + countPythonDecisions(body),
		IsAsync:    isAsync,
		IsMethod:   classID != "",
		ClassID:    classID,
		Parameters: pythonParameters(params, w.content),
		Decorators: decorators,
		Doc:        docstring(body, w.content),
	}
	w.pf.Functions = append(w.pf.Functions, fn)

	rec := &pyFunc{
		node:    node,
		body:    body,
		id:      id,
		classID: classID,
		class:   className,
		parent:  parent,
		nested:  make(map[string]string),
	}
	w.funcs = append(w.funcs, rec)

	switch {
	case parent != nil:
		if _, ok := parent.nested[name]; !ok {
			parent.nested[name] = id
		}
	case classID != "":
		if m := w.methods[className]; m != nil {
			if _, ok := m[name]; !ok {
				m[name] = id
			}
		}
	default:
		if _, ok := w.topLevel[name]; !ok {
			w.topLevel[name] = id
		}
	}

	// Nested definitions inherit this function as lexical parent. A
	// class nested in a function is walked for completeness but its
	// methods resolve against the nested class, not the parent scope.
	if body != nil {
		for i := 0; i < int(body.ChildCount()); i++ {
			stmt := body.Child(i)
			switch stmt.Type() {
			case "function_definition":
				w.processFunction(stmt, nil, classID, className, rec)
			case "decorated_definition":
				w.processDecorated(stmt, classID, className, rec)
			case "class_definition":
				w.processClass(stmt, nil)
			}
		}
	}
}

// pythonParameters extracts parameter names in declaration order. Splat
// parameters keep their star prefix.
func pythonParameters(params *sitter.Node, content []byte) []string {
	if params == nil {
		return nil
	}
	out := make([]string, 0, params.ChildCount())
	for i := 0; i < int(params.ChildCount()); i++ {
		child := params.Child(i)
		switch child.Type() {
		case "identifier":
			out = append(out, string(content[child.StartByte():child.EndByte()]))
		case "typed_parameter":
			if child.ChildCount() > 0 {
				first := child.Child(0)
				out = append(out, string(content[first.StartByte():first.EndByte()]))
			}
		case "default_parameter", "typed_default_parameter":
			if nameNode := child.ChildByFieldName("name"); nameNode != nil {
				out = append(out, string(content[nameNode.StartByte():nameNode.EndByte()]))
			}
		case "list_splat_pattern", "dictionary_splat_pattern":
			out = append(out, string(content[child.StartByte():child.EndByte()]))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// docstring returns the text of the block's leading string literal,
// stripped of quotes, or "".
func docstring(body *sitter.Node, content []byte) string {
	if body == nil || body.ChildCount() == 0 {
		return ""
	}
	first := body.Child(0)
	if first.Type() != "expression_statement" || first.ChildCount() == 0 {
		return ""
	}
	str := first.Child(0)
	if str.Type() != "string" {
		return ""
	}
	return cleanDocstring(string(content[str.StartByte():str.EndByte()]))
}

// cleanDocstring strips string prefixes and quotes from a docstring
// literal.
func cleanDocstring(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, "'''", `"`, "'"} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return strings.TrimSpace(s)
}

// pythonDecisionTypes are the node types that each add one McCabe
// decision point. boolean_operator covers short-circuit operators: a
// chain of n operands produces n-1 operator nodes. if_clause covers
// comprehension conditionals.
var pythonDecisionTypes = map[string]bool{
	"if_statement":           true,
	"elif_clause":            true,
	"for_statement":          true,
	"while_statement":        true,
	"except_clause":          true,
	"case_clause":            true,
	"conditional_expression": true,
	"boolean_operator":       true,
	"if_clause":              true,
	"for_in_clause":          true,
}

// pythonBarrierTypes stop the complexity walk: nested definitions are
// measured on their own.
var pythonBarrierTypes = map[string]bool{
	"function_definition": true,
	"class_definition":    true,
}

// countPythonDecisions counts decision points in a function body,
// excluding nested definitions.
func countPythonDecisions(body *sitter.Node) int {
	return countDecisions(body, pythonDecisionTypes, pythonBarrierTypes, nil)
}

// resolveInherits emits INHERITS_FROM for bases declared in the same
// file. Dotted bases never match: they refer to another module.
func (w *pythonWalker) resolveInherits() {
	for _, cls := range w.pf.Classes {
		for _, base := range cls.Bases {
			if baseID, ok := w.classes[base]; ok {
				w.pf.Inherits = append(w.pf.Inherits, Inheritance{ClassID: cls.ID, BaseID: baseID})
			}
		}
	}
}

// resolveCalls walks every collected function body and emits CALLS for
// call sites that resolve to a name declared in this file: plain names
// against the lexical scope chain, self-attribute calls against sibling
// methods.
func (w *pythonWalker) resolveCalls() {
	for _, fn := range w.funcs {
		if fn.body == nil {
			continue
		}
		w.walkCalls(fn.body, fn)
	}
}

func (w *pythonWalker) walkCalls(node *sitter.Node, fn *pyFunc) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		t := child.Type()
		// Nested definitions own their call sites.
		if t == "function_definition" || t == "class_definition" || t == "decorated_definition" {
			continue
		}
		if t == "call" {
			w.resolveCall(child, fn)
		}
		w.walkCalls(child, fn)
	}
}

func (w *pythonWalker) resolveCall(call *sitter.Node, fn *pyFunc) {
	target := call.ChildByFieldName("function")
	if target == nil {
		return
	}
	line := int(call.StartPoint().Row + 1)

	switch target.Type() {
	case "identifier":
		name := w.text(target)
		if calleeID, ok := w.lookupScope(fn, name); ok {
			w.pf.Calls = append(w.pf.Calls, Call{CallerID: fn.id, CalleeID: calleeID, Line: line})
		}
	case "attribute":
		obj := target.ChildByFieldName("object")
		attr := target.ChildByFieldName("attribute")
		if obj == nil || attr == nil {
			return
		}
		if obj.Type() != "identifier" || w.text(obj) != "self" || fn.class == "" {
			return
		}
		if m := w.methods[fn.class]; m != nil {
			if calleeID, ok := m[w.text(attr)]; ok {
				w.pf.Calls = append(w.pf.Calls, Call{CallerID: fn.id, CalleeID: calleeID, Line: line})
			}
		}
	}
}

// lookupScope resolves a plain name through the lexical scope chain:
// own nested functions, then each enclosing function's, then the
// module's top-level functions. Class scope is skipped, as in Python.
func (w *pythonWalker) lookupScope(fn *pyFunc, name string) (string, bool) {
	for cur := fn; cur != nil; cur = cur.parent {
		if id, ok := cur.nested[name]; ok {
			return id, true
		}
	}
	id, ok := w.topLevel[name]
	return id, ok
}

// Compile-time interface compliance check.
var _ Projector = (*PythonProjector)(nil)
