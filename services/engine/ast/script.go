// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// scriptWalker implements the extraction shared by the TypeScript and
// JavaScript projectors. The two grammars emit the same node types for
// every construct projected here; TypeScript-only constructs such as
// interface declarations simply never match under the JavaScript
// grammar.
type scriptWalker struct {
	content []byte
	fileID  string
	dir     string
	ids     *idAllocator
	pf      *ParsedFile

	funcs    []*scriptFunc
	topLevel map[string]string            // top-level function name -> id
	methods  map[string]map[string]string // class name -> method name -> id
	classes  map[string]string            // class name -> class id
}

// scriptFunc tracks one function for the call-resolution phase.
type scriptFunc struct {
	body   *sitter.Node
	id     string
	class  string
	parent *scriptFunc
	nested map[string]string
}

func newScriptWalker(content []byte, fileID, filePath string, pf *ParsedFile) *scriptWalker {
	return &scriptWalker{
		content:  content,
		fileID:   fileID,
		dir:      path.Dir(filePath),
		ids:      newIDAllocator(),
		pf:       pf,
		topLevel: make(map[string]string),
		methods:  make(map[string]map[string]string),
		classes:  make(map[string]string),
	}
}

func (w *scriptWalker) text(n *sitter.Node) string {
	return string(w.content[n.StartByte():n.EndByte()])
}

// scriptModule derives a file's module identity: the path without its
// extension, with a trailing /index segment dropped so imports of a
// directory resolve to the same identity.
func scriptModule(filePath string) string {
	return strings.TrimSuffix(trimScriptExtension(filePath), "/index")
}

func trimScriptExtension(p string) string {
	for _, ext := range []string{".tsx", ".ts", ".mts", ".cts", ".jsx", ".js", ".mjs", ".cjs"} {
		if strings.HasSuffix(p, ext) {
			return strings.TrimSuffix(p, ext)
		}
	}
	return p
}

// resolveScriptModule resolves an import specifier. Relative specifiers
// resolve against the importing file's directory; bare specifiers are
// package names and pass through unchanged.
func resolveScriptModule(dir, spec string) string {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && spec != "." && spec != ".." {
		return spec
	}
	resolved := path.Join(dir, spec)
	resolved = trimScriptExtension(resolved)
	return strings.TrimSuffix(resolved, "/index")
}

// walkProgram processes top-level statements in source order.
func (w *scriptWalker) walkProgram(root *sitter.Node) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		w.processStatement(child, root)
	}
}

func (w *scriptWalker) processStatement(node *sitter.Node, parent *sitter.Node) {
	switch node.Type() {
	case "import_statement":
		w.processImport(node)
	case "export_statement":
		w.processExport(node, parent)
	case "function_declaration", "generator_function_declaration":
		w.processFunction(node, parent, nil)
	case "class_declaration", "abstract_class_declaration":
		w.processClass(node, parent)
	case "interface_declaration":
		w.processInterface(node, parent)
	case "lexical_declaration", "variable_declaration":
		w.processDeclaration(node, parent)
	}
}

// processExport unwraps an exported declaration, or records a re-export
// dependency when the statement carries a source module.
func (w *scriptWalker) processExport(node *sitter.Node, parent *sitter.Node) {
	if src := node.ChildByFieldName("source"); src != nil {
		spec := stringContent(w.text(src))
		line := int(node.StartPoint().Row + 1)
		module := resolveScriptModule(w.dir, spec)
		id := w.ids.allocate(ImportID(w.fileID, spec), line)
		w.pf.Imports = append(w.pf.Imports, Import{
			ID:         id,
			Name:       spec,
			Module:     module,
			ImportType: "reexport",
			Line:       line,
		})
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		w.processStatement(node.Child(i), parent)
	}
}

// processImport handles ES module import statements.
func (w *scriptWalker) processImport(node *sitter.Node) {
	src := node.ChildByFieldName("source")
	if src == nil {
		return
	}
	spec := stringContent(w.text(src))
	module := resolveScriptModule(w.dir, spec)
	line := int(node.StartPoint().Row + 1)

	type binding struct{ name, alias string }
	var bindings []binding

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "import_clause" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			gc := child.Child(j)
			switch gc.Type() {
			case "identifier":
				// Default import binding.
				bindings = append(bindings, binding{name: w.text(gc)})
			case "namespace_import":
				for k := 0; k < int(gc.ChildCount()); k++ {
					if ggc := gc.Child(k); ggc.Type() == "identifier" {
						bindings = append(bindings, binding{name: "*", alias: w.text(ggc)})
					}
				}
			case "named_imports":
				for k := 0; k < int(gc.ChildCount()); k++ {
					ggc := gc.Child(k)
					if ggc.Type() != "import_specifier" {
						continue
					}
					b := binding{}
					if n := ggc.ChildByFieldName("name"); n != nil {
						b.name = w.text(n)
					}
					if a := ggc.ChildByFieldName("alias"); a != nil {
						b.alias = w.text(a)
					}
					if b.name != "" {
						bindings = append(bindings, b)
					}
				}
			}
		}
	}

	// Side-effect import: no bindings, the specifier itself is the name.
	if len(bindings) == 0 {
		bindings = append(bindings, binding{name: spec})
	}

	for _, b := range bindings {
		id := w.ids.allocate(ImportID(w.fileID, b.name), line)
		w.pf.Imports = append(w.pf.Imports, Import{
			ID:         id,
			Name:       b.name,
			Module:     module,
			Alias:      b.alias,
			ImportType: "import",
			Line:       line,
		})
	}
}

// processDeclaration handles const/let/var declarators: CommonJS
// require() imports and function-valued bindings.
func (w *scriptWalker) processDeclaration(node *sitter.Node, parent *sitter.Node) {
	for i := 0; i < int(node.ChildCount()); i++ {
		decl := node.Child(i)
		if decl.Type() != "variable_declarator" {
			continue
		}
		nameNode := decl.ChildByFieldName("name")
		value := decl.ChildByFieldName("value")
		if nameNode == nil || value == nil {
			continue
		}

		switch value.Type() {
		case "call_expression":
			w.processRequire(nameNode, value)
		case "arrow_function", "function_expression", "function":
			if nameNode.Type() == "identifier" {
				w.emitFunction(value, w.text(nameNode), node, parent, nil, "", "")
			}
		}
	}
}

// processRequire records const x = require('mod') as a dependency.
// Destructured requires keep the module dependency under the specifier
// name since no single binding identifier exists.
func (w *scriptWalker) processRequire(nameNode, call *sitter.Node) {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || w.text(fn) != "require" {
		return
	}
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return
	}
	var spec string
	for i := 0; i < int(args.ChildCount()); i++ {
		if arg := args.Child(i); arg.Type() == "string" {
			spec = stringContent(w.text(arg))
			break
		}
	}
	if spec == "" {
		return
	}

	line := int(call.StartPoint().Row + 1)
	name := spec
	if nameNode.Type() == "identifier" {
		name = w.text(nameNode)
	}
	id := w.ids.allocate(ImportID(w.fileID, name), line)
	w.pf.Imports = append(w.pf.Imports, Import{
		ID:         id,
		Name:       name,
		Module:     resolveScriptModule(w.dir, spec),
		ImportType: "require",
		Line:       line,
	})
}

// processFunction emits a named function declaration and recurses into
// nested declarations with this function as lexical parent.
func (w *scriptWalker) processFunction(node *sitter.Node, parent *sitter.Node, outer *scriptFunc) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	w.emitFunction(node, w.text(nameNode), node, parent, outer, "", "")
}

// emitFunction records a function under the given name. defNode carries
// the body and parameters; declNode anchors position and doc comments.
func (w *scriptWalker) emitFunction(defNode *sitter.Node, name string, declNode, parent *sitter.Node, outer *scriptFunc, classID, className string) {
	startLine := int(declNode.StartPoint().Row + 1)
	var id string
	if classID != "" {
		id = w.ids.allocate(MethodID(classID, name), startLine)
	} else {
		id = w.ids.allocate(FunctionID(w.fileID, name), startLine)
	}

	body := defNode.ChildByFieldName("body")
	params := defNode.ChildByFieldName("parameters")

	w.pf.Functions = append(w.pf.Functions, Function{
		ID:         id,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(declNode.EndPoint().Row + 1),
		Complexity: 1 + countScriptDecisions(body),
		IsAsync:    hasAsyncKeyword(defNode),
		IsMethod:   classID != "",
		ClassID:    classID,
		Parameters: scriptParameters(params, w.content),
		Decorators: w.decorators(declNode),
		Doc:        precedingComment(parent, declNode, w.content),
	})

	rec := &scriptFunc{body: body, id: id, class: className, parent: outer, nested: make(map[string]string)}
	w.funcs = append(w.funcs, rec)

	switch {
	case outer != nil:
		if _, ok := outer.nested[name]; !ok {
			outer.nested[name] = id
		}
	case className != "":
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

	if body != nil {
		w.collectNested(body, rec)
	}
}

// collectNested finds named function declarations directly inside a
// function body so they are emitted and scoped to their parent.
func (w *scriptWalker) collectNested(body *sitter.Node, outer *scriptFunc) {
	for i := 0; i < int(body.ChildCount()); i++ {
		child := body.Child(i)
		switch child.Type() {
		case "function_declaration", "generator_function_declaration":
			w.processFunction(child, body, outer)
		case "lexical_declaration", "variable_declaration":
			// Nested const f = () => {} bindings stay part of the
			// enclosing function; only require() is of interest.
			for j := 0; j < int(child.ChildCount()); j++ {
				decl := child.Child(j)
				if decl.Type() != "variable_declarator" {
					continue
				}
				nameNode := decl.ChildByFieldName("name")
				value := decl.ChildByFieldName("value")
				if nameNode != nil && value != nil && value.Type() == "call_expression" {
					w.processRequire(nameNode, value)
				}
			}
		}
	}
}

// processClass emits a Class node, its heritage and its methods.
func (w *scriptWalker) processClass(node *sitter.Node, parent *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	startLine := int(node.StartPoint().Row + 1)
	classID := w.ids.allocate(ClassID(w.fileID, name), startLine)

	var bases []string
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child.Type() == "class_heritage" {
			bases = w.heritageNames(child)
		}
	}

	w.pf.Classes = append(w.pf.Classes, Class{
		ID:         classID,
		Name:       name,
		StartLine:  startLine,
		EndLine:    int(node.EndPoint().Row + 1),
		Bases:      bases,
		Decorators: w.decorators(node),
		Doc:        precedingComment(parent, node, w.content),
	})
	if _, ok := w.classes[name]; !ok {
		w.classes[name] = classID
	}
	if _, ok := w.methods[name]; !ok {
		w.methods[name] = make(map[string]string)
	}

	body := node.ChildByFieldName("body")
	if body == nil {
		return
	}
	for i := 0; i < int(body.ChildCount()); i++ {
		member := body.Child(i)
		if member.Type() != "method_definition" {
			continue
		}
		mName := member.ChildByFieldName("name")
		if mName == nil {
			continue
		}
		w.emitFunction(member, w.text(mName), member, body, nil, classID, name)
	}
}

// processInterface emits a TypeScript interface as a Class node with its
// extended interfaces as bases. Interfaces have no method bodies, so no
// functions are emitted.
func (w *scriptWalker) processInterface(node *sitter.Node, parent *sitter.Node) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	startLine := int(node.StartPoint().Row + 1)
	classID := w.ids.allocate(ClassID(w.fileID, name), startLine)

	var bases []string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "extends_type_clause" || child.Type() == "extends_clause" {
			bases = w.heritageNames(child)
		}
	}

	w.pf.Classes = append(w.pf.Classes, Class{
		ID:        classID,
		Name:      name,
		StartLine: startLine,
		EndLine:   int(node.EndPoint().Row + 1),
		Bases:     bases,
		Doc:       precedingComment(parent, node, w.content),
	})
	if _, ok := w.classes[name]; !ok {
		w.classes[name] = classID
	}
}

// heritageNames collects base names from a heritage clause subtree.
func (w *scriptWalker) heritageNames(node *sitter.Node) []string {
	var names []string
	stack := []*sitter.Node{node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch cur.Type() {
		case "identifier", "type_identifier", "member_expression", "nested_type_identifier":
			names = append(names, w.text(cur))
			continue
		}
		for i := int(cur.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, cur.Child(i))
		}
	}
	return names
}

// decorators lists decorator expressions attached to a declaration.
func (w *scriptWalker) decorators(node *sitter.Node) []string {
	var out []string
	for i := 0; i < int(node.ChildCount()); i++ {
		if child := node.Child(i); child.Type() == "decorator" {
			out = append(out, strings.TrimPrefix(w.text(child), "@"))
		}
	}
	return out
}

// resolveInherits emits INHERITS_FROM edges for bases declared in the
// same file.
func (w *scriptWalker) resolveInherits() {
	for _, cls := range w.pf.Classes {
		for _, base := range cls.Bases {
			if baseID, ok := w.classes[base]; ok {
				w.pf.Inherits = append(w.pf.Inherits, Inheritance{ClassID: cls.ID, BaseID: baseID})
			}
		}
	}
}

// resolveCalls emits CALLS edges for call sites resolvable within the
// file: plain names against the lexical scope chain and this-calls
// against sibling methods.
func (w *scriptWalker) resolveCalls() {
	for _, fn := range w.funcs {
		if fn.body == nil {
			continue
		}
		w.walkCalls(fn.body, fn)
	}
}

func (w *scriptWalker) walkCalls(node *sitter.Node, fn *scriptFunc) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "function_declaration", "generator_function_declaration",
			"class_declaration", "abstract_class_declaration", "method_definition":
			continue
		case "call_expression":
			w.resolveCall(child, fn)
		}
		w.walkCalls(child, fn)
	}
}

func (w *scriptWalker) resolveCall(call *sitter.Node, fn *scriptFunc) {
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
	case "member_expression":
		obj := target.ChildByFieldName("object")
		prop := target.ChildByFieldName("property")
		if obj == nil || prop == nil {
			return
		}
		if obj.Type() != "this" || fn.class == "" {
			return
		}
		if m := w.methods[fn.class]; m != nil {
			if calleeID, ok := m[w.text(prop)]; ok {
				w.pf.Calls = append(w.pf.Calls, Call{CallerID: fn.id, CalleeID: calleeID, Line: line})
			}
		}
	}
}

func (w *scriptWalker) lookupScope(fn *scriptFunc, name string) (string, bool) {
	for cur := fn; cur != nil; cur = cur.parent {
		if id, ok := cur.nested[name]; ok {
			return id, true
		}
	}
	id, ok := w.topLevel[name]
	return id, ok
}

// hasAsyncKeyword reports whether the definition carries an async
// modifier.
func hasAsyncKeyword(node *sitter.Node) bool {
	for i := 0; i < int(node.ChildCount()); i++ {
		if node.Child(i).Type() == "async" {
			return true
		}
	}
	return false
}

// scriptParameters extracts parameter names in declaration order.
func scriptParameters(params *sitter.Node, content []byte) []string {
	if params == nil {
		return nil
	}
	text := func(n *sitter.Node) string {
		return string(content[n.StartByte():n.EndByte()])
	}
	var out []string
	for i := 0; i < int(params.ChildCount()); i++ {
		child := params.Child(i)
		switch child.Type() {
		case "identifier":
			out = append(out, text(child))
		case "required_parameter", "optional_parameter":
			if p := child.ChildByFieldName("pattern"); p != nil {
				out = append(out, text(p))
			}
		case "assignment_pattern":
			if l := child.ChildByFieldName("left"); l != nil {
				out = append(out, text(l))
			}
		case "rest_parameter":
			out = append(out, text(child))
		}
	}
	return out
}

// stringContent strips the surrounding quotes from a string literal.
func stringContent(s string) string {
	return strings.Trim(s, "\"'`")
}

// scriptDecisionTypes are the decision-point node types shared by the
// TypeScript and JavaScript grammars.
var scriptDecisionTypes = map[string]bool{
	"if_statement":       true,
	"for_statement":      true,
	"for_in_statement":   true,
	"while_statement":    true,
	"do_statement":       true,
	"switch_case":        true,
	"catch_clause":       true,
	"ternary_expression": true,
}

// scriptBarrierTypes exclude nested declarations from a function's own
// complexity. Inline arrow functions and function expressions are not
// barriers: callbacks count toward their enclosing function.
var scriptBarrierTypes = map[string]bool{
	"function_declaration":           true,
	"generator_function_declaration": true,
	"class_declaration":              true,
	"abstract_class_declaration":     true,
	"method_definition":              true,
}

// countScriptDecisions counts decision points including the &&, || and
// ?? short-circuit operators.
func countScriptDecisions(body *sitter.Node) int {
	return countDecisions(body, scriptDecisionTypes, scriptBarrierTypes, func(n *sitter.Node) int {
		if n.Type() != "binary_expression" {
			return 0
		}
		op := n.ChildByFieldName("operator")
		if op == nil {
			return 0
		}
		switch op.Type() {
		case "&&", "||", "??":
			return 1
		}
		return 0
	})
}
