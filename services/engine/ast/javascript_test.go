// Copyright (C) 2025 Strata Labs (engineering@stratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ast

import (
	"context"
	"reflect"
	"testing"
)

func TestJavaScriptProjector_Project_CommonJS(t *testing.T) {
	source := `const EventEmitter = require('events');
const helpers = require('./helpers/index.js');

class Queue extends EventEmitter {
  constructor() {
    super();
    this.items = [];
  }

  push(item) {
    this.items.push(item);
    this.flush();
  }

  flush() {}
}

function* drain(queue) {
  yield queue;
}

function lazy() {
  const fs = require('fs');
  return fs;
}
`
	p := NewJavaScriptProjector()
	pf, err := p.Project(context.Background(), "p1", "lib/queue.js", []byte(source))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pf.Module != "lib/queue" {
		t.Errorf("expected module 'lib/queue', got %q", pf.Module)
	}
	if len(pf.Imports) != 3 {
		t.Fatalf("expected 3 imports, got %d: %+v", len(pf.Imports), pf.Imports)
	}

	ee := findImport(t, pf, "EventEmitter")
	if ee.Module != "events" || ee.ImportType != "require" {
		t.Errorf("unexpected require %+v", ee)
	}

	helpers := findImport(t, pf, "helpers")
	if helpers.Module != "lib/helpers" {
		t.Errorf("expected '/index.js' to collapse to 'lib/helpers', got %q", helpers.Module)
	}

	fs := findImport(t, pf, "fs")
	if fs.Module != "fs" {
		t.Errorf("unexpected nested require %+v", fs)
	}

	queue := findClass(t, pf, "Queue")
	if !reflect.DeepEqual(queue.Bases, []string{"EventEmitter"}) {
		t.Errorf("unexpected bases %v", queue.Bases)
	}
	// EventEmitter is imported, not declared here.
	if len(pf.Inherits) != 0 {
		t.Errorf("expected no same-file inheritance, got %v", pf.Inherits)
	}

	push := findFunction(t, pf, "push")
	if !push.IsMethod || push.ClassID != queue.ID {
		t.Errorf("expected push to be a Queue method, got %+v", push)
	}
	if !hasCall(pf, queue.ID+"::push", queue.ID+"::flush") {
		t.Errorf("expected push -> flush this-call, got %v", pf.Calls)
	}

	findFunction(t, pf, "drain")
	findFunction(t, pf, "lazy")
}

func TestJavaScriptProjector_Project_DestructuredRequire(t *testing.T) {
	source := `const { Router } = require('express');
`
	p := NewJavaScriptProjector()
	pf, err := p.Project(context.Background(), "p1", "app.js", []byte(source))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pf.Imports) != 1 {
		t.Fatalf("expected 1 import, got %d", len(pf.Imports))
	}
	imp := pf.Imports[0]
	if imp.Name != "express" || imp.Module != "express" {
		t.Errorf("destructured require keeps the specifier name, got %+v", imp)
	}
}

func TestJavaScriptProjector_Project_NestedFunctionScope(t *testing.T) {
	source := `function outer() {
  function inner() {
    return outer();
  }
  return inner();
}
`
	p := NewJavaScriptProjector()
	pf, err := p.Project(context.Background(), "p1", "scope.js", []byte(source))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pf.Functions) != 2 {
		t.Fatalf("expected 2 functions, got %v", functionNames(pf))
	}

	fileID := "p1::scope.js"
	if !hasCall(pf, fileID+"::outer", fileID+"::inner") {
		t.Error("expected outer -> inner")
	}
	if !hasCall(pf, fileID+"::inner", fileID+"::outer") {
		t.Error("expected inner -> outer through the enclosing scope")
	}
}

func TestJavaScriptProjector_Project_ESModules(t *testing.T) {
	source := `import defaultFn, { named } from './mod.mjs';

export default function run() {
  return defaultFn(named);
}
`
	p := NewJavaScriptProjector()
	pf, err := p.Project(context.Background(), "p1", "src/run.mjs", []byte(source))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pf.Imports) != 2 {
		t.Fatalf("expected 2 imports, got %+v", pf.Imports)
	}
	def := findImport(t, pf, "defaultFn")
	if def.Module != "src/mod" {
		t.Errorf("expected module 'src/mod', got %q", def.Module)
	}
	findImport(t, pf, "named")
}

func TestJavaScriptProjector_Project_SyntaxErrors(t *testing.T) {
	source := `function broken( {
  return 1;
`
	p := NewJavaScriptProjector()
	pf, err := p.Project(context.Background(), "p1", "b.js", []byte(source))
	if err != nil {
		t.Fatalf("syntax problems must not fail projection: %v", err)
	}
	if len(pf.Errors) == 0 {
		t.Fatal("expected syntax errors to be reported")
	}
}
