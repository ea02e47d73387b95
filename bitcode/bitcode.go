// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package bitcode consumes LLVM IR modules emitted alongside a compiled
// artifact, attaches direct capabilities from a function-capability
// dictionary, propagates them over the call graph, and produces a report.
package bitcode

import (
	"fmt"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/function"
	"github.com/google/capstrace/graph"
	"github.com/google/capstrace/report"
)

// Extractor selects how call edges are recovered from a module.  Both
// extractors must produce identical reports; having two is a cross-check on
// the IR traversal, not a feature.
type Extractor int

const (
	// ExtractorModule recovers edges from a single flattened walk of the
	// module's instructions.
	ExtractorModule Extractor = iota
	// ExtractorInstruction recovers edges by explicitly iterating basic
	// blocks and dispatching on call-like instructions and terminators.
	ExtractorInstruction
)

// ExtractorFromString parses an --extractor flag value.  The empty string
// selects the instruction extractor.
func ExtractorFromString(s string) (Extractor, error) {
	switch s {
	case "module":
		return ExtractorModule, nil
	case "", "instruction":
		return ExtractorInstruction, nil
	default:
		return 0, fmt.Errorf("unknown extractor: %q", s)
	}
}

// UnknownCalleeError indicates a call to a function that was not enumerated
// as a definition or declaration.  Modules always declare their callees, so
// this is an internal inconsistency, not a property of the input program.
type UnknownCalleeError struct {
	Callee string
}

func (e UnknownCalleeError) Error() string {
	return fmt.Sprintf("callee %s missing from function map", e.Callee)
}

// Builder accumulates one or more modules belonging to a single artifact.
type Builder struct {
	path      string
	dict      function.Dictionary
	functions *function.FunctionMap
	graph     *graph.CallGraph
}

// NewBuilder returns a Builder for the artifact at path, using dict as the
// source of direct function capabilities.
func NewBuilder(path string, dict function.Dictionary) *Builder {
	return &Builder{
		path:      path,
		dict:      dict,
		functions: function.NewFunctionMap(),
		graph:     graph.New(),
	}
}

// AddModule parses the LLVM IR module at path and merges its functions and
// call edges into the builder.
func (b *Builder) AddModule(path string, extractor Extractor) error {
	module, err := asm.ParseFile(path)
	if err != nil {
		return fmt.Errorf("parsing module %s: %v", path, err)
	}
	return b.addModule(module, extractor)
}

func (b *Builder) addModule(module *ir.Module, extractor Extractor) error {
	// The function map has to be complete for the edges to make sense.
	if err := b.upsertFunctions(module); err != nil {
		return err
	}

	var edges []moduleEdge
	var err error
	switch extractor {
	case ExtractorModule:
		edges, err = extractModuleEdges(module)
	case ExtractorInstruction:
		edges, err = extractInstructionEdges(module)
	}
	if err != nil {
		return err
	}

	for _, edge := range edges {
		caller, ok := b.functions.Index(edge.caller)
		if !ok {
			return UnknownCalleeError{Callee: edge.caller}
		}
		callee, ok := b.functions.Index(edge.callee)
		if !ok {
			return UnknownCalleeError{Callee: edge.callee}
		}
		b.graph.AddEdge(caller, callee, edge.location)
	}
	return nil
}

// upsertFunctions records every defined function, then every declaration,
// with their direct capabilities from the dictionary.
func (b *Builder) upsertFunctions(module *ir.Module) error {
	for _, pass := range []bool{true, false} {
		for _, f := range module.Funcs {
			if defined(f) != pass {
				continue
			}
			name, err := function.ParseMangled(f.Name())
			if err != nil {
				return err
			}
			fn := report.NewFunction(name, funcLocation(f))
			for c, ty := range b.dict.DirectCapabilities(name.DisplayName) {
				fn.InsertCapability(c, ty)
			}
			for _, syscall := range b.dict.Syscalls(name.DisplayName) {
				fn.InsertSyscall(syscall)
			}
			b.functions.Upsert(f.Name(), fn)
		}
	}
	return nil
}

func defined(f *ir.Func) bool {
	return len(f.Blocks) > 0
}

// Report bubbles direct capabilities through the call graph and assembles
// the final document.  The process capability set is the union of the
// function capability keys.
func (b *Builder) Report() *report.Report {
	b.graph.Bubble(b.functions)

	functions := b.functions.Functions()
	caps := make(map[capability.Capability]struct{})
	for i := range functions {
		for c := range functions[i].Capabilities {
			caps[c] = struct{}{}
		}
	}

	return &report.Report{
		Process: report.Process{
			Path:         b.path,
			Capabilities: caps,
			Functions:    functions,
			Edges:        b.graph.Edges(),
		},
	}
}
