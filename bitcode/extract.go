// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package bitcode

import (
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/metadata"
	"github.com/llir/llvm/ir/value"

	"github.com/google/capstrace/report"
)

// moduleEdge is a call edge recovered from IR, by mangled name.
type moduleEdge struct {
	caller   string
	callee   string
	location *report.Location
}

// extractModuleEdges recovers call edges from a flattened walk over every
// instruction in the module.
func extractModuleEdges(module *ir.Module) ([]moduleEdge, error) {
	var edges []moduleEdge
	for _, f := range module.Funcs {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				edges = appendEdge(edges, f, calleeOf(inst), instMetadata(inst))
			}
			edges = appendEdge(edges, f, calleeOf(block.Term), termMetadata(block.Term))
		}
	}
	return edges, nil
}

// extractInstructionEdges recovers call edges by dispatching explicitly on
// the call-like instructions within each basic block, the way a low-level IR
// walker over call/invoke instructions would.
func extractInstructionEdges(module *ir.Module) ([]moduleEdge, error) {
	var edges []moduleEdge
	for _, f := range module.Funcs {
		for _, block := range f.Blocks {
			for _, inst := range block.Insts {
				call, ok := inst.(*ir.InstCall)
				if !ok {
					continue
				}
				edges = appendEdge(edges, f, calleeValue(call.Callee), call.Metadata)
			}
			switch term := block.Term.(type) {
			case *ir.TermInvoke:
				edges = appendEdge(edges, f, calleeValue(term.Invokee), term.Metadata)
			case *ir.TermCallBr:
				edges = appendEdge(edges, f, calleeValue(term.Callee), term.Metadata)
			}
		}
	}
	return edges, nil
}

func appendEdge(edges []moduleEdge, caller *ir.Func, callee *ir.Func, md []*metadata.Attachment) []moduleEdge {
	if callee == nil {
		return edges
	}
	return append(edges, moduleEdge{
		caller:   caller.Name(),
		callee:   callee.Name(),
		location: locationFromAttachments(md),
	})
}

// calleeOf returns the named function called by an arbitrary instruction or
// terminator, if any.  Indirect calls through local pointers and inline asm
// have no named callee and yield nil.
func calleeOf(v any) *ir.Func {
	switch v := v.(type) {
	case *ir.InstCall:
		return calleeValue(v.Callee)
	case *ir.TermInvoke:
		return calleeValue(v.Invokee)
	case *ir.TermCallBr:
		return calleeValue(v.Callee)
	default:
		return nil
	}
}

func calleeValue(callee value.Value) *ir.Func {
	f, _ := callee.(*ir.Func)
	return f
}

func instMetadata(inst ir.Instruction) []*metadata.Attachment {
	if call, ok := inst.(*ir.InstCall); ok {
		return call.Metadata
	}
	return nil
}

func termMetadata(term ir.Terminator) []*metadata.Attachment {
	switch term := term.(type) {
	case *ir.TermInvoke:
		return term.Metadata
	case *ir.TermCallBr:
		return term.Metadata
	default:
		return nil
	}
}

// funcLocation derives a function's declaration location from its attached
// DISubprogram, if any.
func funcLocation(f *ir.Func) *report.Location {
	for _, attachment := range f.Metadata {
		if attachment.Name != "dbg" {
			continue
		}
		if sub, ok := attachment.Node.(*metadata.DISubprogram); ok {
			if file, ok := sub.File.(*metadata.DIFile); ok {
				loc := report.NewLocation(file.Directory, file.Filename, uint64(sub.Line), nil)
				return &loc
			}
		}
	}
	return nil
}

// locationFromAttachments derives a call site location from a !dbg
// attachment, if present.
func locationFromAttachments(md []*metadata.Attachment) *report.Location {
	for _, attachment := range md {
		if attachment.Name != "dbg" {
			continue
		}
		diloc, ok := attachment.Node.(*metadata.DILocation)
		if !ok {
			continue
		}
		file := scopeFile(diloc.Scope)
		if file == nil {
			continue
		}
		var column *uint64
		if diloc.Column > 0 {
			c := uint64(diloc.Column)
			column = &c
		}
		loc := report.NewLocation(file.Directory, file.Filename, uint64(diloc.Line), column)
		return &loc
	}
	return nil
}

// scopeFile chases a debug scope chain to the file it belongs to.
func scopeFile(field metadata.Field) *metadata.DIFile {
	for field != nil {
		switch scope := field.(type) {
		case *metadata.DIFile:
			return scope
		case *metadata.DISubprogram:
			field = scope.File
		case *metadata.DILexicalBlock:
			field = scope.File
		case *metadata.DILexicalBlockFile:
			field = scope.File
		default:
			return nil
		}
	}
	return nil
}
