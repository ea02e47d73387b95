// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package graph implements the directed call graph over function indices and
// the propagation of callee capabilities into callers.
package graph

import (
	"sort"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/function"
	"github.com/google/capstrace/report"
)

// CallGraph is a directed graph whose nodes are indices into a FunctionMap.
// At most one edge exists per (caller, callee) pair; re-adding an edge
// replaces its location data.
type CallGraph struct {
	out map[int]map[int]*report.Location
}

// New returns an empty CallGraph.
func New() *CallGraph {
	return &CallGraph{out: make(map[int]map[int]*report.Location)}
}

// AddEdge records a call from caller to callee, optionally with the location
// of the call site.
func (g *CallGraph) AddEdge(caller, callee int, location *report.Location) {
	callees, ok := g.out[caller]
	if !ok {
		callees = make(map[int]*report.Location)
		g.out[caller] = callees
	}
	callees[callee] = location
}

// EdgeCount returns the number of distinct (caller, callee) pairs.
func (g *CallGraph) EdgeCount() int {
	n := 0
	for _, callees := range g.out {
		n += len(callees)
	}
	return n
}

// Edges returns the graph's edges sorted by (caller, callee) so that report
// output is deterministic.
func (g *CallGraph) Edges() []report.Edge {
	edges := make([]report.Edge, 0, g.EdgeCount())
	for caller, callees := range g.out {
		for callee, location := range callees {
			edges = append(edges, report.Edge{Caller: caller, Callee: callee, Location: location})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Caller != edges[j].Caller {
			return edges[i].Caller < edges[j].Caller
		}
		return edges[i].Callee < edges[j].Callee
	})
	return edges
}

// Bubble propagates each function's capabilities to its callers as
// transitive capabilities, repeating until a fixed point is reached.
// Capability sets only grow, and InsertCapability keeps the more severe
// capability type, so direct capabilities are never demoted and termination
// is guaranteed within a finite capability universe.
func (g *CallGraph) Bubble(functions *function.FunctionMap) {
	changed := true
	for changed {
		changed = false

		for caller, callees := range g.out {
			callerFn := functions.At(caller)
			if callerFn == nil {
				continue
			}
			for callee := range callees {
				calleeFn := functions.At(callee)
				if calleeFn == nil {
					continue
				}
				for c := range calleeFn.Capabilities {
					if _, ok := callerFn.Capabilities[c]; !ok {
						callerFn.InsertCapability(c, capability.TypeTransitive)
						changed = true
					}
				}
			}
		}
	}
}
