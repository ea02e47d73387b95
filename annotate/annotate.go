// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package annotate correlates report functions with the advisories that
// affect them, using an index built from the local OSV cache.
package annotate

import (
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/fatih/color"

	"github.com/google/capstrace/osv"
	"github.com/google/capstrace/report"
)

// Affected names one advisory affecting a function.
type Affected struct {
	ID      string
	Package string
}

// EcosystemSpecificError reports an advisory whose ecosystem_specific data
// is present but not RustSec-shaped.
type EcosystemSpecificError struct {
	ID    string
	Index int
}

func (e EcosystemSpecificError) Error() string {
	return fmt.Sprintf("ecosystem-specific data in %s affected #%d is not RustSec-shaped", e.ID, e.Index)
}

// rustSpecific is the RustSec layout of an advisory's ecosystem_specific
// object.
type rustSpecific struct {
	Affects struct {
		Functions []string `json:"functions"`
	} `json:"affects"`
}

// Matcher indexes advisories by affected function display name.
type Matcher struct {
	functions map[string][]Affected
}

// NewMatcher builds the function index from every cached advisory.
func NewMatcher(cache *osv.Cache) (*Matcher, error) {
	functions := make(map[string]map[Affected]struct{})

	err := cache.ForEach(func(advisory osv.Advisory) error {
		for index, affected := range advisory.Affected {
			if affected.Package == nil || len(affected.EcosystemSpecific) == 0 {
				continue
			}
			var spec rustSpecific
			if err := json.Unmarshal(affected.EcosystemSpecific, &spec); err != nil {
				return EcosystemSpecificError{ID: advisory.ID, Index: index}
			}
			for _, fn := range spec.Affects.Functions {
				if functions[fn] == nil {
					functions[fn] = make(map[Affected]struct{})
				}
				functions[fn][Affected{ID: advisory.ID, Package: affected.Package.Name}] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m := &Matcher{functions: make(map[string][]Affected, len(functions))}
	for fn, set := range functions {
		list := make([]Affected, 0, len(set))
		for affected := range set {
			list = append(list, affected)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].ID != list[j].ID {
				return list[i].ID < list[j].ID
			}
			return list[i].Package < list[j].Package
		})
		m.functions[fn] = list
	}
	return m, nil
}

// AdvisoriesForFunction returns the advisories indexed under a function
// display name.
func (m *Matcher) AdvisoriesForFunction(displayName string) []Affected {
	return m.functions[displayName]
}

// Len returns the number of indexed function names.
func (m *Matcher) Len() int {
	return len(m.functions)
}

var (
	functionColor = color.New(color.Bold)
	advisoryColor = color.New(color.FgRed)
)

// AnnotateReport writes the advisories affecting each function of the
// report, root process first, then any children.
func AnnotateReport(w io.Writer, m *Matcher, rep *report.Report) {
	matched := annotateProcess(w, m, &rep.Process)
	for i := range rep.Children {
		matched = annotateProcess(w, m, &rep.Children[i]) || matched
	}
	if !matched {
		fmt.Fprintln(w, "No report functions are affected by known advisories.")
	}
}

func annotateProcess(w io.Writer, m *Matcher, process *report.Process) (matched bool) {
	for i := range process.Functions {
		name := process.Functions[i].DisplayName()
		affected := m.AdvisoriesForFunction(name)
		if len(affected) == 0 {
			continue
		}
		matched = true
		fmt.Fprintf(w, "%s:\n", functionColor.Sprint(name))
		for _, a := range affected {
			fmt.Fprintf(w, "\tadvisory %s affecting crate %s\n", advisoryColor.Sprint(a.ID), a.Package)
		}
		fmt.Fprintln(w)
	}
	return matched
}
