// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package syscalls maps syscall names to the capabilities a successful call
// exercises, and inverts the table to recover the syscalls permitted by a
// capability set when generating sandbox policies.
package syscalls

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/cm"
)

//go:embed syscalls.cm
var builtinData string

// Map associates syscall names with capability sets.
type Map struct {
	caps map[string]map[capability.Capability]struct{}
}

var builtin = parseBuiltinOrDie()

// parseBuiltinOrDie parses the embedded capability map or panic()s if this
// fails.
func parseBuiltinOrDie() *Map {
	m, err := load("builtin", strings.NewReader(builtinData))
	if err != nil {
		panic("internal error: " + err.Error())
	}
	if len(m.caps) == 0 {
		panic("internal error: no syscalls loaded")
	}
	return m
}

func load(source string, r io.Reader) (*Map, error) {
	doc, err := cm.Load(r, func(s string) (string, error) { return s, nil }, capability.Parse)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	m := &Map{caps: make(map[string]map[capability.Capability]struct{}, doc.Len())}
	doc.All(func(syscall string, caps []capability.Capability) bool {
		set := make(map[capability.Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		m.caps[syscall] = set
		return true
	})
	return m, nil
}

// Builtin returns the map compiled into the binary.
func Builtin() *Map {
	return builtin
}

// LoadMap returns a syscall capability map loaded from the specified
// io.Reader.  The source argument is used only for providing context to
// error messages.  The map will also include the builtin table unless the
// excludeBuiltin argument is set; entries loaded from the reader always
// override builtin entries.
func LoadMap(source string, r io.Reader, excludeBuiltin bool) (*Map, error) {
	user, err := load(source, r)
	if err != nil {
		return nil, err
	}
	if excludeBuiltin {
		return user, nil
	}
	merged := &Map{caps: make(map[string]map[capability.Capability]struct{}, len(builtin.caps)+len(user.caps))}
	for syscall, caps := range builtin.caps {
		merged.caps[syscall] = caps
	}
	for syscall, caps := range user.caps {
		merged.caps[syscall] = caps
	}
	return merged, nil
}

// Lookup returns the builtin capability set for a syscall name.
func Lookup(name string) ([]capability.Capability, bool) {
	return builtin.Capabilities(name)
}

// Capabilities returns the capability set for a syscall name, ordered by
// capability code.
func (m *Map) Capabilities(name string) ([]capability.Capability, bool) {
	set, ok := m.caps[name]
	if !ok {
		return nil, false
	}
	return capability.Sorted(set), true
}

// SyscallsFor returns the syscalls whose capability requirements are
// entirely contained in required, plus every syscall classified as safe.
// The result is sorted by name.
//
// This is an O(n * |required|) scan over the table; both factors are small
// enough in practice that nothing cleverer is warranted.
func (m *Map) SyscallsFor(required map[capability.Capability]struct{}) []string {
	var out []string
	for syscall, caps := range m.caps {
		if isSafeOnly(caps) || isSubset(caps, required) {
			out = append(out, syscall)
		}
	}
	sort.Strings(out)
	return out
}

func isSafeOnly(caps map[capability.Capability]struct{}) bool {
	if len(caps) != 1 {
		return false
	}
	_, ok := caps[capability.Safe]
	return ok
}

func isSubset(caps, required map[capability.Capability]struct{}) bool {
	for c := range caps {
		if _, ok := required[c]; !ok {
			return false
		}
	}
	return true
}
