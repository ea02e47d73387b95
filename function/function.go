// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package function canonicalizes mangled symbol names into structured display
// names and maintains the deduplicating table that assigns each unique
// mangled symbol a stable dense index.
package function

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"github.com/google/capstrace/report"
)

// DemangleError indicates a symbol that was detected as Rust but could not
// be demangled.
type DemangleError struct {
	Mangled string
}

func (e DemangleError) Error() string {
	return fmt.Sprintf("demangling failed for %s", e.Mangled)
}

// MalformedMethodError indicates a demangled name beginning with '<' that
// does not contain a '>::' separating type and method.
type MalformedMethodError struct {
	Name string
}

func (e MalformedMethodError) Error() string {
	return fmt.Sprintf("cannot parse a type and method out of %s", e.Name)
}

// MalformedTraitMethodError indicates a demangled name containing ' as ' that
// does not contain a '>::' separating trait and method.
type MalformedTraitMethodError struct {
	Name string
}

func (e MalformedTraitMethodError) Error() string {
	return fmt.Sprintf("cannot parse trait and method out of %s", e.Name)
}

// legacyRustHash matches the hash component that terminates a legacy
// (pre-v0) Rust mangled symbol, e.g. _ZN3foo3bar17h0123456789abcdefE.
var legacyRustHash = regexp.MustCompile(`17h[0-9a-f]{16}E(\.[.\w]+)?$`)

// displayHash matches the demangled form of the same hash, which is stripped
// from display names.
var displayHash = regexp.MustCompile(`::h[0-9a-f]{16}$`)

type language int

const (
	languageUnknown language = iota
	languageRust
	languageCpp
)

func detectLanguage(mangled string) language {
	switch {
	case strings.HasPrefix(mangled, "_R"):
		return languageRust
	case strings.HasPrefix(mangled, "_ZN") && legacyRustHash.MatchString(mangled):
		return languageRust
	case strings.HasPrefix(mangled, "_Z"):
		return languageCpp
	default:
		return languageUnknown
	}
}

// ParseMangled canonicalizes a mangled symbol into a FunctionName.  Rust
// symbols (v0 and legacy manglings) are demangled and parsed into their
// structured form; symbols from other languages keep a best-effort demangled
// display name and a language tag.
func ParseMangled(mangled string) (report.FunctionName, error) {
	switch detectLanguage(mangled) {
	case languageRust:
		display, err := demangle.ToString(mangled)
		if err != nil {
			return report.FunctionName{}, DemangleError{Mangled: mangled}
		}
		display = displayHash.ReplaceAllString(display, "")
		structured, err := ParseRustDisplay(display)
		if err != nil {
			return report.FunctionName{}, err
		}
		return report.RustFunctionName(display, structured), nil
	case languageCpp:
		return report.OtherFunctionName(demangle.Filter(mangled, demangle.NoParams), "cpp"), nil
	default:
		return report.OtherFunctionName(mangled, "unknown"), nil
	}
}

// ParseRustDisplay parses the demangled display form of a Rust function name
// into its structured variant:
//
//   - names beginning with '<' containing ' as ' parse as trait methods,
//   - other names beginning with '<' parse as inherent methods on a
//     generic or qualified type,
//   - names not ending in '>' split on the rightmost '::' into type and
//     method,
//   - everything else is a bare function.
func ParseRustDisplay(display string) (report.RustName, error) {
	if rest, ok := strings.CutPrefix(display, "<"); ok {
		if typ, rem, found := strings.Cut(rest, " as "); found {
			i := strings.LastIndex(rem, ">::")
			if i < 0 {
				return report.RustName{}, MalformedTraitMethodError{Name: rest}
			}
			return report.TraitName(rem[:i], typ, rem[i+len(">::"):]), nil
		}
		i := strings.LastIndex(rest, ">::")
		if i < 0 {
			return report.RustName{}, MalformedMethodError{Name: rest}
		}
		return report.StructName(rest[:i], rest[i+len(">::"):]), nil
	}
	if !strings.HasSuffix(display, ">") {
		if i := strings.LastIndex(display, "::"); i >= 0 {
			return report.StructName(display[:i], display[i+len("::"):]), nil
		}
	}
	return report.BareName(display), nil
}

// FunctionMap assigns a stable dense index to each unique mangled symbol.
// The function array is append-only; once assigned, an index never changes.
type FunctionMap struct {
	functions []report.Function
	ids       map[string]int
}

// NewFunctionMap returns an empty FunctionMap.
func NewFunctionMap() *FunctionMap {
	return &FunctionMap{ids: make(map[string]int)}
}

// Upsert records fn under the given mangled name and returns its index.  If
// the mangled name is already present, the existing index is returned and fn
// is discarded.
func (m *FunctionMap) Upsert(mangled string, fn report.Function) int {
	if idx, ok := m.ids[mangled]; ok {
		return idx
	}
	idx := len(m.functions)
	m.ids[mangled] = idx
	m.functions = append(m.functions, fn)
	return idx
}

// Index returns the index assigned to a mangled name, if any.
func (m *FunctionMap) Index(mangled string) (int, bool) {
	idx, ok := m.ids[mangled]
	return idx, ok
}

// At returns the function at idx for mutation, or nil if out of range.
func (m *FunctionMap) At(idx int) *report.Function {
	if idx < 0 || idx >= len(m.functions) {
		return nil
	}
	return &m.functions[idx]
}

// Len returns the number of functions in the map.
func (m *FunctionMap) Len() int {
	return len(m.functions)
}

// Functions returns the underlying dense function array.
func (m *FunctionMap) Functions() []report.Function {
	return m.functions
}
