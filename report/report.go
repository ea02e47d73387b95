// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package report defines the canonical document produced by both the static
// and the dynamic analysis: a process (or module), its functions with their
// capabilities, and the call edges between them, serialized as JSON.
package report

import (
	"fmt"
	"io"
	"path"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/google/capstrace/capability"
)

// Location identifies a source position.  Directory is the parent of
// Filename even when the producer supplied a split form such as a
// compilation directory plus a relative path.
type Location struct {
	Directory string  `json:"directory,omitempty"`
	Filename  string  `json:"filename"`
	Line      uint64  `json:"line"`
	Column    *uint64 `json:"column"`
}

// NewLocation rebuilds a Location from a directory/filename pair as supplied
// by a toolchain.  The pair is rejoined and split again so that Directory is
// always the parent of Filename.
func NewLocation(directory, filename string, line uint64, column *uint64) Location {
	joined := filename
	if directory != "" {
		joined = path.Join(directory, filename)
	}
	base := path.Base(joined)
	dir := path.Dir(joined)
	if dir == "." {
		dir = ""
	}
	return Location{
		Directory: dir,
		Filename:  base,
		Line:      line,
		Column:    column,
	}
}

// RustKind distinguishes the structured forms of a Rust function name.
type RustKind int

const (
	RustBare RustKind = iota
	RustStruct
	RustTrait
)

// RustName is the structured form of a demangled Rust function name.
// Exactly one of the three shapes is populated: a bare function, a
// type::method pair, or a <type as trait>::method triple.
type RustName struct {
	Trait    string `json:"trait,omitempty"`
	Type     string `json:"type,omitempty"`
	Method   string `json:"method,omitempty"`
	Function string `json:"function,omitempty"`
}

// BareName returns the structured form of a free function.
func BareName(function string) RustName {
	return RustName{Function: function}
}

// StructName returns the structured form of an inherent method.
func StructName(typ, method string) RustName {
	return RustName{Type: typ, Method: method}
}

// TraitName returns the structured form of a trait method implementation.
func TraitName(trait, typ, method string) RustName {
	return RustName{Trait: trait, Type: typ, Method: method}
}

// Kind reports which shape this name has.
func (n RustName) Kind() RustKind {
	switch {
	case n.Trait != "":
		return RustTrait
	case n.Method != "":
		return RustStruct
	default:
		return RustBare
	}
}

// FunctionName is a demangled symbol.  Rust symbols carry a structured name;
// symbols from other languages carry only the language tag and a best-effort
// display form.
type FunctionName struct {
	DisplayName string
	// Name is the structured form for Rust symbols, nil otherwise.
	Name *RustName
	// Language is "rust" when Name is non-nil.
	Language string
}

// RustFunctionName builds the Rust variant.
func RustFunctionName(displayName string, name RustName) FunctionName {
	return FunctionName{DisplayName: displayName, Name: &name, Language: "rust"}
}

// OtherFunctionName builds the non-Rust variant.
func OtherFunctionName(displayName, language string) FunctionName {
	return FunctionName{DisplayName: displayName, Language: language}
}

// Function is one entry in a report's function table.
type Function struct {
	Name         FunctionName
	Location     *Location
	Capabilities map[capability.Capability]capability.Type
	Syscalls     map[string]struct{}
}

// NewFunction returns a Function with an empty capability map.
func NewFunction(name FunctionName, location *Location) Function {
	return Function{
		Name:         name,
		Location:     location,
		Capabilities: make(map[capability.Capability]capability.Type),
	}
}

// DisplayName returns the human-readable name of the function.
func (f *Function) DisplayName() string {
	return f.Name.DisplayName
}

// InsertCapability records a capability, keeping the more severe capability
// type when the capability is already present.
func (f *Function) InsertCapability(c capability.Capability, ty capability.Type) {
	if f.Capabilities == nil {
		f.Capabilities = make(map[capability.Capability]capability.Type)
	}
	if existing, ok := f.Capabilities[c]; ok {
		f.Capabilities[c] = capability.MaxType(existing, ty)
		return
	}
	f.Capabilities[c] = ty
}

// InsertSyscall records a syscall name against the function.
func (f *Function) InsertSyscall(name string) {
	if f.Syscalls == nil {
		f.Syscalls = make(map[string]struct{})
	}
	f.Syscalls[name] = struct{}{}
}

type rawFunction struct {
	DisplayName  string            `json:"display_name"`
	Name         *RustName         `json:"name,omitempty"`
	Language     string            `json:"language"`
	Location     *Location         `json:"location"`
	Capabilities map[string]string `json:"capabilities"`
	Syscalls     []string          `json:"syscalls,omitempty"`
}

// MarshalJSON flattens the name variant into the function object and emits
// capabilities as a stable-keyed string map.
func (f Function) MarshalJSON() ([]byte, error) {
	raw := rawFunction{
		DisplayName:  f.Name.DisplayName,
		Name:         f.Name.Name,
		Language:     f.Name.Language,
		Location:     f.Location,
		Capabilities: make(map[string]string, len(f.Capabilities)),
		Syscalls:     sortedStrings(f.Syscalls),
	}
	for c, ty := range f.Capabilities {
		raw.Capabilities[c.String()] = ty.String()
	}
	return json.Marshal(raw)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (f *Function) UnmarshalJSON(data []byte) error {
	var raw rawFunction
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Function{
		Name: FunctionName{
			DisplayName: raw.DisplayName,
			Name:        raw.Name,
			Language:    raw.Language,
		},
		Location:     raw.Location,
		Capabilities: make(map[capability.Capability]capability.Type, len(raw.Capabilities)),
	}
	for name, tyName := range raw.Capabilities {
		c, err := capability.Parse(name)
		if err != nil {
			return err
		}
		ty, err := capability.ParseType(tyName)
		if err != nil {
			return err
		}
		f.Capabilities[c] = ty
	}
	for _, syscall := range raw.Syscalls {
		f.InsertSyscall(syscall)
	}
	return nil
}

// Edge is a call from the function at index Caller to the function at index
// Callee in the enclosing function table.
type Edge struct {
	Caller   int       `json:"caller"`
	Callee   int       `json:"callee"`
	Location *Location `json:"location"`
}

// Process is the per-process (or per-module) body of a report.
type Process struct {
	Path         string
	Capabilities map[capability.Capability]struct{}
	Functions    []Function
	Edges        []Edge
}

type rawProcess struct {
	Path         string     `json:"path"`
	Capabilities []string   `json:"capabilities"`
	Functions    []Function `json:"functions"`
	Edges        []Edge     `json:"edges"`
	Syscalls     []string   `json:"syscalls,omitempty"`
}

// MarshalJSON strips CAPABILITY_SAFE from the process-level capability list
// unless it is the only capability, and aggregates the union of function
// syscalls (omitted when empty).
func (p Process) MarshalJSON() ([]byte, error) {
	caps := make(map[capability.Capability]struct{}, len(p.Capabilities))
	for c := range p.Capabilities {
		if c == capability.Safe && len(p.Capabilities) > 1 {
			continue
		}
		caps[c] = struct{}{}
	}
	names := make([]string, 0, len(caps))
	for _, c := range capability.Sorted(caps) {
		names = append(names, c.String())
	}

	syscalls := make(map[string]struct{})
	for i := range p.Functions {
		for name := range p.Functions[i].Syscalls {
			syscalls[name] = struct{}{}
		}
	}

	functions := p.Functions
	if functions == nil {
		functions = []Function{}
	}
	edges := p.Edges
	if edges == nil {
		edges = []Edge{}
	}

	return json.Marshal(rawProcess{
		Path:         p.Path,
		Capabilities: names,
		Functions:    functions,
		Edges:        edges,
		Syscalls:     sortedStrings(syscalls),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.  The aggregated syscall list
// is not restored onto functions; it is derivable from them.
func (p *Process) UnmarshalJSON(data []byte) error {
	var raw rawProcess
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Process{
		Path:         raw.Path,
		Capabilities: make(map[capability.Capability]struct{}, len(raw.Capabilities)),
		Functions:    raw.Functions,
		Edges:        raw.Edges,
	}
	for _, name := range raw.Capabilities {
		c, err := capability.Parse(name)
		if err != nil {
			return err
		}
		p.Capabilities[c] = struct{}{}
	}
	return nil
}

// InsertCapability records a process-level capability.
func (p *Process) InsertCapability(c capability.Capability) {
	if p.Capabilities == nil {
		p.Capabilities = make(map[capability.Capability]struct{})
	}
	p.Capabilities[c] = struct{}{}
}

// Report is the top-level analysis output: the root process plus any traced
// children.
type Report struct {
	Process
	Children []Process
}

// MarshalJSON flattens the root process into the top level and omits the
// children list when empty.
func (r Report) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(r.Process)
	if err != nil {
		return nil, err
	}
	if len(r.Children) == 0 {
		return body, nil
	}
	children, err := json.Marshal(r.Children)
	if err != nil {
		return nil, err
	}
	// Splice the children into the process object.
	out := make([]byte, 0, len(body)+len(children)+16)
	out = append(out, body[:len(body)-1]...)
	out = append(out, []byte(`,"children":`)...)
	out = append(out, children...)
	out = append(out, '}')
	return out, nil
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &r.Process); err != nil {
		return err
	}
	var children struct {
		Children []Process `json:"children"`
	}
	if err := json.Unmarshal(data, &children); err != nil {
		return err
	}
	r.Children = children.Children
	return nil
}

// Load parses a report from r.
func Load(r io.Reader) (*Report, error) {
	var rep Report
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &rep, nil
}

// Write serializes the report to w with indentation.
func (r *Report) Write(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing report: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func sortedStrings(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
