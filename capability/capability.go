// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package capability defines the closed set of coarse privilege classes that
// reports attribute to functions and processes, together with the capability
// type ordering used when the same capability is asserted more than once.
package capability

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Capability is a coarse privilege class.  The integer codes and the
// CAPABILITY_* string forms are stable; containers are content-addressed and
// no ordering beyond the code is meaningful to users.
type Capability int32

const (
	Unspecified        Capability = 0
	Safe               Capability = 1
	Files              Capability = 2
	Network            Capability = 3
	Runtime            Capability = 4
	ReadSystemState    Capability = 5
	ModifySystemState  Capability = 6
	OperatingSystem    Capability = 7
	SystemCalls        Capability = 8
	ArbitraryExecution Capability = 9
	Cgo                Capability = 10
	Unanalyzed         Capability = 11
	UnsafePointer      Capability = 12
	Reflect            Capability = 13
	Exec               Capability = 14
	DynamicLoading     Capability = 15
	Instrumentation    Capability = 16
	NativeCode         Capability = 17
)

var capabilityName = map[Capability]string{
	Unspecified:        "CAPABILITY_UNSPECIFIED",
	Safe:               "CAPABILITY_SAFE",
	Files:              "CAPABILITY_FILES",
	Network:            "CAPABILITY_NETWORK",
	Runtime:            "CAPABILITY_RUNTIME",
	ReadSystemState:    "CAPABILITY_READ_SYSTEM_STATE",
	ModifySystemState:  "CAPABILITY_MODIFY_SYSTEM_STATE",
	OperatingSystem:    "CAPABILITY_OPERATING_SYSTEM",
	SystemCalls:        "CAPABILITY_SYSTEM_CALLS",
	ArbitraryExecution: "CAPABILITY_ARBITRARY_EXECUTION",
	Cgo:                "CAPABILITY_CGO",
	Unanalyzed:         "CAPABILITY_UNANALYZED",
	UnsafePointer:      "CAPABILITY_UNSAFE_POINTER",
	Reflect:            "CAPABILITY_REFLECT",
	Exec:               "CAPABILITY_EXEC",
	DynamicLoading:     "CAPABILITY_DYNAMIC_LOADING",
	Instrumentation:    "CAPABILITY_INSTRUMENTATION",
	NativeCode:         "CAPABILITY_NATIVE_CODE",
}

var capabilityValue = func() map[string]Capability {
	m := make(map[string]Capability, len(capabilityName))
	for c, name := range capabilityName {
		m[name] = c
	}
	return m
}()

// UnknownVariantError is returned when parsing a string that is not the
// canonical form of any Capability or Type.
type UnknownVariantError struct {
	Value string
}

func (e UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown variant %q", e.Value)
}

// String returns the canonical CAPABILITY_* form.
func (c Capability) String() string {
	if name, ok := capabilityName[c]; ok {
		return name
	}
	return fmt.Sprintf("CAPABILITY_%d", int32(c))
}

// Parse converts a canonical CAPABILITY_* string back to a Capability.
func Parse(s string) (Capability, error) {
	if c, ok := capabilityValue[s]; ok {
		return c, nil
	}
	return Unspecified, UnknownVariantError{Value: s}
}

// MarshalJSON serializes the capability as its canonical string.
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses the canonical string form.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Type records how a function came to hold a capability: directly, through a
// callee, or not at all.
type Type int32

const (
	TypeUnspecified Type = 0
	TypeDirect      Type = 1
	TypeTransitive  Type = 2
)

var typeName = map[Type]string{
	TypeUnspecified: "CAPABILITY_TYPE_UNSPECIFIED",
	TypeDirect:      "CAPABILITY_TYPE_DIRECT",
	TypeTransitive:  "CAPABILITY_TYPE_TRANSITIVE",
}

var typeValue = func() map[string]Type {
	m := make(map[string]Type, len(typeName))
	for t, name := range typeName {
		m[name] = t
	}
	return m
}()

// Severity orders capability types Direct > Transitive > Unspecified.  The
// order is by severity, not by the integer codes, which exist only for wire
// stability.
func (t Type) Severity() int {
	switch t {
	case TypeDirect:
		return 2
	case TypeTransitive:
		return 1
	default:
		return 0
	}
}

// MaxType returns the more severe of two capability types.  Conflicting
// assertions about the same capability combine with MaxType, so a Direct
// assignment is never demoted.
func MaxType(a, b Type) Type {
	if a.Severity() >= b.Severity() {
		return a
	}
	return b
}

// String returns the canonical CAPABILITY_TYPE_* form.
func (t Type) String() string {
	if name, ok := typeName[t]; ok {
		return name
	}
	return fmt.Sprintf("CAPABILITY_TYPE_%d", int32(t))
}

// ParseType converts a canonical CAPABILITY_TYPE_* string back to a Type.
func ParseType(s string) (Type, error) {
	if t, ok := typeValue[s]; ok {
		return t, nil
	}
	return TypeUnspecified, UnknownVariantError{Value: s}
}

// MarshalJSON serializes the type as its canonical string.
func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses the canonical string form.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Sorted returns the capabilities present in set, ordered by their stable
// integer codes.  This matches the order capability sets appear in on the
// wire.
func Sorted(set map[Capability]struct{}) []Capability {
	out := make([]Capability, 0, len(set))
	for c := int32(0); c <= int32(NativeCode); c++ {
		if _, ok := set[Capability(c)]; ok {
			out = append(out, Capability(c))
		}
	}
	return out
}
