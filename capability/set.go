// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package capability

import (
	"fmt"
	"strings"
)

// Set is a capability filter.  It either names the capabilities to include
// or, when built from an all-negated list, the capabilities to exclude.
// A nil *Set admits every capability.
type Set struct {
	members map[Capability]struct{}
	exclude bool
}

// Has reports whether c passes the filter.
func (s *Set) Has(c Capability) bool {
	if s == nil {
		return true
	}
	_, member := s.members[c]
	return member != s.exclude
}

// ParseSet parses a comma-separated capability list into a filter.  Names
// may be canonical ("CAPABILITY_FILES") or bare ("FILES").  Prefixing every
// name with '-' inverts the filter to an exclusion list; mixing the two
// forms is an error.  The empty string yields a nil *Set, which admits
// everything.
func ParseSet(spec string) (*Set, error) {
	if spec == "" {
		return nil, nil
	}
	names := strings.Split(spec, ",")

	excluded := 0
	for _, name := range names {
		if strings.HasPrefix(name, "-") {
			excluded++
		}
	}
	if excluded != 0 && excluded != len(names) {
		return nil, fmt.Errorf("capability list %q mixes included and excluded entries", spec)
	}

	members := make(map[Capability]struct{}, len(names))
	for _, name := range names {
		c, err := parseFilterName(strings.TrimPrefix(name, "-"))
		if err != nil {
			return nil, fmt.Errorf("capability list %q: %w", spec, err)
		}
		members[c] = struct{}{}
	}
	return &Set{members: members, exclude: excluded != 0}, nil
}

// parseFilterName accepts a capability with or without its canonical
// CAPABILITY_ prefix.
func parseFilterName(name string) (Capability, error) {
	if name == "" {
		return Unspecified, fmt.Errorf("empty capability name")
	}
	if c, ok := capabilityValue[name]; ok {
		return c, nil
	}
	if c, ok := capabilityValue["CAPABILITY_"+name]; ok {
		return c, nil
	}
	return Unspecified, UnknownVariantError{Value: name}
}
