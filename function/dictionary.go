// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package function

import (
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/google/capstrace/capability"
)

// DictionaryEntry lists the direct capabilities and syscalls attributed to a
// function by an out-of-band analysis.
type DictionaryEntry struct {
	Caps     []capability.Capability `json:"caps"`
	Syscalls []string                `json:"syscalls"`
}

// Dictionary maps function display names to their known direct capabilities.
// It is read-only after load.
type Dictionary map[string]DictionaryEntry

// LoadDictionary parses a function-capability dictionary from r.
func LoadDictionary(r io.Reader) (Dictionary, error) {
	var d Dictionary
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("parsing function-capability dictionary: %w", err)
	}
	return d, nil
}

// LoadDictionaryFile is LoadDictionary over a file path.
func LoadDictionaryFile(path string) (Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening function-capability dictionary: %w", err)
	}
	defer f.Close()
	return LoadDictionary(f)
}

// DirectCapabilities returns the dictionary's capabilities for displayName,
// each at CAPABILITY_TYPE_DIRECT.  Functions absent from the dictionary get
// an empty map.
func (d Dictionary) DirectCapabilities(displayName string) map[capability.Capability]capability.Type {
	caps := make(map[capability.Capability]capability.Type)
	if d == nil {
		return caps
	}
	if entry, ok := d[displayName]; ok {
		for _, c := range entry.Caps {
			caps[c] = capability.TypeDirect
		}
	}
	return caps
}

// Syscalls returns the dictionary's syscall list for displayName.
func (d Dictionary) Syscalls(displayName string) []string {
	if d == nil {
		return nil
	}
	return d[displayName].Syscalls
}
