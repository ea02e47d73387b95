// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/capstrace/capability"
)

// Granularity determines the kind of comparison done by Diff.
type Granularity int8

const (
	// GranularityFunction compares capabilities per function.
	GranularityFunction Granularity = iota
	// GranularityCapability compares the process-level capability sets.
	GranularityCapability
)

// GranularityFromString parses a --granularity flag value.  The empty string
// selects function granularity.
func GranularityFromString(g string) (Granularity, error) {
	switch g {
	case "", "function":
		return GranularityFunction, nil
	case "capability":
		return GranularityCapability, nil
	default:
		return 0, fmt.Errorf("unknown granularity: %q", g)
	}
}

type diffKey struct {
	key        string
	capability capability.Capability
}

// populateMap indexes a report by (function, capability) or by capability
// alone, depending on the desired granularity.  Only the root process is
// considered; the report's Children are ignored.
func populateMap(r *Report, g Granularity) map[diffKey]struct{} {
	m := make(map[diffKey]struct{})
	switch g {
	case GranularityFunction:
		for i := range r.Functions {
			fn := &r.Functions[i]
			for c := range fn.Capabilities {
				m[diffKey{key: fn.DisplayName(), capability: c}] = struct{}{}
			}
		}
	case GranularityCapability:
		for c := range r.Capabilities {
			m[diffKey{capability: c}] = struct{}{}
		}
	}
	return m
}

// Diff writes a description of the capability differences between baseline
// and current to w, and reports whether any difference was found.
func Diff(w io.Writer, baseline, current *Report, g Granularity, filter *capability.Set) (different bool) {
	baselineMap := populateMap(baseline, g)
	currentMap := populateMap(current, g)
	var keys []diffKey
	for k := range baselineMap {
		keys = append(keys, k)
	}
	for k := range currentMap {
		if _, ok := baselineMap[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if a, b := keys[i].capability, keys[j].capability; a != b {
			return a < b
		}
		return keys[i].key < keys[j].key
	})
	for _, key := range keys {
		if !filter.Has(key.capability) {
			continue
		}
		_, inBaseline := baselineMap[key]
		_, inCurrent := currentMap[key]
		subject := "Process"
		if key.key != "" {
			subject = fmt.Sprintf("Function %s", key.key)
		}
		if !inBaseline && inCurrent {
			different = true
			fmt.Fprintf(w, "%s has new capability %s compared to the baseline.\n", subject, key.capability)
		}
		if inBaseline && !inCurrent {
			different = true
			fmt.Fprintf(w, "%s no longer has capability %s which was in the baseline.\n", subject, key.capability)
		}
	}
	return different
}
