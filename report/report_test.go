// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package report

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/capstrace/capability"
)

func TestNewLocationRejoinsSplitPaths(t *testing.T) {
	loc := NewLocation("/path/to/project", "src/main.rs", 10, nil)
	assert.Equal(t, "/path/to/project/src", loc.Directory)
	assert.Equal(t, "main.rs", loc.Filename)

	bare := NewLocation("", "main.rs", 1, nil)
	assert.Equal(t, "", bare.Directory)
	assert.Equal(t, "main.rs", bare.Filename)
}

func TestFunctionJSONShape(t *testing.T) {
	fn := NewFunction(RustFunctionName("foo::bar", StructName("foo", "bar")), nil)
	fn.InsertCapability(capability.Files, capability.TypeDirect)
	fn.InsertCapability(capability.Network, capability.TypeTransitive)
	fn.InsertSyscall("openat")

	data, err := json.Marshal(fn)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "foo::bar", raw["display_name"])
	assert.Equal(t, "rust", raw["language"])
	assert.Equal(t, map[string]any{"type": "foo", "method": "bar"}, raw["name"])
	assert.Equal(t, map[string]any{
		"CAPABILITY_FILES":   "CAPABILITY_TYPE_DIRECT",
		"CAPABILITY_NETWORK": "CAPABILITY_TYPE_TRANSITIVE",
	}, raw["capabilities"])
	assert.Equal(t, []any{"openat"}, raw["syscalls"])

	var back Function
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Empty(t, cmp.Diff(fn.Capabilities, back.Capabilities))
	assert.Equal(t, fn.Name, back.Name)
}

func TestOtherFunctionJSONOmitsName(t *testing.T) {
	fn := NewFunction(OtherFunctionName("_start", "unknown"), nil)
	data, err := json.Marshal(fn)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "name")
	assert.Equal(t, "unknown", raw["language"])
}

func TestInsertCapabilityKeepsMax(t *testing.T) {
	fn := NewFunction(OtherFunctionName("f", "unknown"), nil)
	fn.InsertCapability(capability.Files, capability.TypeDirect)
	fn.InsertCapability(capability.Files, capability.TypeTransitive)
	assert.Equal(t, capability.TypeDirect, fn.Capabilities[capability.Files])

	fn.InsertCapability(capability.Network, capability.TypeTransitive)
	fn.InsertCapability(capability.Network, capability.TypeDirect)
	assert.Equal(t, capability.TypeDirect, fn.Capabilities[capability.Network])
}

func TestProcessSafeSuppression(t *testing.T) {
	onlySafe := Process{
		Path:         "/bin/true",
		Capabilities: map[capability.Capability]struct{}{capability.Safe: {}},
	}
	data, err := json.Marshal(onlySafe)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{"CAPABILITY_SAFE"}, raw["capabilities"])

	mixed := Process{
		Path: "/bin/cat",
		Capabilities: map[capability.Capability]struct{}{
			capability.Safe:  {},
			capability.Files: {},
		},
	}
	data, err = json.Marshal(mixed)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{"CAPABILITY_FILES"}, raw["capabilities"])
}

func TestProcessAggregatesSyscalls(t *testing.T) {
	read := NewFunction(OtherFunctionName("a", "unknown"), nil)
	read.InsertSyscall("read")
	write := NewFunction(OtherFunctionName("b", "unknown"), nil)
	write.InsertSyscall("write")
	write.InsertSyscall("read")

	p := Process{Path: "/bin/cp", Functions: []Function{read, write}}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, []any{"read", "write"}, raw["syscalls"])

	empty := Process{Path: "/bin/true"}
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	raw = nil
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "syscalls")
}

func TestReportChildren(t *testing.T) {
	rep := Report{
		Process: Process{Path: "/bin/sh"},
	}
	data, err := json.Marshal(rep)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "children")
	assert.Equal(t, "/bin/sh", raw["path"])

	rep.Children = []Process{{Path: "/bin/ls"}}
	data, err = json.Marshal(rep)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "children")

	var back Report
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Children, 1)
	assert.Equal(t, "/bin/ls", back.Children[0].Path)
}

func TestLoadWriteRoundTrip(t *testing.T) {
	fn := NewFunction(RustFunctionName("foo::bar", StructName("foo", "bar")), nil)
	fn.InsertCapability(capability.Files, capability.TypeDirect)
	rep := &Report{
		Process: Process{
			Path:         "/bin/cat",
			Capabilities: map[capability.Capability]struct{}{capability.Files: {}},
			Functions:    []Function{fn},
			Edges:        []Edge{{Caller: 0, Callee: 0}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, rep.Write(&buf))

	back, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, rep.Path, back.Path)
	require.Len(t, back.Functions, 1)
	assert.Equal(t, "foo::bar", back.Functions[0].DisplayName())
	require.Len(t, back.Edges, 1)
}

func TestDiff(t *testing.T) {
	withCaps := func(caps ...capability.Capability) *Report {
		fn := NewFunction(RustFunctionName("foo::bar", StructName("foo", "bar")), nil)
		rep := &Report{Process: Process{Path: "/bin/x"}}
		for _, c := range caps {
			fn.InsertCapability(c, capability.TypeDirect)
			rep.InsertCapability(c)
		}
		rep.Functions = []Function{fn}
		return rep
	}

	baseline := withCaps(capability.Files)
	current := withCaps(capability.Files, capability.Network)

	var out strings.Builder
	assert.False(t, Diff(&out, baseline, baseline, GranularityFunction, nil))
	assert.Empty(t, out.String())

	assert.True(t, Diff(&out, baseline, current, GranularityFunction, nil))
	assert.Contains(t, out.String(), "Function foo::bar has new capability CAPABILITY_NETWORK")

	out.Reset()
	assert.True(t, Diff(&out, baseline, current, GranularityCapability, nil))
	assert.Contains(t, out.String(), "Process has new capability CAPABILITY_NETWORK")

	// A filter excluding the changed capability hides the difference.
	filter, err := capability.ParseSet("-NETWORK")
	require.NoError(t, err)
	out.Reset()
	assert.False(t, Diff(&out, baseline, current, GranularityFunction, filter))
}
