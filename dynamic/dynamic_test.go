// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package dynamic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/dynamic/unwind"
)

// namedFrame fabricates a frame whose instruction pointer satisfies the
// procedure filter.
func namedFrame(name string, start, offset uint64) unwind.Frame {
	return unwind.Frame{IP: start + offset, Name: name, StartIP: start, Offset: offset}
}

func testGlobalState(opts Options) (*GlobalState, *State) {
	g := NewGlobalState(1, Exec{Command: "/bin/app"}, "/", opts)
	state, _ := g.processes.GetActive(1)
	return g, state
}

func TestAttribution(t *testing.T) {
	g, state := testGlobalState(Options{IncludeBeforeStart: true})

	frames := []unwind.Frame{
		namedFrame("_ZN3std2io4read17h1111111111111111E", 0x1000, 0x10),
		{IP: 0x1800, Name: ""}, // unnamed frames between are skipped
		namedFrame("_ZN4main4main17h2222222222222222E", 0x2000, 0x20),
		namedFrame("_start", 0x3000, 0x30),
	}
	caps := capSet(capability.Files)
	g.attribute(state, frames, caps, "read")

	functions := state.Functions()
	require.Equal(t, 3, functions.Len())

	// The innermost named frame is the direct attributee.
	direct := functions.At(0)
	assert.Equal(t, "std::io::read", direct.DisplayName())
	assert.Equal(t, capability.TypeDirect, direct.Capabilities[capability.Files])

	transitive := functions.At(1)
	assert.Equal(t, "main::main", transitive.DisplayName())
	assert.Equal(t, capability.TypeTransitive, transitive.Capabilities[capability.Files])

	start := functions.At(2)
	assert.Equal(t, "_start", start.DisplayName())
	assert.Equal(t, capability.TypeTransitive, start.Capabilities[capability.Files])

	// Edges mirror call direction: caller -> callee, deepest first.
	proc := state.IntoProcess()
	require.Len(t, proc.Edges, 2)
	assert.Equal(t, 1, proc.Edges[0].Caller)
	assert.Equal(t, 0, proc.Edges[0].Callee)
	assert.Equal(t, 2, proc.Edges[1].Caller)
	assert.Equal(t, 1, proc.Edges[1].Callee)
}

func TestAttributionWaitsForStart(t *testing.T) {
	g, state := testGlobalState(Options{})
	require.True(t, state.IsWaitingForStart())

	// Without _start on the stack, nothing is attributed.
	g.attribute(state, []unwind.Frame{
		namedFrame("setup_before_start", 0x1000, 0x10),
	}, capSet(capability.Files), "read")
	assert.Equal(t, 0, state.Functions().Len())

	// A stack containing _start lifts the suppression for that very event.
	g.attribute(state, []unwind.Frame{
		namedFrame("do_read", 0x1000, 0x10),
		namedFrame("_start", 0x3000, 0x30),
	}, capSet(capability.Files), "read")
	assert.False(t, state.IsWaitingForStart())
	assert.Equal(t, 2, state.Functions().Len())
}

func TestAttributionIncludeSyscalls(t *testing.T) {
	g, state := testGlobalState(Options{IncludeBeforeStart: true, IncludeSyscalls: true})

	g.attribute(state, []unwind.Frame{
		namedFrame("do_read", 0x1000, 0x10),
		namedFrame("main", 0x2000, 0x20),
	}, capSet(capability.Files), "read")

	direct := state.Functions().At(0)
	assert.Contains(t, direct.Syscalls, "read")
	caller := state.Functions().At(1)
	assert.Empty(t, caller.Syscalls)
}

func TestAttributionMergesRepeatedCalls(t *testing.T) {
	g, state := testGlobalState(Options{IncludeBeforeStart: true})

	g.attribute(state, []unwind.Frame{
		namedFrame("do_io", 0x1000, 0x10),
	}, capSet(capability.Files), "read")
	g.attribute(state, []unwind.Frame{
		namedFrame("do_io", 0x1000, 0x10),
	}, capSet(capability.Network), "sendto")

	// The same function accumulates capabilities across events, keeping one
	// entry.
	require.Equal(t, 1, state.Functions().Len())
	fn := state.Functions().At(0)
	assert.Equal(t, capability.TypeDirect, fn.Capabilities[capability.Files])
	assert.Equal(t, capability.TypeDirect, fn.Capabilities[capability.Network])
}

func TestAttributionSkipsFilteredFrames(t *testing.T) {
	g, state := testGlobalState(Options{IncludeBeforeStart: true})

	// A frame whose IP does not equal StartIP+Offset is not a procedure
	// frame and is dropped even though it carries a name.
	g.attribute(state, []unwind.Frame{
		{IP: 0x1500, Name: "bogus", StartIP: 0x1000, Offset: 0x10},
		namedFrame("real", 0x2000, 0x20),
	}, capSet(capability.Files), "read")

	require.Equal(t, 1, state.Functions().Len())
	assert.Equal(t, "real", state.Functions().At(0).DisplayName())
	assert.Equal(t, capability.TypeDirect, state.Functions().At(0).Capabilities[capability.Files])
}

func TestProcessMapExit(t *testing.T) {
	m := NewMap(1, Exec{Command: "/bin/app"}, "/", false)
	require.NoError(t, m.Spawn(1, 2))
	require.NoError(t, m.Spawn(2, 3))

	// Spawning from an unknown parent fails.
	var findErr ProcessFindError
	require.ErrorAs(t, m.Spawn(99, 100), &findErr)

	m.Exit(2)
	_, ok := m.GetActive(2)
	assert.False(t, ok)

	// The init pid survives its exit; it roots the report.
	m.Exit(1)
	_, ok = m.GetActive(1)
	assert.True(t, ok)

	rep, err := m.IntoReport(true)
	require.NoError(t, err)
	assert.Equal(t, "/bin/app", rep.Path)
	// Child 3 is still active, child 2 exited; both appear.
	assert.Len(t, rep.Children, 2)

	// Without children the report only has the root.
	m2 := NewMap(1, Exec{Command: "/bin/app"}, "/", false)
	require.NoError(t, m2.Spawn(1, 2))
	rep, err = m2.IntoReport(false)
	require.NoError(t, err)
	assert.Empty(t, rep.Children)
}

func TestProcessCapabilityAggregation(t *testing.T) {
	state := newState(1, "/", false)
	state.ExtendCaps(capSet(capability.Safe))
	state.ExtendCaps(capSet(capability.Files, capability.Network))

	proc := state.IntoProcess()
	assert.Equal(t, capSet(capability.Safe, capability.Files, capability.Network), proc.Capabilities)
}
