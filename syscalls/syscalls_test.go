// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package syscalls

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/capstrace/capability"
)

const testData = `
safe CAPABILITY_SAFE
files CAPABILITY_FILES
files_network CAPABILITY_FILES CAPABILITY_NETWORK
network_files CAPABILITY_NETWORK CAPABILITY_FILES
read_system_state CAPABILITY_READ_SYSTEM_STATE
all CAPABILITY_FILES CAPABILITY_NETWORK CAPABILITY_READ_SYSTEM_STATE
`

func caps(list ...capability.Capability) map[capability.Capability]struct{} {
	set := make(map[capability.Capability]struct{}, len(list))
	for _, c := range list {
		set[c] = struct{}{}
	}
	return set
}

func TestSyscallsFor(t *testing.T) {
	m, err := LoadMap(t.Name(), strings.NewReader(testData), true)
	require.NoError(t, err)

	for _, c := range []struct {
		name     string
		required map[capability.Capability]struct{}
		want     []string
	}{
		{
			"nothing required matches only safe",
			caps(),
			[]string{"safe"},
		},
		{
			"irrelevant capability matches only safe",
			caps(capability.Cgo),
			[]string{"safe"},
		},
		{
			"one capability",
			caps(capability.Files),
			[]string{"files", "safe"},
		},
		{
			"two capabilities together",
			caps(capability.Files, capability.Network),
			[]string{"files", "files_network", "network_files", "safe"},
		},
		{
			"two capabilities matching disjoint options",
			caps(capability.Files, capability.ReadSystemState),
			[]string{"files", "read_system_state", "safe"},
		},
		{
			"three capabilities",
			caps(capability.Files, capability.Network, capability.ReadSystemState),
			[]string{"all", "files", "files_network", "network_files", "read_system_state", "safe"},
		},
	} {
		assert.Equal(t, c.want, m.SyscallsFor(c.required), c.name)
	}
}

func TestBuiltin(t *testing.T) {
	caps, ok := Lookup("openat")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.Files}, caps)

	caps, ok = Lookup("socket")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.Network}, caps)

	caps, ok = Lookup("prlimit64")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.ReadSystemState, capability.ModifySystemState}, caps)

	_, ok = Lookup("not_a_syscall")
	assert.False(t, ok)
}

func TestLoadMapMergesOverBuiltin(t *testing.T) {
	const override = `
openat CAPABILITY_NETWORK
shiny_new_syscall CAPABILITY_FILES
`
	m, err := LoadMap(t.Name(), strings.NewReader(override), false)
	require.NoError(t, err)

	caps, ok := m.Capabilities("openat")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.Network}, caps)

	caps, ok = m.Capabilities("shiny_new_syscall")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.Files}, caps)

	// Untouched builtin entries survive the merge.
	_, ok = m.Capabilities("read")
	assert.True(t, ok)
}

func TestLoadMapReportsSource(t *testing.T) {
	_, err := LoadMap("custom.cm", strings.NewReader("broken\n"), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom.cm")
	assert.Contains(t, err.Error(), "line 1")
}
