// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package seccomp

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/capstrace/capability"
	"github.com/google/capstrace/syscalls"
)

func TestParseAction(t *testing.T) {
	action, err := ParseAction("SCMP_ACT_KILL_PROCESS", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "SCMP_ACT_KILL_PROCESS", action.String())
	assert.Nil(t, action.ErrnoRet())

	errno := int32(1)
	action, err = ParseAction("SCMP_ACT_ERRNO", &errno, nil)
	require.NoError(t, err)
	require.NotNil(t, action.ErrnoRet())
	assert.Equal(t, int32(1), *action.ErrnoRet())

	_, err = ParseAction("SCMP_ACT_ERRNO", nil, nil)
	var missing MissingArgumentError
	require.ErrorAs(t, err, &missing)

	_, err = ParseAction("SCMP_ACT_TRACE", nil, nil)
	require.ErrorAs(t, err, &missing)

	trace := uint32(7)
	_, err = ParseAction("SCMP_ACT_TRACE", nil, &trace)
	assert.NoError(t, err)

	_, err = ParseAction("SCMP_ACT_NONSENSE", nil, nil)
	var unknown UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "SCMP_ACT_NONSENSE", unknown.Action)
}

const testMap = `
safe CAPABILITY_SAFE
files CAPABILITY_FILES
files_network CAPABILITY_FILES CAPABILITY_NETWORK
network CAPABILITY_NETWORK
`

func TestBuildSubsetCorrectness(t *testing.T) {
	m, err := syscalls.LoadMap(t.Name(), strings.NewReader(testMap), true)
	require.NoError(t, err)

	required := map[capability.Capability]struct{}{capability.Files: {}}
	policy := Build(ActionKillProcess, nil, m, required)

	data, err := json.Marshal(policy)
	require.NoError(t, err)
	var raw struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names    []string `json:"names"`
			Action   string   `json:"action"`
			ErrnoRet *int32   `json:"errnoRet"`
		} `json:"syscalls"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "SCMP_ACT_KILL_PROCESS", raw.DefaultAction)
	require.Len(t, raw.Syscalls, 2)

	// Allowed syscalls must each require a subset of the given capabilities,
	// or be classified safe.
	assert.Equal(t, []string{"files", "safe"}, raw.Syscalls[0].Names)
	assert.Equal(t, "SCMP_ACT_ALLOW", raw.Syscalls[0].Action)

	// The runtime-required syscalls are always logged.
	assert.Equal(t, "SCMP_ACT_LOG", raw.Syscalls[1].Action)
	assert.Contains(t, raw.Syscalls[1].Names, "execve")
	assert.Contains(t, raw.Syscalls[1].Names, "openat")
	assert.Len(t, raw.Syscalls[1].Names, 19)
}

func TestPolicyJSONShape(t *testing.T) {
	policy := NewPolicy(ActionErrno(1))
	policy.AddArchitecture("SCMP_ARCH_X86_64")
	policy.AddSyscalls(ActionAllow, []string{"write", "read", "read"})

	data, err := json.Marshal(policy)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "SCMP_ACT_ERRNO", raw["defaultAction"])
	assert.Equal(t, float64(1), raw["defaultErrnoRet"])
	assert.Equal(t, []any{"SCMP_ARCH_X86_64"}, raw["architectures"])

	groups := raw["syscalls"].([]any)
	require.Len(t, groups, 1)
	group := groups[0].(map[string]any)
	assert.Equal(t, []any{"read", "write"}, group["names"])
	assert.NotContains(t, group, "errnoRet")

	// Without architectures or an errno, neither field appears.
	data, err = json.Marshal(NewPolicy(ActionAllow))
	require.NoError(t, err)
	raw = nil
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "architectures")
	assert.NotContains(t, raw, "defaultErrnoRet")
}
