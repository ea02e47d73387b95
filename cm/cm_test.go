// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package cm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/capstrace/capability"
)

func stringKey(s string) (string, error) { return s, nil }

func TestLoad(t *testing.T) {
	const input = `
# one line per syscall
read        CAPABILITY_FILES
write       CAPABILITY_FILES

sendto      CAPABILITY_NETWORK
prlimit64   CAPABILITY_READ_SYSTEM_STATE CAPABILITY_MODIFY_SYSTEM_STATE
`
	doc, err := Load(strings.NewReader(input), stringKey, capability.Parse)
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Len())

	caps, ok := doc.Get("prlimit64")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.ReadSystemState, capability.ModifySystemState}, caps)

	var keys []string
	doc.All(func(key string, _ []capability.Capability) bool {
		keys = append(keys, key)
		return true
	})
	assert.Equal(t, []string{"read", "write", "sendto", "prlimit64"}, keys)
}

func TestLoadErrorOnFirstLine(t *testing.T) {
	_, err := Load(strings.NewReader("lonely"), stringKey, capability.Parse)
	var insufficient InsufficientFieldsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Line)
}

func TestLoadValueError(t *testing.T) {
	const input = `read CAPABILITY_FILES
socket CAPABILITY_NETWORK CAPABILITY_BOGUS
`
	_, err := Load(strings.NewReader(input), stringKey, capability.Parse)
	var value ValueError
	require.ErrorAs(t, err, &value)
	assert.Equal(t, 2, value.Line)
	assert.Equal(t, 2, value.Field)

	var unknown capability.UnknownVariantError
	require.ErrorAs(t, value.Err, &unknown)
	assert.Equal(t, "CAPABILITY_BOGUS", unknown.Value)
}

func TestLoadKeyError(t *testing.T) {
	_, err := Load(strings.NewReader("CAPABILITY_NOPE read\n"), capability.Parse, stringKey)
	var key KeyError
	require.ErrorAs(t, err, &key)
	assert.Equal(t, 1, key.Line)
}

func TestDuplicateKeysOverwrite(t *testing.T) {
	const input = `read CAPABILITY_FILES
read CAPABILITY_NETWORK
`
	doc, err := Load(strings.NewReader(input), stringKey, capability.Parse)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Len())

	caps, ok := doc.Get("read")
	require.True(t, ok)
	assert.Equal(t, []capability.Capability{capability.Network}, caps)
}

func TestRenderRoundTrip(t *testing.T) {
	const input = `# comment to be dropped
read CAPABILITY_FILES

socket CAPABILITY_NETWORK
all CAPABILITY_FILES CAPABILITY_NETWORK
`
	doc, err := Load(strings.NewReader(input), stringKey, capability.Parse)
	require.NoError(t, err)

	var rendered strings.Builder
	require.NoError(t, doc.Render(&rendered, func(k string) string { return k }, capability.Capability.String))

	again, err := Load(strings.NewReader(rendered.String()), stringKey, capability.Parse)
	require.NoError(t, err)
	assert.Equal(t, doc.Len(), again.Len())
	doc.All(func(key string, values []capability.Capability) bool {
		got, ok := again.Get(key)
		require.True(t, ok)
		assert.Equal(t, values, got)
		return true
	})
}
