// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

package capability

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for c, name := range capabilityName {
		parsed, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
		assert.Equal(t, name, parsed.String())

		data, err := json.Marshal(c)
		require.NoError(t, err)
		assert.Equal(t, `"`+name+`"`, string(data))

		var back Capability
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, c, back)
	}
}

func TestParseUnknown(t *testing.T) {
	_, err := Parse("CAPABILITY_NONSENSE")
	var unknown UnknownVariantError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "CAPABILITY_NONSENSE", unknown.Value)

	var c Capability
	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &c))
}

func TestTypeOrdering(t *testing.T) {
	assert.True(t, TypeDirect.Severity() > TypeTransitive.Severity())
	assert.True(t, TypeDirect.Severity() > TypeUnspecified.Severity())
	assert.True(t, TypeTransitive.Severity() > TypeUnspecified.Severity())

	assert.Equal(t, TypeDirect, MaxType(TypeDirect, TypeTransitive))
	assert.Equal(t, TypeDirect, MaxType(TypeTransitive, TypeDirect))
	assert.Equal(t, TypeTransitive, MaxType(TypeTransitive, TypeUnspecified))
	assert.Equal(t, TypeDirect, MaxType(TypeDirect, TypeDirect))
}

func TestTypeRoundTrip(t *testing.T) {
	for ty, name := range typeName {
		parsed, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, ty, parsed)

		data, err := json.Marshal(ty)
		require.NoError(t, err)
		var back Type
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, ty, back)
	}
}

func TestSorted(t *testing.T) {
	set := map[Capability]struct{}{
		Network: {},
		Safe:    {},
		Files:   {},
	}
	assert.Equal(t, []Capability{Safe, Files, Network}, Sorted(set))
}

func TestParseSet(t *testing.T) {
	all, err := ParseSet("")
	require.NoError(t, err)
	assert.Nil(t, all)
	assert.True(t, all.Has(Files))

	set, err := ParseSet("FILES,CAPABILITY_NETWORK")
	require.NoError(t, err)
	assert.True(t, set.Has(Files))
	assert.True(t, set.Has(Network))
	assert.False(t, set.Has(Exec))

	negated, err := ParseSet("-FILES,-NETWORK")
	require.NoError(t, err)
	assert.False(t, negated.Has(Files))
	assert.True(t, negated.Has(Exec))

	_, err = ParseSet("FILES,-NETWORK")
	assert.Error(t, err)

	_, err = ParseSet("NOPE")
	var unknown UnknownVariantError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "NOPE", unknown.Value)

	_, err = ParseSet("FILES,")
	assert.Error(t, err)
	_, err = ParseSet("-")
	assert.Error(t, err)
}
