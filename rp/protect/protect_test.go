// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package protect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEAD_RoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	a, err := NewEphemeralAEAD()
	require.NoError(err)

	ct, err := a.Protect([]byte("hello"))
	require.NoError(err)
	assert.NotEqual(t, []byte("hello"), ct)

	pt, err := a.Unprotect(ct)
	require.NoError(err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestAEAD_Tampered(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	a, err := NewEphemeralAEAD()
	require.NoError(err)

	ct, err := a.Protect([]byte("hello"))
	require.NoError(err)
	ct[len(ct)-1] ^= 0x01
	_, err = a.Unprotect(ct)
	require.Error(err)
}

func TestAEAD_PurposeBinding(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a, err := NewEphemeralAEAD(WithPurpose("state"))
	require.NoError(err)
	ct, err := a.Protect([]byte("hello"))
	require.NoError(err)

	// same primitive, different purpose
	b := &AEAD{primitive: a.primitive, purpose: []byte("nonce")}
	_, err = b.Unprotect(ct)
	require.Error(err)
}

func TestNewAEAD_NilHandle(t *testing.T) {
	t.Parallel()
	_, err := NewAEAD(nil)
	require.ErrorIs(t, err, ErrInvalidParameter)
}
