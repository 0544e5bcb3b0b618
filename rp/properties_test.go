// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/oidcrp/rp/protect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties_Items(t *testing.T) {
	t.Parallel()
	p := NewProperties()
	p.SetItem("b", "2")
	p.SetItem("a", "1")
	p.SetItem("b", "updated")

	assert.Equal(t, []string{"b", "a"}, p.ItemKeys())
	v, ok := p.Item("b")
	require.True(t, ok)
	assert.Equal(t, "updated", v)

	p.DeleteItem("b")
	assert.Equal(t, []string{"a"}, p.ItemKeys())
	_, ok = p.Item("b")
	assert.False(t, ok)
}

func TestProperties_Tokens(t *testing.T) {
	t.Parallel()
	p := NewProperties()
	p.StoreToken(TokenNameAccessToken, "at")
	p.StoreToken(TokenNameIdToken, "idt")
	p.StoreToken(TokenNameAccessToken, "at2")

	v, ok := p.Token(TokenNameAccessToken)
	require.True(t, ok)
	assert.Equal(t, "at2", v)
	assert.Len(t, p.Tokens(), 2)

	_, ok = p.Token(TokenNameRefreshToken)
	assert.False(t, ok)
}

func TestProperties_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := NewProperties()
	p.RedirectUri = "https://rp.example.com/after"
	p.IssuedAt = time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	p.ExpiresAt = p.IssuedAt.Add(time.Hour)
	p.SetItem(ItemCorrelationId, "corr-1")
	p.SetItem(ItemUserState, "inner")
	p.StoreToken(TokenNameAccessToken, "at")

	b, err := json.Marshal(p)
	require.NoError(err)

	var got Properties
	require.NoError(json.Unmarshal(b, &got))
	assert.Equal(t, p.RedirectUri, got.RedirectUri)
	assert.True(t, p.IssuedAt.Equal(got.IssuedAt))
	assert.True(t, p.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, []string{ItemCorrelationId, ItemUserState}, got.ItemKeys())
	v, ok := got.Item(ItemUserState)
	require.True(ok)
	assert.Equal(t, "inner", v)
	at, ok := got.Token(TokenNameAccessToken)
	require.True(ok)
	assert.Equal(t, "at", at)
}

func TestProtectState(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	prot, err := protect.NewEphemeralAEAD()
	require.NoError(err)

	p := NewProperties()
	p.RedirectUri = "https://rp.example.com/after"
	p.SetItem(ItemCorrelationId, "corr-1")

	state, err := ProtectState(prot, p)
	require.NoError(err)
	require.NotEmpty(state)

	got, err := UnprotectState(prot, state)
	require.NoError(err)
	assert.Equal(t, p.RedirectUri, got.RedirectUri)
	v, ok := got.Item(ItemCorrelationId)
	require.True(ok)
	assert.Equal(t, "corr-1", v)

	t.Run("tampered", func(t *testing.T) {
		_, err := UnprotectState(prot, state[:len(state)-2])
		require.ErrorIs(err, ErrStateInvalid)
	})
	t.Run("not-base64", func(t *testing.T) {
		_, err := UnprotectState(prot, "not/base64!")
		require.ErrorIs(err, ErrStateInvalid)
	})
	t.Run("nil-protector", func(t *testing.T) {
		_, err := ProtectState(nil, p)
		require.ErrorIs(err, ErrNilParameter)
	})
}
