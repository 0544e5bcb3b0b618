// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2/jwt"
)

func testValidationSetup(t *testing.T) (*ValidationParams, string, string) {
	t.Helper()
	pub, priv := TestGenerateKeys(t)
	p := &ValidationParams{
		ClientId:            "test-rp",
		ValidIssuer:         "https://provider.example.com",
		SigningKeys:         testJWKS(t, pub).Keys,
		RequireSignedTokens: true,
	}
	return p, pub, priv
}

func testStdClaims() jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:    "https://provider.example.com",
		Subject:   "alice@example.com",
		Audience:  jwt.Audience{"test-rp"},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(time.Minute)),
	}
}

func TestKeysetValidator_Validate(t *testing.T) {
	t.Parallel()
	v := &KeysetValidator{}
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		require := require.New(t)
		p, _, priv := testValidationSetup(t)
		raw := TestSignJWT(t, priv, testStdClaims(), map[string]interface{}{
			"nonce": "n-1",
			"email": "alice@example.com",
		})
		principal, vt, err := v.Validate(ctx, raw, p)
		require.NoError(err)
		require.NotNil(vt)
		assert.Equal(t, "alice@example.com", vt.Subject)
		assert.Equal(t, "https://provider.example.com", vt.Issuer)
		assert.Equal(t, "n-1", vt.Nonce)
		assert.Equal(t, "ES256", vt.Algorithm)
		assert.False(t, vt.ValidTo.IsZero())
		assert.Equal(t, "alice@example.com", principal.Subject())
		assert.True(t, principal.HasClaim("email", "alice@example.com"))
	})

	t.Run("expired", func(t *testing.T) {
		p, _, priv := testValidationSetup(t)
		claims := testStdClaims()
		claims.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		raw := TestSignJWT(t, priv, claims, nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("not-yet-valid", func(t *testing.T) {
		p, _, priv := testValidationSetup(t)
		claims := testStdClaims()
		claims.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
		raw := TestSignJWT(t, priv, claims, nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("expiry-within-skew", func(t *testing.T) {
		p, _, priv := testValidationSetup(t)
		claims := testStdClaims()
		claims.Expiry = jwt.NewNumericDate(time.Now().Add(-DefaultClaimsSkew / 2))
		raw := TestSignJWT(t, priv, claims, nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.NoError(t, err)
	})

	t.Run("wrong-issuer", func(t *testing.T) {
		p, _, priv := testValidationSetup(t)
		claims := testStdClaims()
		claims.Issuer = "https://evil.example.com"
		raw := TestSignJWT(t, priv, claims, nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("wrong-audience", func(t *testing.T) {
		p, _, priv := testValidationSetup(t)
		claims := testStdClaims()
		claims.Audience = jwt.Audience{"someone-else"}
		raw := TestSignJWT(t, priv, claims, nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.ErrorIs(t, err, ErrInvalidAudience)
	})

	t.Run("unknown-key-required-signature", func(t *testing.T) {
		p, _, _ := testValidationSetup(t)
		_, otherPriv := TestGenerateKeys(t)
		raw := TestSignJWT(t, otherPriv, testStdClaims(), nil)
		_, _, err := v.Validate(ctx, raw, p)
		require.ErrorIs(t, err, ErrSigningKeyNotFound)
	})

	t.Run("unknown-key-relaxed-signature", func(t *testing.T) {
		p, _, _ := testValidationSetup(t)
		p.RequireSignedTokens = false
		_, otherPriv := TestGenerateKeys(t)
		raw := TestSignJWT(t, otherPriv, testStdClaims(), nil)
		_, vt, err := v.Validate(ctx, raw, p)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", vt.Subject)
	})

	t.Run("not-a-jwt", func(t *testing.T) {
		p, _, _ := testValidationSetup(t)
		_, _, err := v.Validate(ctx, "not-a-token", p)
		require.ErrorIs(t, err, ErrInvalidTokenShape)
	})

	t.Run("nil-params", func(t *testing.T) {
		_, _, err := v.Validate(ctx, "whatever", nil)
		require.ErrorIs(t, err, ErrNilParameter)
	})
}

func TestPrincipalFromClaims(t *testing.T) {
	t.Parallel()
	p := principalFromClaims(map[string]interface{}{
		"sub":    "alice@example.com",
		"groups": []interface{}{"admins", "users"},
		"iat":    float64(1700000000),
		"active": true,
	}, "https://provider.example.com")

	claims := p.Claims()
	require.Len(t, claims, 5)
	// sorted by claim type, arrays flattened in order
	assert.Equal(t, Claim{Type: "active", Value: "true", Issuer: "https://provider.example.com"}, claims[0])
	assert.Equal(t, "admins", claims[1].Value)
	assert.Equal(t, "users", claims[2].Value)
	assert.Equal(t, "1700000000", claims[3].Value)
	assert.Equal(t, "alice@example.com", p.Subject())
}

func TestHalfHash(t *testing.T) {
	t.Parallel()
	sum := sha256.Sum256([]byte("test-code"))
	want := base64.RawURLEncoding.EncodeToString(sum[:16])

	got, err := halfHash("ES256", "test-code")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got384, err := halfHash("ES384", "test-code")
	require.NoError(t, err)
	assert.NotEqual(t, got, got384)

	_, err = halfHash("none", "test-code")
	require.Error(t, err)
}

func TestValidationParams_Issuers(t *testing.T) {
	t.Parallel()
	p := &ValidationParams{ValidIssuer: "https://a", ValidIssuers: []string{"https://b"}}
	assert.ElementsMatch(t, []string{"https://a", "https://b"}, p.issuers())

	clone := p.clone()
	clone.ValidIssuers = append(clone.ValidIssuers, "https://c")
	assert.Len(t, p.ValidIssuers, 1)
}
