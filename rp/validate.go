// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/oidcrp/rp/internal/strutils"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// DefaultClaimsSkew is the clock skew tolerated when checking a token's
// expiry and not-before claims.
const DefaultClaimsSkew = 10 * time.Second

// ValidationParams carries the parameters a TokenValidator enforces. The
// engine merges the provider configuration's issuer and signing keys into a
// copy before each validation, so explicit settings here are additive, not
// overwritten.
type ValidationParams struct {
	// ClientId is the audience the token must be addressed to.
	ClientId string

	// ValidIssuer and ValidIssuers are the acceptable issuers.
	ValidIssuer  string
	ValidIssuers []string

	// SigningKeys are the candidate verification keys. During provider key
	// rollover more than one may be live.
	SigningKeys []jose.JSONWebKey

	// RequireSignedTokens rejects tokens whose signature cannot be
	// verified with the candidate keys. It is relaxed for id_tokens
	// received on the TLS-protected code exchange.
	RequireSignedTokens bool
}

func (p *ValidationParams) clone() *ValidationParams {
	out := *p
	out.ValidIssuers = append([]string(nil), p.ValidIssuers...)
	out.SigningKeys = append([]jose.JSONWebKey(nil), p.SigningKeys...)
	return &out
}

// issuers returns the merged acceptable issuer set.
func (p *ValidationParams) issuers() []string {
	out := append([]string(nil), p.ValidIssuers...)
	if p.ValidIssuer != "" {
		out = append(out, p.ValidIssuer)
	}
	return out
}

// ValidatedToken is the recognized signed-JWT shape a TokenValidator must
// produce alongside the principal.
type ValidatedToken struct {
	Raw       string
	Algorithm string
	Issuer    string
	Subject   string
	Audience  []string
	Nonce     string
	CHash     string
	ValidFrom time.Time
	ValidTo   time.Time
	Claims    map[string]interface{}
}

// TokenValidator verifies an id_token and produces the principal it
// asserts. Implementations external to this package may wrap a full JWT
// library; KeysetValidator is the built-in implementation.
type TokenValidator interface {
	// CanRead reports whether token looks like something this validator
	// understands.
	CanRead(token string) bool

	// Validate verifies token against p and returns the asserted
	// principal and the validated token.
	Validate(ctx context.Context, token string, p *ValidationParams) (*Principal, *ValidatedToken, error)
}

// KeysetValidator validates signed JWTs against a candidate key set, the
// way a relying party validates id_tokens: signature, expiry/not-before
// with skew, issuer and audience.
type KeysetValidator struct {
	// Clock is the time source for expiry checks; defaults to time.Now.
	Clock func() time.Time
}

// CanRead implements TokenValidator.
func (v *KeysetValidator) CanRead(token string) bool {
	_, err := jwt.ParseSigned(token)
	return err == nil
}

// Validate implements TokenValidator.
func (v *KeysetValidator) Validate(_ context.Context, token string, p *ValidationParams) (*Principal, *ValidatedToken, error) {
	const op = "KeysetValidator.Validate"
	if p == nil {
		return nil, nil, fmt.Errorf("%s: validation params are nil: %w", op, ErrNilParameter)
	}
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidTokenShape)
	}

	allClaims := map[string]interface{}{}
	std := jwt.Claims{}
	var verified bool
	for _, key := range p.SigningKeys {
		if err := parsed.Claims(key, &allClaims, &std); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		if p.RequireSignedTokens {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrSigningKeyNotFound)
		}
		if err := parsed.UnsafeClaimsWithoutVerification(&allClaims, &std); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidTokenShape)
		}
	}

	now := time.Now
	if v.Clock != nil {
		now = v.Clock
	}
	if std.Expiry != nil && now().Add(-DefaultClaimsSkew).After(std.Expiry.Time()) {
		return nil, nil, fmt.Errorf("%s: token expired at %s: %w", op, std.Expiry.Time(), ErrExpiredToken)
	}
	if std.NotBefore != nil && now().Add(DefaultClaimsSkew).Before(std.NotBefore.Time()) {
		return nil, nil, fmt.Errorf("%s: token not valid before %s: %w", op, std.NotBefore.Time(), ErrExpiredToken)
	}
	if issuers := p.issuers(); len(issuers) > 0 && !strutils.StrListContains(issuers, std.Issuer) {
		return nil, nil, fmt.Errorf("%s: issuer %q is not acceptable: %w", op, std.Issuer, ErrInvalidIssuer)
	}
	if p.ClientId != "" && !strutils.StrListContains(std.Audience, p.ClientId) {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidAudience)
	}

	vt := &ValidatedToken{
		Raw:      token,
		Issuer:   std.Issuer,
		Subject:  std.Subject,
		Audience: append([]string(nil), std.Audience...),
		Claims:   allClaims,
	}
	if len(parsed.Headers) > 0 {
		vt.Algorithm = parsed.Headers[0].Algorithm
	}
	if nonce, ok := allClaims["nonce"].(string); ok {
		vt.Nonce = nonce
	}
	if chash, ok := allClaims["c_hash"].(string); ok {
		vt.CHash = chash
	}
	if std.NotBefore != nil {
		vt.ValidFrom = std.NotBefore.Time()
	} else if std.IssuedAt != nil {
		vt.ValidFrom = std.IssuedAt.Time()
	}
	if std.Expiry != nil {
		vt.ValidTo = std.Expiry.Time()
	}

	return principalFromClaims(allClaims, std.Issuer), vt, nil
}

// principalFromClaims flattens a claims object into an ordered Principal.
// Map iteration order is not stable, so claim types are sorted; array
// claims become one Claim per element.
func principalFromClaims(claims map[string]interface{}, issuer string) *Principal {
	types := make([]string, 0, len(claims))
	for k := range claims {
		types = append(types, k)
	}
	sort.Strings(types)

	p := &Principal{}
	for _, typ := range types {
		switch v := claims[typ].(type) {
		case []interface{}:
			for _, item := range v {
				p.AddClaims(Claim{Type: typ, Value: claimString(item), Issuer: issuer})
			}
		default:
			p.AddClaims(Claim{Type: typ, Value: claimString(v), Issuer: issuer})
		}
	}
	return p
}

// claimString renders a claim value the way it is compared throughout the
// engine: by its string form.
func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// validateToken bridges the engine's validation parameters with the
// dynamically fetched provider configuration and wraps the external
// validator's result into a Ticket. The configuration's issuer and signing
// keys are merged additively: an explicitly configured issuer stays
// acceptable, and rollover keys join the candidate set.
func (e *Engine) validateToken(ctx context.Context, cfg *Configuration, raw string, requireSigned bool) (*Ticket, *ValidatedToken, error) {
	const op = "Engine.validateToken"
	p := e.config.Validation.clone()
	if p.ClientId == "" {
		p.ClientId = e.config.ClientId
	}
	if cfg.Issuer != "" && p.ValidIssuer != cfg.Issuer && !strutils.StrListContains(p.ValidIssuers, cfg.Issuer) {
		p.ValidIssuers = append(p.ValidIssuers, cfg.Issuer)
	}
	p.SigningKeys = append(p.SigningKeys, cfg.SigningKeys...)
	p.RequireSignedTokens = requireSigned

	if !e.validator.CanRead(raw) {
		return nil, nil, fmt.Errorf("%s: %w", op, ErrInvalidTokenShape)
	}
	principal, vt, err := e.validator.Validate(ctx, raw, p)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if vt == nil {
		return nil, nil, fmt.Errorf("%s: validator did not produce a validated token: %w", op, ErrInvalidTokenShape)
	}
	return &Ticket{Principal: principal, Scheme: e.config.Scheme}, vt, nil
}

// applyTokenLifetime copies the validated token's lifetime onto the
// properties when configured and the token carries non-default timestamps.
func (e *Engine) applyTokenLifetime(props *Properties, vt *ValidatedToken) {
	if !e.config.UseTokenLifetime || vt == nil {
		return
	}
	if !vt.ValidFrom.IsZero() {
		props.IssuedAt = vt.ValidFrom
	}
	if !vt.ValidTo.IsZero() {
		props.ExpiresAt = vt.ValidTo
	}
}

// validateProtocolResponse performs the structural and semantic checks an
// OIDC response must satisfy beyond the token's own validation: issuer and
// audience consistency, nonce confirmation and the c_hash binding between
// an authorization code and the id_token that accompanied it. Findings are
// aggregated so a response failing several checks reports them all.
func (e *Engine) validateProtocolResponse(cfg *Configuration, vt *ValidatedToken, code, confirmedNonce string) error {
	const op = "Engine.validateProtocolResponse"
	if vt == nil {
		return fmt.Errorf("%s: no validated token: %w", op, ErrMissingIdToken)
	}

	var result *multierror.Error
	if cfg.Issuer != "" && vt.Issuer != cfg.Issuer && !strutils.StrListContains(e.config.Validation.issuers(), vt.Issuer) {
		result = multierror.Append(result, fmt.Errorf("issuer %q does not match configuration: %w", vt.Issuer, ErrInvalidIssuer))
	}
	if !strutils.StrListContains(vt.Audience, e.config.ClientId) {
		result = multierror.Append(result, fmt.Errorf("audience does not include the client id: %w", ErrInvalidAudience))
	}
	if !e.config.DisableNonce {
		switch {
		case vt.Nonce == "":
			result = multierror.Append(result, fmt.Errorf("token carries no nonce claim: %w", ErrInvalidNonce))
		case vt.Nonce != confirmedNonce:
			result = multierror.Append(result, fmt.Errorf("nonce could not be confirmed: %w", ErrInvalidNonce))
		}
	}
	if code != "" && vt.CHash != "" {
		expected, err := halfHash(vt.Algorithm, code)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %v", ErrInvalidCHash, err))
		} else if expected != vt.CHash {
			result = multierror.Append(result, fmt.Errorf("c_hash does not match the authorization code: %w", ErrInvalidCHash))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// halfHash computes the OIDC left-half hash of a value (used by c_hash and
// at_hash), picking the hash function that matches the token's signing
// algorithm.
func halfHash(alg, value string) (string, error) {
	var h hash.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = sha256.New()
	case strings.HasSuffix(alg, "384"):
		h = sha512.New384()
	case strings.HasSuffix(alg, "512"):
		h = sha512.New()
	default:
		return "", fmt.Errorf("unsupported algorithm %q", alg)
	}
	_, _ = h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
