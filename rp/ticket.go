// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package rp

import (
	"time"

	"golang.org/x/oauth2"
)

// Claim is a single assertion about the authenticated subject. Issuer
// records which issuer asserted it, which matters once userinfo claims are
// merged in alongside id_token claims.
type Claim struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Issuer string `json:"issuer,omitempty"`
}

// Principal is the ordered claim set of a validated identity.
type Principal struct {
	claims []Claim
}

// NewPrincipal creates a Principal from an ordered list of claims.
func NewPrincipal(claims ...Claim) *Principal {
	p := &Principal{}
	p.claims = append(p.claims, claims...)
	return p
}

// Claims returns a copy of the principal's claims in order.
func (p *Principal) Claims() []Claim {
	out := make([]Claim, len(p.claims))
	copy(out, p.claims)
	return out
}

// AddClaims appends claims to the principal.
func (p *Principal) AddClaims(claims ...Claim) {
	p.claims = append(p.claims, claims...)
}

// Claim returns the first value of the given claim type.
func (p *Principal) Claim(typ string) (string, bool) {
	for _, c := range p.claims {
		if c.Type == typ {
			return c.Value, true
		}
	}
	return "", false
}

// HasClaim reports whether the principal carries a claim with the exact
// type and value.
func (p *Principal) HasClaim(typ, value string) bool {
	for _, c := range p.claims {
		if c.Type == typ && c.Value == value {
			return true
		}
	}
	return false
}

// Subject returns the "sub" claim.
func (p *Principal) Subject() string {
	s, _ := p.Claim("sub")
	return s
}

// Ticket is the terminal product of a successful authentication: the
// validated principal, the Properties that travelled through the flow, and
// the scheme name the caller registered the engine under. A Ticket is
// immutable once returned to the caller.
type Ticket struct {
	Principal  *Principal
	Properties *Properties
	Scheme     string
}

// OAuth2Token assembles the tokens persisted in the ticket's Properties
// into an *oauth2.Token for downstream API calls. It returns nil when no
// access token was persisted.
func (t *Ticket) OAuth2Token() *oauth2.Token {
	if t == nil || t.Properties == nil {
		return nil
	}
	access, ok := t.Properties.Token(TokenNameAccessToken)
	if !ok {
		return nil
	}
	tok := &oauth2.Token{AccessToken: access}
	if v, ok := t.Properties.Token(TokenNameRefreshToken); ok {
		tok.RefreshToken = v
	}
	if v, ok := t.Properties.Token(TokenNameTokenType); ok {
		tok.TokenType = v
	}
	if v, ok := t.Properties.Token(TokenNameExpiresAt); ok {
		if exp, err := time.Parse(time.RFC3339, v); err == nil {
			tok.Expiry = exp
		}
	}
	return tok
}
